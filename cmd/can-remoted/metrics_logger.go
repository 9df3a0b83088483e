package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canlan/go-can-remote/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"events_rx", snap.EventsRx,
					"events_tx", snap.EventsTx,
					"bus_tx", snap.BusTx,
					"bus_rx", snap.BusRx,
					"sessions", snap.Sessions,
					"periodic_tasks", snap.PeriodicTasks,
					"handshake_fails", snap.HandshakeFails,
					"transmit_fails", snap.TransmitFails,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
