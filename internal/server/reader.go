package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/canlan/go-can-remote/internal/bus"
	"github.com/canlan/go-can-remote/internal/event"
	"github.com/canlan/go-can-remote/internal/metrics"
)

// relayToBus is the client→bus loop: it decodes one event per iteration
// from the socket and dispatches it to the bus handle or the periodic
// task registry. A transport failure clears the liveness flag so the
// bus→client loop winds down too.
func (s *Session) relayToBus() {
	defer s.loopWG.Done()
	for s.alive.Load() {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.readDeadline))
		ev, err := s.nextEvent()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Silent peer: no event yet, not an error.
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("client_eof")
			} else {
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				if errors.Is(err, event.ErrDecode) {
					wrap = err
				}
				metrics.IncError(mapErrToMetric(wrap))
				s.srv.setError(wrap)
				s.logger.Warn("client_read_error", "error", err)
			}
			s.alive.Store(false)
			return
		}
		metrics.IncEventRx()
		s.dispatch(ev)
	}
}

func (s *Session) dispatch(ev event.Event) {
	switch e := ev.(type) {
	case event.CanMessage:
		if err := s.bus.Send(e.Frame); err != nil {
			// Per-message failure: report it, keep the session alive.
			metrics.IncTransmitFail()
			metrics.IncError(metrics.ErrBusSend)
			s.logger.Warn("bus_tx_error", "error", err, "can_id", fmt.Sprintf("0x%X", e.Frame.ID))
			s.framer.Queue(event.TransmitFail{})
			return
		}
		metrics.IncBusTx()
	case event.Closed:
		s.logger.Info("client_closed_stream")
		s.alive.Store(false)
	case event.PeriodicStart:
		s.startPeriodic(e)
	case event.PeriodicStop:
		s.stopPeriodic(e.ID)
	default:
		s.logger.Warn("unexpected_event", "kind", fmt.Sprintf("0x%02X", byte(ev.Kind())))
	}
}

// startPeriodic creates a periodic task for the frame's arbitration ID or,
// when one already exists, swaps its payload in place. At most one task
// per ID per session.
func (s *Session) startPeriodic(e event.PeriodicStart) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	if t, ok := s.tasks[e.Frame.ID]; ok {
		if !t.Finished() {
			t.Modify(e.Frame)
			s.logger.Debug("periodic_modified", "can_id", fmt.Sprintf("0x%X", e.Frame.ID))
			return
		}
		// Duration-bounded task already expired; a fresh start replaces it.
		delete(s.tasks, e.Frame.ID)
		metrics.DecPeriodicTasks()
	}
	s.tasks[e.Frame.ID] = bus.StartPeriodic(s.bus, e.Frame, e.Period, e.Duration)
	metrics.IncPeriodicTasks()
	s.logger.Debug("periodic_started", "can_id", fmt.Sprintf("0x%X", e.Frame.ID), "period", e.Period, "duration", e.Duration)
}

// stopPeriodic stops and removes the task for the given arbitration ID.
// Stopping an unknown ID is a no-op.
func (s *Session) stopPeriodic(id uint32) {
	s.tasksMu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.tasksMu.Unlock()
	if !ok {
		return
	}
	t.Stop()
	metrics.DecPeriodicTasks()
	s.logger.Debug("periodic_stopped", "can_id", fmt.Sprintf("0x%X", id))
}
