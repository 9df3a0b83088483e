package bus

import (
	"sync"
	"time"

	"github.com/canlan/go-can-remote/internal/can"
	"github.com/canlan/go-can-remote/internal/logging"
)

// PeriodicTask repeatedly transmits one frame at a fixed interval,
// optionally bounded by a duration. The payload can be swapped while the
// task runs; the arbitration ID is fixed at start.
type PeriodicTask struct {
	mu    sync.Mutex
	frame can.Frame

	bus      Bus
	period   time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// StartPeriodic begins transmitting f on b every period. A positive
// duration stops the task after that long; zero keeps it running until
// Stop. Individual send failures are logged and do not stop the task.
func StartPeriodic(b Bus, f can.Frame, period, duration time.Duration) *PeriodicTask {
	if period <= 0 {
		period = time.Millisecond
	}
	t := &PeriodicTask{
		frame:  f,
		bus:    b,
		period: period,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.loop(duration)
	return t
}

// ID returns the arbitration ID the task transmits on.
func (t *PeriodicTask) ID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frame.ID
}

// Modify replaces the transmitted payload and flags in place, keeping the
// task's schedule.
func (t *PeriodicTask) Modify(f can.Frame) {
	t.mu.Lock()
	f.ID = t.frame.ID // arbitration ID is the task key and cannot change
	t.frame = f
	t.mu.Unlock()
}

// Finished reports whether the transmit loop has exited, by Stop or by
// reaching the duration bound.
func (t *PeriodicTask) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Stop cancels the task and waits for the transmit loop to exit.
// Idempotent.
func (t *PeriodicTask) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.done
}

func (t *PeriodicTask) loop(duration time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()
	var expire <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		expire = timer.C
	}
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			f := t.frame
			t.mu.Unlock()
			if err := t.bus.Send(f); err != nil {
				logging.L().Warn("periodic_send_error", "can_id", f.ID, "error", err)
			}
		case <-expire:
			return
		case <-t.stopCh:
			return
		}
	}
}
