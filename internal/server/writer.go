package server

import (
	"github.com/canlan/go-can-remote/internal/event"
	"github.com/canlan/go-can-remote/internal/metrics"
)

// relayToClient is the bus→client loop: it polls the bus with a bounded
// wait, drains every already-available frame into the outbound buffer and
// flushes the batch in a single socket write. A bus receive fault is
// fatal: one RemoteException is queued for the client and the liveness
// flag is cleared.
func (s *Session) relayToClient() {
	defer s.loopWG.Done()
	for s.alive.Load() {
		fr, err := s.bus.Recv(s.srv.pollInterval)
		if err != nil {
			s.busFault(err)
		}
		for fr != nil {
			metrics.IncBusRx()
			s.framer.Queue(event.CanMessage{Frame: *fr})
			fr, err = s.bus.Recv(0)
			if err != nil {
				s.busFault(err)
				break
			}
		}
		if s.framer.Pending() {
			if err := s.flush(); err != nil {
				s.alive.Store(false)
			}
		}
	}
	// A RemoteException queued on the way out still has to reach the
	// client before teardown closes the socket.
	if s.framer.Pending() {
		_ = s.flush()
	}
}

// busFault ends the session after a receive-side bus error: the bus is
// presumed unusable, so exactly one RemoteException is sent and no
// further polling happens.
func (s *Session) busFault(err error) {
	metrics.IncError(metrics.ErrBusRecv)
	s.srv.setError(err)
	s.logger.Error("bus_rx_error", "error", err)
	s.framer.Queue(event.RemoteException{Description: err.Error()})
	s.alive.Store(false)
}
