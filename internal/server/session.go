package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canlan/go-can-remote/internal/bus"
	"github.com/canlan/go-can-remote/internal/event"
	"github.com/canlan/go-can-remote/internal/framer"
	"github.com/canlan/go-can-remote/internal/metrics"
)

const readChunkSize = 256

// Session owns one client's lifecycle: handshake, the two relay loops and
// teardown. The socket receive side is used only by the client→bus loop
// and the send side only by the bus→client loop (plus the handshake,
// which runs before either loop starts).
type Session struct {
	srv    *Server
	conn   net.Conn
	framer *framer.Framer
	logger *slog.Logger

	cfg bus.Config
	bus bus.Bus

	tasksMu sync.Mutex
	tasks   map[uint32]*bus.PeriodicTask

	alive    atomic.Bool
	loopWG   sync.WaitGroup
	downOnce sync.Once

	readBuf []byte
}

func newSession(srv *Server, c net.Conn, logger *slog.Logger) *Session {
	return &Session{
		srv:     srv,
		conn:    c,
		framer:  framer.New(),
		logger:  logger,
		tasks:   make(map[uint32]*bus.PeriodicTask),
		readBuf: make([]byte, readChunkSize),
	}
}

// run drives the session from handshake to teardown.
func (s *Session) run(ctx context.Context) {
	defer s.teardown()
	if err := s.handshake(); err != nil {
		s.srv.totalHandshakeFail.Add(1)
		metrics.IncHandshakeFail()
		metrics.IncError(mapErrToMetric(err))
		s.srv.setError(err)
		s.logger.Warn("handshake_failed", "error", err)
		// Surface the failure to the client while the socket may still
		// be writable, then give up.
		s.framer.Queue(event.RemoteException{Description: err.Error()})
		_ = s.flush()
		return
	}
	s.srv.totalConnected.Add(1)
	s.alive.Store(true)
	s.logger.Info("client_connected", "channel", s.bus.ChannelInfo())

	s.loopWG.Add(2)
	go s.relayToBus()
	go s.relayToClient()

	done := make(chan struct{})
	go func() { s.loopWG.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		s.stop()
		select {
		case <-done:
		case <-time.After(teardownJoinTimeout):
			s.logger.Warn("relay_join_timeout")
		}
	}
}

// stop clears the liveness flag and unblocks both loops.
func (s *Session) stop() {
	s.alive.Store(false)
	_ = s.conn.SetReadDeadline(time.Now())
}

// handshake runs the AwaitingBusRequest → AwaitingFilters → Connecting
// part of the state machine. On success s.bus is open, the session is
// registered with the server and the BusResponse has been flushed.
func (s *Session) handshake() error {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.handshakeTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	ev, err := s.nextEvent()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	req, ok := ev.(event.BusRequest)
	if !ok {
		return fmt.Errorf("%w: expected BusRequest, got 0x%02X", ErrHandshake, byte(ev.Kind()))
	}
	if req.Version != ProtocolVersion {
		return fmt.Errorf("%w: client %d, server %d", ErrVersion, req.Version, ProtocolVersion)
	}

	ev, err = s.nextEvent()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	fc, ok := ev.(event.FilterConfig)
	if !ok {
		return fmt.Errorf("%w: expected FilterConfig, got 0x%02X", ErrHandshake, byte(ev.Kind()))
	}

	cfg := s.srv.baseCfg
	if cfg.Bitrate == 0 {
		// Client bitrate only applies when the server config leaves it open.
		cfg.Bitrate = req.Bitrate
	}
	cfg.Filters = fc.Filters

	b, err := s.srv.opener(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBusOpen, err)
	}
	s.bus = b
	s.cfg = cfg
	s.framer.Queue(event.BusResponse{ChannelInfo: b.ChannelInfo()})
	s.srv.addSession(s)
	if err := s.flush(); err != nil {
		return err
	}
	return nil
}

// nextEvent blocks until one event is framed, refilling the inbound
// accumulator from the socket as needed. Socket deadlines set by the
// caller bound the wait.
func (s *Session) nextEvent() (event.Event, error) {
	for {
		ev, err := s.framer.Next()
		if err != nil {
			metrics.IncMalformed()
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
		n, err := s.conn.Read(s.readBuf)
		if n > 0 {
			s.framer.Push(s.readBuf[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// flush drains the outbound accumulator into one socket write, bounded by
// the write timeout.
func (s *Session) flush() error {
	p, n := s.framer.Drain()
	if len(p) == 0 {
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.writeTimeout))
	if _, err := s.conn.Write(p); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.srv.setError(wrap)
		return wrap
	}
	metrics.AddEventTx(n)
	return nil
}

// teardown releases every session resource exactly once, regardless of
// which relay loop (or error path) ended the session.
func (s *Session) teardown() {
	s.downOnce.Do(func() {
		s.alive.Store(false)
		s.tasksMu.Lock()
		n := len(s.tasks)
		for id, t := range s.tasks {
			t.Stop()
			delete(s.tasks, id)
		}
		s.tasksMu.Unlock()
		if n > 0 {
			metrics.SubPeriodicTasks(n)
		}
		if s.bus != nil {
			if err := s.bus.Shutdown(); err != nil {
				s.logger.Warn("bus_shutdown_error", "error", err)
			}
		}
		_ = s.conn.Close()
		s.srv.removeSession(s)
		s.logger.Info("client_disconnected")
	})
}
