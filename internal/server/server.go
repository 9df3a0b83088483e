// Package server implements the remote CAN access engine: the TCP
// listener and, per connected client, the handshake state machine and the
// two relay loops bridging the socket with a dedicated bus handle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canlan/go-can-remote/internal/bus"
	"github.com/canlan/go-can-remote/internal/logging"
	"github.com/canlan/go-can-remote/internal/metrics"
)

// ProtocolVersion is the version this server negotiates in BusRequest.
const ProtocolVersion = 1

// DefaultPort is the well-known remote CAN port.
const DefaultPort = 54701

const (
	defaultHandshakeTimeout = 3 * time.Second
	defaultReadDeadline     = 60 * time.Second
	defaultWriteTimeout     = 2 * time.Second
	defaultPollInterval     = 500 * time.Millisecond
	teardownJoinTimeout     = 3 * time.Second
)

// Server owns the TCP listener and the set of active client sessions.
// Each session gets its own bus handle from the configured Opener.
type Server struct {
	mu      sync.RWMutex
	addr    string
	opener  bus.Opener
	baseCfg bus.Config

	handshakeTimeout time.Duration
	readDeadline     time.Duration
	writeTimeout     time.Duration
	pollInterval     time.Duration
	maxClients       int

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error
	listener  net.Listener

	sessionsMu sync.RWMutex
	sessions   map[*Session]struct{}

	wg         sync.WaitGroup
	logger     *slog.Logger
	nextConnID uint64

	totalAccepted      atomic.Uint64
	totalHandshakeFail atomic.Uint64
	totalConnected     atomic.Uint64
	totalDisconnected  atomic.Uint64
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		handshakeTimeout: defaultHandshakeTimeout,
		readDeadline:     defaultReadDeadline,
		writeTimeout:     defaultWriteTimeout,
		pollInterval:     defaultPollInterval,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		sessions:         make(map[*Session]struct{}),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = fmt.Sprintf(":%d", DefaultPort)
	}
	return s
}

func WithListenAddr(a string) ServerOption    { return func(s *Server) { s.addr = a } }
func WithOpener(o bus.Opener) ServerOption    { return func(s *Server) { s.opener = o } }
func WithBusConfig(c bus.Config) ServerOption { return func(s *Server) { s.baseCfg = c } }

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// SessionCount returns the number of sessions currently in the relay phase.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	n := len(s.sessions)
	s.sessionsMu.RUnlock()
	return n
}

func (s *Server) addSession(cs *Session) {
	s.sessionsMu.Lock()
	s.sessions[cs] = struct{}{}
	n := len(s.sessions)
	s.sessionsMu.Unlock()
	metrics.SetSessions(n)
}

func (s *Server) removeSession(cs *Session) {
	s.sessionsMu.Lock()
	_, existed := s.sessions[cs]
	delete(s.sessions, cs)
	n := len(s.sessions)
	s.sessionsMu.Unlock()
	if existed {
		s.totalDisconnected.Add(1)
		metrics.SetSessions(n)
	}
}

// Serve accepts TCP clients and runs one Session goroutine per client.
func (s *Server) Serve(ctx context.Context) error {
	if s.opener == nil {
		return fmt.Errorf("%w: no bus opener configured", ErrListen)
	}
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection and hands it to a new Session.
// Returns nil on success; a wrapped error on fatal listener errors.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	c, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if errors.Is(err, net.ErrClosed) {
			// Shutdown closed the listener out from under Accept.
			return context.Canceled
		}
		if _, ok := err.(net.Error); ok { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	if s.maxClients > 0 && s.SessionCount() >= s.maxClients {
		metrics.IncSessionReject()
		s.logger.Warn("session_reject_max", "remote", c.RemoteAddr().String(), "max_clients", s.maxClients)
		_ = c.Close()
		return nil
	}
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", c.RemoteAddr().String())
	if tcp, ok := c.(*net.TCPConn); ok {
		// Latency over throughput on this link.
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	sess := newSession(s, c, connLogger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run(ctx)
	}()
	return nil
}

// Shutdown gracefully closes the listener and all sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.sessionsMu.RLock()
	open := make([]*Session, 0, len(s.sessions))
	for cs := range s.sessions {
		open = append(open, cs)
	}
	s.sessionsMu.RUnlock()
	for _, cs := range open {
		cs.stop()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"handshake_fail", s.totalHandshakeFail.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load())
		return nil
	}
}
