package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/canlan/go-can-remote/internal/can"
)

// Virtual is an in-memory bus: every handle opened on the same channel
// name sees frames sent by the others. It backs the "virtual" interface
// type and the test suite; no hardware involved.

const virtualEndpointBuf = 256

var (
	virtualMu       sync.Mutex
	virtualSegments = map[string]*virtualSegment{}
)

type virtualSegment struct {
	mu        sync.RWMutex
	name      string
	endpoints map[*virtualEndpoint]struct{}
}

type virtualEndpoint struct {
	seg     *virtualSegment
	filters []can.Filter
	rx      chan can.Frame
	mu      sync.Mutex
	closed  bool
}

// OpenVirtual attaches a new endpoint to the named in-memory channel,
// creating the channel on first use.
func OpenVirtual(cfg Config) (Bus, error) {
	name := cfg.Channel
	if name == "" {
		name = "vcan0"
	}
	virtualMu.Lock()
	seg, ok := virtualSegments[name]
	if !ok {
		seg = &virtualSegment{name: name, endpoints: make(map[*virtualEndpoint]struct{})}
		virtualSegments[name] = seg
	}
	virtualMu.Unlock()

	ep := &virtualEndpoint{
		seg:     seg,
		filters: cfg.Filters,
		rx:      make(chan can.Frame, virtualEndpointBuf),
	}
	seg.mu.Lock()
	seg.endpoints[ep] = struct{}{}
	seg.mu.Unlock()
	return ep, nil
}

func (e *virtualEndpoint) Send(f can.Frame) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.seg.mu.RLock()
	for other := range e.seg.endpoints {
		if other == e {
			continue
		}
		if !MatchFilters(other.filters, f) {
			continue
		}
		select {
		case other.rx <- f:
		default: // slow endpoint, drop
		}
	}
	e.seg.mu.RUnlock()
	return nil
}

func (e *virtualEndpoint) Recv(timeout time.Duration) (*can.Frame, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if timeout <= 0 {
		select {
		case f := <-e.rx:
			return &f, nil
		default:
			return nil, nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-e.rx:
		return &f, nil
	case <-timer.C:
		return nil, nil
	}
}

func (e *virtualEndpoint) ChannelInfo() string {
	return fmt.Sprintf("virtual channel '%s'", e.seg.name)
}

func (e *virtualEndpoint) Shutdown() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.seg.mu.Lock()
	delete(e.seg.endpoints, e)
	e.seg.mu.Unlock()
	return nil
}
