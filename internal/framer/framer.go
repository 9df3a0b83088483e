// Package framer turns a raw byte stream into discrete protocol events
// and back: inbound bytes accumulate until they form complete events,
// outgoing events accumulate into a byte buffer drained in one write.
package framer

import (
	"bytes"
	"sync"

	"github.com/canlan/go-can-remote/internal/event"
)

// largeBufferReclaimThreshold is the capacity above which the inbound
// accumulator is reallocated once fully drained, so bursts do not pin
// large backing arrays.
const largeBufferReclaimThreshold = 16 * 1024

// Framer is the per-session stream framer. The inbound side is owned by
// the socket-reading goroutine; the outbound side may be fed by both
// relay goroutines, so Queue/Pending/Drain synchronize on a mutex and
// Drain is an atomic check-and-clear.
type Framer struct {
	in bytes.Buffer

	outMu    sync.Mutex
	out      []byte
	outCount int
}

// New returns an empty framer.
func New() *Framer { return &Framer{} }

// Push appends raw bytes to the inbound accumulator. It never blocks.
func (f *Framer) Push(p []byte) {
	_, _ = f.in.Write(p)
}

// Next returns the next fully-framed event, or nil when the accumulator
// holds only a partial frame. Structurally invalid data returns a wrapped
// event.ErrDecode.
func (f *Framer) Next() (event.Event, error) {
	ev, n, err := event.Decode(f.in.Bytes())
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, nil
	}
	f.in.Next(n)
	if f.in.Len() == 0 && f.in.Cap() > largeBufferReclaimThreshold {
		f.in = bytes.Buffer{}
	}
	return ev, nil
}

// Buffered reports the number of inbound bytes not yet decoded.
func (f *Framer) Buffered() int { return f.in.Len() }

// Queue encodes ev onto the outbound accumulator.
func (f *Framer) Queue(ev event.Event) {
	f.outMu.Lock()
	f.out = event.Append(f.out, ev)
	f.outCount++
	f.outMu.Unlock()
}

// Pending reports whether encoded bytes are waiting to be flushed.
func (f *Framer) Pending() bool {
	f.outMu.Lock()
	defer f.outMu.Unlock()
	return len(f.out) > 0
}

// Drain returns the queued outbound bytes plus the number of events they
// encode, clearing the accumulator in the same step so concurrent Queue
// calls can neither be lost nor sent twice.
func (f *Framer) Drain() ([]byte, int) {
	f.outMu.Lock()
	p, n := f.out, f.outCount
	f.out, f.outCount = nil, 0
	f.outMu.Unlock()
	return p, n
}
