// Package bus defines the adapter boundary to the physical or virtual
// CAN interface a session relays to. The server core consumes this
// interface; concrete backends live in internal/socketcan, internal/slcan
// and the in-memory Virtual bus in this package.
package bus

import (
	"errors"
	"time"

	"github.com/canlan/go-can-remote/internal/can"
)

// Config describes one channel to open. Bitrate zero means the backend
// default (or, at the server, that the client's requested bitrate is
// adopted). Filters restrict which frames Recv yields.
type Config struct {
	Interface string // "socketcan", "slcan" or "virtual"
	Channel   string // interface name or device path
	Bitrate   uint32
	Filters   []can.Filter
}

// Opener opens a bus handle for one session.
type Opener func(Config) (Bus, error)

// Bus is a single opened channel handle. Send and Recv must be safe for
// use from different goroutines; the server confines Send to one relay
// loop and Recv to the other.
type Bus interface {
	// Send transmits one frame.
	Send(f can.Frame) error

	// Recv waits up to timeout for the next frame passing the configured
	// filters. It returns (nil, nil) when no frame arrived in time; a
	// zero timeout polls without waiting. A non-nil error means the bus
	// is faulted and should be shut down.
	Recv(timeout time.Duration) (*can.Frame, error)

	// ChannelInfo describes the opened channel for the handshake reply.
	ChannelInfo() string

	// Shutdown releases the handle. Safe to call once.
	Shutdown() error
}

// ErrClosed is returned by backends after Shutdown.
var ErrClosed = errors.New("bus: closed")

// MatchFilters reports whether f passes any of the filters. An empty
// filter list passes everything.
func MatchFilters(filters []can.Filter, f can.Frame) bool {
	if len(filters) == 0 {
		return true
	}
	for _, flt := range filters {
		if flt.Match(f) {
			return true
		}
	}
	return false
}
