// Package event defines the protocol messages exchanged between a remote
// CAN client and the server, together with their wire codec. Events are
// immutable once constructed and are the unit of transport framing.
package event

import (
	"time"

	"github.com/canlan/go-can-remote/internal/can"
)

// Kind is the wire tag that starts every encoded event.
type Kind byte

const (
	KindBusRequest      Kind = 0x01
	KindBusResponse     Kind = 0x02
	KindCanMessage      Kind = 0x03
	KindTransmitFail    Kind = 0x04
	KindRemoteException Kind = 0x05
	KindClosed          Kind = 0x06
	KindFilterConfig    Kind = 0x07
	KindPeriodicStart   Kind = 0x08
	KindPeriodicStop    Kind = 0x09
)

// Event is one protocol message. The concrete types below form a closed
// set; Kind dispatch is exhaustive over them.
type Event interface {
	Kind() Kind
}

// BusRequest opens the handshake: protocol version plus the bitrate the
// client wants if the server does not fix one.
type BusRequest struct {
	Version uint8
	Bitrate uint32
}

// FilterConfig carries the client's receive filters; the second and last
// handshake event from the client. An empty list means "receive all".
type FilterConfig struct {
	Filters []can.Filter
}

// BusResponse completes a successful handshake with a human-readable
// description of the opened channel.
type BusResponse struct {
	ChannelInfo string
}

// CanMessage carries one bus frame in either direction.
type CanMessage struct {
	Frame can.Frame
}

// PeriodicStart asks the server to transmit Frame every Period, for at
// most Duration (zero meaning unbounded). A start for an arbitration ID
// that already has a task replaces that task's payload in place.
type PeriodicStart struct {
	Frame    can.Frame
	Period   time.Duration
	Duration time.Duration
}

// PeriodicStop cancels the periodic task for the given arbitration ID.
// Stopping an ID with no task is a no-op.
type PeriodicStop struct {
	ID uint32
}

// Closed announces a graceful end of input from the sender.
type Closed struct{}

// RemoteException reports a server-side failure to the client. Mid-session
// it is fatal: the bus is presumed unusable.
type RemoteException struct {
	Description string
}

// TransmitFail reports a single failed bus send. Non-fatal.
type TransmitFail struct{}

func (BusRequest) Kind() Kind      { return KindBusRequest }
func (BusResponse) Kind() Kind     { return KindBusResponse }
func (CanMessage) Kind() Kind      { return KindCanMessage }
func (TransmitFail) Kind() Kind    { return KindTransmitFail }
func (RemoteException) Kind() Kind { return KindRemoteException }
func (Closed) Kind() Kind          { return KindClosed }
func (FilterConfig) Kind() Kind    { return KindFilterConfig }
func (PeriodicStart) Kind() Kind   { return KindPeriodicStart }
func (PeriodicStop) Kind() Kind    { return KindPeriodicStop }
