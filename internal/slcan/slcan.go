// Package slcan implements the bus adapter for serial-line CAN adapters
// speaking the LAWICEL ASCII protocol (CANUSB and compatibles).
package slcan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canlan/go-can-remote/internal/bus"
	"github.com/canlan/go-can-remote/internal/can"
	"github.com/canlan/go-can-remote/internal/logging"
)

const (
	defaultBaud    = 115200
	portReadTO     = 20 * time.Millisecond
	rxBuf          = 256
	readChunk      = 512
	defaultBitrate = 500000
)

// bitrateCode maps a bitrate in bits/s to the adapter's Sn setup command.
var bitrateCode = map[uint32]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// Adapter is one opened SLCAN device. A single reader goroutine decodes
// incoming lines into a buffered channel Recv drains.
type Adapter struct {
	port    Port
	device  string
	bitrate uint32
	filters []can.Filter
	codec   Codec

	writeMu sync.Mutex
	rx      chan can.Frame
	fault   atomic.Pointer[error]
	closed  atomic.Bool
	done    chan struct{}
}

// Open configures the adapter (close channel, set bitrate, open channel)
// and starts the receive decoder.
func Open(cfg bus.Config) (bus.Bus, error) {
	bitrate := cfg.Bitrate
	if bitrate == 0 {
		bitrate = defaultBitrate
	}
	code, ok := bitrateCode[bitrate]
	if !ok {
		return nil, fmt.Errorf("slcan: unsupported bitrate %d", bitrate)
	}
	p, err := openPort(cfg.Channel, defaultBaud, portReadTO)
	if err != nil {
		return nil, fmt.Errorf("slcan open %s: %w", cfg.Channel, err)
	}
	a := &Adapter{
		port:    p,
		device:  cfg.Channel,
		bitrate: bitrate,
		filters: cfg.Filters,
		rx:      make(chan can.Frame, rxBuf),
		done:    make(chan struct{}),
	}
	for _, cmd := range [][]byte{{'C', '\r'}, {'S', code, '\r'}, {'O', '\r'}} {
		if _, err := p.Write(cmd); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("slcan setup: %w", err)
		}
	}
	go a.readLoop()
	return a, nil
}

func (a *Adapter) ChannelInfo() string {
	return fmt.Sprintf("slcan channel '%s' @ %d bit/s", a.device, a.bitrate)
}

func (a *Adapter) Send(f can.Frame) error {
	if a.closed.Load() {
		return bus.ErrClosed
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := a.port.Write(a.codec.Encode(f)); err != nil {
		return fmt.Errorf("slcan write: %w", err)
	}
	return nil
}

func (a *Adapter) Recv(timeout time.Duration) (*can.Frame, error) {
	if a.closed.Load() {
		return nil, bus.ErrClosed
	}
	if perr := a.fault.Load(); perr != nil {
		return nil, *perr
	}
	if timeout <= 0 {
		select {
		case f := <-a.rx:
			return &f, nil
		default:
			return nil, nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-a.rx:
		return &f, nil
	case <-a.done:
		if perr := a.fault.Load(); perr != nil {
			return nil, *perr
		}
		return nil, bus.ErrClosed
	case <-timer.C:
		return nil, nil
	}
}

func (a *Adapter) Shutdown() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.writeMu.Lock()
	_, _ = a.port.Write([]byte{'C', '\r'})
	a.writeMu.Unlock()
	err := a.port.Close()
	<-a.done
	return err
}

func (a *Adapter) readLoop() {
	defer close(a.done)
	buf := make([]byte, readChunk)
	acc := bytes.NewBuffer(nil)
	for {
		n, err := a.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			a.codec.DecodeStream(acc, func(f can.Frame) {
				if !bus.MatchFilters(a.filters, f) {
					return
				}
				select {
				case a.rx <- f:
				default:
					logging.L().Warn("slcan_rx_overflow", "can_id", f.ID)
				}
			})
		}
		if err != nil {
			if a.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				continue // read timeout on most platforms
			}
			var perr *os.PathError
			if errors.As(err, &perr) || !isTransient(err) {
				ferr := fmt.Errorf("slcan read: %w", err)
				a.fault.Store(&ferr)
				return
			}
		}
	}
}

func isTransient(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF)
}
