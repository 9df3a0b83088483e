package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/canlan/go-can-remote/internal/can"
)

// ErrDecode is returned for structurally invalid wire data (unknown event
// tag, oversized DLC). A buffer that merely ends mid-event is not an
// error: Decode reports it as "incomplete" by returning a nil event.
var ErrDecode = errors.New("event: malformed")

const (
	// maxStringLen bounds BusResponse/RemoteException payloads so a bad
	// length prefix cannot make the framer wait forever for data that
	// will never come.
	maxStringLen = 4096
	maxFilters   = 255
)

// Append encodes ev and appends its wire representation to dst.
// Multi-byte integers are big-endian; each event starts with its Kind tag.
func Append(dst []byte, ev Event) []byte {
	dst = append(dst, byte(ev.Kind()))
	switch e := ev.(type) {
	case BusRequest:
		dst = append(dst, e.Version)
		dst = binary.BigEndian.AppendUint32(dst, e.Bitrate)
	case BusResponse:
		dst = appendString(dst, e.ChannelInfo)
	case CanMessage:
		dst = appendFrame(dst, e.Frame)
	case TransmitFail, Closed:
		// tag only
	case RemoteException:
		dst = appendString(dst, e.Description)
	case FilterConfig:
		n := len(e.Filters)
		if n > maxFilters {
			n = maxFilters
		}
		dst = append(dst, byte(n))
		for _, flt := range e.Filters[:n] {
			dst = binary.BigEndian.AppendUint32(dst, flt.ID)
			dst = binary.BigEndian.AppendUint32(dst, flt.Mask)
			if flt.Extended {
				dst = append(dst, 1)
			} else {
				dst = append(dst, 0)
			}
		}
	case PeriodicStart:
		dst = appendFrame(dst, e.Frame)
		dst = binary.BigEndian.AppendUint32(dst, uint32(e.Period/time.Millisecond))
		dst = binary.BigEndian.AppendUint32(dst, uint32(e.Duration/time.Millisecond))
	case PeriodicStop:
		dst = binary.BigEndian.AppendUint32(dst, e.ID)
	}
	return dst
}

func appendString(dst []byte, s string) []byte {
	if len(s) > maxStringLen {
		s = s[:maxStringLen]
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func appendFrame(dst []byte, f can.Frame) []byte {
	dst = binary.BigEndian.AppendUint32(dst, f.WireID())
	ln := f.Len
	if ln > 8 {
		ln = 8
	}
	dst = append(dst, ln)
	return append(dst, f.Data[:ln]...)
}

// Decode decodes exactly one event from the front of buf, returning the
// event and the number of bytes consumed. When buf holds only part of an
// event it returns (nil, 0, nil) so the caller can retry after more bytes
// arrive. Structural violations return a wrapped ErrDecode.
func Decode(buf []byte) (Event, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	k := Kind(buf[0])
	p := buf[1:]
	switch k {
	case KindBusRequest:
		if len(p) < 5 {
			return nil, 0, nil
		}
		return BusRequest{Version: p[0], Bitrate: binary.BigEndian.Uint32(p[1:5])}, 6, nil
	case KindBusResponse:
		s, n, err := decodeString(p)
		if n == 0 || err != nil {
			return nil, 0, err
		}
		return BusResponse{ChannelInfo: s}, 1 + n, nil
	case KindCanMessage:
		f, n, err := decodeFrame(p)
		if n == 0 || err != nil {
			return nil, 0, err
		}
		return CanMessage{Frame: f}, 1 + n, nil
	case KindTransmitFail:
		return TransmitFail{}, 1, nil
	case KindRemoteException:
		s, n, err := decodeString(p)
		if n == 0 || err != nil {
			return nil, 0, err
		}
		return RemoteException{Description: s}, 1 + n, nil
	case KindClosed:
		return Closed{}, 1, nil
	case KindFilterConfig:
		if len(p) < 1 {
			return nil, 0, nil
		}
		count := int(p[0])
		need := 1 + count*9
		if len(p) < need {
			return nil, 0, nil
		}
		filters := make([]can.Filter, 0, count)
		for i := 0; i < count; i++ {
			off := 1 + i*9
			filters = append(filters, can.Filter{
				ID:       binary.BigEndian.Uint32(p[off : off+4]),
				Mask:     binary.BigEndian.Uint32(p[off+4 : off+8]),
				Extended: p[off+8] != 0,
			})
		}
		return FilterConfig{Filters: filters}, 1 + need, nil
	case KindPeriodicStart:
		f, n, err := decodeFrame(p)
		if n == 0 || err != nil {
			return nil, 0, err
		}
		if len(p) < n+8 {
			return nil, 0, nil
		}
		period := time.Duration(binary.BigEndian.Uint32(p[n:n+4])) * time.Millisecond
		duration := time.Duration(binary.BigEndian.Uint32(p[n+4:n+8])) * time.Millisecond
		return PeriodicStart{Frame: f, Period: period, Duration: duration}, 1 + n + 8, nil
	case KindPeriodicStop:
		if len(p) < 4 {
			return nil, 0, nil
		}
		return PeriodicStop{ID: binary.BigEndian.Uint32(p[:4])}, 5, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown event tag 0x%02X", ErrDecode, buf[0])
	}
}

func decodeString(p []byte) (string, int, error) {
	if len(p) < 2 {
		return "", 0, nil
	}
	ln := int(binary.BigEndian.Uint16(p))
	if ln > maxStringLen {
		return "", 0, fmt.Errorf("%w: string length %d", ErrDecode, ln)
	}
	if len(p) < 2+ln {
		return "", 0, nil
	}
	return string(p[2 : 2+ln]), 2 + ln, nil
}

func decodeFrame(p []byte) (can.Frame, int, error) {
	var f can.Frame
	if len(p) < 5 {
		return f, 0, nil
	}
	ln := int(p[4])
	if ln > 8 {
		return f, 0, fmt.Errorf("%w: frame DLC %d", ErrDecode, ln)
	}
	if len(p) < 5+ln {
		return f, 0, nil
	}
	f = can.FromWireID(binary.BigEndian.Uint32(p[:4]))
	f.Len = uint8(ln)
	copy(f.Data[:], p[5:5+ln])
	return f, 5 + ln, nil
}
