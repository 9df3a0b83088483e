package slcan

import (
	"bytes"
	"fmt"

	"github.com/canlan/go-can-remote/internal/can"
	"github.com/canlan/go-can-remote/internal/metrics"
)

// Codec translates frames to and from the LAWICEL/SLCAN ASCII line
// protocol:
//
//	tiiil[dd...]\r  standard data frame (3 hex id digits, 1 hex DLC)
//	Tiiiiiiiil..\r  extended data frame (8 hex id digits)
//	riiil\r         standard RTR frame
//	Riiiiiiiil\r    extended RTR frame
//
// Adapter responses ('\r' ack, 0x07 bell nak, 'z'/'Z' tx ack) are skipped
// during decode.
type Codec struct{}

const hexDigits = "0123456789ABCDEF"

// Encode renders one frame as an SLCAN line including the trailing CR.
func (Codec) Encode(f can.Frame) []byte {
	var cmd byte
	idDigits := 3
	switch {
	case f.Extended && f.Remote:
		cmd, idDigits = 'R', 8
	case f.Extended:
		cmd, idDigits = 'T', 8
	case f.Remote:
		cmd = 'r'
	default:
		cmd = 't'
	}
	ln := f.Len
	if ln > 8 {
		ln = 8
	}
	out := make([]byte, 0, 2+idDigits+1+2*int(ln))
	out = append(out, cmd)
	for i := idDigits - 1; i >= 0; i-- {
		out = append(out, hexDigits[(f.ID>>(4*i))&0xF])
	}
	out = append(out, hexDigits[ln])
	if !f.Remote {
		for _, b := range f.Data[:ln] {
			out = append(out, hexDigits[b>>4], hexDigits[b&0xF])
		}
	}
	return append(out, '\r')
}

// DecodeStream consumes complete CR-terminated lines from in, emitting
// every well-formed frame via out. Unparseable lines are counted and
// skipped; a trailing partial line stays buffered for the next call.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) {
	for {
		data := in.Bytes()
		i := bytes.IndexByte(data, '\r')
		if i < 0 {
			return
		}
		line := data[:i]
		in.Next(i + 1)
		if len(line) == 0 {
			continue // bare ack
		}
		switch line[0] {
		case 't', 'T', 'r', 'R':
			f, err := parseFrame(line)
			if err != nil {
				metrics.IncMalformed()
				continue
			}
			out(f)
		case 'z', 'Z', 0x07:
			// tx ack / nak, not a frame
		default:
			metrics.IncMalformed()
		}
	}
}

func parseFrame(line []byte) (can.Frame, error) {
	var f can.Frame
	idDigits := 3
	switch line[0] {
	case 'T', 'R':
		f.Extended = true
		idDigits = 8
	}
	if line[0] == 'r' || line[0] == 'R' {
		f.Remote = true
	}
	if len(line) < 1+idDigits+1 {
		return f, fmt.Errorf("slcan: short line %q", line)
	}
	id, err := parseHex(line[1 : 1+idDigits])
	if err != nil {
		return f, err
	}
	f.ID = id
	dlc, err := parseHex(line[1+idDigits : 1+idDigits+1])
	if err != nil {
		return f, err
	}
	if dlc > 8 {
		return f, fmt.Errorf("slcan: DLC %d", dlc)
	}
	f.Len = uint8(dlc)
	if f.Remote {
		return f, nil
	}
	body := line[1+idDigits+1:]
	if len(body) < 2*int(dlc) {
		return f, fmt.Errorf("slcan: truncated payload %q", line)
	}
	for i := 0; i < int(dlc); i++ {
		b, err := parseHex(body[2*i : 2*i+2])
		if err != nil {
			return f, err
		}
		f.Data[i] = uint8(b)
	}
	return f, nil
}

func parseHex(p []byte) (uint32, error) {
	var v uint32
	for _, c := range p {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint32(c - '0')
		case c >= 'A' && c <= 'F':
			v |= uint32(c-'A') + 10
		case c >= 'a' && c <= 'f':
			v |= uint32(c-'a') + 10
		default:
			return 0, fmt.Errorf("slcan: bad hex %q", p)
		}
	}
	return v, nil
}
