package can

// SocketCAN flag bits carried in the wire identifier word
// (same values as <linux/can.h>)
const (
	EFFFlag = 0x80000000
	RTRFlag = 0x40000000
	ERRFlag = 0x20000000
	SFFMask = 0x7FF
	EFFMask = 0x1FFFFFFF
)

// Frame is a single addressed data unit on the bus: an arbitration ID
// plus up to 8 payload bytes (classic CAN). Only the first Len bytes
// of Data are valid.
type Frame struct {
	ID       uint32 // arbitration ID without flag bits
	Extended bool   // 29-bit identifier
	Remote   bool   // remote transmission request
	Err      bool   // error frame
	Len      uint8
	Data     [8]byte
}

// WireID packs the arbitration ID and the flag bits into a single
// SocketCAN-style identifier word.
func (f Frame) WireID() uint32 {
	id := f.ID
	if f.Extended {
		id = (id & EFFMask) | EFFFlag
	} else {
		id &= SFFMask
	}
	if f.Remote {
		id |= RTRFlag
	}
	if f.Err {
		id |= ERRFlag
	}
	return id
}

// FromWireID unpacks a SocketCAN-style identifier word into the ID and
// flag fields of a frame.
func FromWireID(id uint32) Frame {
	var f Frame
	f.Extended = id&EFFFlag != 0
	f.Remote = id&RTRFlag != 0
	f.Err = id&ERRFlag != 0
	if f.Extended {
		f.ID = id & EFFMask
	} else {
		f.ID = id & SFFMask
	}
	return f
}

// Filter matches frames by masked identifier, the way SocketCAN kernel
// filters do: a frame passes when (frame.ID & Mask) == (ID & Mask).
type Filter struct {
	ID       uint32
	Mask     uint32
	Extended bool
}

// Match reports whether the frame passes the filter.
func (flt Filter) Match(f Frame) bool {
	if flt.Extended != f.Extended {
		return false
	}
	return f.ID&flt.Mask == flt.ID&flt.Mask
}
