package slcan

import (
	"bytes"
	"testing"

	"github.com/canlan/go-can-remote/internal/can"
)

func TestCodec_EncodeStandard(t *testing.T) {
	c := Codec{}
	got := c.Encode(can.Frame{ID: 0x123, Len: 3, Data: [8]byte{0x01, 0xAB, 0xFF}})
	if string(got) != "t123301ABFF\r" {
		t.Fatalf("encode = %q", got)
	}
}

func TestCodec_EncodeExtendedAndRTR(t *testing.T) {
	c := Codec{}
	if got := c.Encode(can.Frame{ID: 0x1ABCDEF0, Extended: true, Len: 1, Data: [8]byte{0x42}}); string(got) != "T1ABCDEF0142\r" {
		t.Fatalf("extended = %q", got)
	}
	if got := c.Encode(can.Frame{ID: 0x7FF, Remote: true, Len: 2}); string(got) != "r7FF2\r" {
		t.Fatalf("rtr = %q", got)
	}
}

func TestCodec_DecodeRoundTrip(t *testing.T) {
	c := Codec{}
	frames := []can.Frame{
		{ID: 0x123, Len: 3, Data: [8]byte{1, 2, 3}},
		{ID: 0x1FFFFFFF, Extended: true, Len: 8, Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{ID: 0x100, Remote: true, Len: 4},
		{ID: 0x0, Len: 0},
	}
	in := bytes.NewBuffer(nil)
	for _, f := range frames {
		in.Write(c.Encode(f))
	}
	var out []can.Frame
	c.DecodeStream(in, func(f can.Frame) { out = append(out, f) })
	if len(out) != len(frames) {
		t.Fatalf("decoded %d, want %d", len(out), len(frames))
	}
	for i := range frames {
		if out[i] != frames[i] {
			t.Fatalf("frame %d mismatch:\n got %#v\nwant %#v", i, out[i], frames[i])
		}
	}
	if in.Len() != 0 {
		t.Fatalf("%d bytes left", in.Len())
	}
}

func TestCodec_PartialLineStaysBuffered(t *testing.T) {
	c := Codec{}
	in := bytes.NewBuffer([]byte("t123"))
	var out []can.Frame
	c.DecodeStream(in, func(f can.Frame) { out = append(out, f) })
	if len(out) != 0 {
		t.Fatalf("partial line decoded: %#v", out)
	}
	in.WriteString("3010203\r")
	c.DecodeStream(in, func(f can.Frame) { out = append(out, f) })
	if len(out) != 1 || out[0].ID != 0x123 || out[0].Len != 3 {
		t.Fatalf("got %#v", out)
	}
}

func TestCodec_SkipsAcksAndGarbage(t *testing.T) {
	c := Codec{}
	in := bytes.NewBuffer(nil)
	in.WriteString("\r")           // bare ack
	in.WriteString("z\r")          // tx ack
	in.Write([]byte{0x07, '\r'})   // nak
	in.WriteString("txyz0\r")      // bad hex
	in.WriteString("t1009\r")      // DLC 9
	in.WriteString("t055111\r")    // good frame
	var out []can.Frame
	c.DecodeStream(in, func(f can.Frame) { out = append(out, f) })
	if len(out) != 1 {
		t.Fatalf("decoded %d frames, want 1", len(out))
	}
	if out[0].ID != 0x055 || out[0].Len != 1 || out[0].Data[0] != 0x11 {
		t.Fatalf("got %#v", out[0])
	}
}
