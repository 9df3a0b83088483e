package server

import (
	"testing"
	"time"

	"github.com/canlan/go-can-remote/internal/bus"
	"github.com/canlan/go-can-remote/internal/can"
	"github.com/canlan/go-can-remote/internal/event"
)

// TestSmoke_EndToEnd drives the full stack with no fakes: a TCP client
// handshakes against a virtual bus segment, a peer endpoint on the same
// segment exchanges frames with it in both directions, and the session
// tears down cleanly on Closed.
func TestSmoke_EndToEnd(t *testing.T) {
	srv := startTestServer(t, bus.OpenVirtual,
		bus.Config{Interface: "virtual", Channel: "smoke0"})

	peer, err := bus.OpenVirtual(bus.Config{Channel: "smoke0"})
	if err != nil {
		t.Fatalf("open peer endpoint: %v", err)
	}
	defer func() { _ = peer.Shutdown() }()

	cl := dialClient(t, srv.Addr())
	reply := cl.handshake(ProtocolVersion, 500000, nil)
	resp, ok := reply.(event.BusResponse)
	if !ok {
		t.Fatalf("expected BusResponse, got %#v", reply)
	}
	if resp.ChannelInfo != "virtual channel 'smoke0'" {
		t.Fatalf("channel info = %q", resp.ChannelInfo)
	}

	// Client to bus.
	want := can.Frame{ID: 0x100, Len: 3, Data: [8]byte{1, 2, 3}}
	cl.send(event.CanMessage{Frame: want})
	var got *can.Frame
	deadline := time.Now().Add(2 * time.Second)
	for got == nil && time.Now().Before(deadline) {
		got, err = peer.Recv(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("peer recv: %v", err)
		}
	}
	if got == nil {
		t.Fatal("frame never reached the bus")
	}
	if got.ID != want.ID || got.Len != want.Len || got.Data != want.Data {
		t.Fatalf("bus saw %#v, want %#v", *got, want)
	}

	// Bus to client.
	back := can.Frame{ID: 0x7FF, Len: 2, Data: [8]byte{0xDE, 0xAD}}
	if err := peer.Send(back); err != nil {
		t.Fatalf("peer send: %v", err)
	}
	ev := cl.mustRecv(2 * time.Second)
	msg, ok := ev.(event.CanMessage)
	if !ok {
		t.Fatalf("expected CanMessage, got %#v", ev)
	}
	if msg.Frame.ID != back.ID || msg.Frame.Data != back.Data {
		t.Fatalf("client saw %#v, want %#v", msg.Frame, back)
	}

	cl.send(event.Closed{})
	waitFor(t, 2*time.Second, func() bool { return srv.SessionCount() == 0 }, "session teardown")
}

// TestSmoke_FilteredSession checks that handshake filters reach the bus
// layer: the filtered session only sees matching traffic.
func TestSmoke_FilteredSession(t *testing.T) {
	srv := startTestServer(t, bus.OpenVirtual,
		bus.Config{Interface: "virtual", Channel: "smoke1"})

	peer, err := bus.OpenVirtual(bus.Config{Channel: "smoke1"})
	if err != nil {
		t.Fatalf("open peer endpoint: %v", err)
	}
	defer func() { _ = peer.Shutdown() }()

	cl := dialClient(t, srv.Addr())
	filters := []can.Filter{{ID: 0x200, Mask: 0x7FF}}
	if _, ok := cl.handshake(ProtocolVersion, 0, filters).(event.BusResponse); !ok {
		t.Fatal("handshake failed")
	}

	// Non-matching first, matching second; only the second arrives.
	if err := peer.Send(can.Frame{ID: 0x123, Len: 1, Data: [8]byte{0xFF}}); err != nil {
		t.Fatalf("peer send: %v", err)
	}
	if err := peer.Send(can.Frame{ID: 0x200, Len: 1, Data: [8]byte{0x42}}); err != nil {
		t.Fatalf("peer send: %v", err)
	}
	ev := cl.mustRecv(2 * time.Second)
	msg, ok := ev.(event.CanMessage)
	if !ok {
		t.Fatalf("expected CanMessage, got %#v", ev)
	}
	if msg.Frame.ID != 0x200 {
		t.Fatalf("filter leaked frame 0x%X", msg.Frame.ID)
	}
}
