package slcan

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/canlan/go-can-remote/internal/bus"
	"github.com/canlan/go-can-remote/internal/can"
)

type fakePort struct {
	mu     sync.Mutex
	wrote  bytes.Buffer
	rx     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{rx: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *fakePort) Read(buf []byte) (int, error) {
	select {
	case data := <-p.rx:
		return copy(buf, data), nil
	case <-p.closed:
		return 0, errors.New("port closed")
	case <-time.After(10 * time.Millisecond):
		return 0, nil // emulate a read timeout with no data
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrote.Write(b)
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrote.String()
}

func withFakePort(t *testing.T, p *fakePort) {
	t.Helper()
	orig := openPort
	openPort = func(string, int, time.Duration) (Port, error) { return p, nil }
	t.Cleanup(func() { openPort = orig })
}

func TestAdapter_OpenConfiguresAdapter(t *testing.T) {
	p := newFakePort()
	withFakePort(t, p)
	a, err := Open(bus.Config{Channel: "/dev/ttyUSB0", Bitrate: 250000})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Shutdown()
	got := p.written()
	if !strings.HasPrefix(got, "C\rS5\rO\r") {
		t.Fatalf("setup sequence = %q", got)
	}
	if !strings.Contains(a.ChannelInfo(), "/dev/ttyUSB0") {
		t.Fatalf("channel info = %q", a.ChannelInfo())
	}
}

func TestAdapter_UnsupportedBitrate(t *testing.T) {
	p := newFakePort()
	withFakePort(t, p)
	if _, err := Open(bus.Config{Channel: "/dev/ttyUSB0", Bitrate: 123456}); err == nil {
		t.Fatal("expected error for unsupported bitrate")
	}
}

func TestAdapter_SendEncodes(t *testing.T) {
	p := newFakePort()
	withFakePort(t, p)
	a, err := Open(bus.Config{Channel: "/dev/ttyUSB0", Bitrate: 500000})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Shutdown()
	if err := a.Send(can.Frame{ID: 0x123, Len: 2, Data: [8]byte{0xDE, 0xAD}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(p.written(), "t1232DEAD\r") {
		t.Fatalf("wire = %q", p.written())
	}
}

func TestAdapter_RecvDecodesAndTimesOut(t *testing.T) {
	p := newFakePort()
	withFakePort(t, p)
	a, err := Open(bus.Config{Channel: "/dev/ttyUSB0", Bitrate: 500000})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Shutdown()

	if f, err := a.Recv(20 * time.Millisecond); err != nil || f != nil {
		t.Fatalf("expected timeout, got f=%v err=%v", f, err)
	}
	p.rx <- []byte("t10021122\r")
	f, err := a.Recv(500 * time.Millisecond)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if f == nil || f.ID != 0x100 || f.Len != 2 || f.Data[0] != 0x11 || f.Data[1] != 0x22 {
		t.Fatalf("frame = %#v", f)
	}
}

func TestAdapter_ShutdownClosesChannel(t *testing.T) {
	p := newFakePort()
	withFakePort(t, p)
	a, err := Open(bus.Config{Channel: "/dev/ttyUSB0", Bitrate: 500000})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := a.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.HasSuffix(p.written(), "C\r") {
		t.Fatalf("close command not sent: %q", p.written())
	}
	if _, err := a.Recv(0); err == nil {
		t.Fatal("Recv after shutdown should fail")
	}
	if err := a.Send(can.Frame{}); err == nil {
		t.Fatal("Send after shutdown should fail")
	}
}
