package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/canlan/go-can-remote/internal/can"
)

// countingBus records every frame sent to it.
type countingBus struct {
	mu   sync.Mutex
	sent []can.Frame
}

func (b *countingBus) Send(f can.Frame) error {
	b.mu.Lock()
	b.sent = append(b.sent, f)
	b.mu.Unlock()
	return nil
}

func (b *countingBus) Recv(time.Duration) (*can.Frame, error) { return nil, nil }
func (b *countingBus) ChannelInfo() string                    { return "counting" }
func (b *countingBus) Shutdown() error                        { return nil }

func (b *countingBus) snapshot() []can.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]can.Frame(nil), b.sent...)
}

func TestPeriodicTask_SendsRepeatedly(t *testing.T) {
	cb := &countingBus{}
	f := can.Frame{ID: 0x321, Len: 2, Data: [8]byte{0xAA, 0xBB}}
	task := StartPeriodic(cb, f, 10*time.Millisecond, 0)
	time.Sleep(100 * time.Millisecond)
	task.Stop()
	sent := cb.snapshot()
	if len(sent) < 3 {
		t.Fatalf("expected several sends, got %d", len(sent))
	}
	for i, g := range sent {
		if g.ID != 0x321 || g.Data != f.Data {
			t.Fatalf("send %d mismatch: %#v", i, g)
		}
	}
}

func TestPeriodicTask_ModifySwapsPayloadKeepsID(t *testing.T) {
	cb := &countingBus{}
	task := StartPeriodic(cb, can.Frame{ID: 0x10, Len: 1, Data: [8]byte{1}}, 10*time.Millisecond, 0)
	time.Sleep(35 * time.Millisecond)
	task.Modify(can.Frame{ID: 0x99, Len: 1, Data: [8]byte{2}}) // ID change must be ignored
	time.Sleep(50 * time.Millisecond)
	task.Stop()

	sent := cb.snapshot()
	if len(sent) == 0 {
		t.Fatal("no frames sent")
	}
	sawNew := false
	for _, g := range sent {
		if g.ID != 0x10 {
			t.Fatalf("arbitration ID changed to 0x%X", g.ID)
		}
		if g.Data[0] == 2 {
			sawNew = true
		}
	}
	if !sawNew {
		t.Fatal("modified payload never transmitted")
	}
	if task.ID() != 0x10 {
		t.Fatalf("task ID = 0x%X", task.ID())
	}
}

func TestPeriodicTask_DurationBound(t *testing.T) {
	cb := &countingBus{}
	task := StartPeriodic(cb, can.Frame{ID: 0x20, Len: 0}, 5*time.Millisecond, 30*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	n1 := len(cb.snapshot())
	time.Sleep(30 * time.Millisecond)
	n2 := len(cb.snapshot())
	if n2 != n1 {
		t.Fatalf("task kept sending after duration: %d -> %d", n1, n2)
	}
	task.Stop() // must not hang after natural expiry
}

func TestPeriodicTask_FinishedAfterExpiry(t *testing.T) {
	cb := &countingBus{}
	task := StartPeriodic(cb, can.Frame{ID: 0x40, Len: 0}, 5*time.Millisecond, 30*time.Millisecond)
	if task.Finished() {
		t.Fatal("task finished before its duration elapsed")
	}
	deadline := time.Now().Add(2 * time.Second)
	for !task.Finished() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !task.Finished() {
		t.Fatal("task never finished after duration bound")
	}
	task.Stop() // must not hang on a finished task
	if !task.Finished() {
		t.Fatal("Finished flipped back after Stop")
	}
}

func TestPeriodicTask_StopIdempotent(t *testing.T) {
	cb := &countingBus{}
	task := StartPeriodic(cb, can.Frame{ID: 0x30, Len: 0}, 5*time.Millisecond, 0)
	task.Stop()
	task.Stop()
	n := len(cb.snapshot())
	time.Sleep(30 * time.Millisecond)
	if len(cb.snapshot()) != n {
		t.Fatal("sends after Stop")
	}
}
