package spibus

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// fakeStream is an in-memory stand-in for the bridge serial port: everything
// written is recorded, reads are served from a pre-loaded reply buffer.
type fakeStream struct {
	wrote   bytes.Buffer
	replies bytes.Buffer
	closed  bool
}

func (s *fakeStream) Write(p []byte) (int, error) { return s.wrote.Write(p) }
func (s *fakeStream) Read(p []byte) (int, error)  { return s.replies.Read(p) }
func (s *fakeStream) Close() error                { s.closed = true; return nil }

func TestBridgeFraming(t *testing.T) {
	stream := &fakeStream{}
	stream.replies.Write([]byte{0x5A})

	bridge := newBridgeOn(stream)
	if got := bridge.Exchange(0x3C); got != 0x5A {
		t.Fatalf("Exchange = %#02x, want 0x5a", got)
	}
	bridge.Select(true)
	bridge.SetClockMode(ClockFast)
	bridge.Select(false)
	bridge.SetClockMode(ClockSlow)

	want := []byte{
		bridgeOpExchange, 0x3C,
		bridgeOpSelect, 1,
		bridgeOpClock, 1,
		bridgeOpSelect, 0,
		bridgeOpClock, 0,
	}
	if diff := cmp.Diff(want, stream.wrote.Bytes()); diff != "" {
		t.Errorf("bridge frames mismatch (-want +got):\n%s", diff)
	}
	if err := bridge.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
}

func TestBridgeStickyError(t *testing.T) {
	stream := &fakeStream{} // no replies loaded: first read fails

	bridge := newBridgeOn(stream)
	if got := bridge.Exchange(0x00); got != 0xFF {
		t.Fatalf("Exchange after stream failure = %#02x, want 0xff", got)
	}
	if bridge.Err() == nil {
		t.Fatal("Err = nil, want the latched stream error")
	}

	// Once latched, nothing further is sent.
	before := stream.wrote.Len()
	bridge.Select(true)
	bridge.Exchange(0x12)
	if stream.wrote.Len() != before {
		t.Errorf("bridge kept writing after a latched error (%d new bytes)", stream.wrote.Len()-before)
	}
}

func TestBridgeTimer(t *testing.T) {
	bridge := newBridgeOn(&fakeStream{})
	bridge.StartTimeout(20)
	if !bridge.TimeoutActive() {
		t.Fatal("timer expired immediately")
	}
	time.Sleep(40 * time.Millisecond)
	if bridge.TimeoutActive() {
		t.Fatal("timer still active past its window")
	}
}
