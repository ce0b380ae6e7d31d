package spibus

import (
	"fmt"
	"io"
	"time"

	"github.com/FObersteiner/goserial"
)

// Bridge wire protocol: every request is two bytes, opcode then operand.
// Only the exchange opcode produces a reply (the byte clocked in from the
// card). The companion bridge firmware implements the other side.
const (
	bridgeOpExchange = 'X'
	bridgeOpSelect   = 'S'
	bridgeOpClock    = 'C'
)

// SerialBridge drives an SPI bus through a serial-attached bridge adapter.
// It implements Bus.
//
// The Bus contract has no error returns, so stream failures are latched:
// after the first failed transfer every Exchange returns 0xFF, which the
// card driver reads as "no response" and times out. Callers should check
// Err once the operation returns.
type SerialBridge struct {
	portPath string
	stream   io.ReadWriteCloser
	deadline time.Time
	err      error
}

// NewSerialBridge opens the serial port and returns a bridge ready for use.
func NewSerialBridge(portPath string, baud int) (*SerialBridge, error) {
	cfg := &goserial.Config{Name: portPath, Baud: baud}
	port, err := goserial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("cannot open serial port %q: %w", portPath, err)
	}
	return &SerialBridge{portPath: portPath, stream: port}, nil
}

// newBridgeOn wraps an already-open byte stream. Used by tests.
func newBridgeOn(stream io.ReadWriteCloser) *SerialBridge {
	return &SerialBridge{portPath: "stream", stream: stream}
}

func (b *SerialBridge) Name() string {
	return fmt.Sprintf("SPI bridge at %q", b.portPath)
}

// Err returns the first stream error seen since the bridge was opened.
func (b *SerialBridge) Err() error {
	return b.err
}

func (b *SerialBridge) Close() error {
	return b.stream.Close()
}

func (b *SerialBridge) send(op, operand byte) {
	if b.err != nil {
		return
	}
	if _, err := b.stream.Write([]byte{op, operand}); err != nil {
		b.err = fmt.Errorf("bridge write: %w", err)
	}
}

func (b *SerialBridge) Exchange(out byte) byte {
	b.send(bridgeOpExchange, out)
	if b.err != nil {
		return 0xFF
	}
	reply := []byte{0x00}
	if _, err := io.ReadFull(b.stream, reply); err != nil {
		b.err = fmt.Errorf("bridge read: %w", err)
		return 0xFF
	}
	return reply[0]
}

func (b *SerialBridge) Select(assert bool) {
	b.send(bridgeOpSelect, boolByte(assert))
}

func (b *SerialBridge) SetClockMode(m ClockMode) {
	b.send(bridgeOpClock, boolByte(m == ClockFast))
}

func (b *SerialBridge) StartTimeout(ms uint32) {
	b.deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
}

func (b *SerialBridge) TimeoutActive() bool {
	return time.Now().Before(b.deadline)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
