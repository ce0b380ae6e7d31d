// Package sdcard implements an SD/MMC block-storage driver over an SPI-style
// byte transport. It negotiates the card generation (MMC v3, SD v1, SD v2,
// block-addressed SD v2), derives the sector count from the CSD register and
// exposes single-sector read and write with 512-byte sectors.
package sdcard

import (
	"fmt"

	"github.com/storage-hacks/sdspi/pkg/spibus"
)

const (
	// BlockSize is the sector size of every card this driver mounts.
	BlockSize = 512

	initAttempts  = 3
	powerUpClocks = 10 // idle bytes with chip select deasserted (80 clocks)
	settleMs      = 500

	// Multi-command polls cannot use the bus timer (command dispatch restarts
	// it for its own response window), so they are bounded by attempt counts
	// sized to the protocol windows at one try per response timeout.
	resetTries  = 100 // ~500 ms enter-idle window
	acmd41Tries = 200 // ~1000 ms SD v2 leave-idle window
	opCondTries = 50  // ~250 ms legacy leave-idle window

	readTokenMs = 100
	writeBusyMs = 250

	hcsBit      = 1 << 30 // host supports high capacity (ACMD41 argument)
	ifCondCheck = 0x1AA   // 2.7-3.6V range plus 0xAA check pattern (CMD8)
)

// CardType is the set of traits detected during negotiation.
type CardType byte

const (
	TypeMMC CardType = 1 << iota
	TypeSD1
	TypeSD2
	// TypeBlockAddressed marks a high-capacity card whose native argument
	// unit is a 512-byte block rather than a byte offset. This driver family
	// still sends byte addresses regardless (see Card.BlockAddressed).
	TypeBlockAddressed
)

func (t CardType) String() string {
	switch {
	case t&TypeMMC != 0:
		return "MMC v3"
	case t&TypeSD1 != 0:
		return "SD v1"
	case t&TypeBlockAddressed != 0:
		return "SD v2 (block addressed)"
	case t&TypeSD2 != 0:
		return "SD v2"
	}
	return "unknown"
}

// Class is the card generation, used to pick a CSD register layout.
type Class int

const (
	ClassNone Class = iota
	ClassMMC
	ClassSD1
	ClassSD2
)

// Class reduces the trait set to the generation tag.
func (t CardType) Class() Class {
	switch {
	case t&TypeMMC != 0:
		return ClassMMC
	case t&TypeSD1 != 0:
		return ClassSD1
	case t&TypeSD2 != 0:
		return ClassSD2
	}
	return ClassNone
}

// Card is the session created by a successful Initialize. The caller owns it
// and passes it into every I/O operation; its fields are fixed until the
// card is re-initialized.
type Card struct {
	mounted bool
	typ     CardType
	sectors uint32
}

func (c *Card) Mounted() bool  { return c != nil && c.mounted }
func (c *Card) Type() CardType { return c.typ }

// Sectors is the total number of 512-byte sectors on the card. Zero when the
// CSD register could not be read.
func (c *Card) Sectors() uint32 { return c.sectors }

// BlockAddressed reports whether the card declared native block addressing
// in its OCR. The driver itself always sends byte addresses (sector * 512),
// matching the card family it was written for; a caller driving a strictly
// block-addressed card can branch on this flag.
func (c *Card) BlockAddressed() bool { return c.typ&TypeBlockAddressed != 0 }

// Driver runs the card protocol over an injected bus. It holds no session
// state and performs no locking: one operation at a time, on one goroutine,
// is the contract.
type Driver struct {
	bus spibus.Bus
}

func New(bus spibus.Bus) *Driver {
	return &Driver{bus: bus}
}

// Initialize powers up, negotiates the card class and mounts a session. The
// whole sequence is retried up to three times; the first attempt that yields
// a class wins. The card is deselected on return, success or failure.
func (d *Driver) Initialize() (*Card, error) {
	var typ CardType
	var lastErr error
	for attempt := 0; attempt < initAttempts && typ == 0; attempt++ {
		typ, lastErr = d.negotiate()
	}
	if typ == 0 {
		d.release()
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotInitialized, lastErr)
		}
		return nil, ErrNotInitialized
	}

	card := &Card{mounted: true, typ: typ}
	card.sectors = d.readCapacity(typ.Class())
	d.bus.SetClockMode(spibus.ClockFast)
	d.release()
	return card, nil
}

// negotiate runs one pass of the initialization state machine. A zero card
// type means the attempt failed; the error is non-nil only for the one
// failure with a distinct cause, a card that never reached idle state.
func (d *Driver) negotiate() (CardType, error) {
	d.bus.SetClockMode(spibus.ClockSlow)

	// Power-up sequence: at least 74 clocks with chip select deasserted.
	d.bus.Select(false)
	for i := 0; i < powerUpClocks; i++ {
		d.bus.Exchange(fillByte)
	}

	// Hold while the card settles.
	d.bus.StartTimeout(settleMs)
	for d.bus.TimeoutActive() {
	}

	idle := false
	for i := 0; i < resetTries; i++ {
		if d.command(cmdGoIdleState, 0) == r1IdleState {
			idle = true
			break
		}
	}
	if !idle {
		return 0, ErrNoResponse
	}

	if d.command(cmdSendIfCond, ifCondCheck) == r1IdleState {
		return d.negotiateSD2()
	}
	return d.negotiateLegacy()
}

// negotiateSD2 finishes negotiation for a card that recognized CMD8.
func (d *Driver) negotiateSD2() (CardType, error) {
	// R7 trailer: echo of the accepted voltage range and check pattern.
	var r7 [4]byte
	for i := range r7 {
		r7[i] = d.bus.Exchange(fillByte)
	}
	if r7[2] != 0x01 || r7[3] != 0xAA {
		return 0, nil
	}

	ready := false
	for i := 0; i < acmd41Tries; i++ {
		if d.appCommand(acmdSDSendOpCond, hcsBit) == 0 {
			ready = true
			break
		}
	}
	if !ready || d.command(cmdReadOCR, 0) != 0 {
		return 0, nil
	}

	var ocr [4]byte
	for i := range ocr {
		ocr[i] = d.bus.Exchange(fillByte)
	}
	typ := TypeSD2
	if ocr[0]&0x40 != 0 { // CCS bit
		typ |= TypeBlockAddressed
	}
	return typ, nil
}

// negotiateLegacy classifies SD v1 against MMC v3 and polls the matching
// op-cond command until the card leaves idle state.
func (d *Driver) negotiateLegacy() (CardType, error) {
	var typ CardType
	var poll func() byte
	if d.appCommand(acmdSDSendOpCond, 0) <= r1IdleState {
		typ = TypeSD1
		poll = func() byte { return d.appCommand(acmdSDSendOpCond, 0) }
	} else {
		typ = TypeMMC
		poll = func() byte { return d.command(cmdSendOpCond, 0) }
	}

	ready := false
	for i := 0; i < opCondTries; i++ {
		if poll() == 0 {
			ready = true
			break
		}
	}
	if !ready {
		return 0, nil
	}

	// CRC stays off and the block length is pinned to one sector.
	if d.command(cmdCRCOnOff, 0) != 0 {
		return 0, nil
	}
	if d.command(cmdSetBlocklen, BlockSize) != 0 {
		return 0, nil
	}
	return typ, nil
}

// Read transfers count bytes of one sector, starting offset bytes into it,
// into dst. The full sector plus its CRC is always clocked so the link stays
// byte-aligned for the next command.
func (d *Driver) Read(card *Card, sector uint32, offset, count uint16, dst []byte) error {
	if !card.Mounted() {
		return ErrNotInitialized
	}
	if sector >= card.sectors || count == 0 ||
		uint32(offset)+uint32(count) > BlockSize || len(dst) < int(count) {
		return ErrParameter
	}

	if d.command(cmdReadSingleBlock, sector*BlockSize) != 0 {
		d.release()
		return ErrDisk
	}

	d.bus.StartTimeout(readTokenMs)
	token := byte(fillByte)
	for {
		token = d.bus.Exchange(fillByte)
		if token != fillByte || !d.bus.TimeoutActive() {
			break
		}
	}
	if token != startBlockToken {
		d.release()
		return ErrDisk
	}

	for i := uint16(0); i < offset; i++ {
		d.bus.Exchange(fillByte)
	}
	for i := uint16(0); i < count; i++ {
		dst[i] = d.bus.Exchange(fillByte)
	}
	remaining := BlockSize + 2 - int(offset) - int(count)
	for i := 0; i < remaining; i++ {
		d.bus.Exchange(fillByte)
	}

	d.release()
	return nil
}

// Write programs one full sector. src must be exactly 512 bytes.
func (d *Driver) Write(card *Card, sector uint32, src []byte) error {
	if !card.Mounted() {
		return ErrNotInitialized
	}
	if sector >= card.sectors || len(src) != BlockSize {
		return ErrParameter
	}

	if d.command(cmdWriteBlock, sector*BlockSize) != 0 {
		d.release()
		return ErrDisk
	}
	err := d.writeBlock(src)
	d.release()
	return err
}

// writeBlock runs the single-block transfer: start token, 512 data bytes,
// dummy CRC, data-response check, then the programming busy wait.
func (d *Driver) writeBlock(src []byte) error {
	d.bus.Exchange(startBlockToken)
	for _, b := range src {
		d.bus.Exchange(b)
	}
	d.bus.Exchange(fillByte)
	d.bus.Exchange(fillByte)

	if d.bus.Exchange(fillByte)&0x1F != dataAccepted {
		return ErrRejected
	}

	// The card holds the line at 0x00 while programming.
	d.bus.StartTimeout(writeBusyMs)
	line := byte(0x00)
	for {
		line = d.bus.Exchange(fillByte)
		if line != 0x00 || !d.bus.TimeoutActive() {
			break
		}
	}
	if line == 0x00 {
		return ErrBusy
	}
	return nil
}

// Status is a liveness probe: it sends the idle-reset command and reports
// healthy only if the card answers with idle state.
func (d *Driver) Status() error {
	res := d.command(cmdGoIdleState, 0)
	d.release()
	if res == r1IdleState {
		return nil
	}
	return ErrNoResponse
}
