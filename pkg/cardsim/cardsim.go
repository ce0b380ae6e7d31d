// Package cardsim simulates the card end of an SD/MMC SPI link at wire
// level: command frame assembly, R1 responses, register trailers, data
// tokens and write programming phases. It implements spibus.Bus, so the
// sdcard driver can run against it unchanged, and can optionally be backed
// by a card image file on disk.
package cardsim

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/storage-hacks/sdspi/pkg/spibus"
)

// SectorSize is the simulated sector size.
const SectorSize = 512

// Profile selects which card generation the simulator impersonates.
type Profile int

const (
	// ProfileSD2HC is an SD v2 card that reports native block addressing.
	ProfileSD2HC Profile = iota
	// ProfileSD2SC is an SD v2 card without the capacity bit.
	ProfileSD2SC
	ProfileSD1
	ProfileMMC
)

// Config describes the simulated card. The zero value of the capacity
// fields selects a small default geometry for the chosen profile.
type Config struct {
	Profile Profile

	// Capacity fields served in the synthetic CSD register.
	CSize     uint32
	CSizeMult byte // SD v1 / MMC layout only
	ReadBlLen byte // SD v1 / MMC layout only

	// ReadyAfterPolls is how many op-cond polls the card stays idle for.
	// Zero means ready on the second poll.
	ReadyAfterPolls int

	// Fault injection.
	IgnoreResetAttempts int  // ignore the idle-reset command for the first N power-ups
	RejectWrites        bool // answer every data block with a CRC-error data response
	StickBusy           bool // never finish programming after an accepted block
	SuppressReadToken   bool // acknowledge reads but never send the data token
}

const (
	wsNone = iota
	wsToken
	wsData
	wsCRC
)

const (
	startBlockToken  = 0xFE
	dataRespAccepted = 0x05
	dataRespCRCError = 0x0B

	r1Idle    = 0x01
	r1Illegal = 0x04
	r1Param   = 0x40
)

// Card is a simulated SD/MMC card. Not safe for concurrent use, same as the
// real bus it stands in for.
type Card struct {
	cfg     Config
	sectors uint32
	data    []byte

	imagePath string

	selected bool
	attempts int // power-ups seen (slow clock selections)
	idle     bool
	appCmd   bool
	polls    int // op-cond polls since entering idle

	frame    [6]byte
	frameLen int
	inFrame  bool

	out           []byte
	busyRemaining int // 0x00 bytes still owed after an accepted write; -1 = forever

	writeState  int
	writeSector uint32
	writeBuf    []byte
	crcSeen     int

	timer int
}

// New creates a simulated card with all sectors zeroed.
func New(cfg Config) *Card {
	applyDefaultGeometry(&cfg)
	c := &Card{cfg: cfg, sectors: cfg.sectorTotal()}
	c.data = make([]byte, int(c.sectors)*SectorSize)
	return c
}

// Open creates a simulated card backed by an image file. The geometry is the
// smallest representable size covering the file; Flush writes changes back.
func Open(path string, profile Profile) (*Card, error) {
	img, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read card image %q: %w", path, err)
	}
	need := uint32((len(img) + SectorSize - 1) / SectorSize)
	if need == 0 {
		need = 1
	}
	cfg, err := geometryFor(profile, need)
	if err != nil {
		return nil, err
	}
	c := New(cfg)
	copy(c.data, img)
	c.imagePath = path
	return c, nil
}

// Flush writes the card contents back to the image file, if any.
func (c *Card) Flush() error {
	if c.imagePath == "" {
		return nil
	}
	if err := os.WriteFile(c.imagePath, c.data, 0644); err != nil {
		return fmt.Errorf("cannot write card image %q: %w", c.imagePath, err)
	}
	return nil
}

func (c *Card) TotalSectors() uint32 { return c.sectors }

// Sector returns a copy of one sector's contents.
func (c *Card) Sector(n uint32) []byte {
	out := make([]byte, SectorSize)
	copy(out, c.data[int(n)*SectorSize:])
	return out
}

// LoadSector preloads one sector, bypassing the wire protocol.
func (c *Card) LoadSector(n uint32, src []byte) {
	copy(c.data[int(n)*SectorSize:(int(n)+1)*SectorSize], src)
}

// PowerUps is the number of initialization power-up sequences seen.
func (c *Card) PowerUps() int { return c.attempts }

// --- spibus.Bus ---

func (c *Card) Select(assert bool) {
	c.selected = assert
	if !assert {
		c.inFrame = false
		c.frameLen = 0
		c.out = nil
		c.writeState = wsNone
		c.busyRemaining = 0
	}
}

func (c *Card) SetClockMode(m spibus.ClockMode) {
	if m == spibus.ClockSlow {
		// The driver drops to the slow clock once per init attempt.
		c.attempts++
		c.idle = false
		c.appCmd = false
		c.polls = 0
	}
}

func (c *Card) StartTimeout(ms uint32) { c.timer = int(ms) }

// TimeoutActive consumes one tick per call, which makes every wait window
// deterministic: a window of N ms survives exactly N polls.
func (c *Card) TimeoutActive() bool {
	if c.timer > 0 {
		c.timer--
		return true
	}
	return false
}

func (c *Card) Exchange(out byte) byte {
	if !c.selected {
		return 0xFF
	}
	if len(c.out) > 0 {
		b := c.out[0]
		c.out = c.out[1:]
		return b
	}
	if c.writeState != wsNone {
		return c.writeByte(out)
	}
	if c.busyRemaining != 0 {
		if c.busyRemaining > 0 {
			c.busyRemaining--
		}
		return 0x00
	}

	if !c.inFrame {
		if out&0xC0 == 0x40 {
			c.inFrame = true
			c.frame[0] = out
			c.frameLen = 1
		}
		return 0xFF
	}
	c.frame[c.frameLen] = out
	c.frameLen++
	if c.frameLen == len(c.frame) {
		c.inFrame = false
		c.frameLen = 0
		c.execute()
	}
	return 0xFF
}

// --- command engine ---

// respond queues the response-delay gap byte followed by the reply.
func (c *Card) respond(reply ...byte) {
	c.out = append(c.out, 0xFF)
	c.out = append(c.out, reply...)
}

func (c *Card) r1() byte {
	if c.idle {
		return r1Idle
	}
	return 0x00
}

func (c *Card) isSD2() bool {
	return c.cfg.Profile == ProfileSD2HC || c.cfg.Profile == ProfileSD2SC
}

func (c *Card) execute() {
	cmd := c.frame[0] & 0x3F
	arg := binary.BigEndian.Uint32(c.frame[1:5])
	app := c.appCmd
	c.appCmd = false

	switch {
	case cmd == 0: // GO_IDLE_STATE
		if c.cfg.IgnoreResetAttempts > 0 && c.attempts <= c.cfg.IgnoreResetAttempts {
			return // dead card: no response at all
		}
		c.idle = true
		c.polls = 0
		c.respond(r1Idle)

	case cmd == 8: // SEND_IF_COND
		if c.isSD2() {
			// R7: echo the accepted voltage range and the check pattern.
			c.respond(c.r1(), 0x00, 0x00, 0x01, byte(arg))
		} else {
			c.respond(c.r1() | r1Illegal)
		}

	case cmd == 55: // APP_CMD
		c.appCmd = true
		c.respond(c.r1())

	case cmd == 41 && app: // SD_SEND_OP_COND
		if c.cfg.Profile == ProfileMMC {
			c.respond(c.r1() | r1Illegal)
			return
		}
		c.respondOpCond()

	case cmd == 1: // SEND_OP_COND (MMC)
		if c.cfg.Profile != ProfileMMC {
			c.respond(c.r1() | r1Illegal)
			return
		}
		c.respondOpCond()

	case cmd == 58: // READ_OCR
		ocr0 := byte(0x80) // power-up complete
		if c.cfg.Profile == ProfileSD2HC {
			ocr0 |= 0x40 // CCS
		}
		c.respond(c.r1(), ocr0, 0x00, 0x00, 0x00)

	case cmd == 59: // CRC_ON_OFF
		c.respond(c.r1())

	case cmd == 16: // SET_BLOCKLEN
		if arg != SectorSize {
			c.respond(c.r1() | r1Param)
			return
		}
		c.respond(c.r1())

	case cmd == 9: // SEND_CSD
		csd := c.buildCSD()
		c.respond(0x00, 0xFF, startBlockToken)
		c.out = append(c.out, csd[:]...)
		c.out = append(c.out, 0xAA, 0xAA) // register CRC, discarded by hosts

	case cmd == 17: // READ_SINGLE_BLOCK
		sector, ok := c.sectorForArg(arg)
		if !ok {
			c.respond(r1Param)
			return
		}
		c.respond(0x00)
		if c.cfg.SuppressReadToken {
			return
		}
		c.out = append(c.out, 0xFF, startBlockToken)
		c.out = append(c.out, c.data[int(sector)*SectorSize:(int(sector)+1)*SectorSize]...)
		c.out = append(c.out, 0xAA, 0xAA)

	case cmd == 24: // WRITE_BLOCK
		sector, ok := c.sectorForArg(arg)
		if !ok {
			c.respond(r1Param)
			return
		}
		c.respond(0x00)
		c.writeState = wsToken
		c.writeSector = sector

	default:
		c.respond(c.r1() | r1Illegal)
	}
}

// respondOpCond serves the leave-idle poll: idle for the first few polls,
// then ready.
func (c *Card) respondOpCond() {
	if !c.idle {
		c.respond(0x00)
		return
	}
	readyAfter := c.cfg.ReadyAfterPolls
	if readyAfter == 0 {
		readyAfter = 1
	}
	c.polls++
	if c.polls > readyAfter {
		c.idle = false
		c.respond(0x00)
		return
	}
	c.respond(r1Idle)
}

// sectorForArg validates a data-command argument. The driver family this
// simulator pairs with sends byte addresses (sector * 512) for every card
// class, including block-addressed ones, so the simulator speaks the same
// convention.
func (c *Card) sectorForArg(arg uint32) (uint32, bool) {
	if arg%SectorSize != 0 {
		return 0, false
	}
	sector := arg / SectorSize
	if sector >= c.sectors {
		return 0, false
	}
	return sector, true
}

func (c *Card) writeByte(out byte) byte {
	switch c.writeState {
	case wsToken:
		// Fill bytes ahead of the start token are allowed.
		if out == startBlockToken {
			c.writeState = wsData
			c.writeBuf = c.writeBuf[:0]
		}
	case wsData:
		c.writeBuf = append(c.writeBuf, out)
		if len(c.writeBuf) == SectorSize {
			c.writeState = wsCRC
			c.crcSeen = 0
		}
	case wsCRC:
		c.crcSeen++
		if c.crcSeen == 2 {
			c.writeState = wsNone
			c.finishWrite()
		}
	}
	return 0xFF
}

func (c *Card) finishWrite() {
	if c.cfg.RejectWrites {
		c.out = append(c.out, dataRespCRCError)
		return
	}
	copy(c.data[int(c.writeSector)*SectorSize:], c.writeBuf)
	c.out = append(c.out, dataRespAccepted)
	if c.cfg.StickBusy {
		c.busyRemaining = -1
	} else {
		c.busyRemaining = 2
	}
}

// --- geometry ---

func applyDefaultGeometry(cfg *Config) {
	if cfg.CSize != 0 || cfg.CSizeMult != 0 || cfg.ReadBlLen != 0 {
		return
	}
	switch cfg.Profile {
	case ProfileSD1, ProfileMMC:
		cfg.CSize, cfg.CSizeMult, cfg.ReadBlLen = 127, 0, 9 // 512 sectors
	default:
		cfg.CSize = 16383 // 128 sectors under the v2 decode
	}
}

// sectorTotal mirrors the host-side CSD capacity decode.
func (cfg Config) sectorTotal() uint32 {
	n := uint64(cfg.CSize) + 1
	switch cfg.Profile {
	case ProfileSD1, ProfileMMC:
		n <<= uint(cfg.CSizeMult) + 2
		n <<= uint(cfg.ReadBlLen)
	default:
		n <<= 2
	}
	return uint32(n / SectorSize)
}

// geometryFor picks capacity fields whose decode yields at least n sectors.
func geometryFor(profile Profile, n uint32) (Config, error) {
	cfg := Config{Profile: profile}
	switch profile {
	case ProfileSD1, ProfileMMC:
		cfg.ReadBlLen = 9
		for mult := byte(0); mult <= 7; mult++ {
			per := uint32(1) << (mult + 2) // sectors per C_SIZE step
			cSize := (n + per - 1) / per
			if cSize <= 1<<12 {
				cfg.CSizeMult = mult
				cfg.CSize = cSize - 1
				return cfg, nil
			}
		}
		return cfg, fmt.Errorf("%d sectors does not fit a v1 CSD", n)
	default:
		cSize := uint64(n) * (SectorSize / 4)
		if cSize > 1<<22 {
			return cfg, fmt.Errorf("%d sectors does not fit a v2 CSD", n)
		}
		cfg.CSize = uint32(cSize - 1)
		return cfg, nil
	}
}

// buildCSD packs the configured capacity fields into the register layout of
// the simulated card class. Fields outside the capacity decode stay zero.
func (c *Card) buildCSD() [16]byte {
	var csd [16]byte
	cfg := c.cfg
	switch cfg.Profile {
	case ProfileSD1, ProfileMMC:
		csd[5] = cfg.ReadBlLen & 0x0F
		csd[6] = byte(cfg.CSize >> 10 & 0x03)
		csd[7] = byte(cfg.CSize >> 2)
		csd[8] = byte(cfg.CSize&0x03) << 6
		csd[9] = cfg.CSizeMult >> 1 & 0x03
		csd[10] = (cfg.CSizeMult & 0x01) << 7
	default:
		csd[7] = byte(cfg.CSize >> 16 & 0x3F)
		csd[8] = byte(cfg.CSize >> 8)
		csd[9] = byte(cfg.CSize)
	}
	return csd
}
