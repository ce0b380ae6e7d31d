// Package spibus defines the byte-level transport a storage driver runs on:
// a half-duplex SPI-style link with chip select, a two-speed clock and a
// single millisecond countdown timer.
package spibus

// ClockMode selects the SPI clock rate. Cards must be negotiated at the slow
// rate and can be switched to the fast rate once mounted.
type ClockMode int

const (
	ClockSlow ClockMode = iota
	ClockFast
)

// Bus is the transport adapter consumed by the card driver.
//
// There is exactly one countdown timer per bus: StartTimeout replaces any
// timer that is still running. TimeoutActive reports whether the most
// recently started timer has time left.
type Bus interface {
	// Exchange clocks out one byte and returns the byte clocked in.
	Exchange(out byte) byte
	// Select asserts (true) or deasserts (false) the chip select line.
	Select(assert bool)
	SetClockMode(m ClockMode)
	StartTimeout(ms uint32)
	TimeoutActive() bool
}
