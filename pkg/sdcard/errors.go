package sdcard

import "errors"

var (
	// ErrParameter means a sector, offset or count was out of range for the
	// mounted card. Nothing is sent on the wire.
	ErrParameter = errors.New("sdcard: parameter out of range")
	// ErrNotInitialized means no card class could be negotiated, or an I/O
	// operation ran against an unmounted session.
	ErrNotInitialized = errors.New("sdcard: card not initialized")
	// ErrNoResponse means the card did not answer within its protocol window.
	ErrNoResponse = errors.New("sdcard: no response from card")
	// ErrRejected means the card refused a written data block.
	ErrRejected = errors.New("sdcard: data block rejected by card")
	// ErrBusy means block programming did not finish within the write window.
	ErrBusy = errors.New("sdcard: card busy beyond write window")
	// ErrDisk covers failed command acknowledgements and malformed or
	// missing data tokens.
	ErrDisk = errors.New("sdcard: disk error")
)
