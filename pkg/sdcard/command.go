package sdcard

// SD/MMC command set used in SPI mode.
const (
	cmdGoIdleState     = 0  // CMD0: software reset, enter idle state
	cmdSendOpCond      = 1  // CMD1: MMC leave-idle poll
	cmdSendIfCond      = 8  // CMD8: voltage range / version probe
	cmdSendCSD         = 9  // CMD9: read card-specific data register
	cmdSetBlocklen     = 16 // CMD16: set read/write block length
	cmdReadSingleBlock = 17 // CMD17
	cmdWriteBlock      = 24 // CMD24
	cmdAppCmd          = 55 // CMD55: application command escape
	cmdReadOCR         = 58 // CMD58: read operation conditions register
	cmdCRCOnOff        = 59 // CMD59
	acmdSDSendOpCond   = 41 // ACMD41: SD leave-idle poll
)

const (
	fillByte        = 0xFF // idle pattern clocked out while receiving
	startBlockToken = 0xFE // single-block data start token
	dataAccepted    = 0x05 // low 5 bits of an accepting data-response byte
	r1IdleState     = 0x01
	noResponse      = 0xFF

	responseWaitMs = 5
)

// command flushes the line state across a deselect/reselect, clocks out the
// 6-byte command frame and polls for the R1 response for up to 5 ms.
// Returns 0xFF if the card never answered.
func (d *Driver) command(cmd byte, arg uint32) byte {
	d.bus.Select(false)
	d.bus.Exchange(fillByte)
	d.bus.Select(true)
	d.bus.Exchange(fillByte)

	d.bus.Exchange(0x40 | cmd)
	d.bus.Exchange(byte(arg >> 24))
	d.bus.Exchange(byte(arg >> 16))
	d.bus.Exchange(byte(arg >> 8))
	d.bus.Exchange(byte(arg))
	d.bus.Exchange(commandCRC(cmd))

	d.bus.StartTimeout(responseWaitMs)
	res := byte(noResponse)
	for {
		res = d.bus.Exchange(fillByte)
		if res&0x80 == 0 || !d.bus.TimeoutActive() {
			break
		}
	}
	return res
}

// appCommand sends the CMD55 escape followed by the target command. If the
// escape answers with anything past "idle, no error", that response is
// returned and the target command is never sent.
func (d *Driver) appCommand(cmd byte, arg uint32) byte {
	if res := d.command(cmdAppCmd, 0); res > r1IdleState {
		return res
	}
	return d.command(cmd, arg)
}

// commandCRC picks the CRC/stop byte for a frame. CRC checking is off in SPI
// mode, but CMD0 and CMD8 are evaluated before it can be disabled and need
// their well-known values.
func commandCRC(cmd byte) byte {
	switch cmd {
	case cmdGoIdleState:
		return 0x95
	case cmdSendIfCond:
		return 0x87
	}
	return 0x01
}

// release deselects the card and clocks one trailing idle byte so the card
// lets go of the data line.
func (d *Driver) release() {
	d.bus.Select(false)
	d.bus.Exchange(fillByte)
}
