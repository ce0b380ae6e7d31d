package sdcard

// csdTokenMs bounds the wait for the CSD data token. The card family this
// driver targets answers well within a read-token window; an absent token
// must not hang the caller.
const csdTokenMs = 100

// readCapacity fetches the CSD register and derives the total sector count.
// Returns 0 when the register cannot be read. Called once per Initialize,
// with the card already out of idle state.
func (d *Driver) readCapacity(class Class) uint32 {
	if d.command(cmdSendCSD, 0) != 0 {
		return 0
	}

	d.bus.StartTimeout(csdTokenMs)
	token := byte(fillByte)
	for {
		token = d.bus.Exchange(fillByte)
		if token != fillByte || !d.bus.TimeoutActive() {
			break
		}
	}
	if token != startBlockToken {
		d.release()
		return 0
	}

	var csd [16]byte
	for i := range csd {
		csd[i] = d.bus.Exchange(fillByte)
	}
	d.bus.Exchange(fillByte)
	d.bus.Exchange(fillByte)
	d.release()

	return sectorCount(class, csd)
}

// sectorCount decodes the capacity fields of a raw CSD register:
//
//	sectors = (C_SIZE + 1) * 2^(C_SIZE_MULT + 2) * 2^READ_BL_LEN / 512
//
// Field layout depends on the card generation; block-addressed SD v2 shares
// the SD v2 layout. The v2 branch treats C_SIZE_MULT and READ_BL_LEN as
// absent (zero), the interpretation this card family ships with.
func sectorCount(class Class, csd [16]byte) uint32 {
	var cSize, cSizeMult, readBlLen uint32
	switch class {
	case ClassSD1, ClassMMC:
		// READ_BL_LEN [83:80]
		readBlLen = uint32(csd[5] & 0x0F)
		// C_SIZE [73:62]
		cSize = uint32(csd[6]&0x03)<<10 | uint32(csd[7])<<2 | uint32(csd[8]>>6)&0x03
		// C_SIZE_MULT [49:47]
		cSizeMult = uint32(csd[9]&0x03)<<1 | uint32(csd[10]>>7)&0x01
	case ClassSD2:
		// C_SIZE [69:48]
		cSize = uint32(csd[7]&0x3F)<<16 | uint32(csd[8])<<8 | uint32(csd[9])
	default:
		return 0
	}

	sectors := uint64(cSize) + 1
	sectors <<= cSizeMult + 2
	sectors <<= readBlLen
	sectors /= BlockSize
	return uint32(sectors)
}
