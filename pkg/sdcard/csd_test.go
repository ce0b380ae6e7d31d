package sdcard

import "testing"

func TestSectorCount(t *testing.T) {
	testCases := []struct {
		desc  string
		class Class
		csd   [16]byte
		want  uint32
	}{
		{
			desc:  "SD v1, minimal geometry (C_SIZE=0, C_SIZE_MULT=0, READ_BL_LEN=9)",
			class: ClassSD1,
			csd:   [16]byte{5: 0x09},
			want:  4,
		},
		{
			desc:  "SD v1, 1 GiB (C_SIZE=4095, C_SIZE_MULT=7, READ_BL_LEN=9)",
			class: ClassSD1,
			csd:   [16]byte{5: 0x09, 6: 0x03, 7: 0xFF, 8: 0xC0, 9: 0x03, 10: 0x80},
			want:  2097152,
		},
		{
			desc:  "MMC shares the v1 layout",
			class: ClassMMC,
			csd:   [16]byte{5: 0x09},
			want:  4,
		},
		{
			desc:  "SD v2 (C_SIZE=1023)",
			class: ClassSD2,
			csd:   [16]byte{7: 0x00, 8: 0x03, 9: 0xFF},
			want:  8,
		},
		{
			desc:  "SD v2, maximum C_SIZE must not truncate",
			class: ClassSD2,
			csd:   [16]byte{7: 0x3F, 8: 0xFF, 9: 0xFF},
			want:  32768,
		},
		{
			desc:  "unknown class decodes to zero",
			class: ClassNone,
			csd:   [16]byte{5: 0x09},
			want:  0,
		},
	}

	for _, tc := range testCases {
		if got := sectorCount(tc.class, tc.csd); got != tc.want {
			t.Errorf("Test %q: sectorCount = %d, want %d", tc.desc, got, tc.want)
		}
	}
}

func TestCommandCRC(t *testing.T) {
	testCases := []struct {
		cmd  byte
		want byte
	}{
		{cmdGoIdleState, 0x95},
		{cmdSendIfCond, 0x87},
		{cmdReadSingleBlock, 0x01},
		{cmdWriteBlock, 0x01},
	}
	for _, tc := range testCases {
		if got := commandCRC(tc.cmd); got != tc.want {
			t.Errorf("commandCRC(%d) = %#02x, want %#02x", tc.cmd, got, tc.want)
		}
	}
}
