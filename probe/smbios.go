package probe

import (
	"bytes"

	"goboot/firmware"
)

const (
	smbiosAnchor   = "_SM_"
	smbiosEntryLen = 0x1f
)

// smbiosEntry resolves and validates the SMBIOS entry point from the firmware
// configuration tables: anchor string, entry length and a zero checksum over
// the declared length.
func smbiosEntry(fw firmware.Services, ram []byte) uint64 {
	ptr, ok := fw.ConfigTable(firmware.SMBIOSTableGUID)
	if !ok {
		return 0
	}

	if !readable(ram, ptr, smbiosEntryLen) {
		return 0
	}

	b := ram[ptr:]

	if !bytes.Equal(b[:4], []byte(smbiosAnchor)) {
		return 0
	}

	length := uint64(b[5])
	if length < smbiosEntryLen || !readable(ram, ptr, length) {
		return 0
	}

	if !zerosum(b[:length]) {
		return 0
	}

	return ptr
}
