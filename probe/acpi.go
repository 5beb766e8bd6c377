package probe

import (
	"bytes"
	"encoding/binary"

	"goboot/firmware"
)

const (
	rsdpSignature = "RSD PTR "

	rsdpV1Len = 20
	rsdpV2Len = 36

	sdtHeaderLen = 36
)

// acpiRoot resolves the ACPI root system description pointer from the
// firmware configuration tables. The 2.0 table is preferred; a revision >= 2
// pointer with a valid extended checksum yields the XSDT, otherwise the RSDT.
// Some firmware publishes the RSDT or XSDT address directly instead of an
// RSDP, so a pointer that fails RSDP validation but carries a valid SDT is
// accepted as-is. Every failure path reports the root as absent.
func acpiRoot(fw firmware.Services, ram []byte) uint64 {
	ptr, ok := fw.ConfigTable(firmware.ACPI20TableGUID)
	if !ok {
		ptr, ok = fw.ConfigTable(firmware.ACPITableGUID)
	}

	if !ok {
		return 0
	}

	if root := parseRSDP(ram, ptr); root != 0 {
		return root
	}

	if validateSDT(ram, ptr, "RSDT") || validateSDT(ram, ptr, "XSDT") {
		return ptr
	}

	return 0
}

// parseRSDP validates the pointer structure at ptr and returns the root SDT
// address it names, or 0.
func parseRSDP(ram []byte, ptr uint64) uint64 {
	if !readable(ram, ptr, rsdpV1Len) {
		return 0
	}

	b := ram[ptr:]

	if !bytes.Equal(b[:8], []byte(rsdpSignature)) {
		return 0
	}

	if !zerosum(b[:rsdpV1Len]) {
		return 0
	}

	revision := b[15]

	if revision >= 2 && readable(ram, ptr, rsdpV2Len) && zerosum(b[:rsdpV2Len]) {
		xsdt := binary.LittleEndian.Uint64(b[24:32])
		if validateSDT(ram, xsdt, "XSDT") {
			return xsdt
		}
	}

	rsdt := uint64(binary.LittleEndian.Uint32(b[16:20]))
	if validateSDT(ram, rsdt, "RSDT") {
		return rsdt
	}

	return 0
}

// validateSDT checks the system description table at ptr: signature, a sane
// length and a zero checksum over the whole table.
func validateSDT(ram []byte, ptr uint64, signature string) bool {
	if !readable(ram, ptr, sdtHeaderLen) {
		return false
	}

	b := ram[ptr:]

	if !bytes.Equal(b[:4], []byte(signature)) {
		return false
	}

	length := uint64(binary.LittleEndian.Uint32(b[4:8]))
	if length < sdtHeaderLen || !readable(ram, ptr, length) {
		return false
	}

	return zerosum(b[:length])
}
