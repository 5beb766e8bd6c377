package smp

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Application cores start in real mode at the trampoline page. The blob
// masks interrupts, zeroes DS, bumps the arrival counter with a locked
// increment and spins on the release byte. The long-mode handoff stub that
// follows the spin is appended by the boot core at release time, when the
// final entry point and page table root are known.
//
//	0x00  fa              cli
//	0x01  31 c0           xor ax, ax
//	0x03  8e d8           mov ds, ax
//	0x05  f0 fe 06 f0 80  lock inc byte [0x80f0]
//	0x0a  a0 f8 80        mov al, [0x80f8]
//	0x0d  08 c0           or al, al
//	0x0f  74 f9           jz 0x0a
//	0x11  f4              hlt
var trampolineCode = []byte{
	0xfa,
	0x31, 0xc0,
	0x8e, 0xd8,
	0xf0, 0xfe, 0x06, 0xf0, 0x80,
	0xa0, 0xf8, 0x80,
	0x08, 0xc0,
	0x74, 0xf9,
	0xf4,
}

const (
	// TrampolineAddr is the low-memory physical page application cores
	// start executing at.
	TrampolineAddr = 0x8000

	// SIPIVector encodes the trampoline page number in the startup
	// signal.
	SIPIVector = uint8(TrampolineAddr >> 12)

	// Page offsets of the shared flags the trampoline touches.
	arrivalCounterOffset = 0xf0
	releaseFlagOffset    = 0xf8
)

// Trampoline returns the startup routine bytes.
func Trampoline() []byte {
	out := make([]byte, len(trampolineCode))
	copy(out, trampolineCode)

	return out
}

// DisasmTrampoline decodes the trampoline as 16-bit code, one instruction
// per line. Used for boot-time debug output and to keep the blob honest in
// tests.
func DisasmTrampoline() ([]string, error) {
	var out []string

	code := trampolineCode

	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 16)
		if err != nil {
			return nil, fmt.Errorf("offset %d: %w", len(trampolineCode)-len(code), err)
		}

		out = append(out, inst.String())
		code = code[inst.Len:]
	}

	return out, nil
}
