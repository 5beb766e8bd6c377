// Package bootinfo builds the boot information header, the single structure
// handed to the kernel at a protocol-fixed virtual address. The layout is
// byte-exact: third-party kernels targeting the same protocol read these
// offsets directly.
package bootinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

// Fixed virtual addresses of the kernel-visible windows. The memory map
// entries live inside the header page directly after the fixed part, so the
// map's virtual address is InfoVA+FixedSize.
const (
	MMIOVA = 0xfffffffff8000000
	FBVA   = 0xfffffffffc000000
	InfoVA = 0xffffffffffe00000
	EnvVA  = 0xffffffffffe01000
)

const (
	// PageSize is the size of the header page and the environment page.
	PageSize = 4096

	// FixedSize is the size of the fixed part of the header; memory map
	// entries follow immediately after.
	FixedSize = 128

	// EntrySize is the size of one serialized memory map entry.
	EntrySize = 16

	// MaxMapEntries is how many entries fit in the header page.
	MaxMapEntries = (PageSize - FixedSize) / EntrySize
)

// Protocol level (bits 0-1 of the protocol byte).
const (
	LevelStatic  = 1
	LevelDynamic = 2
)

// Loader type (bits 2-6 of the protocol byte).
const (
	LoaderBIOS = iota
	LoaderUEFI
	LoaderRPI
	LoaderCoreboot
)

// Framebuffer type values.
const (
	FBTypeARGB = iota
	FBTypeRGBA
	FBTypeABGR
	FBTypeBGRA
)

var (
	ErrBadMagic   = errors.New("bad header magic")
	ErrMapTooBig  = errors.New("memory map does not fit in header page")
	ErrHeaderSize = errors.New("unexpected header size")
)

// Magic is the header signature, "BOOT".
var Magic = [4]byte{'B', 'O', 'O', 'T'}

// Framebuffer is the linear framebuffer descriptor embedded in the header.
// A zero value means no framebuffer was found.
type Framebuffer struct {
	Ptr      uint64
	Size     uint32
	Width    uint32
	Height   uint32
	Scanline uint32
}

// Header is the fixed 128-byte part of the boot information page.
// Field order is the wire layout; do not reorder.
type Header struct {
	Magic    [4]byte
	Size     uint32 // FixedSize + EntrySize * number of map entries
	Protocol uint8
	FBType   uint8
	NumCores uint16
	BSPID    uint16
	Timezone int16
	DateTime [8]byte // BCD yyyymmddhhmmss00

	InitrdPtr  uint64
	InitrdSize uint64

	FB Framebuffer

	ACPIPtr   uint64
	SMBIOSPtr uint64
	EFIPtr    uint64
	MPPtr     uint64

	_ [4]uint64
}

// MakeProtocol packs the protocol byte from level, loader type and
// endianness.
func MakeProtocol(level, loader uint8, bigEndian bool) uint8 {
	p := level&0b11 | loader<<2&0b0111_1100

	if bigEndian {
		p |= 0x80
	}

	return p
}

// Level extracts the protocol level from a protocol byte.
func Level(protocol uint8) uint8 {
	return protocol & 0b11
}

// LoaderType extracts the loader type from a protocol byte.
func LoaderType(protocol uint8) uint8 {
	return protocol >> 2 & 0b11111
}

// BCDDateTime encodes t as the header's packed calendar field.
func BCDDateTime(t time.Time) [8]byte {
	var out [8]byte

	y := t.Year()
	out[0] = bcd(y / 100)
	out[1] = bcd(y % 100)
	out[2] = bcd(int(t.Month()))
	out[3] = bcd(t.Day())
	out[4] = bcd(t.Hour())
	out[5] = bcd(t.Minute())
	out[6] = bcd(t.Second())
	out[7] = 0

	return out
}

func bcd(v int) byte {
	return byte(v/10<<4 | v%10)
}

// Bytes serializes the fixed part of the header.
func (h *Header) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}

	if buf.Len() != FixedSize {
		return nil, ErrHeaderSize
	}

	return buf.Bytes(), nil
}

// Validate checks that page carries a well-formed header and returns it.
// Kernel-side consumers and tests use this to verify the handoff contract.
func Validate(page []byte) (*Header, error) {
	if len(page) < FixedSize {
		return nil, ErrHeaderSize
	}

	h := &Header{}

	if err := binary.Read(bytes.NewReader(page[:FixedSize]), binary.LittleEndian, h); err != nil {
		return nil, err
	}

	if h.Magic != Magic {
		return nil, ErrBadMagic
	}

	if h.Size < FixedSize || h.Size > PageSize || (h.Size-FixedSize)%EntrySize != 0 {
		return nil, ErrHeaderSize
	}

	return h, nil
}
