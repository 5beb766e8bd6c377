package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ELF64 executable header, wire layout.
type elf64Header struct {
	Ident     [16]byte
	FileType  uint16
	ISA       uint16
	Version   uint32
	Entry     uint64
	PhOffset  uint64
	ShOffset  uint64
	Flags     uint32
	Size      uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrIdx  uint16
}

const (
	elf64HeaderSize = 64

	elfClass64      = 2
	elfLittleEndian = 1
	elfVersion      = 1
	elfSysVABI      = 0
	elfTypeExec     = 2
	elfISAx8664     = 0x3e
)

var (
	ErrNotELF           = errors.New("no ELF magic")
	ErrELFNot64Bit      = errors.New("ELF is not 64-bit")
	ErrELFNotLittle     = errors.New("ELF is not little endian")
	ErrELFBadVersion    = errors.New("ELF version is not current")
	ErrELFBadABI        = errors.New("ELF ABI is not System V")
	ErrELFNotExecutable = errors.New("ELF is not an executable")
	ErrELFWrongISA      = errors.New("ELF ISA is not x86-64")
	ErrELFBadHeaderSize = errors.New("ELF header size mismatch")
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// parseELF64 validates an executable header at the start of data and returns
// it. Every check the loader relies on is enforced: only a 64-bit little
// endian System V executable for x86-64 can be handed control.
func parseELF64(data []byte) (*elf64Header, error) {
	if len(data) < elf64HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrNotELF, len(data))
	}

	if !bytes.Equal(data[:4], elfMagic) {
		return nil, ErrNotELF
	}

	h := &elf64Header{}
	if err := binary.Read(bytes.NewReader(data[:elf64HeaderSize]), binary.LittleEndian, h); err != nil {
		return nil, err
	}

	if h.Ident[4] != elfClass64 {
		return nil, ErrELFNot64Bit
	}

	if h.Ident[5] != elfLittleEndian {
		return nil, ErrELFNotLittle
	}

	if h.Ident[6] != elfVersion || h.Version != elfVersion {
		return nil, ErrELFBadVersion
	}

	if h.Ident[7] != elfSysVABI {
		return nil, ErrELFBadABI
	}

	if h.FileType != elfTypeExec {
		return nil, ErrELFNotExecutable
	}

	if h.ISA != elfISAx8664 {
		return nil, ErrELFWrongISA
	}

	if h.Size != elf64HeaderSize {
		return nil, ErrELFBadHeaderSize
	}

	return h, nil
}
