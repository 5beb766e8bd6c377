// Package image locates and loads the ramdisk, the boot-partition config and
// the kernel. The ramdisk is read whole into memory below the 16 GiB
// physical boundary so 32-bit-wide supplementary structures can still
// address it; the kernel is then resolved out of the ramdisk either by
// archive path or, for opaque payloads, by executable signature scan.
package image

import (
	"bytes"
	"errors"
	"fmt"

	"goboot/config"
	"goboot/firmware"
	"goboot/ustar"
)

// Well-known boot partition paths.
const (
	RamdiskPath    = `EFI\BOOT\INITRD`
	BootConfigPath = `EFI\BOOT\CONFIG`

	// RamdiskConfigPath is the config location inside an archive ramdisk,
	// the fallback when the boot partition carries none.
	RamdiskConfigPath = "sys/config"

	// RamdiskLimit is the physical boundary the whole ramdisk must load
	// below.
	RamdiskLimit = 1 << 34
)

var (
	ErrRamdiskNotFound  = errors.New("ramdisk not found")
	ErrAllocationFailed = errors.New("ramdisk allocation failed")
	ErrKernelNotFound   = errors.New("kernel not found")
)

// Ramdisk is the loaded ramdisk image: an owned window into physical memory.
// Its pages are later reported as loader-reserved in the final memory map so
// the kernel does not overwrite it.
type Ramdisk struct {
	Addr uint64
	Data []byte
}

// Size returns the ramdisk length in bytes.
func (r *Ramdisk) Size() uint64 {
	return uint64(len(r.Data))
}

// Strategy tags how the kernel was resolved. Exactly one strategy executes
// per boot.
type Strategy uint8

const (
	// StrategyArchive means the ramdisk was a recognized archive and the
	// kernel was found by the environment's kernel path.
	StrategyArchive Strategy = iota

	// StrategySignature means the ramdisk was an opaque blob and the
	// kernel was found by scanning for an executable header.
	StrategySignature
)

func (s Strategy) String() string {
	if s == StrategyArchive {
		return "archive"
	}

	return "signature"
}

// Kernel references the resolved kernel image inside the ramdisk.
type Kernel struct {
	Strategy Strategy
	Offset   uint64
	Size     uint64

	// Entry is the entry point virtual address from the ELF header.
	Entry uint64
}

// Bytes returns the kernel image window inside the ramdisk.
func (k *Kernel) Bytes(rd *Ramdisk) []byte {
	return rd.Data[k.Offset : k.Offset+k.Size]
}

// LoadRamdisk reads the ramdisk from its well-known boot partition path into
// freshly allocated pages below the 16 GiB boundary. A missing ramdisk is
// fatal to the whole boot.
func LoadRamdisk(fw firmware.Services, ram []byte) (*Ramdisk, error) {
	data, found, err := fw.ReadFile(RamdiskPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", RamdiskPath, err)
	}

	if !found {
		return nil, fmt.Errorf("%w: %s", ErrRamdiskNotFound, RamdiskPath)
	}

	pages := (len(data) + firmware.PageSize - 1) / firmware.PageSize
	if pages == 0 {
		pages = 1
	}

	addr, err := fw.AllocatePages(pages, RamdiskLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %d pages below %#x: %v", ErrAllocationFailed, pages, uint64(RamdiskLimit), err)
	}

	copy(ram[addr:], data)

	return &Ramdisk{Addr: addr, Data: ram[addr : addr+uint64(len(data))]}, nil
}

// LoadBootConfig reads the boot partition config. Absence is not an error:
// the orchestrator falls back to ramdisk-embedded config, then to an empty
// environment.
func LoadBootConfig(fw firmware.FileReader) (string, bool, error) {
	data, found, err := fw.ReadFile(BootConfigPath)
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", BootConfigPath, err)
	}

	if !found {
		return "", false, nil
	}

	return string(data), true, nil
}

// RamdiskConfig extracts the embedded config from an archive ramdisk.
func RamdiskConfig(rd *Ramdisk) (string, bool) {
	if !ustar.Recognize(rd.Data) {
		return "", false
	}

	e, ok, err := ustar.Lookup(rd.Data, RamdiskConfigPath)
	if err != nil || !ok {
		return "", false
	}

	return string(rd.Data[e.Offset : e.Offset+e.Size]), true
}

// ResolveKernel finds the kernel inside the ramdisk. An archive ramdisk is
// resolved by the environment's kernel path; anything else is scanned for an
// embedded executable header. The two strategies are exclusive: a recognized
// archive without the named entry is ErrKernelNotFound, never a scan.
func ResolveKernel(env *config.Environment, rd *Ramdisk) (*Kernel, error) {
	if ustar.Recognize(rd.Data) {
		return resolveArchive(env.Kernel(), rd)
	}

	return resolveScan(rd)
}

func resolveArchive(path string, rd *Ramdisk) (*Kernel, error) {
	e, ok, err := ustar.Lookup(rd.Data, path)
	if err != nil {
		return nil, fmt.Errorf("scanning ramdisk archive: %w", err)
	}

	if !ok {
		return nil, fmt.Errorf("%w: no archive entry %q", ErrKernelNotFound, path)
	}

	hdr, err := parseELF64(rd.Data[e.Offset : e.Offset+e.Size])
	if err != nil {
		return nil, fmt.Errorf("%w: entry %q: %v", ErrKernelNotFound, path, err)
	}

	return &Kernel{
		Strategy: StrategyArchive,
		Offset:   e.Offset,
		Size:     e.Size,
		Entry:    hdr.Entry,
	}, nil
}

func resolveScan(rd *Ramdisk) (*Kernel, error) {
	for off := 0; ; {
		i := bytes.Index(rd.Data[off:], elfMagic)
		if i < 0 {
			return nil, fmt.Errorf("%w: no executable signature in %d byte ramdisk", ErrKernelNotFound, len(rd.Data))
		}

		off += i

		hdr, err := parseELF64(rd.Data[off:])
		if err == nil {
			return &Kernel{
				Strategy: StrategySignature,
				Offset:   uint64(off),
				Size:     uint64(len(rd.Data) - off),
				Entry:    hdr.Entry,
			}, nil
		}

		// Magic bytes appearing in arbitrary data; keep scanning.
		off += len(elfMagic)
	}
}
