// Package firmware is the binding layer to the UEFI boot services the loader
// consumes: file reads on the boot partition, physical page allocation,
// memory map query, configuration table lookup, graphics output,
// multiprocessor startup signals and boot-services exit. Callers talk to the
// Services interface; hardware-free code paths and tests run against the Sim
// implementation in this package.
package firmware

import (
	"errors"
	"time"
)

// PageSize is the UEFI allocation granularity.
const PageSize = 4096

var (
	ErrNotFound         = errors.New("not found")
	ErrOutOfResources   = errors.New("out of resources")
	ErrServicesExited   = errors.New("boot services already exited")
	ErrInvalidParameter = errors.New("invalid parameter")
)

// MemoryType mirrors EFI_MEMORY_TYPE.
type MemoryType uint32

const (
	MemReserved MemoryType = iota
	MemLoaderCode
	MemLoaderData
	MemBootServicesCode
	MemBootServicesData
	MemRuntimeServicesCode
	MemRuntimeServicesData
	MemConventional
	MemUnusable
	MemACPIReclaim
	MemACPINonVolatile
	MemMMIO
	MemMMIOPortSpace
	MemPalCode
	MemPersistent
)

// MemoryDescriptor mirrors EFI_MEMORY_DESCRIPTOR.
type MemoryDescriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// PhysicalEnd returns the first byte past the described range.
func (d MemoryDescriptor) PhysicalEnd() uint64 {
	return d.PhysicalStart + d.NumberOfPages*PageSize
}

// GUID identifies a firmware configuration table.
type GUID string

// Configuration table GUIDs the prober looks up.
const (
	ACPI20TableGUID GUID = "8868e871-e4f1-11d3-bc22-0080c73c8881"
	ACPITableGUID   GUID = "eb9d2d30-2d88-11d3-9a16-0090273fc14d"
	SMBIOSTableGUID GUID = "eb9d2d31-2d88-11d3-9a16-0090273fc14d"
)

// FramebufferInfo is the graphics-output-protocol mode summary.
type FramebufferInfo struct {
	Base     uint64
	Size     uint32
	Width    uint32
	Height   uint32
	Scanline uint32 // bytes per scanline
}

// FileReader reads whole files from the boot (EFI System) partition.
type FileReader interface {
	// ReadFile returns the file contents, or found=false when the path
	// does not exist. The error is reserved for read failures.
	ReadFile(path string) (data []byte, found bool, err error)
}

// Allocator allocates physical pages from the firmware.
type Allocator interface {
	// AllocatePages returns the physical address of pages contiguous
	// pages, entirely below maxPhys (0 means no constraint).
	AllocatePages(pages int, maxPhys uint64) (uint64, error)
}

// Starter delivers the startup inter-processor signal that points an
// application core at the trampoline.
type Starter interface {
	StartupIPI(coreID uint32, vector uint8) error
}

// Services is the full boot-services surface the orchestrator sequences.
type Services interface {
	FileReader
	Allocator
	Starter

	// MemoryMap returns the current physical memory map. Any later
	// allocation invalidates it.
	MemoryMap() ([]MemoryDescriptor, error)

	// ConfigTable looks up a configuration table by GUID.
	ConfigTable(guid GUID) (addr uint64, found bool)

	// Framebuffer queries the graphics output protocol.
	Framebuffer() (FramebufferInfo, bool)

	// CoreIDs enumerates processor identifiers via multiprocessor
	// services; the boot core is first. A single-element result means MP
	// services are unavailable.
	CoreIDs() []uint32

	// BootCoreID returns the identifier of the core executing the loader.
	BootCoreID() uint32

	// Now returns the firmware clock and the timezone offset in minutes.
	Now() (t time.Time, tzMinutes int16, ok bool)

	// ExitBootServices terminates the firmware's ownership of the
	// machine. No allocation may follow it.
	ExitBootServices() error
}
