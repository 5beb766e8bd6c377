// Package machine owns the physical memory image being prepared for the
// kernel: protocol page placements, the kernel copy to its destination and
// the final handoff mechanics.
package machine

import (
	"errors"
	"fmt"

	"goboot/bootinfo"
	"goboot/config"
	"goboot/firmware"
	"goboot/image"
)

// PhysAddr                      Contents
//
// 0x00008000  +---------------+ SMP trampoline page
//             |               |
// 0x00100000  +---------------+ firmware allocations grow up from here:
//             |  ramdisk      |   ramdisk image (whole, below 16 GiB)
//             |  header page  |   boot information header + memory map
//             |  env page     |   environment (key = value text, NUL)
//             |  core stacks  |   1 KiB per core, top-aligned
//             |  kernel dest  |   kernel image copied from the ramdisk
//             |  page tables  |   4-level translation tables
//             +---------------+

const (
	// StackBytesPerCore is the protocol's per-core boot stack size.
	StackBytesPerCore = 1024
)

var (
	ErrEnvironmentTooLarge = errors.New("environment does not fit in a page")
	ErrHandoffSealed       = errors.New("machine already handed off")
)

// Placements records the physical addresses of every protocol structure the
// loader positions. All of them must end up loader-reserved in the final
// memory map.
type Placements struct {
	Header     uint64
	Env        uint64
	EnvSize    uint64
	Stacks     uint64
	StacksSize uint64
	KernelDest uint64
	KernelSize uint64
}

// HandoffState is the machine state at the moment control transfers: the
// terminal, immutable result of a boot. Entry does not return; everything
// after it is unreachable.
type HandoffState struct {
	Entry         uint64
	HeaderVA      uint64
	PageTableRoot uint64
	StackTop      uint64
	NumCores      int

	InterruptsMasked   bool
	FPUEnabled         bool
	BootServicesExited bool
}

// Machine is the boot machine under construction. Exclusively owned by the
// boot core until the release barrier.
type Machine struct {
	fw  firmware.Services
	mem []byte

	place  Placements
	sealed bool
}

// New wraps the firmware's physical memory for placement work.
func New(fw firmware.Services, ram []byte) *Machine {
	return &Machine{fw: fw, mem: ram}
}

// RAM exposes the physical memory image.
func (m *Machine) RAM() []byte {
	return m.mem
}

// Placements returns the addresses placed so far.
func (m *Machine) Placements() Placements {
	return m.place
}

// PlaceHeader allocates the boot information page.
func (m *Machine) PlaceHeader() error {
	addr, err := m.fw.AllocatePages(1, 0)
	if err != nil {
		return fmt.Errorf("header page: %w", err)
	}

	m.place.Header = addr

	return nil
}

// PlaceEnvironment serializes env into a freshly allocated page,
// NUL-terminated. The serialized form must fit the protocol's 4095 content
// bytes.
func (m *Machine) PlaceEnvironment(env *config.Environment) error {
	text := env.Serialize()
	if len(text) > config.MaxLen {
		return fmt.Errorf("%w: %d bytes", ErrEnvironmentTooLarge, len(text))
	}

	addr, err := m.fw.AllocatePages(1, 0)
	if err != nil {
		return fmt.Errorf("environment page: %w", err)
	}

	copy(m.mem[addr:], text)
	m.mem[addr+uint64(len(text))] = 0

	m.place.Env = addr
	m.place.EnvSize = uint64(len(text)) + 1

	return nil
}

// PlaceStacks allocates the per-core boot stacks.
func (m *Machine) PlaceStacks(numCores int) error {
	size := uint64(numCores * StackBytesPerCore)
	pages := int((size + firmware.PageSize - 1) / firmware.PageSize)

	addr, err := m.fw.AllocatePages(pages, 0)
	if err != nil {
		return fmt.Errorf("core stacks: %w", err)
	}

	m.place.Stacks = addr
	m.place.StacksSize = uint64(pages) * firmware.PageSize

	return nil
}

// PlaceKernel copies the resolved kernel image out of the ramdisk into its
// own page-aligned destination, the region the page tables map at the
// kernel's virtual base.
func (m *Machine) PlaceKernel(k *image.Kernel, rd *image.Ramdisk) error {
	pages := int((k.Size + firmware.PageSize - 1) / firmware.PageSize)

	addr, err := m.fw.AllocatePages(pages, 0)
	if err != nil {
		return fmt.Errorf("kernel destination: %w", err)
	}

	copy(m.mem[addr:], k.Bytes(rd))

	m.place.KernelDest = addr
	m.place.KernelSize = uint64(pages) * firmware.PageSize

	return nil
}

// WriteHeader writes the finalized header page: fixed part then memory map
// entries. Never mutated after this write.
func (m *Machine) WriteHeader(hdr *bootinfo.Header, mapEntries []byte) error {
	if len(mapEntries)%bootinfo.EntrySize != 0 {
		return fmt.Errorf("%w: %d bytes of entries", bootinfo.ErrMapTooBig, len(mapEntries))
	}

	if bootinfo.FixedSize+len(mapEntries) > bootinfo.PageSize {
		return fmt.Errorf("%w: %d entries", bootinfo.ErrMapTooBig, len(mapEntries)/bootinfo.EntrySize)
	}

	raw, err := hdr.Bytes()
	if err != nil {
		return err
	}

	copy(m.mem[m.place.Header:], raw)
	copy(m.mem[m.place.Header+bootinfo.FixedSize:], mapEntries)

	return nil
}

// Handoff performs the terminal transfer: exits boot services, installs the
// page tables, masks interrupts, enables the FPU/SIMD state the kernel
// calling convention requires and "jumps" to the entry point with the
// header's virtual address as the sole argument. The machine is sealed
// afterwards.
func (m *Machine) Handoff(entry, pageTableRoot uint64, numCores int) (*HandoffState, error) {
	if m.sealed {
		return nil, ErrHandoffSealed
	}

	if err := m.fw.ExitBootServices(); err != nil {
		return nil, fmt.Errorf("exiting boot services: %w", err)
	}

	m.sealed = true

	return &HandoffState{
		Entry:         entry,
		HeaderVA:      bootinfo.InfoVA,
		PageTableRoot: pageTableRoot,
		StackTop:      m.place.Stacks + m.place.StacksSize,
		NumCores:      numCores,

		InterruptsMasked:   true,
		FPUEnabled:         true,
		BootServicesExited: true,
	}, nil
}
