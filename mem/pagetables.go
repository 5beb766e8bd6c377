package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"goboot/firmware"
)

var (
	ErrMappingConflict = errors.New("virtual mapping conflict")
	ErrMisaligned      = errors.New("mapping not page aligned")
)

// Page table entry bits.
const (
	pteFlagPresent = 1 << 0
	pteFlagWrite   = 1 << 1

	pteAddrMask = 0x000ffffffffff000

	entriesPerTable = 512
)

// Mapping is one virtual range request for the kernel's address space.
type Mapping struct {
	Name string
	VA   uint64
	PA   uint64
	Size uint64
}

func (m Mapping) vaEnd() uint64 {
	return m.VA + m.Size
}

// PageTables is a 4-level x86-64 translation structure built inside the
// loader-owned physical buffer. It is exclusively owned by the boot core
// until handoff.
type PageTables struct {
	ram   []byte
	alloc firmware.Allocator
	root  uint64
	pages []uint64
}

// BuildPageTables constructs a fresh top-level table and maps every request
// with 4 KiB pages, present and writable. Overlapping virtual ranges are
// rejected with ErrMappingConflict before any table write: overlapping
// mappings would corrupt either the kernel or the loader's own execution.
//
// Table pages come from alloc in request order, so identical inputs produce
// structurally identical tables.
func BuildPageTables(ram []byte, alloc firmware.Allocator, mappings []Mapping) (*PageTables, error) {
	for _, mp := range mappings {
		if mp.VA%firmware.PageSize != 0 || mp.PA%firmware.PageSize != 0 || mp.Size%firmware.PageSize != 0 {
			return nil, fmt.Errorf("%w: %s va=%#x pa=%#x size=%#x", ErrMisaligned, mp.Name, mp.VA, mp.PA, mp.Size)
		}
	}

	if err := checkConflicts(mappings); err != nil {
		return nil, err
	}

	pt := &PageTables{ram: ram, alloc: alloc}

	root, err := pt.newTable()
	if err != nil {
		return nil, err
	}

	pt.root = root

	for _, mp := range mappings {
		for off := uint64(0); off < mp.Size; off += firmware.PageSize {
			if err := pt.mapPage(mp.VA+off, mp.PA+off); err != nil {
				return nil, fmt.Errorf("mapping %s: %w", mp.Name, err)
			}
		}
	}

	return pt, nil
}

func checkConflicts(mappings []Mapping) error {
	sorted := make([]Mapping, len(mappings))
	copy(sorted, mappings)

	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VA < sorted[j].VA })

	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.vaEnd() > cur.VA {
			return fmt.Errorf("%w: %s [%#x,%#x) overlaps %s [%#x,%#x)",
				ErrMappingConflict,
				prev.Name, prev.VA, prev.vaEnd(),
				cur.Name, cur.VA, cur.vaEnd())
		}
	}

	return nil
}

// Root returns the physical address of the top-level table, the value loaded
// into the translation base register at handoff.
func (pt *PageTables) Root() uint64 {
	return pt.root
}

func (pt *PageTables) newTable() (uint64, error) {
	addr, err := pt.alloc.AllocatePages(1, 0)
	if err != nil {
		return 0, fmt.Errorf("page table allocation: %w", err)
	}

	for i := uint64(0); i < firmware.PageSize; i++ {
		pt.ram[addr+i] = 0
	}

	pt.pages = append(pt.pages, addr)

	return addr, nil
}

// TablePages returns the physical pages holding the tables themselves. The
// kernel must not reuse them while the mappings are live, so the caller
// reserves each one in the final memory map.
func (pt *PageTables) TablePages() []uint64 {
	out := make([]uint64, len(pt.pages))
	copy(out, pt.pages)

	return out
}

func (pt *PageTables) readEntry(table uint64, index int) uint64 {
	off := table + uint64(index)*8

	return binary.LittleEndian.Uint64(pt.ram[off : off+8])
}

func (pt *PageTables) writeEntry(table uint64, index int, value uint64) {
	off := table + uint64(index)*8
	binary.LittleEndian.PutUint64(pt.ram[off:off+8], value)
}

// next returns the table the entry points to, allocating it when absent.
func (pt *PageTables) next(table uint64, index int) (uint64, error) {
	e := pt.readEntry(table, index)
	if e&pteFlagPresent != 0 {
		return e & pteAddrMask, nil
	}

	sub, err := pt.newTable()
	if err != nil {
		return 0, err
	}

	pt.writeEntry(table, index, sub|pteFlagPresent|pteFlagWrite)

	return sub, nil
}

func (pt *PageTables) mapPage(va, pa uint64) error {
	pml4i := int(va >> 39 & 0x1ff)
	pdpti := int(va >> 30 & 0x1ff)
	pdi := int(va >> 21 & 0x1ff)
	pti := int(va >> 12 & 0x1ff)

	pdpt, err := pt.next(pt.root, pml4i)
	if err != nil {
		return err
	}

	pd, err := pt.next(pdpt, pdpti)
	if err != nil {
		return err
	}

	table, err := pt.next(pd, pdi)
	if err != nil {
		return err
	}

	pt.writeEntry(table, pti, pa|pteFlagPresent|pteFlagWrite)

	return nil
}

// Translate walks the tables the way the MMU would and returns the physical
// address mapped at va.
func (pt *PageTables) Translate(va uint64) (uint64, bool) {
	table := pt.root

	for _, shift := range []uint{39, 30, 21} {
		e := pt.readEntry(table, int(va>>shift&0x1ff))
		if e&pteFlagPresent == 0 {
			return 0, false
		}

		table = e & pteAddrMask
	}

	e := pt.readEntry(table, int(va>>12&0x1ff))
	if e&pteFlagPresent == 0 {
		return 0, false
	}

	return e&pteAddrMask | va&0xfff, true
}
