// Package mem owns the physical memory map and the page tables handed to the
// kernel. The map is acquired from firmware exactly once, immediately before
// boot services exit; no allocation may happen between acquisition and the
// final control transfer.
package mem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"goboot/firmware"
)

var (
	ErrInvalidMemoryMap = errors.New("invalid memory map")
	ErrMapTooLarge      = errors.New("memory map region too large")
)

// RegionType tags a physical region in the working map.
type RegionType uint8

const (
	RegionUsed RegionType = iota
	RegionFree
	RegionACPI
	RegionMMIO

	// RegionReserved marks memory the loader placed protocol structures
	// in (ramdisk, kernel destination, environment, header, stacks). It
	// serializes as Used so the kernel never hands these pages out.
	RegionReserved
)

func (t RegionType) String() string {
	switch t {
	case RegionUsed:
		return "used"
	case RegionFree:
		return "free"
	case RegionACPI:
		return "acpi"
	case RegionMMIO:
		return "mmio"
	case RegionReserved:
		return "reserved"
	}

	return "unknown"
}

// wireType is the low-nibble tag in a serialized entry.
func (t RegionType) wireType() uint64 {
	if t == RegionReserved {
		return uint64(RegionUsed)
	}

	return uint64(t)
}

// Region is one entry of the working map.
type Region struct {
	Start uint64
	Size  uint64
	Type  RegionType
}

func (r Region) end() uint64 {
	return r.Start + r.Size
}

// Map is an ordered, non-overlapping sequence of regions.
type Map struct {
	regions []Region
}

// fromUEFIType converts an EFI memory type to a working-map tag. Loader and
// boot-services memory becomes free: the firmware is gone once the kernel
// reads this map.
func fromUEFIType(t firmware.MemoryType) RegionType {
	switch t {
	case firmware.MemLoaderCode, firmware.MemLoaderData,
		firmware.MemBootServicesCode, firmware.MemBootServicesData,
		firmware.MemConventional:
		return RegionFree
	case firmware.MemACPIReclaim, firmware.MemACPINonVolatile:
		return RegionACPI
	case firmware.MemMMIO, firmware.MemMMIOPortSpace:
		return RegionMMIO
	default:
		return RegionUsed
	}
}

// AcquireMemoryMap queries the firmware map and normalizes it: entries are
// converted, sorted by ascending address and adjacent same-type entries
// merged. An empty map or a zero-length region is ErrInvalidMemoryMap.
func AcquireMemoryMap(fw firmware.Services) (*Map, error) {
	descs, err := fw.MemoryMap()
	if err != nil {
		return nil, fmt.Errorf("memory map query: %w", err)
	}

	if len(descs) == 0 {
		return nil, fmt.Errorf("%w: firmware reported zero regions", ErrInvalidMemoryMap)
	}

	m := &Map{}

	for _, d := range descs {
		if d.NumberOfPages == 0 {
			return nil, fmt.Errorf("%w: zero-length region at %#x", ErrInvalidMemoryMap, d.PhysicalStart)
		}

		m.regions = append(m.regions, Region{
			Start: d.PhysicalStart,
			Size:  d.NumberOfPages * firmware.PageSize,
			Type:  fromUEFIType(d.Type),
		})
	}

	m.normalize()

	return m, nil
}

func (m *Map) normalize() {
	sort.Slice(m.regions, func(i, j int) bool {
		return m.regions[i].Start < m.regions[j].Start
	})

	merged := m.regions[:0]

	for _, r := range m.regions {
		if n := len(merged); n > 0 && merged[n-1].Type == r.Type && merged[n-1].end() == r.Start {
			merged[n-1].Size += r.Size

			continue
		}

		merged = append(merged, r)
	}

	m.regions = merged
}

// Reserve marks [start, start+size) as loader-reserved. Reserving inside an
// already reserved range is a no-op, so overlapping sub-range reservations
// are safe. The non-overlap and ascending-order invariants are preserved.
func (m *Map) Reserve(start, size uint64) {
	if size == 0 {
		return
	}

	end := start + size

	var out []Region

	for _, r := range m.regions {
		if r.end() <= start || r.Start >= end {
			out = append(out, r)

			continue
		}

		// Keep the parts of r outside the reservation.
		if r.Start < start {
			out = append(out, Region{Start: r.Start, Size: start - r.Start, Type: r.Type})
		}

		if r.end() > end {
			out = append(out, Region{Start: end, Size: r.end() - end, Type: r.Type})
		}
	}

	out = append(out, Region{Start: start, Size: size, Type: RegionReserved})

	m.regions = out
	m.normalize()
}

// Regions returns the working map in order.
func (m *Map) Regions() []Region {
	out := make([]Region, len(m.regions))
	copy(out, m.regions)

	return out
}

// Len returns the number of regions.
func (m *Map) Len() int {
	return len(m.regions)
}

// entry is the serialized form: address, then byte size shifted left four
// bits with the type tag in the low nibble.
type entry struct {
	Ptr         uint64
	SizeAndType uint64
}

// MarshalEntries serializes the map in the protocol's packed entry format.
func (m *Map) MarshalEntries() ([]byte, error) {
	buf := new(bytes.Buffer)

	for _, r := range m.regions {
		if r.Size > 1<<60-1 {
			return nil, fmt.Errorf("%w: %#x bytes at %#x", ErrMapTooLarge, r.Size, r.Start)
		}

		e := entry{Ptr: r.Start, SizeAndType: r.Size<<4 | r.Type.wireType()}

		if err := binary.Write(buf, binary.LittleEndian, &e); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}
