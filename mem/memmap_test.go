package mem_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goboot/firmware"
	"goboot/mem"
)

func newSim(t *testing.T, size int) *firmware.Sim {
	t.Helper()

	sim, err := firmware.NewSim(firmware.SimConfig{MemSize: size})
	require.NoError(t, err)

	return sim
}

func assertInvariants(t *testing.T, m *mem.Map) {
	t.Helper()

	regions := m.Regions()

	for i := 1; i < len(regions); i++ {
		prev, cur := regions[i-1], regions[i]
		assert.LessOrEqual(t, prev.Start+prev.Size, cur.Start,
			"regions must be non-overlapping and ascending")
	}

	for _, r := range regions {
		assert.NotZero(t, r.Size)
	}
}

func TestAcquireNormalizes(t *testing.T) {
	t.Parallel()

	sim := newSim(t, 64<<20)

	m, err := mem.AcquireMemoryMap(sim)
	require.NoError(t, err)

	assertInvariants(t, m)

	// Firmware allocations count as free for the kernel, so the low
	// conventional region does not merge across the reserved BIOS window
	// but everything above 1 MiB is one free region.
	regions := m.Regions()
	last := regions[len(regions)-1]
	assert.Equal(t, mem.RegionFree, last.Type)
	assert.Equal(t, uint64(0x100000), last.Start)
}

func TestAcquireMergesAllocations(t *testing.T) {
	t.Parallel()

	sim := newSim(t, 64<<20)

	// Loader allocations are adjacent to conventional memory and both
	// normalize to free, so they merge.
	_, err := sim.AllocatePages(4, 0)
	require.NoError(t, err)

	m, err := mem.AcquireMemoryMap(sim)
	require.NoError(t, err)

	assertInvariants(t, m)

	var frees int

	for _, r := range m.Regions() {
		if r.Type == mem.RegionFree && r.Start >= 0x100000 {
			frees++
		}
	}

	assert.Equal(t, 1, frees)
}

func TestAcquireRejectsZeroLengthRegion(t *testing.T) {
	t.Parallel()

	sim := newSim(t, 64<<20)
	sim.AddMemoryRegion(firmware.MemoryDescriptor{
		Type:          firmware.MemMMIO,
		PhysicalStart: 0xfe000000,
		NumberOfPages: 0,
	})

	_, err := mem.AcquireMemoryMap(sim)
	assert.ErrorIs(t, err, mem.ErrInvalidMemoryMap)
}

func TestReserveSplitsFreeRegion(t *testing.T) {
	t.Parallel()

	sim := newSim(t, 64<<20)

	m, err := mem.AcquireMemoryMap(sim)
	require.NoError(t, err)

	before := m.Len()
	m.Reserve(0x200000, 0x10000)

	assertInvariants(t, m)
	assert.Equal(t, before+2, m.Len())

	var found bool

	for _, r := range m.Regions() {
		if r.Start == 0x200000 && r.Size == 0x10000 {
			assert.Equal(t, mem.RegionReserved, r.Type)

			found = true
		}
	}

	assert.True(t, found)
}

func TestReserveIdempotent(t *testing.T) {
	t.Parallel()

	sim := newSim(t, 64<<20)

	m, err := mem.AcquireMemoryMap(sim)
	require.NoError(t, err)

	m.Reserve(0x200000, 0x10000)
	snapshot := m.Regions()

	// Re-reserving the whole range and overlapping sub-ranges must not
	// change the map.
	m.Reserve(0x200000, 0x10000)
	m.Reserve(0x204000, 0x1000)
	m.Reserve(0x208000, 0x8000)

	assertInvariants(t, m)
	assert.Equal(t, snapshot, m.Regions())
}

func TestMarshalEntriesPacksTypeInLowNibble(t *testing.T) {
	t.Parallel()

	sim := newSim(t, 64<<20)

	m, err := mem.AcquireMemoryMap(sim)
	require.NoError(t, err)

	m.Reserve(0x200000, 0x10000)

	raw, err := m.MarshalEntries()
	require.NoError(t, err)
	require.Equal(t, m.Len()*16, len(raw))

	for i := 0; i < len(raw); i += 16 {
		ptr := binary.LittleEndian.Uint64(raw[i:])
		sizeAndType := binary.LittleEndian.Uint64(raw[i+8:])

		if ptr == 0x200000 {
			// Loader-reserved serializes as used (type 0).
			assert.Equal(t, uint64(0), sizeAndType&0xf)
			assert.Equal(t, uint64(0x10000), sizeAndType>>4)
		}
	}
}
