package mem_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goboot/mem"
)

const (
	testKernelVA = 0xffffffffe0000000
	testInfoVA   = 0xffffffffffe00000
	testEnvVA    = 0xffffffffffe01000
)

func testMappings() []mem.Mapping {
	return []mem.Mapping{
		{Name: "kernel", VA: testKernelVA, PA: 0x400000, Size: 0x200000},
		{Name: "environment", VA: testEnvVA, PA: 0x301000, Size: 0x1000},
		{Name: "header", VA: testInfoVA, PA: 0x300000, Size: 0x1000},
		{Name: "identity", VA: 0, PA: 0, Size: 0x1000000},
	}
}

func TestBuildAndTranslate(t *testing.T) {
	t.Parallel()

	sim := newSim(t, 64<<20)

	pt, err := mem.BuildPageTables(sim.RAM(), sim, testMappings())
	require.NoError(t, err)
	require.NotZero(t, pt.Root())

	pa, ok := pt.Translate(testKernelVA)
	require.True(t, ok)
	assert.Equal(t, uint64(0x400000), pa)

	pa, ok = pt.Translate(testKernelVA + 0x1ffff)
	require.True(t, ok)
	assert.Equal(t, uint64(0x400000+0x1ffff), pa)

	pa, ok = pt.Translate(testInfoVA + 0x80)
	require.True(t, ok)
	assert.Equal(t, uint64(0x300080), pa)

	// Identity range translates to itself.
	pa, ok = pt.Translate(0x8000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x8000), pa)

	// Nothing else is guaranteed mapped.
	_, ok = pt.Translate(0x4000000000)
	assert.False(t, ok)
	_, ok = pt.Translate(testEnvVA + 0x1000)
	assert.False(t, ok)
}

func TestMappingConflictDetectedBeforeWrites(t *testing.T) {
	t.Parallel()

	sim := newSim(t, 64<<20)

	mappings := []mem.Mapping{
		{Name: "kernel", VA: testInfoVA, PA: 0x400000, Size: 0x2000},
		{Name: "header", VA: testInfoVA, PA: 0x300000, Size: 0x1000},
	}

	_, err := mem.BuildPageTables(sim.RAM(), sim, mappings)
	require.ErrorIs(t, err, mem.ErrMappingConflict)

	// Conflict detection happens before any table write, so nothing was
	// allocated and the memory map is unchanged.
	m, err := mem.AcquireMemoryMap(sim)
	require.NoError(t, err)

	for _, r := range m.Regions() {
		if r.Start >= 0x100000 {
			assert.Equal(t, mem.RegionFree, r.Type)
		}
	}
}

func TestMisalignedMappingRejected(t *testing.T) {
	t.Parallel()

	sim := newSim(t, 64<<20)

	_, err := mem.BuildPageTables(sim.RAM(), sim, []mem.Mapping{
		{Name: "kernel", VA: testKernelVA + 0x10, PA: 0x400000, Size: 0x1000},
	})
	assert.ErrorIs(t, err, mem.ErrMisaligned)
}

func TestBuildIsDeterministic(t *testing.T) {
	t.Parallel()

	probePoints := []uint64{
		testKernelVA, testKernelVA + 0x123456,
		testInfoVA, testEnvVA, 0, 0x8000, 0xffffff,
	}

	simA := newSim(t, 64<<20)
	simB := newSim(t, 64<<20)

	ptA, err := mem.BuildPageTables(simA.RAM(), simA, testMappings())
	require.NoError(t, err)

	ptB, err := mem.BuildPageTables(simB.RAM(), simB, testMappings())
	require.NoError(t, err)

	assert.Equal(t, ptA.Root(), ptB.Root())

	for _, va := range probePoints {
		paA, okA := ptA.Translate(va)
		paB, okB := ptB.Translate(va)

		assert.Equal(t, okA, okB, "va %#x", va)
		assert.Equal(t, paA, paB, "va %#x", va)
	}
}
