package machine_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goboot/bootinfo"
	"goboot/config"
	"goboot/firmware"
	"goboot/image"
	"goboot/machine"
)

func newMachine(t *testing.T) (*machine.Machine, *firmware.Sim) {
	t.Helper()

	sim, err := firmware.NewSim(firmware.SimConfig{MemSize: 64 << 20})
	require.NoError(t, err)

	return machine.New(sim, sim.RAM()), sim
}

func TestPlaceEnvironmentNULTerminated(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)

	env, issues := config.Parse("kernel=sys/alt\nnosmp=true\n")
	require.Empty(t, issues)

	require.NoError(t, m.PlaceEnvironment(env))

	p := m.Placements()
	require.NotZero(t, p.Env)

	text := string(m.RAM()[p.Env : p.Env+p.EnvSize-1])
	assert.Equal(t, byte(0), m.RAM()[p.Env+p.EnvSize-1])
	assert.Contains(t, text, "kernel = sys/alt\n")
	assert.Contains(t, text, "nosmp = true\n")
}

func TestPlaceEnvironmentTooLarge(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)

	// Enough long keys to overflow the page's 4095 content bytes.
	var b strings.Builder
	for i := 0; i < 64; i++ {
		b.WriteString(strings.Repeat("k", 40+i))
		b.WriteString(" = ")
		b.WriteString(strings.Repeat("v", 40))
		b.WriteString("\n")
	}

	env, _ := config.Parse(b.String())

	err := m.PlaceEnvironment(env)
	assert.ErrorIs(t, err, machine.ErrEnvironmentTooLarge)
}

func TestPlaceKernelCopiesImage(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)

	payload := make([]byte, 3*firmware.PageSize/2)
	for i := range payload {
		payload[i] = byte(i)
	}

	rd := &image.Ramdisk{Addr: 0, Data: payload}
	k := &image.Kernel{Offset: 16, Size: uint64(len(payload) - 16)}

	require.NoError(t, m.PlaceKernel(k, rd))

	p := m.Placements()
	assert.Zero(t, p.KernelDest%firmware.PageSize)
	assert.Equal(t, uint64(2*firmware.PageSize), p.KernelSize)
	assert.Equal(t, payload[16:], m.RAM()[p.KernelDest:p.KernelDest+k.Size])
}

func TestPlaceStacksRoundsToPages(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)

	require.NoError(t, m.PlaceStacks(5)) // 5 KiB of stacks

	p := m.Placements()
	assert.Zero(t, p.Stacks%firmware.PageSize)
	assert.Equal(t, uint64(2*firmware.PageSize), p.StacksSize)
}

func TestWriteHeaderRoundTrips(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)
	require.NoError(t, m.PlaceHeader())

	entries := make([]byte, 3*bootinfo.EntrySize)

	hdr := &bootinfo.Header{
		Magic:    bootinfo.Magic,
		Size:     uint32(bootinfo.FixedSize + len(entries)),
		Protocol: bootinfo.MakeProtocol(bootinfo.LevelDynamic, bootinfo.LoaderUEFI, false),
		NumCores: 4,
	}

	require.NoError(t, m.WriteHeader(hdr, entries))

	p := m.Placements()
	got, err := bootinfo.Validate(m.RAM()[p.Header : p.Header+bootinfo.PageSize])
	require.NoError(t, err)
	assert.Equal(t, uint16(4), got.NumCores)
	assert.Equal(t, hdr.Size, got.Size)
}

func TestWriteHeaderRejectsOversizedMap(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t)
	require.NoError(t, m.PlaceHeader())

	entries := make([]byte, (bootinfo.MaxMapEntries+1)*bootinfo.EntrySize)
	hdr := &bootinfo.Header{Magic: bootinfo.Magic, Size: bootinfo.FixedSize}

	err := m.WriteHeader(hdr, entries)
	assert.ErrorIs(t, err, bootinfo.ErrMapTooBig)
}

func TestHandoffSealsTheMachine(t *testing.T) {
	t.Parallel()

	m, sim := newMachine(t)
	require.NoError(t, m.PlaceStacks(2))

	state, err := m.Handoff(0xffffffffe0000000, 0x200000, 2)
	require.NoError(t, err)

	assert.Equal(t, uint64(0xffffffffe0000000), state.Entry)
	assert.Equal(t, uint64(bootinfo.InfoVA), state.HeaderVA)
	assert.Equal(t, uint64(0x200000), state.PageTableRoot)
	assert.Equal(t, 2, state.NumCores)
	assert.True(t, state.InterruptsMasked)
	assert.True(t, state.FPUEnabled)
	assert.True(t, state.BootServicesExited)

	p := m.Placements()
	assert.Equal(t, p.Stacks+p.StacksSize, state.StackTop)

	// Boot services are gone; nothing may allocate afterwards.
	_, err = sim.AllocatePages(1, 0)
	assert.ErrorIs(t, err, firmware.ErrServicesExited)

	_, err = m.Handoff(0, 0, 1)
	assert.ErrorIs(t, err, machine.ErrHandoffSealed)
}
