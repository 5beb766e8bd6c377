// Package boot sequences a complete second-stage boot: ramdisk load,
// configuration resolution, kernel resolution, hardware probing, protocol
// structure placement, application-core bring-up, address-space construction
// and the final handoff. Errors split into two tiers: anything that would
// hand the kernel a broken contract aborts the boot; everything else degrades
// with a logged warning.
package boot

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"goboot/bootinfo"
	"goboot/config"
	"goboot/firmware"
	"goboot/image"
	"goboot/machine"
	"goboot/mem"
	"goboot/probe"
	"goboot/smp"
)

// ConfigOrder selects which config source wins when both the boot partition
// and the ramdisk carry one.
type ConfigOrder uint8

const (
	// BootPartitionFirst prefers the boot partition file, then the ramdisk
	// copy. This is the order an operator editing the partition expects.
	BootPartitionFirst ConfigOrder = iota

	// RamdiskFirst prefers the copy baked into the ramdisk.
	RamdiskFirst
)

func (o ConfigOrder) String() string {
	if o == RamdiskFirst {
		return "ramdisk-first"
	}

	return "boot-partition-first"
}

// Options tunes a boot.
type Options struct {
	ConfigOrder    ConfigOrder
	ArrivalTimeout time.Duration
	Logger         *zap.Logger
}

// Boot drives one boot from firmware entry to handoff. Single-use: the
// machine underneath seals itself at handoff.
type Boot struct {
	fw  firmware.Services
	ram []byte
	log *zap.SugaredLogger

	order   ConfigOrder
	timeout time.Duration

	m      *machine.Machine
	env    *config.Environment
	rd     *image.Ramdisk
	kernel *image.Kernel
	facts  *probe.Facts
	cores  *smp.Bootstrapper
}

// New prepares a boot against fw, whose physical memory is ram.
func New(fw firmware.Services, ram []byte, opts Options) *Boot {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := opts.ArrivalTimeout
	if timeout == 0 {
		timeout = smp.DefaultArrivalTimeout
	}

	return &Boot{
		fw:      fw,
		ram:     ram,
		log:     logger.Sugar(),
		order:   opts.ConfigOrder,
		timeout: timeout,
		m:       machine.New(fw, ram),
	}
}

// Machine returns the boot machine under construction, for post-handoff
// inspection of placements and the prepared memory image.
func (b *Boot) Machine() *machine.Machine {
	return b.m
}

// Bootstrapper returns the application-core bring-up, nil until the cores
// are started and for single-core boots. The firmware's startup-signal path
// uses it to route arriving cores to the barrier.
func (b *Boot) Bootstrapper() *smp.Bootstrapper {
	return b.cores
}

// Run performs the whole sequence and returns the terminal handoff state.
func (b *Boot) Run() (*machine.HandoffState, error) {
	if err := b.Setup(); err != nil {
		return nil, err
	}

	return b.Boot()
}

// Setup loads the ramdisk, resolves the environment and the kernel and probes
// the hardware. Nothing is placed yet.
func (b *Boot) Setup() error {
	rd, err := image.LoadRamdisk(b.fw, b.ram)
	if err != nil {
		return fmt.Errorf("loading ramdisk: %w", err)
	}

	b.rd = rd
	b.log.Infow("ramdisk loaded",
		"addr", fmt.Sprintf("%#x", rd.Addr),
		"size", humanize.IBytes(rd.Size()))

	env, err := b.resolveConfig()
	if err != nil {
		return err
	}

	b.env = env

	kernel, err := image.ResolveKernel(env, rd)
	if err != nil {
		return fmt.Errorf("resolving kernel: %w", err)
	}

	b.kernel = kernel
	b.log.Infow("kernel resolved",
		"strategy", kernel.Strategy,
		"offset", fmt.Sprintf("%#x", kernel.Offset),
		"size", humanize.IBytes(kernel.Size),
		"entry", fmt.Sprintf("%#x", kernel.Entry))

	b.facts = probe.Gather(b.fw, b.ram)
	b.log.Infow("hardware probed",
		"cores", b.facts.NumCores(),
		"bsp", b.facts.BootCoreID,
		"framebuffer", b.facts.HasFB,
		"acpi", fmt.Sprintf("%#x", b.facts.ACPIPtr),
		"smbios", fmt.Sprintf("%#x", b.facts.SMBIOSPtr))

	if !b.facts.HasClock {
		b.log.Warnw("firmware clock unavailable, datetime zeroed")
	}

	return nil
}

// resolveConfig reads the configured sources in order and parses the first
// hit. No config anywhere is a normal boot with defaults.
func (b *Boot) resolveConfig() (*config.Environment, error) {
	text, source, err := b.configText()
	if err != nil {
		return nil, err
	}

	if source == "" {
		b.log.Infow("no config found, using defaults")

		return config.Empty(), nil
	}

	env, issues := config.Parse(text)
	for _, issue := range issues {
		b.log.Warnw("config line skipped", "source", source, "detail", issue.String())
	}

	b.log.Infow("config resolved",
		"source", source,
		"keys", env.Len(),
		"kernel", env.Kernel(),
		"nosmp", env.NoSMP())

	return env, nil
}

func (b *Boot) configText() (string, string, error) {
	partition := func() (string, bool, error) { return image.LoadBootConfig(b.fw) }
	ramdisk := func() (string, bool, error) {
		text, found := image.RamdiskConfig(b.rd)

		return text, found, nil
	}

	sources := []struct {
		name string
		read func() (string, bool, error)
	}{
		{"boot-partition", partition},
		{"ramdisk", ramdisk},
	}

	if b.order == RamdiskFirst {
		sources[0], sources[1] = sources[1], sources[0]
	}

	for _, s := range sources {
		text, found, err := s.read()
		if err != nil {
			return "", "", fmt.Errorf("reading %s config: %w", s.name, err)
		}

		if found {
			return text, s.name, nil
		}
	}

	return "", "", nil
}

// Boot places every protocol structure, brings up the application cores,
// builds the kernel's address space, freezes the memory map and transfers
// control.
func (b *Boot) Boot() (*machine.HandoffState, error) {
	if err := b.place(); err != nil {
		return nil, err
	}

	numCores := b.startCores()

	pt, err := b.buildAddressSpace()
	if err != nil {
		return nil, err
	}

	// The map is acquired exactly once, after the last allocation above.
	// Anything that allocates from here on would invalidate it.
	mmap, err := mem.AcquireMemoryMap(b.fw)
	if err != nil {
		return nil, fmt.Errorf("acquiring memory map: %w", err)
	}

	b.reserve(mmap, pt)

	entries, err := mmap.MarshalEntries()
	if err != nil {
		return nil, fmt.Errorf("serializing memory map: %w", err)
	}

	hdr := b.buildHeader(numCores, len(entries))

	if err := b.m.WriteHeader(hdr, entries); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}

	b.log.Infow("header written",
		"cores", numCores,
		"map-entries", mmap.Len())

	state, err := b.m.Handoff(b.kernel.Entry, pt.Root(), numCores)
	if err != nil {
		return nil, fmt.Errorf("handoff: %w", err)
	}

	// Open the barrier only once the header and map are final; the
	// application cores jump straight to the entry point.
	if b.cores != nil {
		b.cores.Release()
	}

	b.log.Infow("control transferred",
		"entry", fmt.Sprintf("%#x", state.Entry),
		"root", fmt.Sprintf("%#x", state.PageTableRoot))

	return state, nil
}

func (b *Boot) place() error {
	if err := b.m.PlaceKernel(b.kernel, b.rd); err != nil {
		return fmt.Errorf("placing kernel: %w", err)
	}

	if err := b.m.PlaceEnvironment(b.env); err != nil {
		return fmt.Errorf("placing environment: %w", err)
	}

	if err := b.m.PlaceHeader(); err != nil {
		return fmt.Errorf("placing header: %w", err)
	}

	if err := b.m.PlaceStacks(b.facts.NumCores()); err != nil {
		return fmt.Errorf("placing stacks: %w", err)
	}

	p := b.m.Placements()
	b.log.Infow("structures placed",
		"kernel", fmt.Sprintf("%#x", p.KernelDest),
		"env", fmt.Sprintf("%#x", p.Env),
		"header", fmt.Sprintf("%#x", p.Header),
		"stacks", fmt.Sprintf("%#x", p.Stacks))

	return nil
}

// startCores brings the application cores to the release barrier and returns
// the core count the header reports: the boot core plus every arrival. A core
// that never arrives is logged and left behind.
func (b *Boot) startCores() int {
	if b.env.NoSMP() || !b.facts.SMPAvailable() {
		b.log.Infow("single-core boot", "nosmp", b.env.NoSMP())

		return 1
	}

	b.cores = smp.New(b.facts.CoreIDs, b.facts.BootCoreID, b.fw, smp.WithTimeout(b.timeout))
	b.cores.InstallTrampoline(b.ram, smp.TrampolineAddr)
	b.cores.Start()

	count := b.cores.AwaitArrivals()

	for _, c := range b.cores.Cores() {
		if c.State() == smp.StateFailed {
			b.log.Warnw("core excluded from boot", "core", c.ID, "state", c.State())
		}
	}

	b.log.Infow("cores at barrier", "arrived", count, "enumerated", b.facts.NumCores())

	return count
}

func (b *Boot) buildAddressSpace() (*mem.PageTables, error) {
	p := b.m.Placements()

	mappings := []mem.Mapping{
		// The loader itself keeps running until the jump, so all of
		// physical memory stays identity-mapped.
		{Name: "identity", VA: 0, PA: 0, Size: uint64(len(b.ram)) &^ (firmware.PageSize - 1)},
		{Name: "kernel", VA: b.env.KernelBase(), PA: p.KernelDest, Size: p.KernelSize},
		{Name: "header", VA: bootinfo.InfoVA, PA: p.Header, Size: firmware.PageSize},
		{Name: "environment", VA: bootinfo.EnvVA, PA: p.Env, Size: firmware.PageSize},
	}

	if b.facts.HasFB {
		base := b.facts.FB.Base &^ (firmware.PageSize - 1)
		size := roundUpPage(uint64(b.facts.FB.Scanline)*uint64(b.facts.FB.Height) + (b.facts.FB.Base - base))
		mappings = append(mappings, mem.Mapping{Name: "framebuffer", VA: bootinfo.FBVA, PA: base, Size: size})
	}

	pt, err := mem.BuildPageTables(b.ram, b.fw, mappings)
	if err != nil {
		return nil, fmt.Errorf("building page tables: %w", err)
	}

	return pt, nil
}

// reserve marks every loader-placed structure in the final map so the kernel
// never reuses those pages.
func (b *Boot) reserve(mmap *mem.Map, pt *mem.PageTables) {
	p := b.m.Placements()

	mmap.Reserve(smp.TrampolineAddr, firmware.PageSize)
	mmap.Reserve(b.rd.Addr, roundUpPage(b.rd.Size()))
	mmap.Reserve(p.KernelDest, p.KernelSize)
	mmap.Reserve(p.Env, firmware.PageSize)
	mmap.Reserve(p.Header, firmware.PageSize)
	mmap.Reserve(p.Stacks, p.StacksSize)

	for _, page := range pt.TablePages() {
		mmap.Reserve(page, firmware.PageSize)
	}
}

func (b *Boot) buildHeader(numCores, entriesLen int) *bootinfo.Header {
	hdr := &bootinfo.Header{
		Magic:    bootinfo.Magic,
		Size:     uint32(bootinfo.FixedSize + entriesLen),
		Protocol: bootinfo.MakeProtocol(bootinfo.LevelDynamic, bootinfo.LoaderUEFI, false),
		NumCores: uint16(numCores),
		BSPID:    uint16(b.facts.BootCoreID),

		InitrdPtr:  b.rd.Addr,
		InitrdSize: b.rd.Size(),

		ACPIPtr:   b.facts.ACPIPtr,
		SMBIOSPtr: b.facts.SMBIOSPtr,
	}

	if b.facts.HasClock {
		hdr.Timezone = b.facts.Timezone
		hdr.DateTime = bootinfo.BCDDateTime(b.facts.DateTime)
	}

	if b.facts.HasFB {
		fb := b.facts.FB
		hdr.FBType = bootinfo.FBTypeARGB
		hdr.FB = bootinfo.Framebuffer{
			Ptr:      fb.Base,
			Size:     fb.Scanline * fb.Height,
			Width:    fb.Width,
			Height:   fb.Height,
			Scanline: fb.Scanline,
		}
	}

	return hdr
}

func roundUpPage(n uint64) uint64 {
	return (n + firmware.PageSize - 1) &^ (firmware.PageSize - 1)
}
