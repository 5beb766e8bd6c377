package flag

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"goboot/boot"
	"goboot/firmware"
	"goboot/image"
	"goboot/smp"
)

func Parse() error {
	c := CLI{}

	programName := "goboot"
	programDesc := "goboot is a second-stage boot loader rehearsed against in-memory UEFI firmware"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

func (d *ProbeCMD) Run() error {
	lines, err := smp.DisasmTrampoline()
	if err != nil {
		return err
	}

	fmt.Printf("trampoline @ %#x, startup vector %#x\n", uint64(smp.TrampolineAddr), smp.SIPIVector)

	for _, l := range lines {
		fmt.Println("  " + l)
	}

	return nil
}

func (s *BootCMD) Run() error {
	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return err
	}

	files := map[string][]byte{}

	ramdisk, err := os.ReadFile(s.Ramdisk)
	if err != nil {
		return err
	}

	files[image.RamdiskPath] = ramdisk

	if s.Config != "" {
		cfg, err := os.ReadFile(s.Config)
		if err != nil {
			return err
		}

		files[image.BootConfigPath] = cfg
	}

	cores := make([]uint32, s.NCores)
	for i := range cores {
		cores[i] = uint32(i)
	}

	sim, err := firmware.NewSim(firmware.SimConfig{
		MemSize: memSize,
		Files:   files,
		Cores:   cores,
	})
	if err != nil {
		return err
	}

	logger, err := newLogger(s.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	order := boot.BootPartitionFirst
	if s.ConfigOrder == "ramdisk-first" {
		order = boot.RamdiskFirst
	}

	bt := boot.New(sim, sim.RAM(), boot.Options{
		ConfigOrder:    order,
		ArrivalTimeout: s.Timeout,
		Logger:         logger,
	})

	// Route startup signals into the barrier the way real application
	// cores execute the trampoline.
	sim.SetAPHandler(func(id uint32, _ uint8) {
		bs := bt.Bootstrapper()
		if bs != nil && bs.Arrive(id) {
			_ = bs.AwaitRelease(id)
		}
	})

	state, err := bt.Run()
	if err != nil {
		return err
	}

	fmt.Printf("handoff: entry=%#x header=%#x root=%#x stack=%#x cores=%d\n",
		state.Entry, state.HeaderVA, state.PageTableRoot, state.StackTop, state.NumCores)

	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}
