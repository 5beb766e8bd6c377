// Package flag defines the command-line surface: a boot command that
// rehearses a complete boot against in-memory firmware, and a probe command
// that prints the application-core startup routine.
package flag

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CLI is the top-level command tree.
type CLI struct {
	Boot  BootCMD  `cmd:"" help:"Rehearse a full boot from a ramdisk image."`
	Probe ProbeCMD `cmd:"" help:"Print the application-core startup routine."`
}

// BootCMD runs the whole boot sequence against simulated firmware and
// reports the resulting handoff state.
type BootCMD struct {
	Ramdisk string `arg:"" help:"Ramdisk image served at the well-known boot partition path." type:"existingfile"`

	Config      string        `help:"Boot config file served on the boot partition." type:"existingfile" optional:""`
	MemSize     string        `name:"mem" default:"1G" help:"Physical memory size: number[gGmMkK]."`
	NCores      int           `name:"cpus" default:"4" help:"Number of cores to enumerate."`
	ConfigOrder string        `default:"boot-partition-first" enum:"boot-partition-first,ramdisk-first" help:"Which config source wins."`
	Timeout     time.Duration `default:"300ms" help:"Application-core arrival timeout."`
	Verbose     bool          `short:"v" help:"Development-style log output."`
}

// ProbeCMD disassembles the trampoline the application cores execute.
type ProbeCMD struct{}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional; when absent, the unit passed in applies.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
}
