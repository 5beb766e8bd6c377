// Package probe discovers the hardware facts the boot header carries:
// processor topology, graphics output, firmware table roots and the clock.
// Probing is strictly read-only and degrades gracefully: a missing or corrupt
// table yields an absent fact, never a failed boot.
package probe

import (
	"time"

	"goboot/firmware"
)

// Facts is the immutable result of one probe pass.
type Facts struct {
	CoreIDs    []uint32
	BootCoreID uint32

	FB    firmware.FramebufferInfo
	HasFB bool

	// Physical addresses of the firmware table roots; zero means absent.
	ACPIPtr   uint64
	SMBIOSPtr uint64

	DateTime time.Time
	Timezone int16 // minutes east of UTC
	HasClock bool
}

// NumCores returns the enumerated core count.
func (f *Facts) NumCores() int {
	return len(f.CoreIDs)
}

// SMPAvailable reports whether multiprocessor startup makes sense: more than
// one core was enumerated.
func (f *Facts) SMPAvailable() bool {
	return len(f.CoreIDs) > 1
}

// Gather runs every prober against the firmware and the physical memory
// image. Table roots are validated before being reported; a pointer that does
// not check out is dropped rather than handed to the kernel.
func Gather(fw firmware.Services, ram []byte) *Facts {
	f := &Facts{
		CoreIDs:    fw.CoreIDs(),
		BootCoreID: fw.BootCoreID(),
	}

	if fb, ok := fw.Framebuffer(); ok {
		f.FB = fb
		f.HasFB = true
	}

	f.ACPIPtr = acpiRoot(fw, ram)
	f.SMBIOSPtr = smbiosEntry(fw, ram)

	if t, tz, ok := fw.Now(); ok {
		f.DateTime = t
		f.Timezone = tz
		f.HasClock = true
	}

	return f
}

// readable reports whether [ptr, ptr+n) lies inside the physical image.
func readable(ram []byte, ptr, n uint64) bool {
	return ptr > 0 && n > 0 && ptr+n > ptr && ptr+n <= uint64(len(ram))
}

// zerosum reports whether the byte range checksums to zero mod 256, the
// validity rule shared by the firmware tables.
func zerosum(b []byte) bool {
	var sum byte
	for _, c := range b {
		sum += c
	}

	return sum == 0
}
