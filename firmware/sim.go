package firmware

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Memory layout the simulator reports before any allocation. Low memory
// below the EBDA stays free so the SMP trampoline page is usable; the
// EBDA/BIOS window is reserved; everything above 1 MiB is conventional.
const (
	lowMemEnd   = 0x9f000
	biosEnd     = 0x100000
	allocBase   = 0x100000
	simBootCore = 0
)

// SimConfig configures an in-memory firmware instance.
type SimConfig struct {
	// MemSize is the physical memory size in bytes, rounded up to a page.
	MemSize int

	// Files is the boot partition content, keyed by path. Lookups accept
	// both UEFI backslash form and slash form.
	Files map[string][]byte

	// Cores lists processor identifiers, boot core first. Empty means MP
	// services are unavailable and only the boot core is reported.
	Cores []uint32

	// FB, when set, is the graphics-output mode to report.
	FB *FramebufferInfo

	// Clock, when set, overrides the firmware clock. A nil Clock uses
	// time.Now with a zero timezone offset. NoClock simulates a platform
	// without a usable runtime clock.
	Clock   func() (time.Time, int16)
	NoClock bool
}

type allocation struct {
	start uint64
	pages uint64
	typ   MemoryType
}

// Sim is an in-memory implementation of Services backed by a byte buffer
// standing in for physical memory. It is the execution substrate for tests
// and for boot rehearsals from the CLI.
type Sim struct {
	mu sync.Mutex

	mem    []byte
	files  map[string][]byte
	tables map[GUID]uint64
	extra  []MemoryDescriptor

	allocs []allocation
	next   uint64

	fb      *FramebufferInfo
	cores   []uint32
	clock   func() (time.Time, int16)
	noClock bool

	apHandler func(coreID uint32, vector uint8)
	exited    bool
}

var _ Services = (*Sim)(nil)

// NewSim builds a firmware instance owning MemSize bytes of physical memory.
func NewSim(cfg SimConfig) (*Sim, error) {
	if cfg.MemSize < biosEnd+PageSize {
		return nil, fmt.Errorf("%w: memory size %#x too small", ErrInvalidParameter, cfg.MemSize)
	}

	size := (cfg.MemSize + PageSize - 1) &^ (PageSize - 1)

	files := map[string][]byte{}
	for name, data := range cfg.Files {
		files[normalizePath(name)] = data
	}

	cores := cfg.Cores
	if len(cores) == 0 {
		cores = []uint32{simBootCore}
	}

	return &Sim{
		mem:     make([]byte, size),
		files:   files,
		tables:  map[GUID]uint64{},
		next:    allocBase,
		fb:      cfg.FB,
		cores:   cores,
		clock:   cfg.Clock,
		noClock: cfg.NoClock,
	}, nil
}

// RAM exposes the physical memory buffer. Physical address n is RAM()[n].
func (s *Sim) RAM() []byte {
	return s.mem
}

// InstallConfigTable registers a configuration table address under guid.
func (s *Sim) InstallConfigTable(guid GUID, addr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tables[guid] = addr
}

// AddMemoryRegion appends an extra descriptor to the reported map, for
// regions outside the RAM buffer (MMIO windows, ACPI reclaim areas).
func (s *Sim) AddMemoryRegion(d MemoryDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.extra = append(s.extra, d)
}

// SetAPHandler installs the routine run when a startup signal reaches an
// application core. The handler runs on its own goroutine per signal, the
// way a real core starts executing the trampoline independently.
func (s *Sim) SetAPHandler(f func(coreID uint32, vector uint8)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.apHandler = f
}

func (s *Sim) ReadFile(path string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exited {
		return nil, false, ErrServicesExited
	}

	data, ok := s.files[normalizePath(path)]
	if !ok {
		return nil, false, nil
	}

	out := make([]byte, len(data))
	copy(out, data)

	return out, true, nil
}

func (s *Sim) AllocatePages(pages int, maxPhys uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exited {
		return 0, ErrServicesExited
	}

	if pages <= 0 {
		return 0, fmt.Errorf("%w: %d pages", ErrInvalidParameter, pages)
	}

	size := uint64(pages) * PageSize
	end := s.next + size

	if end > uint64(len(s.mem)) {
		return 0, fmt.Errorf("%w: %d pages", ErrOutOfResources, pages)
	}

	if maxPhys != 0 && end > maxPhys {
		return 0, fmt.Errorf("%w: no pages below %#x", ErrOutOfResources, maxPhys)
	}

	addr := s.next
	s.next = end
	s.allocs = append(s.allocs, allocation{start: addr, pages: uint64(pages), typ: MemLoaderData})

	return addr, nil
}

func (s *Sim) MemoryMap() ([]MemoryDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exited {
		return nil, ErrServicesExited
	}

	m := []MemoryDescriptor{
		{Type: MemConventional, PhysicalStart: 0, NumberOfPages: lowMemEnd / PageSize},
		{Type: MemReserved, PhysicalStart: lowMemEnd, NumberOfPages: (biosEnd - lowMemEnd) / PageSize},
	}

	for _, a := range s.allocs {
		m = append(m, MemoryDescriptor{Type: a.typ, PhysicalStart: a.start, NumberOfPages: a.pages})
	}

	if free := uint64(len(s.mem)) - s.next; free > 0 {
		m = append(m, MemoryDescriptor{Type: MemConventional, PhysicalStart: s.next, NumberOfPages: free / PageSize})
	}

	m = append(m, s.extra...)

	return m, nil
}

func (s *Sim) ConfigTable(guid GUID) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr, ok := s.tables[guid]

	return addr, ok
}

func (s *Sim) Framebuffer() (FramebufferInfo, bool) {
	if s.fb == nil {
		return FramebufferInfo{}, false
	}

	return *s.fb, true
}

func (s *Sim) CoreIDs() []uint32 {
	out := make([]uint32, len(s.cores))
	copy(out, s.cores)

	return out
}

func (s *Sim) BootCoreID() uint32 {
	return s.cores[0]
}

func (s *Sim) Now() (time.Time, int16, bool) {
	if s.noClock {
		return time.Time{}, 0, false
	}

	if s.clock != nil {
		t, tz := s.clock()

		return t, tz, true
	}

	return time.Now(), 0, true
}

func (s *Sim) StartupIPI(coreID uint32, vector uint8) error {
	s.mu.Lock()
	handler := s.apHandler
	known := false

	for _, id := range s.cores[1:] {
		if id == coreID {
			known = true

			break
		}
	}
	s.mu.Unlock()

	if !known {
		return fmt.Errorf("%w: core %d", ErrNotFound, coreID)
	}

	if handler != nil {
		go handler(coreID, vector)
	}

	return nil
}

func (s *Sim) ExitBootServices() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exited {
		return ErrServicesExited
	}

	s.exited = true

	return nil
}

func normalizePath(p string) string {
	return strings.TrimPrefix(strings.ReplaceAll(p, `\`, "/"), "/")
}
