// Package smp brings application cores up to the release barrier. The boot
// core installs a trampoline in low memory, points every other core at it
// with a startup signal and polls for arrivals under a bounded timeout.
// Cores that arrive spin on a single shared release flag; the flag is set
// only after the memory map and header are final, so no application core can
// observe a half-built handoff.
package smp

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"goboot/firmware"
)

// State is the per-core bring-up state.
type State uint32

const (
	StateIdle State = iota
	StateTrampolineSent
	StateArrived
	StateReleased
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTrampolineSent:
		return "trampoline-sent"
	case StateArrived:
		return "arrived"
	case StateReleased:
		return "released"
	case StateFailed:
		return "failed"
	}

	return "unknown"
}

const (
	// DefaultArrivalTimeout bounds how long the boot core waits for
	// application cores to reach the barrier. A late core is excluded
	// from the reported count, never waited on.
	DefaultArrivalTimeout = 300 * time.Millisecond

	defaultPollInterval = time.Millisecond
)

var ErrUnknownCore = errors.New("unknown core")

// Core is the descriptor for one processor. It is created for every core the
// prober enumerates and becomes irrelevant once the core is released.
type Core struct {
	ID    uint32
	state atomic.Uint32
}

// State returns the core's current bring-up state.
func (c *Core) State() State {
	return State(c.state.Load())
}

func (c *Core) transition(from, to State) bool {
	return c.state.CompareAndSwap(uint32(from), uint32(to))
}

// Bootstrapper owns the application-core bring-up. The release flag is the
// only process-wide shared state in the loader; it starts unset and becomes
// irrelevant after the cores jump.
type Bootstrapper struct {
	cores    []*Core
	bootCore uint32
	starter  firmware.Starter

	ram       []byte
	trampAddr uint64
	ramMu     sync.Mutex // guards the shared counter byte, the blob's lock inc

	release atomic.Uint32

	timeout time.Duration
	poll    time.Duration
}

// Option adjusts bring-up tuning in tests.
type Option func(*Bootstrapper)

// WithTimeout overrides the arrival timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Bootstrapper) { b.timeout = d }
}

// WithPollInterval overrides the arrival poll period.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bootstrapper) { b.poll = d }
}

// New builds a bootstrapper for the enumerated cores. The boot core gets no
// descriptor state transitions; it is already running.
func New(coreIDs []uint32, bootCore uint32, starter firmware.Starter, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		bootCore: bootCore,
		starter:  starter,
		timeout:  DefaultArrivalTimeout,
		poll:     defaultPollInterval,
	}

	for _, id := range coreIDs {
		b.cores = append(b.cores, &Core{ID: id})
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Cores returns the descriptors, boot core included.
func (b *Bootstrapper) Cores() []*Core {
	return b.cores
}

// InstallTrampoline writes the startup routine into the trampoline page and
// clears the shared flags.
func (b *Bootstrapper) InstallTrampoline(ram []byte, addr uint64) {
	b.ram = ram
	b.trampAddr = addr

	copy(ram[addr:], trampolineCode)
	ram[addr+arrivalCounterOffset] = 0
	ram[addr+releaseFlagOffset] = 0
}

// Start sends the startup signal to every application core. A core whose
// signal cannot be delivered is marked failed; the boot continues without
// it.
func (b *Bootstrapper) Start() {
	for _, c := range b.cores {
		if c.ID == b.bootCore {
			continue
		}

		if err := b.starter.StartupIPI(c.ID, SIPIVector); err != nil {
			c.transition(StateIdle, StateFailed)

			continue
		}

		c.transition(StateIdle, StateTrampolineSent)
	}
}

// AwaitArrivals polls the descriptors until every signalled core arrives or
// the timeout elapses. Stragglers are marked failed and excluded from the
// returned count. The count includes the boot core.
func (b *Bootstrapper) AwaitArrivals() int {
	deadline := time.Now().Add(b.timeout)

	for {
		pending := 0

		for _, c := range b.cores {
			if c.State() == StateTrampolineSent {
				pending++
			}
		}

		if pending == 0 {
			break
		}

		if time.Now().After(deadline) {
			for _, c := range b.cores {
				c.transition(StateTrampolineSent, StateFailed)
			}

			break
		}

		time.Sleep(b.poll)
	}

	count := 1 // boot core

	for _, c := range b.cores {
		if c.State() == StateArrived {
			count++
		}
	}

	return count
}

// Arrive is the trampoline-side arrival notification: the core bumps the
// shared counter and parks at the barrier. Returns false for cores that were
// never signalled (a spurious or too-late start).
func (b *Bootstrapper) Arrive(coreID uint32) bool {
	c := b.find(coreID)
	if c == nil {
		return false
	}

	if !c.transition(StateTrampolineSent, StateArrived) {
		return false
	}

	if b.ram != nil {
		b.ramMu.Lock()
		b.ram[b.trampAddr+arrivalCounterOffset]++
		b.ramMu.Unlock()
	}

	return true
}

// AwaitRelease spins until the boot core opens the barrier, then marks the
// core released. This is a busy wait: there is no scheduler to yield to on
// real hardware, and the wait is bounded by the boot core's own progress.
func (b *Bootstrapper) AwaitRelease(coreID uint32) error {
	c := b.find(coreID)
	if c == nil {
		return fmt.Errorf("%w: %d", ErrUnknownCore, coreID)
	}

	for b.release.Load() == 0 {
		runtime.Gosched()
	}

	c.transition(StateArrived, StateReleased)

	return nil
}

// Release opens the barrier. Call only after the memory map and header are
// final: the store is the happens-before edge between header construction
// and every application core's jump.
func (b *Bootstrapper) Release() {
	if b.ram != nil {
		b.ram[b.trampAddr+releaseFlagOffset] = 1
	}

	b.release.Store(1)
}

// Released reports whether the barrier is open.
func (b *Bootstrapper) Released() bool {
	return b.release.Load() != 0
}

func (b *Bootstrapper) find(coreID uint32) *Core {
	for _, c := range b.cores {
		if c.ID == coreID {
			return c
		}
	}

	return nil
}
