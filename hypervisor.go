package svm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apex/log"

	"github.com/blacktop/go-svm/cpu"
	"github.com/blacktop/go-svm/disasm"
	"github.com/blacktop/go-svm/hook"
	"github.com/blacktop/go-svm/kernel"
	"github.com/blacktop/go-svm/npt"
	"github.com/blacktop/go-svm/sandbox"
	"github.com/blacktop/go-svm/wp"
)

// Devirtualizer is the exit handler side of devirtualization: asked on a
// core running as a guest, it leaves guest mode and disables SVM there.
type Devirtualizer interface {
	Devirtualize(core int) error
}

// Option configures a Hypervisor.
type Option func(*Hypervisor)

// WithLogger sets the logger. The default is the apex/log package logger.
func WithLogger(l log.Interface) Option {
	return func(h *Hypervisor) { h.log = l }
}

// WithIntrospector gives the hook manager access to kernel modules and
// processes.
func WithIntrospector(k kernel.Introspector) Option {
	return func(h *Hypervisor) { h.kernel = k }
}

// WithProtector sets the write-protect controller used to patch shadow
// pages.
func WithProtector(c wp.Controller) Option {
	return func(h *Hypervisor) { h.protector = c }
}

// WithDevirtualizer registers the exit handler that honors Devirtualize.
func WithDevirtualizer(d Devirtualizer) Option {
	return func(h *Hypervisor) { h.devirt = d }
}

// WithPhysicalMemory sets the reader hook pages are copied from. Platforms
// that can read physical memory are used when it is not given.
func WithPhysicalMemory(p hook.PhysicalMemory) Option {
	return func(h *Hypervisor) { h.phys = p }
}

// WithTableAllocator overrides where nested page tables live. The default
// carves them out of platform memory.
func WithTableAllocator(a npt.Allocator) Option {
	return func(h *Hypervisor) { h.alloc = a }
}

// Hypervisor is the process wide hypervisor state: the nested page table
// views shared by every core and one ProcessorSlot per logical processor.
type Hypervisor struct {
	mu       sync.Mutex
	cfg      Config
	platform cpu.Platform
	log      log.Interface

	kernel    kernel.Introspector
	protector wp.Controller
	devirt    Devirtualizer
	phys      hook.PhysicalMemory
	alloc     npt.Allocator

	decoder *disasm.Decoder
	hooks   *hook.Manager
	sandbox *sandbox.Policy

	views *npt.Set
	slots []*ProcessorSlot

	devirtualizing atomic.Bool
	closed         bool
}

var (
	activeMu sync.Mutex
	active   bool
)

// Initialize performs the one-time setup: logging, the disassembler, the
// sandbox policy and the hook manager. No processor state is touched; that
// happens in VirtualizeAllProcessors. Only one Hypervisor may be active in
// a process.
func Initialize(cfg Config, p cpu.Platform, opts ...Option) (*Hypervisor, error) {
	if p == nil {
		return nil, errors.New("svm: no platform")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	activeMu.Lock()
	defer activeMu.Unlock()
	if active {
		recordResourceError()
		return nil, ErrAlreadyActive
	}

	h := &Hypervisor{
		cfg:      cfg,
		platform: p,
		log:      log.Log,
	}
	for _, o := range opts {
		o(h)
	}
	if h.phys == nil {
		if pm, ok := p.(hook.PhysicalMemory); ok {
			h.phys = pm
		}
	}
	if h.alloc == nil {
		h.alloc = npt.NewMemoryAllocator(p)
	}
	if h.protector == nil {
		h.protector = wp.Nop{}
	}

	h.decoder = disasm.Init()
	h.sandbox = sandbox.Init(h.log)
	hooks, err := hook.Init(hook.Config{
		Memory:    p,
		Phys:      h.phys,
		Kernel:    h.kernel,
		Decoder:   h.decoder,
		Protector: h.protector,
		Logger:    h.log,
	})
	if err != nil {
		return nil, fmt.Errorf("svm: initialize hook manager: %w", err)
	}
	h.hooks = hooks

	active = true
	fields := log.Fields{"asid": cfg.ASID}
	if h.kernel != nil {
		fields["kernel"] = h.kernel.Version()
	}
	h.log.WithFields(fields).Debug("hypervisor initialized")
	return h, nil
}

// Config returns the configuration h was initialized with.
func (h *Hypervisor) Config() Config { return h.cfg }

// Views returns the nested page table views, or nil before the first
// bring-up.
func (h *Hypervisor) Views() *npt.Set {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.views
}

// Hooks returns the hook manager.
func (h *Hypervisor) Hooks() *hook.Manager { return h.hooks }

// Sandbox returns the sandbox policy.
func (h *Hypervisor) Sandbox() *sandbox.Policy { return h.sandbox }

// Decoder returns the instruction decoder shared with the hook manager.
func (h *Hypervisor) Decoder() *disasm.Decoder { return h.decoder }

// Close removes every hook and releases the memory of cores that are no
// longer guests. The control blocks and page tables of a core still
// running as a guest stay allocated, since the processor references them.
func (h *Hypervisor) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	var errs []error
	if err := h.hooks.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, r := range h.sandbox.Regions() {
		if err := h.sandbox.RemoveRegion(r.Base); err != nil {
			errs = append(errs, err)
		}
	}

	running := 0
	for _, s := range h.slots {
		if s.IsVirtualized() {
			running++
			continue
		}
		if err := h.releaseSlot(s); err != nil {
			errs = append(errs, err)
		}
	}
	if running == 0 && h.views != nil {
		h.views.Release()
		h.views = nil
	} else if running > 0 {
		h.log.WithField("cores", running).Warn("cores still virtualized, keeping their state")
	}

	h.closed = true
	activeMu.Lock()
	active = false
	activeMu.Unlock()
	return errors.Join(errs...)
}
