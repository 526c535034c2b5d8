// Package hook hides code patches from the guest with nested paging.
//
// A hooked guest page gets a shadow copy that carries the patch. In the
// primary view the original page stays readable and writable but is not
// executable; in the noexecute view the same guest address is backed by
// the executable shadow while every other page is not executable. Fetches
// ping-pong between the two views through nested page faults, so reads
// always observe the original bytes and execution always runs the patch.
package hook

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/apex/log"
	"github.com/google/btree"

	"github.com/blacktop/go-svm/cpu"
	"github.com/blacktop/go-svm/disasm"
	"github.com/blacktop/go-svm/kernel"
	"github.com/blacktop/go-svm/npt"
	"github.com/blacktop/go-svm/wp"
)

const pageSize = 0x1000

// Int3 is the default patch: a breakpoint the exit handler intercepts.
var Int3 = []byte{0xCC}

var (
	ErrExists       = errors.New("hook: address already hooked")
	ErrNotHooked    = errors.New("hook: address not hooked")
	ErrCrossesPage  = errors.New("hook: patch crosses a page boundary")
	ErrNoPhysMemory = errors.New("hook: no physical memory reader")
)

// PhysicalMemory reads guest physical memory.
type PhysicalMemory interface {
	ReadPhys(pa uint64, dst []byte) error
}

// VirtualMemory reads kernel virtual memory.
type VirtualMemory interface {
	ReadVirtual(va uint64, dst []byte) error
}

// Hook is a request to patch the instruction at GPA.
type Hook struct {
	Name string `json:"name"`
	GPA  uint64 `json:"gpa"`
	// Patch is written over the start of the instruction. Defaults to Int3.
	Patch []byte `json:"patch,omitempty"`
	// PID owns the hook; zero for kernel hooks, which outlive processes.
	PID int `json:"pid,omitempty"`
}

// Record is an installed hook.
type Record struct {
	Hook
	Page       uint64 `json:"page"`
	ShadowPhys uint64 `json:"shadow_phys"`
	// SiteLength covers the whole instructions the patch overlaps.
	SiteLength int `json:"site_length"`
}

type hiddenPage struct {
	gpa    uint64
	shadow cpu.Block
	hooks  []Record
}

func byGPA(a, b *hiddenPage) bool { return a.gpa < b.gpa }

// Config wires the manager to its collaborators.
type Config struct {
	Views     *npt.Set
	Memory    cpu.Memory
	Phys      PhysicalMemory
	Kernel    kernel.Introspector
	Decoder   *disasm.Decoder
	Protector wp.Controller
	Logger    log.Interface
}

// Manager owns every hidden page.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	pages *btree.BTreeG[*hiddenPage]
	log   log.Interface
}

// Init returns an empty manager. The views need not be built yet; Install
// fails until they are.
func Init(cfg Config) (*Manager, error) {
	if cfg.Memory == nil {
		return nil, errors.New("hook: no memory allocator")
	}
	if cfg.Protector == nil {
		cfg.Protector = wp.Nop{}
	}
	if cfg.Decoder == nil {
		cfg.Decoder = disasm.Init()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Log
	}
	return &Manager{
		cfg:   cfg,
		pages: btree.NewG(2, byGPA),
		log:   logger,
	}, nil
}

// SetViews attaches the view set once it exists.
func (m *Manager) SetViews(set *npt.Set) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Views = set
}

func (m *Manager) page(gpa uint64) (*hiddenPage, bool) {
	return m.pages.Get(&hiddenPage{gpa: gpa &^ (pageSize - 1)})
}

// Install hides h.Patch at h.GPA. The first hook on a page creates its
// shadow copy and splits both views; later hooks on the page reuse it.
func (m *Manager) Install(h Hook) (Record, error) {
	if len(h.Patch) == 0 {
		h.Patch = Int3
	}
	off := int(h.GPA & (pageSize - 1))
	if off+len(h.Patch) > pageSize {
		return Record{}, fmt.Errorf("%w: %d bytes at %#x", ErrCrossesPage, len(h.Patch), h.GPA)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.Views == nil {
		return Record{}, fmt.Errorf("hook: install %s: %w", h.Name, npt.ErrNotBuilt)
	}

	hp, existing := m.page(h.GPA)
	if existing {
		for _, r := range hp.hooks {
			if r.GPA == h.GPA {
				return Record{}, fmt.Errorf("%w: %#x (%s)", ErrExists, h.GPA, r.Name)
			}
		}
	} else {
		var err error
		if hp, err = m.hide(h.GPA &^ (pageSize - 1)); err != nil {
			return Record{}, err
		}
	}

	site, err := m.cfg.Decoder.LengthForHook(hp.shadow.Bytes[off:pageSize], len(h.Patch))
	if err != nil && !errors.Is(err, disasm.ErrTruncated) {
		if !existing {
			m.unhide(hp)
		}
		return Record{}, fmt.Errorf("hook: %s at %#x: %w", h.Name, h.GPA, err)
	}

	dst := hp.shadow.Bytes[off : off+len(h.Patch)]
	addr := uint64(uintptr(unsafe.Pointer(&dst[0])))
	if err := wp.Do(m.cfg.Protector, addr, uint64(len(dst)), func() error {
		copy(dst, h.Patch)
		return nil
	}); err != nil {
		if !existing {
			m.unhide(hp)
		}
		return Record{}, fmt.Errorf("hook: patch %s: %w", h.Name, err)
	}

	rec := Record{
		Hook:       h,
		Page:       hp.gpa,
		ShadowPhys: hp.shadow.Phys,
		SiteLength: site.Length,
	}
	hp.hooks = append(hp.hooks, rec)
	m.pages.ReplaceOrInsert(hp)

	m.log.WithFields(log.Fields{
		"hook":   h.Name,
		"gpa":    fmt.Sprintf("%#x", h.GPA),
		"shadow": fmt.Sprintf("%#x", hp.shadow.Phys),
		"pid":    h.PID,
	}).Info("hook installed")
	return rec, nil
}

// hide copies the page at gpa to a fresh shadow page and remaps both views.
func (m *Manager) hide(gpa uint64) (*hiddenPage, error) {
	if m.cfg.Phys == nil {
		return nil, ErrNoPhysMemory
	}
	shadow, err := m.cfg.Memory.Alloc(1)
	if err != nil {
		return nil, fmt.Errorf("hook: allocate shadow page: %w", err)
	}
	if err := m.cfg.Phys.ReadPhys(gpa, shadow.Bytes[:pageSize]); err != nil {
		_ = m.cfg.Memory.Free(shadow)
		return nil, fmt.Errorf("hook: copy page %#x: %w", gpa, err)
	}
	if err := m.cfg.Views.Override(npt.Primary, gpa, gpa, npt.RW); err != nil {
		_ = m.cfg.Memory.Free(shadow)
		return nil, err
	}
	if err := m.cfg.Views.Override(npt.NoExecute, gpa, shadow.Phys, npt.RWX); err != nil {
		_ = m.cfg.Views.Restore(npt.Primary, gpa)
		_ = m.cfg.Memory.Free(shadow)
		return nil, err
	}
	return &hiddenPage{gpa: gpa, shadow: shadow}, nil
}

func (m *Manager) unhide(hp *hiddenPage) {
	for _, v := range []npt.View{npt.Primary, npt.NoExecute} {
		if err := m.cfg.Views.Restore(v, hp.gpa); err != nil {
			m.log.WithError(err).WithField("view", v.String()).Warn("restore hidden page")
		}
	}
	if err := m.cfg.Memory.Free(hp.shadow); err != nil {
		m.log.WithError(err).Warn("free shadow page")
	}
	m.pages.Delete(hp)
}

// Remove uninstalls the hook at gpa. The page is unhidden with its last
// hook.
func (m *Manager) Remove(gpa uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remove(gpa)
}

func (m *Manager) remove(gpa uint64) error {
	hp, ok := m.page(gpa)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNotHooked, gpa)
	}
	for i, r := range hp.hooks {
		if r.GPA != gpa {
			continue
		}
		off := int(gpa & (pageSize - 1))
		orig := make([]byte, len(r.Patch))
		if err := m.cfg.Phys.ReadPhys(gpa, orig); err != nil {
			return err
		}
		dst := hp.shadow.Bytes[off : off+len(orig)]
		if err := wp.Do(m.cfg.Protector, uint64(uintptr(unsafe.Pointer(&dst[0]))), uint64(len(dst)), func() error {
			copy(dst, orig)
			return nil
		}); err != nil {
			return err
		}
		hp.hooks = append(hp.hooks[:i], hp.hooks[i+1:]...)
		if len(hp.hooks) == 0 {
			m.unhide(hp)
		}
		m.log.WithFields(log.Fields{"hook": r.Name, "gpa": fmt.Sprintf("%#x", gpa)}).Info("hook removed")
		return nil
	}
	return fmt.Errorf("%w: %#x", ErrNotHooked, gpa)
}

// Hooks returns every installed hook ordered by address.
func (m *Manager) Hooks() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	m.pages.Ascend(func(hp *hiddenPage) bool {
		out = append(out, hp.hooks...)
		return true
	})
	return out
}

// HiddenPages returns the number of shadowed pages.
func (m *Manager) HiddenPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages.Len()
}

// IsHidden reports whether the page containing gpa has a shadow.
func (m *Manager) IsHidden(gpa uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.page(gpa)
	return ok
}

// ViewForFetch is consulted by the exit handler on an instruction fetch
// nested page fault at gpa: hidden pages execute in the noexecute view,
// everything else in primary.
func (m *Manager) ViewForFetch(gpa uint64) npt.View {
	if m.IsHidden(gpa) {
		return npt.NoExecute
	}
	return npt.Primary
}

// CleanupOnProcessExit removes the hooks of processes that no longer exist
// and returns how many were removed. Kernel hooks are kept.
func (m *Manager) CleanupOnProcessExit() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.Kernel == nil {
		return 0
	}
	var dead []uint64
	m.pages.Ascend(func(hp *hiddenPage) bool {
		for _, r := range hp.hooks {
			if r.PID != 0 && !m.cfg.Kernel.ProcessAlive(r.PID) {
				dead = append(dead, r.GPA)
			}
		}
		return true
	})
	removed := 0
	for _, gpa := range dead {
		if err := m.remove(gpa); err != nil {
			m.log.WithError(err).WithField("gpa", fmt.Sprintf("%#x", gpa)).Warn("cleanup hook")
			continue
		}
		removed++
	}
	if removed > 0 {
		m.log.WithField("removed", removed).Info("cleaned up hooks of exited processes")
	}
	return removed
}

// Close removes every hook.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for m.pages.Len() > 0 {
		hp, _ := m.pages.Min()
		for len(hp.hooks) > 0 {
			if err := m.remove(hp.hooks[0].GPA); err != nil {
				errs = append(errs, err)
				hp.hooks = hp.hooks[1:]
			}
		}
		if _, still := m.pages.Get(hp); still {
			m.unhide(hp)
		}
	}
	return errors.Join(errs...)
}
