// Package native implements cpu.Platform on a Linux amd64 host.
//
// Identification uses CPUID directly, model specific registers go through
// the msr driver (/dev/cpu/N/msr), affinity through sched_setaffinity and
// memory is mmap'd, mlock'd and resolved to physical frames through
// /proc/self/pagemap. Reading MSRs and frame numbers needs CAP_SYS_RAWIO and
// CAP_SYS_ADMIN.
//
// The machine answers every query the bring-up makes before entry, but it
// never enters guest mode: capturing a supervisor context and issuing VMRUN
// both report cpu.ErrRequiresRing0. Entry semantics live in platform/sim.
package native

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/apex/log"
	"golang.org/x/sys/unix"

	"github.com/blacktop/go-svm/cpu"
)

// Machine is the host processor.
type Machine struct {
	root string
	log  log.Interface

	mu     sync.Mutex
	msrFDs map[int]int
	blocks map[uint64]mapping
}

// Option configures a Machine.
type Option func(*Machine)

// WithRoot reads /dev and /proc below root instead of /.
func WithRoot(root string) Option {
	return func(m *Machine) { m.root = root }
}

// WithLogger sets the logger.
func WithLogger(l log.Interface) Option {
	return func(m *Machine) { m.log = l }
}

// New returns the host machine.
func New(opts ...Option) (*Machine, error) {
	m := &Machine{
		root:   "/",
		log:    log.Log,
		msrFDs: make(map[int]int),
		blocks: make(map[uint64]mapping),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *Machine) path(elem ...string) string {
	return filepath.Join(append([]string{m.root}, elem...)...)
}

// CPUID implements cpu.Prober.
func (m *Machine) CPUID(leaf, subleaf uint32) cpu.Regs {
	a, b, c, d := cpuid(leaf, subleaf)
	return cpu.Regs{EAX: a, EBX: b, ECX: c, EDX: d}
}

// ActiveProcessorCount implements cpu.Scheduler. It counts processor
// indices up to the highest online one, independent of the affinity of the
// calling process. Offline holes below that index fail to pin.
func (m *Machine) ActiveProcessorCount() int {
	data, err := os.ReadFile(m.path("sys", "devices", "system", "cpu", "online"))
	if err != nil {
		return runtime.NumCPU()
	}
	online, err := parseCPUList(string(data))
	if err != nil {
		m.log.WithError(err).Warn("native: unreadable online cpu list")
		return runtime.NumCPU()
	}
	cores := online.Cores()
	if len(cores) == 0 {
		return runtime.NumCPU()
	}
	return cores[len(cores)-1] + 1
}

// parseCPUList parses the kernel cpu list format, e.g. "0-3,6,8-11".
func parseCPUList(s string) (cpu.Mask, error) {
	var m cpu.Mask
	s = strings.TrimSpace(s)
	if s == "" {
		return m, nil
	}
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("native: cpu list %q: %w", s, err)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("native: cpu list %q: %w", s, err)
			}
		}
		if first < 0 || last < first {
			return nil, fmt.Errorf("native: cpu list %q: bad range %q", s, part)
		}
		for c := first; c <= last; c++ {
			m = m.Set(c)
		}
	}
	return m, nil
}

// Pin implements cpu.Scheduler for the calling OS thread. The caller must
// hold runtime.LockOSThread.
func (m *Machine) Pin(mask cpu.Mask) (cpu.Mask, error) {
	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		return nil, fmt.Errorf("native: sched_getaffinity: %w", err)
	}
	var set unix.CPUSet
	set.Zero()
	for _, c := range mask.Cores() {
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("native: sched_setaffinity %s: %w", mask, err)
	}

	var out cpu.Mask
	for c := 0; c < len(prev)*64; c++ {
		if prev.IsSet(c) {
			out = out.Set(c)
		}
	}
	return out, nil
}

// CurrentProcessor implements cpu.Scheduler.
func (m *Machine) CurrentProcessor() int {
	var c, node uint32
	_, _, errno := unix.RawSyscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&c)), uintptr(unsafe.Pointer(&node)), 0)
	if errno != 0 {
		return -1
	}
	return int(c)
}

// Close releases the msr device handles and every live allocation.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for c, fd := range m.msrFDs {
		if err := unix.Close(fd); err != nil && first == nil {
			first = err
		}
		delete(m.msrFDs, c)
	}
	for phys, mp := range m.blocks {
		if err := mp.release(); err != nil && first == nil {
			first = err
		}
		delete(m.blocks, phys)
	}
	return first
}

var _ cpu.Platform = (*Machine)(nil)
