// Package sim is a deterministic software machine implementing
// cpu.Platform.
//
// Every core has its own MSR file and a kernel style register context.
// Memory is ordinary Go memory at synthetic physical addresses. Launch
// applies the VMRUN consistency checks to the control block and, when they
// pass, switches the core into guest mode without touching the registers
// the captured context described.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/btree"

	"github.com/blacktop/go-svm/cpu"
	"github.com/blacktop/go-svm/vmcb"
)

const pageSize = 0x1000

var (
	// ErrOutOfMemory is returned by Alloc once the injected budget is used.
	ErrOutOfMemory = errors.New("sim: out of memory")
	// ErrUndefinedOpcode is returned by Launch when EFER.SVME is clear.
	ErrUndefinedOpcode = errors.New("sim: vmrun raised #UD")
	// ErrGeneralProtection is returned by Launch for a bad VM_HSAVE_PA or
	// an unknown control block address.
	ErrGeneralProtection = errors.New("sim: vmrun raised #GP")
	// ErrNotGuest is returned by Devirtualize on a core in host mode.
	ErrNotGuest = errors.New("sim: core is not running as a guest")
	// ErrCapture is returned by CaptureContext on a core FailCapture
	// selects.
	ErrCapture = errors.New("sim: context capture failed")
)

// Config describes the simulated processor.
type Config struct {
	Cores        int
	Vendor       string
	SVM          bool
	Locked       bool
	NestedPaging bool
	ASIDs        uint32
	MemoryTop    uint64
	// Corrupt, when set, edits the context captured on a core before it is
	// returned.
	Corrupt func(core int, ctx *cpu.Context)
	// FailAlloc, when set, fails every allocation made while pinned to a
	// core it returns true for.
	FailAlloc func(core int) bool
	// FailPin, when set, keeps the thread off every core it returns true
	// for.
	FailPin func(core int) bool
	// FailCapture, when set, fails CaptureContext on every core it returns
	// true for.
	FailCapture func(core int) bool
}

// DefaultConfig is a four core SVM capable AMD machine with 4 GiB of RAM.
func DefaultConfig() Config {
	return Config{
		Cores:        4,
		Vendor:       "AuthenticAMD",
		SVM:          true,
		NestedPaging: true,
		ASIDs:        32768,
		MemoryTop:    4 << 30,
	}
}

// Stats counts guest entry attempts.
type Stats struct {
	Launches int `json:"launches"`
	Entered  int `json:"entered"`
	Rejected int `json:"rejected"`
}

type coreState struct {
	msrs  map[uint32]uint64
	regs  cpu.Registers
	guest bool
	vmcb  uint64
}

// Machine is a simulated multi-core processor with physical memory.
type Machine struct {
	mu      sync.Mutex
	cfg     Config
	cores   []*coreState
	pinned  cpu.Mask
	current int

	blocks    *btree.BTreeG[cpu.Block]
	ram       map[uint64][]byte
	nextPhys  uint64
	allocLeft int
	stats     Stats
}

func byPhys(a, b cpu.Block) bool { return a.Phys < b.Phys }

// New returns a machine in host mode on every core, with the calling
// thread unpinned.
func New(cfg Config) *Machine {
	if cfg.Vendor == "" {
		cfg.Vendor = "AuthenticAMD"
	}
	m := &Machine{
		cfg:       cfg,
		blocks:    btree.NewG(2, byPhys),
		ram:       make(map[uint64][]byte),
		nextPhys:  0x10000000,
		allocLeft: -1,
	}
	for i := 0; i < cfg.Cores; i++ {
		m.pinned = m.pinned.Set(i)
		c := &coreState{msrs: map[uint32]uint64{
			cpu.MSREFER:         cpu.EFERSCE | cpu.EFERLME | cpu.EFERLMA | cpu.EFERNXE,
			cpu.MSRPAT:          0x0007040600070406,
			cpu.MSRSTAR:         0x0023001000000000,
			cpu.MSRLSTAR:        0xffffffff82000080,
			cpu.MSRCSTAR:        0xffffffff820016c0,
			cpu.MSRSFMASK:       0x47700,
			cpu.MSRGSBase:       0xffff88807dc00000 + uint64(i)<<20,
			cpu.MSRKernelGSBase: 0x7f12a4c3e740,
			cpu.MSRSysenterCS:   0x10,
			cpu.MSRVMHsavePA:    0,
			cpu.MSRVMCR:         0,
		}}
		if cfg.Locked {
			c.msrs[cpu.MSRVMCR] = cpu.VMCRLock | cpu.VMCRSVMDis
		}
		c.regs = cpu.Registers{
			RAX:    0x1,
			RBX:    uint64(i),
			RSP:    0xffffc90000a3fe58 + uint64(i)<<16,
			RIP:    0xffffffff81234567,
			RFLAGS: 0x246,
		}
		m.cores = append(m.cores, c)
	}
	return m
}

// CPUID implements cpu.Prober.
func (m *Machine) CPUID(leaf, subleaf uint32) cpu.Regs {
	switch leaf {
	case cpu.LeafVendor:
		v := []byte(m.cfg.Vendor + "            ")[:12]
		word := func(b []byte) uint32 {
			return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		}
		return cpu.Regs{EAX: 0x10, EBX: word(v[0:4]), EDX: word(v[4:8]), ECX: word(v[8:12])}
	case cpu.LeafExtendedMax:
		return cpu.Regs{EAX: 0x80000021}
	case cpu.LeafExtendedFeatures:
		var r cpu.Regs
		if m.cfg.SVM {
			r.ECX |= cpu.ExtFeatureSVM
		}
		return r
	case cpu.LeafSVMFeatures:
		if !m.cfg.SVM {
			return cpu.Regs{}
		}
		r := cpu.Regs{EAX: 1, EBX: m.cfg.ASIDs, EDX: cpu.SVMFeatureNRIPSave | cpu.SVMFeatureSVML}
		if m.cfg.NestedPaging {
			r.EDX |= cpu.SVMFeatureNestedPaging
		}
		return r
	}
	return cpu.Regs{}
}

// ReadMSR implements cpu.Prober for the current core.
func (m *Machine) ReadMSR(msr uint32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cores[m.current].msrs[msr]
	if !ok {
		return 0, fmt.Errorf("sim: rdmsr %#x: #GP", msr)
	}
	return v, nil
}

// WriteMSR implements cpu.MSRWriter for the current core.
func (m *Machine) WriteMSR(msr uint32, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cores[m.current]
	if _, ok := c.msrs[msr]; !ok {
		return fmt.Errorf("sim: wrmsr %#x: #GP", msr)
	}
	switch msr {
	case cpu.MSREFER:
		if value&cpu.EFERSVME != 0 && c.msrs[cpu.MSRVMCR]&cpu.VMCRSVMDis != 0 {
			return fmt.Errorf("sim: wrmsr efer: svm disabled by firmware: #GP")
		}
	case cpu.MSRVMHsavePA:
		if value&(pageSize-1) != 0 {
			return fmt.Errorf("sim: wrmsr vm_hsave_pa %#x: #GP", value)
		}
	case cpu.MSRVMCR:
		if c.msrs[cpu.MSRVMCR]&cpu.VMCRLock != 0 {
			return fmt.Errorf("sim: wrmsr vm_cr locked: #GP")
		}
	}
	c.msrs[msr] = value
	return nil
}

// ActiveProcessorCount implements cpu.Scheduler.
func (m *Machine) ActiveProcessorCount() int { return m.cfg.Cores }

// Pin implements cpu.Scheduler. The thread runs on the lowest core of mask.
func (m *Machine) Pin(mask cpu.Mask) (cpu.Mask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range mask.Cores() {
		if c < m.cfg.Cores && (m.cfg.FailPin == nil || !m.cfg.FailPin(c)) {
			prev := m.pinned
			m.pinned = append(cpu.Mask(nil), mask...)
			m.current = c
			return prev, nil
		}
	}
	return nil, fmt.Errorf("sim: affinity %s selects no online core", mask)
}

// CurrentProcessor implements cpu.Scheduler.
func (m *Machine) CurrentProcessor() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Affinity returns the mask the thread is pinned to.
func (m *Machine) Affinity() cpu.Mask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(cpu.Mask(nil), m.pinned...)
}

// FailAllocAfter lets n more allocations succeed and fails the rest. A
// negative n removes the limit.
func (m *Machine) FailAllocAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocLeft = n
}

// Alloc implements cpu.Memory.
func (m *Machine) Alloc(pages int) (cpu.Block, error) {
	if pages <= 0 {
		return cpu.Block{}, fmt.Errorf("sim: allocate %d pages", pages)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allocLeft == 0 || (m.cfg.FailAlloc != nil && m.cfg.FailAlloc(m.current)) {
		return cpu.Block{}, ErrOutOfMemory
	}
	if m.allocLeft > 0 {
		m.allocLeft--
	}
	b := cpu.Block{Bytes: make([]byte, pages*pageSize), Phys: m.nextPhys}
	m.nextPhys += uint64(pages) * pageSize
	m.blocks.ReplaceOrInsert(b)
	return b, nil
}

// Free implements cpu.Memory.
func (m *Machine) Free(b cpu.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks.Delete(b); !ok {
		return fmt.Errorf("sim: free of unknown block %#x", b.Phys)
	}
	return nil
}

// Allocated returns the number of live blocks.
func (m *Machine) Allocated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks.Len()
}

// block returns the allocation covering pa.
func (m *Machine) block(pa uint64) (cpu.Block, bool) {
	var (
		hit   cpu.Block
		found bool
	)
	m.blocks.DescendLessOrEqual(cpu.Block{Phys: pa}, func(b cpu.Block) bool {
		hit, found = b, pa-b.Phys < uint64(len(b.Bytes))
		return false
	})
	return hit, found
}

// page returns the backing bytes of the physical page at pa.
func (m *Machine) page(pa uint64, create bool) []byte {
	base := pa &^ (pageSize - 1)
	if b, ok := m.block(base); ok {
		off := base - b.Phys
		return b.Bytes[off : off+pageSize]
	}
	p, ok := m.ram[base]
	if !ok && create {
		p = make([]byte, pageSize)
		m.ram[base] = p
	}
	return p
}

// ReadPhys copies physical memory at pa into dst. RAM never written reads
// as zero.
func (m *Machine) ReadPhys(pa uint64, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(dst) > 0 {
		if pa >= m.cfg.MemoryTop {
			if _, ok := m.block(pa); !ok {
				return fmt.Errorf("sim: read of %#x beyond ram", pa)
			}
		}
		off := pa & (pageSize - 1)
		n := copy(dst, zeroPage[off:])
		if p := m.page(pa, false); p != nil {
			copy(dst[:n], p[off:])
		}
		dst = dst[n:]
		pa += uint64(n)
	}
	return nil
}

var zeroPage = make([]byte, pageSize)

// WritePhys stores src at physical address pa.
func (m *Machine) WritePhys(pa uint64, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(src) > 0 {
		if pa >= m.cfg.MemoryTop {
			if _, ok := m.block(pa); !ok {
				return fmt.Errorf("sim: write of %#x beyond ram", pa)
			}
		}
		off := pa & (pageSize - 1)
		n := copy(m.page(pa, true)[off:], src)
		src = src[n:]
		pa += uint64(n)
	}
	return nil
}

// PhysicalMemoryTop implements cpu.Platform.
func (m *Machine) PhysicalMemoryTop() (uint64, error) {
	if m.cfg.MemoryTop == 0 {
		return 0, errors.New("sim: no memory map")
	}
	return m.cfg.MemoryTop, nil
}

// CaptureContext implements cpu.Capturer for the current core.
func (m *Machine) CaptureContext() (*cpu.Context, error) {
	m.mu.Lock()
	if m.cfg.FailCapture != nil && m.cfg.FailCapture(m.current) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w on core %d", ErrCapture, m.current)
	}
	c := m.cores[m.current]
	ctx := KernelContext(c.regs)
	ctx.EFER = c.msrs[cpu.MSREFER]
	ctx.PAT = c.msrs[cpu.MSRPAT]
	ctx.STAR = c.msrs[cpu.MSRSTAR]
	ctx.LSTAR = c.msrs[cpu.MSRLSTAR]
	ctx.CSTAR = c.msrs[cpu.MSRCSTAR]
	ctx.SFMASK = c.msrs[cpu.MSRSFMASK]
	ctx.GSBase = c.msrs[cpu.MSRGSBase]
	ctx.KernelGSBase = c.msrs[cpu.MSRKernelGSBase]
	ctx.SysenterCS = c.msrs[cpu.MSRSysenterCS]
	idx, corrupt := m.current, m.cfg.Corrupt
	m.mu.Unlock()

	if corrupt != nil {
		corrupt(idx, ctx)
	}
	return ctx, nil
}

// Launch implements cpu.Launcher. It performs the checks VMRUN makes, in
// the order the processor makes them.
func (m *Machine) Launch(vmcbPhys uint64) (cpu.EntryOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Launches++
	c := m.cores[m.current]

	if c.msrs[cpu.MSREFER]&cpu.EFERSVME == 0 {
		m.stats.Rejected++
		return cpu.EntryRejected, ErrUndefinedOpcode
	}
	if hsave := c.msrs[cpu.MSRVMHsavePA]; hsave == 0 {
		m.stats.Rejected++
		return cpu.EntryRejected, fmt.Errorf("%w: vm_hsave_pa not set", ErrGeneralProtection)
	}
	if c.guest {
		m.stats.Rejected++
		return cpu.EntryRejected, fmt.Errorf("%w: core %d already runs a guest", ErrGeneralProtection, m.current)
	}
	b, ok := m.block(vmcbPhys)
	if !ok || vmcbPhys&(pageSize-1) != 0 || vmcbPhys-b.Phys+vmcb.Size > uint64(len(b.Bytes)) {
		m.stats.Rejected++
		return cpu.EntryRejected, fmt.Errorf("%w: vmcb at %#x", ErrGeneralProtection, vmcbPhys)
	}
	v := (*vmcb.VMCB)(unsafe.Pointer(&b.Bytes[vmcbPhys-b.Phys]))
	if err := vmcb.Validate(v); err != nil {
		v.Control.ExitCode = vmcb.ExitInvalid
		m.stats.Rejected++
		return cpu.EntryRejected, err
	}

	v.Save.Resume(&c.regs)
	c.guest = true
	c.vmcb = vmcbPhys
	m.stats.Entered++
	return cpu.EntryEnteredGuest, nil
}

// Devirtualize returns core to host mode and clears EFER.SVME, which is
// what the exit handler does on a devirtualization hypercall.
func (m *Machine) Devirtualize(core int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if core < 0 || core >= len(m.cores) {
		return fmt.Errorf("sim: no core %d", core)
	}
	c := m.cores[core]
	if !c.guest {
		return fmt.Errorf("%w: %d", ErrNotGuest, core)
	}
	c.guest = false
	c.vmcb = 0
	c.msrs[cpu.MSREFER] &^= cpu.EFERSVME
	return nil
}

// Guest reports whether core runs as a guest and the physical address of
// its control block.
func (m *Machine) Guest(core int) (bool, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cores[core]
	return c.guest, c.vmcb
}

// Registers returns the live register file of core.
func (m *Machine) Registers(core int) cpu.Registers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cores[core].regs
}

// Stats returns the entry counters.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

var _ cpu.Platform = (*Machine)(nil)
