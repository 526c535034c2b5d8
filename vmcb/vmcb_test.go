package vmcb

import (
	"errors"
	"strings"
	"testing"
	"unsafe"

	"github.com/blacktop/go-svm/cpu"
	"github.com/google/go-cmp/cmp"
)

// testMemory hands out zeroed pages at increasing fake physical addresses.
type testMemory struct {
	next   uint64
	live   map[uint64]int
	failAt int
	allocs int
}

func newTestMemory() *testMemory {
	return &testMemory{next: 0x100000, live: make(map[uint64]int), failAt: -1}
}

var errOutOfMemory = errors.New("out of memory")

func (m *testMemory) Alloc(pages int) (cpu.Block, error) {
	if m.failAt >= 0 && m.allocs == m.failAt {
		return cpu.Block{}, errOutOfMemory
	}
	m.allocs++
	b := cpu.Block{Bytes: make([]byte, pages*pageSize), Phys: m.next}
	m.live[b.Phys] = pages
	m.next += uint64(pages) * pageSize
	return b, nil
}

func (m *testMemory) Free(b cpu.Block) error {
	if _, ok := m.live[b.Phys]; !ok {
		return errors.New("double free")
	}
	delete(m.live, b.Phys)
	return nil
}

func tssDescriptor(base uint64, limit uint32) (lo, hi uint64) {
	lo = uint64(limit&0xFFFF) |
		(base&0xFFFFFF)<<16 |
		uint64(0x89)<<40 |
		uint64((limit>>16)&0xF)<<48 |
		((base>>24)&0xFF)<<56
	hi = base >> 32
	return lo, hi
}

// kernelContext is a 64-bit ring 0 context with a Linux style GDT.
func kernelContext() *cpu.Context {
	tssLo, tssHi := tssDescriptor(0xfffffe0000003000, 0x4087)
	gdt := []uint64{
		0,
		0x00cf9b000000ffff, // 0x08 kernel32 cs
		0x00af9b000000ffff, // 0x10 kernel cs
		0x00cf93000000ffff, // 0x18 kernel ds
		0x00cffb000000ffff, // 0x20 user32 cs
		0x00cff3000000ffff, // 0x28 user ds
		0x00affb000000ffff, // 0x30 user cs
		0,
		tssLo, tssHi, // 0x40 tss
	}
	return &cpu.Context{
		Registers: cpu.Registers{
			RAX: 0x1, RBX: 0x2, RSP: 0xffffc90000a3fe58, RIP: 0xffffffff81234567, RFLAGS: 0x246,
		},
		Selectors:    cpu.Selectors{CS: 0x10, SS: 0x18, TR: 0x40},
		GDTR:         cpu.DescriptorTable{Base: 0xfffffe0000001000, Limit: uint16(len(gdt)*8 - 1)},
		IDTR:         cpu.DescriptorTable{Base: 0xfffffe0000000000, Limit: 0xfff},
		GDT:          gdt,
		CR0:          0x80050033,
		CR3:          0x10a4c000,
		CR4:          0x3506f0,
		DR6:          0xfffe0ff0,
		DR7:          0x400,
		EFER:         cpu.EFERSCE | cpu.EFERLME | cpu.EFERLMA | cpu.EFERNXE,
		PAT:          0x0007040600070406,
		LSTAR:        0xffffffff82000080,
		GSBase:       0xffff88807dc00000,
		KernelGSBase: 0x7f12a4c3e740,
	}
}

func TestLayout(t *testing.T) {
	var v VMCB
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"sizeof VMCB", unsafe.Sizeof(v), Size},
		{"sizeof ControlArea", unsafe.Sizeof(v.Control), 0x400},
		{"sizeof Segment", unsafe.Sizeof(Segment{}), 0x10},
		{"Control.IOPMBasePA", unsafe.Offsetof(v.Control.IOPMBasePA), 0x40},
		{"Control.GuestASID", unsafe.Offsetof(v.Control.GuestASID), 0x58},
		{"Control.TLBControl", unsafe.Offsetof(v.Control.TLBControl), 0x5c},
		{"Control.ExitCode", unsafe.Offsetof(v.Control.ExitCode), 0x70},
		{"Control.NPEnable", unsafe.Offsetof(v.Control.NPEnable), 0x90},
		{"Control.NCR3", unsafe.Offsetof(v.Control.NCR3), 0xb0},
		{"Control.VMCBClean", unsafe.Offsetof(v.Control.VMCBClean), 0xc0},
		{"Control.NRIP", unsafe.Offsetof(v.Control.NRIP), 0xc8},
		{"Control.AVICBackingPage", unsafe.Offsetof(v.Control.AVICBackingPage), 0xe0},
		{"Control.VMSAPointer", unsafe.Offsetof(v.Control.VMSAPointer), 0x108},
		{"Save", unsafe.Offsetof(v.Save), 0x400},
		{"Save.TR", unsafe.Offsetof(v.Save.TR), 0x90},
		{"Save.CPL", unsafe.Offsetof(v.Save.CPL), 0xcb},
		{"Save.EFER", unsafe.Offsetof(v.Save.EFER), 0xd0},
		{"Save.CR4", unsafe.Offsetof(v.Save.CR4), 0x148},
		{"Save.RIP", unsafe.Offsetof(v.Save.RIP), 0x178},
		{"Save.RSP", unsafe.Offsetof(v.Save.RSP), 0x1d8},
		{"Save.RAX", unsafe.Offsetof(v.Save.RAX), 0x1f8},
		{"Save.CR2", unsafe.Offsetof(v.Save.CR2), 0x240},
		{"Save.GPAT", unsafe.Offsetof(v.Save.GPAT), 0x268},
		{"Save.LastExcpTo", unsafe.Offsetof(v.Save.LastExcpTo), 0x290},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %#x, want %#x", tt.name, tt.got, tt.want)
		}
	}
	if off := unsafe.Offsetof(v.Save) + unsafe.Offsetof(v.Save.RIP); off != 0x578 {
		t.Errorf("guest RIP at %#x, want 0x578", off)
	}
}

func TestSegmentFromGDT(t *testing.T) {
	ctx := kernelContext()
	tests := []struct {
		name string
		sel  uint16
		want Segment
	}{
		{"null", 0, Segment{}},
		{"null rpl3", 3, Segment{Selector: 3}},
		{"kernel cs", 0x10, Segment{Selector: 0x10, Attrib: 0xa9b, Limit: 0xffffffff}},
		{"kernel ds", 0x18, Segment{Selector: 0x18, Attrib: 0xc93, Limit: 0xffffffff}},
		{"user cs", 0x33, Segment{Selector: 0x33, Attrib: 0xafb, Limit: 0xffffffff}},
		{"tss", 0x40, Segment{Selector: 0x40, Attrib: 0x089, Limit: 0x4087, Base: 0xfffffe0000003000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SegmentFromGDT(ctx.GDT, ctx.GDTR, tt.sel)
			if err != nil {
				t.Fatalf("SegmentFromGDT(%#x) error = %v", tt.sel, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("SegmentFromGDT(%#x) mismatch (-want +got):\n%s", tt.sel, diff)
			}
		})
	}

	for _, sel := range []uint16{0x48 + 0x08, 0x0c, 0x100} {
		if _, err := SegmentFromGDT(ctx.GDT, ctx.GDTR, sel); err == nil {
			t.Errorf("SegmentFromGDT(%#x) succeeded", sel)
		}
	}
}

func TestAttribute(t *testing.T) {
	cs := AttributeFromDescriptor(0x00af9b000000ffff)
	if !cs.Present() || !cs.IsCode() || !cs.Long() || cs.DefaultBig() || cs.DPL() != 0 || !cs.Granularity() {
		t.Errorf("kernel cs attribute decoded as %s", cs)
	}
	user := AttributeFromDescriptor(0x00cff3000000ffff)
	if user.IsCode() || user.DPL() != 3 || !user.DefaultBig() {
		t.Errorf("user ds attribute decoded as %s", user)
	}
	tss := AttributeFromDescriptor(0x0000890000004087)
	if tss.CodeOrData() || tss.Type() != 0x9 {
		t.Errorf("tss attribute decoded as %s", tss)
	}
}

func newConfigured(t *testing.T) (*VcpuState, *cpu.Context, *testMemory) {
	t.Helper()
	mem := newTestMemory()
	state, err := NewVcpuState(mem)
	if err != nil {
		t.Fatalf("NewVcpuState() error = %v", err)
	}
	maps, err := NewMaps(mem)
	if err != nil {
		t.Fatalf("NewMaps() error = %v", err)
	}
	ctx := kernelContext()
	p := Params{ASID: 1, NCR3: 0x7f000000, Intercepts: DefaultInterceptPolicy(), Maps: maps}
	if err := Configure(state, ctx, p); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	return state, ctx, mem
}

func TestConfigureMirrorsContext(t *testing.T) {
	state, ctx, _ := newConfigured(t)
	s := state.Guest.Save

	if s.RIP != ctx.RIP || s.RSP != ctx.RSP || s.RAX != ctx.RAX || s.RFLAGS != ctx.RFLAGS {
		t.Errorf("save area registers = rip %#x rsp %#x rax %#x rflags %#x", s.RIP, s.RSP, s.RAX, s.RFLAGS)
	}
	if s.CR0 != ctx.CR0 || s.CR3 != ctx.CR3 || s.CR4 != ctx.CR4 || s.DR7 != ctx.DR7 {
		t.Error("control registers not copied")
	}
	if s.EFER != ctx.EFER|cpu.EFERSVME {
		t.Errorf("EFER = %#x, want %#x", s.EFER, ctx.EFER|cpu.EFERSVME)
	}
	if s.CPL != 0 {
		t.Errorf("CPL = %d, want 0", s.CPL)
	}
	if s.CS.Attrib != 0xa9b || s.SS.Attrib != 0xc93 {
		t.Errorf("cs/ss attributes = %#x/%#x", s.CS.Attrib, s.SS.Attrib)
	}
	if s.GS.Base != ctx.GSBase || s.KernelGSBase != ctx.KernelGSBase || s.GPAT != ctx.PAT {
		t.Error("MSR state not copied")
	}
	if s.GDTR.Base != ctx.GDTR.Base || s.GDTR.Limit != uint32(ctx.GDTR.Limit) {
		t.Errorf("GDTR = %+v", s.GDTR)
	}

	var regs cpu.Registers
	s.Resume(&regs)
	if regs.RIP != ctx.RIP || regs.RSP != ctx.RSP {
		t.Errorf("Resume() = %+v", regs)
	}

	c := state.Guest.Control
	if c.InterceptMisc2&InterceptVMRUN == 0 {
		t.Error("VMRUN intercept not set")
	}
	if c.NPEnable != NPEnableNested || c.NCR3 != 0x7f000000 || c.GuestASID != 1 {
		t.Errorf("control = np %#x ncr3 %#x asid %d", c.NPEnable, c.NCR3, c.GuestASID)
	}
	if c.MSRPMBasePA == 0 || c.MSRPMBasePA&(pageSize-1) != 0 {
		t.Errorf("MSRPMBasePA = %#x", c.MSRPMBasePA)
	}
}

func TestConfigureForcesVMRUNIntercept(t *testing.T) {
	state, err := NewVcpuState(newTestMemory())
	if err != nil {
		t.Fatal(err)
	}
	if err := Configure(state, kernelContext(), Params{ASID: 1}); err != nil {
		t.Fatal(err)
	}
	if state.Guest.Control.InterceptMisc2&InterceptVMRUN == 0 {
		t.Error("VMRUN intercept not forced")
	}
	if state.Guest.Control.NPEnable != 0 {
		t.Error("nested paging enabled without nCR3")
	}
	if err := Configure(state, kernelContext(), Params{ASID: 1, Intercepts: DefaultInterceptPolicy()}); err == nil {
		t.Error("Configure with MSR protection and no maps succeeded")
	}
}

func TestValidateConfigured(t *testing.T) {
	state, _, _ := newConfigured(t)
	if err := Validate(state.Guest); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if !IsReadyForEntry(state, 0xa9b) {
		t.Error("IsReadyForEntry() = false for a consistent state")
	}
	if IsReadyForEntry(state, 0xc9b) {
		t.Error("IsReadyForEntry() = true with mismatched cs attributes")
	}
	if IsReadyForEntry(nil, 0xa9b) {
		t.Error("IsReadyForEntry(nil) = true")
	}
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(v *VMCB)
		rule   string
	}{
		{"svme clear", func(v *VMCB) { v.Save.EFER &^= cpu.EFERSVME }, "EFER.SVME is zero"},
		{"efer reserved", func(v *VMCB) { v.Save.EFER |= 1 << 40 }, "EFER reserved bits set"},
		{"nw without cd", func(v *VMCB) { v.Save.CR0 = v.Save.CR0&^cpu.CR0CD | cpu.CR0NW }, "CR0.CD is zero and CR0.NW is set"},
		{"cr0 upper", func(v *VMCB) { v.Save.CR0 |= 1 << 33 }, "CR0[63:32] not zero"},
		{"cr3 reserved", func(v *VMCB) { v.Save.CR3 |= 1 << 60 }, "CR3 reserved bits set"},
		{"cr4 reserved", func(v *VMCB) { v.Save.CR4 |= 1 << 40 }, "CR4 reserved bits set"},
		{"dr6 upper", func(v *VMCB) { v.Save.DR6 |= 1 << 32 }, "DR6[63:32] not zero"},
		{"dr7 upper", func(v *VMCB) { v.Save.DR7 |= 1 << 63 }, "DR7[63:32] not zero"},
		{"long mode without pae", func(v *VMCB) { v.Save.CR4 &^= cpu.CR4PAE }, "EFER.LME and CR0.PG set without CR4.PAE"},
		{"long mode without pe", func(v *VMCB) { v.Save.CR0 &^= cpu.CR0PE }, "EFER.LME and CR0.PG set without CR0.PE"},
		{"cs l and d", func(v *VMCB) { v.Save.CS.Attrib |= attrDB }, "EFER.LME, CR0.PG, CR4.PAE, CS.L and CS.D all set"},
		{"vmrun intercept", func(v *VMCB) { v.Control.InterceptMisc2 &^= InterceptVMRUN }, "VMRUN intercept clear"},
		{"asid zero", func(v *VMCB) { v.Control.GuestASID = 0 }, "ASID is zero"},
		{"ncr3 unaligned", func(v *VMCB) { v.Control.NCR3 |= 0x10 }, "nested paging enabled with an unaligned or zero nCR3"},
		{"cs not present", func(v *VMCB) { v.Save.CS.Attrib &^= attrP }, "CS not present"},
		{"cs is data", func(v *VMCB) { v.Save.CS.Attrib &^= attrTypeExe }, "CS is not a code segment"},
		{"cs dpl", func(v *VMCB) { v.Save.CS.Attrib |= 3 << 5 }, "CS.DPL inconsistent with CPL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, _, _ := newConfigured(t)
			tt.mutate(state.Guest)
			err := Validate(state.Guest)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			found := false
			for _, v := range verr.Violations {
				if v == tt.rule {
					found = true
				}
			}
			if !found {
				t.Errorf("violations %q do not include %q", verr.Violations, tt.rule)
			}
			if !strings.Contains(err.Error(), tt.rule) {
				t.Errorf("Error() = %q", err)
			}
			if IsReadyForEntry(state, state.Guest.Save.CS.Attrib) {
				t.Error("IsReadyForEntry() = true for an invalid state")
			}
		})
	}
}

func TestNewVcpuStateReleasesOnFailure(t *testing.T) {
	for failAt := 0; failAt < 3; failAt++ {
		mem := newTestMemory()
		mem.failAt = failAt
		if _, err := NewVcpuState(mem); !errors.Is(err, errOutOfMemory) {
			t.Errorf("failAt=%d: error = %v", failAt, err)
		}
		if len(mem.live) != 0 {
			t.Errorf("failAt=%d: %d blocks leaked", failAt, len(mem.live))
		}
	}

	mem := newTestMemory()
	state, err := NewVcpuState(mem)
	if err != nil {
		t.Fatal(err)
	}
	if state.GuestPhys == state.HostPhys || state.HostPhys == state.HostSavePhys {
		t.Error("vcpu pages share a physical address")
	}
	if err := state.Release(); err != nil {
		t.Fatal(err)
	}
	if len(mem.live) != 0 {
		t.Errorf("%d blocks live after Release", len(mem.live))
	}
}

func TestPermissionMaps(t *testing.T) {
	maps, err := NewMaps(newTestMemory())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		msr         uint32
		read, write bool
		byteOff     int
	}{
		{cpu.MSRSysenterCS, true, false, 0x174 / 4},
		{cpu.MSREFER, false, true, 0x800 + 0x80/4},
		{cpu.MSRVMHsavePA, true, true, 0x1000 + 0x117/4},
	}
	for _, tt := range tests {
		if err := maps.InterceptMSR(tt.msr, tt.read, tt.write); err != nil {
			t.Fatalf("InterceptMSR(%#x) error = %v", tt.msr, err)
		}
		r, w := maps.MSRIntercepted(tt.msr)
		if r != tt.read || w != tt.write {
			t.Errorf("MSRIntercepted(%#x) = %v, %v", tt.msr, r, w)
		}
		if maps.MSRPM[tt.byteOff] == 0 {
			t.Errorf("msr %#x: byte %#x of the map is clear", tt.msr, tt.byteOff)
		}
	}
	if err := maps.InterceptMSR(0x40000000, true, true); !errors.Is(err, ErrMSROutOfRange) {
		t.Errorf("InterceptMSR(0x40000000) error = %v", err)
	}

	maps.InterceptPort(0xcf8, true)
	if !maps.PortIntercepted(0xcf8) || maps.PortIntercepted(0xcfc) {
		t.Error("port intercept bits wrong")
	}
	if err := maps.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestSetNestedRoot(t *testing.T) {
	var v VMCB
	v.Control.VMCBClean = ^uint64(0)
	v.SetNestedRoot(0x5000)
	if v.Control.NCR3 != 0x5000 || v.Control.VMCBClean&CleanNP != 0 || v.Control.TLBControl != TLBControlFlushGuest {
		t.Errorf("SetNestedRoot left control = ncr3 %#x clean %#x tlb %d", v.Control.NCR3, v.Control.VMCBClean, v.Control.TLBControl)
	}
}
