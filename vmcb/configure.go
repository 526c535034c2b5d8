package vmcb

import (
	"errors"
	"fmt"

	"github.com/blacktop/go-svm/cpu"
)

// MSRIntercept selects which accesses to one MSR cause a VM exit.
type MSRIntercept struct {
	MSR   uint32 `yaml:"msr" json:"msr"`
	Read  bool   `yaml:"read" json:"read"`
	Write bool   `yaml:"write" json:"write"`
}

// InterceptPolicy lists the events the exit handler wants to see. The
// VMRUN intercept is always added because the processor refuses to run a
// guest without it.
type InterceptPolicy struct {
	Misc1      uint32
	Misc2      uint32
	Exceptions uint32
	MSRs       []MSRIntercept
}

// DefaultInterceptPolicy intercepts CPUID, VMMCALL, breakpoints, debug
// traps and EFER writes, which is what view switching and hypercalls need.
func DefaultInterceptPolicy() InterceptPolicy {
	return InterceptPolicy{
		Misc1:      InterceptCPUID | InterceptMSRProt,
		Misc2:      InterceptVMRUN | InterceptVMMCALL,
		Exceptions: 1<<ExceptionBP | 1<<ExceptionDB,
		MSRs: []MSRIntercept{
			{MSR: cpu.MSREFER, Read: false, Write: true},
		},
	}
}

// Params are the per-core control area settings that do not come from the
// captured context.
type Params struct {
	ASID       uint32
	NCR3       uint64
	Intercepts InterceptPolicy
	// Maps backs the MSR and I/O protection intercepts. It may be nil when
	// neither is requested.
	Maps *Maps
}

// Configure populates the guest VMCB of state so that VMRUN resumes exactly
// at ctx, and fills the control area from p. The host VMCB and host save
// area are left to the processor.
func Configure(state *VcpuState, ctx *cpu.Context, p Params) error {
	if state == nil || state.Guest == nil {
		return errors.New("vmcb: configure on released vcpu state")
	}
	if ctx == nil {
		return errors.New("vmcb: configure without a captured context")
	}
	g := state.Guest
	*g = VMCB{}

	if err := configureSave(&g.Save, ctx); err != nil {
		return err
	}

	c := &g.Control
	c.InterceptMisc1 = p.Intercepts.Misc1
	c.InterceptMisc2 = p.Intercepts.Misc2 | InterceptVMRUN
	c.InterceptExceptions = p.Intercepts.Exceptions
	if c.InterceptMisc1&(InterceptMSRProt|InterceptIOIOProt) != 0 {
		if p.Maps == nil {
			return errors.New("vmcb: msr or io protection requested without permission maps")
		}
		for _, mi := range p.Intercepts.MSRs {
			if err := p.Maps.InterceptMSR(mi.MSR, mi.Read, mi.Write); err != nil {
				return err
			}
		}
		c.MSRPMBasePA = p.Maps.MSRPMPhys
		c.IOPMBasePA = p.Maps.IOPMPhys
	}
	if p.NCR3 != 0 {
		c.NPEnable = NPEnableNested
		c.NCR3 = p.NCR3
	}
	c.GuestASID = p.ASID
	c.TLBControl = TLBControlDoNothing
	c.VMCBClean = 0
	return nil
}

func configureSave(s *SaveStateArea, ctx *cpu.Context) error {
	segs := []struct {
		dst *Segment
		sel uint16
		reg string
	}{
		{&s.ES, ctx.ES, "es"},
		{&s.CS, ctx.CS, "cs"},
		{&s.SS, ctx.SS, "ss"},
		{&s.DS, ctx.DS, "ds"},
		{&s.FS, ctx.FS, "fs"},
		{&s.GS, ctx.GS, "gs"},
		{&s.TR, ctx.TR, "tr"},
		{&s.LDTR, ctx.LDTR, "ldtr"},
	}
	for _, sg := range segs {
		seg, err := SegmentFromGDT(ctx.GDT, ctx.GDTR, sg.sel)
		if err != nil {
			return fmt.Errorf("vmcb: decode %s: %w", sg.reg, err)
		}
		*sg.dst = seg
	}
	s.FS.Base = ctx.FSBase
	s.GS.Base = ctx.GSBase
	s.GDTR = Segment{Base: ctx.GDTR.Base, Limit: uint32(ctx.GDTR.Limit)}
	s.IDTR = Segment{Base: ctx.IDTR.Base, Limit: uint32(ctx.IDTR.Limit)}

	s.CPL = s.SS.Attrib.DPL()
	s.EFER = ctx.EFER | cpu.EFERSVME
	s.CR0, s.CR2, s.CR3, s.CR4 = ctx.CR0, ctx.CR2, ctx.CR3, ctx.CR4
	s.DR6, s.DR7 = ctx.DR6, ctx.DR7
	s.RFLAGS = ctx.RFLAGS
	s.RIP = ctx.RIP
	s.RSP = ctx.RSP
	s.RAX = ctx.RAX

	s.GPAT = ctx.PAT
	s.STAR = ctx.STAR
	s.LSTAR = ctx.LSTAR
	s.CSTAR = ctx.CSTAR
	s.SFMASK = ctx.SFMASK
	s.KernelGSBase = ctx.KernelGSBase
	s.SysenterCS = ctx.SysenterCS
	s.SysenterESP = ctx.SysenterESP
	s.SysenterEIP = ctx.SysenterEIP
	s.DbgCtl = ctx.DebugCtl
	return nil
}

// Resume overlays the registers VMRUN loads from the save area onto r. The
// remaining general purpose registers are untouched by a world switch.
func (s *SaveStateArea) Resume(r *cpu.Registers) {
	r.RIP = s.RIP
	r.RSP = s.RSP
	r.RAX = s.RAX
	r.RFLAGS = s.RFLAGS
}
