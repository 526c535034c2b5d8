package vmcb

import (
	"fmt"
	"strings"

	"github.com/blacktop/go-svm/cpu"
)

const (
	eferMBZ = ^uint64(1<<22 - 1) | 1<<9 | 0xFE
	cr3MBZ  = ^uint64(1<<52 - 1)
	cr4MBZ  = ^uint64(1<<32 - 1)
	upper32 = ^uint64(1<<32 - 1)
)

// rule is one of the VMRUN consistency checks (AMD APM Vol 2, 15.5.1) plus
// the code segment checks the processor applies while loading CS.
type rule struct {
	name  string
	check func(v *VMCB) bool // true when the rule is violated
}

var rules = []rule{
	{"EFER.SVME is zero", func(v *VMCB) bool {
		return v.Save.EFER&cpu.EFERSVME == 0
	}},
	{"EFER reserved bits set", func(v *VMCB) bool {
		return v.Save.EFER&eferMBZ != 0
	}},
	{"CR0.CD is zero and CR0.NW is set", func(v *VMCB) bool {
		return v.Save.CR0&cpu.CR0CD == 0 && v.Save.CR0&cpu.CR0NW != 0
	}},
	{"CR0[63:32] not zero", func(v *VMCB) bool {
		return v.Save.CR0&upper32 != 0
	}},
	{"CR3 reserved bits set", func(v *VMCB) bool {
		return v.Save.CR3&cr3MBZ != 0
	}},
	{"CR4 reserved bits set", func(v *VMCB) bool {
		return v.Save.CR4&cr4MBZ != 0
	}},
	{"DR6[63:32] not zero", func(v *VMCB) bool {
		return v.Save.DR6&upper32 != 0
	}},
	{"DR7[63:32] not zero", func(v *VMCB) bool {
		return v.Save.DR7&upper32 != 0
	}},
	{"EFER.LME and CR0.PG set without CR4.PAE", func(v *VMCB) bool {
		return longPaging(v) && v.Save.CR4&cpu.CR4PAE == 0
	}},
	{"EFER.LME and CR0.PG set without CR0.PE", func(v *VMCB) bool {
		return longPaging(v) && v.Save.CR0&cpu.CR0PE == 0
	}},
	{"EFER.LME, CR0.PG, CR4.PAE, CS.L and CS.D all set", func(v *VMCB) bool {
		return longPaging(v) && v.Save.CR4&cpu.CR4PAE != 0 &&
			v.Save.CS.Attrib.Long() && v.Save.CS.Attrib.DefaultBig()
	}},
	{"VMRUN intercept clear", func(v *VMCB) bool {
		return v.Control.InterceptMisc2&InterceptVMRUN == 0
	}},
	{"ASID is zero", func(v *VMCB) bool {
		return v.Control.GuestASID == 0
	}},
	{"nested paging enabled with an unaligned or zero nCR3", func(v *VMCB) bool {
		return v.Control.NPEnable&NPEnableNested != 0 &&
			(v.Control.NCR3 == 0 || v.Control.NCR3&(pageSize-1) != 0)
	}},
	{"CS not present", func(v *VMCB) bool {
		return v.Save.CR0&cpu.CR0PE != 0 && !v.Save.CS.Attrib.Present()
	}},
	{"CS is not a code segment", func(v *VMCB) bool {
		return v.Save.CR0&cpu.CR0PE != 0 && !v.Save.CS.Attrib.IsCode()
	}},
	{"CS.DPL inconsistent with CPL", func(v *VMCB) bool {
		if v.Save.CR0&cpu.CR0PE == 0 || !v.Save.CS.Attrib.IsCode() {
			return false
		}
		dpl := v.Save.CS.Attrib.DPL()
		if v.Save.CS.Attrib.Type()&0x4 != 0 { // conforming
			return dpl > v.Save.CPL
		}
		return dpl != v.Save.CPL
	}},
}

func longPaging(v *VMCB) bool {
	return v.Save.EFER&cpu.EFERLME != 0 && v.Save.CR0&cpu.CR0PG != 0
}

// ValidationError lists every consistency rule a control block breaks.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("vmcb: illegal guest state: %s", strings.Join(e.Violations, "; "))
}

// Validate applies the checks VMRUN performs before it loads guest state.
// It returns a *ValidationError naming each broken rule, or nil.
func Validate(v *VMCB) error {
	if v == nil {
		return &ValidationError{Violations: []string{"no control block"}}
	}
	var out []string
	for _, r := range rules {
		if r.check(v) {
			out = append(out, r.name)
		}
	}
	if len(out) > 0 {
		return &ValidationError{Violations: out}
	}
	return nil
}

// IsReadyForEntry reports whether state may be handed to VMRUN. cs is the
// code segment attribute decoded from the live descriptor table; it must
// match what was written into the save area.
func IsReadyForEntry(state *VcpuState, cs Attribute) bool {
	if state == nil || state.Guest == nil {
		return false
	}
	if state.Guest.Save.CS.Attrib != cs {
		return false
	}
	return Validate(state.Guest) == nil
}
