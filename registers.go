package svm

import (
	"fmt"

	"github.com/blacktop/go-svm/cpu"
)

// Reg names a register of cpu.Registers.
type Reg int

const (
	RegRAX Reg = iota
	RegRBX
	RegRCX
	RegRDX
	RegRSI
	RegRDI
	RegRBP
	RegRSP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRIP
	RegRFLAGS
)

var regNames = [...]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "rflags",
}

func (r Reg) String() string {
	if r < RegRAX || r > RegRFLAGS {
		return fmt.Sprintf("reg(%d)", int(r))
	}
	return regNames[r]
}

// GetReg returns register r of regs.
func GetReg(regs *cpu.Registers, r Reg) (uint64, error) {
	switch r {
	case RegRAX:
		return regs.RAX, nil
	case RegRBX:
		return regs.RBX, nil
	case RegRCX:
		return regs.RCX, nil
	case RegRDX:
		return regs.RDX, nil
	case RegRSI:
		return regs.RSI, nil
	case RegRDI:
		return regs.RDI, nil
	case RegRBP:
		return regs.RBP, nil
	case RegRSP:
		return regs.RSP, nil
	case RegR8:
		return regs.R8, nil
	case RegR9:
		return regs.R9, nil
	case RegR10:
		return regs.R10, nil
	case RegR11:
		return regs.R11, nil
	case RegR12:
		return regs.R12, nil
	case RegR13:
		return regs.R13, nil
	case RegR14:
		return regs.R14, nil
	case RegR15:
		return regs.R15, nil
	case RegRIP:
		return regs.RIP, nil
	case RegRFLAGS:
		return regs.RFLAGS, nil
	default:
		return 0, fmt.Errorf("svm: invalid register %d (must be %d-%d)", r, RegRAX, RegRFLAGS)
	}
}

// RegBatch maps registers to values.
type RegBatch map[Reg]uint64

// GetRegs collects the registers named in rs.
func GetRegs(regs *cpu.Registers, rs []Reg) (RegBatch, error) {
	batch := make(RegBatch, len(rs))
	for _, r := range rs {
		v, err := GetReg(regs, r)
		if err != nil {
			return nil, err
		}
		batch[r] = v
	}
	return batch, nil
}

// DiffRegisters returns the registers whose values differ between want and
// got, in Reg order.
func DiffRegisters(want, got cpu.Registers) []Reg {
	var out []Reg
	for r := RegRAX; r <= RegRFLAGS; r++ {
		a, _ := GetReg(&want, r)
		b, _ := GetReg(&got, r)
		if a != b {
			out = append(out, r)
		}
	}
	return out
}

// RegisterReader is implemented by platforms that can observe the live
// register file of a core, which lets the bring-up check that entering the
// guest left the host state untouched.
type RegisterReader interface {
	Registers(core int) cpu.Registers
}
