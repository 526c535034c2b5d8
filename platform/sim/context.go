package sim

import "github.com/blacktop/go-svm/cpu"

const (
	gdtBase = 0xfffffe0000001000
	idtBase = 0xfffffe0000000000
	tssBase = 0xfffffe0000003000
)

// Selectors of the Linux x86-64 GDT layout.
const (
	KernelCS uint16 = 0x10
	KernelDS uint16 = 0x18
	UserCS   uint16 = 0x33
	TSS      uint16 = 0x40
)

func tssDescriptor(base uint64, limit uint32) (lo, hi uint64) {
	lo = uint64(limit&0xFFFF) |
		(base&0xFFFFFF)<<16 |
		uint64(0x89)<<40 |
		uint64((limit>>16)&0xF)<<48 |
		((base>>24)&0xFF)<<56
	return lo, base >> 32
}

// KernelContext returns a 64-bit ring 0 context running on regs with the
// descriptor tables and control registers of a typical Linux kernel.
func KernelContext(regs cpu.Registers) *cpu.Context {
	tssLo, tssHi := tssDescriptor(tssBase, 0x4087)
	gdt := []uint64{
		0,
		0x00cf9b000000ffff, // kernel32 cs
		0x00af9b000000ffff, // kernel cs
		0x00cf93000000ffff, // kernel ds
		0x00cffb000000ffff, // user32 cs
		0x00cff3000000ffff, // user ds
		0x00affb000000ffff, // user cs
		0,
		tssLo, tssHi,
	}
	return &cpu.Context{
		Registers: regs,
		Selectors: cpu.Selectors{CS: KernelCS, SS: KernelDS, TR: TSS},
		GDTR:      cpu.DescriptorTable{Base: gdtBase, Limit: uint16(len(gdt)*8 - 1)},
		IDTR:      cpu.DescriptorTable{Base: idtBase, Limit: 0xfff},
		GDT:       gdt,
		CR0:       0x80050033,
		CR3:       0x10a4c000,
		CR4:       0x3506f0,
		DR6:       0xfffe0ff0,
		DR7:       0x400,
	}
}
