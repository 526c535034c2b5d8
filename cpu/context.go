package cpu

// Registers is the general purpose register file plus instruction pointer,
// stack pointer and flags.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Selectors holds the segment selector registers.
type Selectors struct {
	CS, DS, ES, FS, GS, SS, TR, LDTR uint16
}

// DescriptorTable is the value of GDTR or IDTR.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// Context is the host execution state captured on one processor right
// before it is turned into a guest. The guest save state area is built
// from it and must reproduce it exactly.
type Context struct {
	Registers
	Selectors

	GDTR DescriptorTable
	IDTR DescriptorTable
	// GDT is a snapshot of the descriptor table GDTR points at, one raw
	// 8 byte descriptor per slot.
	GDT []uint64

	CR0, CR2, CR3, CR4 uint64
	DR6, DR7           uint64

	EFER         uint64
	PAT          uint64
	STAR         uint64
	LSTAR        uint64
	CSTAR        uint64
	SFMASK       uint64
	FSBase       uint64
	GSBase       uint64
	KernelGSBase uint64
	SysenterCS   uint64
	SysenterESP  uint64
	SysenterEIP  uint64
	DebugCtl     uint64
}

// Clone returns a deep copy of c.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.GDT = append([]uint64(nil), c.GDT...)
	return &out
}
