// Package vmcb defines the Virtual Machine Control Block, builds it from a
// captured host context and checks it against the consistency rules VMRUN
// enforces.
//
// Layouts follow AMD APM Vol 2, Appendix B (Tables B-1 and B-2).
package vmcb

// Segment is a VMCB segment register (struct vmcb_seg).
type Segment struct {
	Selector uint16
	Attrib   Attribute
	Limit    uint32
	Base     uint64
}

// ControlArea is the first 0x400 bytes of the VMCB.
type ControlArea struct {
	InterceptCR         uint32 // 0x000: reads in bits 0-15, writes in 16-31
	InterceptDR         uint32 // 0x004
	InterceptExceptions uint32 // 0x008
	InterceptMisc1      uint32 // 0x00C
	InterceptMisc2      uint32 // 0x010
	InterceptMisc3      uint32 // 0x014
	_                   [0x3C - 0x18]byte
	PauseFilterThresh   uint16 // 0x03C
	PauseFilterCount    uint16 // 0x03E
	IOPMBasePA          uint64 // 0x040
	MSRPMBasePA         uint64 // 0x048
	TSCOffset           uint64 // 0x050
	GuestASID           uint32 // 0x058
	TLBControl          uint8  // 0x05C
	_                   [3]byte
	VIntr               uint64 // 0x060
	InterruptShadow     uint64 // 0x068
	ExitCode            uint64 // 0x070
	ExitInfo1           uint64 // 0x078
	ExitInfo2           uint64 // 0x080
	ExitIntInfo         uint64 // 0x088
	NPEnable            uint64 // 0x090
	AVICAPICBar         uint64 // 0x098
	GHCBPA              uint64 // 0x0A0
	EventInj            uint64 // 0x0A8
	NCR3                uint64 // 0x0B0
	LBRVirtEnable       uint64 // 0x0B8
	VMCBClean           uint64 // 0x0C0
	NRIP                uint64 // 0x0C8
	NumBytesFetched     uint8  // 0x0D0
	GuestInstrBytes     [15]byte
	AVICBackingPage     uint64 // 0x0E0
	_                   uint64
	AVICLogicalTable    uint64 // 0x0F0
	AVICPhysicalTable   uint64 // 0x0F8
	_                   uint64
	VMSAPointer         uint64 // 0x108
	_                   [0x400 - 0x110]byte
}

// SaveStateArea is the guest state portion of the VMCB, at offset 0x400.
type SaveStateArea struct {
	ES   Segment // 0x000
	CS   Segment
	SS   Segment
	DS   Segment
	FS   Segment
	GS   Segment
	GDTR Segment
	LDTR Segment
	IDTR Segment
	TR   Segment

	_    [0xCB - 0xA0]byte
	CPL  uint8 // 0x0CB
	_    [4]byte
	EFER uint64 // 0x0D0
	_    [0x148 - 0xD8]byte

	CR4    uint64 // 0x148
	CR3    uint64
	CR0    uint64
	DR7    uint64
	DR6    uint64
	RFLAGS uint64
	RIP    uint64 // 0x178
	_      [0x1D8 - 0x180]byte
	RSP    uint64 // 0x1D8
	_      [0x1F8 - 0x1E0]byte

	RAX          uint64 // 0x1F8
	STAR         uint64
	LSTAR        uint64
	CSTAR        uint64
	SFMASK       uint64
	KernelGSBase uint64
	SysenterCS   uint64
	SysenterESP  uint64
	SysenterEIP  uint64
	CR2          uint64 // 0x240
	_            [0x268 - 0x248]byte
	GPAT         uint64 // 0x268
	DbgCtl       uint64
	BrFrom       uint64
	BrTo         uint64
	LastExcpFrom uint64
	LastExcpTo   uint64
	_            [0xC00 - 0x298]byte
}

// VMCB is the full 4 KiB control block.
type VMCB struct {
	Control ControlArea
	Save    SaveStateArea
}

// Size is the size of a VMCB and of the host save area.
const Size = 0x1000

// InterceptMisc1 bits.
const (
	InterceptIntr       uint32 = 1 << 0
	InterceptNMI        uint32 = 1 << 1
	InterceptSMI        uint32 = 1 << 2
	InterceptInit       uint32 = 1 << 3
	InterceptCPUID      uint32 = 1 << 18
	InterceptHLT        uint32 = 1 << 24
	InterceptINVLPG     uint32 = 1 << 25
	InterceptINVLPGA    uint32 = 1 << 26
	InterceptIOIOProt   uint32 = 1 << 27
	InterceptMSRProt    uint32 = 1 << 28
	InterceptTaskSwitch uint32 = 1 << 29
	InterceptShutdown   uint32 = 1 << 31
)

// InterceptMisc2 bits.
const (
	InterceptVMRUN   uint32 = 1 << 0
	InterceptVMMCALL uint32 = 1 << 1
	InterceptVMLOAD  uint32 = 1 << 2
	InterceptVMSAVE  uint32 = 1 << 3
	InterceptSTGI    uint32 = 1 << 4
	InterceptCLGI    uint32 = 1 << 5
	InterceptSKINIT  uint32 = 1 << 6
	InterceptXSETBV  uint32 = 1 << 13
)

// Exception vectors used in InterceptExceptions.
const (
	ExceptionDB = 1
	ExceptionBP = 3
	ExceptionUD = 6
	ExceptionPF = 14
)

// NPEnable bits.
const (
	NPEnableNested uint64 = 1 << 0
)

// VMCB clean bits.
const (
	CleanIntercepts uint64 = 1 << 0
	CleanIOPM       uint64 = 1 << 1
	CleanASID       uint64 = 1 << 2
	CleanTPR        uint64 = 1 << 3
	CleanNP         uint64 = 1 << 4
	CleanCRx        uint64 = 1 << 5
	CleanDRx        uint64 = 1 << 6
	CleanDT         uint64 = 1 << 7
	CleanSeg        uint64 = 1 << 8
	CleanCR2        uint64 = 1 << 9
	CleanLBR        uint64 = 1 << 10
	CleanAVIC       uint64 = 1 << 11
)

// TLB control values.
const (
	TLBControlDoNothing   uint8 = 0
	TLBControlFlushAll    uint8 = 1
	TLBControlFlushGuest  uint8 = 3
	TLBControlFlushNonGlb uint8 = 7
)

// ExitInvalid is the exit code VMRUN reports for an illegal guest state.
const ExitInvalid = ^uint64(0)

// SetNestedRoot points the control block at another nested page table
// root and marks the nested paging state dirty so the next VMRUN reloads it.
func (v *VMCB) SetNestedRoot(ncr3 uint64) {
	v.Control.NCR3 = ncr3
	v.Control.VMCBClean &^= CleanNP
	v.Control.TLBControl = TLBControlFlushGuest
}
