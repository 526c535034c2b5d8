package cpu

// Regs holds the output registers of a single CPUID query.
type Regs struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
}

// CPUID leaves consulted during bring-up.
const (
	LeafVendor           uint32 = 0x00000000
	LeafHypervisorVendor uint32 = 0x40000000
	LeafExtendedMax      uint32 = 0x80000000
	LeafExtendedFeatures uint32 = 0x80000001
	LeafSVMFeatures      uint32 = 0x8000000A
)

// Leaf 0x80000001 ECX.
const (
	ExtFeatureSVM uint32 = 1 << 2
)

// Leaf 0x8000000A EDX.
const (
	SVMFeatureNestedPaging uint32 = 1 << 0
	SVMFeatureLbrVirt      uint32 = 1 << 1
	SVMFeatureSVML         uint32 = 1 << 2
	SVMFeatureNRIPSave     uint32 = 1 << 3
)

// Model specific registers.
const (
	MSRSysenterCS   uint32 = 0x00000174
	MSRSysenterESP  uint32 = 0x00000175
	MSRSysenterEIP  uint32 = 0x00000176
	MSRDebugCtl     uint32 = 0x000001D9
	MSRPAT          uint32 = 0x00000277
	MSREFER         uint32 = 0xC0000080
	MSRSTAR         uint32 = 0xC0000081
	MSRLSTAR        uint32 = 0xC0000082
	MSRCSTAR        uint32 = 0xC0000083
	MSRSFMASK       uint32 = 0xC0000084
	MSRFSBase       uint32 = 0xC0000100
	MSRGSBase       uint32 = 0xC0000101
	MSRKernelGSBase uint32 = 0xC0000102
	MSRVMCR         uint32 = 0xC0010114
	MSRVMHsavePA    uint32 = 0xC0010117
)

// EFER bits.
const (
	EFERSCE   uint64 = 1 << 0
	EFERLME   uint64 = 1 << 8
	EFERLMA   uint64 = 1 << 10
	EFERNXE   uint64 = 1 << 11
	EFERSVME  uint64 = 1 << 12
	EFERLMSLE uint64 = 1 << 13
	EFERFFXSR uint64 = 1 << 14
	EFERTCE   uint64 = 1 << 15
)

// VM_CR bits.
const (
	VMCRLock   uint64 = 1 << 3
	VMCRSVMDis uint64 = 1 << 4
)

// Control register bits.
const (
	CR0PE uint64 = 1 << 0
	CR0WP uint64 = 1 << 16
	CR0NW uint64 = 1 << 29
	CR0CD uint64 = 1 << 30
	CR0PG uint64 = 1 << 31

	CR4PAE uint64 = 1 << 5
)

// Vendor returns the 12 byte vendor identification string of leaf 0.
func (r Regs) Vendor() string {
	b := make([]byte, 0, 12)
	for _, v := range []uint32{r.EBX, r.EDX, r.ECX} {
		b = append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	return string(b)
}

// IsAMD reports whether the vendor string belongs to a processor that
// implements SVM.
func IsAMD(vendor string) bool {
	return vendor == "AuthenticAMD" || vendor == "HygonGenuine"
}
