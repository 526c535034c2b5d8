package cpu

// Capabilities summarizes what the processor offers for SVM.
type Capabilities struct {
	Vendor       string `json:"vendor"`
	SVM          bool   `json:"svm"`
	Unlocked     bool   `json:"unlocked"`
	LockBit      bool   `json:"lock_bit"`
	NestedPaging bool   `json:"nested_paging"`
	NRIPSave     bool   `json:"nrip_save"`
	ASIDs        uint32 `json:"asids"`
	Revision     uint8  `json:"revision"`
}

// IsSvmSupported reports whether the processor implements SVM.
func IsSvmSupported(p Prober) bool {
	if !IsAMD(p.CPUID(LeafVendor, 0).Vendor()) {
		return false
	}
	if p.CPUID(LeafExtendedMax, 0).EAX < LeafExtendedFeatures {
		return false
	}
	return p.CPUID(LeafExtendedFeatures, 0).ECX&ExtFeatureSVM != 0
}

// IsSvmUnlocked reports whether firmware left SVM enabled, i.e. VM_CR.SVMDIS
// is clear. A failed MSR read counts as locked.
func IsSvmUnlocked(p Prober) bool {
	vmcr, err := p.ReadMSR(MSRVMCR)
	if err != nil {
		return false
	}
	return vmcr&VMCRSVMDis == 0
}

// IsNestedPagingSupported reports whether the processor can walk nested
// page tables.
func IsNestedPagingSupported(p Prober) bool {
	if p.CPUID(LeafExtendedMax, 0).EAX < LeafSVMFeatures {
		return false
	}
	return p.CPUID(LeafSVMFeatures, 0).EDX&SVMFeatureNestedPaging != 0
}

// Probe collects Capabilities. It has no side effects.
func Probe(p Prober) Capabilities {
	caps := Capabilities{
		Vendor: p.CPUID(LeafVendor, 0).Vendor(),
		SVM:    IsSvmSupported(p),
	}
	if !caps.SVM {
		return caps
	}
	caps.Unlocked = IsSvmUnlocked(p)
	caps.NestedPaging = IsNestedPagingSupported(p)
	if p.CPUID(LeafExtendedMax, 0).EAX >= LeafSVMFeatures {
		svm := p.CPUID(LeafSVMFeatures, 0)
		caps.Revision = uint8(svm.EAX)
		caps.ASIDs = svm.EBX
		caps.LockBit = svm.EDX&SVMFeatureSVML != 0
		caps.NRIPSave = svm.EDX&SVMFeatureNRIPSave != 0
	}
	return caps
}
