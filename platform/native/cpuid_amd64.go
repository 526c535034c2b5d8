package native

// cpuid executes CPUID on the current processor.
func cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
