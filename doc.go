// Package svm moves a running AMD64 kernel into guest mode under a thin
// hypervisor built on AMD Secure Virtual Machine (SVM) with nested paging.
//
// Every logical processor keeps executing exactly where it was: the
// bring-up captures the core's supervisor context, writes it into a guest
// Virtual Machine Control Block (VMCB) and issues VMRUN, after which the
// same code continues as a guest with host state preserved. Guest
// physical memory is identity mapped through four nested page table views
// (primary, noexecute, sandbox and sandbox single step) that the exit
// handler switches between to hide hooks and confine sandboxed code.
//
// # Requirements
//
//   - AMD processor with SVM (CPUID 0x80000001 ECX[2])
//   - SVM not disabled by firmware (VM_CR.SVMDIS clear)
//   - Nested paging (CPUID 0x8000000A EDX[0])
//   - Supervisor privilege for context capture and VMRUN; user space
//     builds get ErrRequiresRing0 from those steps
//
// # Basic Usage
//
// Check if the machine can host the hypervisor:
//
//	supported, err := svm.Supported()
//	if err != nil || !supported {
//		log.Fatal("SVM not available on this system")
//	}
//
// Initialize once per process, then virtualize every core:
//
//	m, err := native.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	hv, err := svm.Initialize(svm.DefaultConfig(), m)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer hv.Close()
//
//	ok, err := hv.VirtualizeAllProcessors()
//	if err != nil {
//		log.WithError(err).Warn("some cores were not virtualized")
//	}
//	for _, s := range hv.Slots() {
//		fmt.Printf("core %d: virtualized=%v view=%s\n", s.Core, s.Virtualized, s.View)
//	}
//
// VirtualizeAllProcessors may be called again; cores that already run as
// guests are skipped.
//
// # Error Handling
//
// Bring-up failures are SVMError values carrying an SVM_* code and compare
// with errors.Is against the Err* sentinels. Per-core failures do not stop
// the other cores; each is recorded in the core's slot (see
// ProcessorSlot.Diagnostic) and joined into the returned error.
//
// # Testing
//
// The platform/sim package models a multi-core AMD machine, including the
// checks VMRUN makes, so the whole bring-up runs in ordinary unit tests.
package svm
