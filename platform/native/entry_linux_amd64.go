package native

import "github.com/blacktop/go-svm/cpu"

// CaptureContext implements cpu.Capturer. A process cannot read the control
// or descriptor table registers of the kernel it would turn into a guest,
// nor resume that kernel's frame after VMRUN.
func (m *Machine) CaptureContext() (*cpu.Context, error) {
	return nil, cpu.ErrRequiresRing0
}

// Launch implements cpu.Launcher. VMRUN faults outside ring 0 and nothing
// in this process could service the #VMEXIT that follows an entry.
func (m *Machine) Launch(uint64) (cpu.EntryOutcome, error) {
	return cpu.EntryRejected, cpu.ErrRequiresRing0
}
