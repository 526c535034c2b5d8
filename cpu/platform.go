package cpu

import "errors"

// ErrRequiresRing0 is returned by platform operations that need supervisor
// privilege the calling process does not have.
var ErrRequiresRing0 = errors.New("cpu: operation requires ring 0")

// Prober answers identification queries on the current logical processor.
type Prober interface {
	CPUID(leaf, subleaf uint32) Regs
	ReadMSR(msr uint32) (uint64, error)
}

// MSRWriter writes model specific registers of the current logical processor.
type MSRWriter interface {
	WriteMSR(msr uint32, value uint64) error
}

// Scheduler controls which logical processor the calling thread runs on.
type Scheduler interface {
	// ActiveProcessorCount returns the number of active logical processors.
	ActiveProcessorCount() int
	// Pin restricts the calling thread to the processors in m and returns
	// the previous affinity.
	Pin(m Mask) (Mask, error)
	// CurrentProcessor returns the index of the processor executing the
	// caller.
	CurrentProcessor() int
}

// Block is a pinned, zeroed, page aligned and physically contiguous
// allocation.
type Block struct {
	Bytes []byte
	Phys  uint64
}

// Memory hands out non-relocatable memory whose physical address can be
// given to the processor.
type Memory interface {
	Alloc(pages int) (Block, error)
	Free(b Block) error
}

// Capturer snapshots the register context of the current processor.
type Capturer interface {
	CaptureContext() (*Context, error)
}

// EntryOutcome labels how control came back from a guest entry attempt.
type EntryOutcome int

const (
	// EntryRejected means VMRUN failed synchronously on the control block.
	EntryRejected EntryOutcome = iota
	// EntryEnteredGuest means the processor now runs the captured context
	// as a guest.
	EntryEnteredGuest
	// EntryAlreadyVirtualized means the core was found virtualized and no
	// entry was attempted.
	EntryAlreadyVirtualized
)

func (o EntryOutcome) String() string {
	switch o {
	case EntryRejected:
		return "rejected"
	case EntryEnteredGuest:
		return "entered-as-new-guest"
	case EntryAlreadyVirtualized:
		return "already-virtualized"
	default:
		return "unknown"
	}
}

// Launcher issues the guest entry instruction for the control block at
// vmcbPhys.
type Launcher interface {
	Launch(vmcbPhys uint64) (EntryOutcome, error)
}

// Platform is everything the bring-up needs from the machine.
type Platform interface {
	Prober
	MSRWriter
	Scheduler
	Memory
	Capturer
	Launcher

	// PhysicalMemoryTop returns the end of the highest physical RAM range.
	PhysicalMemoryTop() (uint64, error)
}
