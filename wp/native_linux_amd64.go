package wp

import (
	"golang.org/x/sys/unix"
)

// Native is the Linux user space rendition of the section: the calling
// thread gets the highest nice value, every signal is blocked for the
// thread and the target pages are made writable with mprotect. The caller
// must hold the OS thread (runtime.LockOSThread) for the masks to apply to
// the thread running fn.
type Native struct {
	// Prot is the protection restored on the pages afterwards.
	Prot int
}

// NewNative returns a controller that leaves patched pages read+exec.
func NewNative() *Native {
	return &Native{Prot: unix.PROT_READ | unix.PROT_EXEC}
}

func (n *Native) RaisePriority() (Priority, error) {
	tid := unix.Gettid()
	// The raw syscall reports 20-nice.
	raw, err := unix.Getpriority(unix.PRIO_PROCESS, tid)
	if err != nil {
		return 0, err
	}
	prev := Priority(20 - raw)
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, -20); err != nil {
		return 0, err
	}
	return prev, nil
}

func (n *Native) LowerPriority(prev Priority) error {
	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), int(prev))
}

func (n *Native) DisableInterrupts() (InterruptState, error) {
	var all, old unix.Sigset_t
	for i := range all.Val {
		all.Val[i] = ^uint64(0)
	}
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &all, &old); err != nil {
		return 0, err
	}
	return InterruptState(old.Val[0]), nil
}

func (n *Native) RestoreInterrupts(prev InterruptState) error {
	var set unix.Sigset_t
	set.Val[0] = uint64(prev)
	return unix.PthreadSigmask(unix.SIG_SETMASK, &set, nil)
}

func (n *Native) EnableWrites(addr, size uint64) error {
	return mprotect(addr, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
}

func (n *Native) DisableWrites(addr, size uint64) error {
	return mprotect(addr, size, n.Prot)
}

func mprotect(addr, size uint64, prot int) error {
	const page = 0x1000
	start := addr &^ (page - 1)
	end := (addr + size + page - 1) &^ (page - 1)
	if _, _, errno := unix.Syscall(unix.SYS_MPROTECT, uintptr(start), uintptr(end-start), uintptr(prot)); errno != 0 {
		return errno
	}
	return nil
}
