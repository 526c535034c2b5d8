// Package wp runs short patches of otherwise read-only code inside a
// critical section: raised scheduling priority, masked interrupts and write
// access to the target range. All three are undone in reverse order on
// every exit path, including a panicking patch.
package wp

import (
	"errors"
	"fmt"
	"sync"
)

// Priority is a saved scheduling priority.
type Priority int

// InterruptState is a saved interrupt mask.
type InterruptState uint64

// Controller toggles the three pieces of machine state a patch needs.
type Controller interface {
	RaisePriority() (Priority, error)
	LowerPriority(prev Priority) error
	DisableInterrupts() (InterruptState, error)
	RestoreInterrupts(prev InterruptState) error
	EnableWrites(addr, size uint64) error
	DisableWrites(addr, size uint64) error
}

// The section is global: two patches never overlap.
var mu sync.Mutex

// Do runs fn with [addr, addr+size) writable. A panic in fn is re-raised
// after the state has been restored.
func Do(ctl Controller, addr, size uint64, fn func() error) (err error) {
	if ctl == nil {
		return errors.New("wp: nil controller")
	}
	mu.Lock()
	defer mu.Unlock()

	prio, err := ctl.RaisePriority()
	if err != nil {
		return fmt.Errorf("wp: raise priority: %w", err)
	}
	defer func() {
		if rerr := ctl.LowerPriority(prio); rerr != nil {
			err = errors.Join(err, fmt.Errorf("wp: lower priority: %w", rerr))
		}
	}()

	irq, err := ctl.DisableInterrupts()
	if err != nil {
		return fmt.Errorf("wp: disable interrupts: %w", err)
	}
	defer func() {
		if rerr := ctl.RestoreInterrupts(irq); rerr != nil {
			err = errors.Join(err, fmt.Errorf("wp: restore interrupts: %w", rerr))
		}
	}()

	if err := ctl.EnableWrites(addr, size); err != nil {
		return fmt.Errorf("wp: enable writes at %#x: %w", addr, err)
	}
	defer func() {
		if rerr := ctl.DisableWrites(addr, size); rerr != nil {
			err = errors.Join(err, fmt.Errorf("wp: disable writes at %#x: %w", addr, rerr))
		}
	}()

	return fn()
}

// Nop is a Controller for memory that is always writable, such as buffers
// owned by a simulated machine.
type Nop struct{}

func (Nop) RaisePriority() (Priority, error) {
	return 0, nil
}

func (Nop) LowerPriority(Priority) error {
	return nil
}

func (Nop) DisableInterrupts() (InterruptState, error) {
	return 0, nil
}

func (Nop) RestoreInterrupts(InterruptState) error {
	return nil
}

func (Nop) EnableWrites(uint64, uint64) error {
	return nil
}

func (Nop) DisableWrites(uint64, uint64) error {
	return nil
}
