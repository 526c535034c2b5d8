package cpu

import (
	"errors"
	"fmt"
	"runtime"
)

// PinFailed is told about a core fn could not run on because the thread
// could not be pinned to it. The error it returns is collected in place of
// err.
type PinFailed func(core int, err error) error

// ForEach runs fn once per active logical processor, in increasing index
// order, with the calling thread pinned to that processor for the whole
// call. Cores are visited sequentially; fn never runs concurrently with
// itself. A failure to pin or an error from fn is collected and the walk
// moves on to the next core. The original affinity is restored on return.
func ForEach(s Scheduler, fn func(core int) error) error {
	return Walk(s, fn, nil)
}

// Walk is ForEach with onPin called for every core that could not be
// pinned.
func Walk(s Scheduler, fn func(core int) error, onPin PinFailed) error {
	count := s.ActiveProcessorCount()
	if count <= 0 {
		return nil
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var (
		errs     []error
		previous Mask
	)
	for core := 0; core < count; core++ {
		prev, err := s.Pin(Single(core))
		if err != nil {
			err = fmt.Errorf("cpu: pin to core %d: %w", core, err)
			if onPin != nil {
				err = onPin(core, err)
			}
			if err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if previous == nil {
			previous = prev
		}
		if err := fn(core); err != nil {
			errs = append(errs, fmt.Errorf("core %d: %w", core, err))
		}
	}

	if previous.Count() > 0 {
		if _, err := s.Pin(previous); err != nil {
			errs = append(errs, fmt.Errorf("cpu: restore affinity %s: %w", previous, err))
		}
	}
	return errors.Join(errs...)
}
