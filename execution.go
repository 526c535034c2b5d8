package svm

import (
	"fmt"
	"time"

	"github.com/blacktop/go-svm/cpu"
)

// launch hands the guest control block of s to VMRUN on the current core.
func (h *Hypervisor) launch(s *ProcessorSlot) (cpu.EntryOutcome, error) {
	start := time.Now()
	defer func() {
		recordLaunch(time.Since(start))
	}()

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == nil {
		return cpu.EntryRejected, fmt.Errorf("svm: core %d has no control block", s.Core)
	}

	out, err := h.platform.Launch(state.GuestPhys)
	if out == cpu.EntryRejected {
		recordEntryRejected()
		if err == nil {
			err = ErrEntryRejected
		}
	}
	return out, err
}
