package svm

import (
	"errors"
	"fmt"

	"github.com/blacktop/go-svm/vmcb"
)

// allocateSlot gives s a fresh VcpuState, plus permission maps when the
// intercept policy needs them. Memory left over from a failed attempt is
// released first.
func (h *Hypervisor) allocateSlot(s *ProcessorSlot, policy vmcb.InterceptPolicy) error {
	if err := h.releaseSlot(s); err != nil {
		return err
	}

	state, err := vmcb.NewVcpuState(h.platform)
	if err != nil {
		recordResourceError()
		return fmt.Errorf("%w: %w", ErrNoResources, err)
	}
	recordVcpuAllocation()

	var maps *vmcb.Maps
	if policy.Misc1&(vmcb.InterceptMSRProt|vmcb.InterceptIOIOProt) != 0 {
		if maps, err = vmcb.NewMaps(h.platform); err != nil {
			recordResourceError()
			return errors.Join(fmt.Errorf("%w: %w", ErrNoResources, err), h.freeState(state))
		}
	}

	s.mu.Lock()
	s.state, s.maps = state, maps
	s.mu.Unlock()
	return nil
}

func (h *Hypervisor) freeState(state *vmcb.VcpuState) error {
	if err := state.Release(); err != nil {
		return fmt.Errorf("svm: release vcpu state: %w", err)
	}
	recordVcpuRelease()
	return nil
}

// releaseSlot frees the memory s owns. It must not be called for a core
// running as a guest.
func (h *Hypervisor) releaseSlot(s *ProcessorSlot) error {
	s.mu.Lock()
	state, maps := s.state, s.maps
	s.state, s.maps = nil, nil
	s.mu.Unlock()

	var errs []error
	if maps != nil {
		if err := maps.Release(); err != nil {
			errs = append(errs, fmt.Errorf("svm: release permission maps: %w", err))
		}
	}
	if state != nil {
		if err := h.freeState(state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
