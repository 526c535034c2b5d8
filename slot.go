package svm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/blacktop/go-svm/npt"
	"github.com/blacktop/go-svm/vmcb"
)

// ProcessorSlot is the per-core record. It exclusively owns the core's
// VcpuState and permission maps.
type ProcessorSlot struct {
	Core int

	virtualized atomic.Bool

	mu    sync.Mutex
	state *vmcb.VcpuState
	maps  *vmcb.Maps
	view  npt.View
	diag  error
	stage string
}

// IsVirtualized reports whether the core runs as a guest.
func (s *ProcessorSlot) IsVirtualized() bool { return s.virtualized.Load() }

// View returns the view the core's control block references.
func (s *ProcessorSlot) View() npt.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Diagnostic returns the fatal error of the last bring-up attempt and the
// stage it happened in.
func (s *ProcessorSlot) Diagnostic() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage, s.diag
}

// State returns the core's control blocks, or nil before allocation.
func (s *ProcessorSlot) State() *vmcb.VcpuState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ProcessorSlot) fail(stage string, err error) error {
	s.mu.Lock()
	s.stage, s.diag = stage, err
	s.mu.Unlock()
	return err
}

// SlotInfo is a snapshot of a ProcessorSlot.
type SlotInfo struct {
	Core        int    `json:"core"`
	Virtualized bool   `json:"virtualized"`
	View        string `json:"view"`
	VMCB        uint64 `json:"vmcb,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Info returns a snapshot of s.
func (s *ProcessorSlot) Info() SlotInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SlotInfo{
		Core:        s.Core,
		Virtualized: s.virtualized.Load(),
		View:        s.view.String(),
		Stage:       s.stage,
	}
	if s.state != nil {
		info.VMCB = s.state.GuestPhys
	}
	if s.diag != nil {
		info.Error = s.diag.Error()
	}
	return info
}

// Slots returns a snapshot of every slot, in core order. It is empty until
// a bring-up passed the capability probe.
func (h *Hypervisor) Slots() []SlotInfo {
	h.mu.Lock()
	slots := h.slots
	h.mu.Unlock()
	out := make([]SlotInfo, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Info())
	}
	return out
}

func (h *Hypervisor) slot(core int) (*ProcessorSlot, bool) {
	if core < 0 || core >= len(h.slots) {
		return nil, false
	}
	return h.slots[core], true
}

// IsVirtualized reports whether core already runs under this hypervisor.
func (h *Hypervisor) IsVirtualized(core int) bool {
	h.mu.Lock()
	s, ok := h.slot(core)
	h.mu.Unlock()
	return ok && s.IsVirtualized()
}

// SwitchView points the control block of core at view v. The exit handler
// calls it from the core's own VM exit; the next VMRUN walks v.
func (h *Hypervisor) SwitchView(core int, v npt.View) error {
	h.mu.Lock()
	s, ok := h.slot(core)
	views := h.views
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("svm: no slot for core %d", core)
	}
	if views == nil {
		return fmt.Errorf("svm: switch core %d to %s: %w", core, v, npt.ErrNotBuilt)
	}
	ncr3 := views.NCR3(v)
	if ncr3 == 0 {
		return fmt.Errorf("svm: switch core %d to %s: %w", core, v, npt.ErrNotBuilt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return fmt.Errorf("svm: core %d has no control block", core)
	}
	s.state.Guest.SetNestedRoot(ncr3)
	s.view = v
	recordViewSwitch()
	return nil
}
