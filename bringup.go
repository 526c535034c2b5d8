package svm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/blacktop/go-svm/cpu"
	"github.com/blacktop/go-svm/npt"
	"github.com/blacktop/go-svm/vmcb"
)

const gigabyte = 1 << 30

// Bring-up stages, as recorded in slot diagnostics and log entries.
const (
	stageAffinity  = "affinity"
	stageCapture   = "capture"
	stageEnableSVM = "enable-svm"
	stageAllocate  = "allocate"
	stageHostSave  = "hsave"
	stageConfigure = "configure"
	stageValidate  = "validate"
	stageLaunch    = "launch"
	stageGuard     = "guard"
)

// VirtualizeAllProcessors checks the machine, builds the nested page table
// views that are not built yet and then moves every active core into guest
// mode, one core at a time. It reports true only if every core runs as a
// guest afterwards.
//
// A failed capability check returns false before anything is allocated. A
// failure on one core is recorded in its slot and does not stop the others.
// Cores already virtualized are skipped, so the call can be repeated.
func (h *Hypervisor) VirtualizeAllProcessors() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false, ErrNotInitialized
	}

	start := time.Now()
	defer func() {
		recordBringup(time.Since(start))
	}()

	caps := cpu.Probe(h.platform)
	if err := CheckCapabilities(caps); err != nil {
		h.log.WithError(err).WithField("vendor", caps.Vendor).Error("processor cannot host a hypervisor")
		return false, err
	}
	defer h.hooks.CleanupOnProcessExit()
	h.log.WithFields(log.Fields{
		"vendor": caps.Vendor,
		"asids":  caps.ASIDs,
	}).Debug("svm available")

	if err := h.buildViews(); err != nil {
		return false, err
	}

	if count := h.platform.ActiveProcessorCount(); len(h.slots) < count {
		added := count - len(h.slots)
		for core := len(h.slots); core < count; core++ {
			h.slots = append(h.slots, &ProcessorSlot{Core: core})
		}
		recordSlotAllocation(added)
	}

	err := cpu.Walk(h.platform, h.virtualizeCore, h.pinFailed)

	all := len(h.slots) > 0
	for _, s := range h.slots {
		if !s.IsVirtualized() {
			all = false
		}
	}
	h.log.WithFields(log.Fields{
		"cores":    len(h.slots),
		"complete": all,
	}).Info("bring-up finished")
	return all && err == nil, err
}

// buildViews creates the view set on first use and builds the views that
// are missing. Configured sandbox regions are applied once the set exists.
func (h *Hypervisor) buildViews() error {
	policies, err := h.cfg.Policies()
	if err != nil {
		return err
	}

	fresh := h.views == nil
	if fresh {
		limit := h.cfg.NPT.Limit
		if limit == 0 {
			top, err := h.platform.PhysicalMemoryTop()
			if err != nil {
				return fmt.Errorf("svm: physical memory top: %w", err)
			}
			limit = min((top+gigabyte-1)&^(gigabyte-1), npt.MaxLimit)
		}
		set, err := npt.NewSet(h.alloc, limit, h.log)
		if err != nil {
			recordResourceError()
			return fmt.Errorf("%w: %w", ErrNoResources, err)
		}
		h.views = set
		h.hooks.SetViews(set)
		h.sandbox.SetViews(set)
	}

	switch {
	case h.views.AllBuilt():
	case fresh:
		if err := h.views.BuildAll(context.Background(), policies); err != nil {
			recordResourceError()
			return fmt.Errorf("%w: %w", ErrNoResources, err)
		}
		for range npt.Views {
			recordViewBuild()
		}
	default:
		for _, v := range npt.Views {
			if h.views.Built(v) {
				continue
			}
			if err := h.views.Build(v, policies[v]); err != nil {
				recordResourceError()
				return fmt.Errorf("%w: %w", ErrNoResources, err)
			}
			recordViewBuild()
		}
	}
	h.log.WithField("limit", fmt.Sprintf("%#x", h.views.Limit())).Debug("nested page table views ready")

	if fresh {
		for _, r := range h.cfg.Sandbox {
			if _, err := h.sandbox.AddRegion(r); err != nil {
				return fmt.Errorf("svm: sandbox region %q: %w", r.Name, err)
			}
		}
	}
	return nil
}

// virtualizeCore runs on core, pinned by cpu.Walk.
func (h *Hypervisor) virtualizeCore(core int) error {
	s, ok := h.slot(core)
	if !ok {
		return fmt.Errorf("svm: no slot for core %d", core)
	}
	clog := h.log.WithField("core", core)

	if s.IsVirtualized() {
		recordCoreSkipped()
		clog.WithField("outcome", cpu.EntryAlreadyVirtualized.String()).Debug("core already virtualized")
		return nil
	}

	ctx, err := h.platform.CaptureContext()
	if err != nil {
		return h.abort(s, clog, stageCapture, err, 0, false)
	}

	efer, err := h.platform.ReadMSR(cpu.MSREFER)
	if err != nil {
		return h.abort(s, clog, stageEnableSVM, err, 0, false)
	}
	if err := h.platform.WriteMSR(cpu.MSREFER, efer|cpu.EFERSVME); err != nil {
		return h.abort(s, clog, stageEnableSVM, err, efer, false)
	}
	ctx.EFER |= cpu.EFERSVME

	policy := h.cfg.InterceptPolicy()
	if err := h.allocateSlot(s, policy); err != nil {
		return h.abort(s, clog, stageAllocate, err, efer, true)
	}

	s.mu.Lock()
	state, maps := s.state, s.maps
	s.mu.Unlock()

	if err := h.platform.WriteMSR(cpu.MSRVMHsavePA, state.HostSavePhys); err != nil {
		return h.abort(s, clog, stageHostSave, err, efer, true)
	}

	err = vmcb.Configure(state, ctx, vmcb.Params{
		ASID:       h.cfg.ASID,
		NCR3:       h.views.NCR3(npt.Primary),
		Intercepts: policy,
		Maps:       maps,
	})
	if err != nil {
		return h.abort(s, clog, stageConfigure, err, efer, true)
	}
	s.mu.Lock()
	s.view = npt.Primary
	s.mu.Unlock()

	cs, err := vmcb.SegmentFromGDT(ctx.GDT, ctx.GDTR, ctx.CS)
	if err != nil {
		recordStateError()
		return h.abort(s, clog, stageValidate, fmt.Errorf("%w: %w", ErrInvalidGuestState, err), efer, true)
	}
	if !vmcb.IsReadyForEntry(state, cs.Attrib) {
		recordStateError()
		cause := vmcb.Validate(state.Guest)
		if cause == nil {
			cause = fmt.Errorf("cs attributes %s do not match the control block", cs.Attrib)
		}
		return h.abort(s, clog, stageValidate, fmt.Errorf("%w: %w", ErrInvalidGuestState, cause), efer, true)
	}

	out, err := h.launch(s)
	if out != cpu.EntryEnteredGuest {
		if err == nil {
			err = ErrEntryRejected
		} else if !errors.Is(err, ErrEntryRejected) {
			err = fmt.Errorf("%w: %w", ErrEntryRejected, err)
		}
		return h.abort(s, clog, stageLaunch, err, efer, true)
	}

	// Execution continues here as the guest.
	s.virtualized.Store(true)
	if !h.isVirtualized(core) {
		return s.fail(stageGuard, fmt.Errorf("svm: core %d resumed without guest state", core))
	}
	s.mu.Lock()
	s.stage, s.diag = "", nil
	s.mu.Unlock()

	if rr, ok := h.platform.(RegisterReader); ok {
		if diff := DiffRegisters(ctx.Registers, rr.Registers(core)); len(diff) > 0 {
			clog.WithField("registers", fmt.Sprint(diff)).Warn("host registers changed across entry")
		}
	}
	recordCoreVirtualized()
	clog.WithFields(log.Fields{
		"vmcb": fmt.Sprintf("%#x", state.GuestPhys),
		"view": npt.Primary.String(),
	}).Info("core virtualized")
	return nil
}

// pinFailed records a core the bring-up could not reach. A core that is
// already a guest keeps its state and its previous diagnostic.
func (h *Hypervisor) pinFailed(core int, err error) error {
	s, ok := h.slot(core)
	if !ok {
		return err
	}
	clog := h.log.WithField("core", core)
	if s.IsVirtualized() {
		clog.WithError(err).Warn("cannot reach virtualized core")
		return nil
	}
	return h.abort(s, clog, stageAffinity, err, 0, false)
}

// isVirtualized is IsVirtualized for callers holding h.mu.
func (h *Hypervisor) isVirtualized(core int) bool {
	s, ok := h.slot(core)
	return ok && s.IsVirtualized()
}

// abort records a fatal per-core failure, releases what the core owns and
// puts EFER back when it was changed. The memory of a core running as a
// guest is never released.
func (h *Hypervisor) abort(s *ProcessorSlot, clog log.Interface, stage string, err error, efer uint64, restore bool) error {
	s.fail(stage, err)
	recordCoreFailed()
	clog.WithError(err).WithField("stage", stage).Error("core bring-up failed")

	errs := []error{fmt.Errorf("%s: %w", stage, err)}
	if !s.IsVirtualized() {
		if rerr := h.releaseSlot(s); rerr != nil {
			errs = append(errs, rerr)
		}
	}
	if restore {
		if werr := h.platform.WriteMSR(cpu.MSREFER, efer); werr != nil {
			errs = append(errs, fmt.Errorf("svm: restore efer: %w", werr))
		}
	}
	return errors.Join(errs...)
}

// Devirtualize records that the hypervisor should leave every core and asks
// the exit handler to do so on each virtualized core. Without an exit
// handler only the request is recorded.
func (h *Hypervisor) Devirtualize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNotInitialized
	}
	h.devirtualizing.Store(true)
	if h.devirt == nil {
		h.log.Info("devirtualization requested, no exit handler registered")
		return nil
	}

	return cpu.ForEach(h.platform, func(core int) error {
		s, ok := h.slot(core)
		if !ok || !s.IsVirtualized() {
			return nil
		}
		if err := h.devirt.Devirtualize(core); err != nil {
			h.log.WithError(err).WithField("core", core).Error("devirtualize")
			return err
		}
		s.virtualized.Store(false)
		if err := h.releaseSlot(s); err != nil {
			return err
		}
		h.log.WithField("core", core).Info("core devirtualized")
		return nil
	})
}

// DevirtualizationRequested reports whether Devirtualize has been called.
func (h *Hypervisor) DevirtualizationRequested() bool { return h.devirtualizing.Load() }
