package hook

import (
	"fmt"

	"github.com/blacktop/go-svm/kernel"
	"github.com/blacktop/go-svm/scan"
)

// maxScan bounds how much of a module is copied for one signature scan.
const maxScan = 64 << 20

// Locate scans [base, base+size) of kernel virtual memory for sig.
func Locate(vm VirtualMemory, base, size uint64, sig scan.Signature) (uint64, error) {
	if size > maxScan {
		return 0, fmt.Errorf("hook: refusing to scan %d bytes at %#x", size, base)
	}
	buf := make([]byte, size)
	if err := vm.ReadVirtual(base, buf); err != nil {
		return 0, fmt.Errorf("hook: read %#x+%#x: %w", base, size, err)
	}
	off, ok := sig.Find(buf)
	if !ok {
		return 0, fmt.Errorf("%w: pattern %s at %#x+%#x", kernel.ErrNotFound, sig, base, size)
	}
	return base + uint64(off), nil
}

// LocateInModule resolves module through the introspector and scans its
// image for sig.
func (m *Manager) LocateInModule(vm VirtualMemory, module string, sig scan.Signature) (uint64, error) {
	if m.cfg.Kernel == nil {
		return 0, fmt.Errorf("hook: no kernel introspector to resolve %s", module)
	}
	mod, err := m.cfg.Kernel.Module(module)
	if err != nil {
		return 0, err
	}
	addr, err := Locate(vm, mod.Base, mod.Size, sig)
	if err != nil {
		return 0, err
	}
	if !scan.IsInsideRange(addr, mod.Base, mod.Size) {
		return 0, fmt.Errorf("hook: match %#x outside %s", addr, mod)
	}
	m.log.WithField("module", mod.Name).WithField("addr", fmt.Sprintf("%#x", addr)).Debug("signature located")
	return addr, nil
}
