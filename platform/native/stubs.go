//go:build !linux || !amd64

package native

import (
	"errors"

	"github.com/apex/log"

	"github.com/blacktop/go-svm/cpu"
)

// ErrUnsupported is returned on every platform but linux/amd64.
var ErrUnsupported = errors.New("native: not supported on this platform")

// Machine is unavailable on this platform.
type Machine struct{}

// Option configures a Machine.
type Option func(*Machine)

// WithRoot is a no-op on this platform.
func WithRoot(string) Option { return func(*Machine) {} }

// WithLogger is a no-op on this platform.
func WithLogger(log.Interface) Option { return func(*Machine) {} }

// New returns ErrUnsupported on this platform.
func New(...Option) (*Machine, error) {
	return nil, ErrUnsupported
}

func (m *Machine) CPUID(uint32, uint32) cpu.Regs { return cpu.Regs{} }

func (m *Machine) ReadMSR(uint32) (uint64, error) { return 0, ErrUnsupported }

func (m *Machine) WriteMSR(uint32, uint64) error { return ErrUnsupported }

func (m *Machine) ActiveProcessorCount() int { return 0 }

func (m *Machine) Pin(cpu.Mask) (cpu.Mask, error) { return nil, ErrUnsupported }

func (m *Machine) CurrentProcessor() int { return -1 }

func (m *Machine) Alloc(int) (cpu.Block, error) { return cpu.Block{}, ErrUnsupported }

func (m *Machine) Free(cpu.Block) error { return ErrUnsupported }

func (m *Machine) CaptureContext() (*cpu.Context, error) { return nil, ErrUnsupported }

func (m *Machine) Launch(uint64) (cpu.EntryOutcome, error) { return cpu.EntryRejected, ErrUnsupported }

func (m *Machine) PhysicalMemoryTop() (uint64, error) { return 0, ErrUnsupported }

func (m *Machine) ReadPhys(uint64, []byte) error { return ErrUnsupported }

func (m *Machine) Close() error { return nil }

var _ cpu.Platform = (*Machine)(nil)
