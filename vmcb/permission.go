package vmcb

import (
	"errors"
	"fmt"

	"github.com/blacktop/go-svm/cpu"
)

const (
	msrpmPages = 2
	iopmPages  = 3
)

// ErrMSROutOfRange is returned for an MSR the permission map cannot cover.
var ErrMSROutOfRange = errors.New("vmcb: msr outside permission map ranges")

// msrpm ranges: two bits per MSR, read intercept first.
var msrRanges = []struct {
	base   uint32
	offset int
}{
	{0x00000000, 0x0000},
	{0xC0000000, 0x0800},
	{0xC0010000, 0x1000},
}

// Maps holds the MSR and I/O permission bitmaps referenced by the control
// area. A set bit intercepts the access.
type Maps struct {
	MSRPM     []byte
	MSRPMPhys uint64
	IOPM      []byte
	IOPMPhys  uint64

	mem    cpu.Memory
	blocks []cpu.Block
}

// NewMaps allocates zeroed permission maps from mem, so nothing is
// intercepted until asked for.
func NewMaps(mem cpu.Memory) (*Maps, error) {
	m := &Maps{mem: mem}
	msrpm, err := mem.Alloc(msrpmPages)
	if err != nil {
		return nil, fmt.Errorf("vmcb: allocate msr permission map: %w", err)
	}
	m.blocks = append(m.blocks, msrpm)
	iopm, err := mem.Alloc(iopmPages)
	if err != nil {
		m.Release()
		return nil, fmt.Errorf("vmcb: allocate io permission map: %w", err)
	}
	m.blocks = append(m.blocks, iopm)

	m.MSRPM, m.MSRPMPhys = msrpm.Bytes[:msrpmPages*pageSize], msrpm.Phys
	m.IOPM, m.IOPMPhys = iopm.Bytes[:iopmPages*pageSize], iopm.Phys
	return m, nil
}

func msrBit(msr uint32) (int, error) {
	for _, r := range msrRanges {
		if msr >= r.base && msr < r.base+0x2000 {
			return r.offset*8 + int(msr-r.base)*2, nil
		}
	}
	return 0, fmt.Errorf("%w: %#x", ErrMSROutOfRange, msr)
}

// InterceptMSR sets or clears the read and write intercepts of msr.
func (m *Maps) InterceptMSR(msr uint32, read, write bool) error {
	bit, err := msrBit(msr)
	if err != nil {
		return err
	}
	setBit(m.MSRPM, bit, read)
	setBit(m.MSRPM, bit+1, write)
	return nil
}

// MSRIntercepted reports the read and write intercepts of msr.
func (m *Maps) MSRIntercepted(msr uint32) (read, write bool) {
	bit, err := msrBit(msr)
	if err != nil {
		return false, false
	}
	return getBit(m.MSRPM, bit), getBit(m.MSRPM, bit+1)
}

// InterceptPort sets or clears the intercept of I/O port.
func (m *Maps) InterceptPort(port uint16, on bool) {
	setBit(m.IOPM, int(port), on)
}

// PortIntercepted reports whether port is intercepted.
func (m *Maps) PortIntercepted(port uint16) bool {
	return getBit(m.IOPM, int(port))
}

// Release frees both maps.
func (m *Maps) Release() error {
	var first error
	for _, b := range m.blocks {
		if err := m.mem.Free(b); err != nil && first == nil {
			first = err
		}
	}
	m.blocks = nil
	m.MSRPM, m.IOPM = nil, nil
	return first
}

func setBit(b []byte, bit int, on bool) {
	if on {
		b[bit/8] |= 1 << (bit % 8)
	} else {
		b[bit/8] &^= 1 << (bit % 8)
	}
}

func getBit(b []byte, bit int) bool {
	return b[bit/8]&(1<<(bit%8)) != 0
}
