package vmcb

import (
	"fmt"
	"unsafe"

	"github.com/blacktop/go-svm/cpu"
)

const pageSize = 0x1000

// VcpuState is the per-core block the processor addresses by physical
// address: the guest VMCB, the host VMCB used by VMSAVE/VMLOAD and the host
// save area VM_HSAVE_PA points at. All three live in pinned, zeroed pages.
type VcpuState struct {
	Guest     *VMCB
	GuestPhys uint64

	Host     *VMCB
	HostPhys uint64

	HostSave     []byte
	HostSavePhys uint64

	mem    cpu.Memory
	blocks []cpu.Block
}

// NewVcpuState allocates the three pages of a VcpuState from mem. On
// failure nothing stays allocated.
func NewVcpuState(mem cpu.Memory) (*VcpuState, error) {
	s := &VcpuState{mem: mem}
	for i := 0; i < 3; i++ {
		b, err := mem.Alloc(1)
		if err != nil {
			s.Release()
			return nil, fmt.Errorf("vmcb: allocate vcpu page %d: %w", i, err)
		}
		if len(b.Bytes) < Size || b.Phys&(pageSize-1) != 0 {
			s.blocks = append(s.blocks, b)
			s.Release()
			return nil, fmt.Errorf("vmcb: vcpu page %d not page aligned (phys %#x, %d bytes)", i, b.Phys, len(b.Bytes))
		}
		s.blocks = append(s.blocks, b)
	}

	s.Guest = (*VMCB)(unsafe.Pointer(&s.blocks[0].Bytes[0]))
	s.GuestPhys = s.blocks[0].Phys
	s.Host = (*VMCB)(unsafe.Pointer(&s.blocks[1].Bytes[0]))
	s.HostPhys = s.blocks[1].Phys
	s.HostSave = s.blocks[2].Bytes[:Size]
	s.HostSavePhys = s.blocks[2].Phys
	return s, nil
}

// Release returns every page to the allocator. The state must not be used
// afterwards.
func (s *VcpuState) Release() error {
	var first error
	for _, b := range s.blocks {
		if err := s.mem.Free(b); err != nil && first == nil {
			first = err
		}
	}
	s.blocks = nil
	s.Guest, s.Host, s.HostSave = nil, nil, nil
	return first
}
