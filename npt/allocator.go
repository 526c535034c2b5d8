package npt

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/blacktop/go-svm/cpu"
)

// Allocator provides table pages and maps their physical addresses back to
// the entries. Implementations must be safe for concurrent use, since views
// are built in parallel.
type Allocator interface {
	// NewPTEs returns a zeroed table page and its physical address.
	NewPTEs() (*PTEs, uint64, error)
	// LookupPTEs returns the page at physical address phys.
	LookupPTEs(phys uint64) *PTEs
	// FreePTEs releases a page obtained from NewPTEs.
	FreePTEs(phys uint64)
}

// RuntimeAllocator backs tables with Go heap memory and hands out
// synthetic, page aligned physical addresses. It is meant for tests and
// dry runs where the tables are never walked by hardware.
type RuntimeAllocator struct {
	mu    sync.Mutex
	next  uint64
	pages map[uint64]*PTEs
}

// NewRuntimeAllocator returns an allocator whose first page lives at a high
// synthetic address so it never aliases identity mapped guest memory.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		next:  1 << 40,
		pages: make(map[uint64]*PTEs),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() (*PTEs, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	phys := r.next
	r.next += PageSize
	ptes := new(PTEs)
	r.pages[phys] = ptes
	return ptes, phys, nil
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(phys uint64) *PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages[phys]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(phys uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pages, phys)
}

// Pages returns the number of live pages.
func (r *RuntimeAllocator) Pages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pages)
}

// MemoryAllocator carves table pages out of platform memory, so the
// physical addresses are the ones the processor walks.
type MemoryAllocator struct {
	mu     sync.Mutex
	mem    cpu.Memory
	blocks map[uint64]cpu.Block
}

// NewMemoryAllocator wraps mem.
func NewMemoryAllocator(mem cpu.Memory) *MemoryAllocator {
	return &MemoryAllocator{
		mem:    mem,
		blocks: make(map[uint64]cpu.Block),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (m *MemoryAllocator) NewPTEs() (*PTEs, uint64, error) {
	b, err := m.mem.Alloc(1)
	if err != nil {
		return nil, 0, fmt.Errorf("npt: allocate table page: %w", err)
	}
	if uint64(len(b.Bytes)) < PageSize || b.Phys&(PageSize-1) != 0 {
		_ = m.mem.Free(b)
		return nil, 0, fmt.Errorf("npt: platform returned unusable table page at %#x", b.Phys)
	}
	m.mu.Lock()
	m.blocks[b.Phys] = b
	m.mu.Unlock()
	return (*PTEs)(unsafe.Pointer(&b.Bytes[0])), b.Phys, nil
}

// LookupPTEs implements Allocator.LookupPTEs.
func (m *MemoryAllocator) LookupPTEs(phys uint64) *PTEs {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[phys]
	if !ok {
		return nil
	}
	return (*PTEs)(unsafe.Pointer(&b.Bytes[0]))
}

// FreePTEs implements Allocator.FreePTEs.
func (m *MemoryAllocator) FreePTEs(phys uint64) {
	m.mu.Lock()
	b, ok := m.blocks[phys]
	delete(m.blocks, phys)
	m.mu.Unlock()
	if ok {
		_ = m.mem.Free(b)
	}
}
