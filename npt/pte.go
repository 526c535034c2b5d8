package npt

import "errors"

var (
	// ErrInvalidPolicy is returned for an Access nested paging cannot encode.
	ErrInvalidPolicy = errors.New("npt: invalid access policy")
	// ErrNotMapped is returned when a guest physical address is outside the
	// mapped range.
	ErrNotMapped = errors.New("npt: address not mapped")
	// ErrNotBuilt is returned for operations on a view without tables.
	ErrNotBuilt = errors.New("npt: view not built")
	// ErrInvalidLimit is returned for a mapping limit the hierarchy cannot
	// cover.
	ErrInvalidLimit = errors.New("npt: invalid guest physical limit")
)

const (
	pteShift  = 12
	pmdShift  = 21
	pudShift  = 30
	pgdShift  = 39
	indexMask = 0x1ff

	// PageSize is the size of a 4 KiB leaf.
	PageSize uint64 = 1 << pteShift
	// LargePageSize is the size of a 2 MiB leaf.
	LargePageSize uint64 = 1 << pmdShift

	pudSize uint64 = 1 << pudShift

	// MaxLimit is the largest guest physical range four levels can map.
	MaxLimit uint64 = 1 << 48

	entriesPerPage = 512
)

// PTE is a single nested page table entry.
type PTE uint64

const (
	present   PTE = 1 << 0
	writable  PTE = 1 << 1
	user      PTE = 1 << 2
	large     PTE = 1 << 7
	mapped    PTE = 1 << 9 // software bit: entry is part of the view, even if not present
	noExecute PTE = 1 << 63

	addrMask PTE = 0x000ffffffffff000
)

// PTEs is one 4 KiB page of entries.
type PTEs [entriesPerPage]PTE

// Valid reports whether the entry was installed by the builder.
func (p PTE) Valid() bool {
	return p&(present|mapped) != 0
}

// Present reports whether the hardware considers the entry present.
func (p PTE) Present() bool {
	return p&present != 0
}

// IsLarge reports whether a PD level entry maps a 2 MiB page.
func (p PTE) IsLarge() bool {
	return p&large != 0
}

// Address returns the physical address the entry points at.
func (p PTE) Address() uint64 {
	return uint64(p & addrMask)
}

// Access decodes the permission bits of a leaf.
func (p PTE) Access() Access {
	if !p.Present() {
		return Access{}
	}
	return Access{
		Read:    true,
		Write:   p&writable != 0,
		Execute: p&noExecute == 0,
	}
}

// leaf builds a leaf entry for hpa with the given access.
func leaf(hpa uint64, a Access, isLarge bool) PTE {
	e := PTE(hpa)&addrMask | user | mapped
	if a.Read {
		e |= present
	}
	if a.Write {
		e |= writable
	}
	if !a.Execute {
		e |= noExecute
	}
	if isLarge {
		e |= large
	}
	return e
}

// table builds a non-leaf entry. Upper levels grant everything; the leaf
// alone decides the effective permission.
func table(phys uint64) PTE {
	return PTE(phys)&addrMask | present | writable | user | mapped
}

func index(addr uint64, shift uint) int {
	return int((addr >> shift) & indexMask)
}
