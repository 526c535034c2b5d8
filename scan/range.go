package scan

// IsInsideRange reports whether address lies in [base, base+size). A zero
// size range contains nothing. Ranges that run past the top of the address
// space are clipped there.
func IsInsideRange(address, base, size uint64) bool {
	if size == 0 || address < base {
		return false
	}
	return address-base < size
}

// Region is a contiguous virtual address range.
type Region struct {
	Base uint64
	Size uint64
}

// Contains reports whether address is inside r.
func (r Region) Contains(address uint64) bool {
	return IsInsideRange(address, r.Base, r.Size)
}

// End returns the first address after r, saturating at the top of the
// address space.
func (r Region) End() uint64 {
	if r.Base+r.Size < r.Base {
		return ^uint64(0)
	}
	return r.Base + r.Size
}

// Distance returns |a-b|.
func Distance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
