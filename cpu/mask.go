package cpu

import (
	"fmt"
	"math/bits"
	"strings"
)

// Mask is an affinity bitmask over logical processor indices.
type Mask []uint64

// NewMask returns a mask with the given processors set.
func NewMask(cores ...int) Mask {
	var m Mask
	for _, c := range cores {
		m = m.Set(c)
	}
	return m
}

// Single returns the one-bit mask selecting core.
func Single(core int) Mask {
	return NewMask(core)
}

// Set returns m with core added, growing it as required.
func (m Mask) Set(core int) Mask {
	if core < 0 {
		return m
	}
	word := core / 64
	for len(m) <= word {
		m = append(m, 0)
	}
	m[word] |= 1 << (uint(core) % 64)
	return m
}

// IsSet reports whether core is in m.
func (m Mask) IsSet(core int) bool {
	if core < 0 || core/64 >= len(m) {
		return false
	}
	return m[core/64]&(1<<(uint(core)%64)) != 0
}

// Count returns the number of processors in m.
func (m Mask) Count() int {
	n := 0
	for _, w := range m {
		n += bits.OnesCount64(w)
	}
	return n
}

// Cores returns the processor indices in m in increasing order.
func (m Mask) Cores() []int {
	var out []int
	for i, w := range m {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, i*64+b)
			w &^= 1 << uint(b)
		}
	}
	return out
}

func (m Mask) String() string {
	if len(m) == 0 {
		return "0x0"
	}
	var sb strings.Builder
	sb.WriteString("0x")
	for i := len(m) - 1; i >= 0; i-- {
		if i == len(m)-1 {
			fmt.Fprintf(&sb, "%x", m[i])
		} else {
			fmt.Fprintf(&sb, "%016x", m[i])
		}
	}
	return sb.String()
}
