// Package scan locates byte signatures in code regions.
package scan

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// DefaultWildcard is the pattern byte ParsePattern emits for "??".
const DefaultWildcard byte = 0xCC

// FindPattern returns the offset of the first window of region equal to
// pattern, where any pattern byte equal to wildcard matches every region
// byte. Only windows that lie fully inside region are considered, so a
// match offset k always satisfies k <= len(region)-len(pattern). An empty
// pattern never matches.
func FindPattern(region, pattern []byte, wildcard byte) (int, bool) {
	n, m := len(region), len(pattern)
	if m == 0 || m > n {
		return 0, false
	}
	for k := 0; k <= n-m; k++ {
		if matchAt(region[k:k+m], pattern, wildcard) {
			return k, true
		}
	}
	return 0, false
}

// FindAll returns the offsets of every, possibly overlapping, match.
func FindAll(region, pattern []byte, wildcard byte) []int {
	var out []int
	for base := 0; ; {
		k, ok := FindPattern(region[base:], pattern, wildcard)
		if !ok {
			return out
		}
		out = append(out, base+k)
		base += k + 1
	}
}

func matchAt(window, pattern []byte, wildcard byte) bool {
	for i, p := range pattern {
		if p != wildcard && p != window[i] {
			return false
		}
	}
	return true
}

// Signature is a parsed pattern together with its wildcard byte.
type Signature struct {
	Bytes    []byte
	Wildcard byte
}

// ParsePattern parses a space separated signature such as
// "48 8B 05 ?? ?? ?? ?? 48 85 C0". "?" and "??" are wildcards. The wildcard
// byte is DefaultWildcard unless a literal byte in the signature uses it,
// in which case the lowest unused byte value is chosen.
func ParsePattern(s string) (Signature, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Signature{}, fmt.Errorf("scan: empty pattern")
	}
	var (
		used [256]bool
		wild []int
		out  = make([]byte, len(fields))
	)
	for i, f := range fields {
		if f == "?" || f == "??" {
			wild = append(wild, i)
			continue
		}
		b, err := hex.DecodeString(f)
		if err != nil || len(b) != 1 {
			return Signature{}, fmt.Errorf("scan: bad pattern byte %q at %d", f, i)
		}
		out[i] = b[0]
		used[b[0]] = true
	}

	w := DefaultWildcard
	if used[w] {
		found := false
		for v := 0; v < 256; v++ {
			if !used[v] {
				w, found = byte(v), true
				break
			}
		}
		if !found && len(wild) > 0 {
			return Signature{}, fmt.Errorf("scan: no free wildcard byte in %q", s)
		}
	}
	for _, i := range wild {
		out[i] = w
	}
	return Signature{Bytes: out, Wildcard: w}, nil
}

// Find runs FindPattern with the signature.
func (s Signature) Find(region []byte) (int, bool) {
	return FindPattern(region, s.Bytes, s.Wildcard)
}

func (s Signature) String() string {
	parts := make([]string, len(s.Bytes))
	for i, b := range s.Bytes {
		if b == s.Wildcard {
			parts[i] = "??"
		} else {
			parts[i] = fmt.Sprintf("%02X", b)
		}
	}
	return strings.Join(parts, " ")
}
