package scan

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFindPatternWildcardProperty(t *testing.T) {
	const wildcard = 0xCC
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 500; iter++ {
		n := 1 + rng.Intn(256)
		plen := 1 + rng.Intn(n)
		k := rng.Intn(n - plen + 1)

		// Filler never contains the wildcard and never starts the pattern,
		// so the first match is the planted one.
		pattern := make([]byte, plen)
		pattern[0] = 0x90
		for i := 1; i < plen; i++ {
			pattern[i] = byte(rng.Intn(0xC0))
		}
		region := make([]byte, n)
		for i := range region {
			region[i] = 0x91 + byte(rng.Intn(0x30))
		}
		copy(region[k:], pattern)

		m := rng.Intn(plen)
		for j := 0; j < m; j++ {
			pos := 1 + rng.Intn(plen)
			if pos >= plen {
				continue
			}
			pattern[pos] = wildcard
			region[k+pos] = byte(rng.Intn(256))
		}

		got, ok := FindPattern(region, pattern, wildcard)
		if !ok || got != k {
			t.Fatalf("iter %d: FindPattern(n=%d, len=%d) = %d, %v; want %d", iter, n, plen, got, ok, k)
		}
		if got > n-plen {
			t.Fatalf("iter %d: match %d past last window %d", iter, got, n-plen)
		}
	}
}

func TestFindPatternBounds(t *testing.T) {
	tests := []struct {
		name    string
		region  []byte
		pattern []byte
		want    int
		ok      bool
	}{
		{"at start", []byte{1, 2, 3, 4}, []byte{1, 2}, 0, true},
		{"at end", []byte{1, 2, 3, 4}, []byte{3, 4}, 2, true},
		{"whole region", []byte{1, 2, 3}, []byte{1, 2, 3}, 0, true},
		{"partial tail is not a match", []byte{1, 2, 3, 4}, []byte{4, 5}, 0, false},
		{"longer than region", []byte{1, 2}, []byte{1, 2, 3}, 0, false},
		{"empty pattern", []byte{1, 2}, nil, 0, false},
		{"empty region", nil, []byte{1}, 0, false},
		{"all wildcards", []byte{7, 8, 9}, []byte{0xCC, 0xCC}, 0, true},
		{"wildcard in middle", []byte{0, 0x48, 0x11, 0x89}, []byte{0x48, 0xCC, 0x89}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FindPattern(tt.region, tt.pattern, 0xCC)
			if ok != tt.ok || (ok && got != tt.want) {
				t.Errorf("FindPattern() = %d, %v; want %d, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestFindAll(t *testing.T) {
	region := []byte{0xAA, 0xAA, 0xAA, 0x00, 0xAA}
	got := FindAll(region, []byte{0xAA, 0xAA}, 0xCC)
	if diff := cmp.Diff([]int{0, 1}, got); diff != "" {
		t.Errorf("FindAll() mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePattern(t *testing.T) {
	sig, err := ParsePattern("48 8B 05 ?? ?? ?? ?? 48 85 C0")
	if err != nil {
		t.Fatal(err)
	}
	want := Signature{
		Bytes:    []byte{0x48, 0x8B, 0x05, 0xCC, 0xCC, 0xCC, 0xCC, 0x48, 0x85, 0xC0},
		Wildcard: 0xCC,
	}
	if diff := cmp.Diff(want, sig); diff != "" {
		t.Errorf("ParsePattern() mismatch (-want +got):\n%s", diff)
	}
	if got := sig.String(); got != "48 8B 05 ?? ?? ?? ?? 48 85 C0" {
		t.Errorf("String() = %q", got)
	}

	code := []byte{0x90, 0x48, 0x8B, 0x05, 0x10, 0x20, 0x30, 0x40, 0x48, 0x85, 0xC0, 0xC3}
	if off, ok := sig.Find(code); !ok || off != 1 {
		t.Errorf("Find() = %d, %v", off, ok)
	}

	// A literal CC forces another wildcard byte.
	sig, err = ParsePattern("CC ? 00")
	if err != nil {
		t.Fatal(err)
	}
	if sig.Wildcard == 0xCC || sig.Wildcard == 0x00 || sig.Bytes[1] != sig.Wildcard {
		t.Errorf("ParsePattern(CC ? 00) = %+v", sig)
	}
	if off, ok := sig.Find([]byte{0xCC, 0xCC, 0x00}); !ok || off != 0 {
		t.Errorf("Find() = %d, %v", off, ok)
	}

	for _, bad := range []string{"", "4", "GG", "123", "48 ???"} {
		if _, err := ParsePattern(bad); err == nil {
			t.Errorf("ParsePattern(%q) succeeded", bad)
		}
	}
}

func TestIsInsideRange(t *testing.T) {
	const max = ^uint64(0)
	tests := []struct {
		address, base, size uint64
		want                bool
	}{
		{0x1000, 0x1000, 0x100, true},
		{0x10ff, 0x1000, 0x100, true},
		{0x1100, 0x1000, 0x100, false},
		{0x0fff, 0x1000, 0x100, false},
		{0x1000, 0x1000, 0, false},
		{max, max - 1, 0x10, true},
		{0, max - 1, 0x10, false},
		{5, 0, max, true},
	}
	for _, tt := range tests {
		if got := IsInsideRange(tt.address, tt.base, tt.size); got != tt.want {
			t.Errorf("IsInsideRange(%#x, %#x, %#x) = %v, want %v", tt.address, tt.base, tt.size, got, tt.want)
		}
	}
	r := Region{Base: max - 1, Size: 0x10}
	if r.End() != max {
		t.Errorf("End() = %#x", r.End())
	}
	if Distance(3, 10) != 7 || Distance(10, 3) != 7 {
		t.Error("Distance is not symmetric")
	}
}
