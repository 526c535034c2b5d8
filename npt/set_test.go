package npt

import (
	"context"
	"errors"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/google/go-cmp/cmp"
)

const testLimit = 4 << 30 // 4 GiB

func newTestSet(t *testing.T) (*Set, *RuntimeAllocator) {
	t.Helper()
	alloc := NewRuntimeAllocator()
	s, err := NewSet(alloc, testLimit, &log.Logger{Handler: discard.Default, Level: log.ErrorLevel})
	if err != nil {
		t.Fatalf("NewSet() error = %v", err)
	}
	return s, alloc
}

func TestBuildAccessMatchesPolicy(t *testing.T) {
	policies := []Access{RWX, RW, RX, {Read: true}, {}}
	addrs := []uint64{0, 0x1000, 0x1fffff, 0x200000, 0x7fe01234, testLimit - 1}

	for _, v := range Views {
		for _, p := range policies {
			t.Run(v.String()+"/"+p.String(), func(t *testing.T) {
				s, _ := newTestSet(t)
				if err := s.Build(v, p); err != nil {
					t.Fatalf("Build(%s, %s) error = %v", v, p, err)
				}
				for _, gpa := range addrs {
					tr, err := s.Translate(v, gpa)
					if err != nil {
						t.Fatalf("Translate(%s, %#x) error = %v", v, gpa, err)
					}
					if tr.Access != p {
						t.Errorf("Translate(%s, %#x).Access = %s, want %s", v, gpa, tr.Access, p)
					}
					if tr.HPA != gpa {
						t.Errorf("Translate(%s, %#x).HPA = %#x, want identity", v, gpa, tr.HPA)
					}
				}
			})
		}
	}
}

func TestBuildRejectsInexpressiblePolicy(t *testing.T) {
	s, _ := newTestSet(t)
	for _, p := range []Access{{Write: true}, {Execute: true}, {Write: true, Execute: true}} {
		if err := s.Build(Primary, p); !errors.Is(err, ErrInvalidPolicy) {
			t.Errorf("Build(primary, %s) error = %v, want ErrInvalidPolicy", p, err)
		}
	}
	if s.Built(Primary) {
		t.Error("rejected policy left a built view behind")
	}
}

func TestBuildAllDefaultPolicies(t *testing.T) {
	s, _ := newTestSet(t)
	if err := s.BuildAll(context.Background(), DefaultPolicies()); err != nil {
		t.Fatalf("BuildAll() error = %v", err)
	}

	seen := make(map[uint64]View)
	for _, v := range Views {
		ncr3 := s.NCR3(v)
		if ncr3 == 0 {
			t.Errorf("NCR3(%s) = 0", v)
		}
		if other, dup := seen[ncr3]; dup {
			t.Errorf("NCR3(%s) = NCR3(%s) = %#x", v, other, ncr3)
		}
		seen[ncr3] = v
		if got, ok := s.ViewOf(ncr3); !ok || got != v {
			t.Errorf("ViewOf(%#x) = %s, %v; want %s", ncr3, got, ok, v)
		}
	}

	const gpa = 0x12345000
	primary, err := s.Translate(Primary, gpa)
	if err != nil {
		t.Fatal(err)
	}
	noexec, err := s.Translate(NoExecute, gpa)
	if err != nil {
		t.Fatal(err)
	}
	if !primary.Access.Execute {
		t.Error("primary view is not executable")
	}
	if noexec.Access.Execute {
		t.Error("noexecute view is executable")
	}
}

func TestRebuildReplaces(t *testing.T) {
	s, alloc := newTestSet(t)
	if err := s.Build(Sandbox, RW); err != nil {
		t.Fatal(err)
	}
	pages := alloc.Pages()
	first := s.NCR3(Sandbox)

	if err := s.Build(Sandbox, RWX); err != nil {
		t.Fatal(err)
	}
	if got := alloc.Pages(); got != pages {
		t.Errorf("pages after rebuild = %d, want %d", got, pages)
	}
	if s.NCR3(Sandbox) == first {
		t.Error("rebuild kept the old root")
	}
	if p, _ := s.Policy(Sandbox); p != RWX {
		t.Errorf("Policy(sandbox) = %s, want rwx", p)
	}
}

func TestViewIsolation(t *testing.T) {
	s, _ := newTestSet(t)
	if err := s.BuildAll(context.Background(), DefaultPolicies()); err != nil {
		t.Fatal(err)
	}
	before := make(map[View]Translation)
	for _, v := range Views {
		tr, err := s.Translate(v, 0x40001000)
		if err != nil {
			t.Fatal(err)
		}
		before[v] = tr
	}

	if err := s.Build(NoExecute, Access{Read: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.Override(Sandbox, 0x40001000, 0x90000000, RX); err != nil {
		t.Fatal(err)
	}

	for _, v := range []View{Primary, SandboxSingleStep} {
		tr, err := s.Translate(v, 0x40001000)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(before[v], tr); diff != "" {
			t.Errorf("%s translation changed (-before +after):\n%s", v, diff)
		}
	}

	tr, err := s.Translate(Sandbox, 0x40001abc)
	if err != nil {
		t.Fatal(err)
	}
	want := Translation{GPA: 0x40001abc, HPA: 0x90000abc, Size: PageSize, Access: RX}
	if diff := cmp.Diff(want, tr); diff != "" {
		t.Errorf("sandbox override mismatch (-want +got):\n%s", diff)
	}

	// Neighbours inside the split 2 MiB page keep the view policy.
	tr, err = s.Translate(Sandbox, 0x40002000)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Access != RW || tr.HPA != 0x40002000 || tr.Size != PageSize {
		t.Errorf("neighbour after split = %+v", tr)
	}

	if err := s.Restore(Sandbox, 0x40001000); err != nil {
		t.Fatal(err)
	}
	tr, _ = s.Translate(Sandbox, 0x40001000)
	if tr.HPA != 0x40001000 || tr.Access != RW {
		t.Errorf("after Restore = %+v", tr)
	}
}

func TestTranslateOutOfRange(t *testing.T) {
	s, _ := newTestSet(t)
	if _, err := s.Translate(Primary, 0); !errors.Is(err, ErrNotBuilt) {
		t.Errorf("Translate on unbuilt view error = %v, want ErrNotBuilt", err)
	}
	if err := s.Build(Primary, RWX); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Translate(Primary, testLimit); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Translate(limit) error = %v, want ErrNotMapped", err)
	}
}

func TestNewSetLimit(t *testing.T) {
	if _, err := NewSet(NewRuntimeAllocator(), 0, nil); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("NewSet(0) error = %v", err)
	}
	if _, err := NewSet(NewRuntimeAllocator(), MaxLimit+1, nil); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("NewSet(MaxLimit+1) error = %v", err)
	}
	s, err := NewSet(NewRuntimeAllocator(), 0x200001, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Limit() != 0x400000 {
		t.Errorf("Limit() = %#x, want 0x400000", s.Limit())
	}
}

func TestRelease(t *testing.T) {
	s, alloc := newTestSet(t)
	if err := s.BuildAll(context.Background(), DefaultPolicies()); err != nil {
		t.Fatal(err)
	}
	s.Release()
	if n := alloc.Pages(); n != 0 {
		t.Errorf("pages after Release = %d, want 0", n)
	}
	if s.AllBuilt() {
		t.Error("AllBuilt() after Release")
	}
}

func TestPTEAccessBits(t *testing.T) {
	tests := []struct {
		access Access
		want   PTE
	}{
		{RWX, present | writable | user | mapped},
		{RW, present | writable | user | mapped | noExecute},
		{Access{Read: true}, present | user | mapped | noExecute},
		{Access{}, user | mapped | noExecute},
	}
	for _, tt := range tests {
		t.Run(tt.access.String(), func(t *testing.T) {
			if got := leaf(0, tt.access, false); got != tt.want {
				t.Errorf("leaf(%s) = %#x, want %#x", tt.access, uint64(got), uint64(tt.want))
			}
			if got := leaf(0, tt.access, false).Access(); got != tt.access {
				t.Errorf("leaf(%s).Access() = %s", tt.access, got)
			}
		})
	}
}

func TestParseView(t *testing.T) {
	for _, v := range Views {
		got, err := ParseView(v.String())
		if err != nil || got != v {
			t.Errorf("ParseView(%q) = %v, %v", v.String(), got, err)
		}
	}
	if _, err := ParseView("shadow"); err == nil {
		t.Error("ParseView(shadow) succeeded")
	}
}
