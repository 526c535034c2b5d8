// Package sandbox confines execution of guest physical regions to the
// sandbox views.
//
// A sandboxed region is not executable in the primary view, so the first
// fetch from it faults and the exit handler moves the core to the sandbox
// view. There only the sandboxed regions are executable: leaving one faults
// again, and the handler steps the escaping instruction in the
// sandbox_single_step view, where everything except the sandboxed regions
// executes, before returning to sandbox.
package sandbox

import (
	"errors"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/google/btree"

	"github.com/blacktop/go-svm/npt"
)

var (
	ErrOverlap  = errors.New("sandbox: region overlaps an existing region")
	ErrNotFound = errors.New("sandbox: no such region")
)

// Region is a page aligned guest physical range.
type Region struct {
	Name string `json:"name" yaml:"name"`
	Base uint64 `json:"base" yaml:"base"`
	Size uint64 `json:"size" yaml:"size"`
}

// End returns the first address after r.
func (r Region) End() uint64 { return r.Base + r.Size }

// Contains reports whether gpa lies in r.
func (r Region) Contains(gpa uint64) bool {
	return gpa >= r.Base && gpa-r.Base < r.Size
}

func byBase(a, b Region) bool { return a.Base < b.Base }

// per view access of pages inside a sandboxed region
var regionAccess = [npt.NumViews]npt.Access{
	npt.Primary:           npt.RW,
	npt.NoExecute:         {},
	npt.Sandbox:           npt.RWX,
	npt.SandboxSingleStep: npt.RW,
}

// Policy is the set of sandboxed regions.
type Policy struct {
	mu      sync.Mutex
	views   *npt.Set
	regions *btree.BTreeG[Region]
	log     log.Interface
}

// Init returns an empty policy.
func Init(logger log.Interface) *Policy {
	if logger == nil {
		logger = log.Log
	}
	return &Policy{
		regions: btree.NewG(2, byBase),
		log:     logger,
	}
}

// SetViews attaches the view set once it is built.
func (p *Policy) SetViews(set *npt.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.views = set
}

// find returns the region containing gpa.
func (p *Policy) find(gpa uint64) (Region, bool) {
	var (
		hit   Region
		found bool
	)
	p.regions.DescendLessOrEqual(Region{Base: gpa}, func(r Region) bool {
		hit, found = r, r.Contains(gpa)
		return false
	})
	return hit, found
}

// AddRegion sandboxes r. Base and size are widened to page boundaries.
func (p *Policy) AddRegion(r Region) (Region, error) {
	r.Size = (r.Base&(npt.PageSize-1) + r.Size + npt.PageSize - 1) &^ (npt.PageSize - 1)
	r.Base &^= npt.PageSize - 1
	if r.Size == 0 {
		return Region{}, fmt.Errorf("sandbox: empty region %s", r.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.views == nil {
		return Region{}, fmt.Errorf("sandbox: add %s: %w", r.Name, npt.ErrNotBuilt)
	}
	if err := p.overlaps(r); err != nil {
		return Region{}, err
	}

	for gpa := r.Base; gpa < r.End(); gpa += npt.PageSize {
		for _, v := range []npt.View{npt.Primary, npt.Sandbox, npt.SandboxSingleStep} {
			if err := p.views.Override(v, gpa, gpa, regionAccess[v]); err != nil {
				p.restore(Region{Base: r.Base, Size: gpa + npt.PageSize - r.Base})
				return Region{}, fmt.Errorf("sandbox: add %s: %w", r.Name, err)
			}
		}
	}
	p.regions.ReplaceOrInsert(r)
	p.log.WithFields(log.Fields{
		"region": r.Name,
		"base":   fmt.Sprintf("%#x", r.Base),
		"size":   fmt.Sprintf("%#x", r.Size),
	}).Info("region sandboxed")
	return r, nil
}

func (p *Policy) overlaps(r Region) error {
	var err error
	check := func(o Region) bool {
		if o.Base < r.End() && r.Base < o.End() {
			err = fmt.Errorf("%w: %s [%#x-%#x)", ErrOverlap, o.Name, o.Base, o.End())
			return false
		}
		return true
	}
	p.regions.DescendLessOrEqual(Region{Base: r.Base}, func(o Region) bool {
		check(o)
		return false
	})
	if err == nil {
		p.regions.AscendRange(Region{Base: r.Base}, Region{Base: r.End()}, check)
	}
	return err
}

func (p *Policy) restore(r Region) {
	for gpa := r.Base; gpa < r.End(); gpa += npt.PageSize {
		for _, v := range []npt.View{npt.Primary, npt.Sandbox, npt.SandboxSingleStep} {
			if err := p.views.Restore(v, gpa); err != nil && !errors.Is(err, npt.ErrNotMapped) {
				p.log.WithError(err).WithField("view", v.String()).Warn("restore sandboxed page")
			}
		}
	}
}

// RemoveRegion un-sandboxes the region starting at base.
func (p *Policy) RemoveRegion(base uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.regions.Get(Region{Base: base &^ (npt.PageSize - 1)})
	if !ok {
		return fmt.Errorf("%w: %#x", ErrNotFound, base)
	}
	p.restore(r)
	p.regions.Delete(r)
	p.log.WithField("region", r.Name).Info("region released")
	return nil
}

// Lookup returns the sandboxed region containing gpa.
func (p *Policy) Lookup(gpa uint64) (Region, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.find(gpa)
}

// Regions returns all regions ordered by base.
func (p *Policy) Regions() []Region {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Region, 0, p.regions.Len())
	p.regions.Ascend(func(r Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

// ViewForFetch picks the view for an instruction fetch nested page fault
// at gpa taken while running in current.
func (p *Policy) ViewForFetch(current npt.View, gpa uint64) npt.View {
	_, inside := p.Lookup(gpa)
	switch {
	case inside:
		return npt.Sandbox
	case current == npt.Sandbox:
		return npt.SandboxSingleStep
	default:
		return npt.Primary
	}
}
