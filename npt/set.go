// Package npt builds the nested page table views used to redirect guest
// execution.
//
// A Set owns one Table per View. Every view identity maps the same guest
// physical range; views differ only in their leaf permission policy and in
// per-page overrides installed by the hook and sandbox collaborators. A
// VM-exit handler moves a core between views by rewriting the VMCB nested CR3
// field with another view's NCR3, never by touching guest page tables.
package npt

import (
	"context"
	"fmt"
	"sync"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"
)

// Set is the collection of all views. Views are written during setup and
// read by every core afterwards.
type Set struct {
	mu     sync.RWMutex
	alloc  Allocator
	limit  uint64
	tables [NumViews]*Table
	log    log.Interface
}

// NewSet returns an empty set mapping [0, limit). The limit is rounded up to
// a 2 MiB boundary.
func NewSet(alloc Allocator, limit uint64, logger log.Interface) (*Set, error) {
	if limit == 0 || limit > MaxLimit {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidLimit, limit)
	}
	if logger == nil {
		logger = log.Log
	}
	limit = (limit + LargePageSize - 1) &^ (LargePageSize - 1)
	return &Set{alloc: alloc, limit: limit, log: logger}, nil
}

// Limit returns the end of the mapped guest physical range.
func (s *Set) Limit() uint64 { return s.limit }

// Build constructs the complete hierarchy for v with policy a. Building a
// view again replaces its tables.
func (s *Set) Build(v View, a Access) error {
	if !v.Valid() {
		return fmt.Errorf("npt: invalid view %d", int(v))
	}
	if err := a.Validate(); err != nil {
		return err
	}

	t, err := buildTable(s.alloc, v, a, s.limit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.tables[v]
	s.tables[v] = t
	s.mu.Unlock()

	if old != nil {
		old.release()
	}
	s.log.WithFields(log.Fields{
		"view":   v.String(),
		"access": a.String(),
		"ncr3":   fmt.Sprintf("%#x", t.NCR3()),
		"pages":  t.Pages(),
	}).Debug("built nested page tables")
	return nil
}

// BuildAll builds every view with its policy. Views share no state, so they
// are built concurrently; BuildAll returns once all of them are done.
func (s *Set) BuildAll(ctx context.Context, policies Policies) error {
	g, _ := errgroup.WithContext(ctx)
	for _, v := range Views {
		g.Go(func() error {
			return s.Build(v, policies[v])
		})
	}
	return g.Wait()
}

func (s *Set) table(v View) (*Table, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("npt: invalid view %d", int(v))
	}
	t := s.tables[v]
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotBuilt, v)
	}
	return t, nil
}

// Built reports whether v has tables.
func (s *Set) Built(v View) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return v.Valid() && s.tables[v] != nil
}

// AllBuilt reports whether every view has tables.
func (s *Set) AllBuilt() bool {
	for _, v := range Views {
		if !s.Built(v) {
			return false
		}
	}
	return true
}

// NCR3 returns the root table address of v, or zero if it is not built.
func (s *Set) NCR3(v View) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(v)
	if err != nil {
		return 0
	}
	return t.NCR3()
}

// ViewOf returns the view whose root table is at ncr3.
func (s *Set) ViewOf(ncr3 uint64) (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tables {
		if t != nil && t.NCR3() == ncr3 {
			return t.View(), true
		}
	}
	return 0, false
}

// Policy returns the access policy v was built with.
func (s *Set) Policy(v View) (Access, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(v)
	if err != nil {
		return Access{}, err
	}
	return t.Access(), nil
}

// Translate walks v for gpa.
func (s *Set) Translate(v View, gpa uint64) (Translation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(v)
	if err != nil {
		return Translation{}, err
	}
	return t.Translate(gpa)
}

// Override maps the 4 KiB guest page containing gpa to the host page
// containing hpa with access a, in view v only.
func (s *Set) Override(v View, gpa, hpa uint64, a Access) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(v)
	if err != nil {
		return err
	}
	if err := t.override(gpa, hpa, a); err != nil {
		return err
	}
	s.log.WithFields(log.Fields{
		"view":   v.String(),
		"gpa":    fmt.Sprintf("%#x", gpa&^(PageSize-1)),
		"hpa":    fmt.Sprintf("%#x", hpa&^(PageSize-1)),
		"access": a.String(),
	}).Debug("override page")
	return nil
}

// Restore undoes Override for the page containing gpa in view v.
func (s *Set) Restore(v View, gpa uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(v)
	if err != nil {
		return err
	}
	return t.restore(gpa)
}

// Release frees every view.
func (s *Set) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tables {
		if t != nil {
			t.release()
			s.tables[i] = nil
		}
	}
}
