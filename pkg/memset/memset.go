// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memset tracks the areas of a guest physical address space.
//
// A Set holds non-overlapping areas ordered by start address. Each area
// carries permission flags and a backend that knows how to populate and
// depopulate the area in a page table of type P.
//
// Sets are not synchronized.
package memset

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/guestmem/pkg/errors/memerr"
	"gvisor.dev/guestmem/pkg/gpa"
	"gvisor.dev/guestmem/pkg/log"
)

// Backend maps the pages of an area into a page table of type P.
//
// Backends are small values. Splitting an area copies its backend into each
// fragment, so a backend must not depend on the bounds of the area it was
// created for.
type Backend[P any] interface {
	// Map populates [start, start+size) with the given flags.
	Map(start gpa.Addr, size uint64, flags gpa.MappingFlags, pt P) bool

	// Unmap depopulates [start, start+size).
	Unmap(start gpa.Addr, size uint64, pt P) bool

	// Protect changes the flags of [start, start+size).
	Protect(start gpa.Addr, size uint64, flags gpa.MappingFlags, pt P) bool
}

// Area is one contiguous region with uniform flags and backend.
type Area[P any, B Backend[P]] struct {
	Range   gpa.AddrRange
	Flags   gpa.MappingFlags
	Backend B
}

// String implements fmt.Stringer.String.
func (a Area[P, B]) String() string {
	return fmt.Sprintf("%v %v %v", a.Range, a.Flags, a.Backend)
}

// degree is the B-tree degree. Address spaces hold few areas.
const degree = 8

// Set is an ordered set of non-overlapping areas.
type Set[P any, B Backend[P]] struct {
	tree *btree.BTreeG[Area[P, B]]
}

func byStart[P any, B Backend[P]](a, b Area[P, B]) bool {
	return a.Range.Start < b.Range.Start
}

// New returns an empty Set.
func New[P any, B Backend[P]]() *Set[P, B] {
	return &Set[P, B]{
		tree: btree.NewG[Area[P, B]](degree, byStart[P, B]),
	}
}

// key returns a pivot for tree lookups.
func (s *Set[P, B]) key(addr gpa.Addr) Area[P, B] {
	return Area[P, B]{Range: gpa.AddrRange{Start: addr, End: addr}}
}

// Len returns the number of areas.
func (s *Set[P, B]) Len() int {
	return s.tree.Len()
}

// Find returns the area containing addr.
func (s *Set[P, B]) Find(addr gpa.Addr) (Area[P, B], bool) {
	var (
		found Area[P, B]
		ok    bool
	)
	s.tree.DescendLessOrEqual(s.key(addr), func(a Area[P, B]) bool {
		found, ok = a, a.Range.Contains(addr)
		return false
	})
	return found, ok
}

// Overlaps returns true if any area overlaps r.
func (s *Set[P, B]) Overlaps(r gpa.AddrRange) bool {
	if r.IsEmpty() {
		return false
	}
	overlaps := false
	// Areas are disjoint, so the last area starting before r.End has the
	// highest end of all such areas.
	s.tree.DescendLessOrEqual(s.key(r.End-1), func(a Area[P, B]) bool {
		overlaps = a.Range.End > r.Start
		return false
	})
	return overlaps
}

// overlapping returns the areas overlapping r in address order.
func (s *Set[P, B]) overlapping(r gpa.AddrRange) []Area[P, B] {
	var areas []Area[P, B]
	first := r.Start
	s.tree.DescendLessOrEqual(s.key(r.Start), func(a Area[P, B]) bool {
		if a.Range.End > r.Start {
			first = a.Range.Start
		}
		return false
	})
	s.tree.AscendRange(s.key(first), s.key(r.End), func(a Area[P, B]) bool {
		areas = append(areas, a)
		return true
	})
	return areas
}

// checkRange validates a request against page alignment.
func checkRange(start gpa.Addr, size uint64) (gpa.AddrRange, error) {
	r, ok := gpa.FromStartSize(start, size)
	if !ok {
		return gpa.AddrRange{}, fmt.Errorf("%w: [%v, +%#x) overflows", memerr.ErrInvalidInput, start, size)
	}
	if !r.IsPageAligned() {
		return gpa.AddrRange{}, fmt.Errorf("%w: %v is not page aligned", memerr.ErrInvalidInput, r)
	}
	return r, nil
}

// Map adds an area and populates it through its backend.
//
// If the area overlaps existing areas, Map fails with ErrAlreadyExists
// unless unmapOverlap is set, in which case the overlapped parts are unmapped
// first. If the backend fails, whatever it installed is unmapped again and
// ErrBadState is returned; the area is not added.
func (s *Set[P, B]) Map(area Area[P, B], pt P, unmapOverlap bool) error {
	if area.Range.IsEmpty() || !area.Range.WellFormed() || !area.Range.IsPageAligned() {
		return fmt.Errorf("%w: invalid area %v", memerr.ErrInvalidInput, area.Range)
	}
	if s.Overlaps(area.Range) {
		if !unmapOverlap {
			return fmt.Errorf("%w: %v overlaps an existing area", memerr.ErrAlreadyExists, area.Range)
		}
		if err := s.Unmap(area.Range.Start, area.Range.Length(), pt); err != nil {
			return err
		}
	}
	if !area.Backend.Map(area.Range.Start, area.Range.Length(), area.Flags, pt) {
		if !area.Backend.Unmap(area.Range.Start, area.Range.Length(), pt) {
			log.Warningf("Failed to roll back partially mapped area %v", area)
		}
		return fmt.Errorf("%w: mapping %v", memerr.ErrBadState, area)
	}
	s.tree.ReplaceOrInsert(area)
	return nil
}

// Unmap removes [start, start+size) from every area it overlaps. Areas
// partially covered are shrunk or split; the surviving parts keep their flags
// and backend. Holes are ignored.
//
// If a backend fails, ErrBadState is returned. Areas processed before the
// failure stay removed.
func (s *Set[P, B]) Unmap(start gpa.Addr, size uint64, pt P) error {
	r, err := checkRange(start, size)
	if err != nil {
		return err
	}
	if r.IsEmpty() {
		return nil
	}
	for _, a := range s.overlapping(r) {
		cut := a.Range.Intersect(r)
		if !a.Backend.Unmap(cut.Start, cut.Length(), pt) {
			return fmt.Errorf("%w: unmapping %v from %v", memerr.ErrBadState, cut, a)
		}
		s.tree.Delete(a)
		if a.Range.Start < cut.Start {
			left := a
			left.Range.End = cut.Start
			s.tree.ReplaceOrInsert(left)
		}
		if cut.End < a.Range.End {
			right := a
			right.Range.Start = cut.End
			s.tree.ReplaceOrInsert(right)
		}
	}
	return nil
}

// Protect changes the flags of [start, start+size) within every area it
// overlaps. update returns the new flags for an area, or false to leave the
// area alone. Areas partially covered are split so that flags stay uniform
// per area.
func (s *Set[P, B]) Protect(start gpa.Addr, size uint64, update func(gpa.MappingFlags) (gpa.MappingFlags, bool), pt P) error {
	r, err := checkRange(start, size)
	if err != nil {
		return err
	}
	if r.IsEmpty() {
		return nil
	}
	for _, a := range s.overlapping(r) {
		flags, ok := update(a.Flags)
		if !ok || flags == a.Flags {
			continue
		}
		cut := a.Range.Intersect(r)
		if !a.Backend.Protect(cut.Start, cut.Length(), flags, pt) {
			return fmt.Errorf("%w: protecting %v in %v", memerr.ErrBadState, cut, a)
		}
		s.tree.Delete(a)
		if a.Range.Start < cut.Start {
			left := a
			left.Range.End = cut.Start
			s.tree.ReplaceOrInsert(left)
		}
		middle := a
		middle.Range = cut
		middle.Flags = flags
		s.tree.ReplaceOrInsert(middle)
		if cut.End < a.Range.End {
			right := a
			right.Range.Start = cut.End
			s.tree.ReplaceOrInsert(right)
		}
	}
	return nil
}

// Clear unmaps and removes every area. It stops at the first backend
// failure, leaving the failed area and those after it in the set.
func (s *Set[P, B]) Clear(pt P) error {
	for s.tree.Len() > 0 {
		a, _ := s.tree.Min()
		if !a.Backend.Unmap(a.Range.Start, a.Range.Length(), pt) {
			return fmt.Errorf("%w: unmapping %v", memerr.ErrBadState, a)
		}
		s.tree.Delete(a)
	}
	return nil
}

// ForEach calls fn for every area in address order until fn returns false.
func (s *Set[P, B]) ForEach(fn func(Area[P, B]) bool) {
	s.tree.Ascend(func(a Area[P, B]) bool {
		return fn(a)
	})
}
