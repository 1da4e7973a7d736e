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

// Package addrspace manages the guest physical address space of a virtual
// machine.
//
// An AddrSpace owns a nested page table and the set of areas mapped into it.
// Each area is populated by a Backend: Linear areas translate at a constant
// offset onto memory owned by the embedder, Alloc areas are backed by frames
// the area allocates itself, either eagerly or on first fault.
//
// An AddrSpace is exclusively owned. All mapping, unmapping and fault
// handling calls on one AddrSpace must be serialized by the caller, which is
// typically the single vCPU thread of the guest.
package addrspace

import (
	"fmt"
	"strings"

	"gvisor.dev/guestmem/pkg/errors/memerr"
	"gvisor.dev/guestmem/pkg/gpa"
	"gvisor.dev/guestmem/pkg/hal"
	"gvisor.dev/guestmem/pkg/hostarch"
	"gvisor.dev/guestmem/pkg/log"
	"gvisor.dev/guestmem/pkg/memset"
	"gvisor.dev/guestmem/pkg/npt"
)

// Opts are address space options.
type Opts struct {
	// Flush invalidates cached guest translations after the page table
	// drops or changes entries. It is required.
	Flush npt.FlushFunc

	// LinearHugePages allows linear areas to use 2M and 1G leaves.
	LinearHugePages bool
}

// Area is an area of an AddrSpace.
type Area = memset.Area[*npt.PageTable, Backend]

// AddrSpace is a guest physical address space.
type AddrSpace struct {
	vaRange gpa.AddrRange
	areas   *memset.Set[*npt.PageTable, Backend]
	pt      *npt.PageTable
	hal     hal.Handler
	opts    Opts
}

// New returns an empty AddrSpace covering [base, base+size) with a freshly
// allocated page table root.
func New(base gpa.Addr, size uint64, h hal.Handler, opts Opts) (*AddrSpace, error) {
	r, ok := gpa.FromStartSize(base, size)
	if !ok || !r.IsPageAligned() {
		return nil, fmt.Errorf("%w: address space [%v, +%#x)", memerr.ErrInvalidInput, base, size)
	}
	if opts.Flush == nil {
		return nil, fmt.Errorf("%w: address space requires a flush function", memerr.ErrInvalidInput)
	}
	pt, err := npt.New(h, npt.Opts{Flush: opts.Flush})
	if err != nil {
		return nil, err
	}
	log.Debugf("New address space %v, page table root %v", r, pt.RootPaddr())
	return &AddrSpace{
		vaRange: r,
		areas:   memset.New[*npt.PageTable, Backend](),
		pt:      pt,
		hal:     h,
		opts:    opts,
	}, nil
}

// Base returns the first address of the space.
func (as *AddrSpace) Base() gpa.Addr {
	return as.vaRange.Start
}

// End returns the first address past the space.
func (as *AddrSpace) End() gpa.Addr {
	return as.vaRange.End
}

// Size returns the size of the space in bytes.
func (as *AddrSpace) Size() uint64 {
	return as.vaRange.Length()
}

// PageTable returns the nested page table.
func (as *AddrSpace) PageTable() *npt.PageTable {
	return as.pt
}

// PageTableRoot returns the physical address of the page table root, for
// installation in the virtualization control structures.
func (as *AddrSpace) PageTableRoot() hostarch.PhysAddr {
	return as.pt.RootPaddr()
}

// ContainsRange returns true if [start, start+size) lies within the space.
func (as *AddrSpace) ContainsRange(start gpa.Addr, size uint64) bool {
	r, ok := gpa.FromStartSize(start, size)
	return ok && as.vaRange.IsSupersetOf(r)
}

// checkRequest validates the alignment and bounds of a mapping request.
func (as *AddrSpace) checkRequest(start gpa.Addr, size uint64) error {
	if !start.IsPageAligned() || !hostarch.IsPageAligned(size) {
		return fmt.Errorf("%w: [%v, +%#x) is not page aligned", memerr.ErrInvalidInput, start, size)
	}
	if !as.ContainsRange(start, size) {
		return fmt.Errorf("%w: [%v, +%#x) is outside %v", memerr.ErrInvalidInput, start, size, as.vaRange)
	}
	return nil
}

// MapLinear maps [vaddr, vaddr+size) onto the host range starting at paddr.
//
// The host memory is not owned by the address space and is never freed by
// it.
func (as *AddrSpace) MapLinear(vaddr gpa.Addr, paddr hostarch.PhysAddr, size uint64, flags gpa.MappingFlags) error {
	if err := as.checkRequest(vaddr, size); err != nil {
		return err
	}
	if !paddr.IsPageAligned() {
		return fmt.Errorf("%w: %v is not page aligned", memerr.ErrInvalidInput, paddr)
	}
	offset := uint64(vaddr) - uint64(paddr)
	area := Area{
		Range:   gpa.AddrRange{Start: vaddr, End: vaddr + gpa.Addr(size)},
		Flags:   flags,
		Backend: NewLinear(offset, as.opts.LinearHugePages),
	}
	if err := as.areas.Map(area, as.pt, false); err != nil {
		return fmt.Errorf("map_linear %v: %w", area.Range, err)
	}
	return nil
}

// MapAlloc maps [vaddr, vaddr+size) onto frames allocated by the space. If
// populate is set every frame is allocated now, otherwise each page is
// allocated when the guest first touches it.
func (as *AddrSpace) MapAlloc(vaddr gpa.Addr, size uint64, flags gpa.MappingFlags, populate bool) error {
	if err := as.checkRequest(vaddr, size); err != nil {
		return err
	}
	if flags.Access() == gpa.NoAccess {
		// Entries without access bits cannot hold an owned frame.
		return fmt.Errorf("%w: allocated area [%v, +%#x) needs at least one of %v", memerr.ErrInvalidInput, vaddr, size, gpa.AnyAccess)
	}
	area := Area{
		Range:   gpa.AddrRange{Start: vaddr, End: vaddr + gpa.Addr(size)},
		Flags:   flags,
		Backend: NewAlloc(as.hal, populate),
	}
	if err := as.areas.Map(area, as.pt, false); err != nil {
		return fmt.Errorf("map_alloc %v: %w", area.Range, err)
	}
	return nil
}

// Unmap removes [vaddr, vaddr+size) from the space, releasing the frames of
// Alloc areas. Areas that are partially covered keep their remaining parts.
func (as *AddrSpace) Unmap(vaddr gpa.Addr, size uint64) error {
	if err := as.checkRequest(vaddr, size); err != nil {
		return err
	}
	if err := as.areas.Unmap(vaddr, size, as.pt); err != nil {
		return fmt.Errorf("unmap [%v, +%#x): %w", vaddr, size, err)
	}
	return nil
}

// Protect records new flags for [vaddr, vaddr+size).
//
// Entries already in the page table keep their permissions. The new flags
// govern fault checks and pages populated afterwards; a fault for an access
// the new flags grant but an older entry lacks upgrades that entry. Alloc
// areas must keep at least one access bit.
func (as *AddrSpace) Protect(vaddr gpa.Addr, size uint64, flags gpa.MappingFlags) error {
	if err := as.checkRequest(vaddr, size); err != nil {
		return err
	}
	if flags.Access() == gpa.NoAccess {
		r := gpa.AddrRange{Start: vaddr, End: vaddr + gpa.Addr(size)}
		var alloc *Area
		as.areas.ForEach(func(a Area) bool {
			if a.Range.Start >= r.End {
				return false
			}
			if a.Range.Overlaps(r) && a.Backend.Kind() == Alloc {
				alloc = &a
				return false
			}
			return true
		})
		if alloc != nil {
			return fmt.Errorf("%w: protect [%v, +%#x): allocated area %v needs at least one of %v", memerr.ErrInvalidInput, vaddr, size, alloc.Range, gpa.AnyAccess)
		}
	}
	update := func(gpa.MappingFlags) (gpa.MappingFlags, bool) {
		return flags, true
	}
	if err := as.areas.Protect(vaddr, size, update, as.pt); err != nil {
		return fmt.Errorf("protect [%v, +%#x): %w", vaddr, size, err)
	}
	return nil
}

// Clear unmaps every area. A failure leaves the page table and the areas out
// of sync, which cannot be recovered from, so Clear panics.
func (as *AddrSpace) Clear() {
	if err := as.areas.Clear(as.pt); err != nil {
		panic(fmt.Sprintf("clearing address space %v: %v", as.vaRange, err))
	}
}

// Release clears the space and frees the page table. The space must not be
// used afterwards.
func (as *AddrSpace) Release() {
	as.Clear()
	as.pt.Release()
}

// ForEachArea calls fn for every area in address order until fn returns
// false.
func (as *AddrSpace) ForEachArea(fn func(Area) bool) {
	as.areas.ForEach(fn)
}

// String implements fmt.Stringer.String. It lists every area.
func (as *AddrSpace) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "AddrSpace %v, root %v:\n", as.vaRange, as.pt.RootPaddr())
	as.areas.ForEach(func(a Area) bool {
		fmt.Fprintf(&b, "  %v\n", a)
		return true
	})
	return b.String()
}
