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

// Package npt implements the nested (second level) page table that
// translates guest physical addresses to host physical addresses.
//
// The table has four levels of 512 entries each. Leaves may be 4K, 2M or 1G.
// Nodes are host frames obtained from a hal.Handler and accessed through its
// PhysToVirt translation.
//
// A PageTable is not synchronized. Callers must serialize all operations on
// one table.
package npt

import (
	"fmt"

	"gvisor.dev/guestmem/pkg/errors/memerr"
	"gvisor.dev/guestmem/pkg/gpa"
	"gvisor.dev/guestmem/pkg/hal"
	"gvisor.dev/guestmem/pkg/hostarch"
	"gvisor.dev/guestmem/pkg/log"
)

// FlushFunc invalidates cached translations for [start, start+size).
type FlushFunc func(start gpa.Addr, size uint64)

// Opts are page table options.
type Opts struct {
	// Flush is called after entries that the processor may have cached are
	// removed or changed. It is required.
	Flush FlushFunc
}

// PageTable is a nested page table.
type PageTable struct {
	hal   hal.Handler
	flush FlushFunc

	// root is the physical address of the root node.
	root hostarch.PhysAddr

	// nodes is the number of allocated nodes, including the root.
	nodes int

	released bool
}

// Mapping describes one leaf entry.
type Mapping struct {
	Start       gpa.Addr
	Size        PageSize
	Target      hostarch.PhysAddr
	Flags       gpa.MappingFlags
	Placeholder bool
}

// New returns a new PageTable with an empty root node.
func New(h hal.Handler, opts Opts) (*PageTable, error) {
	if opts.Flush == nil {
		return nil, fmt.Errorf("%w: page table requires a flush function", memerr.ErrInvalidInput)
	}
	p := &PageTable{
		hal:   h,
		flush: opts.Flush,
	}
	root, err := p.allocNode()
	if err != nil {
		return nil, fmt.Errorf("allocating page table root: %w", err)
	}
	p.root = root
	return p, nil
}

// RootPaddr returns the physical address of the root node, suitable for
// installation in the EPT pointer.
func (p *PageTable) RootPaddr() hostarch.PhysAddr {
	return p.root
}

// Flush invalidates cached translations for [start, start+size) without
// changing any entry.
func (p *PageTable) Flush(start gpa.Addr, size uint64) {
	p.flush(start, size)
}

// Nodes returns the number of nodes, including the root.
func (p *PageTable) Nodes() int {
	return p.nodes
}

// checkRange validates [va, va+size) against alignment and the width of the
// table.
func checkRange(va gpa.Addr, size uint64, align uint64) error {
	if !va.IsAligned(align) || size&(align-1) != 0 {
		return fmt.Errorf("%w: [%v, +%#x) is not aligned to %#x", memerr.ErrInvalidInput, va, size, align)
	}
	if uint64(va) >= MaxAddr || size > MaxAddr-uint64(va) {
		return fmt.Errorf("%w: [%v, +%#x) exceeds the %d-bit address space", memerr.ErrInvalidInput, va, size, addressBits)
	}
	return nil
}

// Map installs a single leaf of the given size.
//
// Preconditions: va and pa must be aligned to size.
func (p *PageTable) Map(va gpa.Addr, pa hostarch.PhysAddr, size PageSize, flags gpa.MappingFlags) error {
	l, ok := levelFor(size)
	if !ok {
		return fmt.Errorf("%w: unsupported page size %v", memerr.ErrInvalidInput, size)
	}
	if err := checkRange(va, uint64(size), uint64(size)); err != nil {
		return err
	}
	if uint64(pa)&(uint64(size)-1) != 0 {
		return fmt.Errorf("%w: %v is not aligned to %v", memerr.ErrInvalidInput, pa, size)
	}
	e, err := p.walk(uint64(va), l, true, false)
	if err != nil {
		return fmt.Errorf("mapping %v: %w", va, err)
	}
	if e.isTable(l) || e.Present() {
		return fmt.Errorf("mapping %v: %w", va, memerr.ErrAlreadyExists)
	}
	e.Set(pa, flags, size.IsHuge())
	return nil
}

// Unmap removes the leaf covering va and returns what it mapped, so that the
// caller can release the target.
//
// Placeholder entries are removed as well, but report ErrNotMapped since
// they carry no target.
func (p *PageTable) Unmap(va gpa.Addr) (hostarch.PhysAddr, PageSize, gpa.MappingFlags, error) {
	if uint64(va) >= MaxAddr {
		return 0, 0, 0, memerr.ErrInvalidInput
	}
	e, l, err := p.lookup(uint64(va))
	if err != nil {
		return 0, 0, 0, err
	}
	if e.Unused() {
		return 0, 0, 0, memerr.ErrNotMapped
	}
	if e.IsPlaceholder() {
		e.Clear()
		return 0, 0, 0, memerr.ErrNotMapped
	}
	addr, flags, size := e.Address(), e.Flags(), l.pageSize()
	e.Clear()
	p.flush(va.AlignDown(uint64(size)), uint64(size))
	return addr, size, flags, nil
}

// Remap points the existing leaf covering va at pa with the given flags and
// returns the size of that leaf. va is aligned down to the leaf size, so any
// offset into the page is dropped. Placeholders are valid targets.
func (p *PageTable) Remap(va gpa.Addr, pa hostarch.PhysAddr, flags gpa.MappingFlags) (PageSize, error) {
	if uint64(va) >= MaxAddr {
		return 0, memerr.ErrInvalidInput
	}
	e, l, err := p.lookup(uint64(va))
	if err != nil {
		return 0, err
	}
	if e.Unused() {
		return 0, memerr.ErrNotMapped
	}
	size := l.pageSize()
	if uint64(pa)&(uint64(size)-1) != 0 {
		return 0, fmt.Errorf("%w: %v is not aligned to %v", memerr.ErrInvalidInput, pa, size)
	}
	e.Set(pa, flags, size.IsHuge())
	p.flush(va.AlignDown(uint64(size)), uint64(size))
	return size, nil
}

// Query returns the translation of va, including the offset into the page,
// and the flags and size of the leaf covering it.
func (p *PageTable) Query(va gpa.Addr) (hostarch.PhysAddr, gpa.MappingFlags, PageSize, error) {
	if uint64(va) >= MaxAddr {
		return 0, 0, 0, memerr.ErrInvalidInput
	}
	e, l, err := p.lookup(uint64(va))
	if err != nil {
		return 0, 0, 0, err
	}
	if !e.Present() {
		return 0, 0, 0, memerr.ErrNotMapped
	}
	size := l.pageSize()
	return e.Address() + hostarch.PhysAddr(uint64(va)&(uint64(size)-1)), e.Flags(), size, nil
}

// hugeLevel returns the highest level at which [va, va+length) can be mapped
// to pa with a single leaf.
func hugeLevel(va uint64, pa hostarch.PhysAddr, length uint64) level {
	for l := levelPDPT; l < levelPT; l++ {
		mask := l.size() - 1
		if va&mask == 0 && uint64(pa)&mask == 0 && length >= l.size() {
			return l
		}
	}
	return levelPT
}

// MapRegion maps [start, start+size), using paOf to compute the target of
// each page.
//
// Flags without access bits install placeholders. If allowHuge is set, 2M and
// 1G leaves are used where the virtual and physical addresses permit. If
// allowOverwrite is not set, existing mappings cause ErrAlreadyExists;
// placeholders are always replaced.
//
// Entries installed before a failure are left in place.
func (p *PageTable) MapRegion(start gpa.Addr, paOf func(gpa.Addr) hostarch.PhysAddr, size uint64, flags gpa.MappingFlags, allowOverwrite, allowHuge bool) error {
	if err := checkRange(start, size, hostarch.PageSize); err != nil {
		return err
	}
	va, end := uint64(start), uint64(start)+size
	for va < end {
		pa := paOf(gpa.Addr(va))
		if !pa.IsPageAligned() {
			return fmt.Errorf("%w: target %v of %v is not page aligned", memerr.ErrInvalidInput, pa, gpa.Addr(va))
		}
		l := levelPT
		if allowHuge {
			l = hugeLevel(va, pa, end-va)
		}
		for {
			e, err := p.walk(va, l, true, allowOverwrite)
			if err != nil {
				return fmt.Errorf("mapping %v: %w", gpa.Addr(va), err)
			}
			if e.isTable(l) {
				// Smaller leaves already exist here.
				if !allowOverwrite {
					return fmt.Errorf("mapping %v: %w", gpa.Addr(va), memerr.ErrAlreadyExists)
				}
				l++
				continue
			}
			present := e.Present()
			if present && !allowOverwrite {
				return fmt.Errorf("mapping %v: %w", gpa.Addr(va), memerr.ErrAlreadyExists)
			}
			e.Set(pa, flags, l != levelPT)
			if present {
				p.flush(gpa.Addr(va), l.size())
			}
			break
		}
		va += l.size()
	}
	return nil
}

// UnmapRegion removes every leaf in [start, start+size), splitting huge
// leaves that straddle either end. Unmapped holes are skipped. Targets are
// not released.
func (p *PageTable) UnmapRegion(start gpa.Addr, size uint64) error {
	if err := checkRange(start, size, hostarch.PageSize); err != nil {
		return err
	}
	changed, err := p.clearRange(p.node(p.root), levelPML4, uint64(start), uint64(start)+size)
	if changed {
		p.flush(start, size)
	}
	if err != nil {
		return fmt.Errorf("unmapping [%v, +%#x): %w", start, size, err)
	}
	return nil
}

// ForEachMapping calls fn for every leaf entry, placeholders included, in
// address order until fn returns false.
func (p *PageTable) ForEachMapping(fn func(Mapping) bool) {
	p.visit(p.node(p.root), levelPML4, 0, func(va uint64, e *PTE, l level) bool {
		return fn(Mapping{
			Start:       gpa.Addr(va),
			Size:        l.pageSize(),
			Target:      e.Address(),
			Flags:       e.Flags(),
			Placeholder: e.IsPlaceholder(),
		})
	})
}

// Release frees every node, including the root. Leaf targets are not
// released; they belong to whoever installed them.
//
// The table must not be installed in hardware or used afterwards.
func (p *PageTable) Release() {
	if p.released {
		return
	}
	p.freeTree(p.node(p.root), levelPML4)
	p.freeNode(p.root)
	p.released = true
	if p.nodes != 0 {
		log.Warningf("Page table %v released with %d nodes unaccounted for", p.root, p.nodes)
	}
}
