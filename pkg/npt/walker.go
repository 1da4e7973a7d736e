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

package npt

import (
	"gvisor.dev/guestmem/pkg/errors/memerr"
	"gvisor.dev/guestmem/pkg/hostarch"
)

// allocNode allocates a zeroed node.
func (p *PageTable) allocNode() (hostarch.PhysAddr, error) {
	addr, ok := p.hal.AllocFrame()
	if !ok {
		return 0, memerr.ErrNoMemory
	}
	*p.node(addr) = PTEs{}
	p.nodes++
	return addr, nil
}

// freeNode returns a node to the host.
func (p *PageTable) freeNode(addr hostarch.PhysAddr) {
	p.hal.DeallocFrame(addr)
	p.nodes--
}

// empty returns true if no entry of n is in use.
func (n *PTEs) empty() bool {
	for i := range n {
		if !n[i].Unused() {
			return false
		}
	}
	return true
}

// walk returns the entry for va at level target.
//
// Missing intermediate nodes are allocated if alloc is set, otherwise
// ErrNotMapped is returned. A huge leaf above target is split if split is
// set, otherwise ErrAlreadyExists is returned.
func (p *PageTable) walk(va uint64, target level, alloc, split bool) (*PTE, error) {
	n := p.node(p.root)
	for l := levelPML4; ; l++ {
		e := &n[l.index(va)]
		if l == target {
			return e, nil
		}
		switch {
		case e.Unused():
			if !alloc {
				return nil, memerr.ErrNotMapped
			}
			addr, err := p.allocNode()
			if err != nil {
				return nil, err
			}
			e.setPageTable(addr)
		case e.IsHuge():
			if !split {
				return nil, memerr.ErrAlreadyExists
			}
			if err := p.split(e, l); err != nil {
				return nil, err
			}
		}
		n = p.node(e.Address())
	}
}

// lookup returns the leaf entry covering va and its level. The entry may be
// unused if it lives in the last level.
func (p *PageTable) lookup(va uint64) (*PTE, level, error) {
	n := p.node(p.root)
	for l := levelPML4; ; l++ {
		e := &n[l.index(va)]
		if l == levelPT || e.IsHuge() {
			return e, l, nil
		}
		if e.Unused() {
			return nil, l, memerr.ErrNotMapped
		}
		n = p.node(e.Address())
	}
}

// split replaces the huge leaf e at level l with a node of equivalent leaves
// one level down.
func (p *PageTable) split(e *PTE, l level) error {
	addr, err := p.allocNode()
	if err != nil {
		return err
	}
	child := p.node(addr)
	cl := l + 1
	current := e.Address()
	for index := 0; index < entriesPerNode; index++ {
		c := *e &^ (addressMask | huge)
		if e.Present() {
			c |= PTE(current) & addressMask
			current += hostarch.PhysAddr(cl.size())
		}
		if cl != levelPT {
			c |= huge
		}
		child[index] = c
	}

	// Reset to point to the new node.
	e.setPageTable(addr)
	return nil
}

// clearRange clears every leaf mapping [start, end) below node n at level l.
//
// Huge leaves that are only partially covered are split first. Nodes that
// become empty are freed. changed is true if any entry was cleared.
func (p *PageTable) clearRange(n *PTEs, l level, start, end uint64) (changed bool, err error) {
	for start < end {
		e := &n[l.index(start)]
		entryEnd := next(start, l.size())
		segEnd := min(end, entryEnd)
		full := start&(l.size()-1) == 0 && segEnd == entryEnd
		switch {
		case e.Unused():
			// Skip over this entry.
		case l == levelPT || (e.IsHuge() && full):
			e.Clear()
			changed = true
		default:
			if e.IsHuge() {
				// Does this page need to be split? It was only
				// partially covered above.
				if err := p.split(e, l); err != nil {
					return changed, err
				}
			}
			childAddr := e.Address()
			child := p.node(childAddr)
			c, err := p.clearRange(child, l+1, start, segEnd)
			changed = changed || c
			if err != nil {
				return changed, err
			}

			// Check if we no longer need this node.
			if child.empty() {
				e.Clear()
				p.freeNode(childAddr)
			}
		}
		start = segEnd
	}
	return changed, nil
}

// freeTree frees every node below n.
func (p *PageTable) freeTree(n *PTEs, l level) {
	for index := range n {
		e := &n[index]
		if !e.isTable(l) {
			continue
		}
		childAddr := e.Address()
		p.freeTree(p.node(childAddr), l+1)
		e.Clear()
		p.freeNode(childAddr)
	}
}

// visit calls fn for every leaf entry in use below n, in address order. It
// stops and returns false as soon as fn does.
func (p *PageTable) visit(n *PTEs, l level, base uint64, fn func(va uint64, e *PTE, l level) bool) bool {
	for index := range n {
		e := &n[index]
		va := base + uint64(index)*l.size()
		switch {
		case e.Unused():
		case e.isTable(l):
			if !p.visit(p.node(e.Address()), l+1, va, fn) {
				return false
			}
		default:
			if !fn(va, e, l) {
				return false
			}
		}
	}
	return true
}
