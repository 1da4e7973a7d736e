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
	"fmt"

	"gvisor.dev/guestmem/pkg/gpa"
	"gvisor.dev/guestmem/pkg/hostarch"
)

// Entry bits. The layout follows the Intel EPT format.
const (
	readable   = 1 << 0
	writable   = 1 << 1
	executable = 1 << 2

	memTypeShift = 3
	memTypeMask  = 0x7 << memTypeShift

	huge = 1 << 7
	user = 1 << 10

	// placeholder marks an entry reserved for a mapping that has not been
	// populated yet. Bit 11 is ignored by the processor.
	placeholder = 1 << 11

	addressMask = 0x000f_ffff_ffff_f000

	accessMask = readable | writable | executable
)

// EPT memory type encodings.
const (
	eptUncached     = 0
	eptWriteCombine = 1
	eptWriteBack    = 6
)

// PTE is a nested page table entry.
type PTE uint64

// PTEs is a node of the table.
type PTEs [entriesPerNode]PTE

// Clear clears this PTE.
func (p *PTE) Clear() {
	*p = 0
}

// Unused returns true if the entry holds nothing at all.
func (p *PTE) Unused() bool {
	return *p == 0
}

// Present returns true if the hardware will use this entry, i.e. at least
// one access bit is set.
func (p *PTE) Present() bool {
	return *p&accessMask != 0
}

// IsPlaceholder returns true if the entry reserves a mapping without
// granting any access.
func (p *PTE) IsPlaceholder() bool {
	return *p&placeholder != 0 && !p.Present()
}

// IsHuge returns true if this is a leaf above the last level.
func (p *PTE) IsHuge() bool {
	return *p&huge != 0
}

// Address returns the target physical address.
func (p *PTE) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr(*p & addressMask)
}

// Flags returns the mapping flags encoded in this entry.
func (p *PTE) Flags() gpa.MappingFlags {
	var f gpa.MappingFlags
	if *p&readable != 0 {
		f |= gpa.Read
	}
	if *p&writable != 0 {
		f |= gpa.Write
	}
	if *p&executable != 0 {
		f |= gpa.Execute
	}
	if *p&user != 0 {
		f |= gpa.User
	}
	switch (*p & memTypeMask) >> memTypeShift {
	case eptUncached:
		if p.Present() {
			f |= gpa.Device
		}
	case eptWriteCombine:
		f |= gpa.Uncached
	}
	return f
}

// Set sets this leaf PTE.
//
// An entry without access bits is installed as a placeholder.
func (p *PTE) Set(addr hostarch.PhysAddr, flags gpa.MappingFlags, isHuge bool) {
	v := PTE(addr) & addressMask
	if flags&gpa.Read != 0 {
		v |= readable
	}
	if flags&gpa.Write != 0 {
		v |= writable
	}
	if flags&gpa.Execute != 0 {
		v |= executable
	}
	if flags&gpa.User != 0 {
		v |= user
	}
	if v&accessMask == 0 {
		v |= placeholder
	} else {
		switch flags.MemoryType() {
		case hostarch.MemoryTypeUncached:
			v |= eptUncached << memTypeShift
		case hostarch.MemoryTypeWriteCombine:
			v |= eptWriteCombine << memTypeShift
		default:
			v |= eptWriteBack << memTypeShift
		}
	}
	if isHuge {
		v |= huge
	}
	*p = v
}

// setPageTable sets this PTE to point at the node at addr.
func (p *PTE) setPageTable(addr hostarch.PhysAddr) {
	*p = PTE(addr)&addressMask | accessMask
}

// isTable returns true if the entry at level l points at a child node.
func (p *PTE) isTable(l level) bool {
	return l != levelPT && !p.Unused() && !p.IsHuge()
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	switch {
	case p.Unused():
		return "(none)"
	case p.IsPlaceholder():
		return "(placeholder)"
	}
	return fmt.Sprintf("%v %v", p.Address(), p.Flags())
}
