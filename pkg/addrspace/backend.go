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

package addrspace

import (
	"fmt"

	"gvisor.dev/guestmem/pkg/gpa"
	"gvisor.dev/guestmem/pkg/hal"
	"gvisor.dev/guestmem/pkg/memset"
	"gvisor.dev/guestmem/pkg/npt"
)

// Kind is the mapping policy of a Backend.
type Kind uint8

const (
	// Linear maps a guest range onto a host physical range at a constant
	// offset. The host memory belongs to the embedder.
	Linear Kind = iota

	// Alloc backs every guest page with a host frame owned by the area.
	Alloc
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Linear:
		return "linear"
	case Alloc:
		return "alloc"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Backend decides how the pages of an area are populated, depopulated and
// repaired on fault. It is a small value; every fragment of a split area
// carries its own copy.
type Backend struct {
	kind Kind

	// offset is guest address minus host address, modulo 2^64. Linear only.
	offset uint64

	// allowHuge permits 2M and 1G leaves. Linear only.
	allowHuge bool

	// populate allocates every frame when the area is mapped. Alloc only.
	populate bool

	// hal provides frames. Alloc only.
	hal hal.Handler
}

var _ memset.Backend[*npt.PageTable] = Backend{}

// NewLinear returns a Linear backend translating va to va-offset.
func NewLinear(offset uint64, allowHuge bool) Backend {
	return Backend{
		kind:      Linear,
		offset:    offset,
		allowHuge: allowHuge,
	}
}

// NewAlloc returns an Alloc backend taking frames from h.
func NewAlloc(h hal.Handler, populate bool) Backend {
	return Backend{
		kind:     Alloc,
		populate: populate,
		hal:      h,
	}
}

// Kind returns the mapping policy.
func (b Backend) Kind() Kind {
	return b.kind
}

// Offset returns the Linear offset.
func (b Backend) Offset() uint64 {
	return b.offset
}

// Populate returns true for eagerly populated Alloc backends.
func (b Backend) Populate() bool {
	return b.populate
}

// Map implements memset.Backend.Map.
func (b Backend) Map(start gpa.Addr, size uint64, flags gpa.MappingFlags, pt *npt.PageTable) bool {
	switch b.kind {
	case Linear:
		return b.mapLinear(start, size, flags, pt)
	case Alloc:
		return b.mapAlloc(start, size, flags, pt)
	default:
		panic(fmt.Sprintf("unknown backend kind %v", b.kind))
	}
}

// Unmap implements memset.Backend.Unmap.
func (b Backend) Unmap(start gpa.Addr, size uint64, pt *npt.PageTable) bool {
	switch b.kind {
	case Linear:
		return b.unmapLinear(start, size, pt)
	case Alloc:
		return b.unmapAlloc(start, size, pt)
	default:
		panic(fmt.Sprintf("unknown backend kind %v", b.kind))
	}
}

// Protect implements memset.Backend.Protect.
//
// Permissions are not changed in the page table. Only the area bookkeeping
// follows the new flags.
func (b Backend) Protect(start gpa.Addr, size uint64, flags gpa.MappingFlags, pt *npt.PageTable) bool {
	return true
}

// HandlePageFault tries to resolve a fault at addr in an area declared with
// origFlags. It returns true if the guest may retry the access.
func (b Backend) HandlePageFault(addr gpa.Addr, origFlags gpa.MappingFlags, pt *npt.PageTable) bool {
	switch b.kind {
	case Linear:
		return b.handlePageFaultLinear(addr, origFlags, pt)
	case Alloc:
		return b.handlePageFaultAlloc(addr, origFlags, pt)
	default:
		panic(fmt.Sprintf("unknown backend kind %v", b.kind))
	}
}

// String implements fmt.Stringer.String.
func (b Backend) String() string {
	switch b.kind {
	case Linear:
		return fmt.Sprintf("Linear{offset: %#x}", b.offset)
	case Alloc:
		return fmt.Sprintf("Alloc{populate: %t}", b.populate)
	default:
		return b.kind.String()
	}
}
