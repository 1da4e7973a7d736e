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

// Package hostarch describes host physical and virtual addresses and the page
// sizes shared by the host and the nested page tables.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the 2MB page size.
	HugePageShift = 21

	// HugePageSize is the 2MB page size.
	HugePageSize = 1 << HugePageShift

	// GiantPageShift is the binary log of the 1GB page size.
	GiantPageShift = 30

	// GiantPageSize is the 1GB page size.
	GiantPageSize = 1 << GiantPageShift
)

// PhysAddr is a host physical address.
type PhysAddr uint64

// VirtAddr is a host virtual address.
type VirtAddr uintptr

// RoundDown returns the address rounded down to the nearest page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (p PhysAddr) RoundUp() (addr PhysAddr, ok bool) {
	addr = PhysAddr(p + PageSize - 1).RoundDown()
	ok = addr >= p
	return
}

// PageOffset returns the offset of p into its page.
func (p PhysAddr) PageOffset() uint64 {
	return uint64(p & (PageSize - 1))
}

// IsPageAligned returns true if p is a multiple of PageSize.
func (p PhysAddr) IsPageAligned() bool {
	return p.PageOffset() == 0
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("HPA:%#x", uint64(p))
}

// String implements fmt.Stringer.String.
func (v VirtAddr) String() string {
	return fmt.Sprintf("HVA:%#x", uintptr(v))
}

// Add returns v advanced by n bytes.
func (v VirtAddr) Add(n uint64) VirtAddr {
	return v + VirtAddr(n)
}

// IsPageAligned returns true if n is a multiple of PageSize.
func IsPageAligned(n uint64) bool {
	return n&(PageSize-1) == 0
}

// PageRoundDown rounds n down to a multiple of PageSize.
func PageRoundDown(n uint64) uint64 {
	return n &^ (PageSize - 1)
}

// PageRoundUp rounds n up to a multiple of PageSize. ok is false on overflow.
func PageRoundUp(n uint64) (uint64, bool) {
	r := PageRoundDown(n + PageSize - 1)
	return r, r >= n
}
