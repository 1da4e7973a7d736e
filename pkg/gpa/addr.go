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

// Package gpa provides guest-physical address types shared by the nested page
// tables and the guest address space.
package gpa

import (
	"fmt"

	"gvisor.dev/guestmem/pkg/hostarch"
)

// Addr is a guest-physical address.
type Addr uint64

// GuestVirtAddr is a guest-virtual address. It is only carried for
// completeness of fault reports; no translation is performed on it here.
type GuestVirtAddr uint64

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ (hostarch.PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + hostarch.PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func (v Addr) AlignDown(align uint64) Addr {
	return v &^ Addr(align-1)
}

// IsAligned returns true if v is a multiple of align, which must be a power
// of two.
func (v Addr) IsAligned(align uint64) bool {
	return uint64(v)&(align-1) == 0
}

// IsPageAligned returns true if v is a multiple of the base page size.
func (v Addr) IsPageAligned() bool {
	return v.IsAligned(hostarch.PageSize)
}

// PageOffset returns the offset of v into its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & (hostarch.PageSize - 1))
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("GPA:%#x", uint64(v))
}

// String implements fmt.Stringer.String.
func (v GuestVirtAddr) String() string {
	return fmt.Sprintf("GVA:%#x", uint64(v))
}
