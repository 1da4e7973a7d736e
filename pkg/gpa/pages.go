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

package gpa

import "gvisor.dev/guestmem/pkg/hostarch"

// ForEachPage calls fn with the start address of every base page in r, in
// ascending order. Iteration stops early if fn returns false, in which case
// ForEachPage returns false.
//
// Precondition: r must be page aligned.
func (r AddrRange) ForEachPage(fn func(Addr) bool) bool {
	for addr := r.Start; addr < r.End; addr += hostarch.PageSize {
		if !fn(addr) {
			return false
		}
		if addr+hostarch.PageSize < addr {
			// Wrapped at the top of the address space.
			break
		}
	}
	return true
}

// NumPages returns the number of base pages in r, rounding partial pages up.
func (r AddrRange) NumPages() uint64 {
	return (r.Length() + hostarch.PageSize - 1) >> hostarch.PageShift
}
