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
	"gvisor.dev/guestmem/pkg/gpa"
	"gvisor.dev/guestmem/pkg/hostarch"
	"gvisor.dev/guestmem/pkg/log"
)

// Translate returns the host physical address currently backing addr.
func (as *AddrSpace) Translate(addr gpa.Addr) (hostarch.PhysAddr, bool) {
	if !as.vaRange.Contains(addr) {
		return 0, false
	}
	pa, _, _, err := as.pt.Query(addr)
	if err != nil {
		return 0, false
	}
	return pa, true
}

// TranslateAndGetLimit returns the translation of addr together with the
// size of the whole area containing it. The size is not the number of bytes
// left in the area after addr.
func (as *AddrSpace) TranslateAndGetLimit(addr gpa.Addr) (hostarch.PhysAddr, uint64, bool) {
	if !as.vaRange.Contains(addr) {
		return 0, 0, false
	}
	area, ok := as.areas.Find(addr)
	if !ok {
		return 0, 0, false
	}
	pa, _, _, err := as.pt.Query(addr)
	if err != nil {
		return 0, 0, false
	}
	return pa, area.Range.Length(), true
}

// TranslatedByteBuffer returns host views of the n guest bytes at addr, one
// per host contiguous run. The concatenation of the views is exactly the
// requested range.
//
// The range must lie within a single area and be fully populated. n may not
// exceed the size of the area.
func (as *AddrSpace) TranslatedByteBuffer(addr gpa.Addr, n uint64) ([][]byte, bool) {
	if !as.vaRange.Contains(addr) {
		return nil, false
	}
	area, ok := as.areas.Find(addr)
	if !ok {
		return nil, false
	}
	if n > area.Range.Length() {
		log.Warningf("Translated buffer length %#x exceeds area length %#x", n, area.Range.Length())
		return nil, false
	}
	end := addr + gpa.Addr(n)
	if end > area.Range.End {
		log.Warningf("Translated buffer [%v, %v) crosses the end of %v", addr, end, area.Range)
		return nil, false
	}

	var (
		views   [][]byte
		runVA   hostarch.VirtAddr
		runLen  uint64
		runNext hostarch.PhysAddr
	)
	for start := addr; start < end; {
		pa, _, size, err := as.pt.Query(start)
		if err != nil {
			return nil, false
		}
		segEnd := min(start.AlignDown(uint64(size))+gpa.Addr(size), end)
		segLen := uint64(segEnd - start)
		va := as.hal.PhysToVirt(pa)
		if runLen != 0 && pa == runNext && va == runVA.Add(runLen) {
			runLen += segLen
		} else {
			if runLen != 0 {
				views = append(views, bytesAt(runVA, runLen))
			}
			runVA, runLen = va, segLen
		}
		runNext = pa + hostarch.PhysAddr(segLen)
		start = segEnd
	}
	if runLen != 0 {
		views = append(views, bytesAt(runVA, runLen))
	}
	return views, true
}
