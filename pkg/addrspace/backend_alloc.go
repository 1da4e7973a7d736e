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
	"gvisor.dev/guestmem/pkg/npt"
)

func (b Backend) mapAlloc(start gpa.Addr, size uint64, flags gpa.MappingFlags, pt *npt.PageTable) bool {
	log.Debugf("map_alloc: [%v, %v) %v (populate=%t)", start, start+gpa.Addr(size), flags, b.populate)
	r := gpa.AddrRange{Start: start, End: start + gpa.Addr(size)}
	if !b.populate {
		// Reserve the entries; frames are allocated on first fault.
		zero := func(gpa.Addr) hostarch.PhysAddr { return 0 }
		if err := pt.MapRegion(start, zero, size, gpa.NoAccess, false, false); err != nil {
			log.Warningf("Reserving [%v, +%#x) failed: %v", start, size, err)
			return false
		}
		return true
	}

	return r.ForEachPage(func(va gpa.Addr) bool {
		frame, ok := b.hal.AllocFrame()
		if !ok {
			log.Warningf("Out of frames populating %v at %v", r, va)
			return false
		}
		if err := pt.Map(va, frame, npt.Size4K, flags); err != nil {
			b.hal.DeallocFrame(frame)
			log.Warningf("Populating %v at %v failed: %v", r, va, err)
			return false
		}
		return true
	})
}

func (b Backend) unmapAlloc(start gpa.Addr, size uint64, pt *npt.PageTable) bool {
	log.Debugf("unmap_alloc: [%v, %v)", start, start+gpa.Addr(size))
	r := gpa.AddrRange{Start: start, End: start + gpa.Addr(size)}
	if !r.ForEachPage(func(va gpa.Addr) bool {
		frame, pageSize, _, err := pt.Unmap(va)
		if err != nil {
			// Never faulted in.
			return true
		}
		if pageSize.IsHuge() {
			log.Warningf("Unexpected %v page at %v in allocated area", pageSize, va)
			return false
		}
		b.hal.DeallocFrame(frame)
		return true
	}) {
		return false
	}

	// Every leaf is gone; this only frees nodes left empty.
	if err := pt.UnmapRegion(start, size); err != nil {
		log.Warningf("Pruning [%v, +%#x) failed: %v", start, size, err)
		return false
	}
	return true
}

// handlePageFaultAlloc allocates the frame behind a lazily populated page.
// The page is installed with the flags the area was declared with, not just
// the faulting access.
func (b Backend) handlePageFaultAlloc(addr gpa.Addr, origFlags gpa.MappingFlags, pt *npt.PageTable) bool {
	if pa, installed, size, err := pt.Query(addr); err == nil {
		if want := origFlags & (gpa.AnyAccess | gpa.User); !installed.Contains(want) {
			// The area was widened after this page was installed. Keep
			// the frame and install the current flags.
			frame := hostarch.PhysAddr(uint64(pa) &^ (uint64(size) - 1))
			if _, err := pt.Remap(addr, frame, origFlags); err != nil {
				log.Warningf("Upgrading %v to %v failed: %v", addr, origFlags, err)
				return false
			}
			return true
		}
		if b.populate {
			// Populated mappings should not fault.
			return false
		}
		// Another fault already installed this page and the access hit a
		// stale translation.
		pt.Flush(addr.AlignDown(uint64(size)), uint64(size))
		return true
	}
	if b.populate {
		return false
	}
	frame, ok := b.hal.AllocFrame()
	if !ok {
		return false
	}
	// Remap aligns addr down to the page boundary.
	if _, err := pt.Remap(addr, frame, origFlags); err != nil {
		b.hal.DeallocFrame(frame)
		return false
	}
	return true
}
