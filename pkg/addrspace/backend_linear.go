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

// paOf returns the host address backing va.
func (b Backend) paOf(va gpa.Addr) hostarch.PhysAddr {
	return hostarch.PhysAddr(uint64(va) - b.offset)
}

func (b Backend) mapLinear(start gpa.Addr, size uint64, flags gpa.MappingFlags, pt *npt.PageTable) bool {
	log.Debugf("map_linear: [%v, %v) -> [%v, %v) %v", start, start+gpa.Addr(size), b.paOf(start), b.paOf(start)+hostarch.PhysAddr(size), flags)
	if err := pt.MapRegion(start, b.paOf, size, flags, false, b.allowHuge); err != nil {
		log.Warningf("Linear mapping of [%v, +%#x) failed: %v", start, size, err)
		return false
	}
	return true
}

func (b Backend) unmapLinear(start gpa.Addr, size uint64, pt *npt.PageTable) bool {
	log.Debugf("unmap_linear: [%v, %v)", start, start+gpa.Addr(size))
	if err := pt.UnmapRegion(start, size); err != nil {
		log.Warningf("Linear unmapping of [%v, +%#x) failed: %v", start, size, err)
		return false
	}
	return true
}

// handlePageFaultLinear never resolves anything: linear areas are fully
// mapped, so a fault means the access exceeded the declared permissions.
func (b Backend) handlePageFaultLinear(gpa.Addr, gpa.MappingFlags, *npt.PageTable) bool {
	return false
}
