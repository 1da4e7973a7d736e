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

// Package hal defines the host services consumed by the nested page tables
// and guest address spaces: frame allocation and conversion between host
// physical and host virtual addresses.
package hal

import "gvisor.dev/guestmem/pkg/hostarch"

// Handler is the host abstraction.
//
// Frames are hostarch.PageSize bytes and page aligned. Implementations used
// for page table nodes must return zeroed frames.
type Handler interface {
	// AllocFrame allocates one frame. ok is false if no frame is available.
	AllocFrame() (frame hostarch.PhysAddr, ok bool)

	// DeallocFrame returns a frame obtained from AllocFrame.
	DeallocFrame(frame hostarch.PhysAddr)

	// PhysToVirt returns the host virtual address at which the given host
	// physical address is accessible.
	PhysToVirt(paddr hostarch.PhysAddr) hostarch.VirtAddr

	// VirtToPhys is the inverse of PhysToVirt.
	VirtToPhys(vaddr hostarch.VirtAddr) hostarch.PhysAddr
}
