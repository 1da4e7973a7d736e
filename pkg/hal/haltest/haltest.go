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

// Package haltest provides a heap backed hal.Handler for tests.
package haltest

import (
	"fmt"
	"sync"

	"gvisor.dev/guestmem/pkg/hal"
	"gvisor.dev/guestmem/pkg/hostarch"
)

// DefaultPhysBase is the physical address of the first frame of a Handler.
const DefaultPhysBase = hostarch.PhysAddr(0x1_0000_0000)

const wordsPerFrame = hostarch.PageSize / 8

// Handler is a hal.Handler backed by a Go slab. It records every allocation
// and free so that tests can check for leaks and double frees.
type Handler struct {
	mu sync.Mutex

	// slab backs all frames. It is allocated as []uint64 so that frames are
	// suitably aligned for page table entries.
	slab []uint64

	free   []int
	live   map[hostarch.PhysAddr]struct{}
	allocs int
	frees  int

	// failAfter, if non-negative, is the number of further allocations that
	// succeed before AllocFrame starts failing.
	failAfter int
}

var _ hal.Handler = (*Handler)(nil)

// New returns a Handler with the given number of frames.
func New(frames int) *Handler {
	h := &Handler{
		slab:      make([]uint64, frames*wordsPerFrame),
		live:      make(map[hostarch.PhysAddr]struct{}),
		failAfter: -1,
	}
	// Hand out low frames first.
	for i := frames - 1; i >= 0; i-- {
		h.free = append(h.free, i)
	}
	return h
}

func (h *Handler) frameAddr(idx int) hostarch.PhysAddr {
	return DefaultPhysBase + hostarch.PhysAddr(idx)<<hostarch.PageShift
}

func (h *Handler) frameIndex(paddr hostarch.PhysAddr) int {
	if paddr < DefaultPhysBase {
		panic(fmt.Sprintf("address %v below the frame pool", paddr))
	}
	idx := int((paddr - DefaultPhysBase) >> hostarch.PageShift)
	if idx >= len(h.slab)/wordsPerFrame {
		panic(fmt.Sprintf("address %v above the frame pool", paddr))
	}
	return idx
}

// AllocFrame implements hal.Handler.AllocFrame. Frames are zeroed.
func (h *Handler) AllocFrame() (hostarch.PhysAddr, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAfter == 0 || len(h.free) == 0 {
		return 0, false
	}
	if h.failAfter > 0 {
		h.failAfter--
	}
	idx := h.free[len(h.free)-1]
	h.free = h.free[:len(h.free)-1]
	clear(h.slab[idx*wordsPerFrame : (idx+1)*wordsPerFrame])
	frame := h.frameAddr(idx)
	h.live[frame] = struct{}{}
	h.allocs++
	return frame, true
}

// DeallocFrame implements hal.Handler.DeallocFrame. It panics on a double
// free or on an address that was never allocated.
func (h *Handler) DeallocFrame(frame hostarch.PhysAddr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !frame.IsPageAligned() {
		panic(fmt.Sprintf("free of unaligned frame %v", frame))
	}
	if _, ok := h.live[frame]; !ok {
		panic(fmt.Sprintf("free of frame %v that is not allocated", frame))
	}
	delete(h.live, frame)
	h.free = append(h.free, h.frameIndex(frame))
	h.frees++
}

// PhysToVirt implements hal.Handler.PhysToVirt.
func (h *Handler) PhysToVirt(paddr hostarch.PhysAddr) hostarch.VirtAddr {
	h.frameIndex(paddr)
	return h.base().Add(uint64(paddr - DefaultPhysBase))
}

// VirtToPhys implements hal.Handler.VirtToPhys.
func (h *Handler) VirtToPhys(vaddr hostarch.VirtAddr) hostarch.PhysAddr {
	base := h.base()
	if vaddr < base || uint64(vaddr-base) >= uint64(len(h.slab))*8 {
		panic(fmt.Sprintf("address %v outside the frame pool", vaddr))
	}
	return DefaultPhysBase + hostarch.PhysAddr(vaddr-base)
}

// FailAfter makes AllocFrame fail after n more successful allocations. A
// negative n disables failure injection.
func (h *Handler) FailAfter(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failAfter = n
}

// Allocs returns the number of successful allocations.
func (h *Handler) Allocs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocs
}

// Frees returns the number of frees.
func (h *Handler) Frees() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frees
}

// Live returns the number of allocated frames.
func (h *Handler) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// IsLive returns true if frame is currently allocated.
func (h *Handler) IsLive(frame hostarch.PhysAddr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.live[frame]
	return ok
}

// Bytes returns the slab memory of [paddr, paddr+length), which must not
// cross a frame boundary.
func (h *Handler) Bytes(paddr hostarch.PhysAddr, length int) []byte {
	return bytesAt(h.PhysToVirt(paddr), length)
}
