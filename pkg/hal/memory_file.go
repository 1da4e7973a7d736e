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

package hal

import (
	"fmt"
	"os"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
	"gvisor.dev/guestmem/pkg/hostarch"
	"gvisor.dev/guestmem/pkg/log"
)

// MemoryFileOpts contains options to NewMemoryFile.
type MemoryFileOpts struct {
	// PhysBase is the host physical address reported for the first frame of
	// the file. It must be page aligned.
	PhysBase hostarch.PhysAddr

	// DisableDecommit keeps freed frames committed and zeroes them by hand
	// instead of punching holes in the backing file.
	DisableDecommit bool
}

// MemoryFile is a Handler whose frames live in a memfd mapped into this
// process. It is the host memory pool for guest RAM and page table nodes when
// the hypervisor runs in user space.
//
// MemoryFile may be shared by several address spaces, so unlike the address
// spaces themselves it is safe for concurrent use.
type MemoryFile struct {
	file     *os.File
	mapping  mmap.MMap
	physBase hostarch.PhysAddr
	frames   uint
	opts     MemoryFileOpts

	// mu protects the fields below.
	mu sync.Mutex

	// used has one bit per frame, set while the frame is allocated.
	used *bitset.BitSet

	// next is where the search for a free frame starts.
	next uint

	// inUse is the number of set bits in used.
	inUse uint
}

var _ Handler = (*MemoryFile)(nil)

// NewMemoryFile creates a MemoryFile of the given size, which must be a
// non-zero multiple of the page size.
func NewMemoryFile(name string, size uint64, opts MemoryFileOpts) (*MemoryFile, error) {
	if ps := unix.Getpagesize(); ps != hostarch.PageSize {
		return nil, fmt.Errorf("host page size %d is not supported, want %d", ps, hostarch.PageSize)
	}
	if size == 0 || !hostarch.IsPageAligned(size) {
		return nil, fmt.Errorf("memory file size %#x is not a non-zero multiple of the page size", size)
	}
	if !opts.PhysBase.IsPageAligned() {
		return nil, fmt.Errorf("physical base %v is not page aligned", opts.PhysBase)
	}
	if uint64(opts.PhysBase)+size < uint64(opts.PhysBase) {
		return nil, fmt.Errorf("physical range %v+%#x overflows", opts.PhysBase, size)
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create(%q): %w", name, err)
	}
	file := os.NewFile(uintptr(fd), name)

	// This creates a sparse file; frames are only committed when touched.
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("error sizing memory file: %w", err)
	}
	m, err := mmap.MapRegion(file, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("error mapping memory file: %w", err)
	}

	frames := uint(size >> hostarch.PageShift)
	log.Infof("Memory file %q: %d frames at %v", name, frames, opts.PhysBase)
	return &MemoryFile{
		file:     file,
		mapping:  m,
		physBase: opts.PhysBase,
		frames:   frames,
		opts:     opts,
		used:     bitset.New(frames),
	}, nil
}

// frameIndex returns the index of the frame containing paddr.
func (f *MemoryFile) frameIndex(paddr hostarch.PhysAddr) (uint, bool) {
	if paddr < f.physBase {
		return 0, false
	}
	idx := uint((paddr - f.physBase) >> hostarch.PageShift)
	return idx, idx < f.frames
}

// AllocFrame implements Handler.AllocFrame.
func (f *MemoryFile) AllocFrame() (hostarch.PhysAddr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx, ok := f.used.NextClear(f.next)
	if !ok || idx >= f.frames {
		// Wrap around to the start of the file.
		idx, ok = f.used.NextClear(0)
		if !ok || idx >= f.frames {
			return 0, false
		}
	}
	f.used.Set(idx)
	f.inUse++
	f.next = idx + 1
	if f.next >= f.frames {
		f.next = 0
	}
	return f.physBase + hostarch.PhysAddr(idx)<<hostarch.PageShift, true
}

// DeallocFrame implements Handler.DeallocFrame.
//
// Freed frames are decommitted, so their contents read back as zero when
// they are allocated again.
func (f *MemoryFile) DeallocFrame(frame hostarch.PhysAddr) {
	idx, ok := f.frameIndex(frame)
	if !ok || !frame.IsPageAligned() {
		log.Warningf("Ignoring free of foreign frame %v", frame)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.used.Test(idx) {
		log.Warningf("Ignoring double free of frame %v", frame)
		return
	}
	f.decommit(idx)
	f.used.Clear(idx)
	f.inUse--
}

// decommit releases the memory behind the frame at idx.
//
// Preconditions: f.mu must be locked.
func (f *MemoryFile) decommit(idx uint) {
	off := int64(idx) << hostarch.PageShift
	if !f.opts.DisableDecommit {
		// "After a successful call, subsequent reads from this range will
		// return zeroes. The FALLOC_FL_PUNCH_HOLE flag must be ORed with
		// FALLOC_FL_KEEP_SIZE in mode ..." - fallocate(2)
		err := unix.Fallocate(int(f.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, hostarch.PageSize)
		if err == nil {
			return
		}
		log.Warningf("Failed to decommit frame %d: %v", idx, err)
	}
	// Zero the page manually. This won't reduce memory usage, but at least
	// ensures that the page has the right contents.
	clear(f.mapping[off : off+hostarch.PageSize])
}

// PhysToVirt implements Handler.PhysToVirt.
func (f *MemoryFile) PhysToVirt(paddr hostarch.PhysAddr) hostarch.VirtAddr {
	if _, ok := f.frameIndex(paddr); !ok {
		panic(fmt.Sprintf("PhysToVirt(%v): address outside memory file", paddr))
	}
	return f.base().Add(uint64(paddr - f.physBase))
}

// VirtToPhys implements Handler.VirtToPhys.
func (f *MemoryFile) VirtToPhys(vaddr hostarch.VirtAddr) hostarch.PhysAddr {
	base := f.base()
	if vaddr < base || uint64(vaddr-base) >= uint64(len(f.mapping)) {
		panic(fmt.Sprintf("VirtToPhys(%v): address outside memory file", vaddr))
	}
	return f.physBase + hostarch.PhysAddr(vaddr-base)
}

// Bytes returns the host mapping of the frame range [paddr, paddr+length).
func (f *MemoryFile) Bytes(paddr hostarch.PhysAddr, length uint64) ([]byte, bool) {
	if paddr < f.physBase {
		return nil, false
	}
	off := uint64(paddr - f.physBase)
	if end := off + length; end < off || end > uint64(len(f.mapping)) {
		return nil, false
	}
	return f.mapping[off : off+length], true
}

// InUse returns the number of allocated frames.
func (f *MemoryFile) InUse() uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inUse
}

// Capacity returns the total number of frames.
func (f *MemoryFile) Capacity() uint {
	return f.frames
}

// Destroy releases the mapping and the backing file. No frame may be in use
// by a page table afterwards.
func (f *MemoryFile) Destroy() error {
	if n := f.InUse(); n != 0 {
		log.Warningf("Destroying memory file with %d frames in use", n)
	}
	if err := f.mapping.Unmap(); err != nil {
		f.file.Close()
		return fmt.Errorf("error unmapping memory file: %w", err)
	}
	return f.file.Close()
}

// String implements fmt.Stringer.String.
func (f *MemoryFile) String() string {
	return fmt.Sprintf("MemoryFile{%s, %d/%d frames, base %v}", f.file.Name(), f.InUse(), f.frames, f.physBase)
}
