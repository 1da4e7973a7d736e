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
	"testing"

	"gvisor.dev/guestmem/pkg/hostarch"
)

const testPhysBase = hostarch.PhysAddr(0x4000_0000)

func newTestFile(t *testing.T, frames uint64, opts MemoryFileOpts) *MemoryFile {
	t.Helper()
	opts.PhysBase = testPhysBase
	f, err := NewMemoryFile(t.Name(), frames*hostarch.PageSize, opts)
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(func() {
		if err := f.Destroy(); err != nil {
			t.Errorf("Destroy failed: %v", err)
		}
	})
	return f
}

func TestNewMemoryFileInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		size uint64
		opts MemoryFileOpts
	}{
		{name: "zero", size: 0},
		{name: "unaligned size", size: hostarch.PageSize + 1},
		{name: "unaligned base", size: hostarch.PageSize, opts: MemoryFileOpts{PhysBase: 0x1001}},
		{name: "overflow", size: 2 * hostarch.PageSize, opts: MemoryFileOpts{PhysBase: ^hostarch.PhysAddr(0) &^ (hostarch.PageSize - 1)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if f, err := NewMemoryFile("invalid", tc.size, tc.opts); err == nil {
				f.Destroy()
				t.Errorf("NewMemoryFile(%#x, %+v) succeeded, want error", tc.size, tc.opts)
			}
		})
	}
}

func TestAllocExhaustion(t *testing.T) {
	f := newTestFile(t, 4, MemoryFileOpts{})
	seen := make(map[hostarch.PhysAddr]bool)
	for i := 0; i < 4; i++ {
		frame, ok := f.AllocFrame()
		if !ok {
			t.Fatalf("AllocFrame #%d failed", i)
		}
		if !frame.IsPageAligned() || frame < testPhysBase || frame >= testPhysBase+4*hostarch.PageSize {
			t.Errorf("AllocFrame returned %v, outside the file", frame)
		}
		if seen[frame] {
			t.Errorf("AllocFrame returned %v twice", frame)
		}
		seen[frame] = true
	}
	if frame, ok := f.AllocFrame(); ok {
		t.Errorf("AllocFrame on a full file returned %v, want failure", frame)
	}
	if got, want := f.InUse(), uint(4); got != want {
		t.Errorf("InUse got %d, want %d", got, want)
	}
}

func TestDeallocZeroes(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts MemoryFileOpts
	}{
		{name: "punch hole"},
		{name: "manual", opts: MemoryFileOpts{DisableDecommit: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newTestFile(t, 2, tc.opts)
			a, _ := f.AllocFrame()
			if _, ok := f.AllocFrame(); !ok {
				t.Fatalf("AllocFrame failed")
			}
			b, ok := f.Bytes(a, hostarch.PageSize)
			if !ok {
				t.Fatalf("Bytes(%v) failed", a)
			}
			for i := range b {
				b[i] = 0xa5
			}
			f.DeallocFrame(a)
			again, ok := f.AllocFrame()
			if !ok || again != a {
				t.Fatalf("AllocFrame got (%v, %t), want (%v, true)", again, ok, a)
			}
			for i, c := range b {
				if c != 0 {
					t.Fatalf("byte %d of reallocated frame is %#x, want 0", i, c)
				}
			}
		})
	}
}

func TestDoubleFreeIgnored(t *testing.T) {
	f := newTestFile(t, 2, MemoryFileOpts{})
	a, _ := f.AllocFrame()
	f.DeallocFrame(a)
	f.DeallocFrame(a)
	f.DeallocFrame(testPhysBase + 100*hostarch.PageSize)
	if got := f.InUse(); got != 0 {
		t.Errorf("InUse got %d, want 0", got)
	}
}

func TestPhysVirtRoundTrip(t *testing.T) {
	f := newTestFile(t, 3, MemoryFileOpts{})
	for i := uint64(0); i < 3; i++ {
		p := testPhysBase + hostarch.PhysAddr(i*hostarch.PageSize+0x18)
		v := f.PhysToVirt(p)
		if got := f.VirtToPhys(v); got != p {
			t.Errorf("VirtToPhys(PhysToVirt(%v)) = %v", p, got)
		}
	}
	defer func() {
		if recover() == nil {
			t.Errorf("PhysToVirt outside the file did not panic")
		}
	}()
	f.PhysToVirt(testPhysBase - 1)
}
