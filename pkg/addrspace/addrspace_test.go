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
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/guestmem/pkg/errors/memerr"
	"gvisor.dev/guestmem/pkg/gpa"
	"gvisor.dev/guestmem/pkg/hal/haltest"
	"gvisor.dev/guestmem/pkg/hostarch"
	"gvisor.dev/guestmem/pkg/npt"
)

type flushLog struct {
	ranges []gpa.AddrRange
}

func (f *flushLog) flush(start gpa.Addr, size uint64) {
	f.ranges = append(f.ranges, gpa.AddrRange{Start: start, End: start + gpa.Addr(size)})
}

func newSpace(t *testing.T, base gpa.Addr, size uint64) (*AddrSpace, *haltest.Handler, *flushLog) {
	t.Helper()
	h := haltest.New(256)
	f := &flushLog{}
	as, err := New(base, size, h, Opts{Flush: f.flush})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return as, h, f
}

type areaInfo struct {
	Range gpa.AddrRange
	Flags gpa.MappingFlags
	Kind  Kind
}

func areaInfos(as *AddrSpace) []areaInfo {
	var got []areaInfo
	as.ForEachArea(func(a Area) bool {
		got = append(got, areaInfo{a.Range, a.Flags, a.Backend.Kind()})
		return true
	})
	return got
}

func TestNew(t *testing.T) {
	noop := func(gpa.Addr, uint64) {}
	for _, tc := range []struct {
		name   string
		base   gpa.Addr
		size   uint64
		frames int
		opts   Opts
		want   error
	}{
		{"no flush", 0, 0x1000, 1, Opts{}, memerr.ErrInvalidInput},
		{"unaligned", 0x800, 0x1000, 1, Opts{Flush: noop}, memerr.ErrInvalidInput},
		{"overflow", ^gpa.Addr(0) &^ 0xfff, 0x2000, 1, Opts{Flush: noop}, memerr.ErrInvalidInput},
		{"no memory", 0, 0x1000, 0, Opts{Flush: noop}, memerr.ErrNoMemory},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.base, tc.size, haltest.New(tc.frames), tc.opts); !errors.Is(err, tc.want) {
				t.Errorf("New got %v, want %v", err, tc.want)
			}
		})
	}

	as, h, _ := newSpace(t, 0x1000_0000, 0x10_0000)
	if as.Base() != 0x1000_0000 || as.End() != 0x1010_0000 || as.Size() != 0x10_0000 {
		t.Errorf("got range [%v, %v) size %#x", as.Base(), as.End(), as.Size())
	}
	if !h.IsLive(as.PageTableRoot()) || as.PageTable().RootPaddr() != as.PageTableRoot() {
		t.Errorf("page table root %v is not a live frame", as.PageTableRoot())
	}
	if len(areaInfos(as)) != 0 {
		t.Errorf("new space has areas")
	}
}

func TestLinearScenario(t *testing.T) {
	as, h, _ := newSpace(t, 0x1000_0000, 0x10_0000)
	if err := as.MapLinear(0x1000_0000, 0x8000_0000, 0x1000, gpa.ReadWrite); err != nil {
		t.Fatalf("MapLinear failed: %v", err)
	}
	for _, tc := range []struct {
		addr gpa.Addr
		want hostarch.PhysAddr
	}{
		{0x1000_0000, 0x8000_0000},
		{0x1000_0fff, 0x8000_0fff},
	} {
		if got, ok := as.Translate(tc.addr); !ok || got != tc.want {
			t.Errorf("Translate(%v) got (%v, %t), want (%v, true)", tc.addr, got, ok, tc.want)
		}
	}
	if _, ok := as.Translate(0x1000_1000); ok {
		t.Errorf("Translate past the mapping succeeded")
	}

	// Unmapping a linear area frees page table nodes only.
	framesBefore, nodesBefore := h.Frees(), as.PageTable().Nodes()
	if err := as.Unmap(0x1000_0000, 0x1000); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if got, want := h.Frees()-framesBefore, nodesBefore-as.PageTable().Nodes(); got != want {
		t.Errorf("Unmap freed %d frames, want %d node frames only", got, want)
	}
	if _, ok := as.Translate(0x1000_0000); ok {
		t.Errorf("Translate after Unmap succeeded")
	}
}

func TestLinearHighTarget(t *testing.T) {
	as, _, _ := newSpace(t, 0, 0x10_0000)
	// The host address is above the guest address.
	if err := as.MapLinear(0x2000, 0xfe00_0000, 0x2000, gpa.Read|gpa.Device); err != nil {
		t.Fatalf("MapLinear failed: %v", err)
	}
	if got, ok := as.Translate(0x3004); !ok || got != 0xfe00_1004 {
		t.Errorf("Translate got (%v, %t), want (%v, true)", got, ok, hostarch.PhysAddr(0xfe00_1004))
	}
}

func TestLinearHugePages(t *testing.T) {
	h := haltest.New(16)
	as, err := New(0, 0x8000_0000, h, Opts{Flush: func(gpa.Addr, uint64) {}, LinearHugePages: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := as.MapLinear(0x4000_0000, 0x1_0000_0000, 0x4000_0000, gpa.ReadWrite); err != nil {
		t.Fatalf("MapLinear failed: %v", err)
	}
	if _, _, size, err := as.PageTable().Query(0x4000_1000); err != nil || size != npt.Size1G {
		t.Errorf("Query got (%v, %v), want (%v, nil)", size, err, npt.Size1G)
	}
	// Partial unmap splits the giant page.
	if err := as.Unmap(0x4000_0000, 0x1000); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if got, ok := as.Translate(0x4000_1000); !ok || got != 0x1_0000_1000 {
		t.Errorf("Translate after split got (%v, %t)", got, ok)
	}
	as.Release()
	if h.Live() != 0 {
		t.Errorf("got %d live frames after Release, want 0", h.Live())
	}
}

func TestLazyScenario(t *testing.T) {
	as, h, _ := newSpace(t, 0, 0x1_0000_0000)
	if err := as.MapAlloc(0x2000_0000, 0x2000, gpa.AnyAccess, false); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	if _, ok := as.Translate(0x2000_0000); ok {
		t.Errorf("Translate before the fault succeeded")
	}
	allocs := h.Allocs()
	if !as.HandlePageFault(0x2000_0000, gpa.Read) {
		t.Fatalf("HandlePageFault(0x2000_0000) failed")
	}
	first, ok := as.Translate(0x2000_0000)
	if !ok {
		t.Fatalf("Translate after the fault failed")
	}
	if !as.HandlePageFault(0x2000_1234, gpa.Read) {
		t.Fatalf("HandlePageFault(0x2000_1234) failed")
	}
	second, ok := as.Translate(0x2000_1000)
	if !ok || second == first {
		t.Errorf("second page got (%v, %t), want a frame distinct from %v", second, ok, first)
	}
	if got := h.Allocs() - allocs; got != 2 {
		t.Errorf("faults allocated %d frames, want 2", got)
	}
	// The page is installed with the declared flags, not the faulting access.
	if _, flags, _, err := as.PageTable().Query(0x2000_0000); err != nil || flags != gpa.AnyAccess {
		t.Errorf("Query got (%v, %v), want (%v, nil)", flags, err, gpa.AnyAccess)
	}
}

func TestPopulate(t *testing.T) {
	as, h, _ := newSpace(t, 0, 0x100_0000)
	const pages = 8
	if err := as.MapAlloc(0x10_0000, pages*hostarch.PageSize, gpa.ReadWrite, true); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	var frames []hostarch.PhysAddr
	for i := 0; i < pages; i++ {
		pa, ok := as.Translate(0x10_0000 + gpa.Addr(i)*hostarch.PageSize)
		if !ok {
			t.Fatalf("Translate of page %d failed", i)
		}
		frames = append(frames, pa)
	}
	// Populated areas never resolve faults.
	if as.HandlePageFault(0x10_0000, gpa.Read) {
		t.Errorf("HandlePageFault on a populated area succeeded")
	}

	freesBefore, nodesBefore := h.Frees(), as.PageTable().Nodes()
	if err := as.Unmap(0x10_0000, pages*hostarch.PageSize); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	nodesFreed := nodesBefore - as.PageTable().Nodes()
	if got := h.Frees() - freesBefore - nodesFreed; got != pages {
		t.Errorf("Unmap freed %d data frames, want %d", got, pages)
	}
	for _, f := range frames {
		if h.IsLive(f) {
			t.Errorf("frame %v still live after Unmap", f)
		}
	}
}

func TestPopulateOutOfMemory(t *testing.T) {
	as, h, _ := newSpace(t, 0, 0x100_0000)
	live := h.Live()
	// Enough for the page table nodes and a few pages.
	h.FailAfter(6)
	if err := as.MapAlloc(0, 16*hostarch.PageSize, gpa.ReadWrite, true); !errors.Is(err, memerr.ErrBadState) {
		t.Fatalf("MapAlloc got %v, want %v", err, memerr.ErrBadState)
	}
	h.FailAfter(-1)
	if len(areaInfos(as)) != 0 {
		t.Errorf("failed area was added")
	}
	if _, ok := as.Translate(0); ok {
		t.Errorf("pages of the failed area remain mapped")
	}
	if h.Live() != live {
		t.Errorf("got %d live frames, want %d", h.Live(), live)
	}
}

func TestLazyOutOfMemory(t *testing.T) {
	as, h, _ := newSpace(t, 0, 0x100_0000)
	if err := as.MapAlloc(0, 0x1000, gpa.ReadWrite, false); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	h.FailAfter(0)
	if as.HandlePageFault(0, gpa.Write) {
		t.Errorf("HandlePageFault without memory succeeded")
	}
	h.FailAfter(-1)
	if !as.HandlePageFault(0, gpa.Write) {
		t.Errorf("HandlePageFault failed after memory became available")
	}
}

func TestSpuriousFault(t *testing.T) {
	as, h, f := newSpace(t, 0, 0x100_0000)
	if err := as.MapAlloc(0x4000, 0x1000, gpa.ReadWrite, false); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	if !as.HandlePageFault(0x4000, gpa.Write) {
		t.Fatalf("HandlePageFault failed")
	}
	pa, _ := as.Translate(0x4000)
	allocs, flushes := h.Allocs(), len(f.ranges)
	if !as.HandlePageFault(0x4010, gpa.Read) {
		t.Errorf("repeated HandlePageFault failed")
	}
	if h.Allocs() != allocs {
		t.Errorf("repeated fault allocated a frame")
	}
	if again, _ := as.Translate(0x4000); again != pa {
		t.Errorf("repeated fault changed the translation from %v to %v", pa, again)
	}
	if len(f.ranges) != flushes+1 || f.ranges[len(f.ranges)-1] != (gpa.AddrRange{Start: 0x4000, End: 0x5000}) {
		t.Errorf("repeated fault did not flush the page: %v", f.ranges)
	}
}

func TestOverlap(t *testing.T) {
	as, h, _ := newSpace(t, 0, 0x100_0000)
	if err := as.MapLinear(0x10000, 0x80000, 0x4000, gpa.Read); err != nil {
		t.Fatalf("MapLinear failed: %v", err)
	}
	before := areaInfos(as)
	allocs := h.Allocs()
	for _, r := range []gpa.AddrRange{
		{Start: 0xf000, End: 0x11000},
		{Start: 0x13000, End: 0x15000},
		{Start: 0x11000, End: 0x12000},
	} {
		if err := as.MapAlloc(r.Start, r.Length(), gpa.ReadWrite, true); !errors.Is(err, memerr.ErrAlreadyExists) {
			t.Errorf("MapAlloc(%v) got %v, want %v", r, err, memerr.ErrAlreadyExists)
		}
		if err := as.MapLinear(r.Start, 0x100000, r.Length(), gpa.ReadWrite); !errors.Is(err, memerr.ErrAlreadyExists) {
			t.Errorf("MapLinear(%v) got %v, want %v", r, err, memerr.ErrAlreadyExists)
		}
	}
	if diff := cmp.Diff(before, areaInfos(as)); diff != "" {
		t.Errorf("areas changed (-want +got):\n%s", diff)
	}
	if h.Allocs() != allocs {
		t.Errorf("rejected maps allocated frames")
	}
	for addr := gpa.Addr(0x10000); addr < 0x14000; addr += hostarch.PageSize {
		if got, ok := as.Translate(addr); !ok || got != hostarch.PhysAddr(addr+0x70000) {
			t.Errorf("Translate(%v) got (%v, %t)", addr, got, ok)
		}
	}
}

func TestInvalidRequests(t *testing.T) {
	as, h, f := newSpace(t, 0x1000_0000, 0x10_0000)
	if err := as.MapAlloc(0x1000_0000, 0x1000, gpa.Read, true); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	allocs, frees, flushes := h.Allocs(), h.Frees(), len(f.ranges)
	before := areaInfos(as)
	for _, tc := range []struct {
		name  string
		start gpa.Addr
		size  uint64
	}{
		{"unaligned start", 0x1000_2001, 0x1000},
		{"unaligned size", 0x1000_2000, 0x800},
		{"below", 0x0fff_f000, 0x2000},
		{"above", 0x100f_f000, 0x2000},
		{"overflow", ^gpa.Addr(0) &^ 0xfff, 0x2000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := as.MapAlloc(tc.start, tc.size, gpa.Read, true); !errors.Is(err, memerr.ErrInvalidInput) {
				t.Errorf("MapAlloc got %v, want %v", err, memerr.ErrInvalidInput)
			}
			if err := as.MapLinear(tc.start, 0x8000_0000, tc.size, gpa.Read); !errors.Is(err, memerr.ErrInvalidInput) {
				t.Errorf("MapLinear got %v, want %v", err, memerr.ErrInvalidInput)
			}
			if err := as.Unmap(tc.start, tc.size); !errors.Is(err, memerr.ErrInvalidInput) {
				t.Errorf("Unmap got %v, want %v", err, memerr.ErrInvalidInput)
			}
			if err := as.Protect(tc.start, tc.size, gpa.Read); !errors.Is(err, memerr.ErrInvalidInput) {
				t.Errorf("Protect got %v, want %v", err, memerr.ErrInvalidInput)
			}
		})
	}
	if err := as.MapLinear(0x1000_4000, 0x8000_0800, 0x1000, gpa.Read); !errors.Is(err, memerr.ErrInvalidInput) {
		t.Errorf("MapLinear with unaligned host address got %v, want %v", err, memerr.ErrInvalidInput)
	}
	if h.Allocs() != allocs || h.Frees() != frees || len(f.ranges) != flushes {
		t.Errorf("invalid requests touched the allocator or the TLB")
	}
	if diff := cmp.Diff(before, areaInfos(as)); diff != "" {
		t.Errorf("areas changed (-want +got):\n%s", diff)
	}
}

func TestRejectedFaults(t *testing.T) {
	as, h, _ := newSpace(t, 0x1000_0000, 0x10_0000)
	if err := as.MapAlloc(0x1000_0000, 0x2000, gpa.Read, false); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	if err := as.MapLinear(0x1000_4000, 0x8000_0000, 0x1000, gpa.Read); err != nil {
		t.Fatalf("MapLinear failed: %v", err)
	}
	allocs := h.Allocs()
	for _, tc := range []struct {
		name   string
		addr   gpa.Addr
		access gpa.MappingFlags
	}{
		{"outside space", 0x2000_0000, gpa.Read},
		{"no area", 0x1000_3000, gpa.Read},
		{"write to read only", 0x1000_0000, gpa.Write},
		{"execute", 0x1000_1000, gpa.Read | gpa.Execute},
		{"linear", 0x1000_4000, gpa.Read},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if as.HandlePageFault(tc.addr, tc.access) {
				t.Errorf("HandlePageFault(%v, %v) succeeded", tc.addr, tc.access)
			}
		})
	}
	if h.Allocs() != allocs {
		t.Errorf("rejected faults allocated %d frames", h.Allocs()-allocs)
	}
	if _, ok := as.Translate(0x1000_0000); ok {
		t.Errorf("rejected fault installed a mapping")
	}
}

func TestNestedPageFault(t *testing.T) {
	as, _, _ := newSpace(t, 0, 0x10_0000)
	if err := as.MapAlloc(0x8000, 0x1000, gpa.ReadWrite, false); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	if as.HandleNestedPageFault(NestedPageFaultInfo{AccessFlags: gpa.Execute, FaultGuestPaddr: 0x8000}) {
		t.Errorf("execute fault on a non executable area succeeded")
	}
	if !as.HandleNestedPageFault(NestedPageFaultInfo{AccessFlags: gpa.Write, FaultGuestPaddr: 0x8abc}) {
		t.Errorf("write fault failed")
	}
	if _, ok := as.Translate(0x8000); !ok {
		t.Errorf("Translate after fault failed")
	}
}

func TestPartialUnmap(t *testing.T) {
	as, h, _ := newSpace(t, 0, 0x10_0000)
	if err := as.MapAlloc(0x10000, 0x4000, gpa.ReadWrite, true); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	if err := as.MapAlloc(0x20000, 0x4000, gpa.AnyAccess, false); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	middle, _ := as.Translate(0x11000)
	if err := as.Unmap(0x11000, 0x2000); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	// Trim the head of the lazy area.
	if err := as.Unmap(0x20000, 0x1000); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	want := []areaInfo{
		{gpa.AddrRange{Start: 0x10000, End: 0x11000}, gpa.ReadWrite, Alloc},
		{gpa.AddrRange{Start: 0x13000, End: 0x14000}, gpa.ReadWrite, Alloc},
		{gpa.AddrRange{Start: 0x21000, End: 0x24000}, gpa.AnyAccess, Alloc},
	}
	if diff := cmp.Diff(want, areaInfos(as)); diff != "" {
		t.Errorf("areas mismatch (-want +got):\n%s", diff)
	}
	if h.IsLive(middle) {
		t.Errorf("frame %v of the removed pages is still live", middle)
	}
	for _, tc := range []struct {
		addr gpa.Addr
		ok   bool
	}{
		{0x10000, true},
		{0x11000, false},
		{0x12000, false},
		{0x13000, true},
	} {
		if _, ok := as.Translate(tc.addr); ok != tc.ok {
			t.Errorf("Translate(%v) got %t, want %t", tc.addr, ok, tc.ok)
		}
	}
	// The remaining lazy fragment still faults in, the trimmed page does not.
	if as.HandlePageFault(0x20000, gpa.Read) {
		t.Errorf("fault in the unmapped head succeeded")
	}
	if !as.HandlePageFault(0x21000, gpa.Read) {
		t.Errorf("fault in the remaining fragment failed")
	}
}

func TestProtect(t *testing.T) {
	as, _, _ := newSpace(t, 0, 0x10_0000)
	if err := as.MapAlloc(0, 0x3000, gpa.ReadWrite, false); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	if err := as.Protect(0x1000, 0x1000, gpa.Read); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	want := []areaInfo{
		{gpa.AddrRange{Start: 0, End: 0x1000}, gpa.ReadWrite, Alloc},
		{gpa.AddrRange{Start: 0x1000, End: 0x2000}, gpa.Read, Alloc},
		{gpa.AddrRange{Start: 0x2000, End: 0x3000}, gpa.ReadWrite, Alloc},
	}
	if diff := cmp.Diff(want, areaInfos(as)); diff != "" {
		t.Errorf("areas mismatch (-want +got):\n%s", diff)
	}
	if as.HandlePageFault(0x1000, gpa.Write) {
		t.Errorf("write fault on the protected page succeeded")
	}
	if !as.HandlePageFault(0x1000, gpa.Read) {
		t.Errorf("read fault on the protected page failed")
	}
	if _, flags, _, err := as.PageTable().Query(0x1000); err != nil || flags != gpa.Read {
		t.Errorf("Query got (%v, %v), want (%v, nil)", flags, err, gpa.Read)
	}
}

func TestAllocWithoutAccess(t *testing.T) {
	for _, tc := range []struct {
		name     string
		flags    gpa.MappingFlags
		populate bool
	}{
		{"populated user", gpa.User, true},
		{"lazy user", gpa.User, false},
		{"populated none", gpa.NoAccess, true},
		{"lazy device", gpa.Device, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			as, h, _ := newSpace(t, 0, 0x1_0000_0000)
			live := h.Live()
			if err := as.MapAlloc(0x2000_0000, 0x4000, tc.flags, tc.populate); !errors.Is(err, memerr.ErrInvalidInput) {
				t.Errorf("MapAlloc got %v, want %v", err, memerr.ErrInvalidInput)
			}
			if as.HandlePageFault(0x2000_0000, gpa.User) {
				t.Errorf("fault on a rejected area succeeded")
			}
			if h.Live() != live {
				t.Errorf("got %d live frames, want %d", h.Live(), live)
			}
			as.Release()
			if h.Live() != 0 {
				t.Errorf("got %d live frames after Release, want 0", h.Live())
			}
		})
	}
}

func TestProtectRemovingAccess(t *testing.T) {
	as, h, _ := newSpace(t, 0, 0x1_0000_0000)
	if err := as.MapAlloc(0x2000_0000, 0x4000, gpa.ReadWrite|gpa.User, true); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	if err := as.MapLinear(0x3000_0000, 0x8000_0000, 0x2000, gpa.Read); err != nil {
		t.Fatalf("MapLinear failed: %v", err)
	}
	if err := as.Protect(0x2000_1000, 0x1000, gpa.User); !errors.Is(err, memerr.ErrInvalidInput) {
		t.Errorf("Protect(alloc, user) got %v, want %v", err, memerr.ErrInvalidInput)
	}
	// Linear areas own no frames and may become guard regions.
	if err := as.Protect(0x3000_0000, 0x2000, gpa.NoAccess); err != nil {
		t.Errorf("Protect(linear, none) failed: %v", err)
	}
	want := []areaInfo{
		{gpa.AddrRange{Start: 0x2000_0000, End: 0x2000_4000}, gpa.ReadWrite | gpa.User, Alloc},
		{gpa.AddrRange{Start: 0x3000_0000, End: 0x3000_2000}, gpa.NoAccess, Linear},
	}
	if diff := cmp.Diff(want, areaInfos(as)); diff != "" {
		t.Errorf("areas mismatch (-want +got):\n%s", diff)
	}

	if err := as.Unmap(0x2000_0000, 0x4000); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	as.Release()
	if h.Live() != 0 {
		t.Errorf("got %d live frames after Release, want 0", h.Live())
	}
}

func TestFaultAfterWideningProtect(t *testing.T) {
	as, h, f := newSpace(t, 0, 0x100_0000)
	if err := as.MapAlloc(0x4000, 0x1000, gpa.Read, false); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	if !as.HandlePageFault(0x4000, gpa.Read) {
		t.Fatalf("read fault failed")
	}
	pa, _ := as.Translate(0x4000)
	if err := as.Protect(0x4000, 0x1000, gpa.ReadWrite); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}

	// The entry still grants only reads; the write fault must repair it.
	allocs, flushes := h.Allocs(), len(f.ranges)
	if !as.HandlePageFault(0x4008, gpa.Write) {
		t.Fatalf("write fault after Protect failed")
	}
	got, flags, _, err := as.PageTable().Query(0x4000)
	if err != nil || got != pa || flags != gpa.ReadWrite {
		t.Errorf("Query got (%v, %v, %v), want (%v, %v, nil)", got, flags, err, pa, gpa.ReadWrite)
	}
	if h.Allocs() != allocs {
		t.Errorf("upgrading the entry allocated %d frames", h.Allocs()-allocs)
	}
	if len(f.ranges) != flushes+1 || f.ranges[len(f.ranges)-1] != (gpa.AddrRange{Start: 0x4000, End: 0x5000}) {
		t.Errorf("upgrade did not flush the page: %v", f.ranges)
	}

	// Now the entry matches the area, so a repeated write is spurious.
	if !as.HandlePageFault(0x4000, gpa.Write) {
		t.Errorf("repeated write fault failed")
	}
	if _, flags, _, _ := as.PageTable().Query(0x4000); flags != gpa.ReadWrite {
		t.Errorf("repeated fault changed flags to %v", flags)
	}

	as.Release()
	if h.Live() != 0 {
		t.Errorf("got %d live frames after Release, want 0", h.Live())
	}
}

func TestPopulatedFaultAfterWideningProtect(t *testing.T) {
	as, h, _ := newSpace(t, 0, 0x100_0000)
	if err := as.MapAlloc(0x8000, 0x2000, gpa.Read, true); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	if as.HandlePageFault(0x8000, gpa.Read) {
		t.Errorf("read fault on a populated page succeeded")
	}
	if err := as.Protect(0x8000, 0x2000, gpa.ReadWrite); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	pa, _ := as.Translate(0x9000)
	allocs := h.Allocs()
	if !as.HandlePageFault(0x9000, gpa.Write) {
		t.Fatalf("write fault after Protect failed")
	}
	if got, flags, _, err := as.PageTable().Query(0x9000); err != nil || got != pa || flags != gpa.ReadWrite {
		t.Errorf("Query got (%v, %v, %v), want (%v, %v, nil)", got, flags, err, pa, gpa.ReadWrite)
	}
	if h.Allocs() != allocs {
		t.Errorf("upgrading the entry allocated %d frames", h.Allocs()-allocs)
	}
	// The other page is only upgraded when it faults.
	if _, flags, _, _ := as.PageTable().Query(0x8000); flags != gpa.Read {
		t.Errorf("untouched page has flags %v, want %v", flags, gpa.Read)
	}
	as.Release()
	if h.Live() != 0 {
		t.Errorf("got %d live frames after Release, want 0", h.Live())
	}
}

func TestTranslateAndGetLimit(t *testing.T) {
	as, _, _ := newSpace(t, 0, 0x10_0000)
	if err := as.MapLinear(0x4000, 0x9000, 0x3000, gpa.Read); err != nil {
		t.Fatalf("MapLinear failed: %v", err)
	}
	// The limit is the size of the area, not what is left after the address.
	pa, limit, ok := as.TranslateAndGetLimit(0x6010)
	if !ok || pa != 0xb010 || limit != 0x3000 {
		t.Errorf("TranslateAndGetLimit got (%v, %#x, %t), want (%v, 0x3000, true)", pa, limit, ok, hostarch.PhysAddr(0xb010))
	}
	if _, _, ok := as.TranslateAndGetLimit(0x7000); ok {
		t.Errorf("TranslateAndGetLimit outside any area succeeded")
	}
	if _, _, ok := as.TranslateAndGetLimit(0x20_0000); ok {
		t.Errorf("TranslateAndGetLimit outside the space succeeded")
	}
}

func TestTranslatedByteBuffer(t *testing.T) {
	as, h, _ := newSpace(t, 0, 0x10_0000)
	const pages = 4
	if err := as.MapAlloc(0x10000, pages*hostarch.PageSize, gpa.ReadWrite, true); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}

	const (
		start = gpa.Addr(0x10800)
		n     = 3 * hostarch.PageSize
	)
	// Count the host contiguous runs page by page.
	runs := 0
	var prev hostarch.PhysAddr
	for addr := start.RoundDown(); addr < start+n; addr += hostarch.PageSize {
		pa, ok := as.Translate(addr)
		if !ok {
			t.Fatalf("Translate(%v) failed", addr)
		}
		if runs == 0 || pa != prev+hostarch.PageSize {
			runs++
		}
		prev = pa
	}

	views, ok := as.TranslatedByteBuffer(start, n)
	if !ok {
		t.Fatalf("TranslatedByteBuffer failed")
	}
	if len(views) != runs {
		t.Errorf("got %d views, want %d", len(views), runs)
	}
	total := uint64(0)
	for _, v := range views {
		for i := range v {
			v[i] = byte(total + uint64(i))
		}
		total += uint64(len(v))
	}
	if total != n {
		t.Fatalf("views cover %#x bytes, want %#x", total, n)
	}
	// The bytes landed where Translate says they should.
	for off := uint64(0); off < n; off += 0x100 {
		pa, _ := as.Translate(start + gpa.Addr(off))
		if got := h.Bytes(pa, 1)[0]; got != byte(off) {
			t.Errorf("byte at offset %#x is %#x, want %#x", off, got, byte(off))
		}
	}

	for _, tc := range []struct {
		name string
		addr gpa.Addr
		n    uint64
	}{
		{"longer than area", 0x10000, pages*hostarch.PageSize + 1},
		{"crosses area end", 0x13000, 0x2000},
		{"no area", 0x20000, 0x10},
		{"outside space", 0x20_0000, 0x10},
	} {
		if _, ok := as.TranslatedByteBuffer(tc.addr, tc.n); ok {
			t.Errorf("%s: TranslatedByteBuffer(%v, %#x) succeeded", tc.name, tc.addr, tc.n)
		}
	}
}

func TestTranslatedByteBufferContiguous(t *testing.T) {
	as, h, _ := newSpace(t, 0, 0x10_0000)
	// Reserve host contiguous frames and map them linearly.
	var frames []hostarch.PhysAddr
	for i := 0; i < 3; i++ {
		f, ok := h.AllocFrame()
		if !ok {
			t.Fatalf("AllocFrame failed")
		}
		frames = append(frames, f)
	}
	if frames[2] != frames[0]+2*hostarch.PageSize {
		t.Fatalf("frames %v are not contiguous", frames)
	}
	if err := as.MapLinear(0x5000, frames[0], 3*hostarch.PageSize, gpa.ReadWrite); err != nil {
		t.Fatalf("MapLinear failed: %v", err)
	}
	views, ok := as.TranslatedByteBuffer(0x5100, 0x2e00)
	if !ok || len(views) != 1 || len(views[0]) != 0x2e00 {
		t.Fatalf("TranslatedByteBuffer got %d views (ok=%t), want one of 0x2e00 bytes", len(views), ok)
	}
	views[0][0] = 0x5a
	if got := h.Bytes(frames[0]+0x100, 1)[0]; got != 0x5a {
		t.Errorf("write through the view is not visible in the frame")
	}
}

func TestReleaseFreesEverything(t *testing.T) {
	as, h, _ := newSpace(t, 0, 0x1_0000_0000)
	if err := as.MapAlloc(0x10_0000, 0x8000, gpa.ReadWrite, true); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	if err := as.MapAlloc(0x4000_0000, 0x10000, gpa.AnyAccess, false); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	for _, addr := range []gpa.Addr{0x4000_0000, 0x4000_3000, 0x4000_f000} {
		if !as.HandlePageFault(addr, gpa.Write) {
			t.Fatalf("HandlePageFault(%v) failed", addr)
		}
	}
	if err := as.MapLinear(0x8000_0000, 0x1_0000_0000, 0x20_0000, gpa.Read); err != nil {
		t.Fatalf("MapLinear failed: %v", err)
	}
	as.Release()
	if h.Live() != 0 {
		t.Errorf("got %d live frames after Release, want 0", h.Live())
	}
	if h.Allocs() != h.Frees() {
		t.Errorf("got %d allocations and %d frees", h.Allocs(), h.Frees())
	}
}

func TestClearPanicsOnInconsistency(t *testing.T) {
	as, _, _ := newSpace(t, 0, 0x1000_0000)
	if err := as.MapAlloc(0x20_0000, 0x20_0000, gpa.ReadWrite, false); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	// Replace the reserved pages behind the area's back with a huge page,
	// which allocated areas cannot unmap.
	pt := as.PageTable()
	if err := pt.UnmapRegion(0x20_0000, 0x20_0000); err != nil {
		t.Fatalf("UnmapRegion failed: %v", err)
	}
	if err := pt.Map(0x20_0000, 0x4000_0000, npt.Size2M, gpa.ReadWrite); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Clear did not panic")
		}
	}()
	as.Clear()
}

func TestString(t *testing.T) {
	as, _, _ := newSpace(t, 0, 0x10_0000)
	if err := as.MapLinear(0x1000, 0x1000, 0x1000, gpa.Read); err != nil {
		t.Fatalf("MapLinear failed: %v", err)
	}
	if err := as.MapAlloc(0x2000, 0x1000, gpa.Read, true); err != nil {
		t.Fatalf("MapAlloc failed: %v", err)
	}
	got := as.String()
	for _, want := range []string{"Linear{offset: 0x0}", "Alloc{populate: true}"} {
		if !strings.Contains(got, want) {
			t.Errorf("String() = %q, missing %q", got, want)
		}
	}
}
