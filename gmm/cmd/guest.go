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

// Package cmd holds implementations of the gmm commands.
package cmd

import (
	"fmt"
	"strconv"

	"gvisor.dev/guestmem/gmm/config"
	"gvisor.dev/guestmem/pkg/addrspace"
	"gvisor.dev/guestmem/pkg/gpa"
	"gvisor.dev/guestmem/pkg/hal"
	"gvisor.dev/guestmem/pkg/hostarch"
	"gvisor.dev/guestmem/pkg/log"
)

// guest is an address space built from a layout on a fresh host memory file.
type guest struct {
	mem     *hal.MemoryFile
	as      *addrspace.AddrSpace
	flushes int
}

// newGuest loads the layout at path and applies it to a new address space.
func newGuest(conf *config.Config, path string) (*guest, error) {
	layout, err := config.LoadLayout(path)
	if err != nil {
		return nil, err
	}
	mem, err := hal.NewMemoryFile("gmm", conf.HostMemory, hal.MemoryFileOpts{
		PhysBase: hostarch.PhysAddr(conf.HostPhysBase),
	})
	if err != nil {
		return nil, fmt.Errorf("creating host memory: %w", err)
	}
	g := &guest{mem: mem}
	as, err := addrspace.New(gpa.Addr(layout.Base), layout.Size, mem, addrspace.Opts{
		Flush:           g.flush,
		LinearHugePages: conf.HugeLinear,
	})
	if err != nil {
		_ = mem.Destroy()
		return nil, err
	}
	g.as = as
	if err := layout.Apply(as); err != nil {
		g.release()
		return nil, err
	}
	log.Infof("Guest layout %q applied, %d/%d host frames in use", path, mem.InUse(), mem.Capacity())
	return g, nil
}

// flush stands in for the hardware invalidation of cached translations.
func (g *guest) flush(start gpa.Addr, size uint64) {
	g.flushes++
	log.Debugf("Flush [%v, +%#x)", start, size)
}

// hostBytes returns the host view of n bytes at pa, if pa lies in the host
// memory file.
func (g *guest) hostBytes(pa hostarch.PhysAddr, n uint64) bool {
	_, ok := g.mem.Bytes(pa, n)
	return ok
}

// areaAt returns the area containing addr.
func (g *guest) areaAt(addr gpa.Addr) (addrspace.Area, bool) {
	var (
		found addrspace.Area
		ok    bool
	)
	g.as.ForEachArea(func(a addrspace.Area) bool {
		if a.Range.Contains(addr) {
			found, ok = a, true
			return false
		}
		return a.Range.Start <= addr
	})
	return found, ok
}

func (g *guest) release() {
	g.as.Release()
	if err := g.mem.Destroy(); err != nil {
		log.Warningf("Destroying host memory: %v", err)
	}
}

// parseAddrs parses guest physical addresses in any base accepted by
// strconv.ParseUint.
func parseAddrs(args []string) ([]gpa.Addr, error) {
	addrs := make([]gpa.Addr, 0, len(args))
	for _, arg := range args {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid guest address %q: %w", arg, err)
		}
		addrs = append(addrs, gpa.Addr(v))
	}
	return addrs, nil
}
