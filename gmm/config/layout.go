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

package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gvisor.dev/guestmem/pkg/addrspace"
	"gvisor.dev/guestmem/pkg/errors/memerr"
	"gvisor.dev/guestmem/pkg/gpa"
	"gvisor.dev/guestmem/pkg/hostarch"
	"gvisor.dev/guestmem/pkg/log"
)

// Region kinds.
const (
	KindAlloc  = "alloc"
	KindLinear = "linear"
)

// Region is one area of a guest layout.
type Region struct {
	// Name identifies the region in errors and logs.
	Name string `toml:"name"`

	// Kind is KindAlloc or KindLinear.
	Kind string `toml:"kind"`

	// GPA is the first guest physical address of the region.
	GPA uint64 `toml:"gpa"`

	// Size is the size of the region in bytes.
	Size uint64 `toml:"size"`

	// Flags is the access of the region, as accepted by
	// gpa.ParseMappingFlags.
	Flags string `toml:"flags"`

	// Populate backs an alloc region with frames up front instead of on
	// first fault.
	Populate bool `toml:"populate"`

	// HPA is the host physical address GPA maps onto. Linear only.
	HPA uint64 `toml:"hpa"`
}

// Range returns the guest range of r.
func (r *Region) Range() (gpa.AddrRange, bool) {
	return gpa.FromStartSize(gpa.Addr(r.GPA), r.Size)
}

// MappingFlags returns the parsed access flags of r.
func (r *Region) MappingFlags() (gpa.MappingFlags, error) {
	return gpa.ParseMappingFlags(r.Flags)
}

func (r *Region) String() string {
	return fmt.Sprintf("region %q", r.Name)
}

// Layout describes a guest physical address space and the regions mapped
// into it at VM creation.
type Layout struct {
	// Base is the first address of the space.
	Base uint64 `toml:"base"`

	// Size is the size of the space in bytes.
	Size uint64 `toml:"size"`

	// Regions are applied in order.
	Regions []Region `toml:"region"`
}

// DecodeLayout parses a TOML layout. Unknown keys are rejected.
func DecodeLayout(data string) (*Layout, error) {
	var l Layout
	md, err := toml.Decode(data, &l)
	if err != nil {
		return nil, fmt.Errorf("decoding layout: %w", err)
	}
	return checkDecoded(&l, md)
}

// LoadLayout reads and validates the TOML layout at path.
func LoadLayout(path string) (*Layout, error) {
	var l Layout
	md, err := toml.DecodeFile(path, &l)
	if err != nil {
		return nil, fmt.Errorf("loading layout %q: %w", path, err)
	}
	return checkDecoded(&l, md)
}

func checkDecoded(l *Layout, md toml.MetaData) (*Layout, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%w: unknown layout keys: %s", memerr.ErrInvalidInput, strings.Join(keys, ", "))
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// AddrRange returns the range covered by the space.
func (l *Layout) AddrRange() (gpa.AddrRange, bool) {
	return gpa.FromStartSize(gpa.Addr(l.Base), l.Size)
}

// Validate checks that every region is well formed, lies inside the space
// and does not overlap another region.
func (l *Layout) Validate() error {
	space, ok := l.AddrRange()
	if !ok || space.IsEmpty() || !space.IsPageAligned() {
		return fmt.Errorf("%w: layout space [%#x, +%#x) must be non-empty and page aligned", memerr.ErrInvalidInput, l.Base, l.Size)
	}

	names := make(map[string]struct{}, len(l.Regions))
	ranges := make([]gpa.AddrRange, 0, len(l.Regions))
	for i := range l.Regions {
		r := &l.Regions[i]
		if r.Name == "" {
			return fmt.Errorf("%w: region %d has no name", memerr.ErrInvalidInput, i)
		}
		if _, ok := names[r.Name]; ok {
			return fmt.Errorf("%w: duplicate %v", memerr.ErrInvalidInput, r)
		}
		names[r.Name] = struct{}{}

		rr, ok := r.Range()
		if !ok || rr.IsEmpty() || !rr.IsPageAligned() {
			return fmt.Errorf("%w: %v: [%#x, +%#x) must be non-empty and page aligned", memerr.ErrInvalidInput, r, r.GPA, r.Size)
		}
		if !space.IsSupersetOf(rr) {
			return fmt.Errorf("%w: %v: %v is outside %v", memerr.ErrInvalidInput, r, rr, space)
		}
		flags, err := r.MappingFlags()
		if err != nil {
			return fmt.Errorf("%v: %w", r, err)
		}

		switch r.Kind {
		case KindAlloc:
			if flags.Access() == gpa.NoAccess {
				return fmt.Errorf("%w: %v: alloc regions need at least one of r, w or x", memerr.ErrInvalidInput, r)
			}
			if r.HPA != 0 {
				return fmt.Errorf("%w: %v: hpa is only valid for linear regions", memerr.ErrInvalidInput, r)
			}
		case KindLinear:
			if r.Populate {
				return fmt.Errorf("%w: %v: populate is only valid for alloc regions", memerr.ErrInvalidInput, r)
			}
			if !hostarch.PhysAddr(r.HPA).IsPageAligned() {
				return fmt.Errorf("%w: %v: hpa %#x is not page aligned", memerr.ErrInvalidInput, r, r.HPA)
			}
		default:
			return fmt.Errorf("%w: %v: unknown kind %q", memerr.ErrInvalidInput, r, r.Kind)
		}
		ranges = append(ranges, rr)
	}

	slices.SortFunc(ranges, func(a, b gpa.AddrRange) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	for i := 1; i < len(ranges); i++ {
		if ranges[i-1].Overlaps(ranges[i]) {
			return fmt.Errorf("%w: %v overlaps %v", memerr.ErrAlreadyExists, ranges[i-1], ranges[i])
		}
	}
	return nil
}

// Apply maps every region of l into as, in order. It stops at the first
// failure; regions applied before it stay mapped.
func (l *Layout) Apply(as *addrspace.AddrSpace) error {
	for i := range l.Regions {
		r := &l.Regions[i]
		flags, err := r.MappingFlags()
		if err != nil {
			return fmt.Errorf("%v: %w", r, err)
		}
		switch r.Kind {
		case KindAlloc:
			err = as.MapAlloc(gpa.Addr(r.GPA), r.Size, flags, r.Populate)
		case KindLinear:
			err = as.MapLinear(gpa.Addr(r.GPA), hostarch.PhysAddr(r.HPA), r.Size, flags)
		default:
			err = fmt.Errorf("%w: unknown kind %q", memerr.ErrInvalidInput, r.Kind)
		}
		if err != nil {
			return fmt.Errorf("applying %v: %w", r, err)
		}
		log.Debugf("Applied %v: %s [%#x, +%#x) %v", r, r.Kind, r.GPA, r.Size, flags)
	}
	return nil
}
