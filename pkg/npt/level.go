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

package npt

import (
	"fmt"

	"gvisor.dev/guestmem/pkg/hostarch"
)

const (
	entriesPerNode = 512

	// addressBits is the width of a guest physical address that a
	// four-level table can translate.
	addressBits = 48

	// MaxAddr is the first guest physical address the table cannot map.
	MaxAddr = 1 << addressBits
)

// PageSize is the size of a leaf mapping.
type PageSize uint64

// Supported page sizes.
const (
	Size4K PageSize = hostarch.PageSize
	Size2M PageSize = hostarch.HugePageSize
	Size1G PageSize = hostarch.GiantPageSize
)

// IsHuge returns true for sizes above the base page size.
func (s PageSize) IsHuge() bool {
	return s != Size4K
}

// String implements fmt.Stringer.String.
func (s PageSize) String() string {
	switch s {
	case Size4K:
		return "4K"
	case Size2M:
		return "2M"
	case Size1G:
		return "1G"
	default:
		return fmt.Sprintf("PageSize(%#x)", uint64(s))
	}
}

// level is a depth in the table. The root is levelPML4.
type level int

const (
	levelPML4 level = iota
	levelPDPT
	levelPD
	levelPT
)

func (l level) shift() uint {
	return 39 - 9*uint(l)
}

// size returns the number of bytes covered by one entry at this level.
func (l level) size() uint64 {
	return 1 << l.shift()
}

func (l level) index(va uint64) int {
	return int(va>>l.shift()) & (entriesPerNode - 1)
}

// pageSize returns the leaf size for an entry at this level.
func (l level) pageSize() PageSize {
	return PageSize(l.size())
}

// levelFor returns the level at which leaves of the given size live.
func levelFor(s PageSize) (level, bool) {
	switch s {
	case Size4K:
		return levelPT, true
	case Size2M:
		return levelPD, true
	case Size1G:
		return levelPDPT, true
	default:
		return 0, false
	}
}

// next returns the next address quantized by the given size.
func next(start uint64, size uint64) uint64 {
	start &= ^(size - 1)
	start += size
	return start
}
