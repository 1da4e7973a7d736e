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

package gpa

import (
	"fmt"
	"strings"

	"gvisor.dev/guestmem/pkg/hostarch"
)

// MappingFlags is a set of permissions and attributes for a guest mapping.
//
// Flags are compared by containment: an access is permitted when its flags
// are a subset of the flags declared for the mapping.
type MappingFlags uint64

const (
	// Read permits reads.
	Read MappingFlags = 1 << iota

	// Write permits writes.
	Write

	// Execute permits instruction fetches.
	Execute

	// User permits accesses from guest user mode.
	User

	// Device marks the mapping as device memory (uncached MMIO).
	Device

	// Uncached marks the mapping as write-combining memory.
	Uncached
)

// Common flag combinations.
const (
	NoAccess  MappingFlags = 0
	ReadWrite              = Read | Write
	AnyAccess              = Read | Write | Execute
)

// allFlags is the set of defined flags.
const allFlags = Read | Write | Execute | User | Device | Uncached

// Contains returns true if every flag in other is also in f.
func (f MappingFlags) Contains(other MappingFlags) bool {
	return f&other == other
}

// IsEmpty returns true if no flags are set.
func (f MappingFlags) IsEmpty() bool {
	return f == 0
}

// Valid returns true if f only contains defined flags.
func (f MappingFlags) Valid() bool {
	return f&^allFlags == 0
}

// Access returns the permission bits of f.
func (f MappingFlags) Access() MappingFlags {
	return f & AnyAccess
}

// MemoryType returns the memory type implied by the attribute flags.
func (f MappingFlags) MemoryType() hostarch.MemoryType {
	switch {
	case f&Device != 0:
		return hostarch.MemoryTypeUncached
	case f&Uncached != 0:
		return hostarch.MemoryTypeWriteCombine
	default:
		return hostarch.MemoryTypeWriteBack
	}
}

// String implements fmt.Stringer.String.
func (f MappingFlags) String() string {
	var b strings.Builder
	for _, c := range []struct {
		flag MappingFlags
		ch   byte
	}{
		{Read, 'R'},
		{Write, 'W'},
		{Execute, 'X'},
		{User, 'U'},
		{Device, 'D'},
		{Uncached, 'C'},
	} {
		if f&c.flag != 0 {
			b.WriteByte(c.ch)
		} else {
			b.WriteByte('-')
		}
	}
	if extra := f &^ allFlags; extra != 0 {
		fmt.Fprintf(&b, "|%#x", uint64(extra))
	}
	return b.String()
}

// ParseMappingFlags parses a string of flag letters, e.g. "rwx" or "rwd".
// Letters are case insensitive; '-' is ignored.
func ParseMappingFlags(s string) (MappingFlags, error) {
	var f MappingFlags
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			f |= Read
		case 'w':
			f |= Write
		case 'x':
			f |= Execute
		case 'u':
			f |= User
		case 'd':
			f |= Device
		case 'c':
			f |= Uncached
		case '-':
		default:
			return 0, fmt.Errorf("invalid mapping flag %q in %q", c, s)
		}
	}
	return f, nil
}
