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

// Package device defines the addresses through which a guest reaches
// emulated devices: guest physical addresses for MMIO, I/O ports and system
// registers.
package device

import (
	"fmt"

	"gvisor.dev/guestmem/pkg/gpa"
)

// AccessWidth is the width of a device access. A word is 16 bits, as on x86.
type AccessWidth uint8

// Access widths.
const (
	Byte AccessWidth = iota
	Word
	Dword
	Qword
)

// AccessWidthFromSize returns the width of an access of size bytes.
func AccessWidthFromSize(size int) (AccessWidth, bool) {
	switch size {
	case 1:
		return Byte, true
	case 2:
		return Word, true
	case 4:
		return Dword, true
	case 8:
		return Qword, true
	default:
		return 0, false
	}
}

// Size returns the size of the access in bytes.
func (w AccessWidth) Size() int {
	return 1 << w
}

// Bits returns the number of bits covered by the access, starting at bit 0.
func (w AccessWidth) Bits() int {
	return 8 * w.Size()
}

// Mask returns a mask of the bits covered by the access.
func (w AccessWidth) Mask() uint64 {
	if w == Qword {
		return ^uint64(0)
	}
	return 1<<w.Bits() - 1
}

// String implements fmt.Stringer.String.
func (w AccessWidth) String() string {
	switch w {
	case Byte:
		return "byte"
	case Word:
		return "word"
	case Dword:
		return "dword"
	case Qword:
		return "qword"
	default:
		return fmt.Sprintf("AccessWidth(%d)", uint8(w))
	}
}

// Port is an I/O port number.
type Port uint16

// String implements fmt.Stringer.String.
func (p Port) String() string {
	return fmt.Sprintf("Port(%#x)", uint16(p))
}

// SysRegAddr is a system register address.
type SysRegAddr uint64

// String implements fmt.Stringer.String.
func (s SysRegAddr) String() string {
	return fmt.Sprintf("SysRegAddr(%#x)", uint64(s))
}

// Addr is the set of device address types.
type Addr interface {
	gpa.Addr | Port | SysRegAddr
}

// AddrRange is a set of device addresses. It need not be contiguous.
type AddrRange[A Addr] interface {
	Contains(addr A) bool
}

var (
	_ AddrRange[gpa.Addr]   = gpa.AddrRange{}
	_ AddrRange[Port]       = PortRange{}
	_ AddrRange[SysRegAddr] = SysRegAddrRange{}
)

// PortRange is an inclusive range of ports.
type PortRange struct {
	Start Port
	End   Port
}

// Contains implements AddrRange.Contains.
func (r PortRange) Contains(p Port) bool {
	return r.Start <= p && p <= r.End
}

// String implements fmt.Stringer.String.
func (r PortRange) String() string {
	return fmt.Sprintf("%#x..=%#x", uint16(r.Start), uint16(r.End))
}

// SysRegAddrRange is an inclusive range of system register addresses.
type SysRegAddrRange struct {
	Start SysRegAddr
	End   SysRegAddr
}

// Contains implements AddrRange.Contains.
func (r SysRegAddrRange) Contains(s SysRegAddr) bool {
	return r.Start <= s && s <= r.End
}

// String implements fmt.Stringer.String.
func (r SysRegAddrRange) String() string {
	return fmt.Sprintf("%#x..=%#x", uint64(r.Start), uint64(r.End))
}

// Find returns the index of the first range in rs containing addr.
func Find[A Addr, R AddrRange[A]](rs []R, addr A) (int, bool) {
	for i, r := range rs {
		if r.Contains(addr) {
			return i, true
		}
	}
	return -1, false
}
