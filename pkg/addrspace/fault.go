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
	"time"

	"gvisor.dev/guestmem/pkg/gpa"
	"gvisor.dev/guestmem/pkg/log"
)

// faultLog reports unresolved faults. A misbehaving guest can fault at a
// high rate.
var faultLog = log.BasicRateLimitedLogger(time.Second)

// NestedPageFaultInfo is the fault record passed from the VM exit handler.
type NestedPageFaultInfo struct {
	// AccessFlags is the decoded access that faulted.
	AccessFlags gpa.MappingFlags

	// FaultGuestPaddr is the faulting guest physical address.
	FaultGuestPaddr gpa.Addr
}

// HandlePageFault resolves a nested page fault at addr for the given access.
//
// It returns true only if the guest may retry the access. Faults outside the
// space or any area, and accesses exceeding the declared flags of the area,
// are not resolved and change nothing.
func (as *AddrSpace) HandlePageFault(addr gpa.Addr, access gpa.MappingFlags) bool {
	if !as.vaRange.Contains(addr) {
		faultLog.Warningf("Nested page fault at %v outside %v", addr, as.vaRange)
		return false
	}
	area, ok := as.areas.Find(addr)
	if !ok {
		faultLog.Warningf("Nested page fault at %v (%v) hits no area", addr, access)
		return false
	}
	if !area.Flags.Contains(access) {
		faultLog.Warningf("Nested page fault at %v: access %v exceeds %v of %v", addr, access, area.Flags, area.Range)
		return false
	}
	if !area.Backend.HandlePageFault(addr, area.Flags, as.pt) {
		faultLog.Warningf("Nested page fault at %v (%v) not resolved by %v", addr, access, area.Backend)
		return false
	}
	return true
}

// HandleNestedPageFault is HandlePageFault for a fault record.
func (as *AddrSpace) HandleNestedPageFault(info NestedPageFaultInfo) bool {
	return as.HandlePageFault(info.FaultGuestPaddr, info.AccessFlags)
}
