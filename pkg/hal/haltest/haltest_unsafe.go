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

package haltest

import (
	"unsafe"

	"gvisor.dev/guestmem/pkg/hostarch"
)

func (h *Handler) base() hostarch.VirtAddr {
	return hostarch.VirtAddr(uintptr(unsafe.Pointer(unsafe.SliceData(h.slab))))
}

func bytesAt(v hostarch.VirtAddr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(v))), length)
}
