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

// Package errors holds the standardized error definition for guest memory
// management.
package errors

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Code classifies an Error.
type Code uint8

// Error codes. The zero value is reserved.
const (
	// InvalidInput indicates a caller mistake: a misaligned address or size,
	// or a range outside the address space.
	InvalidInput Code = iota + 1

	// AlreadyExists indicates a conflicting mapping.
	AlreadyExists

	// BadState indicates an inconsistency between the page table and the
	// mapping bookkeeping.
	BadState

	// NoMemory indicates that a frame could not be allocated.
	NoMemory

	// NotMapped indicates that a page table entry is absent.
	NotMapped

	// NotSupported indicates an operation that is intentionally unsupported.
	NotSupported
)

// String implements fmt.Stringer.String.
func (c Code) String() string {
	switch c {
	case InvalidInput:
		return "InvalidInput"
	case AlreadyExists:
		return "AlreadyExists"
	case BadState:
		return "BadState"
	case NoMemory:
		return "NoMemory"
	case NotMapped:
		return "NotMapped"
	case NotSupported:
		return "NotSupported"
	default:
		return fmt.Sprintf("Code(%d)", uint8(c))
	}
}

// Errno returns the host errno closest to c.
func (c Code) Errno() unix.Errno {
	switch c {
	case InvalidInput:
		return unix.EINVAL
	case AlreadyExists:
		return unix.EEXIST
	case BadState:
		return unix.EFAULT
	case NoMemory:
		return unix.ENOMEM
	case NotMapped:
		return unix.ENOENT
	case NotSupported:
		return unix.EOPNOTSUPP
	default:
		return 0
	}
}

// Error represents a classified error with a descriptive message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the error classification.
func (e *Error) Code() Code { return e.code }
