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

// Package memerr contains the guest memory error taxonomy exported as error
// interface pointers. Errors returned by this module wrap one of these
// values, so callers classify failures with errors.Is.
package memerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/guestmem/pkg/errors"
)

var (
	noError *errors.Error = nil

	// ErrInvalidInput is returned for misaligned or out of range requests.
	ErrInvalidInput = errors.New(errors.InvalidInput, "invalid input")

	// ErrAlreadyExists is returned when a mapping conflicts with an existing
	// one.
	ErrAlreadyExists = errors.New(errors.AlreadyExists, "mapping already exists")

	// ErrBadState is returned when the page table does not agree with the
	// mapping bookkeeping. The affected address space should be considered
	// corrupted.
	ErrBadState = errors.New(errors.BadState, "bad page table state")

	// ErrNoMemory is returned when a host frame cannot be allocated.
	ErrNoMemory = errors.New(errors.NoMemory, "out of memory")

	// ErrNotMapped is returned by page table operations on absent entries.
	ErrNotMapped = errors.New(errors.NotMapped, "not mapped")

	// ErrNotSupported is returned for unsupported operations.
	ErrNotSupported = errors.New(errors.NotSupported, "operation not supported")
)

var byCode = map[errors.Code]*errors.Error{
	errors.InvalidInput:  ErrInvalidInput,
	errors.AlreadyExists: ErrAlreadyExists,
	errors.BadState:      ErrBadState,
	errors.NoMemory:      ErrNoMemory,
	errors.NotMapped:     ErrNotMapped,
	errors.NotSupported:  ErrNotSupported,
}

// FromCode returns the sentinel for the given code, or nil.
func FromCode(c errors.Code) *errors.Error {
	return byCode[c]
}

// Classify returns the sentinel wrapped by err, if any.
func Classify(err error) (*errors.Error, bool) {
	var e *errors.Error
	if !goerrors.As(err, &e) {
		return nil, false
	}
	if s := byCode[e.Code()]; s != nil {
		return s, true
	}
	return nil, false
}

// ToUnix converts err to a unix.Errno. Unclassified non-nil errors map to
// EIO.
func ToUnix(err error) unix.Errno {
	if err == nil {
		return 0
	}
	e, ok := Classify(err)
	if !ok {
		return unix.EIO
	}
	return e.Code().Errno()
}

// Equals compares a memerr sentinel to a given error, following wrapping.
func Equals(e *errors.Error, err error) bool {
	if e == noError {
		return err == nil
	}
	return goerrors.Is(err, e)
}
