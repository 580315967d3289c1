// Copyright 2026 The vmcore Authors.
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

// Package vmerr contains the errors returned by the memory subsystem.
package vmerr

import (
	goerrors "errors"

	"github.com/vmcore/vmcore/pkg/errors"
)

var (
	// ErrOutOfMemory is returned when no physical frame is available.
	ErrOutOfMemory = errors.New(errors.KindOutOfMemory, "out of memory")

	// ErrAlreadyMapped is returned when mapping a page that already has a
	// present mapping. The existing mapping is left untouched.
	ErrAlreadyMapped = errors.New(errors.KindAlreadyMapped, "page already mapped")

	// ErrNotMapped is returned for pages without a present mapping. A
	// translation failing with ErrNotMapped is a page fault.
	ErrNotMapped = errors.New(errors.KindNotMapped, "page not mapped")

	// ErrOverlap is returned when a new region would overlap an existing
	// one.
	ErrOverlap = errors.New(errors.KindOverlap, "region overlaps an existing region")

	// ErrProtectionViolation is returned by the fault path for accesses
	// that cannot be satisfied. It is fatal to the faulting context.
	ErrProtectionViolation = errors.New(errors.KindProtectionViolation, "protection violation")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New(errors.KindInvalidArgument, "invalid argument")

	// ErrDoubleFree is returned when freeing a frame that is not in use.
	ErrDoubleFree = errors.New(errors.KindDoubleFree, "frame is not in use")

	// ErrDestroyed is returned by operations on a destroyed address space.
	ErrDestroyed = errors.New(errors.KindDestroyed, "address space destroyed")
)

var byKind = map[errors.Kind]*errors.Error{
	errors.KindOutOfMemory:         ErrOutOfMemory,
	errors.KindAlreadyMapped:       ErrAlreadyMapped,
	errors.KindNotMapped:           ErrNotMapped,
	errors.KindOverlap:             ErrOverlap,
	errors.KindProtectionViolation: ErrProtectionViolation,
	errors.KindInvalidArgument:     ErrInvalidArgument,
	errors.KindDoubleFree:          ErrDoubleFree,
	errors.KindDestroyed:           ErrDestroyed,
}

// KindOf returns the kind of the first *errors.Error in err's chain. It
// returns KindUnknown for nil and foreign errors.
func KindOf(err error) errors.Kind {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Kind()
	}
	return errors.KindUnknown
}

// ForKind returns the sentinel error of the given kind, or nil.
func ForKind(k errors.Kind) error {
	if e, ok := byKind[k]; ok {
		return e
	}
	return nil
}

// IsRecoverable returns true if err may be handled by the caller. Errors
// outside the taxonomy are treated as recoverable.
func IsRecoverable(err error) bool {
	return KindOf(err).Recoverable()
}
