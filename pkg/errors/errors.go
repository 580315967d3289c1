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

// Package errors holds the standardized error definition for vmcore.
package errors

import (
	"fmt"
)

// Kind classifies an error in the memory subsystem's error taxonomy.
type Kind int

// Error kinds.
const (
	// KindUnknown is the kind of errors that did not originate in vmcore.
	KindUnknown Kind = iota

	// KindOutOfMemory means the frame allocator is exhausted.
	KindOutOfMemory

	// KindAlreadyMapped means the page already has a present mapping.
	KindAlreadyMapped

	// KindNotMapped means the page has no present mapping.
	KindNotMapped

	// KindOverlap means a region conflicts with an existing region.
	KindOverlap

	// KindProtectionViolation means an access could not be satisfied and
	// the faulting execution context must be terminated.
	KindProtectionViolation

	// KindInvalidArgument means a malformed request, e.g. an unaligned
	// address.
	KindInvalidArgument

	// KindDoubleFree means a frame was released while not in use.
	KindDoubleFree

	// KindDestroyed means the address space has been torn down.
	KindDestroyed
)

var kindNames = map[Kind]string{
	KindUnknown:             "Unknown",
	KindOutOfMemory:         "OutOfMemory",
	KindAlreadyMapped:       "AlreadyMapped",
	KindNotMapped:           "NotMapped",
	KindOverlap:             "Overlap",
	KindProtectionViolation: "ProtectionViolation",
	KindInvalidArgument:     "InvalidArgument",
	KindDoubleFree:          "DoubleFree",
	KindDestroyed:           "Destroyed",
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind returns the Kind with the given name.
func ParseKind(name string) (Kind, bool) {
	for k, s := range kindNames {
		if s == name {
			return k, true
		}
	}
	return KindUnknown, false
}

// Recoverable returns true if errors of this kind are returned to the caller
// rather than terminating the faulting context.
func (k Kind) Recoverable() bool {
	return k != KindProtectionViolation
}

// Error represents a memory subsystem error with a descriptive message.
type Error struct {
	kind    Kind
	message string
}

// New creates a new *Error.
func New(kind Kind, message string) *Error {
	return &Error{
		kind:    kind,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Kind returns the taxonomy kind of the error.
func (e *Error) Kind() Kind { return e.kind }
