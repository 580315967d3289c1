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

package kernel

import (
	"context"
	"fmt"
	"strings"

	"github.com/vmcore/vmcore/pkg/errors/vmerr"
	"github.com/vmcore/vmcore/pkg/log"
	"github.com/vmcore/vmcore/pkg/memarch"
	"github.com/vmcore/vmcore/pkg/mm"
)

// Vector is an x86 exception vector.
type Vector uint8

// Vectors with handlers installed by default.
const (
	VectorBreakpoint  Vector = 3
	VectorDoubleFault Vector = 8
	VectorPageFault   Vector = 14
)

// String implements fmt.Stringer.String.
func (v Vector) String() string {
	switch v {
	case VectorBreakpoint:
		return "breakpoint"
	case VectorDoubleFault:
		return "double_fault"
	case VectorPageFault:
		return "page_fault"
	default:
		return fmt.Sprintf("vector_%d", uint8(v))
	}
}

// ErrorCode is the error code pushed by a page fault.
type ErrorCode uint32

// Page fault error code bits.
const (
	// PFPresent is set if the fault was a protection violation on a present
	// page, and clear if the page was not present.
	PFPresent ErrorCode = 1 << 0

	// PFWrite is set for write accesses.
	PFWrite ErrorCode = 1 << 1

	// PFUser is set for accesses from user mode.
	PFUser ErrorCode = 1 << 2

	// PFReserved is set if a reserved bit was set in a paging entry.
	PFReserved ErrorCode = 1 << 3

	// PFInstructionFetch is set for instruction fetches.
	PFInstructionFetch ErrorCode = 1 << 4
)

// MakeErrorCode returns the error code of a fault of type at.
func MakeErrorCode(at memarch.AccessType, present, user bool) ErrorCode {
	var c ErrorCode
	if present {
		c |= PFPresent
	}
	if at.Write {
		c |= PFWrite
	}
	if user {
		c |= PFUser
	}
	if at.Execute {
		c |= PFInstructionFetch
	}
	return c
}

// AccessType returns the access that caused the fault.
func (c ErrorCode) AccessType() memarch.AccessType {
	switch {
	case c&PFInstructionFetch != 0:
		return memarch.Execute
	case c&PFWrite != 0:
		return memarch.Write
	default:
		return memarch.Read
	}
}

// String decodes the error code, e.g. "write to non-present page (user)".
func (c ErrorCode) String() string {
	var b strings.Builder
	switch {
	case c&PFInstructionFetch != 0:
		b.WriteString("instruction fetch from ")
	case c&PFWrite != 0:
		b.WriteString("write to ")
	default:
		b.WriteString("read from ")
	}
	if c&PFPresent != 0 {
		b.WriteString("present page (protection violation)")
	} else {
		b.WriteString("non-present page")
	}
	if c&PFReserved != 0 {
		b.WriteString(", reserved bit set")
	}
	if c&PFUser != 0 {
		b.WriteString(" (user)")
	} else {
		b.WriteString(" (supervisor)")
	}
	return b.String()
}

// Trap is an exception raised by a task.
type Trap struct {
	Vector Vector

	// ErrorCode is valid for page faults.
	ErrorCode ErrorCode

	// Addr is the faulting address for page faults (CR2).
	Addr memarch.Addr
}

// String implements fmt.Stringer.String.
func (tr Trap) String() string {
	if tr.Vector == VectorPageFault {
		return fmt.Sprintf("#PF at %v: %v", tr.Addr, tr.ErrorCode)
	}
	return tr.Vector.String()
}

// TrapHandler handles a trap raised by t. A nil return resumes the task; an
// error kills it.
type TrapHandler func(ctx context.Context, t *Task, tr Trap) error

// defaultTrapTable returns the handlers installed at boot.
func (k *Kernel) defaultTrapTable() map[Vector]TrapHandler {
	return map[Vector]TrapHandler{
		VectorPageFault:   k.handlePageFault,
		VectorBreakpoint:  handleBreakpoint,
		VectorDoubleFault: handleDoubleFault,
	}
}

// SetTrapHandler replaces the handler for v.
func (k *Kernel) SetTrapHandler(v Vector, h TrapHandler) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.traps[v] = h
}

// dispatch runs the handler for tr. If the handler fails, t is killed and
// the returned error is the task's *ExitError.
func (k *Kernel) dispatch(ctx context.Context, t *Task, tr Trap) error {
	k.mu.Lock()
	h, ok := k.traps[tr.Vector]
	k.mu.Unlock()
	traps.Increment(trapField(tr.Vector))

	var err error
	if ok {
		err = h(ctx, t, tr)
	} else {
		err = fmt.Errorf("unhandled %v: %w", tr, vmerr.ErrProtectionViolation)
	}
	if err != nil {
		return t.kill(err)
	}
	return nil
}

// trapField maps a vector to its metric field value.
func trapField(v Vector) string {
	switch v {
	case VectorBreakpoint, VectorDoubleFault, VectorPageFault:
		return v.String()
	default:
		return "other"
	}
}

func (k *Kernel) handlePageFault(ctx context.Context, t *Task, tr Trap) error {
	if log.IsLogging(log.Debug) {
		t.Debugf("%v", tr)
	}
	res, err := t.as.HandleUserFault(ctx, tr.Addr, tr.ErrorCode.AccessType())
	if res == mm.FaultFatal {
		t.Warningf("Unhandled %v: %v", tr, err)
		return err
	}
	return nil
}

func handleBreakpoint(ctx context.Context, t *Task, tr Trap) error {
	t.Infof("Breakpoint")
	return nil
}

func handleDoubleFault(ctx context.Context, t *Task, tr Trap) error {
	return fmt.Errorf("double fault at %v: %w", tr.Addr, vmerr.ErrProtectionViolation)
}
