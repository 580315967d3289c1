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
	"errors"
	"fmt"
	"sync"

	"github.com/vmcore/vmcore/pkg/errors/vmerr"
	"github.com/vmcore/vmcore/pkg/log"
	"github.com/vmcore/vmcore/pkg/memarch"
	"github.com/vmcore/vmcore/pkg/mm"
)

// TaskID identifies a task within a kernel.
type TaskID int32

// TaskState is the state of a task.
type TaskState int

const (
	// TaskRunning tasks accept operations.
	TaskRunning TaskState = iota

	// TaskKilled tasks were terminated by a fatal trap.
	TaskKilled
)

// String implements fmt.Stringer.String.
func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskKilled:
		return "killed"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// ExitError is returned by every operation of a killed task.
type ExitError struct {
	// Task is the name of the killed task.
	Task string

	// Err is the fatal error that killed the task.
	Err error
}

// Error implements error.Error.
func (e *ExitError) Error() string {
	return fmt.Sprintf("task %q killed: %v", e.Task, e.Err)
}

// Unwrap returns the fatal error.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// Task is an execution context running in an address space. Its memory
// accesses fault through the kernel's trap table.
type Task struct {
	k    *Kernel
	id   TaskID
	name string
	as   *mm.AddressSpace

	// mu protects the fields below.
	mu      sync.Mutex
	state   TaskState
	exitErr *ExitError
}

// ID returns the task's ID.
func (t *Task) ID() TaskID {
	return t.id
}

// Name returns the task's name.
func (t *Task) Name() string {
	return t.name
}

// AddressSpace returns the address space the task runs in.
func (t *Task) AddressSpace() *mm.AddressSpace {
	return t.as
}

// State returns the task's state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ExitErr returns the error that killed the task, or nil.
func (t *Task) ExitErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exitErr == nil {
		return nil
	}
	return t.exitErr
}

// checkRunning returns the task's exit error if it is not running.
func (t *Task) checkRunning() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TaskKilled {
		return t.exitErr
	}
	return nil
}

// kill terminates t with cause err and returns its exit error. Killing a
// task that is no longer running returns the original exit error.
func (t *Task) kill(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TaskKilled {
		return t.exitErr
	}
	t.state = TaskKilled
	t.exitErr = &ExitError{Task: t.name, Err: err}
	tasksKilled.Increment()
	log.Warningf("Task %q (%d) killed: %v", t.name, t.id, err)
	return t.exitErr
}

// faultTracker raises page faults for one memory access, escalating to a
// double fault if the same page faults again before the access progresses.
type faultTracker struct {
	t       *Task
	ctx     context.Context
	last    memarch.Addr
	pending bool
}

func (f *faultTracker) onFault(addr memarch.Addr, at memarch.AccessType) error {
	page := addr.RoundDown()
	if f.pending && f.last == page {
		return f.t.k.dispatch(f.ctx, f.t, Trap{Vector: VectorDoubleFault, Addr: addr})
	}
	f.pending, f.last = true, page

	_, err := f.t.as.Translate(addr)
	code := MakeErrorCode(at, err == nil, true)
	return f.t.k.dispatch(f.ctx, f.t, Trap{Vector: VectorPageFault, ErrorCode: code, Addr: addr})
}

func (t *Task) ioOpts(ctx context.Context) mm.IOOpts {
	ft := &faultTracker{t: t, ctx: ctx}
	return mm.IOOpts{User: true, OnFault: ft.onFault}
}

// Read reads n bytes at addr. A negative n fails with
// vmerr.ErrInvalidArgument and leaves the task running.
func (t *Task) Read(ctx context.Context, addr memarch.Addr, n int) ([]byte, error) {
	if err := t.checkRunning(); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("reading %d bytes at %v: %w", n, addr, vmerr.ErrInvalidArgument)
	}
	buf := make([]byte, n)
	done, err := t.as.CopyIn(ctx, addr, buf, t.ioOpts(ctx))
	return buf[:done], t.exitOn(err)
}

// Write writes data at addr.
func (t *Task) Write(ctx context.Context, addr memarch.Addr, data []byte) (int, error) {
	if err := t.checkRunning(); err != nil {
		return 0, err
	}
	n, err := t.as.CopyOut(ctx, addr, data, t.ioOpts(ctx))
	return n, t.exitOn(err)
}

// Exec fetches an instruction at addr.
func (t *Task) Exec(ctx context.Context, addr memarch.Addr) error {
	if err := t.checkRunning(); err != nil {
		return err
	}
	return t.exitOn(t.as.Touch(ctx, addr, memarch.Execute, t.ioOpts(ctx)))
}

// Breakpoint executes a breakpoint instruction.
func (t *Task) Breakpoint(ctx context.Context) error {
	if err := t.checkRunning(); err != nil {
		return err
	}
	return t.k.dispatch(ctx, t, Trap{Vector: VectorBreakpoint})
}

// exitOn kills t if err did not come from the trap path, which kills on its
// own. Errors from the access itself, such as a destroyed address space,
// are fatal to the task as well. Context errors are returned unchanged.
func (t *Task) exitOn(err error) error {
	if err == nil {
		return nil
	}
	var ee *ExitError
	if errors.As(err, &ee) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return t.kill(err)
}

// Debugf logs at debug level with the task's name.
func (t *Task) Debugf(format string, v ...any) {
	log.Debugf("[%s] "+format, append([]any{t.name}, v...)...)
}

// Infof logs at info level with the task's name.
func (t *Task) Infof(format string, v ...any) {
	log.Infof("[%s] "+format, append([]any{t.name}, v...)...)
}

// Warningf logs at warning level with the task's name.
func (t *Task) Warningf(format string, v ...any) {
	log.Warningf("[%s] "+format, append([]any{t.name}, v...)...)
}
