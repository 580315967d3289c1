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

package scenario

import (
	"context"
	"errors"
	"fmt"
	"sync"

	vmerrors "github.com/vmcore/vmcore/pkg/errors"
	"github.com/vmcore/vmcore/pkg/errors/vmerr"
	"github.com/vmcore/vmcore/pkg/kernel"
	"github.com/vmcore/vmcore/pkg/log"
	"github.com/vmcore/vmcore/pkg/memarch"
	"github.com/vmcore/vmcore/pkg/mm"
	"github.com/vmcore/vmcore/vmsc/config"
)

// Result is the outcome of one step.
type Result struct {
	// Index is the position of the step, like "3" or "3.1" for the first
	// step of a parallel group.
	Index string

	Step Step

	// Err is the error returned by the operation.
	Err error

	// Output is the data read or the address translated.
	Output string

	// Passed is true if the outcome matched the step's expectation.
	Passed bool

	// Reason explains a failed expectation.
	Reason string
}

// Report is the outcome of a scenario run.
type Report struct {
	Name    string
	Results []Result
	Stats   kernel.Stats
}

// Failed returns the results whose expectations were not met.
func (r *Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if !res.Passed {
			failed = append(failed, res)
		}
	}
	return failed
}

// NewKernel boots a kernel for s, using the memory map of s if it has one
// and that of conf otherwise. conf is not modified.
func NewKernel(conf *config.Config, s *Scenario) (*kernel.Kernel, error) {
	c, err := conf.WithMemory(s.Memory)
	if err != nil {
		return nil, fmt.Errorf("scenario memory map: %w", err)
	}
	return kernel.New(kernel.Opts{Memory: c.Memory.Opts()})
}

// runner executes steps against a kernel. Each address space has one task,
// created with it.
type runner struct {
	k     *kernel.Kernel
	tasks map[string]*kernel.Task
}

// Run executes every step of s on k. Unmet expectations are recorded in the
// report and do not stop the run; an error is returned only if the run could
// not proceed.
func Run(ctx context.Context, k *kernel.Kernel, s *Scenario) (*Report, error) {
	r := &runner{k: k, tasks: make(map[string]*kernel.Task)}
	rep := &Report{Name: s.Name}
	for i, st := range s.Steps {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		idx := fmt.Sprint(i)
		if st.Op == OpParallel {
			results, err := r.parallel(ctx, idx, st)
			if err != nil {
				return rep, err
			}
			rep.Results = append(rep.Results, results...)
			continue
		}
		out, err := r.step(ctx, st)
		rep.Results = append(rep.Results, check(idx, st, out, err))
	}
	rep.Stats = k.Stats()
	return rep, nil
}

// check compares the outcome of st with its expectation.
func check(idx string, st Step, out string, err error) Result {
	res := Result{Index: idx, Step: st, Err: err, Output: out}
	switch want := st.expectation(); want {
	case ExpectOK:
		if err != nil {
			res.Reason = fmt.Sprintf("unexpected error: %v", err)
		}
	case ExpectKilled:
		var ee *kernel.ExitError
		if !errors.As(err, &ee) {
			res.Reason = fmt.Sprintf("task was not killed (error: %v)", err)
		}
	default:
		kind, _ := vmerrors.ParseKind(want)
		if got := vmerr.KindOf(err); err == nil || got != kind {
			res.Reason = fmt.Sprintf("got error %v, want %v", err, kind)
		}
	}
	if res.Reason == "" && st.Want != "" && out != st.Want {
		res.Reason = fmt.Sprintf("got output %q, want %q", out, st.Want)
	}
	res.Passed = res.Reason == ""
	if !res.Passed {
		log.Warningf("Step %s (%v) failed: %s", idx, st, res.Reason)
	}
	return res
}

func (r *runner) space(name string) (*mm.AddressSpace, error) {
	as, ok := r.k.AddressSpace(name)
	if !ok {
		return nil, fmt.Errorf("no address space %q: %w", name, vmerr.ErrInvalidArgument)
	}
	return as, nil
}

func (r *runner) task(name string) (*kernel.Task, error) {
	t, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("no task in address space %q: %w", name, vmerr.ErrInvalidArgument)
	}
	return t, nil
}

// step runs a single non-parallel step and returns its output.
func (r *runner) step(ctx context.Context, st Step) (string, error) {
	switch st.Op {
	case OpCreate:
		as, err := r.k.NewAddressSpace(st.Space, mm.Layout{})
		if err != nil {
			return "", err
		}
		r.tasks[st.Space] = r.k.NewTask(st.Space, as)
		return "", nil

	case OpDestroy:
		return "", r.k.DestroyAddressSpace(ctx, st.Space)

	case OpMap:
		as, err := r.space(st.Space)
		if err != nil {
			return "", err
		}
		perms, user, err := ParsePerms(st.Perms)
		if err != nil {
			return "", err
		}
		backing := mm.Eager
		if st.Lazy {
			backing = mm.Lazy
		}
		return "", as.MapRegion(ctx, mm.RegionOpts{
			Start:   memarch.Addr(st.Addr),
			Length:  st.Length,
			Perms:   perms,
			User:    user,
			Backing: backing,
			Name:    st.Name,
		})

	case OpUnmap:
		as, err := r.space(st.Space)
		if err != nil {
			return "", err
		}
		return "", as.UnmapRegion(ctx, memarch.Addr(st.Addr), st.Length)

	case OpProtect:
		as, err := r.space(st.Space)
		if err != nil {
			return "", err
		}
		perms, _, err := ParsePerms(st.Perms)
		if err != nil {
			return "", err
		}
		return "", as.Protect(ctx, memarch.Addr(st.Addr), st.Length, perms)

	case OpTranslate:
		as, err := r.space(st.Space)
		if err != nil {
			return "", err
		}
		phys, err := as.Translate(memarch.Addr(st.Addr))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%#x", phys), nil

	case OpRead, OpWrite, OpExec, OpBreakpoint:
		t, err := r.task(st.Space)
		if err != nil {
			return "", err
		}
		return taskStep(ctx, t, st)

	default:
		return "", fmt.Errorf("unknown op %q: %w", st.Op, vmerr.ErrInvalidArgument)
	}
}

// taskStep runs a memory access step on t.
func taskStep(ctx context.Context, t *kernel.Task, st Step) (string, error) {
	addr := memarch.Addr(st.Addr)
	switch st.Op {
	case OpRead:
		if st.Length > MaxReadLength {
			return "", fmt.Errorf("read length %#x exceeds %#x: %w", st.Length, MaxReadLength, vmerr.ErrInvalidArgument)
		}
		data, err := t.Read(ctx, addr, int(st.Length))
		return string(data), err
	case OpWrite:
		_, err := t.Write(ctx, addr, []byte(st.Data))
		return "", err
	case OpExec:
		return "", t.Exec(ctx, addr)
	case OpBreakpoint:
		return "", t.Breakpoint(ctx)
	default:
		return "", fmt.Errorf("op %q is not a task op: %w", st.Op, vmerr.ErrInvalidArgument)
	}
}

// parallel runs the sub-steps of st with one goroutine per address space.
// Sub-steps for the same space run in order.
func (r *runner) parallel(ctx context.Context, idx string, st Step) ([]Result, error) {
	type indexed struct {
		i  int
		st Step
	}
	var (
		order   []*kernel.Task
		perTask = make(map[*kernel.Task][]indexed)
	)
	results := make([]Result, len(st.Steps))
	for i, sub := range st.Steps {
		t, err := r.task(sub.Space)
		if err != nil {
			results[i] = check(fmt.Sprintf("%s.%d", idx, i), sub, "", err)
			continue
		}
		if _, ok := perTask[t]; !ok {
			order = append(order, t)
		}
		perTask[t] = append(perTask[t], indexed{i, sub})
	}

	var mu sync.Mutex
	err := r.k.RunTasks(ctx, func(ctx context.Context, t *kernel.Task) error {
		for _, s := range perTask[t] {
			out, err := taskStep(ctx, t, s.st)
			res := check(fmt.Sprintf("%s.%d", idx, s.i), s.st, out, err)
			mu.Lock()
			results[s.i] = res
			mu.Unlock()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
		}
		return nil
	}, order...)
	if err != nil {
		return nil, err
	}
	return results, nil
}
