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

// Package kernel ties the memory subsystem together: it owns the frame
// allocator and the address spaces, runs tasks against them and dispatches
// the traps those tasks raise.
//
// Lock order:
//
//	Kernel.mu
//	  mm.AddressSpace.mappingMu
//	    pgalloc.Allocator.mu
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vmcore/vmcore/pkg/errors/vmerr"
	"github.com/vmcore/vmcore/pkg/log"
	"github.com/vmcore/vmcore/pkg/mm"
	"github.com/vmcore/vmcore/pkg/pgalloc"
)

// Opts configures a Kernel.
type Opts struct {
	// Memory is the physical memory map.
	Memory pgalloc.Opts
}

// Stats is a snapshot of kernel-wide memory usage.
type Stats struct {
	Memory        pgalloc.Stats
	AddressSpaces map[string]mm.Stats
	Tasks         int
	KilledTasks   int
}

// Kernel owns physical memory and the address spaces and tasks using it.
type Kernel struct {
	mf *pgalloc.Allocator

	// mu protects the fields below.
	mu         sync.Mutex
	spaces     map[string]*mm.AddressSpace
	tasks      []*Task
	nextTaskID TaskID
	traps      map[Vector]TrapHandler
}

// New boots a kernel over the memory map in opts.
func New(opts Opts) (*Kernel, error) {
	mf, err := pgalloc.New(opts.Memory)
	if err != nil {
		return nil, fmt.Errorf("initializing physical memory: %w", err)
	}
	k := &Kernel{
		mf:     mf,
		spaces: make(map[string]*mm.AddressSpace),
	}
	k.traps = k.defaultTrapTable()
	st := mf.Stats()
	log.Infof("Kernel booted: %d frames, %d free, %d reserved", st.Total, st.Free, st.Reserved)
	return k, nil
}

// MemoryFile returns the kernel's frame allocator.
func (k *Kernel) MemoryFile() *pgalloc.Allocator {
	return k.mf
}

// NewAddressSpace creates an address space called name. Names are unique
// among live address spaces.
func (k *Kernel) NewAddressSpace(name string, layout mm.Layout) (*mm.AddressSpace, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.spaces[name]; ok {
		return nil, fmt.Errorf("address space %q already exists: %w", name, vmerr.ErrInvalidArgument)
	}
	as, err := mm.NewAddressSpace(k.mf, mm.Opts{Name: name, Layout: layout})
	if err != nil {
		return nil, err
	}
	k.spaces[name] = as
	return as, nil
}

// AddressSpace returns the live address space called name.
func (k *Kernel) AddressSpace(name string) (*mm.AddressSpace, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	as, ok := k.spaces[name]
	return as, ok
}

// DestroyAddressSpace destroys the address space called name, returning all
// of its frames. Tasks still running in it fail their next access.
func (k *Kernel) DestroyAddressSpace(ctx context.Context, name string) error {
	k.mu.Lock()
	as, ok := k.spaces[name]
	if ok {
		delete(k.spaces, name)
	}
	k.mu.Unlock()
	if !ok {
		return fmt.Errorf("no address space %q: %w", name, vmerr.ErrInvalidArgument)
	}
	return as.Destroy(ctx)
}

// NewTask creates a running task in as.
func (k *Kernel) NewTask(name string, as *mm.AddressSpace) *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nextTaskID++
	t := &Task{
		k:    k,
		id:   k.nextTaskID,
		name: name,
		as:   as,
	}
	k.tasks = append(k.tasks, t)
	log.Debugf("Created task %q (%d) in address space %q", name, t.id, as.Name())
	return t
}

// Tasks returns all tasks created by k, in creation order.
func (k *Kernel) Tasks() []*Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*Task(nil), k.tasks...)
}

// Stats returns a snapshot of memory usage.
func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	spaces := make([]*mm.AddressSpace, 0, len(k.spaces))
	for _, as := range k.spaces {
		spaces = append(spaces, as)
	}
	tasks := append([]*Task(nil), k.tasks...)
	k.mu.Unlock()

	s := Stats{
		Memory:        k.mf.Stats(),
		AddressSpaces: make(map[string]mm.Stats, len(spaces)),
		Tasks:         len(tasks),
	}
	for _, as := range spaces {
		s.AddressSpaces[as.Name()] = as.Stats()
	}
	for _, t := range tasks {
		if t.State() == TaskKilled {
			s.KilledTasks++
		}
	}
	return s
}

// AddressSpaceNames returns the names of live address spaces, sorted.
func (k *Kernel) AddressSpaceNames() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	names := make([]string, 0, len(k.spaces))
	for name := range k.spaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TaskFunc is the body of a task run by RunTasks.
type TaskFunc func(ctx context.Context, t *Task) error

// RunTasks runs fn for every task concurrently and waits for all of them.
// A task killed by a fatal trap does not stop the others; its exit error is
// available from Task.ExitErr. Any other error cancels the remaining tasks
// and is returned.
func (k *Kernel) RunTasks(ctx context.Context, fn TaskFunc, tasks ...*Task) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			err := fn(ctx, t)
			var ee *ExitError
			if errors.As(err, &ee) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
