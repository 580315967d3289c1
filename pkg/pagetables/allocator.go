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

package pagetables

import (
	"fmt"

	"github.com/vmcore/vmcore/pkg/pgalloc"
)

// Allocator is used to allocate and map PTEs.
type Allocator interface {
	// NewPTEs returns a new set of PTEs and the frame backing them.
	NewPTEs() (*PTEs, pgalloc.Frame, error)

	// LookupPTEs looks up PTEs by frame.
	LookupPTEs(f pgalloc.Frame) *PTEs

	// FreePTEs marks a set of PTEs a freed.
	FreePTEs(ptes *PTEs)
}

// Frames is a source of physical frames, satisfied by *pgalloc.Allocator.
type Frames interface {
	Allocate() (pgalloc.Frame, error)
	Free(f pgalloc.Frame) error
	InUse(f pgalloc.Frame) bool
}

// leaseChecker is implemented by allocators that can tell whether a frame
// may be installed as a leaf.
type leaseChecker interface {
	leased(f pgalloc.Frame) bool
}

// FrameAllocator is an Allocator whose tables each occupy one frame leased
// from a Frames source.
//
// FrameAllocator has no internal locking; it is protected by the owner of
// the PageTables it backs.
type FrameAllocator struct {
	frames Frames

	// tables maps a table's frame to its entries.
	tables map[pgalloc.Frame]*PTEs

	// physical maps entries back to their frame.
	physical map[*PTEs]pgalloc.Frame
}

// NewFrameAllocator returns an allocator drawing frames from frames.
func NewFrameAllocator(frames Frames) *FrameAllocator {
	return &FrameAllocator{
		frames:   frames,
		tables:   make(map[pgalloc.Frame]*PTEs),
		physical: make(map[*PTEs]pgalloc.Frame),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *FrameAllocator) NewPTEs() (*PTEs, pgalloc.Frame, error) {
	f, err := a.frames.Allocate()
	if err != nil {
		return nil, 0, fmt.Errorf("allocating page table: %w", err)
	}
	ptes := new(PTEs)
	a.tables[f] = ptes
	a.physical[ptes] = f
	return ptes, f, nil
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *FrameAllocator) LookupPTEs(f pgalloc.Frame) *PTEs {
	ptes, ok := a.tables[f]
	if !ok {
		panic(fmt.Sprintf("no page table at %v", f))
	}
	return ptes
}

// FreePTEs implements Allocator.FreePTEs.
func (a *FrameAllocator) FreePTEs(ptes *PTEs) {
	f, ok := a.physical[ptes]
	if !ok {
		panic("freeing unknown page table")
	}
	delete(a.physical, ptes)
	delete(a.tables, f)
	if err := a.frames.Free(f); err != nil {
		panic(fmt.Sprintf("freeing page table %v: %v", f, err))
	}
}

// leased reports whether f is allocated from the frame source and is not
// itself backing a table.
func (a *FrameAllocator) leased(f pgalloc.Frame) bool {
	if _, ok := a.tables[f]; ok {
		return false
	}
	return a.frames.InUse(f)
}

// Tables returns the number of tables currently allocated.
func (a *FrameAllocator) Tables() int {
	return len(a.tables)
}
