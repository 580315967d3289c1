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

// Package pgalloc contains the physical frame allocator and the simulated
// physical memory behind it.
//
// Free memory is kept as maximal extents of free frames in a B-tree ordered
// by start frame. Allocation always takes the lowest-numbered free frame, so
// reuse order is deterministic.
package pgalloc

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/vmcore/vmcore/pkg/bitmap"
	"github.com/vmcore/vmcore/pkg/errors/vmerr"
	"github.com/vmcore/vmcore/pkg/log"
	"github.com/vmcore/vmcore/pkg/memarch"
)

// extentDegree is the B-tree degree used for the free extent set.
const extentDegree = 8

// extent is a maximal run of free frames.
type extent struct {
	start Frame
	end   Frame
}

func (e extent) length() uint64 {
	return uint64(e.end - e.start)
}

func extentLess(a, b extent) bool {
	return a.start < b.start
}

// Opts configures a new Allocator.
type Opts struct {
	// Regions lists the usable physical memory. Regions must not overlap.
	Regions []FrameRange

	// Reserved lists frames that are never handed out, e.g. frame 0 or the
	// kernel image. Reserved frames outside Regions are ignored.
	Reserved []FrameRange
}

// Stats is a snapshot of allocator usage.
type Stats struct {
	// Total is the number of allocatable frames.
	Total uint64

	// Free is the number of frames available for allocation.
	Free uint64

	// Used is the number of frames currently allocated.
	Used uint64

	// Reserved is the number of frames inside Regions that are reserved.
	Reserved uint64

	// Extents is the number of free extents, a measure of fragmentation.
	Extents int
}

// oomLog reports exhaustion without flooding the log when a scenario keeps
// allocating after memory runs out.
var oomLog = log.BasicRateLimitedLogger(time.Second)

// Allocator hands out physical frames.
//
// Allocator is safe for concurrent use.
type Allocator struct {
	// mu protects the fields below.
	mu sync.Mutex

	// free holds the free extents, ordered by start frame.
	free *btree.BTreeG[extent]

	// usable has a bit set for every allocatable frame. It is immutable
	// after New.
	usable bitmap.Bitmap

	// inUse has a bit set for every allocated frame.
	inUse bitmap.Bitmap

	// total is the number of usable frames.
	total uint64

	// reserved is the number of reserved frames inside regions.
	reserved uint64

	// contents holds the bytes of frames that have been written. Frames
	// without an entry read as zero.
	contents map[Frame]*[memarch.PageSize]byte
}

// New returns an Allocator managing opts.Regions.
func New(opts Opts) (*Allocator, error) {
	if len(opts.Regions) == 0 {
		return nil, fmt.Errorf("no memory regions: %w", vmerr.ErrInvalidArgument)
	}
	var limit Frame
	for i, r := range opts.Regions {
		if !r.WellFormed() || r.Length() == 0 {
			return nil, fmt.Errorf("memory region %v is empty or malformed: %w", r, vmerr.ErrInvalidArgument)
		}
		for _, r2 := range opts.Regions[:i] {
			if r.Overlaps(r2) {
				return nil, fmt.Errorf("memory regions %v and %v overlap: %w", r2, r, vmerr.ErrInvalidArgument)
			}
		}
		if r.End > limit {
			limit = r.End
		}
	}

	a := &Allocator{
		free:     btree.NewG(extentDegree, extentLess),
		usable:   bitmap.New(uint64(limit)),
		inUse:    bitmap.New(uint64(limit)),
		contents: make(map[Frame]*[memarch.PageSize]byte),
	}
	for _, r := range opts.Regions {
		a.usable.SetRange(uint64(r.Start), uint64(r.End))
	}
	before := a.usable.GetNumOnes()
	for _, r := range opts.Reserved {
		if !r.WellFormed() {
			return nil, fmt.Errorf("reserved range %v is malformed: %w", r, vmerr.ErrInvalidArgument)
		}
		a.usable.ClearRange(uint64(r.Start), uint64(r.End))
	}
	a.total = a.usable.GetNumOnes()
	a.reserved = before - a.total

	// Build the extent set from runs of usable frames.
	for pos := uint64(0); pos < uint64(limit); {
		start, err := a.usable.FirstOne(pos)
		if err != nil || start >= uint64(limit) {
			break
		}
		end, err := a.usable.FirstZero(start)
		if err != nil || end > uint64(limit) {
			end = uint64(limit)
		}
		a.free.ReplaceOrInsert(extent{start: Frame(start), end: Frame(end)})
		pos = end
	}

	log.Debugf("Frame allocator: %d usable frames in %d extents, %d reserved", a.total, a.free.Len(), a.reserved)
	return a, nil
}

// Allocate returns the lowest-numbered free frame, or vmerr.ErrOutOfMemory.
// The frame reads as zero.
func (a *Allocator) Allocate() (Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.free.Min()
	if !ok {
		oomFailures.Increment()
		oomLog.Warningf("Frame allocator exhausted: %d frames in use", a.inUse.GetNumOnes())
		return 0, vmerr.ErrOutOfMemory
	}
	a.free.Delete(e)
	if e.length() > 1 {
		a.free.ReplaceOrInsert(extent{start: e.start + 1, end: e.end})
	}
	a.markInUse(e.start, e.start+1)
	return e.start, nil
}

// AllocateContiguous returns the first frame of the lowest run of n free
// frames.
func (a *Allocator) AllocateContiguous(n uint64) (Frame, error) {
	if n == 0 {
		return 0, fmt.Errorf("zero-length allocation: %w", vmerr.ErrInvalidArgument)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		found extent
		ok    bool
	)
	a.free.Ascend(func(e extent) bool {
		if e.length() >= n {
			found, ok = e, true
			return false
		}
		return true
	})
	if !ok {
		oomFailures.Increment()
		oomLog.Warningf("No run of %d free frames", n)
		return 0, vmerr.ErrOutOfMemory
	}
	a.free.Delete(found)
	if found.length() > n {
		a.free.ReplaceOrInsert(extent{start: found.start + Frame(n), end: found.end})
	}
	a.markInUse(found.start, found.start+Frame(n))
	return found.start, nil
}

// markInUse records [start, end) as allocated.
//
// Preconditions: a.mu is locked; the frames were free.
func (a *Allocator) markInUse(start, end Frame) {
	a.inUse.SetRange(uint64(start), uint64(end))
	n := uint64(end - start)
	framesAllocated.IncrementBy(n)
	framesInUse.IncrementBy(n)
}

// Free returns f to the allocator. Its contents are discarded.
func (a *Allocator) Free(f Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.usable.Contains(uint64(f)) {
		return fmt.Errorf("%v is not managed by the allocator: %w", f, vmerr.ErrInvalidArgument)
	}
	if !a.inUse.Remove(uint64(f)) {
		return fmt.Errorf("freeing %v: %w", f, vmerr.ErrDoubleFree)
	}
	delete(a.contents, f)

	merged := extent{start: f, end: f + 1}
	// The extent ending at f, if any, is the greatest one starting before f.
	var prev extent
	a.free.DescendLessOrEqual(extent{start: f}, func(e extent) bool {
		prev = e
		return false
	})
	if prev.length() > 0 && prev.end == f {
		a.free.Delete(prev)
		merged.start = prev.start
	}
	if next, ok := a.free.Get(extent{start: f + 1}); ok {
		a.free.Delete(next)
		merged.end = next.end
	}
	a.free.ReplaceOrInsert(merged)

	framesFreed.Increment()
	framesInUse.DecrementBy(1)
	return nil
}

// InUse returns true if f is currently allocated.
func (a *Allocator) InUse(f Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse.Contains(uint64(f))
}

// FreeCount returns the number of frames available for allocation.
func (a *Allocator) FreeCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - a.inUse.GetNumOnes()
}

// UsedCount returns the number of allocated frames.
func (a *Allocator) UsedCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse.GetNumOnes()
}

// TotalCount returns the number of allocatable frames.
func (a *Allocator) TotalCount() uint64 {
	return a.total
}

// Stats returns a snapshot of allocator usage.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	used := a.inUse.GetNumOnes()
	return Stats{
		Total:    a.total,
		Free:     a.total - used,
		Used:     used,
		Reserved: a.reserved,
		Extents:  a.free.Len(),
	}
}

// Allocated returns every allocated frame in ascending order.
func (a *Allocator) Allocated() []Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	bits := a.inUse.ToSlice()
	frames := make([]Frame, len(bits))
	for i, b := range bits {
		frames[i] = Frame(b)
	}
	return frames
}
