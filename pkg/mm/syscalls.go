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

package mm

import (
	"context"
	"fmt"

	"github.com/vmcore/vmcore/pkg/cleanup"
	"github.com/vmcore/vmcore/pkg/errors/vmerr"
	"github.com/vmcore/vmcore/pkg/log"
	"github.com/vmcore/vmcore/pkg/memarch"
	"github.com/vmcore/vmcore/pkg/pgalloc"
)

// RegionOpts specifies a new region.
type RegionOpts struct {
	// Start is the region's first address. It must be page-aligned.
	Start memarch.Addr

	// Length is the region's length in bytes. It is rounded up to a whole
	// number of pages.
	Length uint64

	// Perms are the permitted accesses.
	Perms memarch.AccessType

	// User makes the region accessible from user mode.
	User bool

	// Backing says when pages get frames.
	Backing Backing

	// Name identifies the region.
	Name string
}

// checkRange validates a page-aligned range of length bytes at addr, with
// length rounded up to whole pages, against the layout.
func (as *AddressSpace) checkRange(addr memarch.Addr, length uint64) (memarch.AddrRange, error) {
	if !addr.IsPageAligned() {
		return memarch.AddrRange{}, fmt.Errorf("address %v is not page-aligned: %w", addr, vmerr.ErrInvalidArgument)
	}
	if length == 0 {
		return memarch.AddrRange{}, fmt.Errorf("zero-length range at %v: %w", addr, vmerr.ErrInvalidArgument)
	}
	rlength, ok := memarch.Addr(length).RoundUp()
	if !ok {
		return memarch.AddrRange{}, fmt.Errorf("length %#x overflows: %w", length, vmerr.ErrInvalidArgument)
	}
	ar, ok := addr.ToRange(uint64(rlength))
	if !ok || ar.Start < as.layout.MinAddr || ar.End > as.layout.MaxAddr {
		return memarch.AddrRange{}, fmt.Errorf("range at %v of length %#x is outside [%v, %v): %w", addr, length, as.layout.MinAddr, as.layout.MaxAddr, vmerr.ErrInvalidArgument)
	}
	return ar, nil
}

// MapRegion adds a region to the address space.
//
// It returns vmerr.ErrOverlap if any part of the range is already covered by
// a region. Eager regions get a frame for every page before MapRegion
// returns; if that fails, every change made by the call is undone.
func (as *AddressSpace) MapRegion(ctx context.Context, opts RegionOpts) error {
	ar, err := as.checkRange(opts.Start, opts.Length)
	if err != nil {
		return err
	}
	if opts.Backing != Eager && opts.Backing != Lazy {
		return fmt.Errorf("unknown backing %v: %w", opts.Backing, vmerr.ErrInvalidArgument)
	}

	as.mappingMu.Lock()
	defer as.mappingMu.Unlock()
	if err := as.checkActiveLocked(); err != nil {
		return err
	}
	if as.overlapsLocked(ar) {
		return fmt.Errorf("mapping %v in %q: %w", ar, as.name, vmerr.ErrOverlap)
	}

	r := Region{
		Start:   ar.Start,
		End:     ar.End,
		Perms:   opts.Perms,
		User:    opts.User,
		Backing: opts.Backing,
		Name:    opts.Name,
	}
	as.regions.ReplaceOrInsert(r)
	cu := cleanup.Make(func() { as.regions.Delete(r) })
	defer cu.Clean()

	if r.Backing == Eager && r.Perms.Any() {
		for addr := ar.Start; addr < ar.End; addr += memarch.PageSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := as.populateLocked(addr, r); err != nil {
				return fmt.Errorf("populating %v of %v: %w", addr, ar, err)
			}
			page := addr
			cu.Add(func() { as.unmapPagesLocked(memarch.AddrRange{Start: page, End: page + memarch.PageSize}) })
		}
	}
	cu.Release()

	log.Debugf("Mapped region %v in %q", r, as.name)
	return nil
}

// populateLocked gives the page at addr a zeroed frame mapped with r's
// permissions.
//
// Preconditions: as.mappingMu is locked for writing. addr is in r and not
// mapped.
func (as *AddressSpace) populateLocked(addr memarch.Addr, r Region) error {
	f, err := as.mf.Allocate()
	if err != nil {
		return err
	}
	if err := as.mf.Zero(f); err != nil {
		as.freeUnmapped(f)
		return err
	}
	if err := as.pt.Map(addr, f, r.mapOpts()); err != nil {
		as.freeUnmapped(f)
		return err
	}
	as.mapped++
	return nil
}

// freeUnmapped returns f, which was allocated but never mapped. The frame
// came straight from as.mf, so a failure means the allocator is corrupt.
func (as *AddressSpace) freeUnmapped(f pgalloc.Frame) {
	if err := as.mf.Free(f); err != nil {
		panic(fmt.Sprintf("address space %q: freeing unmapped %v: %v", as.name, f, err))
	}
}

// unmapPagesLocked unmaps every page in ar and frees its frame.
//
// Preconditions: as.mappingMu is locked for writing.
func (as *AddressSpace) unmapPagesLocked(ar memarch.AddrRange) {
	as.pt.UnmapRange(ar.Start, ar.End, func(addr memarch.Addr, f pgalloc.Frame) {
		if err := as.mf.Free(f); err != nil {
			panic(fmt.Sprintf("address space %q: freeing %v mapped at %v: %v", as.name, f, addr, err))
		}
		as.mapped--
	})
}

// UnmapRegion removes [start, start+length) from every region it intersects,
// splitting regions at the edges, and frees the frames of all pages in the
// range. It returns vmerr.ErrNotMapped if no region intersects the range.
func (as *AddressSpace) UnmapRegion(ctx context.Context, start memarch.Addr, length uint64) error {
	ar, err := as.checkRange(start, length)
	if err != nil {
		return err
	}

	as.mappingMu.Lock()
	defer as.mappingMu.Unlock()
	if err := as.checkActiveLocked(); err != nil {
		return err
	}

	rs := as.intersectingLocked(ar)
	if len(rs) == 0 {
		return fmt.Errorf("unmapping %v in %q: %w", ar, as.name, vmerr.ErrNotMapped)
	}
	for _, r := range rs {
		as.regions.Delete(as.isolateLocked(r, ar))
	}
	as.unmapPagesLocked(ar)

	log.Debugf("Unmapped %v from %d region(s) in %q", ar, len(rs), as.name)
	return nil
}

// Protect changes the permissions of [start, start+length), which must be
// entirely covered by regions. Present pages are updated in place, except
// that pages made inaccessible lose their frames.
func (as *AddressSpace) Protect(ctx context.Context, start memarch.Addr, length uint64, perms memarch.AccessType) error {
	ar, err := as.checkRange(start, length)
	if err != nil {
		return err
	}

	as.mappingMu.Lock()
	defer as.mappingMu.Unlock()
	if err := as.checkActiveLocked(); err != nil {
		return err
	}

	// Check coverage before changing anything.
	rs := as.intersectingLocked(ar)
	next := ar.Start
	for _, r := range rs {
		if r.Start > next {
			break
		}
		next = r.End
	}
	if next < ar.End {
		return fmt.Errorf("protecting %v in %q: %v is not mapped: %w", ar, as.name, next, vmerr.ErrNotMapped)
	}

	for _, r := range rs {
		r = as.isolateLocked(r, ar)
		r.Perms = perms
		as.regions.ReplaceOrInsert(r)
		if perms.Any() {
			if _, err := as.pt.ProtectRange(r.Start, r.End, r.mapOpts()); err != nil {
				return err
			}
		} else {
			as.unmapPagesLocked(r.Range())
		}
	}
	as.mergeAdjacentLocked(ar)
	return nil
}

// FindRegion returns the lowest address at which a region of length bytes
// fits without overlapping existing regions.
func (as *AddressSpace) FindRegion(length uint64) (memarch.Addr, error) {
	if length == 0 {
		return 0, fmt.Errorf("zero-length search: %w", vmerr.ErrInvalidArgument)
	}
	rlength, ok := memarch.Addr(length).RoundUp()
	if !ok {
		return 0, fmt.Errorf("length %#x overflows: %w", length, vmerr.ErrInvalidArgument)
	}

	as.mappingMu.RLock()
	defer as.mappingMu.RUnlock()
	if err := as.checkActiveLocked(); err != nil {
		return 0, err
	}

	gap := as.layout.MinAddr
	found := false
	as.regions.Ascend(func(r Region) bool {
		if r.Start >= gap && uint64(r.Start-gap) >= uint64(rlength) {
			found = true
			return false
		}
		if r.End > gap {
			gap = r.End
		}
		return true
	})
	if found || (gap < as.layout.MaxAddr && uint64(as.layout.MaxAddr-gap) >= uint64(rlength)) {
		return gap, nil
	}
	return 0, fmt.Errorf("no gap of %#x bytes in %q: %w", length, as.name, vmerr.ErrOutOfMemory)
}
