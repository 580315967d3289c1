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
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vmcore/vmcore/pkg/errors/vmerr"
	"github.com/vmcore/vmcore/pkg/memarch"
	"github.com/vmcore/vmcore/pkg/pgalloc"
)

const page = memarch.PageSize

func testAllocator(t *testing.T, frames uint64) *pgalloc.Allocator {
	t.Helper()
	a, err := pgalloc.New(pgalloc.Opts{Regions: []pgalloc.FrameRange{pgalloc.FrameRangeOf(0, frames)}})
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	return a
}

func testAddressSpace(t *testing.T, a *pgalloc.Allocator) *AddressSpace {
	t.Helper()
	as, err := NewAddressSpace(a, Opts{Name: t.Name()})
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	return as
}

func mustMap(t *testing.T, as *AddressSpace, opts RegionOpts) {
	t.Helper()
	if err := as.MapRegion(context.Background(), opts); err != nil {
		t.Fatalf("MapRegion(%+v) failed: %v", opts, err)
	}
}

func TestMapRegionOverlap(t *testing.T) {
	ctx := context.Background()
	as := testAddressSpace(t, testAllocator(t, 64))
	mustMap(t, as, RegionOpts{Start: 0x10000, Length: 4 * page, Perms: memarch.ReadWrite, Backing: Lazy, Name: "heap"})

	for _, test := range []struct {
		name   string
		start  memarch.Addr
		length uint64
		want   error
	}{
		{"identical", 0x10000, 4 * page, vmerr.ErrOverlap},
		{"inside", 0x11000, page, vmerr.ErrOverlap},
		{"straddles start", 0xf000, 2 * page, vmerr.ErrOverlap},
		{"straddles end", 0x13000, 2 * page, vmerr.ErrOverlap},
		{"superset", 0x8000, 16 * page, vmerr.ErrOverlap},
		{"unaligned length rounds up into region", 0xf000, page + 1, vmerr.ErrOverlap},
		{"adjacent below", 0xf000, page, nil},
		{"adjacent above", 0x14000, page, nil},
		{"unaligned start", 0x20001, page, vmerr.ErrInvalidArgument},
		{"empty", 0x20000, 0, vmerr.ErrInvalidArgument},
		{"beyond layout", memarch.LowerTop + 1 - page, 2 * page, vmerr.ErrInvalidArgument},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := as.MapRegion(ctx, RegionOpts{Start: test.start, Length: test.length, Perms: memarch.Read, Backing: Lazy})
			if !errors.Is(err, test.want) {
				t.Errorf("MapRegion([%v, +%#x)) got err %v, want %v", test.start, test.length, err, test.want)
			}
		})
	}

	want := []Region{
		{Start: 0xf000, End: 0x10000, Perms: memarch.Read, Backing: Lazy},
		{Start: 0x10000, End: 0x14000, Perms: memarch.ReadWrite, Backing: Lazy, Name: "heap"},
		{Start: 0x14000, End: 0x15000, Perms: memarch.Read, Backing: Lazy},
	}
	if diff := cmp.Diff(want, as.Regions()); diff != "" {
		t.Errorf("Regions() mismatch (-want +got):\n%s", diff)
	}
}

func TestEagerMapAndDestroyReleasesEverything(t *testing.T) {
	ctx := context.Background()
	a := testAllocator(t, 64)
	before := a.FreeCount()

	as := testAddressSpace(t, a)
	mustMap(t, as, RegionOpts{Start: 0x400000, Length: 4 * page, Perms: memarch.ReadExecute, Backing: Eager, Name: "text"})
	mustMap(t, as, RegionOpts{Start: 0x800000, Length: 8 * page, Perms: memarch.ReadWrite, Backing: Lazy, Name: "heap"})
	if _, err := as.CopyOut(ctx, 0x800000+3*page, []byte("x"), IOOpts{}); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if got := as.MappedPages(); got != 5 {
		t.Errorf("MappedPages() = %d, want 5", got)
	}
	if a.FreeCount() >= before {
		t.Fatalf("FreeCount() = %d, want less than %d", a.FreeCount(), before)
	}

	if err := as.Destroy(ctx); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if got := a.FreeCount(); got != before {
		t.Errorf("FreeCount() after Destroy = %d, want %d", got, before)
	}
	if err := as.Destroy(ctx); !errors.Is(err, vmerr.ErrDestroyed) {
		t.Errorf("second Destroy got err %v, want %v", err, vmerr.ErrDestroyed)
	}
	if _, err := as.Translate(0x400000); !errors.Is(err, vmerr.ErrDestroyed) {
		t.Errorf("Translate after Destroy got err %v, want %v", err, vmerr.ErrDestroyed)
	}
	if err := as.MapRegion(ctx, RegionOpts{Start: 0, Length: page, Perms: memarch.Read}); !errors.Is(err, vmerr.ErrDestroyed) {
		t.Errorf("MapRegion after Destroy got err %v, want %v", err, vmerr.ErrDestroyed)
	}
	if res, err := as.HandleFault(ctx, 0x800000, memarch.Read); res != FaultFatal || !errors.Is(err, vmerr.ErrDestroyed) {
		t.Errorf("HandleFault after Destroy = %v, %v; want fatal, %v", res, err, vmerr.ErrDestroyed)
	}
}

func TestEagerMapOutOfMemoryRollsBack(t *testing.T) {
	ctx := context.Background()
	a := testAllocator(t, 8)
	as := testAddressSpace(t, a)
	before := a.FreeCount()

	err := as.MapRegion(ctx, RegionOpts{Start: 0, Length: 16 * page, Perms: memarch.ReadWrite, Backing: Eager})
	if !errors.Is(err, vmerr.ErrOutOfMemory) {
		t.Fatalf("MapRegion got err %v, want %v", err, vmerr.ErrOutOfMemory)
	}
	if got := a.FreeCount(); got != before {
		t.Errorf("FreeCount() after failed MapRegion = %d, want %d", got, before)
	}
	if got := as.Regions(); len(got) != 0 {
		t.Errorf("Regions() after failed MapRegion = %v, want none", got)
	}
	if got := as.Stats().TableFrames; got != 1 {
		t.Errorf("TableFrames after failed MapRegion = %d, want 1", got)
	}
}

func TestEagerMapTableOutOfMemoryFreesFrame(t *testing.T) {
	ctx := context.Background()
	// The data frame fits, but one of the three tables it needs does not.
	for _, frames := range []uint64{2, 3, 4} {
		a := testAllocator(t, frames)
		as := testAddressSpace(t, a)
		before := a.FreeCount()

		err := as.MapRegion(ctx, RegionOpts{Start: 0x10000, Length: page, Perms: memarch.ReadWrite, Backing: Eager})
		if !errors.Is(err, vmerr.ErrOutOfMemory) {
			t.Fatalf("%d frames: MapRegion got err %v, want %v", frames, err, vmerr.ErrOutOfMemory)
		}
		if got := a.FreeCount(); got != before {
			t.Errorf("%d frames: FreeCount() after failed MapRegion = %d, want %d", frames, got, before)
		}
		if got := as.MappedPages(); got != 0 {
			t.Errorf("%d frames: MappedPages() = %d, want 0", frames, got)
		}
	}
}

func TestLazyFault(t *testing.T) {
	ctx := context.Background()
	a := testAllocator(t, 64)
	as := testAddressSpace(t, a)
	mustMap(t, as, RegionOpts{Start: 0x10000, Length: 4 * page, Perms: memarch.ReadWrite, Backing: Lazy})
	used := a.UsedCount()

	if _, err := as.Translate(0x11000); !errors.Is(err, vmerr.ErrNotMapped) {
		t.Fatalf("Translate of untouched lazy page got err %v, want %v", err, vmerr.ErrNotMapped)
	}
	res, err := as.HandleFault(ctx, 0x11234, memarch.Write)
	if err != nil || res != FaultLazilyMapped {
		t.Fatalf("HandleFault = %v, %v; want %v", res, err, FaultLazilyMapped)
	}
	phys, err := as.Translate(0x11234)
	if err != nil {
		t.Fatalf("Translate after fault failed: %v", err)
	}
	if phys&memarch.PageMask != 0x234 {
		t.Errorf("Translate(0x11234) = %#x, want page offset 0x234", phys)
	}
	res, err = as.HandleFault(ctx, 0x11000, memarch.Read)
	if err != nil || res != FaultResolved {
		t.Errorf("second HandleFault = %v, %v; want %v", res, err, FaultResolved)
	}

	// One frame for the page plus the intermediate tables.
	if got := as.MappedPages(); got != 1 {
		t.Errorf("MappedPages() = %d, want 1", got)
	}
	if got, want := a.UsedCount()-used, uint64(1+3); got != want {
		t.Errorf("frames used by fault = %d, want %d", got, want)
	}
	if diff := cmp.Diff(FaultStats{Resolved: 1, LazilyMapped: 1}, as.Stats().Faults); diff != "" {
		t.Errorf("fault stats mismatch (-want +got):\n%s", diff)
	}
}

func TestProtectionViolation(t *testing.T) {
	ctx := context.Background()
	as := testAddressSpace(t, testAllocator(t, 64))
	mustMap(t, as, RegionOpts{Start: 0x10000, Length: page, Perms: memarch.Read, Backing: Lazy})
	mustMap(t, as, RegionOpts{Start: 0x20000, Length: page, Perms: memarch.ReadWrite, User: true, Backing: Lazy})

	for _, test := range []struct {
		name string
		addr memarch.Addr
		at   memarch.AccessType
		user bool
		want FaultResult
	}{
		{"no region", 0x30000, memarch.Read, false, FaultFatal},
		{"write to read-only", 0x10000, memarch.Write, false, FaultFatal},
		{"execute without permission", 0x20000, memarch.Execute, true, FaultFatal},
		{"user access to supervisor region", 0x10000, memarch.Read, true, FaultFatal},
		{"non-canonical", 0x0000900000000000, memarch.Read, false, FaultFatal},
		{"read of read-only", 0x10000, memarch.Read, false, FaultLazilyMapped},
		{"user write", 0x20010, memarch.Write, true, FaultLazilyMapped},
	} {
		t.Run(test.name, func(t *testing.T) {
			var (
				res FaultResult
				err error
			)
			if test.user {
				res, err = as.HandleUserFault(ctx, test.addr, test.at)
			} else {
				res, err = as.HandleFault(ctx, test.addr, test.at)
			}
			if res != test.want {
				t.Errorf("fault at %v = %v, %v; want %v", test.addr, res, err, test.want)
			}
			if res == FaultFatal && !errors.Is(err, vmerr.ErrProtectionViolation) {
				t.Errorf("fatal fault got err %v, want %v", err, vmerr.ErrProtectionViolation)
			}
		})
	}
}

func TestUnmapRegionSplits(t *testing.T) {
	ctx := context.Background()
	a := testAllocator(t, 64)
	as := testAddressSpace(t, a)
	mustMap(t, as, RegionOpts{Start: 0x10000, Length: 4 * page, Perms: memarch.ReadWrite, Backing: Eager, Name: "data"})
	mustMap(t, as, RegionOpts{Start: 0x14000, Length: 2 * page, Perms: memarch.Read, Backing: Eager, Name: "ro"})

	if err := as.UnmapRegion(ctx, 0x11000, page); err != nil {
		t.Fatalf("UnmapRegion of middle page failed: %v", err)
	}
	// Spans the end of "data" and the start of "ro".
	if err := as.UnmapRegion(ctx, 0x13000, 2*page); err != nil {
		t.Fatalf("UnmapRegion across regions failed: %v", err)
	}
	want := []Region{
		{Start: 0x10000, End: 0x11000, Perms: memarch.ReadWrite, Backing: Eager, Name: "data"},
		{Start: 0x12000, End: 0x13000, Perms: memarch.ReadWrite, Backing: Eager, Name: "data"},
		{Start: 0x15000, End: 0x16000, Perms: memarch.Read, Backing: Eager, Name: "ro"},
	}
	if diff := cmp.Diff(want, as.Regions()); diff != "" {
		t.Errorf("Regions() mismatch (-want +got):\n%s", diff)
	}
	if got := as.MappedPages(); got != 3 {
		t.Errorf("MappedPages() = %d, want 3", got)
	}
	if _, err := as.Translate(0x11000); !errors.Is(err, vmerr.ErrNotMapped) {
		t.Errorf("Translate of unmapped page got err %v, want %v", err, vmerr.ErrNotMapped)
	}
	if err := as.UnmapRegion(ctx, 0x40000, page); !errors.Is(err, vmerr.ErrNotMapped) {
		t.Errorf("UnmapRegion with no region got err %v, want %v", err, vmerr.ErrNotMapped)
	}
}

func TestProtect(t *testing.T) {
	ctx := context.Background()
	a := testAllocator(t, 64)
	as := testAddressSpace(t, a)
	mustMap(t, as, RegionOpts{Start: 0x10000, Length: 3 * page, Perms: memarch.ReadWrite, Backing: Eager})

	b := []byte{1}
	if _, err := as.CopyOut(ctx, 0x11000, b, IOOpts{}); err != nil {
		t.Fatalf("CopyOut before Protect failed: %v", err)
	}
	if err := as.Protect(ctx, 0x11000, page, memarch.Read); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	if n, err := as.CopyOut(ctx, 0x11000, b, IOOpts{}); !errors.Is(err, vmerr.ErrProtectionViolation) || n != 0 {
		t.Errorf("CopyOut to read-only page = %d, %v; want 0, %v", n, err, vmerr.ErrProtectionViolation)
	}
	if n, err := as.CopyOut(ctx, 0x11000, b, IOOpts{IgnorePermissions: true}); err != nil || n != 1 {
		t.Errorf("CopyOut ignoring permissions = %d, %v; want 1, nil", n, err)
	}
	if n, err := as.CopyIn(ctx, 0x11000, b, IOOpts{}); err != nil || n != 1 {
		t.Errorf("CopyIn from read-only page = %d, %v; want 1, nil", n, err)
	}
	if got := len(as.Regions()); got != 3 {
		t.Errorf("len(Regions()) after Protect = %d, want 3", got)
	}

	// Restoring the permissions merges the regions again.
	if err := as.Protect(ctx, 0x11000, page, memarch.ReadWrite); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	if got := len(as.Regions()); got != 1 {
		t.Errorf("len(Regions()) after restoring = %d, want 1", got)
	}

	// Inaccessible pages lose their frames.
	if err := as.Protect(ctx, 0x10000, 3*page, memarch.NoAccess); err != nil {
		t.Fatalf("Protect(NoAccess) failed: %v", err)
	}
	if got := as.MappedPages(); got != 0 {
		t.Errorf("MappedPages() after Protect(NoAccess) = %d, want 0", got)
	}

	if err := as.Protect(ctx, 0x12000, 2*page, memarch.Read); !errors.Is(err, vmerr.ErrNotMapped) {
		t.Errorf("Protect past the region got err %v, want %v", err, vmerr.ErrNotMapped)
	}
}

func TestCopyAcrossPages(t *testing.T) {
	ctx := context.Background()
	as := testAddressSpace(t, testAllocator(t, 64))
	mustMap(t, as, RegionOpts{Start: 0x10000, Length: 2 * page, Perms: memarch.ReadWrite, Backing: Lazy})

	src := bytes.Repeat([]byte("vmcore"), 100)
	addr := memarch.Addr(0x10000 + page - 10)
	if n, err := as.CopyOut(ctx, addr, src, IOOpts{}); err != nil || n != len(src) {
		t.Fatalf("CopyOut = %d, %v; want %d, nil", n, err, len(src))
	}
	dst := make([]byte, len(src))
	if n, err := as.CopyIn(ctx, addr, dst, IOOpts{}); err != nil || n != len(dst) {
		t.Fatalf("CopyIn = %d, %v; want %d, nil", n, err, len(dst))
	}
	if !bytes.Equal(src, dst) {
		t.Errorf("CopyIn read back %q, want %q", dst, src)
	}
	if got := as.MappedPages(); got != 2 {
		t.Errorf("MappedPages() = %d, want 2", got)
	}

	// A copy running off the end of the region stops at the boundary.
	n, err := as.CopyOut(ctx, 0x10000+2*page-4, []byte("12345678"), IOOpts{})
	if n != 4 || !errors.Is(err, vmerr.ErrProtectionViolation) {
		t.Errorf("CopyOut past region = %d, %v; want 4, %v", n, err, vmerr.ErrProtectionViolation)
	}
}

func TestOnFaultHook(t *testing.T) {
	ctx := context.Background()
	as := testAddressSpace(t, testAllocator(t, 64))
	mustMap(t, as, RegionOpts{Start: 0x10000, Length: page, Perms: memarch.ReadWrite, Backing: Lazy})

	var faults []memarch.Addr
	opts := IOOpts{OnFault: func(addr memarch.Addr, at memarch.AccessType) error {
		faults = append(faults, addr)
		_, err := as.HandleFault(ctx, addr, at)
		return err
	}}
	if _, err := as.CopyOut(ctx, 0x10008, []byte("hi"), opts); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if diff := cmp.Diff([]memarch.Addr{0x10008}, faults); diff != "" {
		t.Errorf("faults mismatch (-want +got):\n%s", diff)
	}
}

func TestFindRegion(t *testing.T) {
	a := testAllocator(t, 64)
	as, err := NewAddressSpace(a, Opts{Layout: Layout{MinAddr: 0x10000, MaxAddr: 0x20000}})
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	mustMap(t, as, RegionOpts{Start: 0x10000, Length: page, Perms: memarch.Read, Backing: Lazy})
	mustMap(t, as, RegionOpts{Start: 0x13000, Length: page, Perms: memarch.Read, Backing: Lazy})

	for _, test := range []struct {
		length uint64
		want   memarch.Addr
		err    error
	}{
		{length: page, want: 0x11000},
		{length: 2 * page, want: 0x11000},
		{length: 3 * page, want: 0x14000},
		{length: 12 * page, want: 0x14000},
		{length: 13 * page, err: vmerr.ErrOutOfMemory},
		{length: 0, err: vmerr.ErrInvalidArgument},
	} {
		got, err := as.FindRegion(test.length)
		if test.err != nil {
			if !errors.Is(err, test.err) {
				t.Errorf("FindRegion(%#x) got err %v, want %v", test.length, err, test.err)
			}
			continue
		}
		if err != nil || got != test.want {
			t.Errorf("FindRegion(%#x) = %v, %v; want %v", test.length, got, err, test.want)
		}
	}
}

// TestConcurrentFaultsAndDestroy races faults against Destroy. Every fault
// either completes or sees the address space destroyed, and no frame leaks.
func TestConcurrentFaultsAndDestroy(t *testing.T) {
	ctx := context.Background()
	a := testAllocator(t, 1024)
	before := a.FreeCount()
	as := testAddressSpace(t, a)
	mustMap(t, as, RegionOpts{Start: 0, Length: 256 * page, Perms: memarch.ReadWrite, Backing: Lazy})

	var wg sync.WaitGroup
	errs := make(chan error, 256)
	for i := 0; i < 256; i++ {
		wg.Add(1)
		go func(addr memarch.Addr) {
			defer wg.Done()
			if _, err := as.HandleFault(ctx, addr, memarch.Write); err != nil {
				errs <- err
			}
		}(memarch.PageAddr(uint64(i)))
		if i == 128 {
			if err := as.Destroy(ctx); err != nil {
				t.Errorf("Destroy failed: %v", err)
			}
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, vmerr.ErrDestroyed) {
			t.Errorf("fault got err %v, want nil or %v", err, vmerr.ErrDestroyed)
		}
	}
	if got := a.FreeCount(); got != before {
		t.Errorf("FreeCount() = %d, want %d", got, before)
	}
}

func TestStats(t *testing.T) {
	as := testAddressSpace(t, testAllocator(t, 64))
	mustMap(t, as, RegionOpts{Start: 0x10000, Length: 2 * page, Perms: memarch.ReadWrite, Backing: Eager})
	mustMap(t, as, RegionOpts{Start: 0x20000, Length: 3 * page, Perms: memarch.Read, Backing: Lazy})
	want := Stats{
		Regions:     2,
		VirtualSize: 5 * page,
		MappedPages: 2,
		TableFrames: 4,
	}
	if diff := cmp.Diff(want, as.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}

func TestTouchExecute(t *testing.T) {
	ctx := context.Background()
	as := testAddressSpace(t, testAllocator(t, 64))
	mustMap(t, as, RegionOpts{Start: 0x10000, Length: page, Perms: memarch.ReadExecute, Backing: Lazy})
	mustMap(t, as, RegionOpts{Start: 0x20000, Length: page, Perms: memarch.ReadWrite, Backing: Lazy})

	if err := as.Touch(ctx, 0x10000, memarch.Execute, IOOpts{}); err != nil {
		t.Errorf("Touch(execute) of text page failed: %v", err)
	}
	if err := as.Touch(ctx, 0x20000, memarch.Execute, IOOpts{}); !errors.Is(err, vmerr.ErrProtectionViolation) {
		t.Errorf("Touch(execute) of data page got err %v, want %v", err, vmerr.ErrProtectionViolation)
	}
}
