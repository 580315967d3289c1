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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vmcore/vmcore/pkg/errors/vmerr"
	"github.com/vmcore/vmcore/pkg/memarch"
	"github.com/vmcore/vmcore/pkg/pgalloc"
)

type mapping struct {
	start memarch.Addr
	frame pgalloc.Frame
	opts  MapOpts
}

// checkMappings walks pt and compares the present leaves with want.
func checkMappings(t *testing.T, pt *PageTables, want []mapping) {
	t.Helper()
	var got []mapping
	pt.Walk(0, memarch.LowerTop+1, func(addr memarch.Addr, pte PTE) bool {
		got = append(got, mapping{addr, pte.Frame(), pte.Opts()})
		return true
	})
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(mapping{})); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

var (
	rw  = MapOpts{AccessType: memarch.ReadWrite}
	ro  = MapOpts{AccessType: memarch.Read, User: true}
	rwx = MapOpts{AccessType: memarch.AnyAccess}
)

func rwEff() MapOpts {
	return MapOpts{AccessType: memarch.AccessType{Read: true, Write: true}}
}

func roEff() MapOpts {
	return MapOpts{AccessType: memarch.Read, User: true}
}

func newTestPageTables(t *testing.T, frames uint64) (*PageTables, *pgalloc.Allocator) {
	t.Helper()
	a, err := pgalloc.New(pgalloc.Opts{Regions: []pgalloc.FrameRange{pgalloc.FrameRangeOf(0, frames)}})
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	pt, err := New(NewFrameAllocator(a))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return pt, a
}

// leaseFrame allocates frames from a until want is handed out, then frees
// the others. a allocates lowest first, so want must be above every frame
// already in use.
func leaseFrame(t *testing.T, a *pgalloc.Allocator, want pgalloc.Frame) pgalloc.Frame {
	t.Helper()
	var spare []pgalloc.Frame
	for {
		f, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate before %v failed: %v", want, err)
		}
		if f == want {
			break
		}
		if f > want {
			t.Fatalf("Allocate returned %v, past %v", f, want)
		}
		spare = append(spare, f)
	}
	for _, f := range spare {
		if err := a.Free(f); err != nil {
			t.Fatalf("Free(%v) failed: %v", f, err)
		}
	}
	return want
}

func leaseFrames(t *testing.T, a *pgalloc.Allocator, frames ...pgalloc.Frame) {
	t.Helper()
	for _, f := range frames {
		leaseFrame(t, a, f)
	}
}

func TestMapTranslateUnmap(t *testing.T) {
	pt, a := newTestPageTables(t, 64)
	leaseFrame(t, a, 5)

	if err := pt.Map(0, 5, rw); err != nil {
		t.Fatalf("Map(0, 5) failed: %v", err)
	}
	phys, err := pt.Translate(0)
	if err != nil || phys != pgalloc.Frame(5).Addr() {
		t.Errorf("Translate(0) = %#x, %v; want %#x", phys, err, pgalloc.Frame(5).Addr())
	}
	phys, err = pt.Translate(0x123)
	if err != nil || phys != pgalloc.Frame(5).Addr()+0x123 {
		t.Errorf("Translate(0x123) = %#x, %v; want %#x", phys, err, pgalloc.Frame(5).Addr()+0x123)
	}

	f, err := pt.Unmap(0)
	if err != nil || f != 5 {
		t.Errorf("Unmap(0) = %v, %v; want frame 5", f, err)
	}
	if _, err := pt.Translate(0); !errors.Is(err, vmerr.ErrNotMapped) {
		t.Errorf("Translate after Unmap got err %v, want %v", err, vmerr.ErrNotMapped)
	}
	if _, err := pt.Unmap(0); !errors.Is(err, vmerr.ErrNotMapped) {
		t.Errorf("second Unmap got err %v, want %v", err, vmerr.ErrNotMapped)
	}
}

func TestAlreadyMapped(t *testing.T) {
	pt, a := newTestPageTables(t, 64)
	leaseFrames(t, a, 42, 43)
	if err := pt.Map(0x400000, 42, rw); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := pt.Map(0x400000, 43, ro); !errors.Is(err, vmerr.ErrAlreadyMapped) {
		t.Fatalf("remap got err %v, want %v", err, vmerr.ErrAlreadyMapped)
	}
	checkMappings(t, pt, []mapping{
		{0x400000, 42, rwEff()},
	})
}

func TestInvalidAddresses(t *testing.T) {
	pt, _ := newTestPageTables(t, 64)
	for _, addr := range []memarch.Addr{0x1001, 0x0000800000000000, 0xfffe000000000000} {
		if err := pt.Map(addr, 1, rw); !errors.Is(err, vmerr.ErrInvalidArgument) {
			t.Errorf("Map(%v) got err %v, want %v", addr, err, vmerr.ErrInvalidArgument)
		}
		if _, err := pt.Unmap(addr); !errors.Is(err, vmerr.ErrInvalidArgument) {
			t.Errorf("Unmap(%v) got err %v, want %v", addr, err, vmerr.ErrInvalidArgument)
		}
	}
	if err := pt.Map(0, 1, MapOpts{}); !errors.Is(err, vmerr.ErrInvalidArgument) {
		t.Errorf("Map with no access got err %v, want %v", err, vmerr.ErrInvalidArgument)
	}
}

func TestTablesAllocatedLazilyAndFreed(t *testing.T) {
	pt, a := newTestPageTables(t, 64)
	if got := pt.TableFrames(); got != 1 {
		t.Fatalf("TableFrames() of empty tables = %d, want 1", got)
	}
	leaseFrames(t, a, 10, 11, 12)
	free := a.FreeCount()

	// Two pages in the same leaf table share every intermediate table.
	if err := pt.Map(0x1000, 10, rw); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := pt.Map(0x2000, 11, rw); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if got := pt.TableFrames(); got != 4 {
		t.Errorf("TableFrames() = %d, want 4", got)
	}
	// A page in another PGD slot needs three more.
	if err := pt.Map(pgdSize, 12, rw); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if got := pt.TableFrames(); got != 7 {
		t.Errorf("TableFrames() = %d, want 7", got)
	}
	if got := a.FreeCount(); got != free-6 {
		t.Errorf("FreeCount() = %d, want %d", got, free-6)
	}

	for _, addr := range []memarch.Addr{pgdSize, 0x1000} {
		if _, err := pt.Unmap(addr); err != nil {
			t.Fatalf("Unmap(%v) failed: %v", addr, err)
		}
	}
	if got := pt.TableFrames(); got != 4 {
		t.Errorf("TableFrames() after partial unmap = %d, want 4", got)
	}
	if _, err := pt.Unmap(0x2000); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if got := pt.TableFrames(); got != 1 {
		t.Errorf("TableFrames() after unmapping everything = %d, want 1", got)
	}
	if got := a.FreeCount(); got != free {
		t.Errorf("FreeCount() = %d, want %d", got, free)
	}
}

func TestMapOutOfMemoryRollsBack(t *testing.T) {
	// Root, the data frame and two tables fit; the third intermediate
	// table does not.
	pt, a := newTestPageTables(t, 4)
	data := leaseFrame(t, a, 1)
	if err := pt.Map(0x1000, data, rw); !errors.Is(err, vmerr.ErrOutOfMemory) {
		t.Fatalf("Map got err %v, want %v", err, vmerr.ErrOutOfMemory)
	}
	if got := pt.TableFrames(); got != 1 {
		t.Errorf("TableFrames() after failed Map = %d, want 1", got)
	}
	if got := a.FreeCount(); got != 2 {
		t.Errorf("FreeCount() after failed Map = %d, want 2", got)
	}
	checkMappings(t, pt, nil)
}

func TestMapRejectsUnallocatedFrame(t *testing.T) {
	pt, a := newTestPageTables(t, 64)
	free := a.FreeCount()

	for _, tc := range []struct {
		name  string
		frame pgalloc.Frame
	}{
		{name: "free frame", frame: 9},
		{name: "root table", frame: pt.Root()},
		{name: "outside memory", frame: 1000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			inUse := a.InUse(tc.frame)
			if err := pt.Map(0x1000, tc.frame, rw); !errors.Is(err, vmerr.ErrInvalidArgument) {
				t.Fatalf("Map(0x1000, %v) got err %v, want %v", tc.frame, err, vmerr.ErrInvalidArgument)
			}
			if got := a.InUse(tc.frame); got != inUse {
				t.Errorf("InUse(%v) = %t after rejected Map, want %t", tc.frame, got, inUse)
			}
		})
	}
	if got := pt.TableFrames(); got != 1 {
		t.Errorf("TableFrames() after rejected Maps = %d, want 1", got)
	}
	if got := a.FreeCount(); got != free {
		t.Errorf("FreeCount() after rejected Maps = %d, want %d", got, free)
	}
	checkMappings(t, pt, nil)

	// A table frame mapped into user space would alias live entries.
	f := leaseFrame(t, a, 9)
	if err := pt.Map(0x1000, f, rw); err != nil {
		t.Fatalf("Map(0x1000, %v) failed: %v", f, err)
	}
	var table pgalloc.Frame
	for tf := range pt.Allocator.(*FrameAllocator).tables {
		if tf != pt.Root() {
			table = tf
			break
		}
	}
	if err := pt.Map(0x2000, table, rw); !errors.Is(err, vmerr.ErrInvalidArgument) {
		t.Errorf("Map(0x2000, table %v) got err %v, want %v", table, err, vmerr.ErrInvalidArgument)
	}
	checkMappings(t, pt, []mapping{{0x1000, f, rwEff()}})
}

func TestProtect(t *testing.T) {
	pt, a := newTestPageTables(t, 64)
	leaseFrames(t, a, 20, 21, 22, 23)
	for i := 0; i < 4; i++ {
		if err := pt.Map(memarch.PageAddr(uint64(i)), pgalloc.Frame(20+i), rwx); err != nil {
			t.Fatalf("Map failed: %v", err)
		}
	}
	if err := pt.Protect(0, ro); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	n, err := pt.ProtectRange(memarch.PageAddr(2), memarch.PageAddr(8), rw)
	if err != nil || n != 2 {
		t.Errorf("ProtectRange = %d, %v; want 2, nil", n, err)
	}
	if err := pt.Protect(memarch.PageAddr(9), ro); !errors.Is(err, vmerr.ErrNotMapped) {
		t.Errorf("Protect of unmapped page got err %v, want %v", err, vmerr.ErrNotMapped)
	}
	checkMappings(t, pt, []mapping{
		{0x0000, 20, roEff()},
		{0x1000, 21, MapOpts{AccessType: memarch.AnyAccess}},
		{0x2000, 22, rwEff()},
		{0x3000, 23, rwEff()},
	})
}

func TestUnmapRange(t *testing.T) {
	pt, a := newTestPageTables(t, 64)
	leaseFrames(t, a, 40, 41, 42, 43)
	free := a.FreeCount()
	addrs := []memarch.Addr{0x1000, pmdSize, pudSize + 0x5000, pgdSize * 3}
	for i, addr := range addrs {
		if err := pt.Map(addr, pgalloc.Frame(40+i), rw); err != nil {
			t.Fatalf("Map(%v) failed: %v", addr, err)
		}
	}
	var unmapped []memarch.Addr
	pt.UnmapRange(pmdSize, pgdSize*3, func(addr memarch.Addr, f pgalloc.Frame) {
		unmapped = append(unmapped, addr)
	})
	if diff := cmp.Diff([]memarch.Addr{pmdSize, pudSize + 0x5000}, unmapped); diff != "" {
		t.Errorf("unmapped addresses mismatch (-want +got):\n%s", diff)
	}
	checkMappings(t, pt, []mapping{
		{0x1000, 40, rwEff()},
		{pgdSize * 3, 43, rwEff()},
	})
	pt.UnmapRange(0, memarch.LowerTop+1, nil)
	if got := pt.TableFrames(); got != 1 {
		t.Errorf("TableFrames() after unmapping everything = %d, want 1", got)
	}
	if got := a.FreeCount(); got != free {
		t.Errorf("FreeCount() = %d, want %d", got, free)
	}
}

func TestUpperHalf(t *testing.T) {
	pt, a := newTestPageTables(t, 64)
	leaseFrames(t, a, 7, 8)
	upper := memarch.UpperBottom + 0x2000
	if err := pt.Map(upper, 7, rw); err != nil {
		t.Fatalf("Map(%v) failed: %v", upper, err)
	}
	if err := pt.Map(0x0000000000002000, 8, rw); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	phys, err := pt.Translate(upper + 4)
	if err != nil || phys != pgalloc.Frame(7).Addr()+4 {
		t.Errorf("Translate(%v) = %#x, %v; want %#x", upper+4, phys, err, pgalloc.Frame(7).Addr()+4)
	}
	// The lower-half walk must not see the upper-half mapping.
	checkMappings(t, pt, []mapping{{0x2000, 8, rwEff()}})

	var got []memarch.Addr
	pt.Walk(0, memarch.UpperBottom+pgdSize, func(addr memarch.Addr, _ PTE) bool {
		got = append(got, addr)
		return true
	})
	if diff := cmp.Diff([]memarch.Addr{0x2000, upper}, got); diff != "" {
		t.Errorf("Walk across the hole mismatch (-want +got):\n%s", diff)
	}
}

func TestAccessedDirty(t *testing.T) {
	pt, a := newTestPageTables(t, 64)
	leaseFrame(t, a, 3)
	if err := pt.Map(0x1000, 3, rw); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if !pt.MarkAccessed(0x1010, false) {
		t.Fatalf("MarkAccessed returned false for mapped page")
	}
	pte, _ := pt.Lookup(0x1000)
	if !pte.Accessed() || pte.Dirty() {
		t.Errorf("after read: accessed=%t dirty=%t, want true false", pte.Accessed(), pte.Dirty())
	}
	pt.MarkAccessed(0x1000, true)
	// Changing permissions keeps the bits.
	if err := pt.Protect(0x1000, ro); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	pte, _ = pt.Lookup(0x1000)
	if !pte.Dirty() {
		t.Errorf("dirty bit lost by Protect")
	}
	if pt.MarkAccessed(0x5000, false) {
		t.Errorf("MarkAccessed returned true for unmapped page")
	}
}

func TestRelease(t *testing.T) {
	pt, a := newTestPageTables(t, 64)
	before := a.FreeCount() + 1 // The root is released too.
	leaves := []pgalloc.Frame{}
	for i := 0; i < 3; i++ {
		f, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		leaves = append(leaves, f)
		if err := pt.Map(memarch.Addr(uint64(i)*pudSize), f, rw); err != nil {
			t.Fatalf("Map failed: %v", err)
		}
	}
	got := pt.Release()
	if diff := cmp.Diff(leaves, got); diff != "" {
		t.Errorf("Release() leaves mismatch (-want +got):\n%s", diff)
	}
	for _, f := range got {
		if err := a.Free(f); err != nil {
			t.Fatalf("Free(%v) failed: %v", f, err)
		}
	}
	if got := a.FreeCount(); got != before {
		t.Errorf("FreeCount() after Release = %d, want %d", got, before)
	}
	if got := pt.TableFrames(); got != 0 {
		t.Errorf("TableFrames() after Release = %d, want 0", got)
	}
	if got := pt.Release(); got != nil {
		t.Errorf("second Release() = %v, want nil", got)
	}
}
