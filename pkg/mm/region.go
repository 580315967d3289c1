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
	"fmt"

	"github.com/google/btree"
	"github.com/vmcore/vmcore/pkg/memarch"
	"github.com/vmcore/vmcore/pkg/pagetables"
)

// Backing says when a region's pages get frames.
type Backing int

const (
	// Eager regions get a frame for every page when they are mapped.
	Eager Backing = iota

	// Lazy regions get a frame for a page on its first fault.
	Lazy
)

// String implements fmt.Stringer.String.
func (b Backing) String() string {
	switch b {
	case Eager:
		return "eager"
	case Lazy:
		return "lazy"
	default:
		return fmt.Sprintf("Backing(%d)", int(b))
	}
}

// Region is a range of an address space with uniform permissions.
type Region struct {
	// Start is the first address of the region. It is page-aligned.
	Start memarch.Addr

	// End is the first address after the region. It is page-aligned.
	End memarch.Addr

	// Perms are the permitted accesses.
	Perms memarch.AccessType

	// User is true if the region is accessible from user mode.
	User bool

	// Backing says when pages get frames.
	Backing Backing

	// Name identifies the region in logs and listings.
	Name string
}

// Range returns the region's address range.
func (r Region) Range() memarch.AddrRange {
	return memarch.AddrRange{Start: r.Start, End: r.End}
}

// String implements fmt.Stringer.String, in the style of /proc/[pid]/maps.
func (r Region) String() string {
	u := "-"
	if r.User {
		u = "u"
	}
	return fmt.Sprintf("%08x-%08x %s%s %s %s", uint64(r.Start), uint64(r.End), r.Perms, u, r.Backing, r.Name)
}

// mapOpts returns the page table options for pages of r.
func (r Region) mapOpts() pagetables.MapOpts {
	return pagetables.MapOpts{AccessType: r.Perms, User: r.User}
}

// permits returns true if an access of type at, from user mode if user is
// set, is allowed in r.
func (r Region) permits(at memarch.AccessType, user bool) bool {
	if user && !r.User {
		return false
	}
	return r.Perms.Effective().SupersetOf(at)
}

// regionDegree is the B-tree degree of region sets.
const regionDegree = 8

func regionLess(a, b Region) bool {
	return a.Start < b.Start
}

func newRegionSet() *btree.BTreeG[Region] {
	return btree.NewG(regionDegree, regionLess)
}

// findRegionLocked returns the region containing addr.
//
// Preconditions: as.mappingMu is locked.
func (as *AddressSpace) findRegionLocked(addr memarch.Addr) (Region, bool) {
	var (
		found Region
		ok    bool
	)
	as.regions.DescendLessOrEqual(Region{Start: addr}, func(r Region) bool {
		found, ok = r, addr < r.End
		return false
	})
	return found, ok
}

// overlapsLocked returns true if any region overlaps ar.
//
// Preconditions: as.mappingMu is locked. ar.Length() > 0.
func (as *AddressSpace) overlapsLocked(ar memarch.AddrRange) bool {
	// Regions are disjoint, so the one with the greatest start before
	// ar.End also has the greatest end among them.
	overlaps := false
	as.regions.DescendLessOrEqual(Region{Start: ar.End - 1}, func(r Region) bool {
		overlaps = r.End > ar.Start
		return false
	})
	return overlaps
}

// intersectingLocked returns the regions overlapping ar in address order.
//
// Preconditions: as.mappingMu is locked.
func (as *AddressSpace) intersectingLocked(ar memarch.AddrRange) []Region {
	var rs []Region
	if r, ok := as.findRegionLocked(ar.Start); ok {
		rs = append(rs, r)
	}
	as.regions.AscendRange(Region{Start: ar.Start + 1}, Region{Start: ar.End}, func(r Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// isolateLocked splits r so that the part inside ar is a region of its own,
// and returns that part.
//
// Preconditions: as.mappingMu is locked for writing. r is in as.regions and
// overlaps ar.
func (as *AddressSpace) isolateLocked(r Region, ar memarch.AddrRange) Region {
	if r.Start < ar.Start {
		left := r
		left.End = ar.Start
		as.regions.ReplaceOrInsert(left) // Replaces r, which has the same start.
		r.Start = ar.Start
		as.regions.ReplaceOrInsert(r)
	}
	if r.End > ar.End {
		right := r
		right.Start = ar.End
		as.regions.ReplaceOrInsert(right)
		r.End = ar.End
		as.regions.ReplaceOrInsert(r)
	}
	return r
}

// mergeAdjacentLocked coalesces neighbouring regions in ar's vicinity that
// are indistinguishable, undoing splits made by Protect.
//
// Preconditions: as.mappingMu is locked for writing.
func (as *AddressSpace) mergeAdjacentLocked(ar memarch.AddrRange) {
	var rs []Region
	lo := ar.Start
	if ar.Start > 0 {
		if prev, ok := as.findRegionLocked(ar.Start - 1); ok {
			lo = prev.Start
		}
	}
	as.regions.AscendGreaterOrEqual(Region{Start: lo}, func(r Region) bool {
		if r.Start > ar.End {
			return false
		}
		rs = append(rs, r)
		return true
	})
	for i := 1; i < len(rs); i++ {
		prev, cur := rs[i-1], rs[i]
		if prev.End != cur.Start || prev.Perms != cur.Perms || prev.User != cur.User ||
			prev.Backing != cur.Backing || prev.Name != cur.Name {
			continue
		}
		as.regions.Delete(cur)
		prev.End = cur.End
		as.regions.ReplaceOrInsert(prev)
		rs[i] = prev
	}
}
