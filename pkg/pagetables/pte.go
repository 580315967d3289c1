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

	"github.com/vmcore/vmcore/pkg/memarch"
	"github.com/vmcore/vmcore/pkg/pgalloc"
)

// Address constraints.
const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	entriesPerPage = 512

	// numLevels is the depth of the tree. Level 0 is the root (PGD) and
	// level numLevels-1 holds the leaf entries.
	numLevels = 4
)

// levelShift is the address shift covered by one entry at each level.
var levelShift = [numLevels]uint{pgdShift, pudShift, pmdShift, pteShift}

// levelSize returns the number of bytes mapped by one entry at level.
func levelSize(level int) uint64 {
	return 1 << levelShift[level]
}

// index returns the entry index for addr at level.
func index(addr uint64, level int) int {
	return int((addr >> levelShift[level]) & (entriesPerPage - 1))
}

// Bits in page table entries.
const (
	present        PTE = 0x001
	writable       PTE = 0x002
	user           PTE = 0x004
	accessed       PTE = 0x020
	dirty          PTE = 0x040
	executeDisable PTE = 1 << 63

	// addressMask selects the frame address, bits 12 to 51.
	addressMask PTE = 0x000ffffffffff000
)

// MapOpts are x86 options.
type MapOpts struct {
	// AccessType defines permissions. A present page is always readable.
	AccessType memarch.AccessType

	// User indicates the page is a user page.
	User bool
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	if o.User {
		return o.AccessType.String() + "u"
	}
	return o.AccessType.String() + "-"
}

// PTE is a page table entry.
type PTE uint64

// Clear clears this PTE.
func (p *PTE) Clear() {
	*p = 0
}

// Valid returns true iff this entry is present.
func (p PTE) Valid() bool {
	return p&present != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid.
func (p PTE) Opts() MapOpts {
	return MapOpts{
		AccessType: memarch.AccessType{
			Read:    true,
			Write:   p&writable != 0,
			Execute: p&executeDisable == 0,
		},
		User: p&user != 0,
	}
}

// Address extracts the address. This should only be used if Valid returns
// true.
func (p PTE) Address() uint64 {
	return uint64(p & addressMask)
}

// Frame returns the frame referenced by this entry.
func (p PTE) Frame() pgalloc.Frame {
	return pgalloc.FrameOf(p.Address())
}

// Accessed returns true if the page was accessed since the bit was last
// cleared.
func (p PTE) Accessed() bool {
	return p&accessed != 0
}

// Dirty returns true if the page was written since the bit was last cleared.
func (p PTE) Dirty() bool {
	return p&dirty != 0
}

// Set sets this PTE value.
//
// This does not change the accessed or dirty bits.
func (p *PTE) Set(f pgalloc.Frame, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := PTE(f.Addr())&addressMask | present | (*p & (accessed | dirty))
	if opts.AccessType.Write {
		v |= writable
	}
	if opts.User {
		v |= user
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	*p = v
}

// setPageTable points this entry at a lower-level table. Intermediate
// entries are always writable and user accessible; the leaf decides.
func (p *PTE) setPageTable(f pgalloc.Frame) {
	*p = PTE(f.Addr())&addressMask | present | writable | user
}

// markAccessed sets the accessed bit, and the dirty bit for writes.
func (p *PTE) markAccessed(write bool) {
	*p |= accessed
	if write {
		*p |= dirty
	}
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if !p.Valid() {
		return "none"
	}
	return fmt.Sprintf("%#x[%v]", p.Address(), p.Opts())
}

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// empty returns true if no entry is present.
func (t *PTEs) empty() bool {
	for i := range t {
		if t[i].Valid() {
			return false
		}
	}
	return true
}
