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

// Package memarch describes the geometry of the simulated machine's memory:
// page sizes, virtual addresses and access permissions.
package memarch

import (
	"fmt"
)

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page and of a physical frame.
	PageSize = 1 << PageShift

	// PageMask selects the offset of an address within its page.
	PageMask = PageSize - 1
)

// Address space limits for four-level paging. Addresses in the gap between
// LowerTop and UpperBottom are non-canonical.
const (
	LowerTop    Addr = 0x00007fffffffffff
	UpperBottom Addr = 0xffff800000000000
)

// Addr represents a virtual address.
type Addr uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageMask)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("memarch.Addr(%d).RoundUp() wraps", v))
	}
	return addr
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// PageNumber returns the number of the virtual page containing v.
func (v Addr) PageNumber() uint64 {
	return uint64(v) >> PageShift
}

// IsCanonical returns true if v lies in the lower or upper half of the
// four-level address space.
func (v Addr) IsCanonical() bool {
	return v <= LowerTop || v >= UpperBottom
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since the resulting end is
// exclusive, end == 0 is technically valid, and corresponds to a range that
// extends to the end of the address space, but ok will be false. This
// isn't expected to ever come up in practice.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the following check is needed in case uint64 is
	// larger than Addr.
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// PageAddr returns the address of the first byte of virtual page n.
func PageAddr(n uint64) Addr {
	return Addr(n << PageShift)
}

// PagesIn returns the number of whole pages in length bytes.
func PagesIn(length uint64) uint64 {
	return length >> PageShift
}
