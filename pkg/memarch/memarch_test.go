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

package memarch

import (
	"testing"
)

func TestRounding(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		down Addr
		up   Addr
		ok   bool
	}{
		{0, 0, 0, true},
		{1, 0, PageSize, true},
		{PageSize, PageSize, PageSize, true},
		{PageSize + 1, PageSize, 2 * PageSize, true},
		{^Addr(0), ^Addr(0) &^ PageMask, 0, false},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		got, ok := tc.addr.RoundUp()
		if ok != tc.ok || (ok && got != tc.up) {
			t.Errorf("%v.RoundUp() = (%v, %t), want (%v, %t)", tc.addr, got, ok, tc.up, tc.ok)
		}
	}
}

func TestCanonical(t *testing.T) {
	for _, tc := range []struct {
		r    AddrRange
		want bool
	}{
		{AddrRange{0, PageSize}, true},
		{AddrRange{LowerTop + 1 - PageSize, LowerTop + 1}, true},
		{AddrRange{LowerTop + 1 - PageSize, LowerTop + 1 + PageSize}, false},
		{AddrRange{UpperBottom, UpperBottom + PageSize}, true},
		{AddrRange{0x0000800000000000, 0x0000800000001000}, false},
	} {
		if got := tc.r.IsCanonical(); got != tc.want {
			t.Errorf("%v.IsCanonical() = %t, want %t", tc.r, got, tc.want)
		}
	}
}

func TestRangeOverlaps(t *testing.T) {
	a := AddrRange{0x1000, 0x3000}
	for _, tc := range []struct {
		b    AddrRange
		want bool
	}{
		{AddrRange{0x0, 0x1000}, false},
		{AddrRange{0x0, 0x1001}, true},
		{AddrRange{0x2000, 0x4000}, true},
		{AddrRange{0x3000, 0x4000}, false},
		{AddrRange{0x1800, 0x1900}, true},
	} {
		if got := a.Overlaps(tc.b); got != tc.want {
			t.Errorf("%v.Overlaps(%v) = %t, want %t", a, tc.b, got, tc.want)
		}
	}
	if got, want := a.Intersect(AddrRange{0x2000, 0x5000}), (AddrRange{0x2000, 0x3000}); got != want {
		t.Errorf("Intersect = %v, want %v", got, want)
	}
	if got := a.Intersect(AddrRange{0x5000, 0x6000}).Length(); got != 0 {
		t.Errorf("disjoint Intersect length = %d, want 0", got)
	}
}

func TestParseAccessType(t *testing.T) {
	for _, tc := range []struct {
		s    string
		want AccessType
		err  bool
	}{
		{"", NoAccess, false},
		{"r", Read, false},
		{"rw", ReadWrite, false},
		{"r-x", ReadExecute, false},
		{"RWX", AnyAccess, false},
		{"rq", NoAccess, true},
	} {
		got, err := ParseAccessType(tc.s)
		if (err != nil) != tc.err {
			t.Errorf("ParseAccessType(%q) err = %v, want err %t", tc.s, err, tc.err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseAccessType(%q) = %v, want %v", tc.s, got, tc.want)
		}
	}
	if got := ReadWrite.String(); got != "rw-" {
		t.Errorf("ReadWrite.String() = %q, want rw-", got)
	}
	if !AnyAccess.SupersetOf(ReadWrite) || Read.SupersetOf(Write) {
		t.Errorf("SupersetOf mismatch")
	}
}
