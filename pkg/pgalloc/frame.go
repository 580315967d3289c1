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

package pgalloc

import (
	"fmt"

	"github.com/vmcore/vmcore/pkg/memarch"
)

// Frame is a physical frame number. The frame's physical address is
// Frame << memarch.PageShift.
type Frame uint64

// FrameOf returns the frame containing physical address phys.
func FrameOf(phys uint64) Frame {
	return Frame(phys >> memarch.PageShift)
}

// Addr returns the physical address of the first byte of f.
func (f Frame) Addr() uint64 {
	return uint64(f) << memarch.PageShift
}

// String implements fmt.Stringer.String.
func (f Frame) String() string {
	return fmt.Sprintf("frame %d", uint64(f))
}

// FrameRange is the half-open range of frames [Start, End).
type FrameRange struct {
	Start Frame
	End   Frame
}

// FrameRangeOf returns the range of n frames starting at start.
func FrameRangeOf(start Frame, n uint64) FrameRange {
	return FrameRange{Start: start, End: start + Frame(n)}
}

// WellFormed returns true if r.Start <= r.End.
func (r FrameRange) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the number of frames in r.
func (r FrameRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if r contains f.
func (r FrameRange) Contains(f Frame) bool {
	return r.Start <= f && f < r.End
}

// Overlaps returns true if r and r2 overlap.
func (r FrameRange) Overlaps(r2 FrameRange) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// String implements fmt.Stringer.String.
func (r FrameRange) String() string {
	return fmt.Sprintf("[%d, %d)", uint64(r.Start), uint64(r.End))
}
