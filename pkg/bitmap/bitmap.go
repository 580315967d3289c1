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

// Package bitmap provides the implementation of bitmap.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// Bitmap implements an efficient bitmap over the range [0, Size()).
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint64

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries.
	bitBlock []uint64
}

// New create a new empty Bitmap able to hold at least size bits.
func New(size uint64) Bitmap {
	return Bitmap{bitBlock: make([]uint64, (size+63)/64)}
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint64 {
	return uint64(len(b.bitBlock)) * 64
}

// GetNumOnes return the the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint64 {
	return b.numOnes
}

// Contains returns true if bit i is set. Bits beyond Size() are unset.
func (b *Bitmap) Contains(i uint64) bool {
	blockNum := i / 64
	if blockNum >= uint64(len(b.bitBlock)) {
		return false
	}
	return b.bitBlock[blockNum]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i, growing the bitmap if needed. It returns false if the bit
// was already set.
func (b *Bitmap) Add(i uint64) bool {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if x, y := blockNum, uint64(len(b.bitBlock)); x >= y {
		b.bitBlock = append(b.bitBlock, make([]uint64, x-y+1)...)
	}
	oldBlock := b.bitBlock[blockNum]
	if oldBlock&mask != 0 {
		return false
	}
	b.bitBlock[blockNum] = oldBlock | mask
	b.numOnes++
	return true
}

// Remove clears bit i. It returns false if the bit was not set.
func (b *Bitmap) Remove(i uint64) bool {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if blockNum >= uint64(len(b.bitBlock)) {
		return false
	}
	oldBlock := b.bitBlock[blockNum]
	if oldBlock&mask == 0 {
		return false
	}
	b.bitBlock[blockNum] = oldBlock &^ mask
	b.numOnes--
	return true
}

// rangeMask returns the mask of bits [begin, end) within the block that
// contains begin. end must lie in the same block or be its upper boundary.
func rangeMask(begin, end uint64) uint64 {
	lo := begin % 64
	n := end - begin
	if n >= 64 {
		return math.MaxUint64
	}
	return ((uint64(1) << n) - 1) << lo
}

// SetRange sets the bits within [begin, end), growing the bitmap if needed.
func (b *Bitmap) SetRange(begin, end uint64) {
	if begin >= end {
		return
	}
	if need := (end + 63) / 64; need > uint64(len(b.bitBlock)) {
		b.bitBlock = append(b.bitBlock, make([]uint64, need-uint64(len(b.bitBlock)))...)
	}
	for begin < end {
		blockEnd := (begin/64 + 1) * 64
		if blockEnd > end {
			blockEnd = end
		}
		blockNum := begin / 64
		old := b.bitBlock[blockNum]
		b.bitBlock[blockNum] = old | rangeMask(begin, blockEnd)
		b.numOnes += uint64(bits.OnesCount64(b.bitBlock[blockNum]) - bits.OnesCount64(old))
		begin = blockEnd
	}
}

// ClearRange clear bits within range (begin and end) for the Bitmap. begin
// is inclusive and end is exclusive.
func (b *Bitmap) ClearRange(begin, end uint64) {
	if max := b.Size(); end > max {
		end = max
	}
	for begin < end {
		blockEnd := (begin/64 + 1) * 64
		if blockEnd > end {
			blockEnd = end
		}
		blockNum := begin / 64
		old := b.bitBlock[blockNum]
		b.bitBlock[blockNum] = old &^ rangeMask(begin, blockEnd)
		b.numOnes -= uint64(bits.OnesCount64(old) - bits.OnesCount64(b.bitBlock[blockNum]))
		begin = blockEnd
	}
}

// FirstZero returns the first unset bit from the range [start, Size()).
func (b *Bitmap) FirstZero(start uint64) (uint64, error) {
	i, nbit := start/64, start%64
	n := uint64(len(b.bitBlock))
	if i >= n {
		return 0, fmt.Errorf("given start of range exceeds bitmap size")
	}
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := bits.TrailingZeros64(^w)
			return uint64(r) + i*64, nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return 0, fmt.Errorf("bitmap has no unset bits")
}

// FirstOne returns the first set bit from the range [start, Size()).
func (b *Bitmap) FirstOne(start uint64) (uint64, error) {
	i, nbit := start/64, start%64
	n := uint64(len(b.bitBlock))
	if i >= n {
		return 0, fmt.Errorf("given start of range exceeds bitmap size")
	}
	w := b.bitBlock[i] & (math.MaxUint64 << nbit)
	for {
		if w != 0 {
			r := bits.TrailingZeros64(w)
			return uint64(r) + i*64, nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return 0, fmt.Errorf("bitmap has no set bits")
}

// ToSlice transform the Bitmap into slice. For example, a bitmap of [0, 1, 0, 1]
// will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint64 {
	out := make([]uint64, 0, b.numOnes)
	for i, block := range b.bitBlock {
		base := uint64(i) * 64
		for block != 0 {
			r := bits.TrailingZeros64(block)
			out = append(out, base+uint64(r))
			block &= block - 1
		}
	}
	return out
}

// Clone the Bitmap.
func (b *Bitmap) Clone() Bitmap {
	bitmap := Bitmap{b.numOnes, make([]uint64, len(b.bitBlock))}
	copy(bitmap.bitBlock, b.bitBlock)
	return bitmap
}
