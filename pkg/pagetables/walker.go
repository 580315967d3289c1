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

import "github.com/vmcore/vmcore/pkg/memarch"

// visitor is called for each present leaf entry in a walk.
type visitor interface {
	// visit is called for the leaf entry mapping addr. It may modify or
	// clear the entry. Returning false stops the walk.
	visit(addr uint64, pte *PTE) bool

	// clears returns true if visit may clear entries, in which case empty
	// tables are released on the way back up.
	clears() bool
}

// Walker walks page tables.
type Walker struct {
	// pageTables are the tables to walk.
	pageTables *PageTables

	// visitor is the visitor.
	visitor visitor
}

// addrEnd returns the next boundary of the given size after addr, or end if
// that comes earlier.
func addrEnd(addr, end, size uint64) uint64 {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// iterateRange iterates over all present leaf entries in [start, end). The
// range may span the canonical hole, which is skipped: its addresses share
// root indices with the upper half.
func (w *Walker) iterateRange(start, end uint64) bool {
	lowerEnd := uint64(memarch.LowerTop) + 1
	if start < lowerEnd {
		if !w.walkLevel(w.pageTables.root, 0, start, min(end, lowerEnd)) {
			return false
		}
	}
	if end > uint64(memarch.UpperBottom) {
		return w.walkLevel(w.pageTables.root, 0, max(start, uint64(memarch.UpperBottom)), end)
	}
	return true
}

// walkLevel iterates over the entries of table at the given level that
// cover [start, end).
func (w *Walker) walkLevel(table *PTEs, level int, start, end uint64) bool {
	size := levelSize(level)
	for start < end {
		next := addrEnd(start, end, size)
		entry := &table[index(start, level)]
		if !entry.Valid() {
			start = next
			continue
		}
		if level == numLevels-1 {
			if !w.visitor.visit(start&^(pteSize-1), entry) {
				return false
			}
			start = next
			continue
		}

		child := w.pageTables.Allocator.LookupPTEs(entry.Frame())
		ok := w.walkLevel(child, level+1, start, next)

		// Check if we no longer need this table.
		if w.visitor.clears() && child.empty() {
			entry.Clear()
			w.pageTables.freePTEs(child)
		}
		if !ok {
			return false
		}
		start = next
	}
	return true
}

// collectVisitor records present entries.
type collectVisitor struct {
	fn func(addr uint64, pte PTE) bool
}

func (v *collectVisitor) visit(addr uint64, pte *PTE) bool {
	return v.fn(addr, *pte)
}

func (*collectVisitor) clears() bool { return false }

// unmapVisitor clears entries, reporting each frame that was mapped.
type unmapVisitor struct {
	fn func(addr uint64, old PTE)
}

func (v *unmapVisitor) visit(addr uint64, pte *PTE) bool {
	old := *pte
	pte.Clear()
	if v.fn != nil {
		v.fn(addr, old)
	}
	return true
}

func (*unmapVisitor) clears() bool { return true }

// protectVisitor changes the options of present entries.
type protectVisitor struct {
	opts    MapOpts
	changed int
}

func (v *protectVisitor) visit(addr uint64, pte *PTE) bool {
	if pte.Opts() != v.opts {
		pte.Set(pte.Frame(), v.opts)
		v.changed++
	}
	return true
}

func (*protectVisitor) clears() bool { return false }
