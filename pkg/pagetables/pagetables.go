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

// Package pagetables provides a generic implementation of four-level page
// tables whose nodes live in physical frames.
//
// PageTables has no internal locking. The owner serializes mutation; reads
// may run concurrently with each other.
package pagetables

import (
	"fmt"

	"github.com/vmcore/vmcore/pkg/errors/vmerr"
	"github.com/vmcore/vmcore/pkg/memarch"
	"github.com/vmcore/vmcore/pkg/pgalloc"
)

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// root is the pagetable root. It is nil after Release.
	root *PTEs

	// rootFrame is the frame holding the root, as loaded into CR3.
	rootFrame pgalloc.Frame

	// tables is the number of tables held, root included.
	tables int
}

// New returns new PageTables.
func New(a Allocator) (*PageTables, error) {
	p := &PageTables{Allocator: a}
	root, f, err := p.newPTEs()
	if err != nil {
		return nil, err
	}
	p.root, p.rootFrame = root, f
	return p, nil
}

func (p *PageTables) newPTEs() (*PTEs, pgalloc.Frame, error) {
	ptes, f, err := p.Allocator.NewPTEs()
	if err != nil {
		return nil, 0, err
	}
	p.tables++
	return ptes, f, nil
}

func (p *PageTables) freePTEs(ptes *PTEs) {
	p.Allocator.FreePTEs(ptes)
	p.tables--
}

// Root returns the frame holding the root table.
func (p *PageTables) Root() pgalloc.Frame {
	return p.rootFrame
}

// TableFrames returns the number of frames held for tables, root included.
func (p *PageTables) TableFrames() int {
	return p.tables
}

// checkAddr validates a page address.
func checkAddr(addr memarch.Addr) error {
	if !addr.IsPageAligned() || !addr.IsCanonical() {
		return fmt.Errorf("address %v is not a canonical page address: %w", addr, vmerr.ErrInvalidArgument)
	}
	return nil
}

// leaf returns the leaf entry for addr, or nil if an intermediate table is
// missing.
func (p *PageTables) leaf(addr memarch.Addr) *PTE {
	table := p.root
	for level := 0; level < numLevels-1; level++ {
		e := &table[index(uint64(addr), level)]
		if !e.Valid() {
			return nil
		}
		table = p.Allocator.LookupPTEs(e.Frame())
	}
	return &table[index(uint64(addr), numLevels-1)]
}

// Map installs a mapping from the page at addr to frame f.
//
// If the page is already mapped, vmerr.ErrAlreadyMapped is returned and the
// existing mapping is left untouched. If an intermediate table cannot be
// allocated, tables created by this call are released again. f must be
// allocated from the frame source and must not back a page table, otherwise
// vmerr.ErrInvalidArgument is returned.
func (p *PageTables) Map(addr memarch.Addr, f pgalloc.Frame, opts MapOpts) error {
	if err := checkAddr(addr); err != nil {
		return err
	}
	if !opts.AccessType.Any() {
		return fmt.Errorf("mapping %v with no access: %w", addr, vmerr.ErrInvalidArgument)
	}
	if lc, ok := p.Allocator.(leaseChecker); ok && !lc.leased(f) {
		return fmt.Errorf("mapping %v to %v: frame not allocated: %w", addr, f, vmerr.ErrInvalidArgument)
	}

	var (
		created []*PTEs
		parents []*PTE
	)
	table := p.root
	for level := 0; level < numLevels-1; level++ {
		e := &table[index(uint64(addr), level)]
		if !e.Valid() {
			child, cf, err := p.newPTEs()
			if err != nil {
				for i := len(created) - 1; i >= 0; i-- {
					parents[i].Clear()
					p.freePTEs(created[i])
				}
				return fmt.Errorf("mapping %v: %w", addr, err)
			}
			e.setPageTable(cf)
			created = append(created, child)
			parents = append(parents, e)
		}
		table = p.Allocator.LookupPTEs(e.Frame())
	}

	leaf := &table[index(uint64(addr), numLevels-1)]
	if leaf.Valid() {
		// All tables existed, so none were created above.
		return fmt.Errorf("mapping %v to %v: %w (currently %v)", addr, f, vmerr.ErrAlreadyMapped, *leaf)
	}
	leaf.Set(f, opts)
	return nil
}

// Unmap removes the mapping of the page at addr and returns the frame it
// referenced. Tables left empty are freed. Unmapping a page that is not
// mapped returns vmerr.ErrNotMapped.
func (p *PageTables) Unmap(addr memarch.Addr) (pgalloc.Frame, error) {
	if err := checkAddr(addr); err != nil {
		return 0, err
	}

	var (
		tables  [numLevels]*PTEs
		entries [numLevels]*PTE
	)
	table := p.root
	for level := 0; level < numLevels; level++ {
		e := &table[index(uint64(addr), level)]
		if !e.Valid() {
			return 0, fmt.Errorf("unmapping %v: %w", addr, vmerr.ErrNotMapped)
		}
		tables[level], entries[level] = table, e
		if level < numLevels-1 {
			table = p.Allocator.LookupPTEs(e.Frame())
		}
	}

	f := entries[numLevels-1].Frame()
	entries[numLevels-1].Clear()

	// Release tables whose last entry is gone, leaf first. The root stays.
	for level := numLevels - 1; level > 0; level-- {
		if !tables[level].empty() {
			break
		}
		entries[level-1].Clear()
		p.freePTEs(tables[level])
	}
	return f, nil
}

// Lookup returns the leaf entry for the page containing addr.
func (p *PageTables) Lookup(addr memarch.Addr) (PTE, bool) {
	if !addr.IsCanonical() {
		return 0, false
	}
	e := p.leaf(addr.RoundDown())
	if e == nil || !e.Valid() {
		return 0, false
	}
	return *e, true
}

// Translate returns the physical address addr maps to, or vmerr.ErrNotMapped
// if its page has no mapping.
func (p *PageTables) Translate(addr memarch.Addr) (uint64, error) {
	pte, ok := p.Lookup(addr)
	if !ok {
		return 0, fmt.Errorf("translating %v: %w", addr, vmerr.ErrNotMapped)
	}
	return pte.Address() + addr.PageOffset(), nil
}

// MarkAccessed sets the accessed bit of the page containing addr, and the
// dirty bit if write is set. It returns false if the page is not mapped.
func (p *PageTables) MarkAccessed(addr memarch.Addr, write bool) bool {
	if !addr.IsCanonical() {
		return false
	}
	e := p.leaf(addr.RoundDown())
	if e == nil || !e.Valid() {
		return false
	}
	e.markAccessed(write)
	return true
}

// Protect changes the options of the present mapping at addr.
func (p *PageTables) Protect(addr memarch.Addr, opts MapOpts) error {
	if err := checkAddr(addr); err != nil {
		return err
	}
	if !opts.AccessType.Any() {
		return fmt.Errorf("protecting %v with no access: %w", addr, vmerr.ErrInvalidArgument)
	}
	e := p.leaf(addr)
	if e == nil || !e.Valid() {
		return fmt.Errorf("protecting %v: %w", addr, vmerr.ErrNotMapped)
	}
	e.Set(e.Frame(), opts)
	return nil
}

// ProtectRange changes the options of every present mapping in [start, end)
// and returns the number of entries changed.
func (p *PageTables) ProtectRange(start, end memarch.Addr, opts MapOpts) (int, error) {
	if !opts.AccessType.Any() {
		return 0, fmt.Errorf("protecting [%v, %v) with no access: %w", start, end, vmerr.ErrInvalidArgument)
	}
	opts.AccessType = opts.AccessType.Effective()
	v := &protectVisitor{opts: opts}
	w := Walker{pageTables: p, visitor: v}
	w.iterateRange(uint64(start), uint64(end))
	return v.changed, nil
}

// UnmapRange removes every mapping in [start, end), calling fn with each
// address and the frame it mapped. Tables left empty are freed.
func (p *PageTables) UnmapRange(start, end memarch.Addr, fn func(addr memarch.Addr, f pgalloc.Frame)) {
	w := Walker{
		pageTables: p,
		visitor: &unmapVisitor{fn: func(addr uint64, old PTE) {
			if fn != nil {
				fn(memarch.Addr(addr), old.Frame())
			}
		}},
	}
	w.iterateRange(uint64(start), uint64(end))
}

// Walk calls fn for each present mapping in [start, end) in address order,
// stopping early if fn returns false.
func (p *PageTables) Walk(start, end memarch.Addr, fn func(addr memarch.Addr, pte PTE) bool) {
	w := Walker{
		pageTables: p,
		visitor: &collectVisitor{fn: func(addr uint64, pte PTE) bool {
			return fn(memarch.Addr(addr), pte)
		}},
	}
	w.iterateRange(uint64(start), uint64(end))
}

// Release frees every table, root included, and returns the frames still
// mapped by leaf entries so that the caller can release them. The
// PageTables must not be used afterwards.
func (p *PageTables) Release() []pgalloc.Frame {
	if p.root == nil {
		return nil
	}
	var leaves []pgalloc.Frame
	p.release(p.root, 0, &leaves)
	p.freePTEs(p.root)
	p.root = nil
	return leaves
}

func (p *PageTables) release(table *PTEs, level int, leaves *[]pgalloc.Frame) {
	for i := range table {
		e := &table[i]
		if !e.Valid() {
			continue
		}
		if level == numLevels-1 {
			*leaves = append(*leaves, e.Frame())
		} else {
			child := p.Allocator.LookupPTEs(e.Frame())
			p.release(child, level+1, leaves)
			p.freePTEs(child)
		}
		e.Clear()
	}
}
