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

// Package mm implements address spaces: a set of non-overlapping regions
// backed by a page table, and the fault handler that populates them.
//
// Lock order:
//
//	AddressSpace.mappingMu
//	  pgalloc.Allocator.mu
package mm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/vmcore/vmcore/pkg/errors/vmerr"
	"github.com/vmcore/vmcore/pkg/log"
	"github.com/vmcore/vmcore/pkg/memarch"
	"github.com/vmcore/vmcore/pkg/pagetables"
	"github.com/vmcore/vmcore/pkg/pgalloc"
)

// Layout limits where regions may be placed.
type Layout struct {
	// MinAddr is the lowest mappable address.
	MinAddr memarch.Addr

	// MaxAddr is the first address above the mappable range.
	MaxAddr memarch.Addr
}

// DefaultLayout covers the canonical lower half.
var DefaultLayout = Layout{
	MinAddr: 0,
	MaxAddr: memarch.LowerTop + 1,
}

// Opts configures a new AddressSpace.
type Opts struct {
	// Name identifies the address space in logs.
	Name string

	// Layout limits region placement. The zero value means DefaultLayout.
	Layout Layout
}

// Stats is a snapshot of address space usage.
type Stats struct {
	Regions     int
	VirtualSize uint64
	MappedPages int
	TableFrames int
	Faults      FaultStats
}

// AddressSpace is a page table root plus the regions mapped through it.
type AddressSpace struct {
	name   string
	mf     *pgalloc.Allocator
	layout Layout

	// destroyed is set by Destroy before any frame is released.
	destroyed atomic.Bool

	// mappingMu serializes mutation of regions and page tables. Translation
	// and IO hold it for reading.
	mappingMu sync.RWMutex

	// regions is ordered by start address. Regions never overlap.
	//
	// regions is protected by mappingMu.
	regions *btree.BTreeG[Region]

	// pt maps the pages of regions. Every present leaf references a frame
	// owned by this address space.
	//
	// pt is protected by mappingMu.
	pt *pagetables.PageTables

	// mapped is the number of present leaf entries in pt.
	//
	// mapped is protected by mappingMu.
	mapped int

	faults faultCounters
}

// NewAddressSpace returns an empty address space whose frames come from mf.
// Its root page table is allocated immediately.
func NewAddressSpace(mf *pgalloc.Allocator, opts Opts) (*AddressSpace, error) {
	layout := opts.Layout
	if layout == (Layout{}) {
		layout = DefaultLayout
	}
	if !layout.MinAddr.IsPageAligned() || !layout.MaxAddr.IsPageAligned() || layout.MinAddr >= layout.MaxAddr || layout.MaxAddr > DefaultLayout.MaxAddr {
		return nil, fmt.Errorf("invalid layout [%v, %v): %w", layout.MinAddr, layout.MaxAddr, vmerr.ErrInvalidArgument)
	}
	pt, err := pagetables.New(pagetables.NewFrameAllocator(mf))
	if err != nil {
		return nil, fmt.Errorf("creating address space %q: %w", opts.Name, err)
	}
	addressSpaces.IncrementBy(1)
	log.Debugf("Created address space %q, root table at %v", opts.Name, pt.Root())
	return &AddressSpace{
		name:    opts.Name,
		mf:      mf,
		layout:  layout,
		regions: newRegionSet(),
		pt:      pt,
	}, nil
}

// Name returns the name the address space was created with.
func (as *AddressSpace) Name() string {
	return as.name
}

// Layout returns the address space's layout.
func (as *AddressSpace) Layout() Layout {
	return as.layout
}

// Destroyed returns true once Destroy has been called.
func (as *AddressSpace) Destroyed() bool {
	return as.destroyed.Load()
}

// checkActiveLocked returns vmerr.ErrDestroyed if the address space was
// destroyed.
//
// Preconditions: as.mappingMu is locked.
func (as *AddressSpace) checkActiveLocked() error {
	if as.destroyed.Load() {
		return fmt.Errorf("address space %q: %w", as.name, vmerr.ErrDestroyed)
	}
	return nil
}

// Destroy releases every frame mapped by the address space and every page
// table frame. The address space is marked destroyed first, so faults and
// other operations that have not yet taken the lock fail with
// vmerr.ErrDestroyed.
func (as *AddressSpace) Destroy(ctx context.Context) error {
	if !as.destroyed.CompareAndSwap(false, true) {
		return fmt.Errorf("destroying address space %q: %w", as.name, vmerr.ErrDestroyed)
	}

	as.mappingMu.Lock()
	defer as.mappingMu.Unlock()

	tables := as.pt.TableFrames()
	leaves := as.pt.Release()
	for _, f := range leaves {
		if err := as.mf.Free(f); err != nil {
			panic(fmt.Sprintf("address space %q: freeing %v: %v", as.name, f, err))
		}
	}
	as.regions.Clear(false)
	as.mapped = 0
	addressSpaces.DecrementBy(1)
	log.Debugf("Destroyed address space %q: released %d pages and %d tables", as.name, len(leaves), tables)
	return nil
}

// Regions returns a copy of the regions in address order.
func (as *AddressSpace) Regions() []Region {
	as.mappingMu.RLock()
	defer as.mappingMu.RUnlock()
	rs := make([]Region, 0, as.regions.Len())
	as.regions.Ascend(func(r Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// MappedPages returns the number of pages that currently have a frame.
func (as *AddressSpace) MappedPages() int {
	as.mappingMu.RLock()
	defer as.mappingMu.RUnlock()
	return as.mapped
}

// Stats returns a snapshot of the address space's usage.
func (as *AddressSpace) Stats() Stats {
	as.mappingMu.RLock()
	defer as.mappingMu.RUnlock()
	s := Stats{
		Regions:     as.regions.Len(),
		MappedPages: as.mapped,
		Faults:      as.faults.snapshot(),
	}
	if !as.destroyed.Load() {
		s.TableFrames = as.pt.TableFrames()
	}
	as.regions.Ascend(func(r Region) bool {
		s.VirtualSize += r.Range().Length()
		return true
	})
	return s
}
