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

	"github.com/vmcore/vmcore/pkg/errors/vmerr"
	"github.com/vmcore/vmcore/pkg/memarch"
)

// checkAccess validates an access of n bytes at off within f.
//
// Preconditions: a.mu is locked.
func (a *Allocator) checkAccess(f Frame, off uint64, n int) error {
	if !a.inUse.Contains(uint64(f)) {
		return fmt.Errorf("accessing unallocated %v: %w", f, vmerr.ErrInvalidArgument)
	}
	if off > memarch.PageSize || uint64(n) > memarch.PageSize-off {
		return fmt.Errorf("access [%d, %d) exceeds %v: %w", off, off+uint64(n), f, vmerr.ErrInvalidArgument)
	}
	return nil
}

// ReadAt copies len(dst) bytes starting at offset off of frame f into dst.
func (a *Allocator) ReadAt(f Frame, off uint64, dst []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkAccess(f, off, len(dst)); err != nil {
		return err
	}
	if c, ok := a.contents[f]; ok {
		copy(dst, c[off:])
		return nil
	}
	clear(dst)
	return nil
}

// WriteAt copies src into frame f starting at offset off.
func (a *Allocator) WriteAt(f Frame, off uint64, src []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkAccess(f, off, len(src)); err != nil {
		return err
	}
	c, ok := a.contents[f]
	if !ok {
		c = new([memarch.PageSize]byte)
		a.contents[f] = c
	}
	copy(c[off:], src)
	return nil
}

// Zero clears frame f.
func (a *Allocator) Zero(f Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkAccess(f, 0, 0); err != nil {
		return err
	}
	delete(a.contents, f)
	return nil
}

// Copy copies the contents of frame src into frame dst.
func (a *Allocator) Copy(dst, src Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkAccess(dst, 0, 0); err != nil {
		return err
	}
	if err := a.checkAccess(src, 0, 0); err != nil {
		return err
	}
	c, ok := a.contents[src]
	if !ok {
		delete(a.contents, dst)
		return nil
	}
	cp := *c
	a.contents[dst] = &cp
	return nil
}
