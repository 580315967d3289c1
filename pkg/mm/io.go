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
	"context"
	"fmt"

	"github.com/vmcore/vmcore/pkg/errors/vmerr"
	"github.com/vmcore/vmcore/pkg/memarch"
	"github.com/vmcore/vmcore/pkg/pgalloc"
)

// maxFaultsPerPage bounds retries of a single page in one IO call when no
// OnFault hook is installed.
const maxFaultsPerPage = 2

// IOOpts control memory IO.
type IOOpts struct {
	// IgnorePermissions skips region permission checks. Pages that are not
	// present still fault.
	IgnorePermissions bool

	// User marks the access as coming from user mode.
	User bool

	// OnFault, if set, is called instead of the built-in fault handler
	// when a page is not accessible. A nil return retries the access.
	OnFault func(addr memarch.Addr, at memarch.AccessType) error
}

// Translate returns the physical address addr maps to. It does not handle
// faults: a page without a frame yields vmerr.ErrNotMapped.
func (as *AddressSpace) Translate(addr memarch.Addr) (uint64, error) {
	as.mappingMu.RLock()
	defer as.mappingMu.RUnlock()
	if err := as.checkActiveLocked(); err != nil {
		return 0, err
	}
	return as.pt.Translate(addr)
}

// Lookup returns the region containing addr.
func (as *AddressSpace) Lookup(addr memarch.Addr) (Region, bool) {
	as.mappingMu.RLock()
	defer as.mappingMu.RUnlock()
	return as.findRegionLocked(addr)
}

// CopyOut copies src to memory at addr, faulting pages in as needed. It
// returns the number of bytes copied before any error.
func (as *AddressSpace) CopyOut(ctx context.Context, addr memarch.Addr, src []byte, opts IOOpts) (int, error) {
	return as.copy(ctx, addr, src, memarch.Write, opts, func(f pgalloc.Frame, off uint64, b []byte) error {
		return as.mf.WriteAt(f, off, b)
	})
}

// CopyIn copies memory at addr to dst, faulting pages in as needed. It
// returns the number of bytes copied before any error.
func (as *AddressSpace) CopyIn(ctx context.Context, addr memarch.Addr, dst []byte, opts IOOpts) (int, error) {
	return as.copy(ctx, addr, dst, memarch.Read, opts, func(f pgalloc.Frame, off uint64, b []byte) error {
		return as.mf.ReadAt(f, off, b)
	})
}

func (as *AddressSpace) copy(ctx context.Context, addr memarch.Addr, buf []byte, at memarch.AccessType, opts IOOpts, fn func(pgalloc.Frame, uint64, []byte) error) (int, error) {
	if _, ok := addr.AddLength(uint64(len(buf))); !ok {
		return 0, fmt.Errorf("IO at %v of length %d overflows: %w", addr, len(buf), vmerr.ErrInvalidArgument)
	}
	done := 0
	faulted := 0
	for done < len(buf) {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		cur := addr + memarch.Addr(done)
		n := int(min(memarch.PageSize-cur.PageOffset(), uint64(len(buf)-done)))

		ok, err := as.accessPage(cur, at, opts, func(f pgalloc.Frame) error {
			return fn(f, cur.PageOffset(), buf[done:done+n])
		})
		if err != nil {
			return done, err
		}
		if ok {
			done += n
			faulted = 0
			continue
		}

		if opts.OnFault != nil {
			if err := opts.OnFault(cur, at); err != nil {
				return done, err
			}
			continue
		}
		if faulted++; faulted > maxFaultsPerPage {
			return done, fmt.Errorf("page at %v keeps faulting: %w", cur, vmerr.ErrProtectionViolation)
		}
		var res FaultResult
		if opts.User {
			res, err = as.HandleUserFault(ctx, cur, at)
		} else {
			res, err = as.HandleFault(ctx, cur, at)
		}
		if res == FaultFatal {
			return done, err
		}
	}
	return done, nil
}

// accessPage calls fn with the frame backing addr if the page is present
// and the access is permitted. It returns false if the access must fault.
func (as *AddressSpace) accessPage(addr memarch.Addr, at memarch.AccessType, opts IOOpts, fn func(pgalloc.Frame) error) (bool, error) {
	as.mappingMu.RLock()
	defer as.mappingMu.RUnlock()
	if err := as.checkActiveLocked(); err != nil {
		return false, err
	}
	if !opts.IgnorePermissions {
		r, ok := as.findRegionLocked(addr)
		if !ok || !r.permits(at, opts.User) {
			return false, nil
		}
	}
	pte, ok := as.pt.Lookup(addr)
	if !ok {
		return false, nil
	}
	return true, fn(pte.Frame())
}

// Touch ensures the page containing addr permits an access of type at,
// faulting it in if needed. It models accesses that move no data through
// the caller, such as instruction fetches.
func (as *AddressSpace) Touch(ctx context.Context, addr memarch.Addr, at memarch.AccessType, opts IOOpts) error {
	var b [1]byte
	_, err := as.copy(ctx, addr, b[:], at, opts, func(pgalloc.Frame, uint64, []byte) error {
		return nil
	})
	return err
}
