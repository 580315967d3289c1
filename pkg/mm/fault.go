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
	"sync/atomic"
	"time"

	"github.com/vmcore/vmcore/pkg/errors/vmerr"
	"github.com/vmcore/vmcore/pkg/log"
	"github.com/vmcore/vmcore/pkg/memarch"
)

// FaultResult is the outcome of handling a page fault.
type FaultResult int

const (
	// FaultResolved means the page was already mapped with sufficient
	// permissions, e.g. because another fault on it won the race.
	FaultResolved FaultResult = iota

	// FaultLazilyMapped means a zeroed frame was installed for the page.
	FaultLazilyMapped

	// FaultFatal means the access cannot be satisfied. The error says why.
	FaultFatal
)

// String implements fmt.Stringer.String.
func (r FaultResult) String() string {
	switch r {
	case FaultResolved:
		return "resolved"
	case FaultLazilyMapped:
		return "lazily_mapped"
	case FaultFatal:
		return "fatal"
	default:
		return fmt.Sprintf("FaultResult(%d)", int(r))
	}
}

// FaultStats counts fault outcomes.
type FaultStats struct {
	Resolved     uint64
	LazilyMapped uint64
	Fatal        uint64
}

type faultCounters struct {
	resolved     atomic.Uint64
	lazilyMapped atomic.Uint64
	fatal        atomic.Uint64
}

func (c *faultCounters) record(r FaultResult) {
	switch r {
	case FaultResolved:
		c.resolved.Add(1)
	case FaultLazilyMapped:
		c.lazilyMapped.Add(1)
	default:
		c.fatal.Add(1)
	}
	faults.Increment(r.String())
}

func (c *faultCounters) snapshot() FaultStats {
	return FaultStats{
		Resolved:     c.resolved.Load(),
		LazilyMapped: c.lazilyMapped.Load(),
		Fatal:        c.fatal.Load(),
	}
}

// faultLog reports fatal faults. A runaway task can fault continuously.
var faultLog = log.BasicRateLimitedLogger(100 * time.Millisecond)

// HandleFault handles a supervisor-mode page fault at addr for an access of
// type at.
func (as *AddressSpace) HandleFault(ctx context.Context, addr memarch.Addr, at memarch.AccessType) (FaultResult, error) {
	return as.handleFault(ctx, addr, at, false)
}

// HandleUserFault handles a user-mode page fault. In addition to the checks
// of HandleFault, the faulting page must be in a user region.
func (as *AddressSpace) HandleUserFault(ctx context.Context, addr memarch.Addr, at memarch.AccessType) (FaultResult, error) {
	return as.handleFault(ctx, addr, at, true)
}

func (as *AddressSpace) handleFault(ctx context.Context, addr memarch.Addr, at memarch.AccessType, user bool) (FaultResult, error) {
	res, err := as.resolveFault(addr, at, user)
	as.faults.record(res)
	if res == FaultFatal {
		faultLog.Warningf("Fatal %v fault at %v in %q: %v", at, addr, as.name, err)
	} else if log.IsLogging(log.Debug) {
		log.Debugf("Fault at %v (%v) in %q: %v", addr, at, as.name, res)
	}
	return res, err
}

func (as *AddressSpace) resolveFault(addr memarch.Addr, at memarch.AccessType, user bool) (FaultResult, error) {
	as.mappingMu.Lock()
	defer as.mappingMu.Unlock()
	if err := as.checkActiveLocked(); err != nil {
		return FaultFatal, err
	}
	if !addr.IsCanonical() {
		return FaultFatal, fmt.Errorf("fault at non-canonical %v: %w", addr, vmerr.ErrProtectionViolation)
	}
	r, ok := as.findRegionLocked(addr)
	if !ok {
		return FaultFatal, fmt.Errorf("fault at %v outside any region: %w", addr, vmerr.ErrProtectionViolation)
	}
	if !r.permits(at, user) {
		return FaultFatal, fmt.Errorf("%v access at %v denied by region %v: %w", at, addr, r, vmerr.ErrProtectionViolation)
	}

	page := addr.RoundDown()
	if _, ok := as.pt.Lookup(page); ok {
		as.pt.MarkAccessed(page, at.Write)
		return FaultResolved, nil
	}
	if err := as.populateLocked(page, r); err != nil {
		return FaultFatal, fmt.Errorf("backing %v in region %v: %w", page, r, err)
	}
	as.pt.MarkAccessed(page, at.Write)
	return FaultLazilyMapped, nil
}
