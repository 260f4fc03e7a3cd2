// Copyright 2025 The fuchisa-os Authors.
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

package vm

import (
	"fmt"

	"github.com/TrellixVulnTeam/fuchisa-os-ST19/pkg/hostarch"
)

// allocSpotLocked chooses a base address for a new size-byte child. The
// candidate is drawn from the feasible gap positions, randomized within
// the address space's entropy budget, then verified against the true
// bracketing neighbors and the arch layer's placement constraints. A
// candidate that fails the definitive check is an allocator bug, not a
// retryable condition.
//
// Preconditions: the address space lock is held. size > 0 and
// page-aligned.
func (r *Region) allocSpotLocked(size uint64, alignPow2 uint8, mmuFlags MMUFlags, upperLimit hostarch.Addr) (hostarch.Addr, error) {
	if alignPow2 < hostarch.PageShift {
		alignPow2 = hostarch.PageShift
	}
	align := uint64(1) << alignPow2

	entropy := r.aspace.aslrEntropyBits(r.flags&FlagCompact != 0)
	var prng Prng
	if r.aspace.aslrEnabled {
		prng = r.aspace.prng
	}

	allocSpot, err := r.children.getAllocSpot(align, entropy, size, r.base, r.size, prng, upperLimit)
	if err != nil {
		return 0, err
	}

	// Definitive check: locate the true neighbors bracketing the
	// candidate and verify a spot fits in the gap between them.
	allocLastByte, ok := allocSpot.AddLength(size - 1)
	if !ok {
		panic(fmt.Sprintf("vm: allocator candidate %#x overflows with size %#x", uintptr(allocSpot), size))
	}
	before, after := r.children.neighbors(allocLastByte)
	spot, found := r.checkGapLocked(before, after, allocSpot, align, size, 0, mmuFlags)
	if !found {
		panic(fmt.Sprintf("vm: allocator candidate %#x rejected by gap check", uintptr(allocSpot)))
	}
	return spot, nil
}

// checkGapLocked computes the true gap bracketed by prev and next (nil
// means the region boundary on that side), asks the arch layer to pick a
// spot at or above searchBase inside it, and verifies the returned spot
// fits. It returns false if the gap does not exist, an arithmetic step
// would overflow, or the spot does not fit.
//
// Preconditions: the address space lock is held.
func (r *Region) checkGapLocked(prev, next Child, searchBase hostarch.Addr, align, regionSize, minGap uint64, mmuFlags MMUFlags) (hostarch.Addr, bool) {
	var gapBeg, gapEnd hostarch.Addr // first and last byte of the gap

	if prev != nil {
		g, ok := prev.Base().AddLength(prev.Size())
		if !ok {
			return 0, false
		}
		g, ok = g.AddLength(minGap)
		if !ok {
			return 0, false
		}
		gapBeg = g
	} else {
		gapBeg = r.base
	}

	if next != nil {
		if gapBeg == next.Base() {
			// No gap between neighbors.
			return 0, false
		}
		if next.Base() == 0 || uint64(next.Base()-1) < minGap {
			return 0, false
		}
		gapEnd = next.Base() - 1 - hostarch.Addr(minGap)
	} else {
		if uint64(gapBeg-r.base) == r.size {
			// No gap at the end of the region; it is exhausted, not
			// infinite.
			return 0, false
		}
		g, ok := r.base.AddLength(r.size - 1)
		if !ok {
			return 0, false
		}
		gapEnd = g
	}

	// Trim to the search range.
	if gapEnd <= searchBase {
		return 0, false
	}
	if gapBeg < searchBase {
		gapBeg = searchBase
	}

	prevFlags := MMUInvalid
	if pm, ok := prev.(*Mapping); ok {
		prevFlags = pm.mmuFlags
	}
	nextFlags := MMUInvalid
	if nm, ok := next.(*Mapping); ok {
		nextFlags = nm.mmuFlags
	}

	pva := r.aspace.arch.PickSpot(gapBeg, prevFlags, gapEnd, nextFlags, align, regionSize, mmuFlags)
	if pva < gapBeg {
		// Address wrapped around.
		return 0, false
	}
	if pva < gapEnd && uint64(gapEnd-pva)+1 >= regionSize {
		return pva, true
	}
	return 0, false
}
