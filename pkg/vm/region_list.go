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
	"github.com/google/btree"

	"github.com/TrellixVulnTeam/fuchisa-os-ST19/pkg/errors/zxerr"
	"github.com/TrellixVulnTeam/fuchisa-os-ST19/pkg/hostarch"
)

// treeEntry keys a child by its base address. Probe entries with a nil
// child are used as search pivots.
type treeEntry struct {
	base  hostarch.Addr
	child Child
}

// regionList maintains the ordered, disjoint set of a region's immediate
// children and answers interval queries in O(log n). All methods require
// the address space lock.
type regionList struct {
	tree *btree.BTreeG[treeEntry]
}

func newRegionList() *regionList {
	return &regionList{
		tree: btree.NewG(8, func(a, b treeEntry) bool { return a.base < b.base }),
	}
}

func (rl *regionList) isEmpty() bool {
	return rl.tree.Len() == 0
}

func (rl *regionList) length() int {
	return rl.tree.Len()
}

// insert adds c. Overlap with an existing child is an internal
// consistency failure: callers validate availability first.
func (rl *regionList) insert(c Child) {
	if !rl.isRangeAvailable(c.Base(), c.Size()) {
		panic("vm: inserting child overlapping an existing child")
	}
	rl.tree.ReplaceOrInsert(treeEntry{base: c.Base(), child: c})
}

// remove removes the child with c's base address.
func (rl *regionList) remove(c Child) {
	if _, ok := rl.tree.Delete(treeEntry{base: c.Base()}); !ok {
		panic("vm: removing child not present in tree")
	}
}

// first returns the lowest-addressed child, or nil.
func (rl *regionList) first() Child {
	if e, ok := rl.tree.Min(); ok {
		return e.child
	}
	return nil
}

// findCovering returns the child whose range contains addr, or nil.
func (rl *regionList) findCovering(addr hostarch.Addr) Child {
	var c Child
	rl.tree.DescendLessOrEqual(treeEntry{base: addr}, func(e treeEntry) bool {
		if uint64(addr-e.base) < e.child.Size() {
			c = e.child
		}
		return false
	})
	return c
}

// lowerBound returns the first child with base >= addr, or nil.
func (rl *regionList) lowerBound(addr hostarch.Addr) Child {
	var c Child
	rl.tree.AscendGreaterOrEqual(treeEntry{base: addr}, func(e treeEntry) bool {
		c = e.child
		return false
	})
	return c
}

// upperBound returns the first child with base > addr, or nil.
func (rl *regionList) upperBound(addr hostarch.Addr) Child {
	var c Child
	rl.tree.AscendGreaterOrEqual(treeEntry{base: addr}, func(e treeEntry) bool {
		if e.base == addr {
			return true
		}
		c = e.child
		return false
	})
	return c
}

// lowerEqual returns the last child with base <= addr, or nil.
func (rl *regionList) lowerEqual(addr hostarch.Addr) Child {
	var c Child
	rl.tree.DescendLessOrEqual(treeEntry{base: addr}, func(e treeEntry) bool {
		c = e.child
		return false
	})
	return c
}

// includeOrHigher returns the child containing addr if one exists,
// otherwise the first child above addr, or nil.
func (rl *regionList) includeOrHigher(addr hostarch.Addr) Child {
	if c := rl.findCovering(addr); c != nil {
		return c
	}
	return rl.lowerBound(addr)
}

// neighbors returns the children bracketing lastByte: the last child with
// base <= lastByte and the first child with base > lastByte. Either may
// be nil.
func (rl *regionList) neighbors(lastByte hostarch.Addr) (before, after Child) {
	before = rl.lowerEqual(lastByte)
	after = rl.upperBound(lastByte)
	return
}

// isRangeAvailable returns true iff no existing child intersects
// [base, base+size).
func (rl *regionList) isRangeAvailable(base hostarch.Addr, size uint64) bool {
	if size == 0 {
		return false
	}
	lastByte, ok := base.AddLength(size - 1)
	if !ok {
		return false
	}
	c := rl.includeOrHigher(base)
	return c == nil || c.Base() > lastByte
}

// forEachGap invokes f for each nonempty gap between children (and
// between children and the [parentBase, parentBase+parentSize) boundary),
// in ascending order, passing the gap's first and last byte. Iteration
// stops early if f returns false.
//
// Preconditions: parentSize > 0. The tree must not be mutated by f.
func (rl *regionList) forEachGap(parentBase hostarch.Addr, parentSize uint64, f func(gapBase, gapLastByte hostarch.Addr) bool) {
	nextGapBase := parentBase
	stopped := false
	exhausted := false
	rl.tree.Ascend(func(e treeEntry) bool {
		if e.base > nextGapBase {
			if !f(nextGapBase, e.base-1) {
				stopped = true
				return false
			}
		}
		end, ok := e.base.AddLength(e.child.Size())
		if !ok {
			// The child ends at the top of the address space; there can
			// be no further gap.
			exhausted = true
			return false
		}
		nextGapBase = end
		return true
	})
	if stopped || exhausted {
		return
	}
	parentLast := parentBase + hostarch.Addr(parentSize-1)
	if nextGapBase <= parentLast {
		f(nextGapBase, parentLast)
	}
}

// candidateCount returns the number of align-aligned, size-byte positions
// in the gap [gapBase, gapLastByte] whose span also ends below
// upperLimit.
func candidateCount(gapBase, gapLastByte hostarch.Addr, align, size uint64, upperLimit hostarch.Addr) uint64 {
	if upperLimit == 0 {
		return 0
	}
	if maxLast := upperLimit - 1; gapLastByte > maxLast {
		gapLastByte = maxLast
	}
	alignedBase, ok := gapBase.AlignUp(align)
	if !ok || alignedBase > gapLastByte {
		return 0
	}
	avail := uint64(gapLastByte-alignedBase) + 1
	if avail < size {
		return 0
	}
	return (avail-size)/align + 1
}

// getAllocSpot picks a base address for a size-byte, align-aligned child.
// The feasible positions are the leftmost candidates of each gap, capped
// at 1<<entropy positions in total; with a non-nil prng the position is
// drawn uniformly from that set, otherwise the leftmost position is used.
// upperLimit is an exclusive bound on the end of the child's span.
func (rl *regionList) getAllocSpot(align uint64, entropy uint8, size uint64, parentBase hostarch.Addr, parentSize uint64, prng Prng, upperLimit hostarch.Addr) (hostarch.Addr, error) {
	if entropy > 62 {
		entropy = 62
	}
	maxCandidates := uint64(1) << entropy

	var total uint64
	rl.forEachGap(parentBase, parentSize, func(gapBase, gapLastByte hostarch.Addr) bool {
		total += candidateCount(gapBase, gapLastByte, align, size, upperLimit)
		if prng == nil && total > 0 {
			// Leftmost fit; no need to keep counting.
			return false
		}
		if total >= maxCandidates {
			total = maxCandidates
			return false
		}
		return true
	})
	if total == 0 {
		return 0, zxerr.ErrNoMemory
	}

	var index uint64
	if prng != nil {
		index = prng.Uint64n(total)
	}

	var spot hostarch.Addr
	found := false
	rl.forEachGap(parentBase, parentSize, func(gapBase, gapLastByte hostarch.Addr) bool {
		n := candidateCount(gapBase, gapLastByte, align, size, upperLimit)
		if index < n {
			alignedBase, _ := gapBase.AlignUp(align)
			spot = alignedBase + hostarch.Addr(index*align)
			found = true
			return false
		}
		index -= n
		return true
	})
	if !found {
		panic("vm: allocator candidate accounting out of sync")
	}
	return spot, nil
}
