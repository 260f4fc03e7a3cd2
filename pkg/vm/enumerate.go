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
	"github.com/sirupsen/logrus"
)

// EnumerateChildren walks the region's subtree depth-first in ascending
// address order, invoking e for every node. startDepth is reported for
// the region's immediate children. It returns false if the enumerator
// stopped the walk.
//
// The walk runs under the address space lock. Callbacks may destroy the
// node they were handed; the walk resumes at the following sibling.
func (r *Region) EnumerateChildren(e Enumerator, startDepth uint) bool {
	as := r.aspace
	as.mu.Lock()
	defer as.mu.Unlock()
	if r.state != stateAlive {
		return false
	}
	return r.enumerateChildrenLocked(e, startDepth)
}

// enumerateChildrenLocked implements EnumerateChildren without recursion:
// the walk descends into non-empty sub-regions and, on reaching the right
// edge of a subtree, ascends through parent levels until a following
// sibling exists, terminating when ascent exhausts the origin's own
// level. The explicit cursor bounds stack usage regardless of hierarchy
// depth, which is caller-controlled.
//
// Preconditions: the address space lock is held.
func (r *Region) enumerateChildrenLocked(e Enumerator, depth uint) bool {
	minDepth := depth
	scope := r
	itr := scope.children.first()
	for itr != nil {
		curr := itr
		currBase := curr.Base()
		up := curr.node().parent

		// Advance before the callback; it may destroy curr.
		itr = scope.children.upperBound(currBase)

		switch c := curr.(type) {
		case *Mapping:
			if !e.OnMapping(c, scope, depth) {
				return false
			}
		case *Region:
			if !e.OnRegion(c, depth) {
				return false
			}
			if !c.children.isEmpty() {
				scope = c
				itr = c.children.first()
				depth++
				continue
			}
		}

		if depth > minDepth && itr == nil {
			// Right edge of a subtree: ascend until a following sibling
			// exists or the origin's level is exhausted.
			for {
				itr = up.children.upperBound(currBase)
				if itr != nil {
					scope = up
					break
				}
				if depth == minDepth {
					break
				}
				depth--
				up = up.parent
			}
			if itr == nil {
				break
			}
		}
	}
	return true
}

// pageCounter sums attributed pages across a subtree.
type pageCounter struct {
	total uint64
}

func (pc *pageCounter) OnRegion(r *Region, depth uint) bool { return true }

func (pc *pageCounter) OnMapping(m *Mapping, parent *Region, depth uint) bool {
	pc.total += m.allocatedPagesLocked()
	return true
}

// allocatedPagesLocked implements Child.allocatedPagesLocked, summing the
// page accounting of all mappings in the subtree. A region that is not
// alive reports 0.
func (r *Region) allocatedPagesLocked() uint64 {
	if r.state != stateAlive {
		return 0
	}
	var pc pageCounter
	r.enumerateChildrenLocked(&pc, 0)
	return pc.total
}

// dumpEnumerator logs one line per node, indented by depth.
type dumpEnumerator struct {
	log     *logrus.Entry
	verbose bool
}

func (d *dumpEnumerator) OnRegion(r *Region, depth uint) bool {
	d.log.Debugf("%*svmar [%#x %#x] sz %#x '%s'", 2*int(depth), "", uintptr(r.base), uintptr(r.endByte()), r.size, r.name)
	return true
}

func (d *dumpEnumerator) OnMapping(m *Mapping, parent *Region, depth uint) bool {
	if d.verbose {
		d.log.Debugf("%*smap [%#x %#x] sz %#x mmu %#x off %#x obj '%s' '%s'", 2*int(depth), "", uintptr(m.base), uintptr(m.endByte()), m.size, uint32(m.mmuFlags), m.objectOffset, m.object.Name(), m.name)
		return true
	}
	d.log.Debugf("%*smap [%#x %#x] sz %#x '%s'", 2*int(depth), "", uintptr(m.base), uintptr(m.endByte()), m.size, m.name)
	return true
}

// Dump logs the region's subtree at debug level, one line per node.
func (r *Region) Dump(verbose bool) {
	as := r.aspace
	as.mu.Lock()
	defer as.mu.Unlock()
	if r.state != stateAlive {
		return
	}
	d := &dumpEnumerator{log: as.log, verbose: verbose}
	d.OnRegion(r, 0)
	r.enumerateChildrenLocked(d, 1)
}
