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

	"github.com/TrellixVulnTeam/fuchisa-os-ST19/pkg/errors/zxerr"
	"github.com/TrellixVulnTeam/fuchisa-os-ST19/pkg/hostarch"
)

// Region is an interior node of the hierarchy: a named, capability-scoped
// sub-range of address space containing further regions and mappings, but
// never itself directly mapped.
type Region struct {
	nodeBase

	// children is the ordered set of immediate children, keyed by base
	// address. Guarded by the address space lock.
	children *regionList
}

// subRegionAllowedFlags are the flags CreateSubRegion accepts.
const subRegionAllowedFlags = FlagSpecific | FlagCanMapSpecific | FlagCompact | FlagCanRWX | FlagOffsetIsUpperLimit

// mappingAllowedFlags are the flags CreateMapping accepts.
const mappingAllowedFlags = FlagSpecific | FlagSpecificOverwrite | FlagCanRWX | FlagOffsetIsUpperLimit

// HasParent returns true if the region is attached below another region.
func (r *Region) HasParent() bool {
	r.aspace.mu.Lock()
	defer r.aspace.mu.Unlock()
	return r.parent != nil
}

// CreateSubRegion creates and activates a child region of the given size.
// offset is interpreted according to flags: an exact placement for
// FlagSpecific, an exclusive upper bound for FlagOffsetIsUpperLimit, and
// otherwise it must be zero and the gap allocator chooses the position.
// alignPow2, if nonzero, is the binary log of the required alignment.
func (r *Region) CreateSubRegion(offset, size uint64, alignPow2 uint8, flags Flags, name string) (*Region, error) {
	if !hostarch.IsPageAlignedLength(size) {
		return nil, zxerr.ErrInvalidArgs
	}
	if flags&^subRegionAllowedFlags != 0 {
		return nil, zxerr.ErrInvalidArgs
	}
	child, err := r.createChildInternal(offset, size, alignPow2, flags, nil, 0, MMUInvalid, name)
	if err != nil {
		return nil, err
	}
	return child.(*Region), nil
}

// CreateMapping creates and activates a mapping of obj at objOffset with
// the given MMU flags. Placement follows the same rules as
// CreateSubRegion. size is rounded up to a page multiple. If the
// permission bits include read, write or execute, the corresponding
// CanMap capability is granted so a later Protect may re-request that
// permission.
func (r *Region) CreateMapping(offset, size uint64, alignPow2 uint8, flags Flags, obj Object, objOffset uint64, mmuFlags MMUFlags, name string) (*Mapping, error) {
	if obj == nil {
		return nil, zxerr.ErrInvalidArgs
	}
	if flags&^mappingAllowedFlags != 0 {
		return nil, zxerr.ErrInvalidArgs
	}
	if !mmuFlags.Valid() {
		return nil, zxerr.ErrInvalidArgs
	}
	if !r.isValidMappingFlags(mmuFlags) {
		return nil, zxerr.ErrAccessDenied
	}
	size, ok := hostarch.RoundUpLength(size)
	if !ok {
		return nil, zxerr.ErrInvalidArgs
	}
	if !hostarch.IsPageAlignedLength(objOffset) || objOffset+size < objOffset {
		return nil, zxerr.ErrInvalidArgs
	}
	if mmuFlags&MMUPermRead != 0 {
		flags |= FlagCanMapRead
	}
	if mmuFlags&MMUPermWrite != 0 {
		flags |= FlagCanMapWrite
	}
	if mmuFlags&MMUPermExecute != 0 {
		flags |= FlagCanMapExecute
	}
	child, err := r.createChildInternal(offset, size, alignPow2, flags, obj, objOffset, mmuFlags, name)
	if err != nil {
		return nil, err
	}
	return child.(*Mapping), nil
}

// createChildInternal validates placement, picks a base, and activates a
// new child. obj == nil creates a Region, otherwise a Mapping.
func (r *Region) createChildInternal(offset, size uint64, alignPow2 uint8, flags Flags, obj Object, objOffset uint64, mmuFlags MMUFlags, name string) (Child, error) {
	as := r.aspace
	as.mu.Lock()
	defer as.mu.Unlock()

	if r.state != stateAlive {
		return nil, zxerr.ErrBadState
	}
	if size == 0 {
		return nil, zxerr.ErrInvalidArgs
	}

	// Check if there are any capability bits the child would have that
	// this region does not.
	if flags&^r.flags&FlagCanRWX != 0 {
		return nil, zxerr.ErrAccessDenied
	}

	isSpecificOverwrite := flags&FlagSpecificOverwrite != 0
	isSpecific := flags&FlagSpecific != 0 || isSpecificOverwrite
	isUpperLimit := flags&FlagOffsetIsUpperLimit != 0
	if isSpecific && isUpperLimit {
		return nil, zxerr.ErrInvalidArgs
	}
	if !isSpecific && !isUpperLimit && offset != 0 {
		return nil, zxerr.ErrInvalidArgs
	}
	if !hostarch.IsPageAlignedLength(offset) {
		return nil, zxerr.ErrInvalidArgs
	}

	if obj != nil {
		// The backing object's cache policy wins over cache policy bits
		// in the requested flags; a mismatch is a kernel bug somewhere
		// upstream, so warn but proceed.
		policy := CachePolicyFlags(obj.CachePolicy())
		if cur := mmuFlags & MMUCacheMask; cur != 0 && cur != policy {
			as.log.WithFields(logrus.Fields{
				"mapping":       name,
				"object_policy": policy.MemoryType(),
				"mmu_flags":     cur.MemoryType(),
			}).Warn("mapping has conflicting cache policies")
		}
		mmuFlags = mmuFlags&^MMUCacheMask | policy
	}

	if (isSpecific || isUpperLimit) && r.flags&FlagCanMapSpecific == 0 {
		return nil, zxerr.ErrAccessDenied
	}

	if !isUpperLimit && (offset >= r.size || size > r.size-offset) {
		return nil, zxerr.ErrInvalidArgs
	}
	if isUpperLimit && (offset > r.size || size > r.size || size > offset) {
		return nil, zxerr.ErrInvalidArgs
	}

	var newBase hostarch.Addr
	if isSpecific {
		// offset <= r.size - 1, so this cannot overflow.
		newBase = r.base + hostarch.Addr(offset)
		if alignPow2 > 0 && uint64(newBase)&(1<<alignPow2-1) != 0 {
			return nil, zxerr.ErrInvalidArgs
		}
		if !r.children.isRangeAvailable(newBase, size) {
			if isSpecificOverwrite {
				return r.overwriteMappingLocked(newBase, size, flags, obj, objOffset, mmuFlags, name)
			}
			return nil, zxerr.ErrNoMemory
		}
	} else {
		upperLimit := ^hostarch.Addr(0)
		if isUpperLimit {
			upperLimit = r.base + hostarch.Addr(offset)
		}
		spot, err := r.allocSpotLocked(size, alignPow2, mmuFlags, upperLimit)
		if err != nil {
			return nil, err
		}
		newBase = spot
	}

	if obj == nil {
		sub := &Region{
			nodeBase: nodeBase{
				aspace: as,
				parent: r,
				base:   newBase,
				size:   size,
				flags:  flags,
				name:   truncateName(name),
				state:  stateNotReady,
			},
			children: newRegionList(),
		}
		sub.activateLocked()
		return sub, nil
	}

	// An upper-limit placement maps the object from its start.
	if isUpperLimit {
		objOffset = 0
	}
	m := &Mapping{
		nodeBase: nodeBase{
			aspace: as,
			parent: r,
			base:   newBase,
			size:   size,
			flags:  flags,
			name:   truncateName(name),
			state:  stateNotReady,
		},
		object:       obj,
		objectOffset: objOffset,
		mmuFlags:     mmuFlags,
	}
	if err := as.adoptImageCodeMappingLocked(m, objOffset, size); err != nil {
		return nil, err
	}
	m.activateLocked()
	return m, nil
}

// checkImageCodeMappingLocked enforces the single-instance rule for
// executable mappings of the system image: only one per address space,
// and only within the image's declared code range. adopt reports whether
// m is subject to the rule at all; it is false for mappings of other
// objects and non-executable mappings of the image.
//
// Preconditions: the address space lock is held.
func (as *AddressSpace) checkImageCodeMappingLocked(m *Mapping, objOffset, size uint64) (adopt bool, err error) {
	if as.image == nil || m.mmuFlags&MMUPermExecute == 0 || !as.image.Contains(m.object) {
		return false, nil
	}
	if as.vdsoCode != nil || !as.image.ValidCodeRange(objOffset, size) {
		return false, zxerr.ErrAccessDenied
	}
	return true, nil
}

// adoptImageCodeMappingLocked records m as the address space's image code
// mapping if it qualifies.
//
// Preconditions: the address space lock is held. m is not yet activated.
func (as *AddressSpace) adoptImageCodeMappingLocked(m *Mapping, objOffset, size uint64) error {
	adopt, err := as.checkImageCodeMappingLocked(m, objOffset, size)
	if err != nil {
		return err
	}
	if adopt {
		as.vdsoCode = m
	}
	return nil
}

// overwriteMappingLocked replaces whatever occupies [base, base+size)
// with a new mapping: the conflicting span is unmapped first, then the
// new mapping is activated.
//
// Preconditions: the address space lock is held. obj != nil.
func (r *Region) overwriteMappingLocked(base hostarch.Addr, size uint64, flags Flags, obj Object, objOffset uint64, mmuFlags MMUFlags, name string) (Child, error) {
	m := &Mapping{
		nodeBase: nodeBase{
			aspace: r.aspace,
			parent: r,
			base:   base,
			size:   size,
			flags:  flags,
			name:   truncateName(name),
			state:  stateNotReady,
		},
		object:       obj,
		objectOffset: objOffset,
		mmuFlags:     mmuFlags,
	}
	// Validate image-code eligibility before touching the conflicting
	// span, so a doomed request does not tear anything down.
	if _, err := r.aspace.checkImageCodeMappingLocked(m, objOffset, size); err != nil {
		return nil, err
	}
	if err := r.unmapInternalLocked(base, size, false /* canDestroyRegions */, false /* allowPartial */); err != nil {
		return nil, err
	}
	// The unmap cannot have changed the code-mapping slot: a span
	// intersecting the established code mapping is rejected inside it.
	if err := r.aspace.adoptImageCodeMappingLocked(m, objOffset, size); err != nil {
		return nil, err
	}
	m.activateLocked()
	return m, nil
}

// activateLocked transitions the region from NOT_READY to ALIVE and
// inserts it into its parent's tree.
//
// Preconditions: the address space lock is held. r.state == NOT_READY.
func (r *Region) activateLocked() {
	if r.state != stateNotReady {
		panic("vm: activating node not in NOT_READY state")
	}
	r.state = stateAlive
	r.parent.children.insert(r)
}

// Destroy tears down the region's entire subtree, unmapping all mappings,
// and detaches the region from its parent. If a child fails to destroy,
// the operation stops there: already-destroyed children stay destroyed,
// the region itself stays alive, and a retry can resume.
func (r *Region) Destroy() error {
	as := r.aspace
	as.mu.Lock()
	defer as.mu.Unlock()
	if r.state != stateAlive {
		return zxerr.ErrBadState
	}
	return r.destroyLocked()
}

// destroyLocked implements Destroy. It is iterative rather than
// recursive: hierarchy depth is caller-controlled, so the call stack must
// not scale with it. At each level all mappings are destroyed first, then
// the walk descends into the first remaining sub-region; a node whose
// children are all gone is unlinked and the walk resumes at its parent.
//
// Preconditions: the address space lock is held.
func (r *Region) destroyLocked() error {
	cur := r
	for cur != nil {
		var childRegion *Region
		for !cur.children.isEmpty() && childRegion == nil {
			switch child := cur.children.first().(type) {
			case *Mapping:
				// Success removes the mapping from cur's tree.
				if err := child.destroyLocked(); err != nil {
					return err
				}
			case *Region:
				childRegion = child
			}
		}

		if childRegion != nil {
			cur = childRegion
			continue
		}

		// All children are destroyed; destroy the current node. Removal
		// from the parent tree and clearing the back-pointer are a
		// single step under the lock.
		parent := cur.parent
		if parent != nil {
			parent.children.remove(cur)
			cur.parent = nil
		}
		cur.state = stateDead

		if cur == r {
			cur = nil
		} else {
			cur = parent
		}
	}
	return nil
}

// FindRegion returns the immediate child whose range contains addr, or
// nil if the address is not covered or the region is not alive.
func (r *Region) FindRegion(addr hostarch.Addr) Child {
	as := r.aspace
	as.mu.Lock()
	defer as.mu.Unlock()
	if r.state != stateAlive {
		return nil
	}
	return r.children.findCovering(addr)
}

// AllocatedPages returns the number of physical pages attributed to
// mappings in this region's subtree.
func (r *Region) AllocatedPages() uint64 {
	as := r.aspace
	as.mu.Lock()
	defer as.mu.Unlock()
	return r.allocatedPagesLocked()
}

// pageFaultLocked descends by point lookup to the mapping covering addr
// and delegates fault resolution to it.
//
// Preconditions: the address space lock is held.
func (r *Region) pageFaultLocked(addr hostarch.Addr, access MMUFlags, req *PageRequest) error {
	cur := r
	for {
		next := cur.children.findCovering(addr)
		if next == nil {
			return zxerr.ErrNotFound
		}
		switch c := next.(type) {
		case *Mapping:
			return c.pageFaultLocked(addr, access, req)
		case *Region:
			cur = c
		}
	}
}

// Unmap removes all mappings in [base, base+size). size is rounded up to
// a page multiple. Sub-regions in the span must either be fully covered,
// in which case they are destroyed wholesale, or untouched; a partially
// covered sub-region fails the whole operation. Mappings may be partially
// covered and are shrunk in place.
func (r *Region) Unmap(base hostarch.Addr, size uint64) error {
	size, ok := hostarch.RoundUpLength(size)
	if !ok || size == 0 || !base.IsPageAligned() {
		return zxerr.ErrInvalidArgs
	}
	as := r.aspace
	as.mu.Lock()
	defer as.mu.Unlock()
	if r.state != stateAlive {
		return zxerr.ErrBadState
	}
	return r.unmapInternalLocked(base, size, true /* canDestroyRegions */, false /* allowPartial */)
}

// UnmapAllowPartial is Unmap, except that a partially covered sub-region
// does not fail the operation: the walk descends into it and unmaps the
// covered part of its contents, ascending back to siblings when a
// subtree is exhausted.
func (r *Region) UnmapAllowPartial(base hostarch.Addr, size uint64) error {
	size, ok := hostarch.RoundUpLength(size)
	if !ok || size == 0 || !base.IsPageAligned() {
		return zxerr.ErrInvalidArgs
	}
	as := r.aspace
	as.mu.Lock()
	defer as.mu.Unlock()
	if r.state != stateAlive {
		return zxerr.ErrBadState
	}
	return r.unmapInternalLocked(base, size, true /* canDestroyRegions */, true /* allowPartial */)
}

// unmapInternalLocked implements Unmap and UnmapAllowPartial.
//
// Preconditions: the address space lock is held. size > 0 and base and
// size are page-aligned.
func (r *Region) unmapInternalLocked(base hostarch.Addr, size uint64, canDestroyRegions, allowPartial bool) error {
	if !r.isInRange(base, size) {
		return zxerr.ErrInvalidArgs
	}
	if r.children.isEmpty() {
		return nil
	}

	endByte, ok := base.AddLength(size - 1)
	if !ok {
		return zxerr.ErrInvalidArgs
	}

	// Any unmap spanning the system image code mapping is verboten.
	if r.aspace.intersectsVdsoCodeLocked(base, endByte) {
		return zxerr.ErrAccessDenied
	}

	if !allowPartial {
		// Bail if the span partially covers a sub-region, or covers one
		// at all when regions may not be destroyed.
		for c := r.children.includeOrHigher(base); c != nil && c.Base() <= endByte; c = r.children.upperBound(c.Base()) {
			if _, isRegion := c.(*Region); isRegion {
				if !canDestroyRegions || c.Base() < base || c.node().endByte() > endByte {
					return zxerr.ErrInvalidArgs
				}
			}
		}
	}

	atTop := true
	scope := r
	itr := scope.children.includeOrHigher(base)
	for itr != nil && itr.Base() <= endByte {
		curr := itr
		currBase := curr.Base()
		up := curr.node().parent

		// Advance before mutating; curr may not survive this iteration.
		itr = scope.children.upperBound(currBase)

		switch c := curr.(type) {
		case *Mapping:
			currEnd := c.endByte()
			unmapBase := max(currBase, base)
			unmapEnd := min(currEnd, endByte)
			unmapSize := uint64(unmapEnd-unmapBase) + 1
			if unmapBase == c.base && unmapSize == c.size {
				if err := c.destroyLocked(); err != nil {
					return err
				}
			} else {
				// A mapping unmap can only fail in the arch layer; the
				// error is surfaced without rolling back siblings.
				if err := c.unmapLocked(unmapBase, unmapSize); err != nil {
					return err
				}
			}
		case *Region:
			if allowPartial {
				if !c.children.isEmpty() {
					scope = c
					itr = c.children.includeOrHigher(base)
					atTop = false
				}
			} else if currBase >= base && c.endByte() <= endByte {
				// Fully covered; the pre-check guaranteed destruction is
				// permitted.
				if err := c.destroyLocked(); err != nil {
					return err
				}
			}
		}

		if allowPartial && !atTop && (itr == nil || itr.Base() > endByte) {
			// Right edge of a subtree: ascend until a sibling remains.
			var next Child
			for {
				next = up.children.upperBound(currBase)
				if next != nil {
					scope = up
					break
				}
				if up == r {
					break
				}
				up = up.parent
			}
			if next == nil {
				break
			}
			atTop = scope == r
			itr = next
		}
	}

	return nil
}

// Protect changes the MMU permissions of [base, base+size), which must be
// contiguously and exclusively covered by mappings: a sub-region in the
// span is ErrInvalidArgs and an unmapped hole is ErrNotFound. Every
// covered mapping must allow the requested permissions. The change is
// applied mapping by mapping; a failure partway is returned without
// rolling back mappings already changed.
func (r *Region) Protect(base hostarch.Addr, size uint64, newFlags MMUFlags) error {
	size, ok := hostarch.RoundUpLength(size)
	if !ok || size == 0 || !base.IsPageAligned() {
		return zxerr.ErrInvalidArgs
	}
	as := r.aspace
	as.mu.Lock()
	defer as.mu.Unlock()
	if r.state != stateAlive {
		return zxerr.ErrBadState
	}
	if !r.isInRange(base, size) {
		return zxerr.ErrInvalidArgs
	}
	if r.children.isEmpty() {
		return zxerr.ErrNotFound
	}

	endByte, ok2 := base.AddLength(size - 1)
	if !ok2 {
		return zxerr.ErrInvalidArgs
	}

	// The child covering base, if any, is the last one with base at or
	// below it.
	begin := r.children.lowerEqual(base)
	if begin == nil || uint64(base-begin.Base()) >= begin.Size() {
		return zxerr.ErrNotFound
	}

	// Validation pass: only mappings, no holes, permissions allowed, and
	// hands off the system image code mapping.
	lastMappedByte := begin.Base()
	if begin.Base() != 0 {
		lastMappedByte--
	}
	for c := begin; c != nil && c.Base() <= endByte; c = r.children.upperBound(c.Base()) {
		m, isMapping := c.(*Mapping)
		if !isMapping {
			return zxerr.ErrInvalidArgs
		}
		if c.Base() != lastMappedByte+1 {
			return zxerr.ErrNotFound
		}
		if !c.node().isValidMappingFlags(newFlags) {
			return zxerr.ErrAccessDenied
		}
		if m == as.vdsoCode {
			return zxerr.ErrAccessDenied
		}
		lastMappedByte = c.node().endByte()
	}
	if lastMappedByte < endByte {
		return zxerr.ErrNotFound
	}

	// Apply pass. protectLocked may split the current mapping; the
	// successor is captured first so newly created pieces, which already
	// carry the right flags, are not revisited.
	for c := begin; c != nil && c.Base() <= endByte; {
		next := r.children.upperBound(c.Base())
		m := c.(*Mapping)
		protectBase := max(m.base, base)
		protectEnd := min(m.endByte(), endByte)
		protectSize := uint64(protectEnd-protectBase) + 1
		if err := m.protectLocked(protectBase, protectSize, newFlags); err != nil {
			return err
		}
		c = next
	}
	return nil
}

// RangeOp dispatches op over [base, base+size), which must be exactly and
// contiguously covered by mappings: a hole at the start, middle, or end,
// or any sub-region in the span, is ErrBadState. size is rounded up to a
// page multiple.
func (r *Region) RangeOp(op RangeOpType, base hostarch.Addr, size uint64) error {
	size, ok := hostarch.RoundUpLength(size)
	if !ok || size == 0 || !base.IsPageAligned() {
		return zxerr.ErrInvalidArgs
	}
	as := r.aspace
	as.mu.Lock()
	defer as.mu.Unlock()
	if r.state != stateAlive {
		return zxerr.ErrBadState
	}
	if !r.isInRange(base, size) {
		return zxerr.ErrOutOfRange
	}
	if r.children.isEmpty() {
		return zxerr.ErrBadState
	}

	endByte, ok2 := base.AddLength(size - 1)
	if !ok2 {
		return zxerr.ErrInvalidArgs
	}
	if as.intersectsVdsoCodeLocked(base, endByte) {
		return zxerr.ErrAccessDenied
	}

	cursor := base
	var opEndByte hostarch.Addr
	for c := r.children.includeOrHigher(base); c != nil && c.Base() <= endByte; c = r.children.upperBound(c.Base()) {
		m, isMapping := c.(*Mapping)
		if !isMapping {
			return zxerr.ErrBadState
		}
		// The span must not include unmapped holes.
		if cursor < m.base {
			return zxerr.ErrBadState
		}
		opEndByte = min(m.endByte(), endByte)
		opOffset := uint64(cursor-m.base) + m.objectOffset
		opSize := uint64(opEndByte-cursor) + 1

		switch op {
		case RangeOpDecommit:
			// Decommit zeroes pages of the object, equivalent to writing
			// to it; the mapping must be writable or writable-capable.
			if !m.isValidMappingFlags(MMUPermWrite) {
				return zxerr.ErrAccessDenied
			}
			if err := m.object.DecommitRange(opOffset, opSize); err != nil {
				return err
			}
		case RangeOpMapRange:
			if err := m.mapRangeLocked(opOffset, opSize); err != nil {
				return err
			}
		default:
			return zxerr.ErrNotSupported
		}

		next, ok3 := opEndByte.AddLength(1)
		if !ok3 {
			break
		}
		cursor = next
	}

	// The span must not end in an unmapped hole.
	if opEndByte != endByte {
		return zxerr.ErrBadState
	}
	return nil
}

// ReserveSpace claims [base, base+size), already live in the page tables
// from early boot, as a mapping of obj, then applies mmuFlags to it. The
// region must permit specific placement and RWX-capable children.
func (r *Region) ReserveSpace(name string, obj Object, base hostarch.Addr, size uint64, mmuFlags MMUFlags) error {
	if !r.isInRange(base, size) {
		return zxerr.ErrInvalidArgs
	}
	offset := uint64(base - r.base)
	// Map permissively so the later Protect really rewrites the
	// translation flags.
	m, err := r.CreateMapping(offset, size, 0, FlagSpecific, obj, 0, MMUPermRead|MMUPermWrite|MMUPermExecute, name)
	if err != nil {
		return err
	}
	return m.Protect(base, size, mmuFlags)
}
