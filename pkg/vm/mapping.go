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
	"github.com/TrellixVulnTeam/fuchisa-os-ST19/pkg/errors/zxerr"
	"github.com/TrellixVulnTeam/fuchisa-os-ST19/pkg/hostarch"
)

// Mapping is a leaf node binding a contiguous range of address space to a
// backing Object at some offset, with concrete MMU permission flags.
type Mapping struct {
	nodeBase

	object       Object
	objectOffset uint64

	// mmuFlags are the currently active permissions and cache policy.
	// Guarded by the address space lock; protect operations change it.
	mmuFlags MMUFlags

	// mergeable marks the mapping as a candidate for transparent merging
	// with an adjacent mapping. Mappings are created non-mergeable.
	mergeable bool
}

// Object returns the backing object.
func (m *Mapping) Object() Object { return m.object }

// ObjectOffset returns the offset into the backing object at which the
// mapping begins.
func (m *Mapping) ObjectOffset() uint64 {
	m.aspace.mu.Lock()
	defer m.aspace.mu.Unlock()
	return m.objectOffset
}

// MMUFlags returns the mapping's current MMU flags.
func (m *Mapping) MMUFlags() MMUFlags {
	m.aspace.mu.Lock()
	defer m.aspace.mu.Unlock()
	return m.mmuFlags
}

// Mergeable returns true if the mapping may be transparently merged with
// an adjacent mapping.
func (m *Mapping) Mergeable() bool { return m.mergeable }

// activateLocked transitions the mapping from NOT_READY to ALIVE and
// inserts it into its parent's tree.
//
// Preconditions: the address space lock is held. m.state == NOT_READY.
func (m *Mapping) activateLocked() {
	if m.state != stateNotReady {
		panic("vm: activating node not in NOT_READY state")
	}
	m.state = stateAlive
	m.parent.children.insert(m)
}

// Destroy unmaps the mapping's whole extent and detaches it from its
// parent.
func (m *Mapping) Destroy() error {
	as := m.aspace
	as.mu.Lock()
	defer as.mu.Unlock()
	if m.state != stateAlive {
		return zxerr.ErrBadState
	}
	return m.destroyLocked()
}

// destroyLocked implements Destroy.
//
// Preconditions: the address space lock is held.
func (m *Mapping) destroyLocked() error {
	if err := m.aspace.arch.Unmap(m.base, m.size); err != nil {
		return err
	}
	if m.parent != nil {
		m.parent.children.remove(m)
		m.parent = nil
	}
	m.state = stateDead
	if m.aspace.vdsoCode == m {
		m.aspace.vdsoCode = nil
	}
	return nil
}

// Unmap removes [base, base+size) from the mapping. Removing the whole
// extent destroys the mapping; removing an edge shrinks it; removing
// from the middle splits it around the hole.
func (m *Mapping) Unmap(base hostarch.Addr, size uint64) error {
	size, ok := hostarch.RoundUpLength(size)
	if !ok || size == 0 || !base.IsPageAligned() {
		return zxerr.ErrInvalidArgs
	}
	as := m.aspace
	as.mu.Lock()
	defer as.mu.Unlock()
	if m.state != stateAlive {
		return zxerr.ErrBadState
	}
	if !m.isInRange(base, size) {
		return zxerr.ErrOutOfRange
	}
	if as.vdsoCode == m {
		return zxerr.ErrAccessDenied
	}
	if base == m.base && size == m.size {
		return m.destroyLocked()
	}
	return m.unmapLocked(base, size)
}

// unmapLocked removes a strict sub-range of the mapping.
//
// Preconditions: the address space lock is held. [base, base+size) is
// page-aligned, contained in the mapping, and not its whole extent.
func (m *Mapping) unmapLocked(base hostarch.Addr, size uint64) error {
	if err := m.aspace.arch.Unmap(base, size); err != nil {
		return err
	}
	switch {
	case base == m.base:
		// Trim the front. The tree is keyed by base, so reinsert.
		m.parent.children.remove(m)
		m.base += hostarch.Addr(size)
		m.objectOffset += size
		m.size -= size
		m.parent.children.insert(m)
	case uint64(base-m.base)+size == m.size:
		// Trim the back.
		m.size -= size
	default:
		// Split around the hole.
		tailBase := base + hostarch.Addr(size)
		tail := m.pieceLocked(tailBase, m.size-uint64(tailBase-m.base), m.mmuFlags)
		m.size = uint64(base - m.base)
		m.parent.children.insert(tail)
	}
	return nil
}

// Protect changes the MMU permissions of [base, base+size) within the
// mapping. The requested permissions must be within the mapping's
// capability flags.
func (m *Mapping) Protect(base hostarch.Addr, size uint64, newFlags MMUFlags) error {
	size, ok := hostarch.RoundUpLength(size)
	if !ok || size == 0 || !base.IsPageAligned() {
		return zxerr.ErrInvalidArgs
	}
	as := m.aspace
	as.mu.Lock()
	defer as.mu.Unlock()
	if m.state != stateAlive {
		return zxerr.ErrBadState
	}
	if !m.isInRange(base, size) {
		return zxerr.ErrOutOfRange
	}
	if as.vdsoCode == m {
		return zxerr.ErrAccessDenied
	}
	if !m.isValidMappingFlags(newFlags) {
		return zxerr.ErrAccessDenied
	}
	return m.protectLocked(base, size, newFlags)
}

// protectLocked applies newFlags to [base, base+size). The mapping's
// cache policy bits are preserved. If the range covers only part of the
// mapping, the mapping splits so each piece tracks its own flags; the
// pieces inherit the capability flags and name.
//
// Preconditions: the address space lock is held. The range is
// page-aligned and contained in the mapping. Permissions were checked.
func (m *Mapping) protectLocked(base hostarch.Addr, size uint64, newFlags MMUFlags) error {
	effective := newFlags.Perms() | m.mmuFlags&MMUCacheMask
	if err := m.aspace.arch.Protect(base, size, effective); err != nil {
		return err
	}

	if base == m.base && size == m.size {
		m.mmuFlags = effective
		return nil
	}

	oldFlags := m.mmuFlags
	protLast := base + hostarch.Addr(size-1)
	mapLast := m.endByte()

	if base == m.base {
		// New flags at the front; the tail keeps the old flags.
		tail := m.pieceLocked(protLast+1, uint64(mapLast-protLast), oldFlags)
		m.size = size
		m.mmuFlags = effective
		m.parent.children.insert(tail)
		return nil
	}

	// The head keeps m with the old flags.
	mid := m.pieceLocked(base, size, effective)
	var tail *Mapping
	if protLast < mapLast {
		tail = m.pieceLocked(protLast+1, uint64(mapLast-protLast), oldFlags)
	}
	m.size = uint64(base - m.base)
	m.parent.children.insert(mid)
	if tail != nil {
		m.parent.children.insert(tail)
	}
	return nil
}

// pieceLocked builds an ALIVE (but not yet inserted) mapping covering
// [base, base+size) of the same object, carrying flags.
//
// Preconditions: the address space lock is held. base >= m.base, and
// m.base and m.objectOffset have not yet been adjusted for the split.
func (m *Mapping) pieceLocked(base hostarch.Addr, size uint64, flags MMUFlags) *Mapping {
	return &Mapping{
		nodeBase: nodeBase{
			aspace: m.aspace,
			parent: m.parent,
			base:   base,
			size:   size,
			flags:  m.flags,
			name:   m.name,
			state:  stateAlive,
		},
		object:       m.object,
		objectOffset: m.objectOffset + uint64(base-m.base),
		mmuFlags:     flags,
		mergeable:    m.mergeable,
	}
}

// MapRange eagerly populates translations for the span of the mapping
// corresponding to [objOffset, objOffset+size) in the backing object.
func (m *Mapping) MapRange(objOffset, size uint64) error {
	as := m.aspace
	as.mu.Lock()
	defer as.mu.Unlock()
	if m.state != stateAlive {
		return zxerr.ErrBadState
	}
	if objOffset < m.objectOffset || objOffset-m.objectOffset > m.size || m.size-(objOffset-m.objectOffset) < size {
		return zxerr.ErrOutOfRange
	}
	return m.mapRangeLocked(objOffset, size)
}

// mapRangeLocked implements MapRange.
//
// Preconditions: the address space lock is held. The object range lies
// within the mapping.
func (m *Mapping) mapRangeLocked(objOffset, size uint64) error {
	base := m.base + hostarch.Addr(objOffset-m.objectOffset)
	return m.aspace.arch.Map(base, size, m.mmuFlags)
}

// pageFaultLocked resolves a fault at addr. The requested access must be
// within the mapping's active permissions. req is forwarded, never
// interpreted: the backing object may fail the commit and arrange for
// req to be satisfied outside the lock, after which the fault is
// retried.
//
// Preconditions: the address space lock is held. addr is within the
// mapping.
func (m *Mapping) pageFaultLocked(addr hostarch.Addr, access MMUFlags, req *PageRequest) error {
	if access&MMUPermRWX&^m.mmuFlags != 0 {
		return zxerr.ErrAccessDenied
	}
	pageBase := addr.RoundDown()
	offset := uint64(pageBase-m.base) + m.objectOffset
	if err := m.object.CommitPage(offset, req); err != nil {
		return err
	}
	return m.aspace.arch.Map(pageBase, hostarch.PageSize, m.mmuFlags)
}

// allocatedPagesLocked implements Child.allocatedPagesLocked.
func (m *Mapping) allocatedPagesLocked() uint64 {
	if m.state != stateAlive {
		return 0
	}
	return m.object.AttributedPages(m.objectOffset, m.size)
}
