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
	"github.com/TrellixVulnTeam/fuchisa-os-ST19/pkg/hostarch"
)

// Child is either a *Region or a *Mapping: one node in an address space
// hierarchy. There are no other implementations.
//
// Base, Size, Flags and Name are fixed at activation, except that partial
// unmaps shrink mappings; accessors must not race with mutating
// operations on the same address space. Enumerator callbacks run under
// the address space lock and may use them freely.
type Child interface {
	// Base returns the first address of the node's range.
	Base() hostarch.Addr

	// Size returns the length of the node's range in bytes.
	Size() uint64

	// Flags returns the node's creation flags.
	Flags() Flags

	// Name returns the node's diagnostic label.
	Name() string

	// IsAlive returns true if the node is attached to its hierarchy.
	IsAlive() bool

	node() *nodeBase
	destroyLocked() error
	allocatedPagesLocked() uint64
}

// nodeBase is the state shared by Region and Mapping.
type nodeBase struct {
	aspace *AddressSpace

	// parent is a non-owning back-reference used only for navigation. It
	// is cleared in the same step that removes the node from the parent's
	// tree.
	parent *Region

	base  hostarch.Addr
	size  uint64
	flags Flags
	name  string
	state lifecycleState
}

// Base implements Child.Base.
func (n *nodeBase) Base() hostarch.Addr { return n.base }

// Size implements Child.Size.
func (n *nodeBase) Size() uint64 { return n.size }

// Flags implements Child.Flags.
func (n *nodeBase) Flags() Flags { return n.flags }

// Name implements Child.Name.
func (n *nodeBase) Name() string { return n.name }

// IsAlive implements Child.IsAlive.
func (n *nodeBase) IsAlive() bool {
	n.aspace.mu.Lock()
	defer n.aspace.mu.Unlock()
	return n.state == stateAlive
}

func (n *nodeBase) node() *nodeBase { return n }

// endByte returns the last byte of the node's range.
//
// Preconditions: n.size > 0.
func (n *nodeBase) endByte() hostarch.Addr {
	return n.base + hostarch.Addr(n.size) - 1
}

// isInRange returns true if [base, base+size) lies entirely within the
// node's range, without overflowing.
func (n *nodeBase) isInRange(base hostarch.Addr, size uint64) bool {
	offset := uint64(base - n.base)
	return base >= n.base && offset <= n.size && n.size-offset >= size
}

// isValidMappingFlags returns true if the permissions in mmu are within
// the node's capability flags.
func (n *nodeBase) isValidMappingFlags(mmu MMUFlags) bool {
	if mmu&MMUPermRead != 0 && n.flags&FlagCanMapRead == 0 {
		return false
	}
	if mmu&MMUPermWrite != 0 && n.flags&FlagCanMapWrite == 0 {
		return false
	}
	if mmu&MMUPermExecute != 0 && n.flags&FlagCanMapExecute == 0 {
		return false
	}
	return true
}
