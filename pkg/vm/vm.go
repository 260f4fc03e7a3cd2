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

// Package vm implements the virtual address space region manager: the
// hierarchy of regions and mappings that subdivides an address space, with
// allocation, lookup, protection changes, and teardown over that hierarchy
// under concurrent access.
//
// The hierarchy rooted at one AddressSpace is protected by that address
// space's single mutex. Public methods acquire it internally; methods with
// a Locked suffix require it.
//
// Physical page management, page table formats, and the backing object
// abstraction are external collaborators, reached through the Object and
// ArchAspace interfaces.
package vm

import (
	mrand "math/rand"

	"github.com/TrellixVulnTeam/fuchisa-os-ST19/pkg/hostarch"
)

// Flags configure a region or mapping at creation. The CanMap* bits are
// capabilities: the operations a node permits its descendants to ever
// request, distinct from a mapping's currently active permissions.
type Flags uint32

const (
	// FlagSpecific requests placement at the exact given offset.
	FlagSpecific Flags = 1 << iota

	// FlagSpecificOverwrite is FlagSpecific, additionally destroying
	// any conflicting mappings in the requested span first.
	FlagSpecificOverwrite

	// FlagCanMapSpecific permits descendants to request FlagSpecific.
	FlagCanMapSpecific

	// FlagCompact biases the allocator toward tight, low-entropy packing.
	FlagCompact

	// FlagOffsetIsUpperLimit treats the offset argument as an exclusive
	// upper bound on placement rather than an exact position.
	FlagOffsetIsUpperLimit

	// FlagCanMapRead permits readable descendants.
	FlagCanMapRead

	// FlagCanMapWrite permits writable descendants.
	FlagCanMapWrite

	// FlagCanMapExecute permits executable descendants.
	FlagCanMapExecute
)

// FlagCanRWX is the set of capability bits.
const FlagCanRWX = FlagCanMapRead | FlagCanMapWrite | FlagCanMapExecute

// MMUFlags describe the architectural permissions and cache policy of a
// mapping.
type MMUFlags uint32

const (
	// MMUPermRead permits read access.
	MMUPermRead MMUFlags = 1 << iota

	// MMUPermWrite permits write access.
	MMUPermWrite

	// MMUPermExecute permits instruction fetch.
	MMUPermExecute
)

// MMUPermRWX is the set of permission bits.
const MMUPermRWX = MMUPermRead | MMUPermWrite | MMUPermExecute

const mmuCacheShift = 4

// MMUCacheMask covers the bits encoding a hostarch.MemoryType.
const MMUCacheMask MMUFlags = 0x3 << mmuCacheShift

// MMUInvalid marks the absence of flags, e.g. for a nonexistent neighbor
// in ArchAspace.PickSpot. It is never valid in a mapping.
const MMUInvalid MMUFlags = 1 << 31

// CachePolicyFlags returns the MMUFlags encoding of a memory type.
func CachePolicyFlags(mt hostarch.MemoryType) MMUFlags {
	return MMUFlags(mt) << mmuCacheShift
}

// MemoryType returns the memory type encoded in f.
func (f MMUFlags) MemoryType() hostarch.MemoryType {
	return hostarch.MemoryType((f & MMUCacheMask) >> mmuCacheShift)
}

// Perms returns only the permission bits of f.
func (f MMUFlags) Perms() MMUFlags {
	return f & MMUPermRWX
}

// Valid returns true if f is a legal flag set for a new mapping: no
// unknown bits, a recognized memory type, and no write or execute access
// without read access.
func (f MMUFlags) Valid() bool {
	if f&^(MMUPermRWX|MMUCacheMask) != 0 {
		return false
	}
	if f.MemoryType() >= hostarch.NumMemoryTypes {
		return false
	}
	if f&(MMUPermWrite|MMUPermExecute) != 0 && f&MMUPermRead == 0 {
		return false
	}
	return true
}

// RangeOpType identifies a per-mapping operation dispatched by
// Region.RangeOp.
type RangeOpType uint32

const (
	// RangeOpDecommit releases the backing physical pages of a span.
	RangeOpDecommit RangeOpType = iota + 1

	// RangeOpMapRange eagerly populates a span's page table entries
	// without waiting for faults.
	RangeOpMapRange
)

// PageRequest is an allocation-request token threaded through the page
// fault path, so a higher layer can satisfy an allocation outside the
// address space lock and retry the fault. This package never interprets
// it; it only forwards it to the backing object.
type PageRequest struct {
	// Payload is owned by the layer satisfying the request.
	Payload any
}

// Prng is the randomness source consulted for address space layout
// randomization.
type Prng interface {
	// Uint64n returns a pseudo-random value in [0, n). n must be > 0.
	Uint64n(n uint64) uint64
}

// NewPrng returns a Prng seeded with seed. Two Prngs with the same seed
// produce the same sequence, so allocation is reproducible under a fixed
// seed.
func NewPrng(seed int64) Prng {
	return &mathPrng{r: mrand.New(mrand.NewSource(seed))}
}

type mathPrng struct {
	r *mrand.Rand
}

func (p *mathPrng) Uint64n(n uint64) uint64 {
	if n == 0 {
		panic("Uint64n with n == 0")
	}
	if n <= 1<<62 {
		return uint64(p.r.Int63n(int64(n)))
	}
	return p.r.Uint64() % n
}

// Enumerator visits nodes during Region.EnumerateChildren. Returning
// false from either method stops the walk.
type Enumerator interface {
	// OnRegion is invoked for each sub-region.
	OnRegion(r *Region, depth uint) bool

	// OnMapping is invoked for each mapping. parent is the region
	// containing the mapping.
	OnMapping(m *Mapping, parent *Region, depth uint) bool
}

type lifecycleState uint8

const (
	stateNotReady lifecycleState = iota
	stateAlive
	stateDead
)

// maxNameLen bounds node names; longer names are truncated at creation.
const maxNameLen = 32

func truncateName(name string) string {
	if len(name) > maxNameLen {
		return name[:maxNameLen]
	}
	return name
}
