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
	"github.com/TrellixVulnTeam/fuchisa-os-ST19/pkg/sync"
)

// AddressSpaceOptions configure a new AddressSpace.
type AddressSpaceOptions struct {
	// ASLREnabled enables randomized placement of allocator-chosen
	// children.
	ASLREnabled bool

	// EntropyBits is the randomization budget, in bits, for standard
	// allocations.
	EntropyBits uint8

	// CompactEntropyBits is the randomization budget for regions created
	// with FlagCompact.
	CompactEntropyBits uint8

	// Prng is the randomness source. Defaults to an arbitrarily seeded
	// source if nil and ASLREnabled is set.
	Prng Prng

	// Image identifies the distinguished executable system image, if any.
	Image SystemImage

	// Log overrides the logger. Defaults to the standard logger.
	Log *logrus.Entry
}

// AddressSpace owns one virtual address space hierarchy: the usable
// range, the single lock protecting the hierarchy, the layout
// randomization configuration, and the root region.
type AddressSpace struct {
	mu sync.Mutex

	base hostarch.Addr
	size uint64
	arch ArchAspace

	aslrEnabled        bool
	entropyBits        uint8
	compactEntropyBits uint8
	prng               Prng

	image SystemImage
	log   *logrus.Entry

	// vdsoCode is the one executable mapping of the system image, if
	// established. Guarded by mu.
	vdsoCode *Mapping

	root *Region
}

// NewAddressSpace creates an address space spanning
// [base, base+size) with a root region carrying rootFlags. The root
// additionally receives all CanMap capability bits, since an address
// space can't usefully hold a process without them.
func NewAddressSpace(base hostarch.Addr, size uint64, arch ArchAspace, rootFlags Flags, opts AddressSpaceOptions) (*AddressSpace, error) {
	if arch == nil {
		return nil, zxerr.ErrInvalidArgs
	}
	if size == 0 || !base.IsPageAligned() || !hostarch.IsPageAlignedLength(size) {
		return nil, zxerr.ErrInvalidArgs
	}
	if _, ok := base.AddLength(size - 1); !ok {
		return nil, zxerr.ErrInvalidArgs
	}
	if opts.ASLREnabled && opts.Prng == nil {
		opts.Prng = NewPrng(1)
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger().WithField("component", "vm")
	}
	as := &AddressSpace{
		base:               base,
		size:               size,
		arch:               arch,
		aslrEnabled:        opts.ASLREnabled,
		entropyBits:        opts.EntropyBits,
		compactEntropyBits: opts.CompactEntropyBits,
		prng:               opts.Prng,
		image:              opts.Image,
		log:                opts.Log,
	}
	// The root is marked alive directly; it has no parent tree to join.
	as.root = &Region{
		nodeBase: nodeBase{
			aspace: as,
			base:   base,
			size:   size,
			flags:  rootFlags | FlagCanRWX,
			name:   "root",
			state:  stateAlive,
		},
		children: newRegionList(),
	}
	return as, nil
}

// Base returns the first usable address.
func (as *AddressSpace) Base() hostarch.Addr { return as.base }

// Size returns the usable size in bytes.
func (as *AddressSpace) Size() uint64 { return as.size }

// RootRegion returns the root of the hierarchy.
func (as *AddressSpace) RootRegion() *Region { return as.root }

// VdsoCodeMapping returns the executable system image mapping, or nil if
// none has been established.
func (as *AddressSpace) VdsoCodeMapping() *Mapping {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.vdsoCode
}

// AllocatedPages returns the total number of physical pages attributed to
// mappings in this address space.
func (as *AddressSpace) AllocatedPages() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.root.allocatedPagesLocked()
}

// PageFault resolves a fault at addr requesting the given access. It
// descends the hierarchy to the covering mapping and delegates to it;
// req, if non-nil, is forwarded to the backing object so allocation can
// be satisfied outside the lock and the fault retried.
func (as *AddressSpace) PageFault(addr hostarch.Addr, access MMUFlags, req *PageRequest) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.root.pageFaultLocked(addr, access, req)
}

// aslrEntropyBits returns the entropy budget for an allocation, which
// differs for compact regions.
func (as *AddressSpace) aslrEntropyBits(compact bool) uint8 {
	if compact {
		return as.compactEntropyBits
	}
	return as.entropyBits
}

// intersectsVdsoCodeLocked returns true if [base, endByte] intersects the
// system image code mapping.
//
// Preconditions: as.mu is held.
func (as *AddressSpace) intersectsVdsoCodeLocked(base, endByte hostarch.Addr) bool {
	v := as.vdsoCode
	if v == nil {
		return false
	}
	return base <= v.endByte() && v.base <= endByte
}
