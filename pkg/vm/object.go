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

// Object is the backing memory object of a Mapping: an owner of physical
// pages addressed by byte offset. Implementations live outside this
// package; Mappings only sequence calls into them.
//
// All offsets and sizes are page-aligned.
type Object interface {
	// Name returns a diagnostic label for the object.
	Name() string

	// CachePolicy returns the object's cache policy. It takes precedence
	// over cache policy bits in a mapping's MMUFlags.
	CachePolicy() hostarch.MemoryType

	// CommitPage ensures the page at offset is backed by a physical page.
	// req, if non-nil, is an out-of-band allocation request the object may
	// arrange to have satisfied outside the address space lock; in that
	// case CommitPage fails and the fault is retried after the request
	// completes.
	CommitPage(offset uint64, req *PageRequest) error

	// DecommitRange releases the physical pages backing
	// [offset, offset+size).
	DecommitRange(offset, size uint64) error

	// AttributedPages returns the number of physical pages currently
	// committed in [offset, offset+size).
	AttributedPages(offset, size uint64) uint64
}

// ArchAspace abstracts the architecture-specific MMU layer for one
// address space. Beyond PickSpot's placement contract, results are opaque
// to this package: success or failure only.
type ArchAspace interface {
	// PickSpot returns a candidate base address for a size-byte,
	// align-aligned allocation within the gap whose first byte is gapBase
	// and last byte is gapEndByte. prevFlags and nextFlags are the MMU
	// flags of the neighboring mappings, or MMUInvalid if the neighbor is
	// absent or not a mapping; some architectures forbid certain adjacent
	// permission combinations. The returned address may be unusable; the
	// caller re-verifies fit.
	PickSpot(gapBase hostarch.Addr, prevFlags MMUFlags, gapEndByte hostarch.Addr, nextFlags MMUFlags, align, size uint64, flags MMUFlags) hostarch.Addr

	// Map establishes translations for [base, base+size) with the given
	// flags.
	Map(base hostarch.Addr, size uint64, flags MMUFlags) error

	// Unmap removes translations for [base, base+size).
	Unmap(base hostarch.Addr, size uint64) error

	// Protect changes the flags of existing translations in
	// [base, base+size).
	Protect(base hostarch.Addr, size uint64, flags MMUFlags) error
}

// SystemImage identifies the distinguished executable system image (the
// vDSO equivalent). At most one executable mapping of it may exist per
// address space, and that mapping may never be the target of unmap,
// protect, or range operations.
type SystemImage interface {
	// Contains returns true if obj is the system image object.
	Contains(obj Object) bool

	// ValidCodeRange returns true if [offset, offset+size) lies within
	// the image's declared executable code range.
	ValidCodeRange(offset, size uint64) bool
}
