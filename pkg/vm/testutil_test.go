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
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/TrellixVulnTeam/fuchisa-os-ST19/pkg/hostarch"
)

const (
	testBase = hostarch.Addr(0x10000000)
	testSize = uint64(1) << 28
)

// fakeObject tracks committed pages by offset.
type fakeObject struct {
	name      string
	policy    hostarch.MemoryType
	committed map[uint64]bool

	// commitErr, if set, fails every CommitPage call.
	commitErr error
}

func newFakeObject(name string) *fakeObject {
	return &fakeObject{name: name, committed: make(map[uint64]bool)}
}

func (o *fakeObject) Name() string { return o.name }

func (o *fakeObject) CachePolicy() hostarch.MemoryType { return o.policy }

func (o *fakeObject) CommitPage(offset uint64, req *PageRequest) error {
	if o.commitErr != nil {
		return o.commitErr
	}
	o.committed[offset] = true
	return nil
}

func (o *fakeObject) DecommitRange(offset, size uint64) error {
	for p := offset; p < offset+size; p += hostarch.PageSize {
		delete(o.committed, p)
	}
	return nil
}

func (o *fakeObject) AttributedPages(offset, size uint64) uint64 {
	var n uint64
	for p := offset; p < offset+size; p += hostarch.PageSize {
		if o.committed[p] {
			n++
		}
	}
	return n
}

// fakeArch records per-page translations. PickSpot takes the lowest
// aligned position in the gap.
type fakeArch struct {
	pages map[hostarch.Addr]MMUFlags

	mapErr   error
	unmapErr error

	// protectErr fails Protect calls once protectOK remaining successes
	// are used up.
	protectErr error
	protectOK  int
}

func newFakeArch() *fakeArch {
	return &fakeArch{pages: make(map[hostarch.Addr]MMUFlags)}
}

func (a *fakeArch) PickSpot(gapBase hostarch.Addr, prevFlags MMUFlags, gapEndByte hostarch.Addr, nextFlags MMUFlags, align, size uint64, flags MMUFlags) hostarch.Addr {
	spot, ok := gapBase.AlignUp(align)
	if !ok {
		return 0
	}
	return spot
}

func (a *fakeArch) Map(base hostarch.Addr, size uint64, flags MMUFlags) error {
	if a.mapErr != nil {
		return a.mapErr
	}
	for p := base; p < base+hostarch.Addr(size); p += hostarch.PageSize {
		a.pages[p] = flags
	}
	return nil
}

func (a *fakeArch) Unmap(base hostarch.Addr, size uint64) error {
	if a.unmapErr != nil {
		return a.unmapErr
	}
	for p := base; p < base+hostarch.Addr(size); p += hostarch.PageSize {
		delete(a.pages, p)
	}
	return nil
}

func (a *fakeArch) Protect(base hostarch.Addr, size uint64, flags MMUFlags) error {
	if a.protectErr != nil {
		if a.protectOK == 0 {
			return a.protectErr
		}
		a.protectOK--
	}
	for p := base; p < base+hostarch.Addr(size); p += hostarch.PageSize {
		if _, ok := a.pages[p]; ok {
			a.pages[p] = flags
		}
	}
	return nil
}

// fakeImage treats one object as the system image, with its code range at
// [codeOff, codeOff+codeSize).
type fakeImage struct {
	obj      Object
	codeOff  uint64
	codeSize uint64
}

func (i *fakeImage) Contains(obj Object) bool { return obj == i.obj }

func (i *fakeImage) ValidCodeRange(offset, size uint64) bool {
	return offset >= i.codeOff && offset-i.codeOff <= i.codeSize && i.codeSize-(offset-i.codeOff) >= size
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("component", "vm")
}

func newTestAspace(t *testing.T, opts AddressSpaceOptions) (*AddressSpace, *fakeArch) {
	t.Helper()
	arch := newFakeArch()
	if opts.Log == nil {
		opts.Log = testLogger()
	}
	as, err := NewAddressSpace(testBase, testSize, arch, FlagCanMapSpecific, opts)
	if err != nil {
		t.Fatalf("NewAddressSpace failed: %v", err)
	}
	return as, arch
}

// mustMap creates a specifically placed mapping or fails the test.
func mustMap(t *testing.T, r *Region, offset, size uint64, mmuFlags MMUFlags, name string) *Mapping {
	t.Helper()
	m, err := r.CreateMapping(offset, size, 0, FlagSpecific, newFakeObject(name), 0, mmuFlags, name)
	if err != nil {
		t.Fatalf("CreateMapping(%s, offset=%#x, size=%#x) failed: %v", name, offset, size, err)
	}
	return m
}

// mustSubRegion creates a specifically placed sub-region or fails the test.
func mustSubRegion(t *testing.T, r *Region, offset, size uint64, extra Flags, name string) *Region {
	t.Helper()
	sub, err := r.CreateSubRegion(offset, size, 0, FlagSpecific|FlagCanMapSpecific|FlagCanRWX|extra, name)
	if err != nil {
		t.Fatalf("CreateSubRegion(%s, offset=%#x, size=%#x) failed: %v", name, offset, size, err)
	}
	return sub
}
