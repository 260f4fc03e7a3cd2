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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/TrellixVulnTeam/fuchisa-os-ST19/pkg/hostarch"
)

// listNode is a minimal Child for exercising regionList in isolation.
type listNode struct {
	nodeBase
}

func (n *listNode) destroyLocked() error         { return nil }
func (n *listNode) allocatedPagesLocked() uint64 { return 0 }

func newListNode(base hostarch.Addr, size uint64) *listNode {
	return &listNode{nodeBase{base: base, size: size}}
}

func TestRegionListQueries(t *testing.T) {
	rl := newRegionList()
	a := newListNode(0x1000, 0x1000)
	b := newListNode(0x4000, 0x2000)
	c := newListNode(0x8000, 0x1000)
	for _, n := range []*listNode{b, a, c} {
		rl.insert(n)
	}

	if rl.isEmpty() || rl.length() != 3 {
		t.Fatalf("length = %d, want 3", rl.length())
	}
	if got := rl.first(); got != Child(a) {
		t.Errorf("first() = %v, want a", got)
	}

	for _, test := range []struct {
		addr hostarch.Addr
		want Child
	}{
		{0x0fff, nil},
		{0x1000, a},
		{0x1fff, a},
		{0x2000, nil},
		{0x5abc, b},
		{0x8fff, c},
		{0x9000, nil},
	} {
		if got := rl.findCovering(test.addr); got != test.want {
			t.Errorf("findCovering(%#x) = %v, want %v", test.addr, got, test.want)
		}
	}

	if got := rl.lowerBound(0x4000); got != Child(b) {
		t.Errorf("lowerBound(0x4000) = %v, want b", got)
	}
	if got := rl.upperBound(0x4000); got != Child(c) {
		t.Errorf("upperBound(0x4000) = %v, want c", got)
	}
	if got := rl.upperBound(0x8000); got != nil {
		t.Errorf("upperBound(0x8000) = %v, want nil", got)
	}
	if got := rl.lowerEqual(0x7fff); got != Child(b) {
		t.Errorf("lowerEqual(0x7fff) = %v, want b", got)
	}
	if got := rl.includeOrHigher(0x2000); got != Child(b) {
		t.Errorf("includeOrHigher(0x2000) = %v, want b", got)
	}
	if got := rl.includeOrHigher(0x4abc); got != Child(b) {
		t.Errorf("includeOrHigher(0x4abc) = %v, want b", got)
	}

	before, after := rl.neighbors(0x3000)
	if before != Child(a) || after != Child(b) {
		t.Errorf("neighbors(0x3000) = (%v, %v), want (a, b)", before, after)
	}

	if rl.isRangeAvailable(0x4000, 0x1000) {
		t.Error("occupied range reported available")
	}
	if !rl.isRangeAvailable(0x2000, 0x2000) {
		t.Error("free range reported unavailable")
	}
	if rl.isRangeAvailable(0x3000, 0x2000) {
		t.Error("range straddling b reported available")
	}
	if rl.isRangeAvailable(0x2000, 0) {
		t.Error("zero-size range reported available")
	}

	rl.remove(b)
	if got := rl.findCovering(0x5000); got != nil {
		t.Errorf("findCovering after remove = %v, want nil", got)
	}
	if !rl.isRangeAvailable(0x3000, 0x2000) {
		t.Error("removed range still reported unavailable")
	}
}

func TestRegionListForEachGap(t *testing.T) {
	type gap struct {
		Base, Last hostarch.Addr
	}
	collect := func(rl *regionList, parentBase hostarch.Addr, parentSize uint64) []gap {
		var gaps []gap
		rl.forEachGap(parentBase, parentSize, func(base, last hostarch.Addr) bool {
			gaps = append(gaps, gap{base, last})
			return true
		})
		return gaps
	}

	rl := newRegionList()
	if diff := cmp.Diff([]gap{{0x1000, 0x8fff}}, collect(rl, 0x1000, 0x8000)); diff != "" {
		t.Errorf("empty list gaps mismatch (-want +got):\n%s", diff)
	}

	rl.insert(newListNode(0x2000, 0x1000))
	rl.insert(newListNode(0x5000, 0x2000))
	want := []gap{
		{0x1000, 0x1fff},
		{0x3000, 0x4fff},
		{0x7000, 0x8fff},
	}
	if diff := cmp.Diff(want, collect(rl, 0x1000, 0x8000)); diff != "" {
		t.Errorf("gaps mismatch (-want +got):\n%s", diff)
	}

	// No gap before a child at the region base or after one flush with the
	// region end.
	rl2 := newRegionList()
	rl2.insert(newListNode(0x1000, 0x1000))
	rl2.insert(newListNode(0x8000, 0x1000))
	want = []gap{{0x2000, 0x7fff}}
	if diff := cmp.Diff(want, collect(rl2, 0x1000, 0x8000)); diff != "" {
		t.Errorf("flush gaps mismatch (-want +got):\n%s", diff)
	}

	// A child ending at the top of the address space terminates iteration
	// without a trailing gap.
	top := ^hostarch.Addr(0)
	rl3 := newRegionList()
	rl3.insert(newListNode(top-0xfff, 0x1000))
	if gaps := collect(rl3, top-0x2fff, 0x3000); len(gaps) != 1 || gaps[0] != (gap{top - 0x2fff, top - 0x1000}) {
		t.Errorf("top-of-space gaps = %v", gaps)
	}

	// Early stop.
	n := 0
	rl.forEachGap(0x1000, 0x8000, func(base, last hostarch.Addr) bool {
		n++
		return false
	})
	if n != 1 {
		t.Errorf("stopped iteration visited %d gaps, want 1", n)
	}
}
