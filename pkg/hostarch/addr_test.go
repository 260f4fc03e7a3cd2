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

package hostarch

import (
	"testing"
)

func TestAddLength(t *testing.T) {
	for _, test := range []struct {
		addr   Addr
		length uint64
		want   Addr
		ok     bool
	}{
		{0x1000, 0x1000, 0x2000, true},
		{0x1000, 0, 0x1000, true},
		{^Addr(0), 1, 0, false},
		{^Addr(0) - 0xfff, 0xfff, ^Addr(0), true},
		{^Addr(0) - 0xfff, 0x1000, 0, false},
	} {
		got, ok := test.addr.AddLength(test.length)
		if ok != test.ok || (ok && got != test.want) {
			t.Errorf("%#x.AddLength(%#x) = (%#x, %t), want (%#x, %t)", test.addr, test.length, got, ok, test.want, test.ok)
		}
	}
}

func TestRounding(t *testing.T) {
	if got := Addr(0x1234).RoundDown(); got != 0x1000 {
		t.Errorf("RoundDown = %#x, want 0x1000", got)
	}
	if got, ok := Addr(0x1234).RoundUp(); !ok || got != 0x2000 {
		t.Errorf("RoundUp = (%#x, %t), want (0x2000, true)", got, ok)
	}
	if got, ok := Addr(0x1000).RoundUp(); !ok || got != 0x1000 {
		t.Errorf("RoundUp of aligned = (%#x, %t), want (0x1000, true)", got, ok)
	}
	if _, ok := (^Addr(0)).RoundUp(); ok {
		t.Error("RoundUp at the top of the address space succeeded")
	}
	if !Addr(0x1000).IsPageAligned() || Addr(0x1001).IsPageAligned() {
		t.Error("IsPageAligned misclassified")
	}
	if got := Addr(0x1234).PageOffset(); got != 0x234 {
		t.Errorf("PageOffset = %#x, want 0x234", got)
	}
}

func TestAlignUp(t *testing.T) {
	for _, test := range []struct {
		addr  Addr
		align uint64
		want  Addr
		ok    bool
	}{
		{0x1000, 0x1000, 0x1000, true},
		{0x1001, 0x1000, 0x2000, true},
		{0x1000, 0x4000, 0x4000, true},
		{^Addr(0) - 0xffe, 0x1000, 0, false},
	} {
		got, ok := test.addr.AlignUp(test.align)
		if ok != test.ok || (ok && got != test.want) {
			t.Errorf("%#x.AlignUp(%#x) = (%#x, %t), want (%#x, %t)", test.addr, test.align, got, ok, test.want, test.ok)
		}
	}
}

func TestRoundUpLength(t *testing.T) {
	for _, test := range []struct {
		length uint64
		want   uint64
		ok     bool
	}{
		{0, 0, true},
		{1, 0x1000, true},
		{0x1000, 0x1000, true},
		{0x1001, 0x2000, true},
		{^uint64(0), 0, false},
	} {
		got, ok := RoundUpLength(test.length)
		if ok != test.ok || (ok && got != test.want) {
			t.Errorf("RoundUpLength(%#x) = (%#x, %t), want (%#x, %t)", test.length, got, ok, test.want, test.ok)
		}
	}
	if !IsPageAlignedLength(0x2000) || IsPageAlignedLength(0x2001) {
		t.Error("IsPageAlignedLength misclassified")
	}
}

func TestAddrRange(t *testing.T) {
	ar := AddrRange{0x1000, 0x3000}
	if !ar.WellFormed() || ar.Length() != 0x2000 {
		t.Errorf("range %v malformed or wrong length", ar)
	}
	if (AddrRange{0x3000, 0x1000}).WellFormed() {
		t.Error("inverted range reported well-formed")
	}
	if !ar.Contains(0x1000) || !ar.Contains(0x2fff) || ar.Contains(0x3000) {
		t.Error("Contains misclassified endpoint")
	}
	other := AddrRange{0x2000, 0x4000}
	if !ar.Overlaps(other) || ar.Overlaps(AddrRange{0x3000, 0x4000}) {
		t.Error("Overlaps misclassified")
	}
	if got := ar.Intersect(other); got != (AddrRange{0x2000, 0x3000}) {
		t.Errorf("Intersect = %v, want [0x2000, 0x3000)", got)
	}
	if !ar.IsSupersetOf(AddrRange{0x1000, 0x2000}) || ar.IsSupersetOf(other) {
		t.Error("IsSupersetOf misclassified")
	}
	if to, ok := Addr(0x1000).ToRange(0x2000); !ok || to != ar {
		t.Errorf("ToRange = (%v, %t), want (%v, true)", to, ok, ar)
	}
	if _, ok := (^Addr(0)).ToRange(2); ok {
		t.Error("overflowing ToRange succeeded")
	}
}
