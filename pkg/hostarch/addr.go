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

// Addr represents a generic virtual address.
type Addr uintptr

// AddLength returns v + length. ok is true iff adding the length did not
// overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the check is needed in case uintptr is smaller
	// than 64 bits.
	ok = end >= v && length <= uint64(addrAtMost)
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageMask)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic("hostarch.Addr.RoundUp() wraps")
	}
	return addr
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AlignUp returns the address rounded up to the nearest multiple of align,
// which must be a power of 2. ok is true iff rounding up did not wrap around.
func (v Addr) AlignUp(align uint64) (addr Addr, ok bool) {
	addr = Addr(uint64(v)+(align-1)) & ^Addr(align-1)
	ok = addr >= v
	return
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// addrAtMost is the largest representable Addr.
const addrAtMost = ^Addr(0)

// RoundUpLength rounds length up to a multiple of the page size. ok is true
// iff rounding up did not overflow.
func RoundUpLength(length uint64) (uint64, bool) {
	rounded := (length + PageMask) &^ uint64(PageMask)
	return rounded, rounded >= length
}

// IsPageAlignedLength returns true if length is a multiple of the page size.
func IsPageAlignedLength(length uint64) bool {
	return length&uint64(PageMask) == 0
}
