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

// Package hostarch provides virtual address arithmetic and page geometry
// constants. All address computations that can wrap report wrapping
// explicitly instead of silently truncating.
package hostarch

import "golang.org/x/sys/unix"

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageMask is the mask for the low bits of a virtual address.
	PageMask = PageSize - 1
)

func init() {
	// Only 4K base pages are supported.
	if size := unix.Getpagesize(); size != PageSize {
		panic("system page size is not 4K")
	}
}
