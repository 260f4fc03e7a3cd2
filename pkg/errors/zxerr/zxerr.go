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

// Package zxerr contains kernel status codes exported as error interface
// pointers. This allows for fast comparison and return operations. Values
// are compared by identity (== or errors.Is), never by message.
package zxerr

import (
	"github.com/TrellixVulnTeam/fuchisa-os-ST19/pkg/errors"
)

// Status code values for the error conditions the VM subsystem can
// surface. Negative, following kernel convention; 0 is success and is
// represented by a nil error.
const (
	CodeInternal     errors.Code = -1
	CodeNotSupported errors.Code = -2
	CodeNoMemory     errors.Code = -4
	CodeInvalidArgs  errors.Code = -10
	CodeBadState     errors.Code = -20
	CodeNotFound     errors.Code = -25
	CodeOutOfRange   errors.Code = -27
	CodeAccessDenied errors.Code = -30
)

var (
	// ErrInternal indicates an internal consistency failure. Most internal
	// consistency failures panic instead; this value exists for boundaries
	// that must translate a recovered failure into a status.
	ErrInternal = errors.New(CodeInternal, "internal error")

	// ErrNotSupported is returned for an unrecognized or unimplemented
	// operation code.
	ErrNotSupported = errors.New(CodeNotSupported, "not supported")

	// ErrNoMemory is returned on allocation failure, both "out of address
	// space" and "out of backing memory". A requested specific placement
	// that collides with an existing child also reports ErrNoMemory, since
	// to the caller the space is equally unavailable.
	ErrNoMemory = errors.New(CodeNoMemory, "no memory")

	// ErrInvalidArgs is returned for malformed sizes, misaligned
	// addresses, conflicting flag combinations, and ranges that leave the
	// parent or overflow.
	ErrInvalidArgs = errors.New(CodeInvalidArgs, "invalid args")

	// ErrBadState is returned for operations on a node that is not alive,
	// and for span operations interrupted by something other than what
	// they require.
	ErrBadState = errors.New(CodeBadState, "bad state")

	// ErrNotFound is returned when no node covers a requested address, or
	// a span operation encounters an unmapped hole.
	ErrNotFound = errors.New(CodeNotFound, "not found")

	// ErrOutOfRange is returned when a requested range lies outside the
	// target region.
	ErrOutOfRange = errors.New(CodeOutOfRange, "out of range")

	// ErrAccessDenied is returned when a request exceeds the capabilities
	// granted to the target, including any operation touching the
	// distinguished system image mapping.
	ErrAccessDenied = errors.New(CodeAccessDenied, "access denied")
)
