// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-opgpcard.
//
// go-opgpcard is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package do

import "errors"

// Store and dispatcher errors. These are the only outcomes that cross the
// dispatcher boundary; the protocol layer maps them onto status words.
var (
	// ErrNotFound indicates the tag is not in the data object table.
	ErrNotFound = errors.New("do: data object not found")

	// ErrAccessDenied indicates the read or write access predicate failed.
	ErrAccessDenied = errors.New("do: access denied")

	// ErrMemory indicates a flash write failed or allocation is exhausted.
	// Fatal to the requested operation, not to the card.
	ErrMemory = errors.New("do: memory failure")

	// ErrSecurity indicates an integrity check failed during key unwrap,
	// or a write was attempted on a read-only data object kind.
	ErrSecurity = errors.New("do: security failure")

	// ErrProtocol indicates malformed input, such as a PUT DATA value
	// exceeding 255 bytes.
	ErrProtocol = errors.New("do: protocol error")

	// ErrOperation is the generic failure reported for computed-write
	// handlers. Handler-specific detail is deliberately not propagated.
	ErrOperation = errors.New("do: operation failed")

	// ErrMalformedLog indicates the boot scan found a record number
	// outside every known range. The card must halt rather than operate
	// on a misparsed index.
	ErrMalformedLog = errors.New("do: malformed flash log")
)
