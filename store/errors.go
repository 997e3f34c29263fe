// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store implements the cache store manager: named, versioned
// key-value stores ("tiers") holding cached responses, backed by a single
// embedded BadgerDB instance.
//
// # Ownership Model
//
// The Manager exclusively owns all cached entry data:
//   - Only the Manager (and Store handles it issues) mutate tier contents.
//   - Entry values returned by Get are fresh copies; callers may mutate
//     them freely without corrupting the cache.
//
// # Naming
//
// A store's name binds a tier to a deploy version: "<version>-<tier>",
// for example "v2-static". Every deploy changes the version string, and
// activation removes every store whose name does not belong to the
// current version (see RemoveStoresExcept).
//
// # Thread Safety
//
// All Manager and Store operations are safe for concurrent use. Opening
// the same store name from concurrent tasks is idempotent. Concurrent
// writes to the same key resolve last-write-wins.
package store

import "errors"

// Sentinel errors for store operations.
var (
	// ErrNilContext is returned when a nil context is passed to an
	// operation that requires one.
	ErrNilContext = errors.New("context must not be nil")

	// ErrManagerClosed is returned for operations on a closed Manager.
	ErrManagerClosed = errors.New("store manager is closed")

	// ErrInvalidStoreName is returned when a store name is empty or
	// contains the key separator character.
	ErrInvalidStoreName = errors.New("invalid store name")

	// ErrStoreNotFound is returned when an operation references a store
	// name that has not been opened.
	ErrStoreNotFound = errors.New("store not found")

	// ErrEntryNotFound is returned by Get when no entry exists under the
	// requested key.
	ErrEntryNotFound = errors.New("cache entry not found")

	// ErrNotCacheable is returned by Put when the response is not a
	// 2xx success. A tier never holds a failed response.
	ErrNotCacheable = errors.New("response is not cacheable")

	// ErrCorruptEntry is returned when a stored entry fails its
	// checksum or cannot be decoded.
	ErrCorruptEntry = errors.New("corrupt cache entry")
)
