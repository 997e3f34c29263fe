// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"net/http"
	"strings"
	"time"
)

// Tier is a named cache partition for one class of resource.
type Tier string

const (
	// TierStatic holds immutable build assets and the precached app
	// shell routes.
	TierStatic Tier = "static"

	// TierDynamic holds API responses and HTML documents.
	TierDynamic Tier = "dynamic"

	// TierImage holds binary image responses.
	TierImage Tier = "image"
)

// Tiers lists every tier, in a stable order.
func Tiers() []Tier {
	return []Tier{TierStatic, TierDynamic, TierImage}
}

// Name returns the store name for a tier at a deploy version,
// "<version>-<tier>", e.g. Name(TierStatic, "v2") == "v2-static".
func Name(tier Tier, version string) string {
	return version + "-" + string(tier)
}

// Entry is one cached response: the status, headers and body captured
// from a successful fetch, plus the time it was stored.
type Entry struct {
	// Status is the HTTP status code of the cached response.
	Status int

	// Header holds the cached response headers.
	Header http.Header

	// Body is the cached response body.
	Body []byte

	// StoredAt is when the entry was written. Set by Put.
	StoredAt time.Time
}

// storeMeta is the registry record kept per opened store.
type storeMeta struct {
	CreatedAt time.Time
}

// Key layout inside the shared BadgerDB instance:
//
//	cache:<name>            -> storeMeta   (store registry)
//	entry:<name>:<cachekey> -> Entry       (tier contents)
//
// Store names never contain ':' (enforced by validateName), so the
// entry prefix parses unambiguously even though cache keys are URLs.
const (
	registryPrefix = "cache:"
	entryPrefix    = "entry:"
	keySeparator   = ":"
)

func registryKey(name string) []byte {
	return []byte(registryPrefix + name)
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + keySeparator)
}

func entryKey(name, key string) []byte {
	return []byte(entryPrefix + name + keySeparator + key)
}

func validateName(name string) error {
	if name == "" || strings.Contains(name, keySeparator) {
		return fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	return nil
}

// Value format: [4-byte CRC32 BE][gob-encoded payload]. The checksum
// catches torn or bit-rotted values before gob sees them.

func encodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())
	result := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(result[:4], crc)
	copy(result[4:], buf.Bytes())
	return result, nil
}

func decodeValue(data []byte, v any) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: value too short (%d bytes)", ErrCorruptEntry, len(data))
	}

	storedCRC := binary.BigEndian.Uint32(data[:4])
	gobData := data[4:]
	if crc32.ChecksumIEEE(gobData) != storedCRC {
		return fmt.Errorf("%w: checksum mismatch", ErrCorruptEntry)
	}

	dec := gob.NewDecoder(bytes.NewReader(gobData))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: gob decode: %v", ErrCorruptEntry, err)
	}
	return nil
}
