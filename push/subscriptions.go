// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package push

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/SKALEZ-A/MorphSave-sub003/storage/badger"
)

// SubscriptionRecord is one persisted push subscription.
type SubscriptionRecord struct {
	// Endpoint is the push service URL, unique per subscription.
	Endpoint string

	// Keys holds the subscription's encryption keys (p256dh, auth).
	Keys map[string]string

	// CreatedAt is when the subscription was saved.
	CreatedAt time.Time
}

// SubscriptionStore persists push subscription records.
type SubscriptionStore interface {
	// Save writes a record, replacing any record with the same endpoint.
	Save(ctx context.Context, record SubscriptionRecord) error

	// Delete removes a record. Unknown endpoints are a no-op.
	Delete(ctx context.Context, endpoint string) error

	// List returns all records.
	List(ctx context.Context) ([]SubscriptionRecord, error)
}

// Key format: "push:sub:{endpoint}".
const subscriptionKeyPrefix = "push:sub:"

func subscriptionKey(endpoint string) []byte {
	return []byte(subscriptionKeyPrefix + endpoint)
}

// BadgerSubscriptionStore is the BadgerDB-backed SubscriptionStore.
type BadgerSubscriptionStore struct {
	db *badger.DB
}

// NewBadgerSubscriptionStore creates a subscription store over the
// shared database. The store does not close the database.
func NewBadgerSubscriptionStore(db *badger.DB) (*BadgerSubscriptionStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	return &BadgerSubscriptionStore{db: db}, nil
}

// Save writes a record, replacing any record with the same endpoint.
func (s *BadgerSubscriptionStore) Save(ctx context.Context, record SubscriptionRecord) error {
	if ctx == nil {
		return ErrNilContext
	}
	if record.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidSubscription)
	}

	data, err := encodeSubscription(record)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(subscriptionKey(record.Endpoint), data)
	})
	if err != nil {
		return fmt.Errorf("write subscription: %w", err)
	}
	return nil
}

// Delete removes a record. Unknown endpoints are a no-op.
func (s *BadgerSubscriptionStore) Delete(ctx context.Context, endpoint string) error {
	if ctx == nil {
		return ErrNilContext
	}
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete(subscriptionKey(endpoint))
	})
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// List returns all records in endpoint order.
func (s *BadgerSubscriptionStore) List(ctx context.Context) ([]SubscriptionRecord, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	var records []SubscriptionRecord
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(subscriptionKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				record, err := decodeSubscription(val)
				if err != nil {
					return err
				}
				records = append(records, record)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return records, nil
}

// Value format: [4-byte CRC32 BE][gob-encoded record].

func encodeSubscription(record SubscriptionRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(record); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())
	result := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(result[:4], crc)
	copy(result[4:], buf.Bytes())
	return result, nil
}

func decodeSubscription(data []byte) (SubscriptionRecord, error) {
	var record SubscriptionRecord
	if len(data) < 4 {
		return record, fmt.Errorf("corrupt subscription: value too short (%d bytes)", len(data))
	}

	storedCRC := binary.BigEndian.Uint32(data[:4])
	gobData := data[4:]
	if crc32.ChecksumIEEE(gobData) != storedCRC {
		return record, errors.New("corrupt subscription: checksum mismatch")
	}

	dec := gob.NewDecoder(bytes.NewReader(gobData))
	if err := dec.Decode(&record); err != nil {
		return record, fmt.Errorf("corrupt subscription: gob decode: %w", err)
	}
	return record, nil
}
