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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SKALEZ-A/MorphSave-sub003/storage/badger"
)

// Tracer for store operations.
var tracer = otel.Tracer("morphsave.store")

// Config holds configuration for a Manager.
type Config struct {
	// DB is the shared BadgerDB instance. Required. The Manager does
	// not close it; the owner of the database does.
	DB *badger.DB

	// Logger for store events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DB == nil {
		return errors.New("db must not be nil")
	}
	return nil
}

// Stats contains store manager counters.
type Stats struct {
	// EntriesWritten is the number of successful Put operations.
	EntriesWritten int64

	// EntriesDeleted is the number of Delete operations that removed
	// an entry.
	EntriesDeleted int64

	// StoresDropped is the number of stores removed by DeleteStore or
	// RemoveStoresExcept.
	StoresDropped int64
}

// Manager owns the named cache stores. See the package documentation for
// the ownership and naming model.
type Manager struct {
	db     *badger.DB
	logger *slog.Logger

	closed atomic.Bool

	entriesWritten atomic.Int64
	entriesDeleted atomic.Int64
	storesDropped  atomic.Int64
}

// NewManager creates a Manager over the shared database.
//
// Outputs:
//
//	*Manager - Ready for use.
//	error - Non-nil if the configuration is invalid.
//
// Thread Safety: Safe for concurrent use.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		db:     cfg.DB,
		logger: cfg.Logger.With(slog.String("component", "store")),
	}, nil
}

// Close marks the manager closed. Subsequent operations fail with
// ErrManagerClosed. The underlying database is left open for its owner.
func (m *Manager) Close() error {
	m.closed.Store(true)
	return nil
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	return Stats{
		EntriesWritten: m.entriesWritten.Load(),
		EntriesDeleted: m.entriesDeleted.Load(),
		StoresDropped:  m.storesDropped.Load(),
	}
}

// DiskUsage returns the on-disk size of the backing database in bytes.
func (m *Manager) DiskUsage() int64 {
	return m.db.DiskUsage()
}

// OpenStore opens (creating if needed) the named store and returns a
// handle to it.
//
// Description:
//
//	Registers the name in the store registry if it is not already
//	present. Idempotent and safe to call redundantly from concurrent
//	tasks; all handles for one name address the same data.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	name - Store name, e.g. "v2-static". Must not contain ':'.
//
// Outputs:
//
//	*Store - Handle bound to the name.
//	error - Non-nil on invalid name or registry write failure.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) OpenStore(ctx context.Context, name string) (*Store, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "store.Open",
		trace.WithAttributes(attribute.String("store", name)))
	defer span.End()

	err := m.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		_, err := txn.Get(registryKey(name))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			data, encErr := encodeValue(storeMeta{CreatedAt: time.Now()})
			if encErr != nil {
				return encErr
			}
			return txn.Set(registryKey(name), data)
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		return nil, fmt.Errorf("open store %q: %w", name, err)
	}

	return &Store{manager: m, name: name}, nil
}

// ListStores returns the names of all opened stores, sorted.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) ListStores(ctx context.Context) ([]string, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	var names []string
	err := m.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(registryPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			names = append(names, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}

	sort.Strings(names)
	return names, nil
}

// DeleteStore removes the named store and all its entries.
//
// Description:
//
//	Drops the store's entry data first, then removes its registry
//	record. A crash between the two leaves an empty registered store,
//	which the next migration pass removes; the reverse order would
//	orphan entry data invisibly.
//
// Outputs:
//
//	error - ErrStoreNotFound if the name is not registered.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) DeleteStore(ctx context.Context, name string) error {
	if ctx == nil {
		return ErrNilContext
	}
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if err := validateName(name); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "store.Delete",
		trace.WithAttributes(attribute.String("store", name)))
	defer span.End()

	err := m.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		_, err := txn.Get(registryKey(name))
		return err
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %q", ErrStoreNotFound, name)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete store %q: %w", name, err)
	}

	if err := m.dropStore(ctx, name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "drop failed")
		return err
	}

	m.logger.Info("store deleted", slog.String("store", name))
	return nil
}

// RemoveStoresExcept deletes every store whose name is not in keep and
// returns the names removed. This is the version-migration operation run
// at activation: after it returns, only the current-version tier stores
// remain.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	keep - Store names to retain. Need not all exist.
//
// Outputs:
//
//	[]string - Names actually removed, sorted.
//	error - Non-nil if enumeration or deletion fails; removals already
//	        performed are reported in the slice regardless.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) RemoveStoresExcept(ctx context.Context, keep []string) ([]string, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	ctx, span := tracer.Start(ctx, "store.RemoveStoresExcept",
		trace.WithAttributes(attribute.Int("keep_count", len(keep))))
	defer span.End()

	keepSet := make(map[string]bool, len(keep))
	for _, name := range keep {
		keepSet[name] = true
	}

	names, err := m.ListStores(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var removed []string
	for _, name := range names {
		if keepSet[name] {
			continue
		}
		if err := m.dropStore(ctx, name); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "drop failed")
			return removed, err
		}
		removed = append(removed, name)
	}

	span.SetAttributes(attribute.Int("removed_count", len(removed)))
	if len(removed) > 0 {
		m.logger.Info("stale stores removed",
			slog.Int("count", len(removed)),
			slog.Any("stores", removed))
	}
	return removed, nil
}

// dropStore removes a store's entry data, then its registry record.
func (m *Manager) dropStore(ctx context.Context, name string) error {
	if err := m.db.DropPrefix(entryKeyPrefix(name)); err != nil {
		return fmt.Errorf("drop entries for store %q: %w", name, err)
	}

	err := m.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete(registryKey(name))
	})
	if err != nil {
		return fmt.Errorf("deregister store %q: %w", name, err)
	}

	m.storesDropped.Add(1)
	return nil
}

// Store is a handle to one named store. Handles are cheap; any number
// may exist for the same name.
type Store struct {
	manager *Manager
	name    string
}

// Name returns the store's name.
func (s *Store) Name() string {
	return s.name
}

// Get returns the entry stored under key.
//
// Outputs:
//
//	*Entry - A fresh copy owned by the caller.
//	error - ErrEntryNotFound if no entry exists; ErrCorruptEntry if the
//	        stored value fails its checksum.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if s.manager.closed.Load() {
		return nil, ErrManagerClosed
	}

	var entry Entry
	err := s.manager.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(entryKey(s.name, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return decodeValue(val, &entry)
		})
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q from store %q: %w", key, s.name, err)
	}

	return &entry, nil
}

// Put stores a response entry under key.
//
// Description:
//
//	Rejects non-2xx entries with ErrNotCacheable; a tier never holds a
//	failed response. Overwrites any existing entry (last write wins)
//	and stamps StoredAt with the current time.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Put(ctx context.Context, key string, entry Entry) error {
	if ctx == nil {
		return ErrNilContext
	}
	if s.manager.closed.Load() {
		return ErrManagerClosed
	}
	if entry.Status < 200 || entry.Status >= 300 {
		return fmt.Errorf("%w: status %d", ErrNotCacheable, entry.Status)
	}

	ctx, span := tracer.Start(ctx, "store.Put",
		trace.WithAttributes(
			attribute.String("store", s.name),
			attribute.Int("body_bytes", len(entry.Body)),
		))
	defer span.End()

	entry.StoredAt = time.Now()

	data, err := encodeValue(entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return fmt.Errorf("encode entry: %w", err)
	}

	err = s.manager.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(entryKey(s.name, key), data)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("put %q into store %q: %w", key, s.name, err)
	}

	s.manager.entriesWritten.Add(1)
	s.manager.logger.Debug("entry stored",
		slog.String("store", s.name),
		slog.String("key", key),
		slog.Int("bytes", len(data)))
	return nil
}

// Delete removes the entry under key. Deleting a missing key is a no-op.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Delete(ctx context.Context, key string) error {
	if ctx == nil {
		return ErrNilContext
	}
	if s.manager.closed.Load() {
		return ErrManagerClosed
	}

	err := s.manager.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete(entryKey(s.name, key))
	})
	if err != nil {
		return fmt.Errorf("delete %q from store %q: %w", key, s.name, err)
	}

	s.manager.entriesDeleted.Add(1)
	return nil
}

// Keys returns all entry keys in the store, sorted.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if s.manager.closed.Load() {
		return nil, ErrManagerClosed
	}

	var keys []string
	err := s.manager.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := entryKeyPrefix(s.name)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			keys = append(keys, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list keys in store %q: %w", s.name, err)
	}

	sort.Strings(keys)
	return keys, nil
}
