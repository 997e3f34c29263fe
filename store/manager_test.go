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
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SKALEZ-A/MorphSave-sub003/storage/badger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	db, err := badger.OpenDB(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m, err := NewManager(Config{DB: db})
	require.NoError(t, err)
	return m
}

func okEntry(body string) Entry {
	return Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(body),
	}
}

// TestNewManager_RequiresDB verifies config validation.
func TestNewManager_RequiresDB(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "db must not be nil")
}

// TestManager_OpenStore verifies idempotent opens and name validation.
func TestManager_OpenStore(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	t.Run("open is idempotent", func(t *testing.T) {
		s1, err := m.OpenStore(ctx, "v1-static")
		require.NoError(t, err)

		s2, err := m.OpenStore(ctx, "v1-static")
		require.NoError(t, err)

		// Both handles address the same data.
		require.NoError(t, s1.Put(ctx, "GET https://app.morphsave.com/", okEntry("shell")))
		entry, err := s2.Get(ctx, "GET https://app.morphsave.com/")
		require.NoError(t, err)
		assert.Equal(t, []byte("shell"), entry.Body)

		names, err := m.ListStores(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"v1-static"}, names)
	})

	t.Run("rejects empty name", func(t *testing.T) {
		_, err := m.OpenStore(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidStoreName)
	})

	t.Run("rejects separator in name", func(t *testing.T) {
		_, err := m.OpenStore(ctx, "v1:static")
		assert.ErrorIs(t, err, ErrInvalidStoreName)
	})
}

// TestStore_PutGet verifies the entry round trip and copy semantics.
func TestStore_PutGet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.OpenStore(ctx, "v1-dynamic")
	require.NoError(t, err)

	key := "GET https://app.morphsave.com/api/savings"
	require.NoError(t, s.Put(ctx, key, okEntry(`{"total":100}`)))

	entry, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, entry.Status)
	assert.Equal(t, "application/json", entry.Header.Get("Content-Type"))
	assert.Equal(t, []byte(`{"total":100}`), entry.Body)
	assert.False(t, entry.StoredAt.IsZero())

	t.Run("returned entries are fresh copies", func(t *testing.T) {
		entry.Body[0] = 'X'
		again, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, byte('{'), again.Body[0])
	})

	t.Run("last write wins", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, key, okEntry(`{"total":250}`)))
		entry, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"total":250}`), entry.Body)
	})
}

// TestStore_Put_RejectsFailedResponses verifies the 2xx-only invariant.
func TestStore_Put_RejectsFailedResponses(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.OpenStore(ctx, "v1-dynamic")
	require.NoError(t, err)

	for _, status := range []int{http.StatusMovedPermanently, http.StatusNotFound, http.StatusInternalServerError} {
		err := s.Put(ctx, "GET https://app.morphsave.com/api/savings", Entry{Status: status, Body: []byte("nope")})
		assert.ErrorIs(t, err, ErrNotCacheable, "status %d must not be cacheable", status)
	}

	_, err = s.Get(ctx, "GET https://app.morphsave.com/api/savings")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

// TestStore_GetMissing verifies the miss sentinel.
func TestStore_GetMissing(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.OpenStore(ctx, "v1-image")
	require.NoError(t, err)

	_, err = s.Get(ctx, "GET https://app.morphsave.com/icons/icon-192x192.png")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

// TestStore_Delete verifies removal and idempotence.
func TestStore_Delete(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.OpenStore(ctx, "v1-dynamic")
	require.NoError(t, err)

	key := "GET https://app.morphsave.com/api/achievements"
	require.NoError(t, s.Put(ctx, key, okEntry("[]")))
	require.NoError(t, s.Delete(ctx, key))

	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, s.Delete(ctx, key))
}

// TestStore_Keys verifies per-store key enumeration.
func TestStore_Keys(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	static, err := m.OpenStore(ctx, "v1-static")
	require.NoError(t, err)
	dynamic, err := m.OpenStore(ctx, "v1-dynamic")
	require.NoError(t, err)

	require.NoError(t, static.Put(ctx, "GET https://app.morphsave.com/", okEntry("a")))
	require.NoError(t, static.Put(ctx, "GET https://app.morphsave.com/offline", okEntry("b")))
	require.NoError(t, dynamic.Put(ctx, "GET https://app.morphsave.com/api/savings", okEntry("c")))

	keys, err := static.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"GET https://app.morphsave.com/",
		"GET https://app.morphsave.com/offline",
	}, keys)

	keys, err = dynamic.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET https://app.morphsave.com/api/savings"}, keys)
}

// TestManager_DeleteStore verifies store removal drops its entries.
func TestManager_DeleteStore(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.OpenStore(ctx, "v1-image")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "GET https://app.morphsave.com/logo.png", okEntry("png")))

	require.NoError(t, m.DeleteStore(ctx, "v1-image"))

	names, err := m.ListStores(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	// The data is gone even if the store is reopened.
	s2, err := m.OpenStore(ctx, "v1-image")
	require.NoError(t, err)
	_, err = s2.Get(ctx, "GET https://app.morphsave.com/logo.png")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

// TestManager_DeleteStore_Missing verifies the not-found sentinel.
func TestManager_DeleteStore_Missing(t *testing.T) {
	m := newTestManager(t)
	err := m.DeleteStore(context.Background(), "never-opened")
	assert.ErrorIs(t, err, ErrStoreNotFound)
}

// TestManager_RemoveStoresExcept verifies version migration: stale and
// unrelated stores are deleted, the current tiers survive.
func TestManager_RemoveStoresExcept(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, name := range []string{"v1-static", "v1-dynamic", "old-unrelated", "v2-static", "v2-dynamic", "v2-image"} {
		s, err := m.OpenStore(ctx, name)
		require.NoError(t, err)
		require.NoError(t, s.Put(ctx, "GET https://app.morphsave.com/x", okEntry(name)))
	}

	removed, err := m.RemoveStoresExcept(ctx, []string{"v2-static", "v2-dynamic", "v2-image"})
	require.NoError(t, err)
	assert.Equal(t, []string{"old-unrelated", "v1-dynamic", "v1-static"}, removed)

	names, err := m.ListStores(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2-dynamic", "v2-image", "v2-static"}, names)

	// Surviving stores keep their entries.
	s, err := m.OpenStore(ctx, "v2-static")
	require.NoError(t, err)
	entry, err := s.Get(ctx, "GET https://app.morphsave.com/x")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2-static"), entry.Body)

	// Keeping a name that was never opened is fine.
	removed, err = m.RemoveStoresExcept(ctx, []string{"v2-static", "v2-dynamic", "v2-image", "v3-static"})
	require.NoError(t, err)
	assert.Empty(t, removed)
}

// TestManager_PersistsAcrossReopen verifies entries survive a restart.
func TestManager_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := badger.DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0

	db, err := badger.OpenDB(cfg)
	require.NoError(t, err)

	m, err := NewManager(Config{DB: db})
	require.NoError(t, err)

	s, err := m.OpenStore(ctx, "v1-dynamic")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "GET https://app.morphsave.com/api/savings", okEntry("persisted")))
	require.NoError(t, db.Close())

	db2, err := badger.OpenDB(cfg)
	require.NoError(t, err)
	defer db2.Close()

	m2, err := NewManager(Config{DB: db2})
	require.NoError(t, err)

	names, err := m2.ListStores(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1-dynamic"}, names)

	s2, err := m2.OpenStore(ctx, "v1-dynamic")
	require.NoError(t, err)
	entry, err := s2.Get(ctx, "GET https://app.morphsave.com/api/savings")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), entry.Body)
}

// TestManager_Closed verifies operations fail after Close.
func TestManager_Closed(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.OpenStore(ctx, "v1-static")
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = m.OpenStore(ctx, "v1-dynamic")
	assert.ErrorIs(t, err, ErrManagerClosed)
	_, err = m.ListStores(ctx)
	assert.ErrorIs(t, err, ErrManagerClosed)
	_, err = s.Get(ctx, "GET https://app.morphsave.com/")
	assert.ErrorIs(t, err, ErrManagerClosed)
	err = s.Put(ctx, "GET https://app.morphsave.com/", okEntry("x"))
	assert.ErrorIs(t, err, ErrManagerClosed)
}

// TestManager_Stats verifies counter bookkeeping.
func TestManager_Stats(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.OpenStore(ctx, "v1-dynamic")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "GET https://app.morphsave.com/a", okEntry("a")))
	require.NoError(t, s.Put(ctx, "GET https://app.morphsave.com/b", okEntry("b")))
	require.NoError(t, s.Delete(ctx, "GET https://app.morphsave.com/a"))
	require.NoError(t, m.DeleteStore(ctx, "v1-dynamic"))

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.EntriesWritten)
	assert.Equal(t, int64(1), stats.EntriesDeleted)
	assert.Equal(t, int64(1), stats.StoresDropped)
}

// TestTierNames verifies the tier naming convention.
func TestTierNames(t *testing.T) {
	assert.Equal(t, "v2-static", Name(TierStatic, "v2"))
	assert.Equal(t, "v2-dynamic", Name(TierDynamic, "v2"))
	assert.Equal(t, "v2-image", Name(TierImage, "v2"))
	assert.Len(t, Tiers(), 3)
}
