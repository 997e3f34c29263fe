// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package outbox

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SKALEZ-A/MorphSave-sub003/fetch"
	"github.com/SKALEZ-A/MorphSave-sub003/storage/badger"
)

var errNetwork = errors.New("dial tcp: connection refused")

const (
	depositURL = "https://app.morphsave.com/api/savings/deposit"
	goalURL    = "https://app.morphsave.com/api/goals"
	inviteURL  = "https://app.morphsave.com/api/friends/invite"
)

// replayFetcher scripts responses per URL and records replay order.
type replayFetcher struct {
	mu        sync.Mutex
	responses map[string]*fetch.Response
	errs      map[string]error
	order     []string
}

func newReplayFetcher() *replayFetcher {
	return &replayFetcher{
		responses: make(map[string]*fetch.Response),
		errs:      make(map[string]error),
	}
}

func (f *replayFetcher) respond(url string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = &fetch.Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{"ok":true}`),
	}
	delete(f.errs, url)
}

func (f *replayFetcher) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
	delete(f.responses, url)
}

func (f *replayFetcher) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *replayFetcher) Do(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	url := req.URL.String()
	f.order = append(f.order, url)

	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if resp, ok := f.responses[url]; ok {
		return resp.Clone(), nil
	}
	return nil, errNetwork
}

func newTestQueue(t *testing.T) (*Queue, *replayFetcher) {
	t.Helper()

	db, err := badger.OpenDB(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fetcher := newReplayFetcher()
	cfg := DefaultConfig()
	cfg.DB = db
	cfg.Fetcher = fetcher

	q, err := NewQueue(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q, fetcher
}

func postAction(url, body string) Action {
	return Action{
		URL:    url,
		Method: http.MethodPost,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(body),
	}
}

// TestNewQueue_Validation verifies config validation.
func TestNewQueue_Validation(t *testing.T) {
	db, err := badger.OpenDB(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	t.Run("requires db", func(t *testing.T) {
		_, err := NewQueue(Config{Fetcher: newReplayFetcher()})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "db must not be nil")
	})

	t.Run("requires fetcher", func(t *testing.T) {
		_, err := NewQueue(Config{DB: db})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "fetcher must not be nil")
	})

	t.Run("rejects negative max attempts", func(t *testing.T) {
		_, err := NewQueue(Config{DB: db, Fetcher: newReplayFetcher(), MaxAttempts: -1})
		assert.Error(t, err)
	})
}

// TestQueue_Enqueue verifies record creation and FIFO ordering.
func TestQueue_Enqueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	t.Run("assigns id and timestamp", func(t *testing.T) {
		require.NoError(t, q.Enqueue(ctx, postAction(depositURL, `{"amount":25}`)))

		actions, err := q.Actions(ctx)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.NotEmpty(t, actions[0].ID)
		assert.False(t, actions[0].EnqueuedAt.IsZero())
		assert.Zero(t, actions[0].Attempts)
	})

	t.Run("preserves enqueue order", func(t *testing.T) {
		require.NoError(t, q.Enqueue(ctx, postAction(goalURL, `{"name":"Vacation"}`)))
		require.NoError(t, q.Enqueue(ctx, postAction(inviteURL, `{"email":"a@b.c"}`)))

		actions, err := q.Actions(ctx)
		require.NoError(t, err)
		require.Len(t, actions, 3)
		assert.Equal(t, depositURL, actions[0].URL)
		assert.Equal(t, goalURL, actions[1].URL)
		assert.Equal(t, inviteURL, actions[2].URL)
		assert.Equal(t, int64(3), q.Len())
	})

	t.Run("rejects missing method or url", func(t *testing.T) {
		err := q.Enqueue(ctx, Action{URL: depositURL})
		assert.ErrorIs(t, err, ErrInvalidAction)

		err = q.Enqueue(ctx, Action{Method: http.MethodPost})
		assert.ErrorIs(t, err, ErrInvalidAction)
	})

	t.Run("nil context", func(t *testing.T) {
		err := q.Enqueue(nil, postAction(depositURL, "{}")) //nolint:staticcheck
		assert.ErrorIs(t, err, ErrNilContext)
	})
}

// TestQueue_EnqueueRequest verifies the strategy hand-off path copies
// the request rather than aliasing it.
func TestQueue_EnqueueRequest(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	req, err := fetch.NewRequest(http.MethodPost, depositURL)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer token-1")
	req.Body = []byte(`{"amount":50}`)

	require.NoError(t, q.EnqueueRequest(ctx, req))

	// Mutating the original request must not reach the stored action.
	req.Header.Set("Authorization", "Bearer token-2")
	req.Body[0] = 'X'

	actions, err := q.Actions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, http.MethodPost, actions[0].Method)
	assert.Equal(t, depositURL, actions[0].URL)
	assert.Equal(t, "Bearer token-1", actions[0].Header.Get("Authorization"))
	assert.Equal(t, []byte(`{"amount":50}`), actions[0].Body)

	t.Run("nil request", func(t *testing.T) {
		assert.ErrorIs(t, q.EnqueueRequest(ctx, nil), fetch.ErrNilRequest)
	})
}

// TestQueue_Drain verifies replay order, confirmed removal, and
// stop-on-first-failure.
func TestQueue_Drain(t *testing.T) {
	q, fetcher := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, postAction(depositURL, `{"amount":25}`)))
	require.NoError(t, q.Enqueue(ctx, postAction(goalURL, `{"name":"Vacation"}`)))
	require.NoError(t, q.Enqueue(ctx, postAction(inviteURL, `{"email":"a@b.c"}`)))

	fetcher.respond(depositURL, http.StatusCreated)
	fetcher.respond(goalURL, http.StatusOK)
	fetcher.fail(inviteURL, errNetwork)

	t.Run("stops at first failure", func(t *testing.T) {
		result, err := q.Drain(ctx)
		require.NoError(t, err)

		assert.Equal(t, 2, result.Replayed)
		assert.True(t, result.Failed)
		assert.False(t, result.Coalesced)
		assert.Equal(t, []string{depositURL, goalURL, inviteURL}, fetcher.callOrder())

		actions, err := q.Actions(ctx)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, inviteURL, actions[0].URL)
		assert.Equal(t, 1, actions[0].Attempts)
		assert.Equal(t, int64(1), q.Len())
	})

	t.Run("next drain empties the queue", func(t *testing.T) {
		fetcher.respond(inviteURL, http.StatusOK)

		result, err := q.Drain(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, result.Replayed)
		assert.False(t, result.Failed)
		assert.Equal(t, int64(0), q.Len())

		actions, err := q.Actions(ctx)
		require.NoError(t, err)
		assert.Empty(t, actions)
	})

	t.Run("draining an empty queue is a no-op", func(t *testing.T) {
		result, err := q.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, DrainResult{}, result)
	})
}

// TestQueue_DrainHeadFailure verifies that a failure at the head leaves
// the rest of the queue untouched.
func TestQueue_DrainHeadFailure(t *testing.T) {
	q, fetcher := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, postAction(depositURL, `{"amount":25}`)))
	require.NoError(t, q.Enqueue(ctx, postAction(goalURL, `{"name":"Vacation"}`)))

	fetcher.fail(depositURL, errNetwork)
	fetcher.respond(goalURL, http.StatusOK)

	result, err := q.Drain(ctx)
	require.NoError(t, err)

	assert.Zero(t, result.Replayed)
	assert.True(t, result.Failed)
	// Only the head was attempted.
	assert.Equal(t, []string{depositURL}, fetcher.callOrder())

	actions, err := q.Actions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, 1, actions[0].Attempts)
	assert.Zero(t, actions[1].Attempts)
}

// TestQueue_DrainServerResponses verifies the removal policy: any
// answer below 500 removes the action, 5xx counts as a failure.
func TestQueue_DrainServerResponses(t *testing.T) {
	q, fetcher := newTestQueue(t)
	ctx := context.Background()

	t.Run("4xx is rejected and removed", func(t *testing.T) {
		require.NoError(t, q.Enqueue(ctx, postAction(depositURL, `{"amount":25}`)))
		require.NoError(t, q.Enqueue(ctx, postAction(goalURL, `{"name":"Vacation"}`)))

		fetcher.respond(depositURL, http.StatusConflict)
		fetcher.respond(goalURL, http.StatusOK)

		result, err := q.Drain(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, result.Rejected)
		assert.Equal(t, 1, result.Replayed)
		assert.False(t, result.Failed)
		assert.Equal(t, int64(0), q.Len())
	})

	t.Run("5xx is retryable", func(t *testing.T) {
		require.NoError(t, q.Enqueue(ctx, postAction(inviteURL, `{"email":"a@b.c"}`)))
		fetcher.respond(inviteURL, http.StatusBadGateway)

		result, err := q.Drain(ctx)
		require.NoError(t, err)

		assert.True(t, result.Failed)
		assert.Zero(t, result.Rejected)

		actions, err := q.Actions(ctx)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, 1, actions[0].Attempts)
	})
}

// TestQueue_MaxAttempts verifies the drop ceiling.
func TestQueue_MaxAttempts(t *testing.T) {
	db, err := badger.OpenDB(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fetcher := newReplayFetcher()
	q, err := NewQueue(Config{DB: db, Fetcher: fetcher, MaxAttempts: 2})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, postAction(depositURL, `{"amount":25}`)))
	fetcher.fail(depositURL, errNetwork)

	result, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, result.Failed)
	assert.Zero(t, result.Dropped)

	// Second failure hits the ceiling and removes the action.
	result, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dropped)
	assert.Equal(t, int64(0), q.Len())

	actions, err := q.Actions(ctx)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

// gatedFetcher blocks inside Do until released, so tests can observe a
// drain pass in flight.
type gatedFetcher struct {
	entered chan struct{}
	release chan struct{}
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (f *gatedFetcher) Do(ctx context.Context, _ *fetch.Request) (*fetch.Response, error) {
	select {
	case f.entered <- struct{}{}:
	default:
	}
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &fetch.Response{
		Status: http.StatusOK,
		Header: http.Header{},
		Body:   []byte(`{"ok":true}`),
	}, nil
}

// TestQueue_DrainCoalesces verifies that overlapping drain calls
// collapse into one pass.
func TestQueue_DrainCoalesces(t *testing.T) {
	db, err := badger.OpenDB(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fetcher := newGatedFetcher()
	q, err := NewQueue(Config{DB: db, Fetcher: fetcher, MaxAttempts: 10})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, postAction(depositURL, `{"amount":25}`)))

	first := make(chan DrainResult, 1)
	go func() {
		result, err := q.Drain(ctx)
		require.NoError(t, err)
		first <- result
	}()

	// Wait until the first pass is mid-replay, then overlap it.
	<-fetcher.entered
	second, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, second.Coalesced)
	assert.Zero(t, second.Replayed)

	close(fetcher.release)
	result := <-first
	assert.False(t, result.Coalesced)
	assert.Equal(t, 1, result.Replayed)
	assert.Equal(t, int64(0), q.Len())
}

// TestQueue_SurvivesReopen verifies that pending actions and the
// sequence counter are recovered from disk.
func TestQueue_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := badger.DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0

	db, err := badger.OpenDB(cfg)
	require.NoError(t, err)

	fetcher := newReplayFetcher()
	qcfg := DefaultConfig()
	qcfg.DB = db
	qcfg.Fetcher = fetcher

	q, err := NewQueue(qcfg)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, postAction(depositURL, `{"amount":25}`)))
	require.NoError(t, q.Enqueue(ctx, postAction(goalURL, `{"name":"Vacation"}`)))

	require.NoError(t, q.Close())
	require.NoError(t, db.Close())

	// Reopen: both actions pending, new enqueues sort after them.
	db, err = badger.OpenDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	qcfg.DB = db
	q, err = NewQueue(qcfg)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	assert.Equal(t, int64(2), q.Len())
	require.NoError(t, q.Enqueue(ctx, postAction(inviteURL, `{"email":"a@b.c"}`)))

	fetcher.respond(depositURL, http.StatusOK)
	fetcher.respond(goalURL, http.StatusOK)
	fetcher.respond(inviteURL, http.StatusOK)

	result, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Replayed)
	assert.Equal(t, []string{depositURL, goalURL, inviteURL}, fetcher.callOrder())
}

// TestQueue_Closed verifies operations fail after Close.
func TestQueue_Closed(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Enqueue(ctx, postAction(depositURL, "{}")), ErrQueueClosed)

	_, err := q.Drain(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, err = q.Actions(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}
