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
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/SKALEZ-A/MorphSave-sub003/fetch"
	"github.com/SKALEZ-A/MorphSave-sub003/storage/badger"
)

// Action is one mutating request that could not reach the network.
type Action struct {
	// ID uniquely identifies the action.
	ID string

	// URL is the original request URL.
	URL string

	// Method is the original HTTP method.
	Method string

	// Header holds the original request headers.
	Header http.Header

	// Body is the original request body.
	Body []byte

	// EnqueuedAt is when the action entered the queue.
	EnqueuedAt time.Time

	// Attempts counts failed replays so far.
	Attempts int
}

// Key format: "action:{seq_num:016d}". Zero-padding makes lexical key
// order equal enqueue order.
const actionKeyPrefix = "action:"

func actionKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", actionKeyPrefix, seq))
}

// Config holds configuration for a Queue.
type Config struct {
	// DB is the shared BadgerDB instance. Required. The Queue does not
	// close it.
	DB *badger.DB

	// Fetcher replays actions against the network. Required.
	Fetcher fetch.Fetcher

	// MaxAttempts is the ceiling of failed replays before an action is
	// dropped. 0 disables the ceiling. Default (via DefaultConfig): 10.
	MaxAttempts int

	// ReplayRate paces replays within one drain pass, in actions per
	// second. 0 means unpaced.
	ReplayRate rate.Limit

	// ReplayBurst is the burst size for ReplayRate. Default: 1 when
	// ReplayRate is set.
	ReplayBurst int

	// Logger for queue events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// DefaultConfig returns the production queue policy: drop after 10
// failed replays, no pacing.
func DefaultConfig() Config {
	return Config{MaxAttempts: 10}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DB == nil {
		return errors.New("db must not be nil")
	}
	if c.Fetcher == nil {
		return errors.New("fetcher must not be nil")
	}
	if c.MaxAttempts < 0 {
		return errors.New("max attempts must not be negative")
	}
	return nil
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	// Replayed actions were confirmed and removed.
	Replayed int

	// Rejected actions were refused by the server (4xx) and removed;
	// replaying a refused request cannot succeed.
	Rejected int

	// Dropped actions exceeded the max-attempts ceiling and were
	// removed.
	Dropped int

	// Failed is true when the pass stopped on a retryable failure; the
	// failing action stays at the head of the queue.
	Failed bool

	// Coalesced is true when another drain pass was already running
	// and this call did nothing.
	Coalesced bool
}

// Queue is the durable offline action queue. See the package
// documentation for ordering and ownership.
type Queue struct {
	db          *badger.DB
	fetcher     fetch.Fetcher
	maxAttempts int
	limiter     *rate.Limiter
	logger      *slog.Logger

	seq      atomic.Uint64
	pending  atomic.Int64
	draining atomic.Bool
	closed   atomic.Bool
}

// NewQueue opens the queue over the shared database, recovering the
// sequence counter and pending count from existing records.
//
// Outputs:
//
//	*Queue - Ready for use; any actions from previous runs are pending.
//	error - Non-nil if the configuration is invalid or recovery fails.
//
// Thread Safety: Safe for concurrent use.
func NewQueue(cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	q := &Queue{
		db:          cfg.DB,
		fetcher:     cfg.Fetcher,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger.With(slog.String("component", "outbox")),
	}

	if cfg.ReplayRate > 0 {
		burst := cfg.ReplayBurst
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(cfg.ReplayRate, burst)
	}

	if err := q.recover(); err != nil {
		return nil, fmt.Errorf("recover queue state: %w", err)
	}

	actionsPending.Set(float64(q.pending.Load()))
	if q.pending.Load() > 0 {
		q.logger.Info("offline queue recovered",
			slog.Int64("pending", q.pending.Load()),
			slog.Uint64("last_seq", q.seq.Load()))
	}
	return q, nil
}

// recover scans existing records for the highest sequence number and the
// pending count.
func (q *Queue) recover() error {
	var maxSeq uint64
	var count int64

	err := q.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(actionKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
			key := it.Item().Key()
			seqStr := string(key[len(prefix):])
			var seq uint64
			if _, err := fmt.Sscanf(seqStr, "%016d", &seq); err == nil && seq > maxSeq {
				maxSeq = seq
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	q.seq.Store(maxSeq)
	q.pending.Store(count)
	return nil
}

// Close marks the queue closed. A drain pass in progress stops before
// its next replay. The underlying database is left open for its owner.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}

// Len returns the number of actions waiting for replay.
func (q *Queue) Len() int64 {
	return q.pending.Load()
}

// EnqueueRequest queues a failed mutating request for later replay.
// This is the strategy engine's hand-off point.
func (q *Queue) EnqueueRequest(ctx context.Context, req *fetch.Request) error {
	if req == nil {
		return fetch.ErrNilRequest
	}
	dup := req.Clone()
	return q.Enqueue(ctx, Action{
		URL:    dup.URL.String(),
		Method: dup.Method,
		Header: dup.Header,
		Body:   dup.Body,
	})
}

// Enqueue appends an action to the end of the queue with Attempts reset
// to zero. Missing IDs and timestamps are filled in.
//
// Thread Safety: Safe for concurrent use, including during a drain.
func (q *Queue) Enqueue(ctx context.Context, action Action) error {
	if ctx == nil {
		return ErrNilContext
	}
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if action.Method == "" || action.URL == "" {
		return fmt.Errorf("%w: method and url are required", ErrInvalidAction)
	}

	ctx, span := outboxTracer.Start(ctx, "outbox.Enqueue",
		trace.WithAttributes(
			attribute.String("method", action.Method),
			attribute.String("url", action.URL),
		))
	defer span.End()

	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.EnqueuedAt.IsZero() {
		action.EnqueuedAt = time.Now()
	}
	action.Attempts = 0

	data, err := encodeAction(action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return fmt.Errorf("encode action: %w", err)
	}

	seq := q.seq.Add(1)
	err = q.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(actionKey(seq), data)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("write action: %w", err)
	}

	q.pending.Add(1)
	actionsEnqueuedTotal.Inc()
	actionsPending.Set(float64(q.pending.Load()))

	q.logger.Info("offline action queued",
		slog.String("id", action.ID),
		slog.String("method", action.Method),
		slog.String("url", action.URL),
		slog.Int64("pending", q.pending.Load()))
	return nil
}

// Actions returns the pending actions in replay order. Intended for
// hosts rendering a "saved, will retry" view; the returned slice is a
// snapshot the caller owns.
func (q *Queue) Actions(ctx context.Context) ([]Action, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	var actions []Action
	err := q.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(actionKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				action, err := decodeAction(val)
				if err != nil {
					return err
				}
				actions = append(actions, action)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return actions, nil
}

// Drain replays pending actions strictly in enqueue order.
//
// Description:
//
//	Invoked on the reconnect signal. Each action is replayed with its
//	original method, URL, headers and body. A confirmed replay (the
//	server answered below 500) removes the action; a 4xx answer is
//	logged as permanently rejected and also removed. A transport error
//	or 5xx answer increments the action's attempt count in place and
//	stops the pass so a still-unreachable network is not hammered.
//	Actions whose attempts reach the configured ceiling are dropped.
//
//	Overlapping calls coalesce: if a pass is already running, Drain
//	returns immediately with Coalesced set. Draining an empty queue is
//	a no-op.
//
// Outputs:
//
//	DrainResult - Counts for the pass.
//	error - Non-nil only for store-level failures; replay failures are
//	        recorded in the result, never returned.
//
// Thread Safety: Safe for concurrent use.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	if ctx == nil {
		return DrainResult{}, ErrNilContext
	}
	if q.closed.Load() {
		return DrainResult{}, ErrQueueClosed
	}

	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{Coalesced: true}, nil
	}
	defer q.draining.Store(false)

	ctx, span := outboxTracer.Start(ctx, "outbox.Drain")
	defer span.End()

	start := time.Now()
	defer func() {
		drainDuration.Observe(time.Since(start).Seconds())
	}()

	keys, err := q.snapshotKeys(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot failed")
		return DrainResult{}, err
	}

	var result DrainResult
	for _, key := range keys {
		if q.closed.Load() {
			break
		}
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return result, err
		}
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return result, err
			}
		}

		stop, err := q.replayOne(ctx, key, &result)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "replay bookkeeping failed")
			return result, err
		}
		if stop {
			result.Failed = true
			break
		}
	}

	actionsPending.Set(float64(q.pending.Load()))
	span.SetAttributes(
		attribute.Int("replayed", result.Replayed),
		attribute.Int("rejected", result.Rejected),
		attribute.Int("dropped", result.Dropped),
		attribute.Bool("failed", result.Failed),
	)

	if result.Replayed+result.Rejected+result.Dropped > 0 || result.Failed {
		q.logger.Info("drain pass finished",
			slog.Int("replayed", result.Replayed),
			slog.Int("rejected", result.Rejected),
			slog.Int("dropped", result.Dropped),
			slog.Bool("stopped_on_failure", result.Failed),
			slog.Int64("pending", q.pending.Load()))
	}
	return result, nil
}

// snapshotKeys returns the pending action keys in replay order. Actions
// enqueued after the snapshot wait for the next pass.
func (q *Queue) snapshotKeys(ctx context.Context) ([][]byte, error) {
	var keys [][]byte
	err := q.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(actionKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot queue: %w", err)
	}
	return keys, nil
}

// replayOne processes a single action. It returns stop=true when the
// pass must end (retryable failure), and a non-nil error only for
// store-level failures.
func (q *Queue) replayOne(ctx context.Context, key []byte, result *DrainResult) (stop bool, err error) {
	var action Action
	readErr := q.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			a, err := decodeAction(val)
			if err != nil {
				return err
			}
			action = a
			return nil
		})
	})
	if errors.Is(readErr, dgbadger.ErrKeyNotFound) {
		return false, nil
	}
	if errors.Is(readErr, ErrCorruptAction) {
		// An undecodable action can never replay; drop it so it does
		// not wedge the queue head forever.
		q.logger.Error("dropping corrupt offline action",
			slog.String("key", string(key)),
			slog.String("error", readErr.Error()))
		actionsReplayedTotal.WithLabelValues(outcomeCorrupt).Inc()
		return false, q.remove(ctx, key)
	}
	if readErr != nil {
		return false, fmt.Errorf("read action: %w", readErr)
	}

	req, buildErr := buildRequest(action)
	if buildErr != nil {
		q.logger.Error("dropping unreplayable offline action",
			slog.String("id", action.ID),
			slog.String("error", buildErr.Error()))
		actionsReplayedTotal.WithLabelValues(outcomeCorrupt).Inc()
		return false, q.remove(ctx, key)
	}

	resp, fetchErr := q.fetcher.Do(ctx, req)
	switch {
	case fetchErr == nil && resp.Status < http.StatusBadRequest:
		// Confirmed replay.
		if err := q.remove(ctx, key); err != nil {
			return false, err
		}
		result.Replayed++
		actionsReplayedTotal.WithLabelValues(outcomeReplayed).Inc()
		q.logger.Info("offline action replayed",
			slog.String("id", action.ID),
			slog.String("method", action.Method),
			slog.String("url", action.URL),
			slog.Int("status", resp.Status))
		return false, nil

	case fetchErr == nil && resp.Status < http.StatusInternalServerError:
		// The server answered and refused; retrying cannot succeed.
		if err := q.remove(ctx, key); err != nil {
			return false, err
		}
		result.Rejected++
		actionsReplayedTotal.WithLabelValues(outcomeRejected).Inc()
		q.logger.Warn("offline action rejected by server",
			slog.String("id", action.ID),
			slog.String("method", action.Method),
			slog.String("url", action.URL),
			slog.Int("status", resp.Status))
		return false, nil

	default:
		// Transport error or 5xx: retryable.
		action.Attempts++
		actionsReplayedTotal.WithLabelValues(outcomeFailed).Inc()

		if q.maxAttempts > 0 && action.Attempts >= q.maxAttempts {
			if err := q.remove(ctx, key); err != nil {
				return false, err
			}
			result.Dropped++
			actionsReplayedTotal.WithLabelValues(outcomeDropped).Inc()
			q.logger.Warn("offline action dropped after max attempts",
				slog.String("id", action.ID),
				slog.String("url", action.URL),
				slog.Int("attempts", action.Attempts))
			return true, nil
		}

		data, encErr := encodeAction(action)
		if encErr != nil {
			return false, fmt.Errorf("re-encode action: %w", encErr)
		}
		writeErr := q.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
			return txn.Set(key, data)
		})
		if writeErr != nil {
			return false, fmt.Errorf("update action attempts: %w", writeErr)
		}

		q.logger.Warn("offline action replay failed, stopping pass",
			slog.String("id", action.ID),
			slog.String("url", action.URL),
			slog.Int("attempts", action.Attempts))
		return true, nil
	}
}

// remove deletes an action record and adjusts the pending count.
func (q *Queue) remove(ctx context.Context, key []byte) error {
	err := q.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("remove action: %w", err)
	}
	q.pending.Add(-1)
	return nil
}

// buildRequest reconstructs the original request from a stored action.
func buildRequest(action Action) (*fetch.Request, error) {
	req, err := fetch.NewRequest(action.Method, action.URL)
	if err != nil {
		return nil, err
	}
	if action.Header != nil {
		req.Header = action.Header.Clone()
	}
	if action.Body != nil {
		req.Body = make([]byte, len(action.Body))
		copy(req.Body, action.Body)
	}
	return req, nil
}

// Value format: [4-byte CRC32 BE][gob-encoded action].

func encodeAction(action Action) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(action); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())
	result := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(result[:4], crc)
	copy(result[4:], buf.Bytes())
	return result, nil
}

func decodeAction(data []byte) (Action, error) {
	var action Action
	if len(data) < 4 {
		return action, fmt.Errorf("%w: value too short (%d bytes)", ErrCorruptAction, len(data))
	}

	storedCRC := binary.BigEndian.Uint32(data[:4])
	gobData := data[4:]
	if crc32.ChecksumIEEE(gobData) != storedCRC {
		return action, fmt.Errorf("%w: checksum mismatch", ErrCorruptAction)
	}

	dec := gob.NewDecoder(bytes.NewReader(gobData))
	if err := dec.Decode(&action); err != nil {
		return action, fmt.Errorf("%w: gob decode: %v", ErrCorruptAction, err)
	}
	return action, nil
}
