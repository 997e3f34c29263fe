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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Handler consumes raw push message bodies. *Relay implements it.
type Handler interface {
	OnPush(ctx context.Context, payload []byte) (Notification, error)
}

// ReceiverConfig holds configuration for a Receiver.
type ReceiverConfig struct {
	// URL is the push gateway websocket endpoint (ws:// or wss://).
	// Required.
	URL string

	// Handler receives each frame. Required.
	Handler Handler

	// Dialer is the websocket dialer. If nil, websocket.DefaultDialer
	// is used.
	Dialer *websocket.Dialer

	// InitialBackoff is the delay before the first reconnect attempt.
	// Default: 1 second.
	InitialBackoff time.Duration

	// MaxBackoff caps the reconnect delay. Default: 1 minute.
	MaxBackoff time.Duration

	// Logger for receiver events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c ReceiverConfig) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.Handler == nil {
		return errors.New("handler must not be nil")
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return errors.New("backoff must not be negative")
	}
	return nil
}

// Receiver feeds push messages from a websocket gateway into a Handler.
//
// Description:
//
//	Maintains one connection to the gateway, handing every received
//	frame to the Handler. Connection loss triggers reconnects with
//	exponential backoff, reset after a successful dial. Handler errors
//	are logged and do not affect the connection; an invalid payload
//	must not cost the subscription.
//
// Thread Safety: Safe for concurrent use.
type Receiver struct {
	url     string
	handler Handler
	dialer  *websocket.Dialer
	initial time.Duration
	max     time.Duration
	logger  *slog.Logger

	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReceiver creates a push receiver. Not connected until Start.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Receiver{
		url:     cfg.URL,
		handler: cfg.Handler,
		dialer:  cfg.Dialer,
		initial: cfg.InitialBackoff,
		max:     cfg.MaxBackoff,
		logger:  cfg.Logger.With(slog.String("component", "push.receiver")),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins receiving in a background goroutine.
func (r *Receiver) Start() error {
	if r.stopped.Load() {
		return ErrReceiverClosed
	}
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}
	go r.run()
	return nil
}

// Stop disconnects and waits for the receive loop to finish. Safe to
// call more than once.
func (r *Receiver) Stop() {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}
	close(r.stopCh)
	if r.started.Load() {
		<-r.doneCh
	}
}

func (r *Receiver) run() {
	defer close(r.doneCh)

	backoff := r.initial
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		conn, _, err := r.dialer.Dial(r.url, nil)
		if err != nil {
			recordReconnect(context.Background())
			r.logger.Warn("push gateway dial failed",
				slog.String("url", r.url),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			if !r.sleep(backoff) {
				return
			}
			backoff = min(backoff*2, r.max)
			continue
		}

		r.logger.Info("push gateway connected", slog.String("url", r.url))
		backoff = r.initial
		r.serveConn(conn)

		select {
		case <-r.stopCh:
			return
		default:
			recordReconnect(context.Background())
			r.logger.Warn("push gateway connection lost, reconnecting",
				slog.Duration("retry_in", backoff))
			if !r.sleep(backoff) {
				return
			}
			backoff = min(backoff*2, r.max)
		}
	}
}

// serveConn reads frames until the connection fails or Stop is called.
func (r *Receiver) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	// Unblock the read on Stop by closing the connection under it.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-r.stopCh:
			conn.Close()
		case <-readDone:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if _, err := r.handler.OnPush(context.Background(), data); err != nil {
			r.logger.Warn("push frame rejected", slog.String("error", err.Error()))
		}
	}
}

// sleep waits for the duration, returning false if Stop interrupted it.
func (r *Receiver) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-r.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
