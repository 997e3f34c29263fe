// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/SKALEZ-A/MorphSave-sub003/telemetry"
)

// ErrNilRequest is returned when a Fetcher receives a nil request.
var ErrNilRequest = errors.New("request must not be nil")

// Fetcher is the network capability the engine depends on. The engine
// imposes no timeout of its own; timeout policy belongs to the Fetcher
// implementation and the caller's context.
type Fetcher interface {
	// Do performs the request and returns a fully-buffered response.
	// A returned error means the network was unreachable or the body
	// could not be read in full; it never wraps an HTTP error status.
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPFetcher adapts an *http.Client to the Fetcher interface.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher around the given client. A nil client
// falls back to http.DefaultClient.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client}
}

// Do performs the request and buffers the full response body before
// returning, so a cancelled or failed read never yields a partial
// response.
func (f *HTTPFetcher) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, ErrNilRequest
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", req.Method, req.URL, err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	telemetry.InjectContext(ctx, httpReq.Header)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body %s %s: %w", req.Method, req.URL, err)
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   payload,
	}, nil
}
