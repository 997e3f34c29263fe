// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fetch defines the request and response values that flow through
// the offline engine, and the Fetcher interface the engine uses to reach
// the network.
//
// # Ownership Model
//
// Response.Body is an owned, single-consumption buffer:
//   - The component that receives a *Response owns its Body.
//   - A response that is both cached and returned to a caller MUST be
//     duplicated first via Clone(); the cache stores one copy, the caller
//     gets the other. Sharing one buffer lets a caller mutate cached bytes.
//   - The same contract applies to Request.Body for queued offline actions.
//
// Responses are fully buffered: a Fetcher reads the entire body before
// returning, so an abandoned fetch can never produce a partial cache entry.
package fetch

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Mode describes the context a request originates from.
type Mode string

const (
	// ModeNavigate marks a top-level document navigation.
	ModeNavigate Mode = "navigate"

	// ModeResource marks every other request (API call, asset, image).
	ModeResource Mode = "resource"
)

// Request is one outbound request captured at the interception point.
type Request struct {
	// Method is the HTTP method, uppercase.
	Method string

	// URL is the parsed target URL.
	URL *url.URL

	// Header holds the request headers. May be nil.
	Header http.Header

	// Body is the request body. Owned by this request; nil for GET.
	Body []byte

	// Mode distinguishes navigations from subresource requests.
	Mode Mode
}

// NewRequest builds a Request from a method and raw URL.
//
// Outputs:
//
//	*Request - Mode defaults to ModeResource; adjust on the result.
//	error - Non-nil if the URL does not parse.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url %q: %w", rawURL, err)
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: make(http.Header),
		Mode:   ModeResource,
	}, nil
}

// IsGET reports whether the request uses the GET method.
func (r *Request) IsGET() bool {
	return strings.EqualFold(r.Method, http.MethodGet)
}

// IsNavigation reports whether the request is a top-level navigation.
func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

// CacheKey returns the normalized cache key for this request: the
// uppercase method and the URL with its fragment stripped. The query
// string is preserved because API responses vary by query.
func (r *Request) CacheKey() string {
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return strings.ToUpper(r.Method) + " " + u.String()
}

// Clone returns a deep copy of the request with its own header map and
// body buffer.
func (r *Request) Clone() *Request {
	u := *r.URL
	dup := &Request{
		Method: r.Method,
		URL:    &u,
		Mode:   r.Mode,
	}
	if r.Header != nil {
		dup.Header = r.Header.Clone()
	}
	if r.Body != nil {
		dup.Body = make([]byte, len(r.Body))
		copy(dup.Body, r.Body)
	}
	return dup
}

// Response is a fully-buffered response, either fetched from the network
// or synthesized by the engine.
type Response struct {
	// Status is the HTTP status code.
	Status int

	// Header holds the response headers. May be nil for synthesized
	// responses that set only Content-Type.
	Header http.Header

	// Body is the response body. Owned; see the package ownership model.
	Body []byte

	// StoredAt is set when the response was served from a cache tier;
	// zero for network and synthesized responses.
	StoredAt time.Time
}

// OK reports whether the status code is in the 2xx range.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// ContentType returns the Content-Type header, or empty string.
func (r *Response) ContentType() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// Clone returns a deep copy with its own header map and body buffer.
// Call this before handing the same response to both a cache tier and a
// caller.
func (r *Response) Clone() *Response {
	dup := &Response{
		Status:   r.Status,
		StoredAt: r.StoredAt,
	}
	if r.Header != nil {
		dup.Header = r.Header.Clone()
	}
	if r.Body != nil {
		dup.Body = make([]byte, len(r.Body))
		copy(dup.Body, r.Body)
	}
	return dup
}

// Event is what the interception point receives for every outbound
// request: the request itself plus the identity of the UI context that
// issued it.
type Event struct {
	// Request is the intercepted request. Required.
	Request *Request

	// ClientID identifies the issuing UI context. May be empty.
	ClientID string
}
