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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewRequest verifies request construction and method normalization.
func TestNewRequest(t *testing.T) {
	req, err := NewRequest("get", "https://app.morphsave.com/api/savings?page=2")
	require.NoError(t, err)

	assert.Equal(t, "GET", req.Method)
	assert.True(t, req.IsGET())
	assert.Equal(t, ModeResource, req.Mode)
	assert.False(t, req.IsNavigation())
	assert.Equal(t, "/api/savings", req.URL.Path)
}

// TestRequest_CacheKey verifies key normalization: fragment dropped,
// query preserved, method uppercased.
func TestRequest_CacheKey(t *testing.T) {
	tests := []struct {
		name   string
		method string
		rawURL string
		want   string
	}{
		{
			name:   "plain path",
			method: "GET",
			rawURL: "https://app.morphsave.com/dashboard",
			want:   "GET https://app.morphsave.com/dashboard",
		},
		{
			name:   "fragment stripped",
			method: "GET",
			rawURL: "https://app.morphsave.com/dashboard#goals",
			want:   "GET https://app.morphsave.com/dashboard",
		},
		{
			name:   "query preserved",
			method: "GET",
			rawURL: "https://app.morphsave.com/api/leaderboard?period=week",
			want:   "GET https://app.morphsave.com/api/leaderboard?period=week",
		},
		{
			name:   "lowercase method normalized",
			method: "get",
			rawURL: "https://app.morphsave.com/",
			want:   "GET https://app.morphsave.com/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewRequest(tt.method, tt.rawURL)
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.CacheKey())
		})
	}
}

// TestResponse_Clone verifies the cloned buffers are independent.
func TestResponse_Clone(t *testing.T) {
	orig := &Response{
		Status: 200,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{"balance":125.50}`),
	}

	dup := orig.Clone()
	require.Equal(t, orig.Body, dup.Body)
	require.Equal(t, orig.Header, dup.Header)

	// Mutating the clone must not reach the original.
	dup.Body[0] = 'X'
	dup.Header.Set("Content-Type", "text/plain")

	assert.Equal(t, byte('{'), orig.Body[0])
	assert.Equal(t, "application/json", orig.Header.Get("Content-Type"))
}

// TestRequest_Clone verifies request clones own their body and headers.
func TestRequest_Clone(t *testing.T) {
	req, err := NewRequest("POST", "https://app.morphsave.com/api/savings/deposit")
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer abc")
	req.Body = []byte(`{"amount":25}`)

	dup := req.Clone()
	dup.Body[0] = 'X'
	dup.Header.Set("Authorization", "Bearer xyz")

	assert.Equal(t, byte('{'), req.Body[0])
	assert.Equal(t, "Bearer abc", req.Header.Get("Authorization"))
}

// TestResponse_OK verifies the 2xx range check.
func TestResponse_OK(t *testing.T) {
	assert.True(t, (&Response{Status: 200}).OK())
	assert.True(t, (&Response{Status: 204}).OK())
	assert.False(t, (&Response{Status: 301}).OK())
	assert.False(t, (&Response{Status: 404}).OK())
	assert.False(t, (&Response{Status: 503}).OK())
}

// TestHTTPFetcher_Do verifies the adapter buffers full responses.
func TestHTTPFetcher_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	req, err := NewRequest("GET", srv.URL+"/api/auth/me")
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer abc")

	f := NewHTTPFetcher(nil)
	resp, err := f.Do(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "application/json", resp.ContentType())
	assert.Equal(t, []byte(`{"ok":true}`), resp.Body)
}

// TestHTTPFetcher_Do_NetworkError verifies transport failures surface as
// errors, not responses.
func TestHTTPFetcher_Do_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // unreachable from here on

	req, err := NewRequest("GET", srv.URL+"/api/savings")
	require.NoError(t, err)

	f := NewHTTPFetcher(nil)
	resp, err := f.Do(context.Background(), req)
	assert.Error(t, err)
	assert.Nil(t, resp)
}

// TestHTTPFetcher_Do_NilRequest verifies the nil guard.
func TestHTTPFetcher_Do_NilRequest(t *testing.T) {
	f := NewHTTPFetcher(nil)
	_, err := f.Do(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilRequest)
}

// TestHTTPFetcher_Do_HTTPErrorStatus verifies that an HTTP error status
// is returned as a response, not an error.
func TestHTTPFetcher_Do_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	req, err := NewRequest("GET", srv.URL+"/api/achievements")
	require.NoError(t, err)

	f := NewHTTPFetcher(nil)
	resp, err := f.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.False(t, resp.OK())
}
