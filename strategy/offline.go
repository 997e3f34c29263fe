// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package strategy

import (
	"net/http"

	"github.com/SKALEZ-A/MorphSave-sub003/fetch"
)

// Synthesized responses served when the network is unreachable and no
// cache entry can stand in. Each constructor returns a fresh Response
// with its own buffers; callers own what they get.

// placeholderSVG is the image served in place of an unfetchable image.
const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="400" height="300" viewBox="0 0 400 300">` +
	`<rect width="400" height="300" fill="#e2e8f0"/>` +
	`<text x="200" y="150" text-anchor="middle" font-family="sans-serif" font-size="16" fill="#64748b">Image unavailable offline</text>` +
	`</svg>`

// offlineJSONBody is the structured body for critical API endpoints.
const offlineJSONBody = `{"error":"offline","message":"You are offline. This request needs a network connection and will work again once you reconnect."}`

// offlinePageBody is the generic body for failed navigations with no
// cached document.
const offlinePageBody = "You are offline and this page has not been saved for offline use yet. MorphSave will reconnect automatically."

// PlaceholderImage returns the synthesized image response: fixed content
// type, fixed non-empty body, success status so the UI renders it.
func PlaceholderImage() *fetch.Response {
	return &fetch.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"image/svg+xml"}},
		Body:   []byte(placeholderSVG),
	}
}

// OfflineJSON returns the synthesized response for a critical endpoint:
// service-unavailable status with a structured JSON error body.
func OfflineJSON() *fetch.Response {
	return &fetch.Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(offlineJSONBody),
	}
}

// OfflinePage returns the generic offline response for navigations:
// service-unavailable status with a plain-text body.
func OfflinePage() *fetch.Response {
	return &fetch.Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte(offlinePageBody),
	}
}
