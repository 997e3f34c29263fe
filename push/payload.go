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
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// pushValidate is the validator instance for push payloads.
var pushValidate *validator.Validate

func init() {
	pushValidate = validator.New()
}

// PayloadAction is one action button on a notification.
type PayloadAction struct {
	Action string `json:"action" validate:"required"`
	Title  string `json:"title" validate:"required"`
}

// NotificationPayload is the JSON body of one push message.
//
// Title is required; everything else is optional. Data carries
// app-defined values; the "url" key, when present and a string, is the
// notification's target.
type NotificationPayload struct {
	Title   string          `json:"title" validate:"required"`
	Body    string          `json:"body"`
	Icon    string          `json:"icon,omitempty"`
	Badge   string          `json:"badge,omitempty"`
	Data    map[string]any  `json:"data,omitempty"`
	Actions []PayloadAction `json:"actions,omitempty" validate:"dive"`
}

// Validate validates the payload fields.
func (p *NotificationPayload) Validate() error {
	return pushValidate.Struct(p)
}

// TargetURL returns the payload's target, falling back to the given
// landing route when the payload carries none.
func (p *NotificationPayload) TargetURL(landingRoute string) string {
	if v, ok := p.Data["url"].(string); ok && v != "" {
		return v
	}
	return landingRoute
}

// DecodePayload parses and validates a raw push message body.
//
// Outputs:
//
//	NotificationPayload - The decoded payload.
//	error - ErrInvalidPayload (wrapped) for empty, malformed, or
//	        invalid bodies.
func DecodePayload(data []byte) (NotificationPayload, error) {
	var p NotificationPayload
	if len(data) == 0 {
		return p, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}
