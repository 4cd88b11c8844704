// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error variables for common failures.
var (
	// ErrUnavailable indicates the service could not be reached.
	ErrUnavailable = errors.New("service unavailable")

	// ErrRateLimited indicates the local request limiter refused the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrMalformedResponse indicates a body that could not be decoded.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrAuthFailed is matched by an APIError with status 401 or 403.
	ErrAuthFailed = errors.New("authentication failed")
)

// APIError is a non-2xx response from the service.
type APIError struct {
	Status int
	// Detail is the server-provided reason, if any.
	Detail string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message()
}

// Message returns the text shown to the user: the server detail when one
// was sent, otherwise a message derived from the status code.
func (e *APIError) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	if text := http.StatusText(e.Status); text != "" {
		return fmt.Sprintf("request failed with status %d %s", e.Status, text)
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

// Is lets errors.Is match ErrAuthFailed and ErrUnavailable by status.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrUnavailable:
		return e.Status == http.StatusBadGateway ||
			e.Status == http.StatusServiceUnavailable ||
			e.Status == http.StatusGatewayTimeout
	}
	return false
}

// extractDetail pulls a human-readable reason out of an error body. It
// understands {"detail": "..."}, {"detail": [{"msg": "..."}]},
// {"error": "..."}, {"error": {"message": "..."}} and {"message": "..."}.
// Plain-text bodies are used as-is when short.
func extractDetail(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		if len(trimmed) <= 200 && !strings.HasPrefix(trimmed, "<") {
			return trimmed
		}
		return ""
	}

	for _, key := range []string{"detail", "error", "message"} {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		if s := rawText(raw); s != "" {
			return s
		}
	}
	return ""
}

func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var obj struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return strings.TrimSpace(obj.Message)
		}
		return strings.TrimSpace(obj.Detail)
	}

	// Validation errors arrive as a list of {"msg": "..."}.
	var list []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &list); err == nil {
		var msgs []string
		for _, item := range list {
			if item.Msg != "" {
				msgs = append(msgs, item.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}
