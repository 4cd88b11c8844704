// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package event classifies decoded stream frames into typed answer events
// and routes them to a Handler.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/sse"
)

// =============================================================================
// EVENT KINDS
// =============================================================================

// Kind discriminates the payload of an Event.
type Kind string

const (
	KindContent   Kind = "content"
	KindSources   Kind = "sources"
	KindFollowUps Kind = "follow_ups"
	KindDone      Kind = "done"
	KindError     Kind = "error"
)

// Terminal reports whether the kind ends a stream.
func (k Kind) Terminal() bool {
	return k == KindDone || k == KindError
}

// Known reports whether the kind is one this client understands.
func (k Kind) Known() bool {
	switch k {
	case KindContent, KindSources, KindFollowUps, KindDone, KindError:
		return true
	}
	return false
}

// =============================================================================
// EVENT
// =============================================================================

// Event is one decoded stream payload. Only the fields matching Kind are set.
type Event struct {
	Kind Kind

	// KindContent
	Delta string

	// KindSources
	Sources []model.Source

	// KindFollowUps
	FollowUps []string

	// KindDone
	ConversationID string

	// KindError
	Message string

	// OutOfRange counts sources whose relevance score was outside [0,1].
	OutOfRange int
}

// wireEvent mirrors the JSON payload of a data frame.
type wireEvent struct {
	Type           string          `json:"type"`
	Content        *string         `json:"content"`
	Sources        []model.Source  `json:"sources"`
	FollowUps      []string        `json:"follow_ups"`
	ConversationID string          `json:"conversation_id"`
	Error          json.RawMessage `json:"error"`
	Message        string          `json:"message"`
}

// Errors returned by Parse.
var (
	ErrNotJSON     = errors.New("payload is not a JSON object")
	ErrMissingType = errors.New("payload has no type")
)

// DefaultErrorMessage is used when an error event carries no message.
const DefaultErrorMessage = "the service reported an error"

// Parse decodes one frame payload. Unknown kinds are returned without error
// so the caller can decide to ignore them.
func Parse(data []byte) (Event, error) {
	return parse(data, "")
}

// ParseFrame decodes a frame, falling back to the frame's event field when
// the payload carries no type.
func ParseFrame(f sse.Frame) (Event, error) {
	return parse(f.Data, f.Event)
}

func parse(data []byte, fallbackType string) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	if w.Type == "" {
		w.Type = fallbackType
	}
	if w.Type == "" {
		return Event{}, ErrMissingType
	}

	ev := Event{Kind: Kind(w.Type)}
	switch ev.Kind {
	case KindContent:
		if w.Content != nil {
			ev.Delta = *w.Content
		}
	case KindSources:
		ev.Sources = make([]model.Source, 0, len(w.Sources))
		for _, s := range w.Sources {
			if s.OutOfRange() {
				ev.OutOfRange++
			}
			ev.Sources = append(ev.Sources, s)
		}
	case KindFollowUps:
		ev.FollowUps = make([]string, 0, len(w.FollowUps))
		for _, q := range w.FollowUps {
			if q = strings.TrimSpace(q); q != "" {
				ev.FollowUps = append(ev.FollowUps, q)
			}
		}
	case KindDone:
		ev.ConversationID = strings.TrimSpace(w.ConversationID)
	case KindError:
		ev.Message = errorMessage(w)
	}
	return ev, nil
}

// errorMessage extracts the failure text from "error", which the service
// sends either as a string or as {"message": "..."}.
func errorMessage(w wireEvent) string {
	if len(w.Error) > 0 {
		var s string
		if err := json.Unmarshal(w.Error, &s); err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
		var obj struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		if err := json.Unmarshal(w.Error, &obj); err == nil {
			if m := strings.TrimSpace(obj.Message); m != "" {
				return m
			}
			if m := strings.TrimSpace(obj.Detail); m != "" {
				return m
			}
		}
	}
	if m := strings.TrimSpace(w.Message); m != "" {
		return m
	}
	return DefaultErrorMessage
}
