// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"time"

	"github.com/jeranaias/ragchat/internal/confidence"
	"github.com/jeranaias/ragchat/internal/model"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter exports transcripts to JSON format.
// NOTE: JSON exports always include every field, regardless of options, so
// the file is a faithful machine-readable record.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

type jsonDocument struct {
	Title        string        `json:"title"`
	Conversation string        `json:"conversation,omitempty"`
	CreatedAt    *time.Time    `json:"created_at,omitempty"`
	ExportedAt   time.Time     `json:"exported_at"`
	Generator    string        `json:"generator"`
	Messages     []jsonMessage `json:"messages"`
}

type jsonMessage struct {
	model.Message
	Tier       string `json:"tier,omitempty"`
	TTFTMs     int64  `json:"ttft_ms,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Export converts a transcript to JSON format.
func (e *JSONExporter) Export(doc *Document) ([]byte, error) {
	if err := doc.validate(); err != nil {
		return nil, err
	}

	out := jsonDocument{
		Title:        doc.Title,
		Conversation: doc.Conversation,
		ExportedAt:   doc.ExportedAt,
		Generator:    "ragchat",
		Messages:     make([]jsonMessage, 0, len(doc.Messages)),
	}
	if !doc.CreatedAt.IsZero() {
		created := doc.CreatedAt
		out.CreatedAt = &created
	}
	if out.ExportedAt.IsZero() {
		out.ExportedAt = time.Now()
	}

	for _, msg := range doc.Messages {
		jm := jsonMessage{
			Message:    msg,
			TTFTMs:     msg.TTFT.Milliseconds(),
			DurationMs: msg.TotalDuration.Milliseconds(),
		}
		// Durations are reported once, in milliseconds.
		jm.Message.TTFT = 0
		jm.Message.TotalDuration = 0
		if tier, ok := confidence.MessageTier(msg); ok {
			jm.Tier = tier.String()
		}
		out.Messages = append(out.Messages, jm)
	}

	return json.MarshalIndent(out, "", "  ")
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the MIME type for JSON.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
