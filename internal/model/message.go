// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// OUTCOME TYPE
// =============================================================================

// Outcome records how an assistant answer ended. Empty while streaming and
// for user messages.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single entry in a conversation log.
//
// Content holds the answer text only. A failure notice is kept in Notice so
// the history sent back to the service never carries it.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content string `json:"content"`
	Notice  string `json:"notice,omitempty"`

	// Citations and the confidence derived from them. Both are nil until the
	// answer is finalized, then set together exactly once.
	Sources    []Source `json:"sources,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`

	// Streaming state
	IsStreaming bool    `json:"-"`
	Outcome     Outcome `json:"outcome,omitempty"`

	// Performance metrics (for assistant messages)
	TTFT          time.Duration `json:"ttft_ns,omitempty"`
	TotalDuration time.Duration `json:"total_duration_ns,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        generateID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new, fully populated user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates an empty assistant placeholder in streaming state.
func NewAssistantMessage() Message {
	return Message{
		ID:          generateID(),
		Role:        RoleAssistant,
		Timestamp:   time.Now(),
		IsStreaming: true,
	}
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// Finalize freezes a streaming message. Sources are copied so the caller's
// slice can be reused. A nil sources argument is stored as an empty list.
// Returns false if the message was already final.
func (m *Message) Finalize(outcome Outcome, sources []Source, confidence float64, stats *Statistics) bool {
	if !m.IsStreaming {
		return false
	}

	m.Sources = append(make([]Source, 0, len(sources)), sources...)
	conf := confidence
	m.Confidence = &conf
	m.Outcome = outcome
	m.IsStreaming = false

	if stats != nil {
		m.TTFT = stats.TTFT
		m.TotalDuration = stats.TotalDuration
	}
	return true
}

// DisplayText returns the answer text followed by the failure notice, if any.
func (m *Message) DisplayText() string {
	if m.Notice == "" {
		return m.Content
	}
	if m.Content == "" {
		return m.Notice
	}
	return m.Content + "\n\n" + m.Notice
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	content := strings.Join(strings.Fields(m.Content), " ")
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// IsEmpty returns true if the message has no answer content.
func (m *Message) IsEmpty() bool {
	return strings.TrimSpace(m.Content) == ""
}

// HasConfidence reports whether the message has been finalized with a score.
func (m *Message) HasConfidence() bool {
	return m.Confidence != nil
}

// Clone returns a deep copy that shares no slices or pointers with m.
func (m Message) Clone() Message {
	if m.Sources != nil {
		m.Sources = append(make([]Source, 0, len(m.Sources)), m.Sources...)
	}
	if m.Confidence != nil {
		c := *m.Confidence
		m.Confidence = &c
	}
	return m
}

// =============================================================================
// STATISTICS TYPE
// =============================================================================

// Statistics holds timing information for one streamed answer.
type Statistics struct {
	StartTime      time.Time
	FirstTokenTime time.Time
	EndTime        time.Time

	ContentFrames int

	// Derived metrics (computed on Finalize)
	TTFT          time.Duration
	TotalDuration time.Duration
}

// NewStatistics creates a new Statistics with the start time set.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime: time.Now(),
	}
}

// RecordContent counts a content frame and records the time of the first one.
func (s *Statistics) RecordContent() {
	s.ContentFrames++
	if s.FirstTokenTime.IsZero() {
		s.FirstTokenTime = time.Now()
		s.TTFT = s.FirstTokenTime.Sub(s.StartTime)
	}
}

// Finalize computes the final statistics.
func (s *Statistics) Finalize() {
	if !s.EndTime.IsZero() {
		return
	}
	s.EndTime = time.Now()
	s.TotalDuration = s.EndTime.Sub(s.StartTime)
}

// Format returns a short human-readable summary such as "1.2s | 14 chunks | TTFT 230ms".
func (s *Statistics) Format() string {
	var b strings.Builder
	b.WriteString(s.TotalDuration.Round(100 * time.Millisecond).String())
	b.WriteString(" | ")
	b.WriteString(strconv.Itoa(s.ContentFrames))
	b.WriteString(" chunks")
	if s.TTFT > 0 {
		b.WriteString(" | TTFT ")
		b.WriteString(s.TTFT.Round(time.Millisecond).String())
	}
	return b.String()
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateID creates a unique message ID.
func generateID() string {
	return "msg_" + uuid.NewString()
}
