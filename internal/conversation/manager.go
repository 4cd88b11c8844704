// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package conversation keeps the message log of one chat and starts a
// stream session for every submitted question.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/ragchat/internal/client"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/stream"
)

// DefaultHistoryLimit is how many prior messages accompany a question.
const DefaultHistoryLimit = 10

// ErrEmptyQuestion is returned by Submit for blank input.
var ErrEmptyQuestion = errors.New("question is empty")

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds the manager settings that may change at runtime.
type Config struct {
	// HistoryLimit caps the prior messages sent with each question.
	HistoryLimit int

	// Streaming selects the streaming endpoint; false uses the fallback.
	Streaming bool

	// IdleTimeout cancels an answer after this long without data. Zero
	// disables the watchdog.
	IdleTimeout time.Duration

	// DefaultSuggestions are shown until the service sends follow-ups.
	DefaultSuggestions []string
}

// DefaultConfig returns streaming with a history of DefaultHistoryLimit.
func DefaultConfig() Config {
	return Config{
		HistoryLimit: DefaultHistoryLimit,
		Streaming:    true,
	}
}

// Transport is what the manager needs from the service client.
type Transport interface {
	stream.Opener
	stream.Asker
}

// Recorder is told about every finished turn.
type Recorder interface {
	RecordTurn(conversationID string, r stream.Result)
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns a conversation: its log, continuity token, follow-up
// suggestions and the single active stream session.
type Manager struct {
	transport  Transport
	transcript *model.Transcript
	logger     *slog.Logger
	recorder   Recorder

	mu          sync.Mutex
	cfg         Config
	token       string
	tokenIssued bool
	active      *stream.Session
	followUps   []string
	generation  uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the initial configuration.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = sanitize(cfg)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRecorder registers a turn recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// NewManager creates a manager sending questions through t.
func NewManager(t Transport, opts ...Option) *Manager {
	m := &Manager{
		transport:  t,
		transcript: model.NewTranscript(),
		logger:     slog.Default(),
		cfg:        DefaultConfig(),
		token:      newToken(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "conversation")
	m.followUps = slices.Clone(m.cfg.DefaultSuggestions)
	return m
}

// Submit starts answering question. Blank input is rejected with
// ErrEmptyQuestion and changes nothing. Any active session is cancelled
// before the new one starts. ctx bounds the whole answer.
func (m *Manager) Submit(ctx context.Context, question string) (*stream.Session, error) {
	q := NormalizeQuestion(question)
	if q == "" {
		return nil, ErrEmptyQuestion
	}

	m.mu.Lock()
	if m.active != nil {
		if m.active.Cancel() {
			m.logger.Debug("cancelled previous answer", "message_id", m.active.MessageID())
		}
		m.active = nil
	}

	prior := m.transcript.Snapshot()
	req := client.Request{
		Question: q,
		History:  BuildHistory(prior, m.cfg.HistoryLimit),
	}
	if len(prior) > 0 || m.tokenIssued {
		req.ConversationID = m.token
	}

	user := model.NewUserMessage(q)
	answer := model.NewAssistantMessage()
	if err := m.transcript.Append(user); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := m.transcript.Append(answer); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	gen := m.generation
	var sess *stream.Session
	sess = stream.New(answer.ID, m.transcript,
		stream.WithLogger(m.logger),
		stream.WithOnFinish(func(r stream.Result) {
			m.finished(gen, sess, r)
		}))
	m.active = sess
	cfg := m.cfg
	m.mu.Unlock()

	m.logger.Debug("question submitted",
		"message_id", answer.ID,
		"history", len(req.History),
		"streaming", cfg.Streaming)

	if cfg.Streaming {
		go sess.Run(ctx, m.transport, req)
	} else {
		go sess.RunAnswer(ctx, m.transport, req)
	}
	if cfg.IdleTimeout > 0 {
		go stream.Watchdog(ctx, sess, cfg.IdleTimeout)
	}
	return sess, nil
}

// Cancel stops the active answer, if any.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return false
	}
	return m.active.Cancel()
}

// Reset cancels any active answer, empties the log and starts a new
// conversation with a fresh token.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.active.Cancel()
		m.active = nil
	}
	m.transcript.Clear()
	m.token = newToken()
	m.tokenIssued = false
	m.followUps = slices.Clone(m.cfg.DefaultSuggestions)
	m.generation++
	m.logger.Debug("conversation reset")
}

// finished runs in the session goroutine once an answer ends.
func (m *Manager) finished(gen uint64, sess *stream.Session, r stream.Result) {
	m.mu.Lock()
	if m.active == sess {
		m.active = nil
	}
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	if r.ConversationID != "" && r.ConversationID != m.token {
		m.token = r.ConversationID
		m.tokenIssued = true
	}
	if r.State == stream.StateCompleted {
		if r.FollowUpsReceived {
			m.followUps = slices.Clone(r.FollowUps)
		} else {
			m.followUps = slices.Clone(m.cfg.DefaultSuggestions)
		}
	}
	token := m.token
	recorder := m.recorder
	m.mu.Unlock()

	if recorder != nil {
		recorder.RecordTurn(token, r)
	}
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Transcript returns the live message log.
func (m *Manager) Transcript() *model.Transcript {
	return m.transcript
}

// Snapshot returns a copy of the message log.
func (m *Manager) Snapshot() []model.Message {
	return m.transcript.Snapshot()
}

// FollowUps returns the current suggestions.
func (m *Manager) FollowUps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.followUps)
}

// Token returns the continuity token for the next request.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Active returns the running session, or nil.
func (m *Manager) Active() *stream.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Config returns the current settings.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.cfg
	cfg.DefaultSuggestions = slices.Clone(cfg.DefaultSuggestions)
	return cfg
}

// UpdateConfig applies new settings to subsequent questions. The active
// answer is not affected.
func (m *Manager) UpdateConfig(cfg Config) {
	cfg = sanitize(cfg)
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.cfg.DefaultSuggestions) > 0 && slices.Equal(m.followUps, m.cfg.DefaultSuggestions) {
		m.followUps = slices.Clone(cfg.DefaultSuggestions)
	}
	m.cfg = cfg
}

// =============================================================================
// HELPERS
// =============================================================================

// NormalizeQuestion trims whitespace and applies Unicode NFC so that
// visually identical questions are sent identically.
func NormalizeQuestion(q string) string {
	return strings.TrimSpace(norm.NFC.String(q))
}

// BuildHistory maps the last limit messages to role/content turns. Messages
// still streaming or without content are skipped, and failure notices are
// never included.
func BuildHistory(msgs []model.Message, limit int) []client.Turn {
	turns := make([]client.Turn, 0, len(msgs))
	for _, msg := range msgs {
		if msg.IsStreaming || msg.IsEmpty() {
			continue
		}
		turns = append(turns, client.Turn{
			Role:    msg.Role.String(),
			Content: msg.Content,
		})
	}
	if limit >= 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns
}

func sanitize(cfg Config) Config {
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	cfg.DefaultSuggestions = slices.Clone(cfg.DefaultSuggestions)
	return cfg
}

func newToken() string {
	return uuid.NewString()
}
