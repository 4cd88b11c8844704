// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream owns one question/answer exchange: it opens the answer
// stream, folds events into the target message and finalizes it exactly once.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/ragchat/internal/client"
	"github.com/jeranaias/ragchat/internal/confidence"
	"github.com/jeranaias/ragchat/internal/event"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/sse"
)

// =============================================================================
// STATE
// =============================================================================

// State is the lifecycle position of a Session.
type State int

const (
	StateActive State = iota
	StateCompleted
	StateFailed
	StateCancelled
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s != StateActive
}

// Outcome maps a terminal state to the message outcome.
func (s State) Outcome() model.Outcome {
	switch s {
	case StateCompleted:
		return model.OutcomeCompleted
	case StateFailed:
		return model.OutcomeFailed
	case StateCancelled:
		return model.OutcomeCancelled
	}
	return ""
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrMalformedStream means the stream contained only undecodable data.
	ErrMalformedStream = errors.New("malformed response from service")

	// ErrEmptyStream means the stream ended without a single event.
	ErrEmptyStream = errors.New("empty response from service")
)

// ServiceError is an explicit error event sent by the service.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string {
	return "service error: " + e.Message
}

// StreamError is a transport failure in the middle of a stream. Partial
// holds the content received before the failure.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream interrupted after %d bytes: %v", len(e.Partial), e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Opener opens the event-stream body for a request.
type Opener interface {
	Open(ctx context.Context, req client.Request) (io.ReadCloser, error)
}

// Asker fetches a complete answer in one response.
type Asker interface {
	Ask(ctx context.Context, req client.Request) (*client.Answer, error)
}

// Sink applies an atomic update to the message with the given ID.
// *model.Transcript satisfies it.
type Sink interface {
	Update(id string, fn func(*model.Message)) bool
}

// =============================================================================
// RESULT
// =============================================================================

// Result is the immutable outcome of a finished session.
type Result struct {
	MessageID string
	State     State

	Text       string
	Notice     string
	Sources    []model.Source
	Confidence float64
	Tier       confidence.Tier

	// FollowUps is only meaningful when FollowUpsReceived is set.
	FollowUps         []string
	FollowUpsReceived bool

	// ConversationID is the server-issued continuity token, if one arrived.
	ConversationID string

	// Err is nil for completed and cancelled sessions.
	Err error

	Stats     model.Statistics
	Anomalies int
}

// =============================================================================
// SESSION
// =============================================================================

// Session consumes one answer. All state changes happen under mu, so a
// Cancel racing the consumer either wins completely or loses completely.
type Session struct {
	messageID string
	sink      Sink
	logger    *slog.Logger
	notice    func(string) string
	onFinish  []func(Result)

	mu                sync.Mutex
	state             State
	started           bool
	text              strings.Builder
	sources           []model.Source
	followUps         []string
	followUpsReceived bool
	conversationID    string
	noticeText        string
	err               error
	stats             *model.Statistics
	anomalies         int
	body              io.ReadCloser
	cancel            context.CancelFunc

	lastActivity atomic.Int64
	done         chan struct{}
	result       Result
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNotice sets how a failure message becomes the user-facing notice.
func WithNotice(fn func(string) string) Option {
	return func(s *Session) {
		if fn != nil {
			s.notice = fn
		}
	}
}

// WithOnFinish registers a callback run once with the final result, before
// Wait returns. Callbacks must not call Wait.
func WithOnFinish(fn func(Result)) Option {
	return func(s *Session) {
		if fn != nil {
			s.onFinish = append(s.onFinish, fn)
		}
	}
}

// DefaultNotice formats a failure message for display.
func DefaultNotice(msg string) string {
	return "Error: " + msg
}

// New creates a session that will write into the message messageID of sink.
// The message must already exist in streaming state.
func New(messageID string, sink Sink, opts ...Option) *Session {
	s := &Session{
		messageID: messageID,
		sink:      sink,
		logger:    slog.Default(),
		notice:    DefaultNotice,
		stats:     model.NewStatistics(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "stream", "message_id", messageID)
	s.touch()
	return s
}

// MessageID returns the ID of the target message.
func (s *Session) MessageID() string {
	return s.messageID
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Text returns the content accumulated so far.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Done is closed once the session has finished and its callbacks have run.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session finishes and returns its result.
func (s *Session) Wait() Result {
	<-s.done
	return s.result
}

// LastActivity returns when bytes or frames were last seen.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Start runs the streaming exchange in a new goroutine.
func (s *Session) Start(ctx context.Context, opener Opener, req client.Request) {
	go s.Run(ctx, opener, req)
}

// Run opens the stream and consumes it until a terminal state. It must be
// called at most once per session.
func (s *Session) Run(ctx context.Context, opener Opener, req client.Request) Result {
	if ctx, ok := s.begin(ctx); ok {
		s.stream(ctx, opener, req)
	}
	return s.finish()
}

// RunAnswer fetches a complete answer with asker and applies it through the
// same path as a stream: content, sources, follow-ups, then done.
func (s *Session) RunAnswer(ctx context.Context, asker Asker, req client.Request) Result {
	if ctx, ok := s.begin(ctx); ok {
		s.ask(ctx, asker, req)
	}
	return s.finish()
}

// Cancel stops the session. Content received so far becomes the final text
// and no error is reported. Returns false if the session already ended.
func (s *Session) Cancel() bool {
	return s.cancelWith("")
}

// CancelWithNotice cancels like Cancel and attaches an informational notice
// such as an idle-timeout explanation.
func (s *Session) CancelWithNotice(notice string) bool {
	return s.cancelWith(notice)
}

func (s *Session) cancelWith(notice string) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.finalizeLocked(StateCancelled, notice, nil)
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.release()
	s.logger.Debug("session cancelled")
	return true
}

// =============================================================================
// INTERNALS
// =============================================================================

// begin marks the session started and derives its cancellable context.
// It returns false when the session was cancelled before it ran.
func (s *Session) begin(parent context.Context) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		panic("stream: session run twice")
	}
	s.started = true
	if s.state.Terminal() {
		return parent, false
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	return ctx, true
}

func (s *Session) stream(ctx context.Context, opener Opener, req client.Request) {
	defer s.stopContext()

	body, err := opener.Open(ctx, req)
	if err != nil {
		s.openFailed(ctx, err)
		return
	}
	if !s.attach(body) {
		body.Close()
		return
	}
	defer s.release()

	s.touch()
	s.consume(ctx, body)
}

func (s *Session) ask(ctx context.Context, asker Asker, req client.Request) {
	defer s.stopContext()

	ans, err := asker.Ask(ctx, req)
	if err != nil {
		s.openFailed(ctx, err)
		return
	}
	s.touch()

	h := handler{s}
	sources := make([]model.Source, 0, len(ans.Sources))
	outOfRange := 0
	for _, src := range ans.Sources {
		if src.OutOfRange() {
			outOfRange++
		}
		sources = append(sources, src)
	}
	if outOfRange > 0 {
		s.logger.Warn("relevance scores outside [0,1]", "count", outOfRange)
	}
	h.OnContent(ans.Answer)
	h.OnSources(sources)
	if ans.FollowUps != nil {
		h.OnFollowUps(ans.FollowUps)
	}
	if ans.Confidence != nil {
		if local := confidence.Score(sources); math.Abs(local-*ans.Confidence) > 1e-6 {
			s.logger.Debug("server confidence differs from source mean; using source mean",
				"server", *ans.Confidence, "local", local)
		}
	}
	h.OnDone(strings.TrimSpace(ans.ConversationID))
}

// stopContext cancels the derived request context once the exchange is over.
func (s *Session) stopContext() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// attach registers the open body so Cancel can release it.
func (s *Session) attach(body io.ReadCloser) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.body = body
	return true
}

// release closes the body once, whichever path gets here first.
func (s *Session) release() {
	s.mu.Lock()
	body := s.body
	s.body = nil
	s.mu.Unlock()

	if body != nil {
		if err := body.Close(); err != nil {
			s.logger.Debug("closing stream body", "error", err)
		}
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Terminal()
}

// consume reads frames until the stream or the session ends.
func (s *Session) consume(ctx context.Context, body io.Reader) {
	dec := sse.NewDecoder(&activityReader{r: body, s: s}, sse.WithLogger(s.logger))
	disp := event.NewDispatcher(handler{s}, s.logger)
	defer func() {
		st := disp.Stats()
		s.mu.Lock()
		s.anomalies = st.Anomalies + dec.Anomalies()
		s.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			s.Cancel()
			return
		}

		frame, err := dec.Next()
		if err != nil {
			switch {
			case s.terminal():
			case ctx.Err() != nil:
				s.Cancel()
			case errors.Is(err, io.EOF):
				s.endOfStream(disp, dec.Anomalies())
			default:
				s.logger.Warn("stream read failed", "error", err)
				s.fail(&StreamError{Partial: s.Text(), Err: err}, "the connection was interrupted")
			}
			return
		}

		disp.Dispatch(frame)
		if s.terminal() {
			return
		}
	}
}

// endOfStream handles a clean EOF that arrived before done or error.
func (s *Session) endOfStream(disp *event.Dispatcher, decodeAnomalies int) {
	st := disp.Stats()
	switch {
	case disp.Malformed(decodeAnomalies):
		s.fail(ErrMalformedStream, ErrMalformedStream.Error())
	case st.Events == 0:
		s.fail(ErrEmptyStream, ErrEmptyStream.Error())
	default:
		s.logger.Warn("stream ended without a done event; finalizing what arrived")
		s.complete("")
	}
}

// openFailed handles an error from Open or Ask.
func (s *Session) openFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		s.Cancel()
		return
	}
	s.logger.Warn("request failed", "error", err)
	s.fail(err, userMessage(err))
}

func (s *Session) complete(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	if conversationID != "" {
		s.conversationID = conversationID
	}
	s.finalizeLocked(StateCompleted, "", nil)
}

func (s *Session) fail(err error, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.finalizeLocked(StateFailed, s.notice(msg), err)
}

// finalizeLocked moves to a terminal state and freezes the message.
// Only completed answers carry sources; the others finalize with an empty
// list and zero confidence.
func (s *Session) finalizeLocked(state State, notice string, err error) {
	s.state = state
	s.err = err
	s.noticeText = notice
	s.stats.Finalize()

	var sources []model.Source
	var conf float64
	if state == StateCompleted {
		sources = s.sources
		conf = confidence.Score(sources)
	}

	text := s.text.String()
	stats := *s.stats
	s.sink.Update(s.messageID, func(m *model.Message) {
		m.Content = text
		m.Notice = notice
		m.Finalize(state.Outcome(), sources, conf, &stats)
	})
}

// finish builds the result, runs callbacks and releases waiters.
func (s *Session) finish() Result {
	s.mu.Lock()
	r := Result{
		MessageID:         s.messageID,
		State:             s.state,
		Text:              s.text.String(),
		Notice:            s.noticeText,
		FollowUps:         append([]string(nil), s.followUps...),
		FollowUpsReceived: s.followUpsReceived,
		ConversationID:    s.conversationID,
		Err:               s.err,
		Stats:             *s.stats,
		Anomalies:         s.anomalies,
	}
	if s.state == StateCompleted {
		r.Sources = append([]model.Source{}, s.sources...)
		r.Confidence = confidence.Score(s.sources)
	} else {
		r.Sources = []model.Source{}
	}
	r.Tier = confidence.TierOf(r.Confidence)
	s.result = r
	s.mu.Unlock()

	for _, fn := range s.onFinish {
		fn(r)
	}
	close(s.done)

	s.logger.Debug("session finished",
		"state", r.State.String(),
		"chunks", r.Stats.ContentFrames,
		"sources", len(r.Sources),
		"confidence", r.Confidence,
		"anomalies", r.Anomalies)
	return r
}

// userMessage turns an open failure into the text shown to the user.
func userMessage(err error) string {
	var apiErr *client.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Message()
	case errors.Is(err, client.ErrUnavailable):
		return "could not reach the answering service"
	case errors.Is(err, client.ErrRateLimited):
		return "too many requests; please wait a moment"
	case errors.Is(err, client.ErrMalformedResponse):
		return ErrMalformedStream.Error()
	default:
		return err.Error()
	}
}

// =============================================================================
// EVENT HANDLER
// =============================================================================

// handler applies dispatched events to the session. Every method ignores
// events once the session is terminal.
type handler struct {
	s *Session
}

func (h handler) OnContent(delta string) {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || delta == "" {
		return
	}
	s.stats.RecordContent()
	s.text.WriteString(delta)
	text := s.text.String()
	s.sink.Update(s.messageID, func(m *model.Message) {
		m.Content = text
	})
}

func (h handler) OnSources(sources []model.Source) {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.sources = append([]model.Source{}, sources...)
}

func (h handler) OnFollowUps(questions []string) {
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.followUps = append([]string{}, questions...)
	s.followUpsReceived = true
}

func (h handler) OnDone(conversationID string) {
	h.s.complete(conversationID)
}

func (h handler) OnError(message string) {
	h.s.fail(&ServiceError{Message: message}, message)
}

// activityReader records the time of every successful read.
type activityReader struct {
	r io.Reader
	s *Session
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.s.touch()
	}
	return n, err
}
