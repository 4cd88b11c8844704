// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ragchat/internal/client"
	"github.com/jeranaias/ragchat/internal/confidence"
	"github.com/jeranaias/ragchat/internal/model"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type openerFunc func(ctx context.Context, req client.Request) (io.ReadCloser, error)

func (f openerFunc) Open(ctx context.Context, req client.Request) (io.ReadCloser, error) {
	return f(ctx, req)
}

type askerFunc func(ctx context.Context, req client.Request) (*client.Answer, error)

func (f askerFunc) Ask(ctx context.Context, req client.Request) (*client.Answer, error) {
	return f(ctx, req)
}

// countingBody counts Close calls and forwards them to the reader if it
// can be closed.
type countingBody struct {
	io.Reader
	closes atomic.Int32
}

func (b *countingBody) Close() error {
	b.closes.Add(1)
	if c, ok := b.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// chunked splits reads into pieces of at most size bytes.
type chunked struct {
	r    io.Reader
	size int
}

func (c *chunked) Read(p []byte) (int, error) {
	if len(p) > c.size {
		p = p[:c.size]
	}
	return c.r.Read(p)
}

func staticOpener(body io.ReadCloser) openerFunc {
	return func(ctx context.Context, req client.Request) (io.ReadCloser, error) {
		return body, nil
	}
}

func sseBody(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return b.String()
}

func setup(t *testing.T) (*model.Transcript, string) {
	t.Helper()
	tr := model.NewTranscript()
	msg := model.NewAssistantMessage()
	require.NoError(t, tr.Append(msg))
	return tr, msg.ID
}

func message(t *testing.T, tr *model.Transcript, id string) model.Message {
	t.Helper()
	m, ok := tr.Get(id)
	require.True(t, ok)
	return m
}

// waitForContent blocks until the message content equals want.
func waitForContent(t *testing.T, tr *model.Transcript, id, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		changed := tr.Changed()
		if m, _ := tr.Get(id); m.Content == want {
			return
		}
		select {
		case <-changed:
		case <-deadline:
			m, _ := tr.Get(id)
			t.Fatalf("content = %q, want %q", m.Content, want)
		}
	}
}

var helloStream = sseBody(
	`{"type":"content","content":"Hy"}`,
	`{"type":"content","content":"aluronic acid."}`,
	`{"type":"sources","sources":[{"document":"a","relevance_score":0.9},{"document":"b","relevance_score":0.7}]}`,
	`{"type":"follow_ups","follow_ups":["Is it safe?"]}`,
	`{"type":"done","conversation_id":"srv-1"}`,
)

// =============================================================================
// SCENARIOS
// =============================================================================

func TestRun_CompletesWithSourcesAndConfidence(t *testing.T) {
	tr, id := setup(t)
	body := &countingBody{Reader: strings.NewReader(helloStream)}

	r := New(id, tr).Run(context.Background(), staticOpener(body), client.Request{Question: "q"})

	assert.Equal(t, StateCompleted, r.State)
	assert.Equal(t, "Hyaluronic acid.", r.Text)
	assert.InDelta(t, 0.8, r.Confidence, 1e-9)
	assert.Equal(t, confidence.TierHigh, r.Tier)
	assert.Len(t, r.Sources, 2)
	assert.Equal(t, []string{"Is it safe?"}, r.FollowUps)
	assert.True(t, r.FollowUpsReceived)
	assert.Equal(t, "srv-1", r.ConversationID)
	assert.NoError(t, r.Err)
	assert.Equal(t, 2, r.Stats.ContentFrames)
	assert.EqualValues(t, 1, body.closes.Load())

	m := message(t, tr, id)
	assert.False(t, m.IsStreaming)
	assert.Equal(t, model.OutcomeCompleted, m.Outcome)
	assert.Equal(t, "Hyaluronic acid.", m.Content)
	require.NotNil(t, m.Confidence)
	assert.InDelta(t, 0.8, *m.Confidence, 1e-9)
	assert.Len(t, m.Sources, 2)
}

func TestRun_ErrorKeepsPartialContent(t *testing.T) {
	tr, id := setup(t)
	body := &countingBody{Reader: strings.NewReader(sseBody(
		`{"type":"content","content":"Partial"}`,
		`{"type":"error","error":"upstream timeout"}`,
	))}

	r := New(id, tr).Run(context.Background(), staticOpener(body), client.Request{})

	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, "Partial", r.Text)
	var svcErr *ServiceError
	require.ErrorAs(t, r.Err, &svcErr)
	assert.Equal(t, "upstream timeout", svcErr.Message)

	m := message(t, tr, id)
	assert.False(t, m.IsStreaming)
	assert.Equal(t, "Partial", m.Content)
	assert.Contains(t, m.Notice, "upstream timeout")
	assert.True(t, strings.HasPrefix(m.DisplayText(), "Partial"))
	assert.Empty(t, m.Sources)
	require.NotNil(t, m.Confidence)
	assert.Equal(t, 0.0, *m.Confidence)
}

func TestRun_CustomNotice(t *testing.T) {
	tr, id := setup(t)
	body := io.NopCloser(strings.NewReader(sseBody(`{"type":"error","error":"index offline"}`)))

	notice := func(msg string) string { return "Service said: " + msg }
	New(id, tr, WithNotice(notice)).Run(context.Background(), staticOpener(body), client.Request{})

	assert.Equal(t, "Service said: index offline", message(t, tr, id).Notice)
}

func TestRun_DoneWithoutSources(t *testing.T) {
	tr, id := setup(t)
	body := &countingBody{Reader: strings.NewReader(sseBody(`{"type":"done"}`))}

	r := New(id, tr).Run(context.Background(), staticOpener(body), client.Request{})

	assert.Equal(t, StateCompleted, r.State)
	assert.Equal(t, 0.0, r.Confidence)
	assert.Equal(t, confidence.TierLow, r.Tier)
	require.NotNil(t, r.Sources)
	assert.Empty(t, r.Sources)

	m := message(t, tr, id)
	require.NotNil(t, m.Sources)
	assert.Empty(t, m.Sources)
	require.NotNil(t, m.Confidence)
	assert.Equal(t, 0.0, *m.Confidence)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestRun_ChunkBoundaryIndependence(t *testing.T) {
	input := sseBody(
		`{"type":"content","content":"Hé"}`,
		`{"type":"content","content":"llo, 世界"}`,
		`{"type":"content","content":" ✓"}`,
		`{"type":"done"}`,
	)
	for size := 1; size <= 9; size++ {
		tr, id := setup(t)
		body := &countingBody{Reader: &chunked{r: strings.NewReader(input), size: size}}
		r := New(id, tr).Run(context.Background(), staticOpener(body), client.Request{})
		assert.Equal(t, "Héllo, 世界 ✓", r.Text, "chunk size %d", size)
		assert.Equal(t, StateCompleted, r.State)
	}
}

func TestRun_ErrorAfterManyContentFrames(t *testing.T) {
	const n = 50
	payloads := make([]string, 0, n+1)
	for i := 0; i < n; i++ {
		payloads = append(payloads, `{"type":"content","content":"x"}`)
	}
	payloads = append(payloads, `{"type":"error","error":"boom"}`)

	tr, id := setup(t)
	body := &countingBody{Reader: strings.NewReader(sseBody(payloads...))}
	r := New(id, tr).Run(context.Background(), staticOpener(body), client.Request{})

	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, strings.Repeat("x", n), r.Text)
	assert.Equal(t, strings.Repeat("x", n), message(t, tr, id).Content)
}

func TestRun_FramesAfterTerminalAreIgnored(t *testing.T) {
	tr, id := setup(t)
	body := &countingBody{Reader: strings.NewReader(sseBody(
		`{"type":"content","content":"A"}`,
		`{"type":"done"}`,
		`{"type":"content","content":"B"}`,
		`{"type":"error","error":"late"}`,
	))}

	r := New(id, tr).Run(context.Background(), staticOpener(body), client.Request{})
	assert.Equal(t, StateCompleted, r.State)
	assert.Equal(t, "A", message(t, tr, id).Content)
	assert.Empty(t, message(t, tr, id).Notice)
}

func TestRun_MalformedOnlyStreamFails(t *testing.T) {
	tr, id := setup(t)
	body := &countingBody{Reader: strings.NewReader("data: {oops\n\nnot a field\n\n")}

	r := New(id, tr).Run(context.Background(), staticOpener(body), client.Request{})
	assert.Equal(t, StateFailed, r.State)
	assert.ErrorIs(t, r.Err, ErrMalformedStream)
	assert.Equal(t, 2, r.Anomalies)
}

func TestRun_AnomaliesAmongValidEventsAreSkipped(t *testing.T) {
	tr, id := setup(t)
	body := &countingBody{Reader: strings.NewReader(sseBody(
		`{"type":"content","content":"ok"}`,
		`{broken`,
		`{"type":"done"}`,
	))}

	r := New(id, tr).Run(context.Background(), staticOpener(body), client.Request{})
	assert.Equal(t, StateCompleted, r.State)
	assert.Equal(t, "ok", r.Text)
	assert.Equal(t, 1, r.Anomalies)
}

func TestRun_EOFWithoutDoneFinalizes(t *testing.T) {
	tr, id := setup(t)
	body := &countingBody{Reader: strings.NewReader(sseBody(
		`{"type":"content","content":"cut"}`,
		`{"type":"sources","sources":[{"document":"a","relevance_score":0.6}]}`,
	))}

	r := New(id, tr).Run(context.Background(), staticOpener(body), client.Request{})
	assert.Equal(t, StateCompleted, r.State)
	assert.InDelta(t, 0.6, r.Confidence, 1e-9)
	assert.Equal(t, confidence.TierMedium, r.Tier)
}

func TestRun_EmptyStreamFails(t *testing.T) {
	tr, id := setup(t)
	body := &countingBody{Reader: strings.NewReader("")}

	r := New(id, tr).Run(context.Background(), staticOpener(body), client.Request{})
	assert.Equal(t, StateFailed, r.State)
	assert.ErrorIs(t, r.Err, ErrEmptyStream)
}

func TestRun_ReadErrorKeepsPartial(t *testing.T) {
	tr, id := setup(t)
	pr, pw := io.Pipe()
	body := &countingBody{Reader: pr}

	s := New(id, tr)
	go func() {
		pw.Write([]byte(sseBody(`{"type":"content","content":"half"}`)))
		pw.CloseWithError(errors.New("connection reset"))
	}()
	r := s.Run(context.Background(), staticOpener(body), client.Request{})

	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, "half", r.Text)
	var se *StreamError
	require.ErrorAs(t, r.Err, &se)
	assert.Equal(t, "half", se.Partial)
	assert.Contains(t, message(t, tr, id).Notice, "interrupted")
}

func TestRun_OpenFailure(t *testing.T) {
	tr, id := setup(t)
	opener := openerFunc(func(ctx context.Context, req client.Request) (io.ReadCloser, error) {
		return nil, &client.APIError{Status: 503, Detail: "index is rebuilding"}
	})

	r := New(id, tr).Run(context.Background(), opener, client.Request{})
	assert.Equal(t, StateFailed, r.State)
	assert.Empty(t, r.Text)

	var apiErr *client.APIError
	require.ErrorAs(t, r.Err, &apiErr)

	m := message(t, tr, id)
	assert.Empty(t, m.Content)
	assert.Equal(t, "Error: index is rebuilding", m.Notice)
	assert.False(t, m.IsStreaming)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancel_MidStream(t *testing.T) {
	tr, id := setup(t)
	pr, pw := io.Pipe()
	body := &countingBody{Reader: pr}
	s := New(id, tr)

	results := make(chan Result, 1)
	go func() { results <- s.Run(context.Background(), staticOpener(body), client.Request{}) }()

	_, err := pw.Write([]byte(sseBody(`{"type":"content","content":"Hy"}`)))
	require.NoError(t, err)
	waitForContent(t, tr, id, "Hy")

	require.True(t, s.Cancel())
	assert.False(t, s.Cancel(), "second cancel is a no-op")

	// Frames written after cancellation never reach the message.
	_, err = pw.Write([]byte(sseBody(`{"type":"content","content":"late"}`)))
	assert.Error(t, err)

	r := <-results
	assert.Equal(t, StateCancelled, r.State)
	assert.NoError(t, r.Err)
	assert.Equal(t, "Hy", r.Text)
	assert.EqualValues(t, 1, body.closes.Load())

	m := message(t, tr, id)
	assert.Equal(t, "Hy", m.Content)
	assert.Equal(t, model.OutcomeCancelled, m.Outcome)
	assert.Empty(t, m.Notice)
	assert.False(t, m.IsStreaming)
}

func TestCancel_BeforeRun(t *testing.T) {
	tr, id := setup(t)
	var opened atomic.Bool
	opener := openerFunc(func(ctx context.Context, req client.Request) (io.ReadCloser, error) {
		opened.Store(true)
		return io.NopCloser(strings.NewReader("")), nil
	})

	s := New(id, tr)
	require.True(t, s.Cancel())
	r := s.Run(context.Background(), opener, client.Request{})

	assert.Equal(t, StateCancelled, r.State)
	assert.False(t, opened.Load())
	assert.Equal(t, model.OutcomeCancelled, message(t, tr, id).Outcome)
}

func TestCancel_ParentContext(t *testing.T) {
	tr, id := setup(t)
	pr, _ := io.Pipe()
	body := &countingBody{Reader: pr}
	ctx, cancel := context.WithCancel(context.Background())

	s := New(id, tr)
	results := make(chan Result, 1)
	go func() { results <- s.Run(ctx, staticOpener(body), client.Request{}) }()

	// Closing the parent context alone does not unblock a pipe read, so the
	// session must also be cancelled; the body close is what unblocks it.
	cancel()
	s.Cancel()

	r := <-results
	assert.Equal(t, StateCancelled, r.State)
	assert.NoError(t, r.Err)
}

func TestCancel_RacingTerminalFrameReleasesOnce(t *testing.T) {
	for i := 0; i < 200; i++ {
		tr, id := setup(t)
		body := &countingBody{Reader: strings.NewReader(helloStream)}
		var opens atomic.Int32
		opener := openerFunc(func(ctx context.Context, req client.Request) (io.ReadCloser, error) {
			opens.Add(1)
			return body, nil
		})

		s := New(id, tr)
		results := make(chan Result, 1)
		go func() { results <- s.Run(context.Background(), opener, client.Request{}) }()
		s.Cancel()
		r := <-results

		require.True(t, r.State == StateCompleted || r.State == StateCancelled, "state %v", r.State)
		require.Equal(t, opens.Load(), body.closes.Load(), "iteration %d", i)

		m := message(t, tr, id)
		require.Equal(t, r.State.Outcome(), m.Outcome)
		require.False(t, m.IsStreaming)
	}
}

func TestWatchdog_CancelsIdleSession(t *testing.T) {
	tr, id := setup(t)
	pr, pw := io.Pipe()
	defer pw.Close()
	body := &countingBody{Reader: pr}

	s := New(id, tr)
	results := make(chan Result, 1)
	go func() { results <- s.Run(context.Background(), staticOpener(body), client.Request{}) }()

	fired := Watchdog(context.Background(), s, 50*time.Millisecond)
	assert.True(t, fired)

	r := <-results
	assert.Equal(t, StateCancelled, r.State)
	assert.Contains(t, r.Notice, "no data received")
	assert.Contains(t, message(t, tr, id).Notice, "no data received")
}

func TestWatchdog_DisabledOrFinished(t *testing.T) {
	tr, id := setup(t)
	s := New(id, tr)
	assert.False(t, Watchdog(context.Background(), s, 0))

	body := &countingBody{Reader: strings.NewReader(helloStream)}
	s.Run(context.Background(), staticOpener(body), client.Request{})
	assert.False(t, Watchdog(context.Background(), s, time.Hour))
}

// =============================================================================
// FALLBACK
// =============================================================================

func TestRunAnswer_MatchesStreamingFinalization(t *testing.T) {
	trA, idA := setup(t)
	streamed := New(idA, trA).Run(context.Background(),
		staticOpener(&countingBody{Reader: strings.NewReader(helloStream)}), client.Request{})

	serverConf := 0.5
	asker := askerFunc(func(ctx context.Context, req client.Request) (*client.Answer, error) {
		return &client.Answer{
			Answer: "Hyaluronic acid.",
			Sources: []model.Source{
				{Document: "a", RelevanceScore: 0.9},
				{Document: "b", RelevanceScore: 0.7},
			},
			Confidence:     &serverConf,
			ConversationID: "srv-1",
			FollowUps:      []string{"Is it safe?"},
		}, nil
	})
	trB, idB := setup(t)
	fallback := New(idB, trB).RunAnswer(context.Background(), asker, client.Request{})

	assert.Equal(t, streamed.State, fallback.State)
	assert.Equal(t, streamed.Text, fallback.Text)
	assert.InDelta(t, streamed.Confidence, fallback.Confidence, 1e-9)
	assert.Equal(t, streamed.Tier, fallback.Tier)
	assert.Equal(t, streamed.FollowUps, fallback.FollowUps)
	assert.Equal(t, streamed.ConversationID, fallback.ConversationID)

	a, b := message(t, trA, idA), message(t, trB, idB)
	assert.Equal(t, a.Content, b.Content)
	assert.Equal(t, a.Sources, b.Sources)
	assert.Equal(t, *a.Confidence, *b.Confidence)
	assert.Equal(t, a.Outcome, b.Outcome)
}

func TestRunAnswer_Failure(t *testing.T) {
	tr, id := setup(t)
	asker := askerFunc(func(ctx context.Context, req client.Request) (*client.Answer, error) {
		return nil, client.ErrUnavailable
	})
	r := New(id, tr).RunAnswer(context.Background(), asker, client.Request{})
	assert.Equal(t, StateFailed, r.State)
	assert.Equal(t, "Error: could not reach the answering service", message(t, tr, id).Notice)
}

func TestOnFinishRunsBeforeWait(t *testing.T) {
	tr, id := setup(t)
	var seen atomic.Value
	s := New(id, tr, WithOnFinish(func(r Result) { seen.Store(r.State) }))
	s.Start(context.Background(), staticOpener(&countingBody{Reader: strings.NewReader(helloStream)}), client.Request{})

	r := s.Wait()
	assert.Equal(t, StateCompleted, r.State)
	assert.Equal(t, StateCompleted, seen.Load())
}
