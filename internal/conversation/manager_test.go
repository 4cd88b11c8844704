// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ragchat/internal/client"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/stream"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeTransport hands out queued bodies and answers and records requests.
type fakeTransport struct {
	mu       sync.Mutex
	requests []client.Request
	bodies   []io.ReadCloser
	answers  []*client.Answer
}

func (f *fakeTransport) Open(ctx context.Context, req client.Request) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.bodies) == 0 {
		return nil, errors.New("no body queued")
	}
	b := f.bodies[0]
	f.bodies = f.bodies[1:]
	return b, nil
}

func (f *fakeTransport) Ask(ctx context.Context, req client.Request) (*client.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.answers) == 0 {
		return nil, errors.New("no answer queued")
	}
	a := f.answers[0]
	f.answers = f.answers[1:]
	return a, nil
}

func (f *fakeTransport) queue(bodies ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range bodies {
		f.bodies = append(f.bodies, io.NopCloser(strings.NewReader(b)))
	}
}

func (f *fakeTransport) queueBody(b io.ReadCloser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies = append(f.bodies, b)
}

// waitRequests blocks until the transport has seen n requests.
func (f *fakeTransport) waitRequests(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.requests) >= n
	}, 2*time.Second, 5*time.Millisecond, "transport never saw request %d", n)
}

func (f *fakeTransport) request(i int) client.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type countingBody struct {
	io.ReadCloser
	closes atomic.Int32
}

func (b *countingBody) Close() error {
	b.closes.Add(1)
	return b.ReadCloser.Close()
}

type recorderFunc func(string, stream.Result)

func (f recorderFunc) RecordTurn(id string, r stream.Result) { f(id, r) }

func sseBody(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		fmt.Fprintf(&b, "data: %s\n\n", p)
	}
	return b.String()
}

func answerStream(text, convID string) string {
	done := `{"type":"done"}`
	if convID != "" {
		done = fmt.Sprintf(`{"type":"done","conversation_id":%q}`, convID)
	}
	return sseBody(fmt.Sprintf(`{"type":"content","content":%q}`, text), done)
}

func waitContent(t *testing.T, tr *model.Transcript, id, want string) {
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
			t.Fatalf("message %s never reached content %q", id, want)
		}
	}
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmit_RejectsBlankInput(t *testing.T) {
	ft := &fakeTransport{}
	m := NewManager(ft)

	for _, q := range []string{"", "   ", "\n\t"} {
		sess, err := m.Submit(context.Background(), q)
		assert.ErrorIs(t, err, ErrEmptyQuestion)
		assert.Nil(t, sess)
	}
	assert.Equal(t, 0, m.Transcript().Len())
	assert.Empty(t, ft.requests)
}

func TestSubmit_AppendsUserAndAnswer(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(sseBody(
		`{"type":"content","content":"Hy"}`,
		`{"type":"content","content":"aluronic acid."}`,
		`{"type":"sources","sources":[{"document":"a","relevance_score":0.9},{"document":"b","relevance_score":0.7}]}`,
		`{"type":"done"}`,
	))
	m := NewManager(ft)

	sess, err := m.Submit(context.Background(), "  What is hyaluronic acid?  ")
	require.NoError(t, err)
	r := sess.Wait()
	require.Equal(t, stream.StateCompleted, r.State)

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, model.RoleUser, snap[0].Role)
	assert.Equal(t, "What is hyaluronic acid?", snap[0].Content)
	assert.Equal(t, model.RoleAssistant, snap[1].Role)
	assert.Equal(t, "Hyaluronic acid.", snap[1].Content)
	require.NotNil(t, snap[1].Confidence)
	assert.InDelta(t, 0.8, *snap[1].Confidence, 1e-9)
	assert.Nil(t, m.Active())
}

func TestSubmit_NormalizesUnicode(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(answerStream("ok", ""))
	m := NewManager(ft)

	sess, err := m.Submit(context.Background(), "café")
	require.NoError(t, err)
	sess.Wait()
	assert.Equal(t, "café", ft.request(0).Question)
}

// =============================================================================
// CONTINUITY TOKEN
// =============================================================================

func TestSubmit_TokenOmittedOnFirstTurnThenServerIssued(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(answerStream("first", "srv-1"), answerStream("second", ""))
	m := NewManager(ft)

	s1, err := m.Submit(context.Background(), "one")
	require.NoError(t, err)
	s1.Wait()
	assert.Empty(t, ft.request(0).ConversationID)
	assert.Equal(t, "srv-1", m.Token())

	s2, err := m.Submit(context.Background(), "two")
	require.NoError(t, err)
	s2.Wait()

	req := ft.request(1)
	assert.Equal(t, "srv-1", req.ConversationID)
	assert.Equal(t, []client.Turn{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "first"},
	}, req.History)
}

func TestSubmit_ClientTokenUsedWhenServerSendsNone(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(answerStream("first", ""), answerStream("second", ""))
	m := NewManager(ft)
	local := m.Token()
	require.NotEmpty(t, local)

	s1, _ := m.Submit(context.Background(), "one")
	s1.Wait()
	s2, _ := m.Submit(context.Background(), "two")
	s2.Wait()

	assert.Equal(t, local, ft.request(1).ConversationID)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestBuildHistory_CapsAndStrips(t *testing.T) {
	var msgs []model.Message
	for i := 0; i < 6; i++ {
		msgs = append(msgs,
			model.Message{Role: model.RoleUser, Content: fmt.Sprintf("q%d", i)},
			model.Message{Role: model.RoleAssistant, Content: fmt.Sprintf("a%d", i), Notice: "Error: boom"},
		)
	}
	msgs = append(msgs,
		model.Message{Role: model.RoleAssistant, Content: "", Notice: "Error: failed to open"},
		model.Message{Role: model.RoleAssistant, Content: "partial", IsStreaming: true},
	)

	turns := BuildHistory(msgs, 10)
	require.Len(t, turns, 10)
	assert.Equal(t, client.Turn{Role: "user", Content: "q1"}, turns[0])
	assert.Equal(t, client.Turn{Role: "assistant", Content: "a5"}, turns[9])
	for _, turn := range turns {
		assert.NotContains(t, turn.Content, "Error")
	}

	assert.Len(t, BuildHistory(msgs, 0), 0)
	assert.Len(t, BuildHistory(msgs, 100), 12)
}

func TestSubmit_HistoryLimitFromConfig(t *testing.T) {
	ft := &fakeTransport{}
	for i := 0; i < 4; i++ {
		ft.queue(answerStream(fmt.Sprintf("a%d", i), ""))
	}
	m := NewManager(ft, WithConfig(Config{HistoryLimit: 3, Streaming: true}))

	for i := 0; i < 4; i++ {
		s, err := m.Submit(context.Background(), fmt.Sprintf("q%d", i))
		require.NoError(t, err)
		s.Wait()
	}

	assert.Len(t, ft.request(3).History, 3)
	assert.Equal(t, "a2", ft.request(3).History[2].Content)
	// The full log is still in memory.
	assert.Equal(t, 8, m.Transcript().Len())
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestSubmit_CancelsPreviousSessionExactlyOnce(t *testing.T) {
	ft := &fakeTransport{}
	pr, pw := io.Pipe()
	first := &countingBody{ReadCloser: pr}
	ft.queueBody(first)
	ft.queue(answerStream("second answer", ""))
	m := NewManager(ft)

	s1, err := m.Submit(context.Background(), "first")
	require.NoError(t, err)
	_, err = pw.Write([]byte(sseBody(`{"type":"content","content":"Hy"}`)))
	require.NoError(t, err)
	waitContent(t, m.Transcript(), s1.MessageID(), "Hy")

	s2, err := m.Submit(context.Background(), "second")
	require.NoError(t, err)

	r1 := s1.Wait()
	assert.Equal(t, stream.StateCancelled, r1.State)
	_, err = pw.Write([]byte(sseBody(`{"type":"content","content":"late"}`)))
	assert.Error(t, err, "writes after cancellation must fail")
	assert.EqualValues(t, 1, first.closes.Load())

	r2 := s2.Wait()
	assert.Equal(t, stream.StateCompleted, r2.State)

	snap := m.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, "first", snap[0].Content)
	assert.Equal(t, "Hy", snap[1].Content)
	assert.Equal(t, model.OutcomeCancelled, snap[1].Outcome)
	assert.Equal(t, "second", snap[2].Content)
	assert.Equal(t, "second answer", snap[3].Content)

	// The cancelled partial answer is part of the next request's history.
	assert.Equal(t, []client.Turn{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "Hy"},
	}, ft.request(1).History)
}

func TestCancel(t *testing.T) {
	ft := &fakeTransport{}
	pr, pw := io.Pipe()
	defer pw.Close()
	ft.queueBody(pr)
	m := NewManager(ft)

	assert.False(t, m.Cancel(), "nothing to cancel yet")
	s, err := m.Submit(context.Background(), "q")
	require.NoError(t, err)
	assert.True(t, m.Cancel())
	assert.Equal(t, stream.StateCancelled, s.Wait().State)
	assert.False(t, m.Cancel())
}

// =============================================================================
// FOLLOW-UPS
// =============================================================================

func TestFollowUps_ReplaceDefaults(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(
		sseBody(`{"type":"follow_ups","follow_ups":["Is it safe?","Dosage?"]}`, `{"type":"done"}`),
		answerStream("plain", ""),
	)
	defaults := []string{"What is this?"}
	m := NewManager(ft, WithConfig(Config{Streaming: true, HistoryLimit: 10, DefaultSuggestions: defaults}))
	assert.Equal(t, defaults, m.FollowUps())

	s, _ := m.Submit(context.Background(), "q1")
	s.Wait()
	assert.Equal(t, []string{"Is it safe?", "Dosage?"}, m.FollowUps())

	s, _ = m.Submit(context.Background(), "q2")
	s.Wait()
	assert.Equal(t, defaults, m.FollowUps(), "answers without follow-ups fall back to defaults")
}

// =============================================================================
// RESET
// =============================================================================

func TestReset(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(answerStream("a", "srv-1"))
	pr, pw := io.Pipe()
	defer pw.Close()
	ft.queueBody(pr)
	ft.queue(answerStream("b", ""))
	m := NewManager(ft)

	s, _ := m.Submit(context.Background(), "q1")
	s.Wait()
	require.Equal(t, "srv-1", m.Token())

	active, _ := m.Submit(context.Background(), "q2")
	// q2 must hold the pipe before Reset so the fresh question gets "b".
	ft.waitRequests(t, 2)
	m.Reset()

	assert.Equal(t, stream.StateCancelled, active.Wait().State)
	assert.Equal(t, 0, m.Transcript().Len())
	assert.NotEqual(t, "srv-1", m.Token())
	assert.Nil(t, m.Active())

	s, _ = m.Submit(context.Background(), "fresh")
	s.Wait()
	req := ft.request(2)
	assert.Empty(t, req.ConversationID, "first turn after reset omits the token")
	assert.Empty(t, req.History)
}

// =============================================================================
// FALLBACK / RECORDER / CONFIG
// =============================================================================

func TestSubmit_NonStreamingFallback(t *testing.T) {
	ft := &fakeTransport{answers: []*client.Answer{{
		Answer:         "Hyaluronic acid.",
		Sources:        []model.Source{{Document: "a", RelevanceScore: 0.9}, {Document: "b", RelevanceScore: 0.7}},
		ConversationID: "srv-9",
		FollowUps:      []string{"More?"},
	}}}
	m := NewManager(ft, WithConfig(Config{HistoryLimit: 10, Streaming: false}))

	s, err := m.Submit(context.Background(), "q")
	require.NoError(t, err)
	r := s.Wait()

	assert.Equal(t, stream.StateCompleted, r.State)
	assert.InDelta(t, 0.8, r.Confidence, 1e-9)
	assert.Equal(t, "srv-9", m.Token())
	assert.Equal(t, []string{"More?"}, m.FollowUps())
}

func TestRecorder_SeesEveryTurn(t *testing.T) {
	ft := &fakeTransport{}
	ft.queue(answerStream("a", "srv-1"))

	var mu sync.Mutex
	var got []string
	rec := recorderFunc(func(id string, r stream.Result) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, id+":"+r.State.String())
	})
	m := NewManager(ft, WithRecorder(rec))

	s, _ := m.Submit(context.Background(), "q")
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"srv-1:completed"}, got)
}

func TestUpdateConfig(t *testing.T) {
	m := NewManager(&fakeTransport{}, WithConfig(Config{HistoryLimit: 10, Streaming: true, DefaultSuggestions: []string{"old"}}))
	m.UpdateConfig(Config{HistoryLimit: -5, Streaming: false, IdleTimeout: -time.Second, DefaultSuggestions: []string{"new"}})

	cfg := m.Config()
	assert.Equal(t, 0, cfg.HistoryLimit)
	assert.False(t, cfg.Streaming)
	assert.Equal(t, time.Duration(0), cfg.IdleTimeout)
	assert.Equal(t, []string{"new"}, m.FollowUps())
}
