// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestNewAssistantMessage_StartsStreaming(t *testing.T) {
	msg := NewAssistantMessage()
	if !msg.IsStreaming {
		t.Error("assistant placeholder should be streaming")
	}
	if msg.Role != RoleAssistant {
		t.Errorf("Role = %q, want assistant", msg.Role)
	}
	if msg.HasConfidence() {
		t.Error("confidence should be undefined before finalization")
	}
	if msg.Sources != nil {
		t.Error("sources should be unset before finalization")
	}
}

func TestMessage_FinalizeOnce(t *testing.T) {
	msg := NewAssistantMessage()
	msg.Content = "Hyaluronic acid."

	stats := NewStatistics()
	stats.RecordContent()
	stats.Finalize()

	sources := []Source{{Document: "a", RelevanceScore: 0.9}}
	require.True(t, msg.Finalize(OutcomeCompleted, sources, 0.9, stats))

	// Mutating the caller's slice must not leak into the message.
	sources[0].Document = "changed"
	assert.Equal(t, "a", msg.Sources[0].Document)
	assert.False(t, msg.IsStreaming)
	assert.Equal(t, OutcomeCompleted, msg.Outcome)
	require.NotNil(t, msg.Confidence)
	assert.InDelta(t, 0.9, *msg.Confidence, 1e-9)

	// Second finalization is refused.
	assert.False(t, msg.Finalize(OutcomeFailed, nil, 0, nil))
	assert.Equal(t, OutcomeCompleted, msg.Outcome)
}

func TestMessage_FinalizeNilSourcesIsEmptyList(t *testing.T) {
	msg := NewAssistantMessage()
	msg.Finalize(OutcomeCompleted, nil, 0, nil)
	require.NotNil(t, msg.Sources)
	assert.Len(t, msg.Sources, 0)
}

func TestMessage_DisplayText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		notice  string
		want    string
	}{
		{"content only", "Partial", "", "Partial"},
		{"notice only", "", "Request failed", "Request failed"},
		{"both", "Partial", "Request failed", "Partial\n\nRequest failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := Message{Content: tc.content, Notice: tc.notice}
			if got := m.DisplayText(); got != tc.want {
				t.Errorf("DisplayText() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMessage_Preview(t *testing.T) {
	m := Message{Content: "héllo   wörld\nagain"}
	assert.Equal(t, "héllo wörld again", m.Preview(50))
	assert.Equal(t, "héllo w...", m.Preview(10))
}

func TestMessage_CloneIsDeep(t *testing.T) {
	conf := 0.5
	m := Message{Sources: []Source{{Document: "x"}}, Confidence: &conf}
	c := m.Clone()
	c.Sources[0].Document = "y"
	*c.Confidence = 0.9
	assert.Equal(t, "x", m.Sources[0].Document)
	assert.InDelta(t, 0.5, *m.Confidence, 1e-9)
}

func TestMessage_CloneKeepsEmptySources(t *testing.T) {
	unset := Message{}
	assert.Nil(t, unset.Clone().Sources)

	msg := NewAssistantMessage()
	msg.Finalize(OutcomeCompleted, nil, 0, nil)
	c := msg.Clone()
	require.NotNil(t, c.Sources, "finalized without sources must stay an empty list")
	assert.Len(t, c.Sources, 0)

	tr := NewTranscript()
	require.NoError(t, tr.Append(msg))
	got, ok := tr.Get(msg.ID)
	require.True(t, ok)
	assert.NotNil(t, got.Sources)
	assert.NotNil(t, tr.Snapshot()[0].Sources)
}

func TestStatistics_Format(t *testing.T) {
	s := &Statistics{ContentFrames: 3, TotalDuration: 1200 * time.Millisecond, TTFT: 230 * time.Millisecond}
	assert.Equal(t, "1.2s | 3 chunks | TTFT 230ms", s.Format())
}

// =============================================================================
// SOURCE TESTS
// =============================================================================

func TestLocator_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want Locator
	}{
		{`{"page": 12}`, "12"},
		{`{"page": "iv"}`, "iv"},
		{`{"page": null}`, ""},
		{`{}`, ""},
		{`{"page": 3.5}`, "3.5"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			var s Source
			require.NoError(t, json.Unmarshal([]byte(tc.in), &s))
			assert.Equal(t, tc.want, s.Page)
		})
	}
}

func TestLocator_RejectsObjects(t *testing.T) {
	var s Source
	err := json.Unmarshal([]byte(`{"page": {"n": 1}}`), &s)
	assert.Error(t, err)
}

func TestSource_Label(t *testing.T) {
	assert.Equal(t, "Guide (Dosage, p. 4)", Source{Title: "Guide", Section: "Dosage", Page: "4"}.Label())
	assert.Equal(t, "doc-1", Source{Document: "doc-1"}.Label())
	assert.Equal(t, "(untitled)", Source{}.Label())
}

func TestSource_OutOfRange(t *testing.T) {
	tests := []struct {
		in   float64
		want bool
	}{
		{0, false},
		{0.4, false},
		{1, false},
		{-0.1, true},
		{1.3, true},
		{math.NaN(), true},
	}
	for _, tc := range tests {
		s := Source{RelevanceScore: tc.in}
		assert.Equal(t, tc.want, s.OutOfRange(), "score %v", tc.in)
		if !math.IsNaN(tc.in) {
			assert.Equal(t, tc.in, s.RelevanceScore)
		}
	}
}

// =============================================================================
// TRANSCRIPT TESTS
// =============================================================================

func TestTranscript_AppendPreservesOrder(t *testing.T) {
	tr := NewTranscript()
	a := NewUserMessage("first")
	b := NewAssistantMessage()
	require.NoError(t, tr.Append(a))
	require.NoError(t, tr.Append(b))
	assert.ErrorIs(t, tr.Append(a), ErrDuplicateMessage)

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, a.ID, snap[0].ID)
	assert.Equal(t, b.ID, snap[1].ID)
}

func TestTranscript_UpdateAndSnapshotIsolation(t *testing.T) {
	tr := NewTranscript()
	msg := NewAssistantMessage()
	require.NoError(t, tr.Append(msg))

	ok := tr.Update(msg.ID, func(m *Message) { m.Content = "Hy" })
	require.True(t, ok)
	assert.False(t, tr.Update("missing", func(m *Message) {}))

	snap := tr.Snapshot()
	snap[0].Content = "mutated"

	got, ok := tr.Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, "Hy", got.Content)
}

func TestTranscript_ChangedFiresOnMutation(t *testing.T) {
	tr := NewTranscript()
	ch := tr.Changed()
	v := tr.Version()

	require.NoError(t, tr.Append(NewUserMessage("q")))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Changed channel was not closed after Append")
	}
	assert.Greater(t, tr.Version(), v)

	// A fresh channel is handed out after the wakeup.
	select {
	case <-tr.Changed():
		t.Fatal("new Changed channel should still be open")
	default:
	}
}

func TestTranscript_Clear(t *testing.T) {
	tr := NewTranscript()
	msg := NewUserMessage("q")
	require.NoError(t, tr.Append(msg))
	tr.Clear()
	assert.Equal(t, 0, tr.Len())
	_, ok := tr.Get(msg.ID)
	assert.False(t, ok)
	require.NoError(t, tr.Append(msg))
}

func TestTranscript_ConcurrentAccess(t *testing.T) {
	tr := NewTranscript()
	msg := NewAssistantMessage()
	require.NoError(t, tr.Append(msg))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Update(msg.ID, func(m *Message) { m.Content += "x" })
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = tr.Snapshot()
			}
		}()
	}
	wg.Wait()

	got, _ := tr.Get(msg.ID)
	assert.Len(t, got.Content, 800)
}
