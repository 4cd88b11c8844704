// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/logging"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// isolateHome points the config directory at a temp dir and clears the
// environment overrides.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	for _, key := range []string{
		"RAGCHAT_BASE_URL", "RAGCHAT_API_KEY", "RAGCHAT_HISTORY_LIMIT",
		"RAGCHAT_STREAMING", "RAGCHAT_IDLE_TIMEOUT", "RAGCHAT_LOG_LEVEL", "RAGCHAT_TELEMETRY",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("NO_COLOR", "1")
	ForceColorsEnabled(false)
	t.Cleanup(config.ResetGlobalForTesting)
	return home
}

// sseStream formats payloads as event-stream frames.
func sseStream(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		fmt.Fprintf(&b, "data: %s\n\n", p)
	}
	return b.String()
}

// answerServer serves body on the streaming endpoint.
func answerServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat/stream":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, body)
		case "/health":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newTestApp wires an App against baseURL with logging discarded.
func newTestApp(t *testing.T, baseURL string) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Server.BaseURL = baseURL
	cfg.Conversation.IdleTimeoutSecs = 5
	app, err := newAppWithLogger(cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app
}

const (
	goodAnswer    = `{"type":"content","content":"Per diem is 50 EUR."}`
	goodSources   = `{"type":"sources","sources":[{"document":"travel.pdf","title":"Travel Policy","page":"4","relevance_score":0.9,"excerpt":"The daily allowance is 50 EUR."},{"document":"faq.md","relevance_score":0.8}]}`
	goodFollowUps = `{"type":"follow_ups","follow_ups":["Does it cover meals?","Who approves travel?"]}`
	goodDone      = `{"type":"done","conversation_id":"conv-42"}`
)
