// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

const (
	// SchemaVersion tracks the database schema version for migrations
	SchemaVersion = 1
)

// Schema is the SQLite schema for the turn statistics store.
const Schema = `
-- Metadata table for schema version
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

-- One row per finished answer. Question and answer text are never stored.
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation TEXT NOT NULL,
    message_id TEXT NOT NULL,
    state TEXT NOT NULL,         -- completed, failed, cancelled
    started_at INTEGER NOT NULL, -- Unix milliseconds
    ttft_ms INTEGER NOT NULL,    -- 0 when no content arrived
    duration_ms INTEGER NOT NULL,
    content_frames INTEGER NOT NULL,
    anomalies INTEGER NOT NULL,
    source_count INTEGER NOT NULL,
    confidence REAL NOT NULL,
    tier TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_turns_started ON turns(started_at);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation);
`
