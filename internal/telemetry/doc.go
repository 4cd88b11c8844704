// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry records statistics about finished answers for ragchat.
//
// Each answer produces one row: its final state, time to first content,
// total duration, decode anomalies, source count, confidence and tier.
// Rows live in a local SQLite database and feed `ragchat stats`.
//
// # Key Types
//
//   - Store: SQLite-backed turn store; implements conversation.Recorder
//   - Turn: One recorded answer
//   - Summary: Aggregates across all turns
//   - DailyCount: Per-day breakdown by state
//
// # Usage
//
//	store, err := telemetry.Open(cfg.Telemetry.Path)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	manager := conversation.NewManager(client, conversation.WithRecorder(store))
//
// # Privacy
//
// Recording is opt-in and local-only. Question and answer text are never
// stored.
package telemetry
