// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package event interprets answer-stream frames.
//
// Each frame carries one JSON object with a "type" field: content, sources,
// followups, done or error. Parse turns a payload into an Event; Dispatcher
// routes events to a Handler, skips anomalies and ignores everything after
// the first done or error.
package event
