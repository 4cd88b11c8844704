// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across ragchat.
//
// # Key Functions
//
// String Utilities:
//   - StringWidth, TruncateWidth, PadRight: terminal-cell aware sizing
//   - Wrap: word wrapping for terminal output
//   - SingleLine: whitespace collapsing for one-line previews
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//
// # Usage
//
//	// Truncate a source title for a narrow terminal
//	label := util.TruncateWidth(title, 40)
//
//	// Write files atomically to prevent data loss
//	err := util.AtomicWriteFile(path, data, 0600)
package util
