// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes the current conversation to a file for ragchat.
//
// Exports are user-initiated snapshots of the in-memory transcript, not a
// persistence layer: nothing is ever read back.
//
// # Key Types
//
//   - Document: A transcript prepared for export
//   - Exporter: Format interface implemented by MarkdownExporter and JSONExporter
//   - Options: Output directory and what to include
//
// # Supported Formats
//
//   - Markdown: Human-readable with YAML frontmatter, sources and confidence
//   - JSON: Machine-readable with every message field
//
// # Usage
//
//	doc := export.NewDocument(manager.Token(), manager.Snapshot())
//	exporter, err := export.ForFormat("md", export.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	path, err := export.ExportToFile(doc, exporter, export.DefaultOptions())
package export
