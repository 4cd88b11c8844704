// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export_test

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jeranaias/ragchat/internal/export"
	"github.com/jeranaias/ragchat/internal/model"
)

func exampleTranscript() []model.Message {
	at := time.Date(2026, 1, 24, 14, 30, 52, 0, time.UTC)
	conf := 0.62
	return []model.Message{
		{ID: "msg_1", Role: model.RoleUser, Timestamp: at, Content: "What's the capital of France?"},
		{
			ID:        "msg_2",
			Role:      model.RoleAssistant,
			Timestamp: at.Add(time.Second),
			Content:   "The capital of France is Paris.",
			Sources: []model.Source{
				{Document: "atlas.pdf", Title: "World Atlas", Page: "112", RelevanceScore: 0.62},
			},
			Confidence: &conf,
			Outcome:    model.OutcomeCompleted,
		},
	}
}

// ExampleExportMarkdown demonstrates exporting a transcript to Markdown format.
func ExampleExportMarkdown() {
	dir, _ := os.MkdirTemp("", "ragchat-export")
	defer os.RemoveAll(dir)

	doc := export.NewDocument("conv_example123", exampleTranscript())
	doc.ExportedAt = time.Date(2026, 1, 24, 14, 31, 0, 0, time.UTC)

	opts := export.DefaultOptions()
	opts.OutputDir = dir

	path, err := export.ExportMarkdown(doc, opts)
	if err != nil {
		fmt.Printf("Export failed: %v\n", err)
		return
	}

	fmt.Println(filepath.Base(path))
	// Output: conversation_What's_the_capital_of_France_20260124_143100.md
}

// ExampleForFormat demonstrates choosing an exporter by name.
func ExampleForFormat() {
	exporter, err := export.ForFormat("json", nil)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(exporter.FileExtension(), exporter.MimeType())
	// Output: .json application/json
}
