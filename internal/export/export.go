// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/util"
)

// ErrEmptyTranscript is returned when there is nothing to export.
var ErrEmptyTranscript = errors.New("conversation has no messages")

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter defines the interface for transcript exporters.
type Exporter interface {
	// Export converts a transcript to the target format and returns the content.
	Export(doc *Document) ([]byte, error)

	// FileExtension returns the appropriate file extension (e.g., ".md").
	FileExtension() string

	// MimeType returns the MIME type for the exported format.
	MimeType() string
}

// Document is a transcript prepared for export.
type Document struct {
	Title        string
	Conversation string
	CreatedAt    time.Time
	ExportedAt   time.Time
	Messages     []model.Message
}

// NewDocument builds a document from a transcript snapshot. Messages still
// streaming are left out. The title is a preview of the first question.
func NewDocument(conversation string, msgs []model.Message) *Document {
	doc := &Document{
		Conversation: conversation,
		ExportedAt:   time.Now(),
	}
	for _, m := range msgs {
		if m.IsStreaming {
			continue
		}
		doc.Messages = append(doc.Messages, m.Clone())
	}
	if len(doc.Messages) > 0 {
		doc.CreatedAt = doc.Messages[0].Timestamp
	}
	for i := range doc.Messages {
		if doc.Messages[i].Role == model.RoleUser {
			doc.Title = doc.Messages[i].Preview(60)
			break
		}
	}
	if doc.Title == "" {
		doc.Title = "Conversation"
	}
	return doc
}

func (d *Document) validate() error {
	if d == nil {
		return errors.New("document is nil")
	}
	if len(d.Messages) == 0 {
		return ErrEmptyTranscript
	}
	return nil
}

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures export behavior.
type Options struct {
	// OutputDir is the directory where files will be saved.
	// Default: current working directory
	OutputDir string

	// IncludeMetadata includes the frontmatter and session summary.
	IncludeMetadata bool

	// IncludeTimestamps includes per-message timestamps.
	IncludeTimestamps bool

	// IncludeSources lists the sources under each answer.
	IncludeSources bool
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		OutputDir:         ".",
		IncludeMetadata:   true,
		IncludeTimestamps: true,
		IncludeSources:    true,
	}
}

// ForFormat returns the exporter for "md"/"markdown" or "json".
func ForFormat(format string, opts *Options) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "md", "markdown":
		return NewMarkdownExporter(opts), nil
	case "json":
		return NewJSONExporter(opts), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q (use md or json)", format)
	}
}

// =============================================================================
// EXPORT FUNCTIONS
// =============================================================================

// ExportToFile exports a transcript to a new file in opts.OutputDir and
// returns its path. The file is written atomically.
func ExportToFile(doc *Document, exporter Exporter, opts *Options) (string, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	content, err := exporter.Export(doc)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}

	timestamp := doc.ExportedAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	filename := fmt.Sprintf("conversation_%s_%s%s",
		sanitizeFilename(doc.Title),
		timestamp.Format("20060102_150405"),
		exporter.FileExtension(),
	)

	dir := opts.OutputDir
	if dir == "" {
		dir = "."
	}
	outputPath := filepath.Join(dir, filename)
	if err := util.AtomicWriteFileWithDir(outputPath, content, 0644, 0755); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	return outputPath, nil
}

// ExportMarkdown exports to Markdown format.
func ExportMarkdown(doc *Document, opts *Options) (string, error) {
	return ExportToFile(doc, NewMarkdownExporter(opts), opts)
}

// ExportJSON exports to JSON format.
func ExportJSON(doc *Document, opts *Options) (string, error) {
	return ExportToFile(doc, NewJSONExporter(opts), opts)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// sanitizeFilename removes or replaces characters that are invalid in filenames.
func sanitizeFilename(s string) string {
	const maxLen = 50
	runes := []rune(s)
	if len(runes) > maxLen {
		runes = runes[:maxLen]
	}

	replacer := map[rune]rune{
		'/':  '-',
		'\\': '-',
		':':  '-',
		'*':  '-',
		'?':  '-',
		'"':  '-',
		'<':  '-',
		'>':  '-',
		'|':  '-',
		' ':  '_',
		'\t': '_',
		'\n': '_',
		'\r': '_',
	}

	result := make([]rune, 0, len(runes))
	for _, r := range runes {
		if replacement, found := replacer[r]; found {
			result = append(result, replacement)
		} else if r < 32 || r == 127 {
			result = append(result, '-')
		} else {
			result = append(result, r)
		}
	}

	out := strings.Trim(string(result), "-_.")
	if out == "" {
		return "conversation"
	}
	return out
}

// formatDuration formats a duration to a human-readable string.
func formatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	seconds := float64(ms) / 1000.0
	if seconds < 60 {
		return fmt.Sprintf("%.2fs", seconds)
	}
	minutes := int(seconds / 60)
	remainingSeconds := int(seconds) % 60
	return fmt.Sprintf("%dm %ds", minutes, remainingSeconds)
}

// formatTimestamp formats a timestamp for display.
func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

// formatShortTimestamp formats a timestamp for inline display.
func formatShortTimestamp(t time.Time) string {
	return t.Format("15:04:05")
}
