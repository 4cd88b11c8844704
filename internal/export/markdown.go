// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/ragchat/internal/confidence"
	"github.com/jeranaias/ragchat/internal/model"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports transcripts to Markdown format.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// Export converts a transcript to Markdown format.
func (e *MarkdownExporter) Export(doc *Document) ([]byte, error) {
	if err := doc.validate(); err != nil {
		return nil, err
	}

	exported := doc.ExportedAt
	if exported.IsZero() {
		exported = time.Now()
	}

	var sb strings.Builder

	// YAML frontmatter with metadata
	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		fmt.Fprintf(&sb, "title: %s\n", escapeYAML(doc.Title))
		if doc.Conversation != "" {
			fmt.Fprintf(&sb, "conversation: %s\n", escapeYAML(doc.Conversation))
		}
		if !doc.CreatedAt.IsZero() {
			fmt.Fprintf(&sb, "date: %s\n", doc.CreatedAt.Format(time.RFC3339))
		}
		fmt.Fprintf(&sb, "messages: %d\n", len(doc.Messages))
		fmt.Fprintf(&sb, "exported: %s\n", exported.Format(time.RFC3339))
		sb.WriteString("generator: ragchat\n")
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(doc.Title))

	if e.options.IncludeMetadata {
		answers, failed, cancelled := countOutcomes(doc.Messages)
		sb.WriteString("## Session Information\n\n")
		if !doc.CreatedAt.IsZero() {
			fmt.Fprintf(&sb, "- **Started**: %s\n", formatTimestamp(doc.CreatedAt))
		}
		fmt.Fprintf(&sb, "- **Messages**: %d\n", len(doc.Messages))
		fmt.Fprintf(&sb, "- **Answers**: %d", answers)
		if failed > 0 || cancelled > 0 {
			fmt.Fprintf(&sb, " (%d failed, %d stopped)", failed, cancelled)
		}
		sb.WriteString("\n\n---\n\n")
	}

	sb.WriteString("## Conversation\n\n")

	for i := range doc.Messages {
		msg := &doc.Messages[i]

		label := e.formatRoleLabel(msg.Role)
		if e.options.IncludeTimestamps && !msg.Timestamp.IsZero() {
			fmt.Fprintf(&sb, "### %s <sub>%s</sub>\n\n", label, formatShortTimestamp(msg.Timestamp))
		} else {
			fmt.Fprintf(&sb, "### %s\n\n", label)
		}

		if content := strings.TrimSpace(msg.Content); content != "" {
			sb.WriteString(content)
			sb.WriteString("\n\n")
		}
		if msg.Notice != "" {
			fmt.Fprintf(&sb, "> %s\n\n", strings.ReplaceAll(msg.Notice, "\n", "\n> "))
		}

		if msg.Role == model.RoleAssistant {
			if line := e.formatConfidence(msg); line != "" {
				sb.WriteString(line)
				sb.WriteString("\n\n")
			}
			if e.options.IncludeSources && len(msg.Sources) > 0 {
				sb.WriteString(e.formatSources(msg.Sources))
				sb.WriteString("\n")
			}
			if e.options.IncludeMetadata {
				if stats := e.formatMessageStats(msg); stats != "" {
					sb.WriteString(stats)
					sb.WriteString("\n\n")
				}
			}
		}

		if i < len(doc.Messages)-1 {
			sb.WriteString("---\n\n")
		}
	}

	sb.WriteString("\n---\n\n")
	fmt.Fprintf(&sb, "*Exported from ragchat on %s*\n", exported.Format("January 2, 2006 at 3:04 PM"))

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown"
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

func (e *MarkdownExporter) formatRoleLabel(role model.Role) string {
	switch role {
	case model.RoleUser:
		return "[You]"
	case model.RoleAssistant:
		return "[Assistant]"
	default:
		return "Unknown"
	}
}

func (e *MarkdownExporter) formatConfidence(msg *model.Message) string {
	tier, ok := confidence.MessageTier(*msg)
	if !ok || msg.Outcome != model.OutcomeCompleted {
		return ""
	}
	return fmt.Sprintf("**Confidence**: %.2f (%s)", *msg.Confidence, tier)
}

func (e *MarkdownExporter) formatSources(sources []model.Source) string {
	var sb strings.Builder
	sb.WriteString("**Sources**:\n\n")
	for i, src := range sources {
		label := escapeMarkdown(src.Label())
		if src.ViewURL != "" {
			label = fmt.Sprintf("[%s](%s)", label, src.ViewURL)
		}
		fmt.Fprintf(&sb, "%d. %s - relevance %.2f\n", i+1, label, src.RelevanceScore)
		if excerpt := strings.Join(strings.Fields(src.Excerpt), " "); excerpt != "" {
			fmt.Fprintf(&sb, "   > %s\n", excerpt)
		}
	}
	return sb.String()
}

// formatMessageStats formats timing for an answer.
func (e *MarkdownExporter) formatMessageStats(msg *model.Message) string {
	var parts []string
	if msg.TotalDuration > 0 {
		parts = append(parts, fmt.Sprintf("Duration: %s", formatDuration(msg.TotalDuration)))
	}
	if msg.TTFT > 0 {
		parts = append(parts, fmt.Sprintf("TTFT: %s", formatDuration(msg.TTFT)))
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("<sub>Stats: %s</sub>", strings.Join(parts, " | "))
}

func countOutcomes(msgs []model.Message) (answers, failed, cancelled int) {
	for i := range msgs {
		if msgs[i].Role != model.RoleAssistant {
			continue
		}
		answers++
		switch msgs[i].Outcome {
		case model.OutcomeFailed:
			failed++
		case model.OutcomeCancelled:
			cancelled++
		}
	}
	return answers, failed, cancelled
}

// =============================================================================
// ESCAPING HELPERS
// =============================================================================

// escapeMarkdown escapes special Markdown characters in plain text.
func escapeMarkdown(s string) string {
	// Only escape characters that would break formatting in titles/headings
	s = strings.ReplaceAll(s, "#", "\\#")
	s = strings.ReplaceAll(s, "*", "\\*")
	s = strings.ReplaceAll(s, "_", "\\_")
	s = strings.ReplaceAll(s, "[", "\\[")
	s = strings.ReplaceAll(s, "]", "\\]")
	return s
}

// escapeYAML quotes a value when it contains characters YAML would read
// as syntax.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") || strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, "\"", "\\\"")
		s = strings.ReplaceAll(s, "\n", "\\n")
		s = strings.ReplaceAll(s, "\r", "\\r")
		return fmt.Sprintf("\"%s\"", s)
	}
	return s
}
