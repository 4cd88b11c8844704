// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// styles.go - Shared styles for all ragchat output.
//
// Every styled string goes through RenderConditional so that piped output
// and --no-color produce plain text.

package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/ragchat/internal/confidence"
)

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	// TitleStyle is used for command titles and headers
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")) // Cyan

	// SectionStyle is used for section headers within commands
	SectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")) // White

	// LabelStyle is used for field labels
	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")) // Light gray

	// ValueStyle is used for regular values and text
	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")) // Off-white

	// SuccessStyle is used for success messages and OK statuses
	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")). // Green
			Bold(true)

	// ErrorStyle is used for error messages and failures
	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")). // Red
			Bold(true)

	// WarningStyle is used for warnings and stopped answers
	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // Yellow/Orange

	// DimStyle is used for secondary information and hints
	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242")) // Dim gray

	// SeparatorStyle is used for visual separators
	SeparatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")) // Dark gray

	// InfoStyle is used for informational messages
	InfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75")) // Blue

	// PromptStyle is the chat input prompt
	PromptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	// UserStyle labels the user's messages in /history
	UserStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("141")). // Purple
			Bold(true)

	// AssistantStyle labels answers in /history
	AssistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	// SourceTitleStyle highlights source titles
	SourceTitleStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("255")).
				Bold(true)

	// ExcerptStyle renders quoted source excerpts
	ExcerptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Italic(true)
)

// =============================================================================
// CONFIDENCE TIER STYLES
// =============================================================================

var (
	tierHighStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")). // Green
			Bold(true)

	tierMediumStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")). // Amber
			Bold(true)

	tierLowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")). // Red
			Bold(true)
)

// TierStyle returns the style for a confidence tier.
func TierStyle(t confidence.Tier) lipgloss.Style {
	switch t {
	case confidence.TierHigh:
		return tierHighStyle
	case confidence.TierMedium:
		return tierMediumStyle
	default:
		return tierLowStyle
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// RenderConditional renders text with style if colors are enabled,
// otherwise returns the text unmodified.
func RenderConditional(style lipgloss.Style, text string) string {
	if !ColorsEnabled() {
		return text
	}
	return style.Render(text)
}

// RenderSeparator renders a horizontal separator line. Default width is 60.
func RenderSeparator(width ...int) string {
	w := 60
	if len(width) > 0 && width[0] > 0 {
		w = width[0]
	}
	return RenderConditional(SeparatorStyle, strings.Repeat("-", w))
}

// RenderStatus renders "[OK]", "[WARN]" or "[FAIL]" with the matching color.
func RenderStatus(status string) string {
	switch strings.ToLower(status) {
	case "ok", "pass":
		return RenderConditional(SuccessStyle, "[OK]")
	case "fail", "failed", "error":
		return RenderConditional(ErrorStyle, "[FAIL]")
	case "warn", "warning":
		return RenderConditional(WarningStyle, "[WARN]")
	default:
		return RenderConditional(DimStyle, "["+strings.ToUpper(status)+"]")
	}
}

// RenderLabel renders a fixed-width field label.
func RenderLabel(label string, width int) string {
	return RenderConditional(LabelStyle, padLabel(label, width))
}

func padLabel(label string, width int) string {
	if n := width - len(label); n > 0 {
		return label + strings.Repeat(" ", n)
	}
	return label
}
