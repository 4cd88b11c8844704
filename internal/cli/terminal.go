// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// terminal.go - Terminal detection for ragchat.
//
// Colors are used only when stdout is a terminal, unless ui.color or
// FORCE_COLOR says otherwise. NO_COLOR (https://no-color.org/) and
// --no-color always win.

package cli

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// =============================================================================
// TTY DETECTION
// =============================================================================

// IsTTY returns true if stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// IsStdoutTTY returns true if stdout is a terminal.
func IsStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// =============================================================================
// TERMINAL WIDTH DETECTION
// =============================================================================

const (
	// DefaultTerminalWidth is the fallback width when detection fails
	DefaultTerminalWidth = 80

	// MinTerminalWidth is the minimum width we'll use for wrapping
	MinTerminalWidth = 40
)

// GetTerminalWidth returns the current terminal width, or
// DefaultTerminalWidth if it cannot be determined.
func GetTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return DefaultTerminalWidth
	}
	if width < MinTerminalWidth {
		return MinTerminalWidth
	}
	return width
}

// =============================================================================
// COLOR OUTPUT CONTROL
// =============================================================================

var (
	colorMu      sync.Mutex
	colorsOn     bool
	colorDecided bool
)

// ColorsEnabled returns true if colored output should be used.
func ColorsEnabled() bool {
	colorMu.Lock()
	defer colorMu.Unlock()
	if !colorDecided {
		colorsOn = decideColors("auto", false)
		colorDecided = true
	}
	return colorsOn
}

// ConfigureColors applies the ui.color mode ("auto", "always", "never") and
// the --no-color flag, and sets the lipgloss color profile to match.
func ConfigureColors(mode string, noColor bool) {
	colorMu.Lock()
	colorsOn = decideColors(mode, noColor)
	colorDecided = true
	on := colorsOn
	colorMu.Unlock()

	if on {
		lipgloss.SetColorProfile(termenv.ColorProfile())
	} else {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// ForceColorsEnabled overrides color detection. Intended for tests.
func ForceColorsEnabled(enabled bool) {
	ConfigureColors(map[bool]string{true: "always", false: "never"}[enabled], false)
}

func decideColors(mode string, noColor bool) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	switch strings.ToLower(mode) {
	case "never":
		return false
	case "always":
		return true
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	return IsStdoutTTY()
}
