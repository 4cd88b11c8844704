// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

// UNICODE: All widths are terminal cells, so CJK and emoji count double
// and multi-byte characters are never split.

// Ellipsis is appended to truncated text.
const Ellipsis = "..."

// StringWidth returns the display width of a string in terminal cells.
func StringWidth(s string) int {
	return runewidth.StringWidth(s)
}

// TruncateWidth shortens s to at most maxWidth cells, ending in Ellipsis
// when anything was cut. Widths too small for the ellipsis cut hard.
func TruncateWidth(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	if maxWidth <= len(Ellipsis) {
		return runewidth.Truncate(s, maxWidth, "")
	}
	return runewidth.Truncate(s, maxWidth, Ellipsis)
}

// SingleLine collapses all whitespace runs, newlines included, to single
// spaces.
func SingleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Wrap breaks text into lines of at most width cells on word boundaries.
// Existing newlines are kept, words wider than width are split, and
// trailing spaces are dropped. A non-positive width returns text unchanged.
func Wrap(text string, width int) string {
	if width <= 0 {
		return text
	}

	var out strings.Builder
	for i, para := range strings.Split(text, "\n") {
		if i > 0 {
			out.WriteByte('\n')
		}
		lineWidth := 0
		for _, word := range strings.Fields(para) {
			for runewidth.StringWidth(word) > width {
				if lineWidth > 0 {
					out.WriteByte('\n')
					lineWidth = 0
				}
				head := runewidth.Truncate(word, width, "")
				if head == "" {
					// a single character wider than the line
					_, size := utf8.DecodeRuneInString(word)
					head = word[:size]
				}
				out.WriteString(head)
				out.WriteByte('\n')
				word = word[len(head):]
			}
			w := runewidth.StringWidth(word)
			if w == 0 {
				continue
			}
			switch {
			case lineWidth == 0:
			case lineWidth+1+w > width:
				out.WriteByte('\n')
				lineWidth = 0
			default:
				out.WriteByte(' ')
				lineWidth++
			}
			out.WriteString(word)
			lineWidth += w
		}
	}
	return out.String()
}

// PadRight pads s with spaces to width cells.
func PadRight(s string, width int) string {
	return runewidth.FillRight(s, width)
}
