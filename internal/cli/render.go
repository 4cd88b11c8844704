// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// render.go - Terminal rendering of answers, sources and follow-ups.

package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/ragchat/internal/config"
	"github.com/jeranaias/ragchat/internal/confidence"
	"github.com/jeranaias/ragchat/internal/model"
	"github.com/jeranaias/ragchat/internal/stream"
	"github.com/jeranaias/ragchat/internal/util"
)

// historyPreviewLen bounds each line of /history.
const historyPreviewLen = 70

// =============================================================================
// DISPLAY SETTINGS
// =============================================================================

// Display controls what is printed around an answer.
type Display struct {
	ShowSources  bool
	ShowStats    bool
	ExcerptWidth int
	// Width wraps answer text; 0 leaves it unwrapped.
	Width int
	Quiet bool
}

// DisplayFromConfig derives display settings from the [ui] section.
func DisplayFromConfig(ui config.UIConfig, quiet bool) Display {
	return Display{
		ShowSources:  ui.ShowSources && !quiet,
		ShowStats:    ui.ShowStats && !quiet,
		ExcerptWidth: ui.ExcerptWidth,
		Quiet:        quiet,
	}
}

// =============================================================================
// RENDERER
// =============================================================================

// Renderer writes conversation output to a terminal or pipe.
type Renderer struct {
	w io.Writer
	d Display
}

// NewRenderer creates a renderer writing to w.
func NewRenderer(w io.Writer, d Display) *Renderer {
	return &Renderer{w: w, d: d}
}

// Answer prints a finished answer in full: text, then Footer.
func (r *Renderer) Answer(res stream.Result) {
	if res.Text != "" {
		text := res.Text
		if r.d.Width > 0 {
			text = util.Wrap(text, r.d.Width)
		}
		fmt.Fprintln(r.w, text)
	}
	r.Footer(res)
}

// Footer prints what follows the answer text: the notice, the confidence
// line, sources and timing. Only completed answers get a confidence line.
func (r *Renderer) Footer(res stream.Result) {
	switch res.State {
	case stream.StateFailed:
		fmt.Fprintln(r.w, RenderConditional(ErrorStyle, res.Notice))
		return
	case stream.StateCancelled:
		notice := res.Notice
		if notice == "" {
			notice = "[Stopped]"
		}
		fmt.Fprintln(r.w, RenderConditional(WarningStyle, notice))
		return
	}

	if r.d.Quiet {
		return
	}
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, r.ConfidenceLine(res.Confidence, len(res.Sources)))
	if r.d.ShowSources && len(res.Sources) > 0 {
		r.Sources(res.Sources)
	}
	if r.d.ShowStats {
		fmt.Fprintln(r.w, RenderConditional(DimStyle, res.Stats.Format()))
	}
}

// ConfidenceLine formats e.g. "Confidence: 0.82 (high) | 3 sources".
func (r *Renderer) ConfidenceLine(c float64, sources int) string {
	tier := confidence.TierOf(c)
	value := fmt.Sprintf("%.2f (%s)", c, tier)
	noun := "sources"
	if sources == 1 {
		noun = "source"
	}
	return RenderConditional(LabelStyle, "Confidence: ") +
		RenderConditional(TierStyle(tier), value) +
		RenderConditional(DimStyle, fmt.Sprintf(" | %d %s", sources, noun))
}

// Sources prints a numbered source list with truncated excerpts.
func (r *Renderer) Sources(sources []model.Source) {
	if len(sources) == 0 {
		fmt.Fprintln(r.w, RenderConditional(DimStyle, "No sources."))
		return
	}
	for i, s := range sources {
		fmt.Fprintf(r.w, "  %d. %s %s\n",
			i+1,
			RenderConditional(SourceTitleStyle, s.Label()),
			RenderConditional(DimStyle, fmt.Sprintf("[%.2f]", s.RelevanceScore)))
		if excerpt := util.SingleLine(s.Excerpt); excerpt != "" && r.d.ExcerptWidth > 0 {
			fmt.Fprintf(r.w, "     %s\n", RenderConditional(ExcerptStyle, "\""+util.TruncateWidth(excerpt, r.d.ExcerptWidth)+"\""))
		}
		if link := firstNonEmpty(s.ViewURL, s.DownloadURL); link != "" {
			fmt.Fprintf(r.w, "     %s\n", RenderConditional(InfoStyle, link))
		}
	}
}

// FollowUps prints numbered suggestions that the user can pick by number.
func (r *Renderer) FollowUps(questions []string) {
	if len(questions) == 0 {
		return
	}
	fmt.Fprintln(r.w, RenderConditional(LabelStyle, "Suggested:"))
	for i, q := range questions {
		fmt.Fprintf(r.w, "  %s %s\n", RenderConditional(InfoStyle, strconv.Itoa(i+1)+"."), q)
	}
}

// History prints a one-line summary per message.
func (r *Renderer) History(msgs []model.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(r.w, RenderConditional(DimStyle, "No messages yet."))
		return
	}
	for _, m := range msgs {
		style := UserStyle
		if m.Role == model.RoleAssistant {
			style = AssistantStyle
		}
		label := util.PadRight(m.Role.DisplayName(), 10)
		preview := m.Preview(historyPreviewLen)
		switch {
		case m.IsStreaming:
			preview += " " + RenderConditional(DimStyle, "(answering)")
		case m.Outcome == model.OutcomeFailed:
			preview += " " + RenderConditional(ErrorStyle, "(failed)")
		case m.Outcome == model.OutcomeCancelled:
			preview += " " + RenderConditional(WarningStyle, "(stopped)")
		case m.HasConfidence():
			tier, _ := confidence.MessageTier(m)
			preview += " " + RenderConditional(TierStyle(tier), "("+tier.String()+")")
		}
		fmt.Fprintf(r.w, "%s %s %s\n",
			RenderConditional(DimStyle, m.Timestamp.Format("15:04")),
			RenderConditional(style, label),
			preview)
	}
}

// =============================================================================
// STREAM PRINTER
// =============================================================================

// streamPrinter writes answer text as it grows. Content only ever grows
// by appending, so it tracks how many bytes were already printed.
type streamPrinter struct {
	w       io.Writer
	printed int
	lastNL  bool
}

// update prints the part of content not yet written.
func (p *streamPrinter) update(content string) {
	if len(content) <= p.printed {
		return
	}
	delta := content[p.printed:]
	p.printed = len(content)
	io.WriteString(p.w, delta)
	p.lastNL = strings.HasSuffix(delta, "\n")
}

// finish ends the line if anything was printed.
func (p *streamPrinter) finish() {
	if p.printed > 0 && !p.lastNL {
		io.WriteString(p.w, "\n")
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// formatDuration formats a duration for human display.
func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}
