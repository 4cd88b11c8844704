// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/ragchat/internal/model"
)

var fixedTime = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

func sampleTranscript() []model.Message {
	conf := 0.8
	return []model.Message{
		{
			ID:        "msg_1",
			Role:      model.RoleUser,
			Timestamp: fixedTime,
			Content:   "What is hyaluronic acid?",
		},
		{
			ID:        "msg_2",
			Role:      model.RoleAssistant,
			Timestamp: fixedTime.Add(time.Second),
			Content:   "Hyaluronic acid is a humectant.",
			Sources: []model.Source{
				{Document: "skin.pdf", Title: "Skin Care Guide", Page: "4", RelevanceScore: 0.9, Excerpt: "HA binds\nwater."},
				{Document: "faq.md", RelevanceScore: 0.7, ViewURL: "https://docs.example/faq"},
			},
			Confidence:    &conf,
			Outcome:       model.OutcomeCompleted,
			TTFT:          230 * time.Millisecond,
			TotalDuration: 1500 * time.Millisecond,
		},
		{
			ID:        "msg_3",
			Role:      model.RoleUser,
			Timestamp: fixedTime.Add(time.Minute),
			Content:   "And retinol?",
		},
		{
			ID:         "msg_4",
			Role:       model.RoleAssistant,
			Timestamp:  fixedTime.Add(time.Minute + time.Second),
			Content:    "Ret",
			Notice:     "Error: index unavailable",
			Sources:    []model.Source{},
			Confidence: new(float64),
			Outcome:    model.OutcomeFailed,
		},
	}
}

func TestNewDocument(t *testing.T) {
	msgs := sampleTranscript()
	msgs = append(msgs, model.NewUserMessage("pending"), model.NewAssistantMessage())

	doc := NewDocument("conv-1", msgs)

	if len(doc.Messages) != 5 {
		t.Fatalf("streaming placeholder should be dropped, got %d messages", len(doc.Messages))
	}
	if doc.Title != "What is hyaluronic acid?" {
		t.Errorf("title = %q", doc.Title)
	}
	if !doc.CreatedAt.Equal(fixedTime) {
		t.Errorf("created = %v", doc.CreatedAt)
	}

	// The document must not alias the caller's sources.
	msgs[1].Sources[0].Title = "changed"
	if doc.Messages[1].Sources[0].Title != "Skin Care Guide" {
		t.Error("NewDocument should deep copy messages")
	}
}

func TestMarkdownExporter(t *testing.T) {
	doc := NewDocument("conv-1", sampleTranscript())
	doc.ExportedAt = fixedTime

	out, err := NewMarkdownExporter(nil).Export(doc)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	md := string(out)

	for _, want := range []string{
		"---\ntitle: What is hyaluronic acid?\n",
		"conversation: conv-1\n",
		"generator: ragchat\n",
		"- **Answers**: 2 (1 failed, 0 stopped)",
		"### [You] <sub>09:30:00</sub>",
		"Hyaluronic acid is a humectant.",
		"**Confidence**: 0.80 (high)",
		"1. Skin Care Guide (p. 4) - relevance 0.90",
		"   > HA binds water.",
		"2. [faq.md](https://docs.example/faq) - relevance 0.70",
		"<sub>Stats: Duration: 1.50s | TTFT: 230ms</sub>",
		"> Error: index unavailable",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}

	// A failed answer never shows a confidence line.
	if strings.Count(md, "**Confidence**") != 1 {
		t.Errorf("expected exactly one confidence line")
	}
}

func TestMarkdownExporter_MinimalOptions(t *testing.T) {
	doc := NewDocument("", sampleTranscript())
	out, err := NewMarkdownExporter(&Options{}).Export(doc)
	if err != nil {
		t.Fatal(err)
	}
	md := string(out)

	if strings.HasPrefix(md, "---") {
		t.Error("frontmatter should be omitted without IncludeMetadata")
	}
	if strings.Contains(md, "**Sources**") {
		t.Error("sources should be omitted without IncludeSources")
	}
	if strings.Contains(md, "<sub>09:30:00</sub>") {
		t.Error("timestamps should be omitted without IncludeTimestamps")
	}
}

func TestYAMLNewlineInjection(t *testing.T) {
	doc := &Document{
		Title:    "Test\nInjection: malicious",
		Messages: []model.Message{{Role: model.RoleUser, Content: "test"}},
	}

	out, err := NewMarkdownExporter(nil).Export(doc)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	result := string(out)

	for _, line := range strings.Split(result, "\n")[:8] {
		if strings.HasPrefix(line, "Injection:") {
			t.Error("newline in title escaped the YAML value")
		}
	}
	if !strings.Contains(result, `title: "Test\nInjection: malicious"`) {
		t.Errorf("title should be quoted and escaped:\n%s", result)
	}
}

func TestEscapeYAML(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", "plain"},
		{`C:\path`, `"C:\\path"`},
		{`say "hi"`, `"say \"hi\""`},
		{" padded", `" padded"`},
	}
	for _, tt := range tests {
		if got := escapeYAML(tt.in); got != tt.want {
			t.Errorf("escapeYAML(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEmptyTranscriptRejected(t *testing.T) {
	doc := NewDocument("conv", nil)
	for _, exp := range []Exporter{NewMarkdownExporter(nil), NewJSONExporter(nil)} {
		if _, err := exp.Export(doc); !errors.Is(err, ErrEmptyTranscript) {
			t.Errorf("%T: expected ErrEmptyTranscript, got %v", exp, err)
		}
		if _, err := exp.Export(nil); err == nil {
			t.Errorf("%T: expected an error for a nil document", exp)
		}
	}
}

func TestJSONExporter(t *testing.T) {
	doc := NewDocument("conv-1", sampleTranscript())
	doc.ExportedAt = fixedTime

	out, err := NewJSONExporter(nil).Export(doc)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	var decoded struct {
		Title        string `json:"title"`
		Conversation string `json:"conversation"`
		Messages     []struct {
			Role       string          `json:"role"`
			Content    string          `json:"content"`
			Notice     string          `json:"notice"`
			Sources    []model.Source  `json:"sources"`
			Confidence *float64        `json:"confidence"`
			Tier       string          `json:"tier"`
			TTFTMs     int64           `json:"ttft_ms"`
			Extra      json.RawMessage `json:"ttft_ns"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if decoded.Conversation != "conv-1" || len(decoded.Messages) != 4 {
		t.Fatalf("unexpected document: %+v", decoded)
	}
	answer := decoded.Messages[1]
	if answer.Tier != "high" || answer.Confidence == nil || *answer.Confidence != 0.8 {
		t.Errorf("answer confidence not exported: %+v", answer)
	}
	if len(answer.Sources) != 2 || answer.Sources[0].Page != "4" {
		t.Errorf("sources not exported: %+v", answer.Sources)
	}
	if answer.TTFTMs != 230 || answer.Extra != nil {
		t.Errorf("durations should be reported in ms only")
	}
	if decoded.Messages[0].Tier != "" {
		t.Error("questions have no tier")
	}
	if decoded.Messages[3].Notice != "Error: index unavailable" {
		t.Errorf("notice lost: %+v", decoded.Messages[3])
	}
}

func TestForFormat(t *testing.T) {
	for format, ext := range map[string]string{"": ".md", "md": ".md", "Markdown": ".md", "json": ".json"} {
		exp, err := ForFormat(format, nil)
		if err != nil {
			t.Fatalf("ForFormat(%q) error: %v", format, err)
		}
		if exp.FileExtension() != ext {
			t.Errorf("ForFormat(%q) extension = %s, want %s", format, exp.FileExtension(), ext)
		}
	}
	if _, err := ForFormat("html", nil); err == nil {
		t.Error("html should be rejected")
	}
}

func TestExportToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	doc := NewDocument("conv-1", sampleTranscript())
	doc.ExportedAt = fixedTime

	path, err := ExportJSON(doc, &Options{OutputDir: dir})
	if err != nil {
		t.Fatalf("ExportJSON failed: %v", err)
	}

	want := filepath.Join(dir, "conversation_What_is_hyaluronic_acid_20250601_093000.json")
	if path != want {
		t.Errorf("path = %s, want %s", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(data) {
		t.Error("exported file is not valid JSON")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestFilenameSanitization(t *testing.T) {
	tests := []struct {
		input    string
		mustNot  []string
		mustHave []string
	}{
		{
			input:    "Test/Path\\Name:With*Special?Chars",
			mustNot:  []string{"/", "\\", ":", "*", "?"},
			mustHave: []string{"-"},
		},
		{
			input:    "Test<HTML>Tags|Pipe",
			mustNot:  []string{"<", ">", "|"},
			mustHave: []string{"-"},
		},
		{
			input:    "Test With Spaces\tAnd\nNewlines\r",
			mustNot:  []string{" ", "\t", "\n", "\r"},
			mustHave: []string{"_"},
		},
		{
			input:    "Test\x00\x01\x1fControl\x7fChars",
			mustNot:  []string{"\x00", "\x01", "\x1f", "\x7f"},
			mustHave: []string{"-"},
		},
	}

	for _, tt := range tests {
		result := sanitizeFilename(tt.input)
		for _, char := range tt.mustNot {
			if strings.Contains(result, char) {
				t.Errorf("sanitizeFilename(%q) contains forbidden character %q, got %q", tt.input, char, result)
			}
		}
		for _, char := range tt.mustHave {
			if !strings.Contains(result, char) {
				t.Errorf("sanitizeFilename(%q) should contain %q, got %q", tt.input, char, result)
			}
		}
	}

	if got := sanitizeFilename("???"); got != "conversation" {
		t.Errorf("all-punctuation title should fall back, got %q", got)
	}
}
