// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// =============================================================================
// SOURCE TYPE
// =============================================================================

// Source is one citation backing an answer.
type Source struct {
	Document       string  `json:"document"`
	Title          string  `json:"title,omitempty"`
	Page           Locator `json:"page,omitempty"`
	Section        string  `json:"section,omitempty"`
	RelevanceScore float64 `json:"relevance_score"`
	Excerpt        string  `json:"excerpt,omitempty"`
	ViewURL        string  `json:"view_url,omitempty"`
	DownloadURL    string  `json:"download_url,omitempty"`
}

// Label returns a short human-readable name for the source, preferring the
// title over the raw document identifier.
func (s Source) Label() string {
	name := s.Title
	if name == "" {
		name = s.Document
	}
	if name == "" {
		name = "(untitled)"
	}
	var parts []string
	if s.Section != "" {
		parts = append(parts, s.Section)
	}
	if s.Page != "" {
		parts = append(parts, "p. "+string(s.Page))
	}
	if len(parts) == 0 {
		return name
	}
	return name + " (" + strings.Join(parts, ", ") + ")"
}

// OutOfRange reports whether the relevance score lies outside [0,1]. Scores
// are kept as received either way.
func (s Source) OutOfRange() bool {
	return math.IsNaN(s.RelevanceScore) || s.RelevanceScore < 0 || s.RelevanceScore > 1
}

// =============================================================================
// LOCATOR TYPE
// =============================================================================

// Locator is a page number or free-form position inside a document. The
// service sends either a JSON number or a string.
type Locator string

// UnmarshalJSON accepts a number, a string or null.
func (l *Locator) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Locator(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("page locator must be a number or string: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*l = Locator(strconv.FormatInt(i, 10))
		return nil
	}
	*l = Locator(n.String())
	return nil
}
