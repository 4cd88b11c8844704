// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package confidence turns the relevance scores of an answer's sources into
// a single confidence value and a display tier.
package confidence

import (
	"github.com/jeranaias/ragchat/internal/model"
)

// Tier thresholds. Lower edges are inclusive.
const (
	HighThreshold   = 0.75
	MediumThreshold = 0.55
)

// Tier is a coarse confidence band.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	default:
		return "low"
	}
}

// Aggregate returns the arithmetic mean of scores, or 0 when there are none.
// Scores are not renormalized.
func Aggregate(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// Score aggregates the relevance scores of sources.
func Score(sources []model.Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	scores := make([]float64, len(sources))
	for i, s := range sources {
		scores[i] = s.RelevanceScore
	}
	return Aggregate(scores)
}

// TierOf maps a confidence value to its tier.
func TierOf(c float64) Tier {
	switch {
	case c >= HighThreshold:
		return TierHigh
	case c >= MediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

// MessageTier returns the tier of a finalized message, and false when the
// message has no confidence yet.
func MessageTier(m model.Message) (Tier, bool) {
	if m.Confidence == nil {
		return TierLow, false
	}
	return TierOf(*m.Confidence), true
}
