// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package confidence

import (
	"math"
	"testing"

	"github.com/jeranaias/ragchat/internal/model"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{0.42}, 0.42},
		{"mean of two", []float64{0.9, 0.7}, 0.8},
		{"all zero", []float64{0, 0, 0}, 0},
		{"all one", []float64{1, 1}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Aggregate(tc.scores)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("Aggregate(%v) = %v, want %v", tc.scores, got, tc.want)
			}
		})
	}
}

func TestAggregate_StaysInUnitRange(t *testing.T) {
	inputs := [][]float64{
		{0, 1},
		{0.1, 0.2, 0.3, 0.99},
		{1, 1, 1, 0},
	}
	for _, in := range inputs {
		got := Aggregate(in)
		if got < 0 || got > 1 {
			t.Errorf("Aggregate(%v) = %v, outside [0,1]", in, got)
		}
	}
}

func TestScore(t *testing.T) {
	sources := []model.Source{
		{Document: "a", RelevanceScore: 0.9},
		{Document: "b", RelevanceScore: 0.7},
	}
	if got := Score(sources); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("Score() = %v, want 0.8", got)
	}
	if got := Score(nil); got != 0 {
		t.Errorf("Score(nil) = %v, want 0", got)
	}
}

func TestScore_KeepsOutOfRangeScores(t *testing.T) {
	sources := []model.Source{
		{Document: "a", RelevanceScore: 1.2},
		{Document: "b", RelevanceScore: 0.2},
	}
	if got := Score(sources); math.Abs(got-0.7) > 1e-9 {
		t.Errorf("Score() = %v, want the plain mean 0.7", got)
	}
}

func TestTierOf(t *testing.T) {
	tests := []struct {
		c    float64
		want Tier
	}{
		{0, TierLow},
		{0.5499, TierLow},
		{0.55, TierMedium},
		{0.7499, TierMedium},
		{0.75, TierHigh},
		{0.8, TierHigh},
		{1, TierHigh},
	}
	for _, tc := range tests {
		if got := TierOf(tc.c); got != tc.want {
			t.Errorf("TierOf(%v) = %v, want %v", tc.c, got, tc.want)
		}
	}
}

func TestTierOf_Monotonic(t *testing.T) {
	prev := TierOf(0)
	for i := 1; i <= 1000; i++ {
		cur := TierOf(float64(i) / 1000)
		if cur < prev {
			t.Fatalf("tier decreased at %v: %v -> %v", float64(i)/1000, prev, cur)
		}
		prev = cur
	}
}

func TestTier_String(t *testing.T) {
	if TierHigh.String() != "high" || TierMedium.String() != "medium" || TierLow.String() != "low" {
		t.Errorf("unexpected tier names: %s %s %s", TierHigh, TierMedium, TierLow)
	}
}

func TestMessageTier(t *testing.T) {
	if _, ok := MessageTier(model.Message{}); ok {
		t.Error("message without confidence should report ok=false")
	}
	c := 0.6
	tier, ok := MessageTier(model.Message{Confidence: &c})
	if !ok || tier != TierMedium {
		t.Errorf("MessageTier() = %v, %v; want medium, true", tier, ok)
	}
}
