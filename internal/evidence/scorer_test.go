package evidence

import (
	"testing"
	"time"
)

func fixedScorer(now time.Time) *Scorer {
	return &Scorer{now: func() time.Time { return now }}
}

func baseItem(now time.Time) *Item {
	return &Item{
		InvestigationID: "inv-1",
		Type:            "network_flow",
		Source:          "siem",
		Timestamp:       now.Add(-10 * time.Minute),
		Data:            map[string]any{"bytes": "1234"},
		Confidence:      0.8,
	}
}

func TestScorer_OverallInRange(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedScorer(now)

	score := s.Score(baseItem(now))
	if score.Overall < 0 || score.Overall > 1 {
		t.Fatalf("overall = %v, want in [0,1]", score.Overall)
	}
	for _, factor := range []string{"source_reliability", "completeness", "freshness", "validation", "consistency", "relevance"} {
		v, ok := score.Breakdown[factor]
		if !ok {
			t.Errorf("breakdown missing factor %q", factor)
			continue
		}
		if v < 0 || v > 1 {
			t.Errorf("factor %q = %v, want in [0,1]", factor, v)
		}
	}
}

func TestScorer_SourceReliability(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedScorer(now)

	tests := []struct {
		source string
		want   float64
	}{
		{"edr", 0.90},
		{"EDR", 0.90},
		{"edr-east-1", 0.90}, // prefix match
		{"user_report", 0.40},
		{"something_else", defaultReliability},
	}
	for _, tt := range tests {
		it := baseItem(now)
		it.Source = tt.source
		got := s.Score(it).Breakdown["source_reliability"]
		if got != tt.want {
			t.Errorf("source %q reliability = %v, want %v", tt.source, got, tt.want)
		}
	}
}

func TestScorer_HighReliabilityBeatsLow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedScorer(now)

	edr := baseItem(now)
	edr.Source = "edr"
	osint := baseItem(now)
	osint.Source = "osint"

	if se, so := s.Score(edr).Overall, s.Score(osint).Overall; se <= so {
		t.Errorf("edr score %v should exceed osint score %v", se, so)
	}
}

func TestScorer_FreshnessDecay(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedScorer(now)

	tests := []struct {
		age  time.Duration
		want float64
	}{
		{30 * time.Minute, 1.0},
		{3 * time.Hour, 0.9},
		{12 * time.Hour, 0.7},
		{3 * 24 * time.Hour, 0.5},
		{14 * 24 * time.Hour, 0.3},
		{60 * 24 * time.Hour, 0.1},
	}
	for _, tt := range tests {
		it := baseItem(now)
		it.Timestamp = now.Add(-tt.age)
		got := s.Score(it).Breakdown["freshness"]
		if got != tt.want {
			t.Errorf("age %v freshness = %v, want %v", tt.age, got, tt.want)
		}
	}
}

func TestScorer_ConsistencyPenalties(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedScorer(now)

	future := baseItem(now)
	future.Timestamp = now.Add(2 * time.Hour)
	score := s.Score(future)
	if got := score.Breakdown["consistency"]; got >= 1.0 {
		t.Errorf("future timestamp consistency = %v, want < 1", got)
	}
	found := false
	for _, n := range score.Factors {
		if n == "timestamp in the future" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected future-timestamp note, got %v", score.Factors)
	}
}

func TestScorer_RelevanceBoosts(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedScorer(now)

	plain := baseItem(now)
	boosted := baseItem(now)
	boosted.Entities = map[EntityType][]string{EntityIP: {"10.0.0.1"}}
	boosted.Tags = []string{"technique:T1059"}

	rp := s.Score(plain).Breakdown["relevance"]
	rb := s.Score(boosted).Breakdown["relevance"]
	if rb <= rp {
		t.Errorf("boosted relevance %v should exceed plain %v", rb, rp)
	}
}
