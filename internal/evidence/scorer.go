package evidence

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Factor weights. Must sum to 1.0.
const (
	weightReliability  = 0.25
	weightCompleteness = 0.20
	weightFreshness    = 0.15
	weightValidation   = 0.15
	weightConsistency  = 0.15
	weightRelevance    = 0.10
)

const defaultReliability = 0.5

// sourceReliability maps a source type to how much we trust it by default.
var sourceReliability = map[string]float64{
	"edr":          0.90,
	"ids":          0.85,
	"siem":         0.85,
	"firewall":     0.80,
	"threat_intel": 0.80,
	"endpoint":     0.75,
	"auth":         0.75,
	"proxy":        0.70,
	"cloud_audit":  0.70,
	"dns":          0.65,
	"osint":        0.50,
	"user_report":  0.40,
}

// typeRelevance weights evidence types by how directly they bear on a verdict.
var typeRelevance = map[string]float64{
	"threat_intel":  0.90,
	"process_event": 0.80,
	"auth_event":    0.75,
	"network_flow":  0.75,
	"file_event":    0.70,
	"dns_query":     0.65,
	"log_entry":     0.60,
}

// Score is the result of quality scoring one item.
type Score struct {
	Overall   float64            `json:"overall"`
	Breakdown map[string]float64 `json:"breakdown"`
	Factors   []string           `json:"factors,omitempty"`
}

// Scorer computes a multi-factor quality/confidence score at ingestion.
type Scorer struct {
	now func() time.Time
}

// NewScorer creates a scorer using the wall clock.
func NewScorer() *Scorer {
	return &Scorer{now: time.Now}
}

// Score computes the weighted quality score for an item. Each factor is in
// [0,1]; the overall score is the weighted sum, clamped to [0,1].
func (s *Scorer) Score(it *Item) Score {
	var notes []string

	reliability := s.reliability(it)
	completeness := s.completeness(it)
	freshness, freshNote := s.freshness(it)
	validation := s.validation(it)
	consistency, consNotes := s.consistency(it, reliability)
	relevance, relNotes := s.relevance(it)

	if freshNote != "" {
		notes = append(notes, freshNote)
	}
	notes = append(notes, consNotes...)
	notes = append(notes, relNotes...)

	overall := reliability*weightReliability +
		completeness*weightCompleteness +
		freshness*weightFreshness +
		validation*weightValidation +
		consistency*weightConsistency +
		relevance*weightRelevance

	return Score{
		Overall: clamp01(overall),
		Breakdown: map[string]float64{
			"source_reliability": reliability,
			"completeness":       completeness,
			"freshness":          freshness,
			"validation":         validation,
			"consistency":        consistency,
			"relevance":          relevance,
		},
		Factors: notes,
	}
}

func (s *Scorer) reliability(it *Item) float64 {
	key := strings.ToLower(it.Source)
	if r, ok := sourceReliability[key]; ok {
		return r
	}
	// fall back on the source prefix, e.g. "edr-east-1".
	for prefix, r := range sourceReliability {
		if strings.HasPrefix(key, prefix) {
			return r
		}
	}
	return defaultReliability
}

func (s *Scorer) completeness(it *Item) float64 {
	var score float64
	// required fields are already validated; they contribute the base.
	score += 0.6
	if len(it.Entities) > 0 {
		score += 0.1
	}
	if len(it.Tags) > 0 {
		score += 0.1
	}
	if len(it.Metadata) > 0 {
		score += 0.1
	}
	// payload richness: each data field adds a little, capped.
	score += math.Min(0.1, float64(len(it.Data))*0.02)
	return clamp01(score)
}

func (s *Scorer) freshness(it *Item) (float64, string) {
	age := s.now().UTC().Sub(it.Timestamp)
	switch {
	case age < time.Hour:
		return 1.0, ""
	case age < 6*time.Hour:
		return 0.9, ""
	case age < 24*time.Hour:
		return 0.7, ""
	case age < 7*24*time.Hour:
		return 0.5, ""
	case age < 30*24*time.Hour:
		return 0.3, ""
	default:
		return 0.1, "evidence older than one month"
	}
}

func (s *Scorer) validation(it *Item) float64 {
	checks, passed := 0, 0
	check := func(ok bool) {
		checks++
		if ok {
			passed++
		}
	}
	check(!it.Timestamp.IsZero())
	check(len(it.Data) > 0)
	check(it.Confidence >= 0 && it.Confidence <= 1)
	for _, vals := range it.Entities {
		for _, v := range vals {
			check(strings.TrimSpace(v) != "")
		}
	}
	if checks == 0 {
		return 1
	}
	return float64(passed) / float64(checks)
}

func (s *Scorer) consistency(it *Item, reliability float64) (float64, []string) {
	score := 1.0
	var notes []string
	now := s.now().UTC()

	if it.Timestamp.After(now.Add(time.Minute)) {
		score -= 0.4
		notes = append(notes, "timestamp in the future")
	}
	if now.Sub(it.Timestamp) > 365*24*time.Hour {
		score -= 0.3
		notes = append(notes, "evidence older than one year")
	}
	if len(it.Entities) > 0 && len(it.Data) == 0 {
		score -= 0.2
		notes = append(notes, "entities declared but payload empty")
	}
	if it.Confidence > 0 && math.Abs(it.Confidence-reliability) > 0.5 {
		score -= 0.2
		notes = append(notes, fmt.Sprintf("confidence %.2f diverges from source reliability %.2f", it.Confidence, reliability))
	}
	return clamp01(score), notes
}

func (s *Scorer) relevance(it *Item) (float64, []string) {
	base := 0.5
	if r, ok := typeRelevance[it.Type]; ok {
		base = r
	}
	var notes []string
	for et := range it.Entities {
		if CriticalEntity(et) {
			base *= 1.20
			notes = append(notes, "critical entity present")
			break
		}
	}
	for _, tag := range it.Tags {
		if strings.HasPrefix(tag, "technique:") || strings.HasPrefix(tag, "attack.") {
			base *= 1.15
			notes = append(notes, "technique-tagged")
			break
		}
	}
	return clamp01(base), notes
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
