package evidence

import (
	"sort"
	"time"
)

// phaseGap is the quiet period that splits the timeline into phases.
const phaseGap = 30 * time.Minute

// TimelineEntry is one evidence item placed on the investigation timeline.
type TimelineEntry struct {
	EvidenceID string    `json:"evidence_id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	Source     string    `json:"source"`
}

// Phase is a contiguous burst of activity on the timeline.
type Phase struct {
	Label       string    `json:"label"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	EvidenceIDs []string  `json:"evidence_ids"`
}

// Timeline is the chronological read view over an investigation's evidence.
type Timeline struct {
	Entries []TimelineEntry `json:"entries"`
	Phases  []Phase         `json:"phases"`
	Span    time.Duration   `json:"span"`
}

// BuildTimeline orders items chronologically and splits them into phases at
// quiet gaps. The phase label is the dominant evidence type within it.
func BuildTimeline(items []*Item) *Timeline {
	tl := &Timeline{}
	if len(items) == 0 {
		return tl
	}

	sorted := sortedByTime(items)
	for _, it := range sorted {
		tl.Entries = append(tl.Entries, TimelineEntry{
			EvidenceID: it.ID,
			Timestamp:  it.Timestamp,
			Type:       it.Type,
			Source:     it.Source,
		})
	}
	tl.Span = sorted[len(sorted)-1].Timestamp.Sub(sorted[0].Timestamp)

	var phase []*Item
	flush := func() {
		if len(phase) == 0 {
			return
		}
		p := Phase{
			Label: dominantType(phase),
			Start: phase[0].Timestamp,
			End:   phase[len(phase)-1].Timestamp,
		}
		for _, it := range phase {
			p.EvidenceIDs = append(p.EvidenceIDs, it.ID)
		}
		tl.Phases = append(tl.Phases, p)
		phase = phase[:0]
	}

	for i, it := range sorted {
		if i > 0 && it.Timestamp.Sub(sorted[i-1].Timestamp) > phaseGap {
			flush()
		}
		phase = append(phase, it)
	}
	flush()

	return tl
}

// EntityIndex returns the unique entity values observed across items,
// sorted per type.
func EntityIndex(items []*Item) map[EntityType][]string {
	seen := map[EntityType]map[string]struct{}{}
	for _, it := range items {
		for et, vals := range it.Entities {
			if seen[et] == nil {
				seen[et] = map[string]struct{}{}
			}
			for _, v := range vals {
				seen[et][v] = struct{}{}
			}
		}
	}

	index := make(map[EntityType][]string, len(seen))
	for et, set := range seen {
		vals := make([]string, 0, len(set))
		for v := range set {
			vals = append(vals, v)
		}
		sort.Strings(vals)
		index[et] = vals
	}
	return index
}

func dominantType(items []*Item) string {
	counts := map[string]int{}
	for _, it := range items {
		counts[it.Type]++
	}
	best, bestN := "", 0
	for t, n := range counts {
		if n > bestN || (n == bestN && t < best) {
			best, bestN = t, n
		}
	}
	return best
}
