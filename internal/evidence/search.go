package evidence

import (
	"fmt"
	"strings"
)

// Query is a faceted/full-text search over an investigation's evidence.
// Text matches case-insensitively across type, source, tags and the string
// values of the payload and metadata.
type Query struct {
	Text        string     `json:"text,omitempty"`
	Types       []string   `json:"types,omitempty"`
	Sources     []string   `json:"sources,omitempty"`
	EntityType  EntityType `json:"entity_type,omitempty"`
	EntityValue string     `json:"entity_value,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// Facets counts the distinct values present in a result set.
type Facets struct {
	Types    map[string]int     `json:"types"`
	Sources  map[string]int     `json:"sources"`
	Entities map[EntityType]int `json:"entities"`
}

// SearchResult is the outcome of a search: matching items (bounded by
// Limit) plus facet counts over all matches.
type SearchResult struct {
	Items []*Item `json:"items"`
	Total int     `json:"total"`
	Facet Facets  `json:"facets"`
}

// Search filters items by the query and computes facets. Items are expected
// in timestamp order (as List returns them) and order is preserved.
func Search(items []*Item, q Query) *SearchResult {
	res := &SearchResult{
		Facet: Facets{
			Types:    map[string]int{},
			Sources:  map[string]int{},
			Entities: map[EntityType]int{},
		},
	}

	f := Filter{
		Types:       q.Types,
		Sources:     q.Sources,
		EntityType:  q.EntityType,
		EntityValue: q.EntityValue,
		Tags:        q.Tags,
	}
	needle := strings.ToLower(strings.TrimSpace(q.Text))

	for _, it := range items {
		if !f.Matches(it) {
			continue
		}
		if needle != "" && !textMatches(it, needle) {
			continue
		}
		res.Total++
		res.Facet.Types[it.Type]++
		res.Facet.Sources[it.Source]++
		for et := range it.Entities {
			res.Facet.Entities[et]++
		}
		if q.Limit <= 0 || len(res.Items) < q.Limit {
			res.Items = append(res.Items, it)
		}
	}
	return res
}

func textMatches(it *Item, needle string) bool {
	if strings.Contains(strings.ToLower(it.Type), needle) ||
		strings.Contains(strings.ToLower(it.Source), needle) {
		return true
	}
	for _, tag := range it.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	for _, vals := range it.Entities {
		for _, v := range vals {
			if strings.Contains(strings.ToLower(v), needle) {
				return true
			}
		}
	}
	return mapMatches(it.Data, needle) || mapMatches(it.Metadata, needle)
}

func mapMatches(m map[string]any, needle string) bool {
	for k, v := range m {
		if strings.Contains(strings.ToLower(k), needle) {
			return true
		}
		switch val := v.(type) {
		case string:
			if strings.Contains(strings.ToLower(val), needle) {
				return true
			}
		case fmt.Stringer:
			if strings.Contains(strings.ToLower(val.String()), needle) {
				return true
			}
		}
	}
	return false
}
