package evidence

import (
	"testing"
	"time"
)

func searchFixture() []*Item {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []*Item{
		{
			ID: "e1", Type: "auth_event", Source: "auth", Timestamp: base,
			Data:     map[string]any{"message": "failed login for alice"},
			Entities: map[EntityType][]string{EntityUser: {"alice"}},
			Tags:     []string{"technique:T1110"},
		},
		{
			ID: "e2", Type: "network_flow", Source: "firewall", Timestamp: base.Add(time.Minute),
			Data:     map[string]any{"dest": "203.0.113.7"},
			Entities: map[EntityType][]string{EntityIP: {"203.0.113.7"}},
		},
		{
			ID: "e3", Type: "network_flow", Source: "siem", Timestamp: base.Add(2 * time.Minute),
			Data: map[string]any{"dest": "198.51.100.9"},
		},
	}
}

func TestSearch_TextMatch(t *testing.T) {
	t.Parallel()

	res := Search(searchFixture(), Query{Text: "ALICE"})
	if res.Total != 1 {
		t.Fatalf("total = %d, want 1", res.Total)
	}
	if res.Items[0].ID != "e1" {
		t.Errorf("matched %s, want e1", res.Items[0].ID)
	}
}

func TestSearch_Facets(t *testing.T) {
	t.Parallel()

	res := Search(searchFixture(), Query{})
	if res.Total != 3 {
		t.Fatalf("total = %d, want 3", res.Total)
	}
	if res.Facet.Types["network_flow"] != 2 {
		t.Errorf("network_flow facet = %d, want 2", res.Facet.Types["network_flow"])
	}
	if res.Facet.Sources["auth"] != 1 {
		t.Errorf("auth facet = %d, want 1", res.Facet.Sources["auth"])
	}
	if res.Facet.Entities[EntityIP] != 1 {
		t.Errorf("ip facet = %d, want 1", res.Facet.Entities[EntityIP])
	}
}

func TestSearch_LimitPreservesTotal(t *testing.T) {
	t.Parallel()

	res := Search(searchFixture(), Query{Limit: 1})
	if len(res.Items) != 1 {
		t.Errorf("items = %d, want 1", len(res.Items))
	}
	if res.Total != 3 {
		t.Errorf("total = %d, want 3 even with limit", res.Total)
	}
}

func TestSearch_FacetedFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{"by type", Query{Types: []string{"network_flow"}}, []string{"e2", "e3"}},
		{"by source", Query{Sources: []string{"siem"}}, []string{"e3"}},
		{"by entity", Query{EntityType: EntityIP, EntityValue: "203.0.113.7"}, []string{"e2"}},
		{"by tag", Query{Tags: []string{"technique:T1110"}}, []string{"e1"}},
		{"no match", Query{Types: []string{"dns_query"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res := Search(searchFixture(), tt.q)
			var got []string
			for _, it := range res.Items {
				got = append(got, it.ID)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("matched %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("matched %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}
