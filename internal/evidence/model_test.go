package evidence

import (
	"testing"
	"time"

	"github.com/linnemanlabs/inquest/internal/fault"
)

func TestPrepare_AssignsDefaults(t *testing.T) {
	t.Parallel()

	it := &Item{
		InvestigationID: "inv-1",
		Type:            "log_entry",
		Source:          "siem",
		Data:            map[string]any{"message": "hello"},
		Confidence:      0.5,
	}
	if err := Prepare(it, NewScorer()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if it.ID == "" {
		t.Error("expected an assigned id")
	}
	if it.Timestamp.IsZero() || it.CreatedAt.IsZero() {
		t.Error("expected timestamp and created_at to be set")
	}
	if it.Timestamp.Location() != time.UTC {
		t.Error("expected UTC timestamp")
	}
	if it.QualityScore <= 0 {
		t.Errorf("quality score = %v, want > 0", it.QualityScore)
	}
}

func TestPrepare_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		it   Item
	}{
		{"missing investigation", Item{Type: "log_entry", Source: "siem", Data: map[string]any{"k": "v"}}},
		{"missing type", Item{InvestigationID: "inv-1", Source: "siem", Data: map[string]any{"k": "v"}}},
		{"missing source", Item{InvestigationID: "inv-1", Type: "log_entry", Data: map[string]any{"k": "v"}}},
		{"missing data", Item{InvestigationID: "inv-1", Type: "log_entry", Source: "siem"}},
		{"confidence out of range", Item{InvestigationID: "inv-1", Type: "log_entry", Source: "siem", Data: map[string]any{"k": "v"}, Confidence: 1.5}},
		{"empty entity list", Item{InvestigationID: "inv-1", Type: "log_entry", Source: "siem", Data: map[string]any{"k": "v"}, Entities: map[EntityType][]string{EntityIP: {}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			it := tt.it
			err := Prepare(&it, nil)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if fault.KindOf(err) != fault.KindValidation {
				t.Errorf("kind = %q, want validation", fault.KindOf(err))
			}
		})
	}
}

func TestPrepare_PreservesCallerID(t *testing.T) {
	t.Parallel()

	it := &Item{
		ID:              "caller-id",
		InvestigationID: "inv-1",
		Type:            "log_entry",
		Source:          "siem",
		Data:            map[string]any{"k": "v"},
	}
	if err := Prepare(it, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if it.ID != "caller-id" {
		t.Errorf("id = %q, want caller-id", it.ID)
	}
}

func TestFilter_Matches(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	it := &Item{
		Type:      "auth_event",
		Source:    "auth",
		Timestamp: base,
		Entities:  map[EntityType][]string{EntityUser: {"alice"}},
		Tags:      []string{"suspicious"},
	}

	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty filter", Filter{}, true},
		{"type match", Filter{Types: []string{"auth_event"}}, true},
		{"type mismatch", Filter{Types: []string{"network_flow"}}, false},
		{"entity type only", Filter{EntityType: EntityUser}, true},
		{"entity value match", Filter{EntityType: EntityUser, EntityValue: "alice"}, true},
		{"entity value mismatch", Filter{EntityType: EntityUser, EntityValue: "bob"}, false},
		{"tag match", Filter{Tags: []string{"suspicious"}}, true},
		{"tag missing", Filter{Tags: []string{"benign"}}, false},
		{"since before", Filter{Since: base.Add(-time.Hour)}, true},
		{"since after", Filter{Since: base.Add(time.Hour)}, false},
		{"until before", Filter{Until: base.Add(-time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.f.Matches(it); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}
