package investigation

import (
	"strings"
	"testing"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/fault"
)

func TestPlanValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		plan    Plan
		wantErr string
	}{
		{
			name:    "empty plan",
			plan:    Plan{},
			wantErr: "no steps",
		},
		{
			name:    "empty step id",
			plan:    Plan{Steps: []Step{{Type: StepQuery}}},
			wantErr: "empty id",
		},
		{
			name:    "unknown step type",
			plan:    Plan{Steps: []Step{{ID: "a", Type: "teleport"}}},
			wantErr: "unknown type",
		},
		{
			name: "duplicate id",
			plan: Plan{Steps: []Step{
				{ID: "a", Type: StepQuery},
				{ID: "a", Type: StepEnrich},
			}},
			wantErr: "duplicate step id",
		},
		{
			name:    "self dependency",
			plan:    Plan{Steps: []Step{{ID: "a", Type: StepQuery, Dependencies: []string{"a"}}}},
			wantErr: "depends on itself",
		},
		{
			name:    "unknown dependency",
			plan:    Plan{Steps: []Step{{ID: "a", Type: StepQuery, Dependencies: []string{"ghost"}}}},
			wantErr: "unknown step",
		},
		{
			name: "two-node cycle",
			plan: Plan{Steps: []Step{
				{ID: "a", Type: StepQuery, Dependencies: []string{"b"}},
				{ID: "b", Type: StepEnrich, Dependencies: []string{"a"}},
			}},
			wantErr: "cycle",
		},
		{
			name: "cycle behind valid prefix",
			plan: Plan{Steps: []Step{
				{ID: "root", Type: StepQuery},
				{ID: "a", Type: StepEnrich, Dependencies: []string{"root", "c"}},
				{ID: "b", Type: StepCorrelate, Dependencies: []string{"a"}},
				{ID: "c", Type: StepValidate, Dependencies: []string{"b"}},
			}},
			wantErr: "cycle",
		},
		{
			name: "valid diamond",
			plan: Plan{Steps: []Step{
				{ID: "root", Type: StepQuery},
				{ID: "left", Type: StepEnrich, Dependencies: []string{"root"}},
				{ID: "right", Type: StepEnrich, Dependencies: []string{"root"}},
				{ID: "join", Type: StepCorrelate, Dependencies: []string{"left", "right"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.plan.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if fault.KindOf(err) != fault.KindValidation {
				t.Errorf("kind = %q, want validation", fault.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestPlanStep(t *testing.T) {
	t.Parallel()

	p := Plan{Steps: []Step{{ID: "a", Type: StepQuery}, {ID: "b", Type: StepEnrich}}}
	if s := p.Step("b"); s == nil || s.ID != "b" {
		t.Errorf("Step(b) = %v", s)
	}
	if s := p.Step("missing"); s != nil {
		t.Errorf("Step(missing) = %v, want nil", s)
	}
}

func TestDefaultPlan(t *testing.T) {
	t.Parallel()

	al := &alert.Alert{
		Fingerprint: "fp-1",
		Title:       "Suspicious login burst",
	}
	p := DefaultPlan(al, []string{"siem", "edr"})
	if err := p.Validate(); err != nil {
		t.Fatalf("default plan should validate: %v", err)
	}
	if len(p.Steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(p.Steps))
	}
	if q := p.Step("collect-events"); q == nil || q.Parameters["query"] != "Suspicious login burst" {
		t.Errorf("collect-events query = %v", q)
	}

	// no sources given: defaults to siem.
	p = DefaultPlan(al, nil)
	if got := p.Step("collect-events").DataSources; len(got) != 1 || got[0] != "siem" {
		t.Errorf("default sources = %v, want [siem]", got)
	}
}
