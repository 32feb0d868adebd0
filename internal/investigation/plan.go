package investigation

import (
	"sort"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/fault"
)

const planOp = "plan.Validate"

var validStepTypes = map[StepType]bool{
	StepQuery:     true,
	StepEnrich:    true,
	StepCorrelate: true,
	StepValidate:  true,
}

// Validate checks the plan is a well-formed DAG: non-empty step ids, unique
// ids, known step types, dependencies that reference existing steps, and no
// cycles. A plan that fails validation must never start executing.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fault.New(fault.KindValidation, planOp, "plan has no steps")
	}

	byID := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ID == "" {
			return fault.Newf(fault.KindValidation, planOp, "step %d has empty id", i)
		}
		if !validStepTypes[s.Type] {
			return fault.Newf(fault.KindValidation, planOp, "step %s has unknown type %q", s.ID, s.Type)
		}
		if _, dup := byID[s.ID]; dup {
			return fault.Newf(fault.KindValidation, planOp, "duplicate step id %s", s.ID)
		}
		byID[s.ID] = s
	}

	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return fault.Newf(fault.KindValidation, planOp, "step %s depends on itself", s.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fault.Newf(fault.KindValidation, planOp, "step %s depends on unknown step %s", s.ID, dep)
			}
		}
	}

	// Kahn's algorithm. Leftover nodes after the queue drains form a cycle.
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		indegree[s.ID] += 0
		for _, dep := range s.Dependencies {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}
	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(p.Steps) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return fault.Newf(fault.KindValidation, planOp, "dependency cycle involving steps %v", stuck)
	}
	return nil
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// DefaultPlan builds the standard four-stage plan for an alert when the
// submitter does not supply one: collect raw events, enrich the alert's
// entities, correlate, then sanity-check the gathered evidence.
func DefaultPlan(al *alert.Alert, sources []string) *Plan {
	if len(sources) == 0 {
		sources = []string{"siem"}
	}
	query := al.Name()
	if query == "" {
		query = al.Title
	}
	return &Plan{Steps: []Step{
		{
			ID:          "collect-events",
			Type:        StepQuery,
			DataSources: sources,
			Parameters:  map[string]any{"query": query, "query_type": "events"},
		},
		{
			ID:           "enrich-entities",
			Type:         StepEnrich,
			DataSources:  sources,
			Dependencies: []string{"collect-events"},
		},
		{
			ID:           "correlate",
			Type:         StepCorrelate,
			Dependencies: []string{"enrich-entities"},
		},
		{
			ID:           "validate-evidence",
			Type:         StepValidate,
			Dependencies: []string{"correlate"},
			Parameters: map[string]any{
				"evidence_count":       1,
				"confidence_threshold": 0.3,
			},
		},
	}}
}
