package response

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/inquest/internal/fault"
)

// BusinessHours is a local-time window during which riskier actions need a
// human in the loop.
type BusinessHours struct {
	Start int `yaml:"start"` // hour, inclusive
	End   int `yaml:"end"`   // hour, exclusive
}

// Policy governs which response actions may run and under what gating. The
// zero value is a conservative default: nothing auto-executes.
type Policy struct {
	// AutoExecuteAllowlist names actions that may run without approval
	// when low-risk and high-confidence.
	AutoExecuteAllowlist []string `yaml:"auto_execute_allowlist"`
	// DeniedActions are never feasible.
	DeniedActions []string `yaml:"denied_actions"`
	// RequireApproval forces approval for the named actions regardless of
	// risk.
	RequireApproval []string `yaml:"require_approval"`
	// AvailableSystems lists the remediation systems this deployment can
	// reach. Empty means all systems are assumed available.
	AvailableSystems []string `yaml:"available_systems"`
	// MinConfidence below which every action requires approval. Defaults
	// to 0.6.
	MinConfidence float64 `yaml:"min_confidence"`
	// BusinessHours window. Defaults to 08-18.
	BusinessHours BusinessHours `yaml:"business_hours"`
}

// DefaultPolicy returns the conservative built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		AutoExecuteAllowlist: []string{"close_alert"},
		MinConfidence:        0.6,
		BusinessHours:        BusinessHours{Start: 8, End: 18},
	}
}

// LoadPolicy reads a YAML policy file, filling unset fields from the
// default policy.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fault.Wrap(fault.KindNotFound, "response.LoadPolicy", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fault.Wrap(fault.KindValidation, "response.LoadPolicy", err)
	}
	if p.MinConfidence <= 0 {
		p.MinConfidence = 0.6
	}
	if p.BusinessHours.Start == 0 && p.BusinessHours.End == 0 {
		p.BusinessHours = BusinessHours{Start: 8, End: 18}
	}
	return p, nil
}

func (p Policy) denied(action string) bool      { return containsStr(p.DeniedActions, action) }
func (p Policy) forced(action string) bool      { return containsStr(p.RequireApproval, action) }
func (p Policy) allowlisted(action string) bool { return containsStr(p.AutoExecuteAllowlist, action) }

// systemAvailable reports whether the action's required system is reachable.
// An empty requirement or an empty availability list always passes.
func (p Policy) systemAvailable(system string) bool {
	if system == "" || len(p.AvailableSystems) == 0 {
		return true
	}
	return containsStr(p.AvailableSystems, system)
}

func (p Policy) withinBusinessHours(hour int) bool {
	return hour >= p.BusinessHours.Start && hour < p.BusinessHours.End
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
