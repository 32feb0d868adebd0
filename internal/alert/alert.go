// Package alert defines the incoming security alert model.
package alert

import "time"

// Alert is a security alert submitted for investigation.
type Alert struct {
	ID          string              `json:"id,omitempty"`
	Fingerprint string              `json:"fingerprint"`
	Status      string              `json:"status"` // firing | resolved
	Severity    string              `json:"severity"`
	Source      string              `json:"source,omitempty"`
	Title       string              `json:"title,omitempty"`
	Labels      map[string]string   `json:"labels,omitempty"`
	Annotations map[string]string   `json:"annotations,omitempty"`
	Entities    map[string][]string `json:"entities,omitempty"` // entity type -> values
	StartsAt    time.Time           `json:"starts_at,omitempty"`
}

// Name returns the alert name, falling back to the alertname label.
func (a *Alert) Name() string {
	if a.Title != "" {
		return a.Title
	}
	return a.Labels["alertname"]
}

// SeverityOrLabel returns the explicit severity, falling back to the
// severity label.
func (a *Alert) SeverityOrLabel() string {
	if a.Severity != "" {
		return a.Severity
	}
	return a.Labels["severity"]
}

// Entity returns the first value of the given entity type, if any.
func (a *Alert) Entity(entityType string) (string, bool) {
	vals := a.Entities[entityType]
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}
