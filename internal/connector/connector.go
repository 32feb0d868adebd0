// Package connector defines the uniform data-source contract consumed by
// the agents: query/enrich/health-check with circuit breaking and rate
// limiting applied at the boundary. Concrete connector implementations live
// outside this module; the agents only depend on this contract.
package connector

import (
	"context"
	"encoding/json"
	"time"
)

// Health is the outcome of a connector health check.
type Health struct {
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"response_time"`
}

// Connector is one external data source. Implementations return structured
// faults (fault.Kind) for failures so callers never classify by message
// text.
type Connector interface {
	Name() string

	// Query runs a typed query against the source.
	Query(ctx context.Context, query, queryType string) (json.RawMessage, error)

	// Enrich looks up a single entity value of the given type.
	Enrich(ctx context.Context, value, entityType string) (json.RawMessage, error)

	// HealthCheck probes the source.
	HealthCheck(ctx context.Context) Health
}
