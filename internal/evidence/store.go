package evidence

import "context"

// Store is the persistence contract for evidence and correlations.
//
// Every implementation resolves the tenant id from the context and scopes
// all reads and writes to it; a missing tenant is a validation error.
// Correlation inserts are idempotent: storing the same (type, evidence ids)
// tuple twice yields one row.
type Store interface {
	// Put validates, normalizes and persists an item together with its
	// declared relationships, atomically. Returns the stored item with
	// server-assigned fields filled in.
	Put(ctx context.Context, it *Item, rels []Relationship) (*Item, error)

	// Get retrieves one item by id within an investigation.
	Get(ctx context.Context, investigationID, id string) (*Item, bool, error)

	// List returns items for an investigation matching the filter,
	// ordered by timestamp ascending.
	List(ctx context.Context, investigationID string, f Filter) ([]*Item, error)

	// Update applies a partial refinement (confidence/quality/metadata only).
	Update(ctx context.Context, investigationID, id string, u Update) (*Item, error)

	// Stats returns counts and averages for an investigation.
	Stats(ctx context.Context, investigationID string) (*Stats, error)

	// PutCorrelation persists a correlation. Idempotent.
	PutCorrelation(ctx context.Context, c *Correlation) error

	// ListCorrelations returns all correlations for an investigation.
	ListCorrelations(ctx context.Context, investigationID string) ([]*Correlation, error)

	// Purge removes all evidence and correlations for an investigation.
	// Only called by explicit retention enforcement.
	Purge(ctx context.Context, investigationID string) error
}
