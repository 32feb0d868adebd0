// Package memstore provides an in-memory implementation of evidence.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/inquest/internal/evidence"
	"github.com/linnemanlabs/inquest/internal/fault"
	"github.com/linnemanlabs/inquest/internal/tenant"
)

type invKey struct {
	tenantID        string
	investigationID string
}

// Store holds evidence in memory, scoped per tenant. Suitable for
// dev/testing.
type Store struct {
	scorer *evidence.Scorer

	mu           sync.RWMutex
	items        map[invKey]map[string]*evidence.Item
	correlations map[invKey]map[string]*evidence.Correlation
	relations    map[invKey]map[string][]evidence.Relationship
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		scorer:       evidence.NewScorer(),
		items:        make(map[invKey]map[string]*evidence.Item),
		correlations: make(map[invKey]map[string]*evidence.Correlation),
		relations:    make(map[invKey]map[string][]evidence.Relationship),
	}
}

func keyFor(ctx context.Context, investigationID string) (invKey, error) {
	tid, ok := tenant.FromContext(ctx)
	if !ok {
		return invKey{}, fault.New(fault.KindValidation, "memstore", "no tenant in context")
	}
	return invKey{tenantID: tid, investigationID: investigationID}, nil
}

// Put validates, normalizes, scores and stores a copy of the item with its
// relationships.
func (s *Store) Put(ctx context.Context, it *evidence.Item, rels []evidence.Relationship) (*evidence.Item, error) {
	k, err := keyFor(ctx, it.InvestigationID)
	if err != nil {
		return nil, err
	}
	if err := evidence.Prepare(it, s.scorer); err != nil {
		return nil, err
	}
	it.TenantID = k.tenantID

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items[k] == nil {
		s.items[k] = make(map[string]*evidence.Item)
	}
	cp := copyItem(it)
	s.items[k][it.ID] = cp
	if len(rels) > 0 {
		if s.relations[k] == nil {
			s.relations[k] = make(map[string][]evidence.Relationship)
		}
		s.relations[k][it.ID] = append([]evidence.Relationship(nil), rels...)
	}
	out := copyItem(cp)
	return out, nil
}

// Get retrieves an item by id. Returns a copy.
func (s *Store) Get(ctx context.Context, investigationID, id string) (*evidence.Item, bool, error) {
	k, err := keyFor(ctx, investigationID)
	if err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[k][id]
	if !ok {
		return nil, false, nil
	}
	return copyItem(it), true, nil
}

// List returns matching items ordered by timestamp ascending.
func (s *Store) List(ctx context.Context, investigationID string, f evidence.Filter) ([]*evidence.Item, error) {
	k, err := keyFor(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*evidence.Item
	for _, it := range s.items[k] {
		if f.Matches(it) {
			out = append(out, copyItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Update applies a partial refinement to the mutable fields.
func (s *Store) Update(ctx context.Context, investigationID, id string, u evidence.Update) (*evidence.Item, error) {
	k, err := keyFor(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[k][id]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "memstore.Update", "evidence %s not found", id)
	}
	applyUpdate(it, u)
	return copyItem(it), nil
}

// Stats returns counts and averages for the investigation.
func (s *Store) Stats(ctx context.Context, investigationID string) (*evidence.Stats, error) {
	k, err := keyFor(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &evidence.Stats{
		ByType:   map[string]int{},
		BySource: map[string]int{},
	}
	var confSum, qualSum float64
	for _, it := range s.items[k] {
		st.Total++
		st.ByType[it.Type]++
		st.BySource[it.Source]++
		confSum += it.Confidence
		qualSum += it.QualityScore
	}
	if st.Total > 0 {
		st.AvgConfidence = confSum / float64(st.Total)
		st.AvgQuality = qualSum / float64(st.Total)
	}
	return st, nil
}

// PutCorrelation stores a correlation, keyed by id so repeated inserts of
// the same tuple collapse to one row.
func (s *Store) PutCorrelation(ctx context.Context, c *evidence.Correlation) error {
	if len(c.EvidenceIDs) < 2 {
		return fault.New(fault.KindValidation, "memstore.PutCorrelation", "correlation needs at least two evidence ids")
	}
	k, err := keyFor(ctx, c.InvestigationID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.correlations[k] == nil {
		s.correlations[k] = make(map[string]*evidence.Correlation)
	}
	if _, exists := s.correlations[k][c.ID]; exists {
		return nil
	}
	c.TenantID = k.tenantID
	cp := *c
	cp.EvidenceIDs = append([]string(nil), c.EvidenceIDs...)
	s.correlations[k][c.ID] = &cp
	return nil
}

// ListCorrelations returns all correlations for the investigation.
func (s *Store) ListCorrelations(ctx context.Context, investigationID string) ([]*evidence.Correlation, error) {
	k, err := keyFor(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*evidence.Correlation, 0, len(s.correlations[k]))
	for _, c := range s.correlations[k] {
		cp := *c
		cp.EvidenceIDs = append([]string(nil), c.EvidenceIDs...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Purge removes all evidence and correlations for the investigation.
func (s *Store) Purge(ctx context.Context, investigationID string) error {
	k, err := keyFor(ctx, investigationID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, k)
	delete(s.correlations, k)
	delete(s.relations, k)
	return nil
}

func applyUpdate(it *evidence.Item, u evidence.Update) {
	if u.Confidence != nil {
		it.Confidence = *u.Confidence
	}
	if u.QualityScore != nil {
		it.QualityScore = *u.QualityScore
	}
	if len(u.Metadata) > 0 {
		if it.Metadata == nil {
			it.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			it.Metadata[k] = v
		}
	}
	it.UpdatedAt = time.Now().UTC()
}

func copyItem(it *evidence.Item) *evidence.Item {
	cp := *it
	cp.Tags = append([]string(nil), it.Tags...)
	if it.Data != nil {
		cp.Data = make(map[string]any, len(it.Data))
		for k, v := range it.Data {
			cp.Data[k] = v
		}
	}
	if it.Metadata != nil {
		cp.Metadata = make(map[string]any, len(it.Metadata))
		for k, v := range it.Metadata {
			cp.Metadata[k] = v
		}
	}
	if it.Entities != nil {
		cp.Entities = make(map[evidence.EntityType][]string, len(it.Entities))
		for k, v := range it.Entities {
			cp.Entities[k] = append([]string(nil), v...)
		}
	}
	return &cp
}
