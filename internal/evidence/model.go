// Package evidence holds the evidence subsystem: the normalized evidence
// model, the store contract, the quality scorer, the correlator, and the
// derived timeline/search views.
package evidence

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/inquest/internal/fault"
)

// EntityType identifies the kind of value an entity list holds.
type EntityType string

const (
	EntityIP      EntityType = "ip"
	EntityDomain  EntityType = "domain"
	EntityHash    EntityType = "hash"
	EntityUser    EntityType = "user"
	EntityHost    EntityType = "host"
	EntityURL     EntityType = "url"
	EntityProcess EntityType = "process"
)

// CriticalEntity reports whether the entity type is one of the high-signal
// types that boost correlation strength.
func CriticalEntity(t EntityType) bool {
	switch t {
	case EntityIP, EntityDomain, EntityHash, EntityUser:
		return true
	}
	return false
}

// Item is one normalized record of an observed fact relevant to an
// investigation. After creation only Confidence, QualityScore and Metadata
// may be refined.
type Item struct {
	ID              string                  `json:"id"`
	InvestigationID string                  `json:"investigation_id" validate:"required"`
	TenantID        string                  `json:"tenant_id"`
	Type            string                  `json:"type" validate:"required"`
	Source          string                  `json:"source" validate:"required"`
	Timestamp       time.Time               `json:"timestamp"`
	Data            map[string]any          `json:"data" validate:"required"`
	Entities        map[EntityType][]string `json:"entities,omitempty"`
	Metadata        map[string]any          `json:"metadata,omitempty"`
	Tags            []string                `json:"tags,omitempty"`
	Confidence      float64                 `json:"confidence" validate:"gte=0,lte=1"`
	QualityScore    float64                 `json:"quality_score"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at,omitempty"`
}

// Relationship links an evidence item to another, persisted atomically with
// the item that declares it.
type Relationship struct {
	TargetID string `json:"target_id" validate:"required"`
	Kind     string `json:"kind" validate:"required"`
}

// Update carries the mutable subset of an Item. Nil fields are left as-is;
// Metadata entries are merged over the existing map.
type Update struct {
	Confidence   *float64       `json:"confidence,omitempty"`
	QualityScore *float64       `json:"quality_score,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// CorrelationType names the dimension along which evidence items relate.
type CorrelationType string

const (
	CorrelationTemporal        CorrelationType = "temporal"
	CorrelationEntity          CorrelationType = "entity"
	CorrelationBehavioral      CorrelationType = "behavioral"
	CorrelationCausal          CorrelationType = "causal"
	CorrelationAttackChain     CorrelationType = "attack_chain"
	CorrelationLateralMovement CorrelationType = "lateral_movement"
)

// Correlation is a derived relationship between two or more evidence items.
// Append-only; inserts are idempotent on (type, evidence ids).
type Correlation struct {
	ID              string          `json:"id"`
	InvestigationID string          `json:"investigation_id"`
	TenantID        string          `json:"tenant_id"`
	Type            CorrelationType `json:"type"`
	EvidenceIDs     []string        `json:"evidence_ids"` // >= 2
	Strength        float64         `json:"strength"`
	Description     string          `json:"description"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Filter narrows a List call. Zero values mean "no constraint".
type Filter struct {
	Types       []string
	Sources     []string
	EntityType  EntityType
	EntityValue string
	Tags        []string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Stats summarizes the evidence collected for one investigation.
type Stats struct {
	Total         int            `json:"total"`
	ByType        map[string]int `json:"by_type"`
	BySource      map[string]int `json:"by_source"`
	AvgConfidence float64        `json:"avg_confidence"`
	AvgQuality    float64        `json:"avg_quality"`
}

var validate = validator.New()

// Prepare validates and normalizes an item before persistence: required
// fields checked, timestamp normalized to UTC (zero means now), id assigned,
// quality scored. Store implementations call this at the top of Put.
func Prepare(it *Item, scorer *Scorer) error {
	if it == nil {
		panic(xerrors.New("nil evidence item"))
	}
	if err := validate.Struct(it); err != nil {
		return fault.Wrap(fault.KindValidation, "evidence.Prepare", err)
	}
	for et, vals := range it.Entities {
		if len(vals) == 0 {
			return fault.Newf(fault.KindValidation, "evidence.Prepare", "entity type %q has no values", et)
		}
	}

	now := time.Now().UTC()
	if it.Timestamp.IsZero() {
		it.Timestamp = now
	} else {
		it.Timestamp = it.Timestamp.UTC()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.ID == "" {
		it.ID = ulid.Make().String()
	}
	if scorer != nil {
		it.QualityScore = scorer.Score(it).Overall
	}
	return nil
}

// Matches reports whether the item satisfies the filter. Shared by the
// in-memory store and the search facade.
func (f Filter) Matches(it *Item) bool {
	if len(f.Types) > 0 && !contains(f.Types, it.Type) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, it.Source) {
		return false
	}
	if f.EntityType != "" {
		vals, ok := it.Entities[f.EntityType]
		if !ok {
			return false
		}
		if f.EntityValue != "" && !contains(vals, f.EntityValue) {
			return false
		}
	}
	for _, tag := range f.Tags {
		if !contains(it.Tags, tag) {
			return false
		}
	}
	if !f.Since.IsZero() && it.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && it.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
