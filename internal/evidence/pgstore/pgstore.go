// Package pgstore provides a PostgreSQL implementation of evidence.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/inquest/internal/evidence"
	"github.com/linnemanlabs/inquest/internal/fault"
	"github.com/linnemanlabs/inquest/internal/tenant"
)

var tracer = otel.Tracer("github.com/linnemanlabs/inquest/internal/evidence/pgstore")

//go:embed schema.sql
var schema string

// Store persists evidence and correlations in PostgreSQL. Every query is
// filtered by the tenant id resolved from the context.
type Store struct {
	pool   *pgxpool.Pool
	scorer *evidence.Scorer
}

// New applies the schema and returns a ready Store over the given pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, scorer: evidence.NewScorer()}, nil
}

func tenantFrom(ctx context.Context, op string) (string, error) {
	tid, ok := tenant.FromContext(ctx)
	if !ok {
		return "", fault.New(fault.KindValidation, op, "no tenant in context")
	}
	return tid, nil
}

const evidenceColumns = `id, investigation_id, tenant_id, type, source, ts, data, entities,
	metadata, tags, confidence, quality_score, created_at, updated_at`

// Put validates, normalizes, scores and persists the item with its declared
// relationships in one transaction.
func (s *Store) Put(ctx context.Context, it *evidence.Item, rels []evidence.Relationship) (*evidence.Item, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	tid, err := tenantFrom(ctx, "pgstore.Put")
	if err != nil {
		return nil, err
	}
	if err := evidence.Prepare(it, s.scorer); err != nil {
		return nil, err
	}
	it.TenantID = tid

	dataJSON, entitiesJSON, metadataJSON, tagsJSON, err := marshalItemJSON(it)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx, `INSERT INTO evidence (`+evidenceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			data          = EXCLUDED.data,
			entities      = EXCLUDED.entities,
			metadata      = EXCLUDED.metadata,
			tags          = EXCLUDED.tags,
			confidence    = EXCLUDED.confidence,
			quality_score = EXCLUDED.quality_score,
			updated_at    = now()`,
		it.ID, it.InvestigationID, tid, it.Type, it.Source, it.Timestamp,
		dataJSON, entitiesJSON, metadataJSON, tagsJSON,
		it.Confidence, it.QualityScore, it.CreatedAt, nullableTime(it.UpdatedAt),
	)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("insert evidence: %w", err))
	}

	for _, rel := range rels {
		_, err = tx.Exec(ctx,
			`INSERT INTO evidence_relationships (evidence_id, target_id, kind, tenant_id)
			 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			it.ID, rel.TargetID, rel.Kind, tid,
		)
		if err != nil {
			return nil, recordErr(span, fmt.Errorf("insert relationship %s: %w", rel.Kind, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, recordErr(span, fmt.Errorf("commit: %w", err))
	}

	cp := *it
	return &cp, nil
}

// Get retrieves one item by id within an investigation.
func (s *Store) Get(ctx context.Context, investigationID, id string) (*evidence.Item, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	tid, err := tenantFrom(ctx, "pgstore.Get")
	if err != nil {
		return nil, false, err
	}

	query := `SELECT ` + evidenceColumns + ` FROM evidence
		WHERE tenant_id = $1 AND investigation_id = $2 AND id = $3`
	it, err := scanItemRow(s.pool.QueryRow(ctx, query, tid, investigationID, id))
	if err != nil {
		return nil, false, recordErr(span, err)
	}
	if it == nil {
		return nil, false, nil
	}
	return it, true, nil
}

// List returns matching items ordered by timestamp ascending.
func (s *Store) List(ctx context.Context, investigationID string, f evidence.Filter) ([]*evidence.Item, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	tid, err := tenantFrom(ctx, "pgstore.List")
	if err != nil {
		return nil, err
	}

	where := []string{"tenant_id = $1", "investigation_id = $2"}
	args := []any{tid, investigationID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Types) > 0 {
		where = append(where, "type = ANY("+arg(f.Types)+")")
	}
	if len(f.Sources) > 0 {
		where = append(where, "source = ANY("+arg(f.Sources)+")")
	}
	if f.EntityType != "" {
		if f.EntityValue != "" {
			where = append(where, "entities->"+arg(string(f.EntityType))+" ? "+arg(f.EntityValue))
		} else {
			where = append(where, "entities ? "+arg(string(f.EntityType)))
		}
	}
	for _, tag := range f.Tags {
		tagJSON, merr := json.Marshal([]string{tag})
		if merr != nil {
			return nil, fmt.Errorf("marshal tag filter: %w", merr)
		}
		where = append(where, "tags @> "+arg(string(tagJSON)))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts <= "+arg(f.Until))
	}

	query := `SELECT ` + evidenceColumns + ` FROM evidence WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY ts, id`
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("query evidence: %w", err))
	}
	defer rows.Close()

	var out []*evidence.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, recordErr(span, err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, recordErr(span, fmt.Errorf("iterate evidence: %w", err))
	}
	return out, nil
}

// Update applies a partial refinement to the mutable fields.
func (s *Store) Update(ctx context.Context, investigationID, id string, u evidence.Update) (*evidence.Item, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Update", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tid, err := tenantFrom(ctx, "pgstore.Update")
	if err != nil {
		return nil, err
	}

	var metadataJSON []byte
	if len(u.Metadata) > 0 {
		metadataJSON, err = json.Marshal(u.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	row := s.pool.QueryRow(ctx, `UPDATE evidence SET
			confidence    = COALESCE($4, confidence),
			quality_score = COALESCE($5, quality_score),
			metadata      = CASE WHEN $6::jsonb IS NULL THEN metadata
			                     ELSE COALESCE(metadata, '{}'::jsonb) || $6::jsonb END,
			updated_at    = now()
		WHERE tenant_id = $1 AND investigation_id = $2 AND id = $3
		RETURNING `+evidenceColumns,
		tid, investigationID, id, u.Confidence, u.QualityScore, metadataJSON,
	)
	it, err := scanItemRow(row)
	if err != nil {
		return nil, recordErr(span, err)
	}
	if it == nil {
		return nil, fault.Newf(fault.KindNotFound, "pgstore.Update", "evidence %s not found", id)
	}
	return it, nil
}

// Stats returns counts and averages for the investigation.
func (s *Store) Stats(ctx context.Context, investigationID string) (*evidence.Stats, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Stats", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	tid, err := tenantFrom(ctx, "pgstore.Stats")
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT type, source, count(*), avg(confidence), avg(quality_score)
		 FROM evidence WHERE tenant_id = $1 AND investigation_id = $2
		 GROUP BY type, source`,
		tid, investigationID,
	)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("query stats: %w", err))
	}
	defer rows.Close()

	st := &evidence.Stats{ByType: map[string]int{}, BySource: map[string]int{}}
	var confSum, qualSum float64
	for rows.Next() {
		var (
			typ, src   string
			count      int
			conf, qual float64
		)
		if err := rows.Scan(&typ, &src, &count, &conf, &qual); err != nil {
			return nil, recordErr(span, fmt.Errorf("scan stats: %w", err))
		}
		st.Total += count
		st.ByType[typ] += count
		st.BySource[src] += count
		confSum += conf * float64(count)
		qualSum += qual * float64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, recordErr(span, fmt.Errorf("iterate stats: %w", err))
	}
	if st.Total > 0 {
		st.AvgConfidence = confSum / float64(st.Total)
		st.AvgQuality = qualSum / float64(st.Total)
	}
	return st, nil
}

// PutCorrelation persists a correlation. The deterministic id makes the
// insert idempotent via ON CONFLICT DO NOTHING.
func (s *Store) PutCorrelation(ctx context.Context, c *evidence.Correlation) error {
	ctx, span := tracer.Start(ctx, "pgstore.PutCorrelation", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	if len(c.EvidenceIDs) < 2 {
		return fault.New(fault.KindValidation, "pgstore.PutCorrelation", "correlation needs at least two evidence ids")
	}
	tid, err := tenantFrom(ctx, "pgstore.PutCorrelation")
	if err != nil {
		return err
	}
	c.TenantID = tid

	idsJSON, err := json.Marshal(c.EvidenceIDs)
	if err != nil {
		return fmt.Errorf("marshal evidence ids: %w", err)
	}
	var metadataJSON []byte
	if len(c.Metadata) > 0 {
		metadataJSON, err = json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO correlations (id, investigation_id, tenant_id, type, evidence_ids, strength, description, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, c.InvestigationID, tid, string(c.Type), idsJSON, c.Strength, c.Description, metadataJSON, c.CreatedAt,
	)
	if err != nil {
		return recordErr(span, fmt.Errorf("insert correlation: %w", err))
	}
	return nil
}

// ListCorrelations returns all correlations for the investigation.
func (s *Store) ListCorrelations(ctx context.Context, investigationID string) ([]*evidence.Correlation, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListCorrelations", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	tid, err := tenantFrom(ctx, "pgstore.ListCorrelations")
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, investigation_id, tenant_id, type, evidence_ids, strength, description, metadata, created_at
		 FROM correlations WHERE tenant_id = $1 AND investigation_id = $2 ORDER BY created_at, id`,
		tid, investigationID,
	)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("query correlations: %w", err))
	}
	defer rows.Close()

	var out []*evidence.Correlation
	for rows.Next() {
		var (
			c            evidence.Correlation
			ctype        string
			idsJSON      []byte
			metadataJSON []byte
		)
		if err := rows.Scan(&c.ID, &c.InvestigationID, &c.TenantID, &ctype, &idsJSON, &c.Strength, &c.Description, &metadataJSON, &c.CreatedAt); err != nil {
			return nil, recordErr(span, fmt.Errorf("scan correlation: %w", err))
		}
		c.Type = evidence.CorrelationType(ctype)
		if err := json.Unmarshal(idsJSON, &c.EvidenceIDs); err != nil {
			return nil, fmt.Errorf("unmarshal evidence ids: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, recordErr(span, fmt.Errorf("iterate correlations: %w", err))
	}
	return out, nil
}

// Purge removes all evidence and correlations for the investigation.
func (s *Store) Purge(ctx context.Context, investigationID string) error {
	ctx, span := tracer.Start(ctx, "pgstore.Purge", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	tid, err := tenantFrom(ctx, "pgstore.Purge")
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return recordErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `DELETE FROM correlations WHERE tenant_id = $1 AND investigation_id = $2`, tid, investigationID); err != nil {
		return recordErr(span, fmt.Errorf("delete correlations: %w", err))
	}
	if _, err := tx.Exec(ctx, `DELETE FROM evidence WHERE tenant_id = $1 AND investigation_id = $2`, tid, investigationID); err != nil {
		return recordErr(span, fmt.Errorf("delete evidence: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return recordErr(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItemRow(row pgx.Row) (*evidence.Item, error) {
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return it, nil
}

func scanItem(row rowScanner) (*evidence.Item, error) {
	var (
		it           evidence.Item
		dataJSON     []byte
		entitiesJSON []byte
		metadataJSON []byte
		tagsJSON     []byte
		updatedAt    *time.Time
	)
	err := row.Scan(
		&it.ID, &it.InvestigationID, &it.TenantID, &it.Type, &it.Source, &it.Timestamp,
		&dataJSON, &entitiesJSON, &metadataJSON, &tagsJSON,
		&it.Confidence, &it.QualityScore, &it.CreatedAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan evidence: %w", err)
	}
	if err := json.Unmarshal(dataJSON, &it.Data); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	if len(entitiesJSON) > 0 {
		if err := json.Unmarshal(entitiesJSON, &it.Entities); err != nil {
			return nil, fmt.Errorf("unmarshal entities: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &it.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if err := json.Unmarshal(tagsJSON, &it.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if updatedAt != nil {
		it.UpdatedAt = *updatedAt
	}
	return &it, nil
}

func marshalItemJSON(it *evidence.Item) (data, entities, metadata, tags []byte, err error) {
	if data, err = json.Marshal(it.Data); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal data: %w", err)
	}
	if len(it.Entities) > 0 {
		if entities, err = json.Marshal(it.Entities); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshal entities: %w", err)
		}
	}
	if len(it.Metadata) > 0 {
		if metadata, err = json.Marshal(it.Metadata); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	tagList := it.Tags
	if tagList == nil {
		tagList = []string{}
	}
	if tags, err = json.Marshal(tagList); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal tags: %w", err)
	}
	return data, entities, metadata, tags, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func recordErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
