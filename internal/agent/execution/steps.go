package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/inquest/internal/evidence"
	"github.com/linnemanlabs/inquest/internal/fault"
	"github.com/linnemanlabs/inquest/internal/investigation"
)

const (
	maxRecordsPerSource = 25
	maxEnrichEntities   = 20
)

// execStep dispatches one attempt of a step and returns its result payload
// plus any evidence ids it stored.
func (r *run) execStep(ctx context.Context, step investigation.Step) (map[string]any, []string, error) {
	switch step.Type {
	case investigation.StepQuery:
		return r.execQuery(ctx, step)
	case investigation.StepEnrich:
		return r.execEnrich(ctx, step)
	case investigation.StepCorrelate:
		return r.execCorrelate(ctx, step)
	case investigation.StepValidate:
		return r.execValidate(ctx, step)
	default:
		return nil, nil, fault.Newf(fault.KindValidation, "execution.execStep", "unknown step type %q", step.Type)
	}
}

// execQuery fans out over the step's data sources and stores each returned
// record as evidence. Partial source failure is tolerated; the step fails
// only when every source fails.
func (r *run) execQuery(ctx context.Context, step investigation.Step) (map[string]any, []string, error) {
	query := strParam(step.Parameters, "query", r.al.Name())
	queryType := strParam(step.Parameters, "query_type", "events")
	defaultType := strParam(step.Parameters, "evidence_type", "log_entry")

	var (
		ids       []string
		failed    []string
		succeeded []string
		firstErr  error
	)
	for _, src := range step.DataSources {
		conn, ok := r.agent.connectors.Get(src)
		if !ok {
			err := fault.Newf(fault.KindNotFound, "execution.query", "connector %s not registered", src)
			failed = append(failed, src)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		raw, err := conn.Query(ctx, query, queryType)
		if err != nil {
			failed = append(failed, src)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		records := decodeRecords(raw)
		if len(records) > maxRecordsPerSource {
			records = records[:maxRecordsPerSource]
		}
		for _, record := range records {
			it := &evidence.Item{
				InvestigationID: r.invID,
				Type:            recordType(record, defaultType),
				Source:          src,
				Timestamp:       recordTimestamp(record),
				Data:            record,
				Entities:        extractEntities(record),
				Confidence:      0.7,
			}
			stored, err := r.agent.store.Put(ctx, it, nil)
			if err != nil {
				return nil, ids, fault.Wrap(fault.KindOf(err), "execution.query", err)
			}
			ids = append(ids, stored.ID)
		}
		succeeded = append(succeeded, src)
	}

	if len(step.DataSources) > 0 && len(succeeded) == 0 {
		return nil, ids, fault.Wrap(fault.KindOf(firstErr), "execution.query",
			fmt.Errorf("all %d sources failed: %w", len(step.DataSources), firstErr))
	}
	return map[string]any{
		"sources_queried": succeeded,
		"sources_failed":  failed,
		"evidence_stored": len(ids),
	}, ids, nil
}

// execEnrich looks up each known entity against the step's sources. One
// successful lookup per entity suffices; the step fails only when entities
// exist and none could be enriched.
func (r *run) execEnrich(ctx context.Context, step investigation.Step) (map[string]any, []string, error) {
	sources := step.DataSources
	if len(sources) == 0 {
		sources = r.agent.connectors.Names()
	}

	entities, err := r.collectEntities(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(entities) == 0 {
		return map[string]any{"entities": 0, "enriched": 0}, nil, nil
	}
	if len(entities) > maxEnrichEntities {
		entities = entities[:maxEnrichEntities]
	}

	var (
		ids      []string
		enriched int
		firstErr error
	)
	for _, ent := range entities {
		var raw json.RawMessage
		var src string
		for _, name := range sources {
			conn, ok := r.agent.connectors.Get(name)
			if !ok {
				continue
			}
			out, err := conn.Enrich(ctx, ent.value, string(ent.etype))
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			raw, src = out, name
			break
		}
		if raw == nil {
			continue
		}

		data := decodeObject(raw)
		it := &evidence.Item{
			InvestigationID: r.invID,
			Type:            "enrichment",
			Source:          src,
			Data:            data,
			Entities:        map[evidence.EntityType][]string{ent.etype: {ent.value}},
			Confidence:      0.75,
		}
		stored, err := r.agent.store.Put(ctx, it, nil)
		if err != nil {
			return nil, ids, fault.Wrap(fault.KindOf(err), "execution.enrich", err)
		}
		ids = append(ids, stored.ID)
		enriched++
	}

	if enriched == 0 {
		if firstErr == nil {
			firstErr = fmt.Errorf("no source could enrich any of %d entities", len(entities))
		}
		return nil, ids, fault.Wrap(fault.KindOf(firstErr), "execution.enrich", firstErr)
	}
	return map[string]any{"entities": len(entities), "enriched": enriched}, ids, nil
}

// execCorrelate runs a correlation pass over every item gathered so far.
// Inserts are idempotent, so re-running after new evidence arrives only
// adds rows.
func (r *run) execCorrelate(ctx context.Context, step investigation.Step) (map[string]any, []string, error) {
	items, err := r.agent.store.List(ctx, r.invID, evidence.Filter{})
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindOf(err), "execution.correlate", err)
	}
	if len(items) < 2 {
		return map[string]any{"evidence": len(items), "correlations": 0}, nil, nil
	}

	for _, it := range items {
		if _, err := r.agent.correlator.AnalyzeCorrelations(ctx, r.invID, it.ID); err != nil {
			return nil, nil, fault.Wrap(fault.KindOf(err), "execution.correlate", err)
		}
	}

	corrs, err := r.agent.store.ListCorrelations(ctx, r.invID)
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindOf(err), "execution.correlate", err)
	}
	byType := map[string]int{}
	for _, c := range corrs {
		byType[string(c.Type)]++
	}
	return map[string]any{
		"evidence":     len(items),
		"correlations": len(corrs),
		"by_type":      byType,
	}, nil, nil
}

// execValidate checks the configured quality criteria against the gathered
// evidence. Unmet criteria annotate the result; they never fail the step.
func (r *run) execValidate(ctx context.Context, step investigation.Step) (map[string]any, []string, error) {
	items, err := r.agent.store.List(ctx, r.invID, evidence.Filter{})
	if err != nil {
		return nil, nil, fault.Wrap(fault.KindOf(err), "execution.validate", err)
	}

	checks := map[string]any{}
	var unmet []string

	if want, ok := intParam(step.Parameters, "evidence_count"); ok {
		passed := len(items) >= want
		checks["evidence_count"] = map[string]any{"want": want, "got": len(items), "passed": passed}
		if !passed {
			unmet = append(unmet, "evidence_count")
		}
	}
	if threshold, ok := floatParam(step.Parameters, "confidence_threshold"); ok {
		avg := 0.0
		for _, it := range items {
			avg += it.Confidence
		}
		if len(items) > 0 {
			avg /= float64(len(items))
		}
		passed := avg >= threshold
		checks["confidence_threshold"] = map[string]any{"want": threshold, "got": avg, "passed": passed}
		if !passed {
			unmet = append(unmet, "confidence_threshold")
		}
	}
	if types := strSliceParam(step.Parameters, "entity_presence"); len(types) > 0 {
		index := evidence.EntityIndex(items)
		var missing []string
		for _, t := range types {
			if len(index[evidence.EntityType(t)]) == 0 {
				missing = append(missing, t)
			}
		}
		passed := len(missing) == 0
		checks["entity_presence"] = map[string]any{"want": types, "missing": missing, "passed": passed}
		if !passed {
			unmet = append(unmet, "entity_presence")
		}
	}

	sort.Strings(unmet)
	return map[string]any{"checks": checks, "unmet": unmet, "evidence": len(items)}, nil, nil
}

type entityRef struct {
	etype evidence.EntityType
	value string
}

// collectEntities merges the alert's entities with those observed in stored
// evidence, deterministically ordered.
func (r *run) collectEntities(ctx context.Context) ([]entityRef, error) {
	merged := map[entityRef]struct{}{}
	for et, vals := range r.al.Entities {
		for _, v := range vals {
			merged[entityRef{evidence.EntityType(et), v}] = struct{}{}
		}
	}

	items, err := r.agent.store.List(ctx, r.invID, evidence.Filter{})
	if err != nil {
		return nil, fault.Wrap(fault.KindOf(err), "execution.enrich", err)
	}
	for et, vals := range evidence.EntityIndex(items) {
		for _, v := range vals {
			merged[entityRef{et, v}] = struct{}{}
		}
	}

	out := make([]entityRef, 0, len(merged))
	for ref := range merged {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].etype != out[j].etype {
			return out[i].etype < out[j].etype
		}
		return out[i].value < out[j].value
	})
	return out, nil
}

// decodeRecords accepts either a JSON array of objects or a single object.
// Anything else is wrapped as a raw payload.
func decodeRecords(raw json.RawMessage) []map[string]any {
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return []map[string]any{decodeObject(raw)}
}

func decodeObject(raw json.RawMessage) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"raw": string(raw)}
}

// entityFields maps common record field names to entity types.
var entityFields = map[string]evidence.EntityType{
	"ip":           evidence.EntityIP,
	"source_ip":    evidence.EntityIP,
	"dest_ip":      evidence.EntityIP,
	"domain":       evidence.EntityDomain,
	"hash":         evidence.EntityHash,
	"sha256":       evidence.EntityHash,
	"md5":          evidence.EntityHash,
	"user":         evidence.EntityUser,
	"username":     evidence.EntityUser,
	"host":         evidence.EntityHost,
	"hostname":     evidence.EntityHost,
	"url":          evidence.EntityURL,
	"process":      evidence.EntityProcess,
	"process_name": evidence.EntityProcess,
}

func extractEntities(record map[string]any) map[evidence.EntityType][]string {
	out := map[evidence.EntityType][]string{}
	for field, et := range entityFields {
		v, ok := record[field].(string)
		if !ok || v == "" {
			continue
		}
		if !contains(out[et], v) {
			out[et] = append(out[et], v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	for _, vals := range out {
		sort.Strings(vals)
	}
	return out
}

func recordType(record map[string]any, fallback string) string {
	if t, ok := record["event_type"].(string); ok && t != "" {
		return t
	}
	if t, ok := record["type"].(string); ok && t != "" {
		return t
	}
	return fallback
}

func recordTimestamp(record map[string]any) time.Time {
	for _, field := range []string{"timestamp", "ts", "time"} {
		s, ok := record[field].(string)
		if !ok {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func strParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case float64: // JSON numbers decode as float64
		return int(v), true
	}
	return 0, false
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func strSliceParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
