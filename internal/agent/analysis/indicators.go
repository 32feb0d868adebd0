package analysis

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/inquest/internal/evidence"
)

// Indicator is one observable extracted from evidence for threat-intel
// lookup.
type Indicator struct {
	Type  string
	Value string
}

var (
	ipv4Pattern   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	sha256Pattern = regexp.MustCompile(`\b[a-fA-F0-9]{64}\b`)
	md5Pattern    = regexp.MustCompile(`\b[a-fA-F0-9]{32}\b`)
	domainPattern = regexp.MustCompile(`\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}\b`)
	urlPattern    = regexp.MustCompile(`https?://[^\s"']+`)
)

// extractIndicators collects observables from structured entity lists first,
// then from regex scans over string payload values, deduplicated and capped.
func extractIndicators(items []*evidence.Item, limit int) []Indicator {
	seen := map[Indicator]struct{}{}
	add := func(t, v string) {
		if v == "" {
			return
		}
		seen[Indicator{Type: t, Value: v}] = struct{}{}
	}

	structured := map[evidence.EntityType]string{
		evidence.EntityIP:     "ip",
		evidence.EntityDomain: "domain",
		evidence.EntityHash:   "hash",
		evidence.EntityURL:    "url",
	}
	for _, it := range items {
		for et, name := range structured {
			for _, v := range it.Entities[et] {
				add(name, v)
			}
		}
	}

	for _, it := range items {
		for _, v := range it.Data {
			s, ok := v.(string)
			if !ok {
				continue
			}
			for _, m := range ipv4Pattern.FindAllString(s, -1) {
				add("ip", m)
			}
			for _, m := range sha256Pattern.FindAllString(s, -1) {
				add("hash", m)
			}
			for _, m := range md5Pattern.FindAllString(s, -1) {
				add("hash", m)
			}
			for _, m := range urlPattern.FindAllString(s, -1) {
				add("url", m)
			}
			for _, m := range domainPattern.FindAllString(s, -1) {
				add("domain", m)
			}
		}
	}

	out := make([]Indicator, 0, len(seen))
	for ind := range seen {
		out = append(out, ind)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// enrichIndicators queries threat intelligence for each indicator with
// bounded concurrency and returns the count judged malicious. Per-indicator
// failures are tolerated.
func (a *Agent) enrichIndicators(ctx context.Context, investigationID string, indicators []Indicator) int {
	if len(indicators) == 0 || a.connectors == nil {
		return 0
	}
	sources := a.cfg.IntelSources
	if len(sources) == 0 {
		sources = a.connectors.Names()
	}
	if len(sources) == 0 {
		return 0
	}

	var hits atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for _, ind := range indicators {
		g.Go(func() error {
			for _, name := range sources {
				conn, ok := a.connectors.Get(name)
				if !ok {
					continue
				}
				raw, err := conn.Enrich(ctx, ind.Value, ind.Type)
				if err != nil {
					a.logger.Warn(ctx, "indicator enrichment failed",
						"investigation_id", investigationID,
						"indicator", ind.Value, "source", name, "error", err.Error(),
					)
					continue
				}
				if malicious(raw) {
					hits.Add(1)
					return nil
				}
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors
	return int(hits.Load())
}

// malicious interprets an intel response. Connectors vary in shape, so any
// of the common verdict fields counts.
func malicious(raw json.RawMessage) bool {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	if b, ok := obj["malicious"].(bool); ok && b {
		return true
	}
	for _, field := range []string{"verdict", "reputation", "classification"} {
		if s, ok := obj[field].(string); ok && s == "malicious" {
			return true
		}
	}
	return false
}
