package investapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/inquest/internal/evidence"
)

func (a *API) handleSearchEvidence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := evidence.Query{
		Text:        r.URL.Query().Get("q"),
		Types:       splitParam(r.URL.Query().Get("types")),
		Sources:     splitParam(r.URL.Query().Get("sources")),
		EntityType:  evidence.EntityType(r.URL.Query().Get("entity_type")),
		EntityValue: r.URL.Query().Get("entity_value"),
		Tags:        splitParam(r.URL.Query().Get("tags")),
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 {
		q.Limit = limit
	}

	items, err := a.store.List(r.Context(), id, evidence.Filter{})
	if err != nil {
		a.writeError(w, r, err, "failed to list evidence")
		return
	}
	a.writeJSON(w, evidence.Search(items, q))
}

func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	items, err := a.store.List(r.Context(), id, evidence.Filter{})
	if err != nil {
		a.writeError(w, r, err, "failed to list evidence")
		return
	}
	a.writeJSON(w, map[string]any{
		"timeline": evidence.BuildTimeline(items),
		"entities": evidence.EntityIndex(items),
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, err := a.store.Stats(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to compute evidence stats")
		return
	}
	corrs, err := a.store.ListCorrelations(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to list correlations")
		return
	}
	byType := map[string]int{}
	for _, c := range corrs {
		byType[string(c.Type)]++
	}
	a.writeJSON(w, map[string]any{
		"evidence":             stats,
		"correlations":         len(corrs),
		"correlations_by_type": byType,
	})
}

func splitParam(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
