// Package investapi exposes the investigation service over HTTP: alert
// submission, investigation lookup, and the evidence read views.
package investapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/inquest/internal/agent"
	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/connector"
	"github.com/linnemanlabs/inquest/internal/evidence"
	"github.com/linnemanlabs/inquest/internal/fault"
	"github.com/linnemanlabs/inquest/internal/investigation"
	"github.com/linnemanlabs/inquest/internal/tenant"
)

// tenantHeader carries the caller's tenant id. Every route under the API
// requires it.
const tenantHeader = "X-Tenant-Id"

// InvestigationService defines the business operations investapi needs.
type InvestigationService interface {
	Submit(ctx context.Context, al *alert.Alert, plan *investigation.Plan) (*investigation.SubmitResult, error)
	Get(ctx context.Context, id string) (*investigation.Investigation, bool, error)
	List(ctx context.Context) ([]*investigation.Investigation, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger     log.Logger
	svc        InvestigationService
	store      evidence.Store
	bus        *agent.Bus
	connectors *connector.Registry
	agents     *agent.Registry
}

// New creates a new API handler. bus, connectors and agents may be nil.
func New(logger log.Logger, svc InvestigationService, store evidence.Store, bus *agent.Bus, connectors *connector.Registry, agents *agent.Registry) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("investigation service is required"))
	}
	if store == nil {
		panic(xerrors.New("evidence store is required"))
	}
	return &API{
		logger:     logger,
		svc:        svc,
		store:      store,
		bus:        bus,
		connectors: connectors,
		agents:     agents,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.requireTenant)
		r.Post("/alerts", a.handleSubmitAlert)
		r.Get("/investigations", a.handleListInvestigations)
		r.Get("/investigations/{id}", a.handleGetInvestigation)
		r.Get("/investigations/{id}/evidence", a.handleSearchEvidence)
		r.Get("/investigations/{id}/timeline", a.handleTimeline)
		r.Get("/investigations/{id}/stats", a.handleStats)
		r.Get("/investigations/{id}/events", a.handleEvents)
		r.Get("/connectors/health", a.handleConnectorHealth)
		r.Get("/agents", a.handleAgents)
	})
}

// requireTenant rejects requests without a tenant id and threads it through
// the request context for every store and service call.
func (a *API) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(tenantHeader)
		if tenantID == "" {
			http.Error(w, `{"error":"missing X-Tenant-Id header"}`, http.StatusBadRequest)
			return
		}
		span := trace.SpanFromContext(r.Context())
		span.SetAttributes(attribute.String("inquest.tenant.id", tenantID))
		next.ServeHTTP(w, r.WithContext(tenant.WithContext(r.Context(), tenantID)))
	})
}

func (a *API) handleGetInvestigation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("inquest.investigation.id", id))

	inv, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get investigation")
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("inquest.investigation.status", string(inv.Status)))
	a.writeJSON(w, inv)
}

func (a *API) handleListInvestigations(w http.ResponseWriter, r *http.Request) {
	invs, err := a.svc.List(r.Context())
	if err != nil {
		a.writeError(w, r, err, "failed to list investigations")
		return
	}
	a.writeJSON(w, map[string]any{"investigations": invs})
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.bus == nil {
		http.Error(w, `{"error":"event history disabled"}`, http.StatusNotFound)
		return
	}
	id := chi.URLParam(r, "id")

	// bus history is keyed by investigation id alone; resolve the id through
	// the tenant-scoped service so one tenant cannot read another's progress
	_, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to resolve investigation")
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	a.writeJSON(w, map[string]any{"events": a.bus.History(id)})
}

func (a *API) handleConnectorHealth(w http.ResponseWriter, r *http.Request) {
	if a.connectors == nil {
		a.writeJSON(w, map[string]any{"connectors": map[string]any{}})
		return
	}
	a.writeJSON(w, map[string]any{"connectors": a.connectors.HealthAll(r.Context())})
}

type agentStatus struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	State string `json:"state"`
}

func (a *API) handleAgents(w http.ResponseWriter, r *http.Request) {
	out := []agentStatus{}
	if a.agents != nil {
		if typ := r.URL.Query().Get("type"); typ != "" {
			if ag, ok := a.agents.ByType(typ); ok {
				out = append(out, a.agentStatusOf(ag.ID()))
			}
		} else {
			for _, id := range a.agents.List() {
				out = append(out, a.agentStatusOf(id))
			}
		}
	}
	a.writeJSON(w, map[string]any{"agents": out})
}

func (a *API) agentStatusOf(id string) agentStatus {
	st := agentStatus{ID: id}
	if ag, ok := a.agents.Get(id); ok {
		st.Type = ag.Type()
	}
	if s, ok := a.agents.StateOf(id); ok {
		st.State = string(s)
	}
	return st
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps fault kinds onto HTTP statuses without leaking internals.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch fault.KindOf(err) {
	case fault.KindValidation:
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
	case fault.KindNotFound:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	default:
		a.logger.Error(r.Context(), err, msg)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}
