package investapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/inquest/internal/agent"
	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/evidence"
	"github.com/linnemanlabs/inquest/internal/evidence/memstore"
	"github.com/linnemanlabs/inquest/internal/fault"
	"github.com/linnemanlabs/inquest/internal/investigation"
	"github.com/linnemanlabs/inquest/internal/tenant"
)

// stubService scripts the investigation service behind the handlers.
type stubService struct {
	submitResult *investigation.SubmitResult
	submitErr    error
	inv          *investigation.Investigation
	getErr       error
	list         []*investigation.Investigation
	listErr      error
}

func (s *stubService) Submit(_ context.Context, _ *alert.Alert, _ *investigation.Plan) (*investigation.SubmitResult, error) {
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	if s.submitResult != nil {
		return s.submitResult, nil
	}
	return &investigation.SubmitResult{ID: "inv-1"}, nil
}

func (s *stubService) Get(ctx context.Context, id string) (*investigation.Investigation, bool, error) {
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	if s.inv != nil && s.inv.ID == id {
		// mirror the real service: a tenant only sees its own records
		if s.inv.TenantID != "" {
			if tid, _ := tenant.FromContext(ctx); tid != s.inv.TenantID {
				return nil, false, nil
			}
		}
		return s.inv, true, nil
	}
	return nil, false, nil
}

func (s *stubService) List(_ context.Context) ([]*investigation.Investigation, error) {
	return s.list, s.listErr
}

func newTestRouter(t *testing.T, svc *stubService, store evidence.Store, bus *agent.Bus) chi.Router {
	t.Helper()
	if svc == nil {
		svc = &stubService{}
	}
	if store == nil {
		store = memstore.New()
	}
	api := New(log.Nop(), svc, store, bus, nil, nil)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r
}

func doRequest(r chi.Router, method, path, body, tenantID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(tenantHeader, tenantID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil service")
		}
	}()
	New(nil, nil, memstore.New(), nil, nil, nil)
}

func TestRequireTenant(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, nil, nil, nil)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/alerts"},
		{http.MethodGet, "/api/v1/investigations"},
		{http.MethodGet, "/api/v1/investigations/inv-1"},
		{http.MethodGet, "/api/v1/investigations/inv-1/evidence"},
		{http.MethodGet, "/api/v1/connectors/health"},
	}
	for _, tt := range paths {
		rec := doRequest(r, tt.method, tt.path, "", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s %s without tenant = %d, want 400", tt.method, tt.path, rec.Code)
		}
	}
}

func TestSubmitAlert(t *testing.T) {
	t.Parallel()

	validBody := `{"alert":{"fingerprint":"fp-1","title":"Brute force","severity":"high","status":"firing"}}`

	tests := []struct {
		name       string
		svc        *stubService
		body       string
		wantStatus int
	}{
		{"accepted", &stubService{}, validBody, http.StatusAccepted},
		{
			"skipped resolved alert",
			&stubService{submitResult: &investigation.SubmitResult{Skipped: true, Reason: "alert is not firing"}},
			validBody,
			http.StatusOK,
		},
		{"invalid json", &stubService{}, `{bad`, http.StatusBadRequest},
		{"missing alert", &stubService{}, `{}`, http.StatusBadRequest},
		{"missing fingerprint", &stubService{}, `{"alert":{"title":"x"}}`, http.StatusBadRequest},
		{
			"validation error from service",
			&stubService{submitErr: fault.New(fault.KindValidation, "test", "bad plan")},
			validBody,
			http.StatusBadRequest,
		},
		{
			"internal error from service",
			&stubService{submitErr: errors.New("boom")},
			validBody,
			http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newTestRouter(t, tt.svc, nil, nil)
			rec := doRequest(r, http.MethodPost, "/api/v1/alerts", tt.body, "acme")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestSubmitAlert_ReturnsID(t *testing.T) {
	t.Parallel()

	svc := &stubService{submitResult: &investigation.SubmitResult{ID: "inv-42"}}
	r := newTestRouter(t, svc, nil, nil)

	rec := doRequest(r, http.MethodPost, "/api/v1/alerts", `{"alert":{"fingerprint":"fp-1"}}`, "acme")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["id"] != "inv-42" {
		t.Errorf("id = %v, want inv-42", resp["id"])
	}
}

func TestGetInvestigation(t *testing.T) {
	t.Parallel()

	inv := &investigation.Investigation{
		ID:        "inv-1",
		Status:    investigation.StatusCompleted,
		AlertName: "Brute force",
	}
	tests := []struct {
		name       string
		svc        *stubService
		id         string
		wantStatus int
	}{
		{"found", &stubService{inv: inv}, "inv-1", http.StatusOK},
		{"not found", &stubService{inv: inv}, "inv-2", http.StatusNotFound},
		{"service error", &stubService{getErr: errors.New("boom")}, "inv-1", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newTestRouter(t, tt.svc, nil, nil)
			rec := doRequest(r, http.MethodGet, "/api/v1/investigations/"+tt.id, "", "acme")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				var got investigation.Investigation
				if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if got.ID != "inv-1" || got.Status != investigation.StatusCompleted {
					t.Errorf("got %+v", got)
				}
			}
		})
	}
}

func TestListInvestigations(t *testing.T) {
	t.Parallel()

	svc := &stubService{list: []*investigation.Investigation{
		{ID: "inv-1", Status: investigation.StatusRunning},
		{ID: "inv-2", Status: investigation.StatusCompleted},
	}}
	r := newTestRouter(t, svc, nil, nil)

	rec := doRequest(r, http.MethodGet, "/api/v1/investigations", "", "acme")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Investigations []*investigation.Investigation `json:"investigations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Investigations) != 2 {
		t.Errorf("investigations = %d, want 2", len(resp.Investigations))
	}
}

func seedStore(t *testing.T, store evidence.Store) {
	t.Helper()
	ctx := tenant.WithContext(context.Background(), "acme")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	items := []*evidence.Item{
		{
			InvestigationID: "inv-1",
			Type:            "auth_event",
			Source:          "siem",
			Timestamp:       base,
			Data:            map[string]any{"message": "failed login for alice"},
			Entities:        map[evidence.EntityType][]string{evidence.EntityUser: {"alice"}},
			Confidence:      0.7,
		},
		{
			InvestigationID: "inv-1",
			Type:            "network_flow",
			Source:          "firewall",
			Timestamp:       base.Add(time.Minute),
			Data:            map[string]any{"dest": "203.0.113.7"},
			Entities:        map[evidence.EntityType][]string{evidence.EntityIP: {"203.0.113.7"}},
			Confidence:      0.7,
		},
	}
	for _, it := range items {
		if _, err := store.Put(ctx, it, nil); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
}

func TestSearchEvidence(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedStore(t, store)
	r := newTestRouter(t, nil, store, nil)

	rec := doRequest(r, http.MethodGet, "/api/v1/investigations/inv-1/evidence?q=alice", "", "acme")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var result evidence.SearchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Total != 1 {
		t.Errorf("total = %d, want 1", result.Total)
	}
}

func TestSearchEvidence_TenantScoped(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedStore(t, store)
	r := newTestRouter(t, nil, store, nil)

	// another tenant sees nothing for the same investigation id
	rec := doRequest(r, http.MethodGet, "/api/v1/investigations/inv-1/evidence", "", "globex")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var result evidence.SearchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Total != 0 {
		t.Errorf("total = %d, want 0 for a different tenant", result.Total)
	}
}

func TestTimeline(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedStore(t, store)
	r := newTestRouter(t, nil, store, nil)

	rec := doRequest(r, http.MethodGet, "/api/v1/investigations/inv-1/timeline", "", "acme")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Timeline *evidence.Timeline  `json:"timeline"`
		Entities map[string][]string `json:"entities"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Timeline == nil || len(resp.Timeline.Entries) != 2 {
		t.Errorf("timeline = %+v, want 2 entries", resp.Timeline)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedStore(t, store)
	r := newTestRouter(t, nil, store, nil)

	rec := doRequest(r, http.MethodGet, "/api/v1/investigations/inv-1/stats", "", "acme")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Evidence     evidence.Stats `json:"evidence"`
		Correlations int            `json:"correlations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Evidence.Total != 2 {
		t.Errorf("evidence total = %d, want 2", resp.Evidence.Total)
	}
}

func TestEvents(t *testing.T) {
	t.Parallel()

	t.Run("bus disabled", func(t *testing.T) {
		t.Parallel()

		r := newTestRouter(t, nil, nil, nil)
		rec := doRequest(r, http.MethodGet, "/api/v1/investigations/inv-1/events", "", "acme")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404 when the bus is nil", rec.Code)
		}
	})

	t.Run("with bus", func(t *testing.T) {
		t.Parallel()

		bus, err := agent.NewBus(nil, nil, 8, 4)
		if err != nil {
			t.Fatalf("NewBus: %v", err)
		}
		svc := &stubService{inv: &investigation.Investigation{ID: "inv-1", TenantID: "acme"}}
		r := newTestRouter(t, svc, nil, bus)
		rec := doRequest(r, http.MethodGet, "/api/v1/investigations/inv-1/events", "", "acme")
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("unknown investigation", func(t *testing.T) {
		t.Parallel()

		bus, err := agent.NewBus(nil, nil, 8, 4)
		if err != nil {
			t.Fatalf("NewBus: %v", err)
		}
		r := newTestRouter(t, &stubService{}, nil, bus)
		rec := doRequest(r, http.MethodGet, "/api/v1/investigations/inv-9/events", "", "acme")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestEvents_TenantScoped(t *testing.T) {
	t.Parallel()

	bus, err := agent.NewBus(nil, nil, 8, 4)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	bus.Publish(context.Background(), agent.Message{
		From:            "execution-agent",
		To:              agent.Broadcast,
		InvestigationID: "inv-1",
		Type:            agent.EventStepCompleted,
		Data:            map[string]any{"step_id": "q0"},
	})

	svc := &stubService{inv: &investigation.Investigation{ID: "inv-1", TenantID: "tenant-a"}}
	r := newTestRouter(t, svc, nil, bus)

	// another tenant must not read the history even with the right id
	rec := doRequest(r, http.MethodGet, "/api/v1/investigations/inv-1/events", "", "tenant-b")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for a different tenant (body %s)", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "step_completed") {
		t.Error("response leaked progress history to a different tenant")
	}

	// the owning tenant still sees the events
	rec = doRequest(r, http.MethodGet, "/api/v1/investigations/inv-1/events", "", "tenant-a")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Events []agent.Message `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].Type != agent.EventStepCompleted {
		t.Errorf("events = %+v, want the published step_completed", resp.Events)
	}
}

type fakeAgent struct{ id, typ string }

func (f fakeAgent) ID() string   { return f.id }
func (f fakeAgent) Type() string { return f.typ }

func TestAgents(t *testing.T) {
	t.Parallel()

	reg := agent.NewRegistry()
	reg.Register(fakeAgent{id: "execution-agent", typ: "execution"})
	reg.Register(fakeAgent{id: "analysis-agent", typ: "analysis"})
	if err := reg.SetState("analysis-agent", agent.StateBusy); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	api := New(log.Nop(), &stubService{}, memstore.New(), nil, nil, reg)
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	rec := doRequest(r, http.MethodGet, "/api/v1/agents", "", "acme")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Agents []struct {
			ID    string `json:"id"`
			Type  string `json:"type"`
			State string `json:"state"`
		} `json:"agents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(resp.Agents))
	}
	// ids come back sorted
	if resp.Agents[0].ID != "analysis-agent" || resp.Agents[0].State != "busy" {
		t.Errorf("first agent = %+v, want busy analysis-agent", resp.Agents[0])
	}
	if resp.Agents[1].ID != "execution-agent" || resp.Agents[1].State != "idle" {
		t.Errorf("second agent = %+v, want idle execution-agent", resp.Agents[1])
	}

	rec = doRequest(r, http.MethodGet, "/api/v1/agents?type=execution", "", "acme")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode filtered: %v", err)
	}
	if len(resp.Agents) != 1 || resp.Agents[0].Type != "execution" {
		t.Errorf("filtered agents = %+v, want one execution agent", resp.Agents)
	}
}

func TestAgents_NilRegistry(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, nil, nil, nil)
	rec := doRequest(r, http.MethodGet, "/api/v1/agents", "", "acme")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Agents []any `json:"agents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Agents) != 0 {
		t.Errorf("agents = %v, want empty", resp.Agents)
	}
}

func TestConnectorHealth_NilRegistry(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, nil, nil, nil)
	rec := doRequest(r, http.MethodGet, "/api/v1/connectors/health", "", "acme")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Connectors map[string]any `json:"connectors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Connectors) != 0 {
		t.Errorf("connectors = %v, want empty", resp.Connectors)
	}
}
