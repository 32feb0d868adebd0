package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/connector"
	"github.com/linnemanlabs/inquest/internal/evidence"
	"github.com/linnemanlabs/inquest/internal/evidence/memstore"
	"github.com/linnemanlabs/inquest/internal/fault"
	"github.com/linnemanlabs/inquest/internal/investigation"
	"github.com/linnemanlabs/inquest/internal/tenant"
)

// fakeConn is a scriptable connector. queryErrs are consumed one per Query
// call; once exhausted, calls succeed.
type fakeConn struct {
	name      string
	payload   json.RawMessage
	enrichErr error
	delay     time.Duration

	mu        sync.Mutex
	queryErrs []error

	queryCalls atomic.Int64
	inflight   atomic.Int64
	peak       atomic.Int64
}

func (c *fakeConn) Name() string { return c.name }

func (c *fakeConn) Query(ctx context.Context, _, _ string) (json.RawMessage, error) {
	c.queryCalls.Add(1)
	cur := c.inflight.Add(1)
	defer c.inflight.Add(-1)
	for {
		p := c.peak.Load()
		if cur <= p || c.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindTimeout, c.name, ctx.Err())
		}
	}

	c.mu.Lock()
	var err error
	if len(c.queryErrs) > 0 {
		err, c.queryErrs = c.queryErrs[0], c.queryErrs[1:]
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if c.payload != nil {
		return c.payload, nil
	}
	return json.RawMessage(`[{"type":"log_entry","ip":"10.0.0.1","message":"hit"}]`), nil
}

func (c *fakeConn) Enrich(_ context.Context, value, _ string) (json.RawMessage, error) {
	if c.enrichErr != nil {
		return nil, c.enrichErr
	}
	return json.RawMessage(fmt.Sprintf(`{"value":%q,"reputation":"clean"}`, value)), nil
}

func (c *fakeConn) HealthCheck(_ context.Context) connector.Health {
	return connector.Health{Healthy: true}
}

func testAgent(t *testing.T, cfg Config, conns ...connector.Connector) (*Agent, evidence.Store) {
	t.Helper()
	reg := connector.NewRegistry()
	for _, c := range conns {
		reg.Register(c)
	}
	store := memstore.New()
	corr := evidence.NewCorrelator(store, log.Nop())
	return New("exec-test", reg, store, corr, nil, log.Nop(), cfg), store
}

func fastCfg() Config {
	return Config{
		StepTimeout:    2 * time.Second,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RateLimitDelay: time.Millisecond,
	}
}

func testAlert() *alert.Alert {
	return &alert.Alert{
		Fingerprint: "fp-1",
		Status:      "firing",
		Severity:    "high",
		Title:       "Suspicious login burst",
		Entities:    map[string][]string{"user": {"alice"}},
	}
}

func execCtx() context.Context {
	return tenant.WithContext(context.Background(), "acme")
}

func TestExecutePlan_FullRun(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{name: "siem"}
	a, store := testAgent(t, fastCfg(), conn)
	al := testAlert()
	plan := investigation.DefaultPlan(al, []string{"siem"})

	out, err := a.ExecutePlan(execCtx(), "inv-1", al, plan)
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if out.Summary.Completed != 4 || out.Summary.Failed != 0 {
		t.Errorf("summary = %+v, want 4 completed", out.Summary)
	}
	if out.Summary.EvidenceCount == 0 {
		t.Error("expected stored evidence")
	}
	if len(out.Summary.UniqueEntities["ip"]) == 0 {
		t.Errorf("unique entities = %v, want the queried ip", out.Summary.UniqueEntities)
	}
	if out.AdaptedPlan != nil {
		t.Error("no adaptation expected on a clean run")
	}

	items, err := store.List(execCtx(), "inv-1", evidence.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != out.Summary.EvidenceCount {
		t.Errorf("store has %d items, summary says %d", len(items), out.Summary.EvidenceCount)
	}
}

func TestExecutePlan_ParallelismCap(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{name: "siem", delay: 30 * time.Millisecond}
	a, _ := testAgent(t, fastCfg(), conn)

	steps := make([]investigation.Step, 8)
	for i := range steps {
		steps[i] = investigation.Step{
			ID:          fmt.Sprintf("q%d", i),
			Type:        investigation.StepQuery,
			DataSources: []string{"siem"},
		}
	}
	out, err := a.ExecutePlan(execCtx(), "inv-1", testAlert(), &investigation.Plan{Steps: steps})
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if out.Summary.Completed != 8 {
		t.Fatalf("completed = %d, want 8", out.Summary.Completed)
	}
	if peak := conn.peak.Load(); peak > defaultMaxParallel {
		t.Errorf("peak concurrent queries = %d, exceeds default cap %d", peak, defaultMaxParallel)
	}
}

func TestConfig_MaxParallelDefaults(t *testing.T) {
	t.Parallel()

	zero := Config{}
	zero.defaults()
	if zero.MaxParallel != defaultMaxParallel {
		t.Errorf("unset MaxParallel = %d, want %d", zero.MaxParallel, defaultMaxParallel)
	}

	wide := Config{MaxParallel: 8}
	wide.defaults()
	if wide.MaxParallel != 8 {
		t.Errorf("configured MaxParallel = %d, want 8 kept as given", wide.MaxParallel)
	}
}

func TestExecutePlan_DependencyOrdering(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{name: "siem"}
	a, _ := testAgent(t, fastCfg(), conn)

	plan := &investigation.Plan{Steps: []investigation.Step{
		{ID: "collect", Type: investigation.StepQuery, DataSources: []string{"siem"}},
		{ID: "correlate", Type: investigation.StepCorrelate, Dependencies: []string{"collect"}},
	}}
	out, err := a.ExecutePlan(execCtx(), "inv-1", testAlert(), plan)
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	first, second := out.Records["collect"], out.Records["correlate"]
	if first.Status != investigation.StepCompleted || second.Status != investigation.StepCompleted {
		t.Fatalf("records = %+v / %+v", first, second)
	}
	if second.StartedAt.Before(first.CompletedAt) {
		t.Error("dependent step started before its dependency completed")
	}
}

func TestExecutePlan_PartialSourceFailure(t *testing.T) {
	t.Parallel()

	bad := &fakeConn{name: "edr", queryErrs: []error{
		fault.New(fault.KindNetwork, "edr", "down"),
		fault.New(fault.KindNetwork, "edr", "down"),
		fault.New(fault.KindNetwork, "edr", "down"),
	}}
	good := &fakeConn{name: "siem"}
	a, _ := testAgent(t, fastCfg(), bad, good)

	plan := &investigation.Plan{Steps: []investigation.Step{
		{ID: "collect", Type: investigation.StepQuery, DataSources: []string{"edr", "siem"}},
	}}
	out, err := a.ExecutePlan(execCtx(), "inv-1", testAlert(), plan)
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	rec := out.Records["collect"]
	if rec.Status != investigation.StepCompleted {
		t.Fatalf("status = %s, want completed despite one failed source", rec.Status)
	}
	failed, _ := rec.Result["sources_failed"].([]string)
	if len(failed) != 1 || failed[0] != "edr" {
		t.Errorf("sources_failed = %v, want [edr]", rec.Result["sources_failed"])
	}
}

func TestExecutePlan_RetryTransientThenSucceed(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{name: "siem", queryErrs: []error{
		fault.New(fault.KindNetwork, "siem", "flaky"),
		fault.New(fault.KindNetwork, "siem", "flaky"),
	}}
	a, _ := testAgent(t, fastCfg(), conn)

	plan := &investigation.Plan{Steps: []investigation.Step{
		{ID: "collect", Type: investigation.StepQuery, DataSources: []string{"siem"}},
	}}
	out, err := a.ExecutePlan(execCtx(), "inv-1", testAlert(), plan)
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	rec := out.Records["collect"]
	if rec.Status != investigation.StepCompleted {
		t.Fatalf("status = %s, want completed after retries", rec.Status)
	}
	if rec.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", rec.Attempts)
	}
}

func TestExecutePlan_ValidationFailsFast(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{name: "siem", queryErrs: []error{
		fault.New(fault.KindValidation, "siem", "bad query"),
	}}
	a, _ := testAgent(t, fastCfg(), conn)

	plan := &investigation.Plan{Steps: []investigation.Step{
		{ID: "collect", Type: investigation.StepQuery, DataSources: []string{"siem"}},
	}}
	out, err := a.ExecutePlan(execCtx(), "inv-1", testAlert(), plan)
	if err == nil {
		t.Fatal("expected a hard failure when the only step fails")
	}
	rec := out.Records["collect"]
	if rec.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 for a validation failure", rec.Attempts)
	}
	if rec.FailureKind != fault.KindValidation {
		t.Errorf("failure kind = %q, want validation", rec.FailureKind)
	}
	if len(out.Adaptations) != 0 {
		t.Error("validation failures must not trigger adaptation")
	}
}

func TestExecutePlan_RateLimitSingleRetryThenSkip(t *testing.T) {
	t.Parallel()

	limited := &fakeConn{name: "intel", queryErrs: []error{
		fault.New(fault.KindRateLimit, "intel", "429"),
		fault.New(fault.KindRateLimit, "intel", "429"),
		fault.New(fault.KindRateLimit, "intel", "429"),
	}}
	good := &fakeConn{name: "siem"}
	a, _ := testAgent(t, fastCfg(), limited, good)

	plan := &investigation.Plan{Steps: []investigation.Step{
		{ID: "collect", Type: investigation.StepQuery, DataSources: []string{"siem"}},
		{ID: "intel-sweep", Type: investigation.StepQuery, DataSources: []string{"intel"}},
	}}
	out, err := a.ExecutePlan(execCtx(), "inv-1", testAlert(), plan)
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	rec := out.Records["intel-sweep"]
	if rec.Status != investigation.StepFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.Attempts != 2 {
		t.Errorf("attempts = %d, want exactly one retry for rate limits", rec.Attempts)
	}
	// skipped steps never spawn alternatives
	for id := range out.Records {
		if strings.HasSuffix(id, "-alt") {
			t.Errorf("unexpected synthetic step %s", id)
		}
	}
}

func TestExecutePlan_AuthorizationEscalates(t *testing.T) {
	t.Parallel()

	denied := &fakeConn{name: "vault", queryErrs: []error{
		fault.New(fault.KindAuthorization, "vault", "forbidden"),
	}}
	good := &fakeConn{name: "siem"}
	a, _ := testAgent(t, fastCfg(), denied, good)

	plan := &investigation.Plan{Steps: []investigation.Step{
		{ID: "collect", Type: investigation.StepQuery, DataSources: []string{"siem"}},
		{ID: "secrets", Type: investigation.StepQuery, DataSources: []string{"vault"}},
	}}
	out, err := a.ExecutePlan(execCtx(), "inv-1", testAlert(), plan)
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	rec := out.Records["secrets"]
	if rec.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", rec.Attempts)
	}
	if !rec.Escalated {
		t.Error("authorization failure should be escalated")
	}
}

func TestExecutePlan_AdaptsToUntriedSource(t *testing.T) {
	t.Parallel()

	down := &fakeConn{name: "edr", queryErrs: []error{
		fault.New(fault.KindNetwork, "edr", "down"),
		fault.New(fault.KindNetwork, "edr", "down"),
		fault.New(fault.KindNetwork, "edr", "down"),
	}}
	backup := &fakeConn{name: "siem"}
	a, _ := testAgent(t, fastCfg(), down, backup)

	plan := &investigation.Plan{Steps: []investigation.Step{
		{ID: "collect", Type: investigation.StepQuery, DataSources: []string{"edr"}},
		{ID: "correlate", Type: investigation.StepCorrelate, Dependencies: []string{"collect"}},
	}}
	out, err := a.ExecutePlan(execCtx(), "inv-1", testAlert(), plan)
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}

	alt := out.Records["collect-alt"]
	if alt == nil {
		t.Fatal("expected a synthesized alternative step")
	}
	if !alt.Synthetic || alt.Status != investigation.StepCompleted {
		t.Errorf("alt record = %+v, want completed synthetic", alt)
	}
	if len(out.Adaptations) != 1 {
		t.Fatalf("adaptations = %d, want 1", len(out.Adaptations))
	}
	if out.AdaptedPlan == nil {
		t.Error("expected the adapted plan to be reported")
	}
	// the alternative's success unblocks the origin's dependents.
	if got := out.Records["correlate"].Status; got != investigation.StepCompleted {
		t.Errorf("dependent status = %s, want completed", got)
	}
	if backup.queryCalls.Load() == 0 {
		t.Error("the untried source should have been queried")
	}
}

func TestExecutePlan_NoUntriedSourceNoAdaptation(t *testing.T) {
	t.Parallel()

	down := &fakeConn{name: "siem", queryErrs: []error{
		fault.New(fault.KindNetwork, "siem", "down"),
		fault.New(fault.KindNetwork, "siem", "down"),
		fault.New(fault.KindNetwork, "siem", "down"),
	}}
	a, _ := testAgent(t, fastCfg(), down)

	plan := &investigation.Plan{Steps: []investigation.Step{
		{ID: "collect", Type: investigation.StepQuery, DataSources: []string{"siem"}},
	}}
	out, err := a.ExecutePlan(execCtx(), "inv-1", testAlert(), plan)
	if err == nil {
		t.Fatal("expected a hard failure")
	}
	if len(out.Adaptations) != 0 {
		t.Errorf("adaptations = %d, want 0 when every source was tried", len(out.Adaptations))
	}
}

func TestExecutePlan_AllStepsFailedIsHardFailure(t *testing.T) {
	t.Parallel()

	down := &fakeConn{name: "siem", queryErrs: []error{
		fault.New(fault.KindValidation, "siem", "bad"),
		fault.New(fault.KindValidation, "siem", "bad"),
	}}
	a, _ := testAgent(t, fastCfg(), down)

	plan := &investigation.Plan{Steps: []investigation.Step{
		{ID: "a", Type: investigation.StepQuery, DataSources: []string{"siem"}},
		{ID: "b", Type: investigation.StepQuery, DataSources: []string{"siem"}},
	}}
	_, err := a.ExecutePlan(execCtx(), "inv-1", testAlert(), plan)
	if err == nil {
		t.Fatal("expected a hard failure when no step completed")
	}
	if !strings.Contains(err.Error(), "steps failed") {
		t.Errorf("error = %v", err)
	}
}

func TestExecutePlan_DependentOfFailedStepAbandoned(t *testing.T) {
	t.Parallel()

	down := &fakeConn{name: "edr", queryErrs: []error{
		fault.New(fault.KindValidation, "edr", "bad"),
	}}
	good := &fakeConn{name: "siem"}
	a, _ := testAgent(t, fastCfg(), down, good)

	plan := &investigation.Plan{Steps: []investigation.Step{
		{ID: "collect", Type: investigation.StepQuery, DataSources: []string{"siem"}},
		{ID: "broken", Type: investigation.StepQuery, DataSources: []string{"edr"}},
		{ID: "after-broken", Type: investigation.StepCorrelate, Dependencies: []string{"broken"}},
	}}
	out, err := a.ExecutePlan(execCtx(), "inv-1", testAlert(), plan)
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	rec := out.Records["after-broken"]
	if rec.Status != investigation.StepFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if !strings.Contains(rec.Error, "dependency failed") {
		t.Errorf("error = %q, want dependency-failed annotation", rec.Error)
	}
}

func TestExecValidate_NeverFails(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{name: "siem"}
	a, _ := testAgent(t, fastCfg(), conn)

	plan := &investigation.Plan{Steps: []investigation.Step{
		{ID: "collect", Type: investigation.StepQuery, DataSources: []string{"siem"}},
		{
			ID:           "check",
			Type:         investigation.StepValidate,
			Dependencies: []string{"collect"},
			Parameters: map[string]any{
				"evidence_count":       1000.0,
				"confidence_threshold": 0.99,
				"entity_presence":      []any{"domain"},
			},
		},
	}}
	out, err := a.ExecutePlan(execCtx(), "inv-1", testAlert(), plan)
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	rec := out.Records["check"]
	if rec.Status != investigation.StepCompleted {
		t.Fatalf("status = %s, validation must annotate rather than fail", rec.Status)
	}
	unmet, _ := rec.Result["unmet"].([]string)
	if len(unmet) != 3 {
		t.Errorf("unmet = %v, want all three criteria", rec.Result["unmet"])
	}
}

func TestExecEnrich_UsesAlertEntities(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{name: "intel"}
	a, store := testAgent(t, fastCfg(), conn)

	plan := &investigation.Plan{Steps: []investigation.Step{
		{ID: "enrich", Type: investigation.StepEnrich, DataSources: []string{"intel"}},
	}}
	out, err := a.ExecutePlan(execCtx(), "inv-1", testAlert(), plan)
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if got := out.Records["enrich"].Result["enriched"]; got != 1 {
		t.Errorf("enriched = %v, want 1 for the alert's user entity", got)
	}

	items, err := store.List(execCtx(), "inv-1", evidence.Filter{
		Types: []string{"enrichment"},
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("enrichment items = %d, want 1", len(items))
	}
	if vals := items[0].Entities[evidence.EntityUser]; len(vals) != 1 || vals[0] != "alice" {
		t.Errorf("entities = %v, want the alert's user", items[0].Entities)
	}
}
