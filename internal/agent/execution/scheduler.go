// Package execution implements the execution agent: it schedules an
// investigation plan's steps across data sources under a parallelism cap,
// applies per-failure-kind retry strategies, and adapts the plan when enough
// of it fails.
package execution

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/linnemanlabs/inquest/internal/agent"
	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/connector"
	"github.com/linnemanlabs/inquest/internal/evidence"
	"github.com/linnemanlabs/inquest/internal/fault"
	"github.com/linnemanlabs/inquest/internal/investigation"
)

var tracer = otel.Tracer("github.com/linnemanlabs/inquest/internal/agent/execution")

// defaultMaxParallel is used when MaxParallel is not configured.
const defaultMaxParallel = 5

// Config bounds one execution run.
type Config struct {
	// MaxParallel concurrent steps. Defaults to defaultMaxParallel.
	MaxParallel int
	// StepTimeout per attempt. Defaults to 60s.
	StepTimeout time.Duration
	// MaxAttempts per step including the first. Defaults to 3.
	MaxAttempts int
	// AdaptationThreshold is the failed fraction of the plan at which a
	// broad adaptation pass runs. Defaults to 0.3.
	AdaptationThreshold float64
	// RetryBaseDelay for exponential backoff on transient faults. Defaults
	// to 1s.
	RetryBaseDelay time.Duration
	// RateLimitDelay is the fixed wait before the single rate-limit retry.
	// Defaults to 2s.
	RateLimitDelay time.Duration
}

func (c *Config) defaults() {
	if c.MaxParallel <= 0 {
		c.MaxParallel = defaultMaxParallel
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AdaptationThreshold <= 0 {
		c.AdaptationThreshold = 0.3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = 2 * time.Second
	}
}

// Agent is the execution agent.
type Agent struct {
	id         string
	connectors *connector.Registry
	store      evidence.Store
	correlator *evidence.Correlator
	bus        *agent.Bus
	logger     log.Logger
	cfg        Config
}

// New creates an execution agent. bus may be nil.
func New(id string, connectors *connector.Registry, store evidence.Store, correlator *evidence.Correlator, bus *agent.Bus, logger log.Logger, cfg Config) *Agent {
	if id == "" {
		id = "execution-agent"
	}
	if logger == nil {
		logger = log.Nop()
	}
	cfg.defaults()
	return &Agent{
		id:         id,
		connectors: connectors,
		store:      store,
		correlator: correlator,
		bus:        bus,
		logger:     logger,
		cfg:        cfg,
	}
}

func (a *Agent) ID() string   { return a.id }
func (a *Agent) Type() string { return "execution" }

// disposition is what the scheduler does with a step after its retries are
// exhausted.
type disposition int

const (
	dispNone disposition = iota
	dispFail             // terminal, no recovery
	dispSkip             // terminal, non-blocking by intent
	dispAdapt            // candidate for plan adaptation
	dispEscalate
)

type stepResult struct {
	step        investigation.Step
	rec         *investigation.StepRecord
	disposition disposition
	evidenceIDs []string
}

// run is the per-investigation scheduling state. The plan may grow during
// the run as adaptation synthesizes alternative steps.
type run struct {
	agent *Agent
	invID string
	al    *alert.Alert

	steps       []investigation.Step
	records     map[string]*investigation.StepRecord
	satisfied   map[string]bool // step id (or adapted origin) completed
	launched    map[string]bool
	adaptedFrom map[string]bool // origin step ids already adapted
	triedSrcs   map[string]map[string]bool

	evidenceIDs []string
	adaptations []investigation.Adaptation
	origTotal   int
	running     int

	sem     *semaphore.Weighted
	results chan *stepResult
}

// ExecutePlan runs the plan to completion under the agent's policy and
// returns the execution outcome. The plan must already be validated. The
// error is non-nil only when the run as a whole is a hard failure: every
// step of a non-empty plan failed, or the context expired before anything
// completed.
func (a *Agent) ExecutePlan(ctx context.Context, investigationID string, al *alert.Alert, plan *investigation.Plan) (*investigation.ExecutionOutcome, error) {
	ctx, span := tracer.Start(ctx, "execution.ExecutePlan")
	defer span.End()
	span.SetAttributes(
		attribute.String("inquest.investigation.id", investigationID),
		attribute.Int("inquest.plan.steps", len(plan.Steps)),
	)

	start := time.Now()
	r := &run{
		agent:       a,
		invID:       investigationID,
		al:          al,
		steps:       append([]investigation.Step(nil), plan.Steps...),
		records:     make(map[string]*investigation.StepRecord, len(plan.Steps)),
		satisfied:   make(map[string]bool),
		launched:    make(map[string]bool),
		adaptedFrom: make(map[string]bool),
		triedSrcs:   make(map[string]map[string]bool),
		origTotal:   len(plan.Steps),
		sem:         semaphore.NewWeighted(int64(a.cfg.MaxParallel)),
		results:     make(chan *stepResult),
	}
	for _, s := range plan.Steps {
		r.records[s.ID] = &investigation.StepRecord{StepID: s.ID, Status: investigation.StepPending}
	}

	r.schedule(ctx)
	out := r.outcome(ctx, start)

	completed, failed := 0, 0
	for _, rec := range out.Records {
		switch rec.Status {
		case investigation.StepCompleted:
			completed++
		case investigation.StepFailed:
			failed++
		}
	}
	if completed == 0 && failed > 0 {
		err := fault.Newf(fault.KindUnknown, "execution.ExecutePlan", "all %d steps failed", failed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	return out, nil
}

// schedule drives the ready/launch/wait loop until nothing is running and
// nothing more can start.
func (r *run) schedule(ctx context.Context) {
	for {
		if ctx.Err() == nil {
			r.launchReady(ctx)
		}
		if r.running == 0 {
			break
		}
		res := <-r.results
		r.handle(ctx, res)
	}

	// steps that never became runnable: a dependency failed or the run
	// was cut short
	for id, rec := range r.records {
		if rec.Status != investigation.StepPending {
			continue
		}
		rec.Status = investigation.StepFailed
		if ctx.Err() != nil {
			rec.Error = "abandoned: investigation timeout"
			rec.FailureKind = fault.KindTimeout
		} else {
			rec.Error = "abandoned: dependency failed"
			rec.FailureKind = fault.KindValidation
		}
		r.publish(ctx, agent.EventStepFailed, map[string]any{"step_id": id, "error": rec.Error})
	}
}

// launchReady starts every step whose dependencies are satisfied, up to the
// parallelism cap.
func (r *run) launchReady(ctx context.Context) {
	for i := range r.steps {
		step := r.steps[i]
		if r.launched[step.ID] || !r.ready(step) {
			continue
		}
		if !r.sem.TryAcquire(1) {
			return
		}
		r.launched[step.ID] = true
		r.running++
		rec := r.records[step.ID]
		rec.Status = investigation.StepRunning
		rec.StartedAt = time.Now().UTC()
		r.publish(ctx, agent.EventStepStarted, map[string]any{"step_id": step.ID, "type": string(step.Type)})

		go func(step investigation.Step, startedAt time.Time, synthetic bool) {
			defer r.sem.Release(1)
			r.results <- r.runStep(ctx, step, startedAt, synthetic)
		}(step, rec.StartedAt, rec.Synthetic)
	}
}

func (r *run) ready(step investigation.Step) bool {
	for _, dep := range step.Dependencies {
		if !r.satisfied[dep] {
			return false
		}
	}
	return true
}

func (r *run) handle(ctx context.Context, res *stepResult) {
	r.running--
	rec := res.rec
	r.records[rec.StepID] = rec
	r.evidenceIDs = append(r.evidenceIDs, res.evidenceIDs...)

	if rec.Status == investigation.StepCompleted {
		r.satisfied[rec.StepID] = true
		// a synthetic step completing satisfies its origin's dependents
		if origin := r.originOf(rec.StepID); origin != "" {
			r.satisfied[origin] = true
		}
		r.publish(ctx, agent.EventStepCompleted, map[string]any{
			"step_id": rec.StepID, "attempts": rec.Attempts, "evidence": len(res.evidenceIDs),
		})
		return
	}

	r.publish(ctx, agent.EventStepFailed, map[string]any{
		"step_id": rec.StepID, "kind": string(rec.FailureKind), "error": rec.Error,
	})

	switch res.disposition {
	case dispEscalate:
		rec.Escalated = true
		r.publish(ctx, agent.EventEscalation, map[string]any{
			"step_id": rec.StepID, "kind": string(rec.FailureKind), "error": rec.Error,
		})
	case dispAdapt:
		r.adapt(ctx, res.step)
	case dispSkip, dispFail:
	}

	if res.disposition != dispAdapt && r.failedFraction() >= r.agent.cfg.AdaptationThreshold {
		// enough of the plan has failed that recoverable steps get a
		// second look even when their own kind would not trigger one
		if res.disposition == dispFail || res.disposition == dispSkip {
			return
		}
		r.adapt(ctx, res.step)
	}
}

func (r *run) failedFraction() float64 {
	if r.origTotal == 0 {
		return 0
	}
	failed := 0
	for _, rec := range r.records {
		if rec.Status == investigation.StepFailed && !rec.Synthetic {
			failed++
		}
	}
	return float64(failed) / float64(r.origTotal)
}

// adapt synthesizes one alternative step for a failed query/enrich step,
// targeting sources the step has not tried yet. At most one adaptation per
// origin step.
func (r *run) adapt(ctx context.Context, failed investigation.Step) {
	origin := r.originOf(failed.ID)
	if origin == "" {
		origin = failed.ID
	}
	if r.adaptedFrom[origin] {
		return
	}
	if failed.Type != investigation.StepQuery && failed.Type != investigation.StepEnrich {
		return
	}

	tried := r.triedSrcs[origin]
	if tried == nil {
		tried = make(map[string]bool)
	}
	for _, src := range failed.DataSources {
		tried[src] = true
	}
	r.triedSrcs[origin] = tried

	var untried []string
	for _, name := range r.agent.connectors.Names() {
		if !tried[name] {
			untried = append(untried, name)
		}
	}
	if len(untried) == 0 {
		return
	}
	sort.Strings(untried)

	alt := investigation.Step{
		ID:           origin + "-alt",
		Type:         failed.Type,
		DataSources:  untried,
		Dependencies: failed.Dependencies,
		Parameters:   failed.Parameters,
	}
	r.adaptedFrom[origin] = true
	r.steps = append(r.steps, alt)
	r.records[alt.ID] = &investigation.StepRecord{StepID: alt.ID, Status: investigation.StepPending, Synthetic: true}

	ad := investigation.Adaptation{
		FailedStepID: failed.ID,
		Reason:       fmt.Sprintf("%s after %s failure", failed.ID, r.records[failed.ID].FailureKind),
		NewStepIDs:   []string{alt.ID},
		At:           time.Now().UTC(),
	}
	r.adaptations = append(r.adaptations, ad)
	r.publish(ctx, agent.EventAdaptation, map[string]any{
		"failed_step_id": failed.ID, "new_step_ids": ad.NewStepIDs, "sources": untried,
	})
	r.agent.logger.Info(ctx, "plan adapted",
		"investigation_id", r.invID, "failed_step", failed.ID, "alternative", alt.ID, "sources", untried,
	)
}

// originOf maps a synthetic step id back to the step it replaced.
func (r *run) originOf(id string) string {
	const suffix = "-alt"
	if len(id) > len(suffix) && id[len(id)-len(suffix):] == suffix {
		return id[:len(id)-len(suffix)]
	}
	return ""
}

// runStep executes one step with per-attempt timeouts and the failure-kind
// retry strategy, returning a terminal record.
func (r *run) runStep(ctx context.Context, step investigation.Step, startedAt time.Time, synthetic bool) *stepResult {
	rec := &investigation.StepRecord{
		StepID:    step.ID,
		Status:    investigation.StepRunning,
		StartedAt: startedAt,
		Synthetic: synthetic,
	}
	res := &stepResult{step: step, rec: rec}

	var lastErr error
	for {
		rec.Attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, r.agent.cfg.StepTimeout)
		result, ids, err := r.execStep(attemptCtx, step)
		cancel()

		if err == nil {
			rec.Status = investigation.StepCompleted
			rec.CompletedAt = time.Now().UTC()
			rec.Result = result
			res.evidenceIDs = ids
			return res
		}
		lastErr = err
		res.evidenceIDs = append(res.evidenceIDs, ids...)

		kind := fault.KindOf(err)
		retry, delay, disp := r.strategy(kind, rec.Attempts)
		if !retry || ctx.Err() != nil {
			rec.Status = investigation.StepFailed
			rec.CompletedAt = time.Now().UTC()
			rec.Error = lastErr.Error()
			rec.FailureKind = kind
			res.disposition = disp
			return res
		}

		r.agent.logger.Warn(ctx, "step attempt failed, retrying",
			"investigation_id", r.invID, "step_id", step.ID,
			"kind", string(kind), "attempt", rec.Attempts, "delay", delay.String(),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			rec.Status = investigation.StepFailed
			rec.CompletedAt = time.Now().UTC()
			rec.Error = ctx.Err().Error()
			rec.FailureKind = fault.KindTimeout
			res.disposition = dispFail
			return res
		}
	}
}

// strategy maps a failure kind and attempt count to retry/terminal handling:
// timeouts, network faults and open breakers back off and retry, then adapt
// to another source; rate limits get one fixed-delay retry, then the step is
// skipped; authorization failures escalate immediately; missing resources
// adapt immediately; validation failures are terminal; unknown faults get
// one retry, then escalate.
func (r *run) strategy(kind fault.Kind, attempts int) (retry bool, delay time.Duration, disp disposition) {
	limit := r.agent.cfg.MaxAttempts
	switch kind {
	case fault.KindTimeout, fault.KindNetwork, fault.KindBreakerOpen:
		if attempts < limit {
			return true, r.agent.cfg.RetryBaseDelay << (attempts - 1), dispNone
		}
		return false, 0, dispAdapt
	case fault.KindRateLimit:
		if attempts < 2 {
			return true, r.agent.cfg.RateLimitDelay, dispNone
		}
		return false, 0, dispSkip
	case fault.KindAuthorization:
		return false, 0, dispEscalate
	case fault.KindNotFound:
		return false, 0, dispAdapt
	case fault.KindValidation:
		return false, 0, dispFail
	default:
		if attempts < 2 {
			return true, r.agent.cfg.RetryBaseDelay, dispNone
		}
		return false, 0, dispEscalate
	}
}

// outcome assembles the run summary: step tallies, the evidence-derived
// timeline, and the unique entity index.
func (r *run) outcome(ctx context.Context, start time.Time) *investigation.ExecutionOutcome {
	out := &investigation.ExecutionOutcome{
		Records:     r.records,
		EvidenceIDs: r.evidenceIDs,
		Adaptations: r.adaptations,
		Summary: investigation.ExecutionSummary{
			TotalSteps: len(r.steps),
			Adapted:    len(r.adaptations),
			Duration:   time.Since(start).Seconds(),
		},
	}
	if len(r.adaptations) > 0 {
		out.AdaptedPlan = &investigation.Plan{Steps: append([]investigation.Step(nil), r.steps...)}
	}
	for _, rec := range r.records {
		switch rec.Status {
		case investigation.StepCompleted:
			out.Summary.Completed++
		case investigation.StepFailed:
			out.Summary.Failed++
		}
	}

	items, err := r.agent.store.List(ctx, r.invID, evidence.Filter{})
	if err != nil {
		r.agent.logger.Error(ctx, err, "listing evidence for run summary", "investigation_id", r.invID)
		return out
	}
	out.Summary.EvidenceCount = len(items)
	out.Summary.UniqueEntities = flattenEntityIndex(evidence.EntityIndex(items))
	out.Summary.TimelinePhases = len(evidence.BuildTimeline(items).Phases)
	return out
}

func (r *run) publish(ctx context.Context, event string, data map[string]any) {
	if r.agent.bus == nil {
		return
	}
	r.agent.bus.Publish(ctx, agent.Message{
		From:            r.agent.id,
		To:              agent.Broadcast,
		InvestigationID: r.invID,
		Type:            event,
		Data:            data,
	})
}

func flattenEntityIndex(idx map[evidence.EntityType][]string) map[string][]string {
	out := make(map[string][]string, len(idx))
	for et, vals := range idx {
		out[string(et)] = vals
	}
	return out
}
