package investigation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/linnemanlabs/inquest/internal/agent"
	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/fault"
	"github.com/linnemanlabs/inquest/internal/tenant"
)

var tracer = otel.Tracer("github.com/linnemanlabs/inquest/internal/investigation")

// Executor runs an investigation plan and produces evidence.
type Executor interface {
	ExecutePlan(ctx context.Context, investigationID string, al *alert.Alert, plan *Plan) (*ExecutionOutcome, error)
}

// Analyzer evaluates gathered evidence and produces a verdict.
type Analyzer interface {
	Analyze(ctx context.Context, investigationID string, al *alert.Alert) (*AnalysisOutcome, error)
}

// Responder turns a verdict into remediation recommendations.
type Responder interface {
	Respond(ctx context.Context, investigationID string, al *alert.Alert, verdict *Verdict) (*ResponseOutcome, error)
}

// Notifier receives terminal investigations for delivery to an external
// channel. Delivery failures never affect the investigation.
type Notifier interface {
	Notify(ctx context.Context, inv *Investigation) error
}

// SubmitResult is the outcome of submitting an alert for investigation.
type SubmitResult struct {
	ID      string
	Skipped bool
	Reason  string
}

// ServiceConfig bounds the service's behaviour.
type ServiceConfig struct {
	// Timeout caps one full investigation. Steps not yet started when it
	// fires are abandoned. Defaults to 10m.
	Timeout time.Duration
	// Retain keeps completed investigations queryable before eviction.
	// Defaults to 1h.
	Retain time.Duration
	// DefaultSources seeds DefaultPlan when a submission carries no plan.
	DefaultSources []string
}

type invKey struct {
	tenantID string
	id       string
}

// Service is the business boundary for investigations. It owns dedup,
// lifecycle, and the execute/analyze/respond pipeline. Records live in an
// in-memory arena keyed by tenant and are evicted after completion.
type Service struct {
	executor  Executor
	analyzer  Analyzer
	responder Responder
	bus       *agent.Bus
	logger    log.Logger
	metrics   *Metrics
	notifier  Notifier
	registry  *agent.Registry
	cfg       ServiceConfig

	mu   sync.RWMutex
	invs map[invKey]*Investigation
	byFP map[invKey]string // fingerprint -> investigation id
}

// NewService creates a new investigation service. metrics may be nil.
func NewService(executor Executor, analyzer Analyzer, responder Responder, bus *agent.Bus, logger log.Logger, metrics *Metrics, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.Retain <= 0 {
		cfg.Retain = time.Hour
	}
	return &Service{
		executor:  executor,
		analyzer:  analyzer,
		responder: responder,
		bus:       bus,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		invs:      make(map[invKey]*Investigation),
		byFP:      make(map[invKey]string),
	}
}

// SetNotifier installs an optional terminal-state notifier. Call before the
// first Submit.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetRegistry installs an optional agent registry; the service transitions
// each agent between busy and idle around its pipeline phase. Call before
// the first Submit.
func (s *Service) SetRegistry(r *agent.Registry) { s.registry = r }

// markAgent records a lifecycle transition for pipeline collaborators that
// are registered agents. Plain mocks and adapters are skipped.
func (s *Service) markAgent(v any, state agent.State) {
	if s.registry == nil {
		return
	}
	if ag, ok := v.(agent.Agent); ok {
		_ = s.registry.SetState(ag.ID(), state)
	}
}

// Submit accepts an alert for investigation, handling dedup and lifecycle.
// plan may be nil, in which case the default plan is built from the alert.
// The plan is validated before anything runs.
func (s *Service) Submit(ctx context.Context, al *alert.Alert, plan *Plan) (*SubmitResult, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, fault.Newf(fault.KindValidation, "investigation.Submit", "no tenant in context")
	}

	// skip resolved alerts
	if al.Status != "" && al.Status != "firing" {
		return &SubmitResult{Skipped: true, Reason: "not firing"}, nil
	}

	if plan == nil || len(plan.Steps) == 0 {
		plan = DefaultPlan(al, s.cfg.DefaultSources)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	fpKey := invKey{tenantID: tenantID, id: al.Fingerprint}
	if existingID, ok := s.byFP[fpKey]; ok {
		if existing := s.invs[invKey{tenantID: tenantID, id: existingID}]; existing != nil &&
			(existing.Status == StatusPending || existing.Status == StatusRunning) {
			s.mu.Unlock()
			return &SubmitResult{ID: existingID, Skipped: true, Reason: "duplicate"}, nil
		}
	}

	id := ulid.Make().String()
	inv := &Investigation{
		ID:          id,
		TenantID:    tenantID,
		Status:      StatusPending,
		Alert:       al,
		AlertName:   al.Name(),
		Severity:    al.SeverityOrLabel(),
		Fingerprint: al.Fingerprint,
		CreatedAt:   time.Now().UTC(),
	}
	s.invs[invKey{tenantID: tenantID, id: id}] = inv
	s.byFP[fpKey] = id
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.Submitted.Inc()
	}

	// async run - carry values (tenant, trace) but not the caller's deadline
	go s.run(context.WithoutCancel(ctx), tenantID, id, al, plan)

	return &SubmitResult{ID: id}, nil
}

// Get retrieves an investigation by id for the tenant in context. The
// returned value is a copy.
func (s *Service) Get(ctx context.Context, id string) (*Investigation, bool, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, false, fault.Newf(fault.KindValidation, "investigation.Get", "no tenant in context")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invs[invKey{tenantID: tenantID, id: id}]
	if !ok {
		return nil, false, nil
	}
	cp := *inv
	return &cp, true, nil
}

// List returns the tenant's investigations, newest first.
func (s *Service) List(ctx context.Context) ([]*Investigation, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, fault.Newf(fault.KindValidation, "investigation.List", "no tenant in context")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Investigation
	for k, inv := range s.invs {
		if k.tenantID != tenantID {
			continue
		}
		cp := *inv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Service) run(ctx context.Context, tenantID, id string, al *alert.Alert, plan *Plan) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "investigation.run")
	span.SetAttributes(attribute.String("investigation.id", id))
	defer span.End()

	L := s.logger.With("investigation_id", id, "alert", al.Name())
	start := time.Now()
	key := invKey{tenantID: tenantID, id: id}

	s.setStatus(key, StatusRunning)

	s.markAgent(s.executor, agent.StateBusy)
	exec, err := s.executor.ExecutePlan(ctx, id, al, plan)
	s.markAgent(s.executor, agent.StateIdle)
	if err != nil {
		L.Error(ctx, err, "execution failed")
		s.finish(ctx, key, func(inv *Investigation) {
			inv.Status = StatusFailed
			inv.Error = err.Error()
			if exec != nil {
				inv.Summary = &exec.Summary
				inv.Adaptations = exec.Adaptations
			}
		}, start)
		return
	}

	s.markAgent(s.analyzer, agent.StateBusy)
	analysis, err := s.analyzer.Analyze(ctx, id, al)
	s.markAgent(s.analyzer, agent.StateIdle)
	if err != nil {
		// the analyzer degrades internally; an error here means even the
		// requires_review fallback could not be produced
		L.Error(ctx, err, "analysis failed")
		s.finish(ctx, key, func(inv *Investigation) {
			inv.Status = StatusFailed
			inv.Error = err.Error()
			inv.Summary = &exec.Summary
			inv.Adaptations = exec.Adaptations
		}, start)
		return
	}
	s.publish(ctx, agent.EventVerdictReady, id, map[string]any{
		"classification": string(analysis.Verdict.Classification),
		"risk_score":     analysis.Verdict.RiskScore,
		"confidence":     analysis.Verdict.Confidence,
	})

	s.markAgent(s.responder, agent.StateBusy)
	resp, err := s.responder.Respond(ctx, id, al, analysis.Verdict)
	s.markAgent(s.responder, agent.StateIdle)
	if err != nil {
		L.Error(ctx, err, "response generation failed")
		s.finish(ctx, key, func(inv *Investigation) {
			inv.Status = StatusFailed
			inv.Error = err.Error()
			inv.Verdict = analysis.Verdict
			inv.Summary = &exec.Summary
			inv.Adaptations = exec.Adaptations
		}, start)
		return
	}

	s.finish(ctx, key, func(inv *Investigation) {
		inv.Status = StatusCompleted
		inv.Verdict = analysis.Verdict
		inv.Recommendations = resp.Recommendations
		inv.Approvals = resp.Approvals
		inv.ResponsePlan = resp.Plan
		inv.Summary = &exec.Summary
		inv.Adaptations = exec.Adaptations
	}, start)

	if s.metrics != nil {
		s.metrics.Verdicts.WithLabelValues(string(analysis.Verdict.Classification)).Inc()
	}
	L.Info(ctx, "investigation complete",
		"classification", string(analysis.Verdict.Classification),
		"risk_score", analysis.Verdict.RiskScore,
		"recommendations", len(resp.Recommendations),
		"evidence", exec.Summary.EvidenceCount,
		"duration", time.Since(start).Seconds(),
	)
}

func (s *Service) setStatus(key invKey, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.invs[key]; ok {
		inv.Status = status
	}
}

func (s *Service) finish(ctx context.Context, key invKey, mutate func(*Investigation), start time.Time) {
	s.mu.Lock()
	inv, ok := s.invs[key]
	if ok {
		mutate(inv)
		inv.CompletedAt = time.Now().UTC()
		inv.Duration = time.Since(start).Seconds()
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if s.metrics != nil {
		s.metrics.Completed.WithLabelValues(string(inv.Status)).Inc()
		s.metrics.Duration.Observe(inv.Duration)
	}
	s.publish(ctx, agent.EventInvestigationCompleted, key.id, map[string]any{
		"status":   string(inv.Status),
		"duration": inv.Duration,
	})
	if s.notifier != nil {
		cp := *inv
		go func() {
			if err := s.notifier.Notify(ctx, &cp); err != nil {
				s.logger.Warn(ctx, "notification failed", "investigation_id", cp.ID, "error", err.Error())
			}
		}()
	}

	// keep the record queryable for a while, then evict it together with
	// its bus history
	time.AfterFunc(s.cfg.Retain, func() { s.evict(key) })
}

func (s *Service) evict(key invKey) {
	s.mu.Lock()
	if inv, ok := s.invs[key]; ok {
		delete(s.invs, key)
		fpKey := invKey{tenantID: key.tenantID, id: inv.Fingerprint}
		if s.byFP[fpKey] == key.id {
			delete(s.byFP, fpKey)
		}
	}
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.Evict(key.id)
	}
}

func (s *Service) publish(ctx context.Context, event, investigationID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, agent.Message{
		From:            "investigation-service",
		To:              agent.Broadcast,
		InvestigationID: investigationID,
		Type:            event,
		Data:            data,
	})
}
