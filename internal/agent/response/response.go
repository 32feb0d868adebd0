// Package response implements the response agent: it turns a verdict into
// prioritized, risk-tiered, approval-gated remediation recommendations with
// rollback procedures and an execution plan.
package response

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/linnemanlabs/inquest/internal/agent"
	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/evidence"
	"github.com/linnemanlabs/inquest/internal/fault"
	"github.com/linnemanlabs/inquest/internal/investigation"
	"github.com/linnemanlabs/inquest/internal/llm"
)

var tracer = otel.Tracer("github.com/linnemanlabs/inquest/internal/agent/response")

// Config bounds the response agent.
type Config struct {
	// ProviderTimeout per reasoning call. Defaults to 30s.
	ProviderTimeout time.Duration
	// MaxTokens per reasoning call. Defaults to 1024.
	MaxTokens int
	// RetryBaseDelay between retried provider calls. Defaults to 500ms.
	RetryBaseDelay time.Duration
	// Metrics for the operation envelope. May be nil.
	Metrics *agent.Metrics
}

// Agent is the response agent.
type Agent struct {
	id       string
	provider llm.Provider
	store    evidence.Store
	policy   Policy
	bus      *agent.Bus
	env      *agent.Envelope
	logger   log.Logger
	cfg      Config
	now      func() time.Time
}

// New creates a response agent. bus may be nil.
func New(id string, provider llm.Provider, store evidence.Store, policy Policy, bus *agent.Bus, logger log.Logger, cfg Config) *Agent {
	if id == "" {
		id = "response-agent"
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Agent{
		id:       id,
		provider: provider,
		store:    store,
		policy:   policy,
		bus:      bus,
		env: agent.NewEnvelope(logger, cfg.Metrics, agent.EnvelopeConfig{
			MaxAttempts: 2,
			BaseDelay:   cfg.RetryBaseDelay,
		}),
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

func (a *Agent) ID() string   { return a.id }
func (a *Agent) Type() string { return "response" }

// callModel runs one provider call under the agent envelope so transient
// failures are retried and the attempt shows up in the operation metrics.
func (a *Agent) callModel(ctx context.Context, op string, msgs []llm.Message, opts llm.Options) (string, error) {
	var text string
	err := a.env.Do(ctx, a.id, op, func(ctx context.Context) error {
		out, err := a.provider.CallModel(ctx, msgs, opts)
		text = out
		return err
	})
	return text, err
}

// Respond produces the recommendation set for a verdict. False positives
// short-circuit to a single close-alert recommendation; otherwise
// candidates come from the reasoning provider with a deterministic
// rule-based fallback, so the list is never empty.
func (a *Agent) Respond(ctx context.Context, investigationID string, al *alert.Alert, verdict *investigation.Verdict) (*investigation.ResponseOutcome, error) {
	if verdict == nil {
		return nil, fault.Newf(fault.KindValidation, "response.Respond", "nil verdict")
	}

	ctx, span := tracer.Start(ctx, "response.Respond")
	defer span.End()
	span.SetAttributes(
		attribute.String("inquest.investigation.id", investigationID),
		attribute.String("inquest.verdict", string(verdict.Classification)),
	)

	if verdict.Classification == investigation.FalsePositive {
		rec := a.build(candidate{
			action:      "close_alert",
			description: "Close the alert as a confirmed false positive.",
		}, verdict)
		// closing a false positive is the one action that is always safe
		rec.RequiresApproval = false
		rec.AutoExecutable = true
		out := &investigation.ResponseOutcome{
			Recommendations: []investigation.Recommendation{rec},
			Plan: &investigation.ResponsePlan{
				Immediate: []string{rec.ID},
				Order:     []string{rec.ID},
			},
			Impact: map[string]any{"alerts_closed": 1},
		}
		a.logger.Info(ctx, "false positive short-circuit", "investigation_id", investigationID)
		return out, nil
	}

	candidates := a.generateCandidates(ctx, al, verdict)
	if len(candidates) == 0 {
		candidates = fallbackCandidates(al, verdict)
	}

	recs := make([]investigation.Recommendation, 0, len(candidates))
	for _, c := range candidates {
		recs = append(recs, a.build(c, verdict))
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Score > recs[j].Score })

	impact := impactAnalysis(recs, verdict)
	if stats, err := a.store.Stats(ctx, investigationID); err == nil {
		impact["evidence_considered"] = stats.Total
	}

	out := &investigation.ResponseOutcome{
		Recommendations: recs,
		Plan:            buildExecutionPlan(recs),
		Impact:          impact,
	}
	for _, rec := range recs {
		if rec.RequiresApproval {
			out.Approvals = append(out.Approvals, investigation.ApprovalRequest{
				RecommendationID: rec.ID,
				Action:           rec.Action,
				Risk:             rec.Risk,
				Reason:           approvalReason(rec),
			})
		}
	}

	a.logger.Info(ctx, "response generated",
		"investigation_id", investigationID,
		"recommendations", len(recs),
		"approvals", len(out.Approvals),
		"immediate", len(out.Plan.Immediate),
	)
	return out, nil
}

// build assembles one recommendation: catalog profile, score, feasibility,
// rollback and approval gating.
func (a *Agent) build(c candidate, verdict *investigation.Verdict) investigation.Recommendation {
	info := infoFor(c.action)
	rec := investigation.Recommendation{
		ID:          ulid.Make().String(),
		Action:      c.action,
		Description: c.description,
		Category:    info.category,
		Priority:    info.priority,
		Risk:        info.risk,
		Rollback:    info.rollback,
		Feasible:    true,
	}
	if rec.Rollback == "" {
		rec.Rollback = genericRollback
	}

	// feasibility: infeasible actions stay in the list, downgraded and
	// annotated
	if a.policy.denied(c.action) {
		rec.Feasible = false
		rec.Annotations = append(rec.Annotations, "denied by policy")
	}
	if !a.policy.systemAvailable(info.system) {
		rec.Feasible = false
		rec.Annotations = append(rec.Annotations, "required system unavailable: "+info.system)
	}
	if !rec.Feasible {
		rec.Priority = downgrade(rec.Priority)
	}

	rec.Score = a.score(rec, verdict)
	a.gate(&rec, verdict)
	return rec
}

var tierWeight = map[investigation.Tier]float64{
	investigation.TierLow:      1,
	investigation.TierMedium:   2,
	investigation.TierHigh:     3,
	investigation.TierCritical: 4,
}

// score orders recommendations: urgency from priority, preference for
// lower-risk actions, boosts from verdict confidence and risk, and a
// time-of-day adjustment favoring reversible actions out of hours.
func (a *Agent) score(rec investigation.Recommendation, verdict *investigation.Verdict) float64 {
	score := tierWeight[rec.Priority] * 2
	score += 5 - tierWeight[rec.Risk] // inverse risk weight
	score += verdict.Confidence
	if verdict.RiskScore >= 70 && rec.Category != "other" {
		score += 1
	}
	if !a.policy.withinBusinessHours(a.now().Hour()) && tierWeight[rec.Risk] >= 3 {
		score -= 0.5
	}
	if !rec.Feasible {
		score -= 2
	}
	return score
}

// gate applies the approval rules. High or critical risk always requires
// approval and never auto-executes.
func (a *Agent) gate(rec *investigation.Recommendation, verdict *investigation.Verdict) {
	switch {
	case rec.Risk == investigation.TierHigh || rec.Risk == investigation.TierCritical:
		rec.RequiresApproval = true
	case a.policy.forced(rec.Action):
		rec.RequiresApproval = true
	case verdict.Confidence < a.policy.MinConfidence:
		rec.RequiresApproval = true
	case rec.Risk == investigation.TierMedium && a.policy.withinBusinessHours(a.now().Hour()):
		rec.RequiresApproval = true
	}

	if !rec.RequiresApproval && rec.Feasible &&
		rec.Risk == investigation.TierLow &&
		verdict.Confidence >= a.policy.MinConfidence &&
		a.policy.allowlisted(rec.Action) {
		rec.AutoExecutable = true
	}
	if rec.RequiresApproval {
		rec.AutoExecutable = false
	}
}

func downgrade(t investigation.Tier) investigation.Tier {
	switch t {
	case investigation.TierCritical:
		return investigation.TierHigh
	case investigation.TierHigh:
		return investigation.TierMedium
	default:
		return investigation.TierLow
	}
}

func approvalReason(rec investigation.Recommendation) string {
	if rec.Risk == investigation.TierHigh || rec.Risk == investigation.TierCritical {
		return fmt.Sprintf("%s risk action %s requires sign-off", rec.Risk, rec.Action)
	}
	return fmt.Sprintf("action %s is gated by policy", rec.Action)
}

// buildExecutionPlan separates immediate from pending-approval actions and
// groups parallelizable work by category.
func buildExecutionPlan(recs []investigation.Recommendation) *investigation.ResponsePlan {
	plan := &investigation.ResponsePlan{ParallelGroups: map[string][]string{}}
	for _, rec := range recs {
		plan.Order = append(plan.Order, rec.ID)
		if rec.AutoExecutable {
			plan.Immediate = append(plan.Immediate, rec.ID)
		} else if rec.RequiresApproval {
			plan.PendingApproval = append(plan.PendingApproval, rec.ID)
		}
		if rec.Category == "network" || rec.Category == "account" || rec.Category == "endpoint" {
			plan.ParallelGroups[rec.Category] = append(plan.ParallelGroups[rec.Category], rec.ID)
		}
	}
	if len(plan.ParallelGroups) == 0 {
		plan.ParallelGroups = nil
	}
	return plan
}

func impactAnalysis(recs []investigation.Recommendation, verdict *investigation.Verdict) map[string]any {
	byCategory := map[string]int{}
	infeasible := 0
	for _, rec := range recs {
		byCategory[rec.Category]++
		if !rec.Feasible {
			infeasible++
		}
	}
	return map[string]any{
		"actions":      len(recs),
		"by_category":  byCategory,
		"infeasible":   infeasible,
		"verdict_risk": verdict.RiskScore,
	}
}

// generateCandidates asks the reasoning provider for actions, tolerating
// failure and malformed output.
func (a *Agent) generateCandidates(ctx context.Context, al *alert.Alert, verdict *investigation.Verdict) []candidate {
	prompt := fmt.Sprintf(
		"Alert %q was classified %s with risk %d/100 and confidence %.2f. Entities: %s. Propose remediation actions.",
		al.Name(), verdict.Classification, verdict.RiskScore, verdict.Confidence, describeEntities(al),
	)
	text, err := a.callModel(ctx, "generate_candidates", []llm.Message{{Role: "user", Content: prompt}}, llm.Options{
		System:    responseSystemPrompt,
		MaxTokens: a.cfg.MaxTokens,
		Timeout:   a.cfg.ProviderTimeout,
	})
	if err != nil {
		a.logger.Warn(ctx, "candidate generation degraded to rule fallback", "error", err.Error())
		return nil
	}

	var parsed struct {
		Actions []struct {
			Action      string `json:"action"`
			Description string `json:"description"`
			Target      string `json:"target"`
		} `json:"actions"`
	}
	if err := json.Unmarshal(extractJSON(text), &parsed); err != nil {
		return nil
	}
	var out []candidate
	for _, item := range parsed.Actions {
		if item.Action == "" {
			continue
		}
		out = append(out, candidate{
			action:      item.Action,
			description: item.Description,
			target:      item.Target,
		})
	}
	return out
}

const responseSystemPrompt = `You recommend remediation actions for confirmed security incidents.
Known actions: block_ip, block_domain, isolate_endpoint, quarantine_file, reset_password, disable_account, close_alert, manual_review.
Respond with a single JSON object: {"actions": [{"action": string, "description": string, "target": string}]}.`

func describeEntities(al *alert.Alert) string {
	if len(al.Entities) == 0 {
		return "none"
	}
	var parts []string
	for et, vals := range al.Entities {
		parts = append(parts, et+"="+strings.Join(vals, ","))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

// extractJSON pulls the first balanced JSON object out of provider output.
func extractJSON(text string) []byte {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return []byte(text)
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return []byte(text[start : i+1])
			}
		}
	}
	return []byte(text[start:])
}
