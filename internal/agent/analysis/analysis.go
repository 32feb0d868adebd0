// Package analysis implements the analysis agent: it reads the gathered
// evidence and correlations, drives the reasoning provider, enriches
// indicators against threat intelligence, and synthesizes a verdict. Every
// sub-step degrades to a safe default instead of aborting, so the agent
// always returns a result.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/linnemanlabs/inquest/internal/agent"
	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/connector"
	"github.com/linnemanlabs/inquest/internal/evidence"
	"github.com/linnemanlabs/inquest/internal/fault"
	"github.com/linnemanlabs/inquest/internal/investigation"
	"github.com/linnemanlabs/inquest/internal/llm"
)

var tracer = otel.Tracer("github.com/linnemanlabs/inquest/internal/agent/analysis")

const (
	maxIndicators      = 10
	enrichConcurrency  = 3
	maxSupportingItems = 5
	maxDigestItems     = 30
)

// Config bounds the analysis agent.
type Config struct {
	// ProviderTimeout per reasoning call. Defaults to 60s.
	ProviderTimeout time.Duration
	// MaxTokens per reasoning call. Defaults to 2048.
	MaxTokens int
	// IntelSources are the connector names queried for indicator
	// reputation. Empty means every registered connector.
	IntelSources []string
	// RetryBaseDelay between retried provider calls. Defaults to 500ms.
	RetryBaseDelay time.Duration
	// Metrics for the operation envelope. May be nil.
	Metrics *agent.Metrics
}

// Agent is the analysis agent.
type Agent struct {
	id         string
	provider   llm.Provider
	store      evidence.Store
	connectors *connector.Registry
	bus        *agent.Bus
	env        *agent.Envelope
	logger     log.Logger
	cfg        Config
}

// New creates an analysis agent. bus may be nil.
func New(id string, provider llm.Provider, store evidence.Store, connectors *connector.Registry, bus *agent.Bus, logger log.Logger, cfg Config) *Agent {
	if id == "" {
		id = "analysis-agent"
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &Agent{
		id:         id,
		provider:   provider,
		store:      store,
		connectors: connectors,
		bus:        bus,
		env: agent.NewEnvelope(logger, cfg.Metrics, agent.EnvelopeConfig{
			MaxAttempts: 2,
			BaseDelay:   cfg.RetryBaseDelay,
		}),
		logger: logger,
		cfg:    cfg,
	}
}

func (a *Agent) ID() string   { return a.id }
func (a *Agent) Type() string { return "analysis" }

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

// coreResult is the parsed output of the core reasoning pass.
type coreResult struct {
	Summary            string   `json:"summary"`
	Severity           string   `json:"severity"`
	Patterns           []string `json:"patterns"`
	Anomalies          []string `json:"anomalies"`
	PreliminaryVerdict string   `json:"preliminary_verdict"`
}

// techniqueResult is the parsed output of the technique mapping pass.
type techniqueResult struct {
	Techniques []string `json:"techniques"`
	Confidence float64  `json:"confidence"`
}

// Analyze runs the three-stage pipeline and synthesizes the verdict. The
// returned error is non-nil only when the evidence store itself is
// unreadable; reasoning and enrichment failures degrade instead.
func (a *Agent) Analyze(ctx context.Context, investigationID string, al *alert.Alert) (*investigation.AnalysisOutcome, error) {
	ctx, span := tracer.Start(ctx, "analysis.Analyze")
	defer span.End()
	span.SetAttributes(attribute.String("inquest.investigation.id", investigationID))

	items, err := a.store.List(ctx, investigationID, evidence.Filter{})
	if err != nil {
		return nil, fault.Wrap(fault.KindOf(err), "analysis.Analyze", err)
	}
	corrs, err := a.store.ListCorrelations(ctx, investigationID)
	if err != nil {
		return nil, fault.Wrap(fault.KindOf(err), "analysis.Analyze", err)
	}
	timeline := evidence.BuildTimeline(items)

	core := a.coreAnalysis(ctx, al, items, corrs, timeline)

	indicators := extractIndicators(items, maxIndicators)
	intelHits := a.enrichIndicators(ctx, investigationID, indicators)

	techniques := a.mapTechniques(ctx, al, items)

	verdict := synthesizeVerdict(core, intelHits, techniques, severityOf(core, al))
	verdict.SupportingEvidence = supportingEvidence(items)
	verdict.Reasoning = a.reasoning(ctx, al, verdict, core, intelHits, techniques)

	a.logger.Info(ctx, "analysis complete",
		"investigation_id", investigationID,
		"classification", string(verdict.Classification),
		"risk_score", verdict.RiskScore,
		"confidence", verdict.Confidence,
		"intel_hits", intelHits,
		"techniques", len(techniques.Techniques),
	)

	return &investigation.AnalysisOutcome{
		Verdict:    verdict,
		Summary:    core.Summary,
		Patterns:   core.Patterns,
		Anomalies:  core.Anomalies,
		IntelHits:  intelHits,
		Techniques: techniques.Techniques,
		Metadata: map[string]any{
			"evidence_count":    len(items),
			"correlation_count": len(corrs),
			"timeline_phases":   len(timeline.Phases),
			"indicators":        len(indicators),
		},
	}, nil
}

// coreAnalysis asks the reasoning provider for summary, patterns, anomalies
// and a preliminary verdict. Any failure degrades to requires_review.
func (a *Agent) coreAnalysis(ctx context.Context, al *alert.Alert, items []*evidence.Item, corrs []*evidence.Correlation, tl *evidence.Timeline) coreResult {
	degraded := coreResult{
		Severity:           al.SeverityOrLabel(),
		PreliminaryVerdict: string(investigation.RequiresReview),
	}

	prompt := buildAnalysisPrompt(al, items, corrs, tl)
	text, err := a.callModel(ctx, "core_analysis", []llm.Message{{Role: "user", Content: prompt}}, llm.Options{
		System:    analysisSystemPrompt,
		MaxTokens: a.cfg.MaxTokens,
		Timeout:   a.cfg.ProviderTimeout,
	})
	if err != nil {
		a.logger.Warn(ctx, "core analysis degraded to requires_review", "error", err.Error())
		return degraded
	}

	var out coreResult
	if err := json.Unmarshal(extractJSON(text), &out); err != nil {
		a.logger.Warn(ctx, "core analysis returned malformed output, degrading", "error", err.Error())
		return degraded
	}
	switch out.PreliminaryVerdict {
	case string(investigation.TruePositive), string(investigation.FalsePositive), string(investigation.RequiresReview):
	default:
		out.PreliminaryVerdict = string(investigation.RequiresReview)
	}
	if out.Severity == "" {
		out.Severity = degraded.Severity
	}
	return out
}

// mapTechniques asks the provider to map evidence onto attack techniques,
// degrading to an empty zero-confidence result.
func (a *Agent) mapTechniques(ctx context.Context, al *alert.Alert, items []*evidence.Item) techniqueResult {
	if len(items) == 0 {
		return techniqueResult{}
	}
	prompt := buildTechniquePrompt(al, items)
	text, err := a.callModel(ctx, "technique_mapping", []llm.Message{{Role: "user", Content: prompt}}, llm.Options{
		System:    techniqueSystemPrompt,
		MaxTokens: a.cfg.MaxTokens,
		Timeout:   a.cfg.ProviderTimeout,
	})
	if err != nil {
		a.logger.Warn(ctx, "technique mapping degraded to empty", "error", err.Error())
		return techniqueResult{}
	}
	var out techniqueResult
	if err := json.Unmarshal(extractJSON(text), &out); err != nil {
		return techniqueResult{}
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		out.Confidence = 0
	}
	return out
}

// reasoning generates the verdict rationale, falling back to a deterministic
// summary when generation fails.
func (a *Agent) reasoning(ctx context.Context, al *alert.Alert, v *investigation.Verdict, core coreResult, intelHits int, tech techniqueResult) string {
	prompt := fmt.Sprintf(
		"Write a short analyst-facing rationale for classifying alert %q as %s (risk %d/100, confidence %.2f). Patterns: %s. Anomalies: %s. Malicious intel hits: %d. Techniques: %s.",
		al.Name(), v.Classification, v.RiskScore, v.Confidence,
		strings.Join(core.Patterns, "; "), strings.Join(core.Anomalies, "; "),
		intelHits, strings.Join(tech.Techniques, ", "),
	)
	text, err := a.callModel(ctx, "verdict_reasoning", []llm.Message{{Role: "user", Content: prompt}}, llm.Options{
		MaxTokens: 512,
		Timeout:   a.cfg.ProviderTimeout,
	})
	if err == nil && strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}
	return fmt.Sprintf(
		"Classified %s with risk score %d/100 and confidence %.2f based on %d malicious intel hits, %d mapped techniques and preliminary verdict %s.",
		v.Classification, v.RiskScore, v.Confidence, intelHits, len(tech.Techniques), core.PreliminaryVerdict,
	)
}

func severityOf(core coreResult, al *alert.Alert) string {
	if core.Severity != "" {
		return core.Severity
	}
	return al.SeverityOrLabel()
}

// supportingEvidence picks the highest-quality item ids.
func supportingEvidence(items []*evidence.Item) []string {
	sorted := append([]*evidence.Item(nil), items...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].QualityScore != sorted[j].QualityScore {
			return sorted[i].QualityScore > sorted[j].QualityScore
		}
		return sorted[i].ID < sorted[j].ID
	})
	if len(sorted) > maxSupportingItems {
		sorted = sorted[:maxSupportingItems]
	}
	out := make([]string, 0, len(sorted))
	for _, it := range sorted {
		out = append(out, it.ID)
	}
	return out
}

const analysisSystemPrompt = `You are a security analyst reviewing evidence gathered for an alert investigation.
Respond with a single JSON object: {"summary": string, "severity": "critical"|"high"|"medium"|"low", "patterns": [string], "anomalies": [string], "preliminary_verdict": "true_positive"|"false_positive"|"requires_review"}.`

const techniqueSystemPrompt = `You map security evidence to MITRE ATT&CK techniques.
Respond with a single JSON object: {"techniques": ["T1566", ...], "confidence": number between 0 and 1}.`

func buildAnalysisPrompt(al *alert.Alert, items []*evidence.Item, corrs []*evidence.Correlation, tl *evidence.Timeline) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert: %s (severity %s, source %s)\n", al.Name(), al.SeverityOrLabel(), al.Source)
	if al.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", al.Title)
	}
	fmt.Fprintf(&b, "\nEvidence (%d items", len(items))
	if len(items) > maxDigestItems {
		fmt.Fprintf(&b, ", first %d shown", maxDigestItems)
	}
	b.WriteString("):\n")
	for i, it := range items {
		if i >= maxDigestItems {
			break
		}
		data, _ := json.Marshal(it.Data)
		fmt.Fprintf(&b, "- [%s] %s from %s at %s confidence=%.2f quality=%.2f: %s\n",
			it.ID, it.Type, it.Source, it.Timestamp.Format(time.RFC3339), it.Confidence, it.QualityScore, truncate(string(data), 300))
	}
	if len(corrs) > 0 {
		fmt.Fprintf(&b, "\nCorrelations (%d):\n", len(corrs))
		for _, c := range corrs {
			fmt.Fprintf(&b, "- %s strength=%.2f: %s\n", c.Type, c.Strength, c.Description)
		}
	}
	if len(tl.Phases) > 0 {
		fmt.Fprintf(&b, "\nTimeline: %d phases over %s\n", len(tl.Phases), tl.Span.Round(time.Second))
	}
	return b.String()
}

func buildTechniquePrompt(al *alert.Alert, items []*evidence.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert: %s\nEvidence types and tags:\n", al.Name())
	for i, it := range items {
		if i >= maxDigestItems {
			break
		}
		fmt.Fprintf(&b, "- %s (tags: %s)\n", it.Type, strings.Join(it.Tags, ", "))
	}
	return b.String()
}

// extractJSON pulls the first balanced JSON object out of provider output,
// tolerating surrounding prose or fencing.
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
