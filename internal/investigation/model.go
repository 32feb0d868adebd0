// Package investigation holds the investigation domain model: plans and
// steps, execution records, verdicts, recommendations, and the service that
// drives one alert end-to-end through the agents.
package investigation

import (
	"time"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/fault"
)

// StepType is the kind of work an investigation step performs.
type StepType string

const (
	StepQuery     StepType = "query"
	StepEnrich    StepType = "enrich"
	StepCorrelate StepType = "correlate"
	StepValidate  StepType = "validate"
)

// Step is one unit of an investigation plan. Plans are supplied externally,
// consumed once, and immutable during execution.
type Step struct {
	ID           string         `json:"id"`
	Type         StepType       `json:"type"`
	DataSources  []string       `json:"data_sources,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// Plan is an ordered set of steps forming a dependency DAG.
type Plan struct {
	Steps []Step `json:"steps"`
}

// StepStatus tracks where a step is in its lifecycle.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepRecord is the execution record for one step. Owned exclusively by one
// execution run and discarded at investigation end.
type StepRecord struct {
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	Attempts    int            `json:"attempts"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	FailureKind fault.Kind     `json:"failure_kind,omitempty"`
	Escalated   bool           `json:"escalated,omitempty"`
	Synthetic   bool           `json:"synthetic,omitempty"` // added by adaptation
}

// Classification is the analysis stage's call on an investigation.
type Classification string

const (
	TruePositive   Classification = "true_positive"
	FalsePositive  Classification = "false_positive"
	RequiresReview Classification = "requires_review"
)

// Verdict is produced exactly once per investigation and is immutable;
// re-investigation produces a new Verdict.
type Verdict struct {
	Classification     Classification `json:"classification"`
	Confidence         float64        `json:"confidence"` // [0,1]
	RiskScore          int            `json:"risk_score"` // [0,100]
	Reasoning          string         `json:"reasoning"`
	SupportingEvidence []string       `json:"supporting_evidence,omitempty"`
}

// Tier grades priority and risk.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// Recommendation is a proposed remediation action. AutoExecutable is never
// true when RequiresApproval is true.
type Recommendation struct {
	ID               string   `json:"id"`
	Action           string   `json:"action"`
	Description      string   `json:"description,omitempty"`
	Category         string   `json:"category,omitempty"` // network | account | endpoint | other
	Priority         Tier     `json:"priority"`
	Risk             Tier     `json:"risk"`
	RequiresApproval bool     `json:"requires_approval"`
	AutoExecutable   bool     `json:"auto_executable"`
	Rollback         string   `json:"rollback_procedure"`
	Score            float64  `json:"score"`
	Feasible         bool     `json:"feasible"`
	Annotations      []string `json:"annotations,omitempty"`
}

// Adaptation records one plan adaptation for audit.
type Adaptation struct {
	FailedStepID string    `json:"failed_step_id"`
	Reason       string    `json:"reason"`
	NewStepIDs   []string  `json:"new_step_ids"`
	At           time.Time `json:"at"`
}

// ExecutionSummary aggregates an execution run.
type ExecutionSummary struct {
	TotalSteps     int                 `json:"total_steps"`
	Completed      int                 `json:"completed"`
	Failed         int                 `json:"failed"`
	Adapted        int                 `json:"adapted"`
	EvidenceCount  int                 `json:"evidence_count"`
	UniqueEntities map[string][]string `json:"unique_entities,omitempty"`
	TimelinePhases int                 `json:"timeline_phases"`
	Duration       float64             `json:"duration_seconds"`
}

// ExecutionOutcome is the execution agent's result.
type ExecutionOutcome struct {
	Records     map[string]*StepRecord `json:"records"`
	EvidenceIDs []string               `json:"evidence_ids"`
	Adaptations []Adaptation           `json:"adaptations,omitempty"`
	AdaptedPlan *Plan                  `json:"adapted_plan,omitempty"`
	Summary     ExecutionSummary       `json:"summary"`
}

// AnalysisOutcome is the analysis agent's result.
type AnalysisOutcome struct {
	Verdict    *Verdict       `json:"verdict"`
	Summary    string         `json:"summary,omitempty"`
	Patterns   []string       `json:"patterns,omitempty"`
	Anomalies  []string       `json:"anomalies,omitempty"`
	IntelHits  int            `json:"intel_hits"`
	Techniques []string       `json:"techniques,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ApprovalRequest asks a human to approve one recommendation.
type ApprovalRequest struct {
	RecommendationID string `json:"recommendation_id"`
	Action           string `json:"action"`
	Risk             Tier   `json:"risk"`
	Reason           string `json:"reason"`
}

// ResponsePlan orders the recommended actions for execution.
type ResponsePlan struct {
	Immediate       []string            `json:"immediate"`
	PendingApproval []string            `json:"pending_approval"`
	Order           []string            `json:"order"`
	ParallelGroups  map[string][]string `json:"parallel_groups,omitempty"`
}

// ResponseOutcome is the response agent's result.
type ResponseOutcome struct {
	Recommendations []Recommendation  `json:"recommendations"`
	Impact          map[string]any    `json:"impact_analysis,omitempty"`
	Plan            *ResponsePlan     `json:"execution_plan"`
	Approvals       []ApprovalRequest `json:"approval_requests,omitempty"`
}

// Status tracks where an investigation is in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Investigation is the unit of work covering one alert end-to-end.
type Investigation struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	Status          Status            `json:"status"`
	Alert           *alert.Alert      `json:"alert"`
	AlertName       string            `json:"alert_name"`
	Severity        string            `json:"severity"`
	Fingerprint     string            `json:"fingerprint"`
	Verdict         *Verdict          `json:"verdict,omitempty"`
	Recommendations []Recommendation  `json:"recommendations,omitempty"`
	Approvals       []ApprovalRequest `json:"approval_requests,omitempty"`
	ResponsePlan    *ResponsePlan     `json:"response_plan,omitempty"`
	Summary         *ExecutionSummary `json:"execution_summary,omitempty"`
	Adaptations     []Adaptation      `json:"adaptations,omitempty"`
	Error           string            `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     time.Time         `json:"completed_at,omitempty"`
	Duration        float64           `json:"duration_seconds,omitempty"`
}
