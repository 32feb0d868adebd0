package analysis

import (
	"math"

	"github.com/linnemanlabs/inquest/internal/investigation"
)

// Base risk contributions by preliminary verdict.
const (
	baseRiskTruePositive  = 40
	baseRiskFalsePositive = 10
	baseRiskDefault       = 25

	riskPerIntelHit    = 20
	riskTechniqueBonus = 20
	techniqueRiskFloor = 0.7
	overrideHighRisk   = 70
	overrideLowRisk    = 20
)

// severityFactor scales the raw risk by alert severity.
func severityFactor(severity string) float64 {
	switch severity {
	case "critical":
		return 1.5
	case "high":
		return 1.3
	case "medium":
		return 1.0
	case "low":
		return 0.9
	default:
		return 0.8
	}
}

// synthesizeVerdict combines the preliminary verdict, intel hits and
// technique mapping into the final classification, risk score and
// confidence.
func synthesizeVerdict(core coreResult, intelHits int, tech techniqueResult, severity string) *investigation.Verdict {
	prelim := investigation.Classification(core.PreliminaryVerdict)

	risk := float64(baseRiskDefault)
	switch prelim {
	case investigation.TruePositive:
		risk = baseRiskTruePositive
	case investigation.FalsePositive:
		risk = baseRiskFalsePositive
	}
	risk += float64(intelHits * riskPerIntelHit)
	if tech.Confidence > techniqueRiskFloor {
		risk += riskTechniqueBonus
	}
	risk *= severityFactor(severity)
	score := int(math.Round(risk))
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	classification := prelim
	switch {
	case score >= overrideHighRisk && prelim != investigation.FalsePositive:
		classification = investigation.TruePositive
	case score <= overrideLowRisk && prelim == investigation.FalsePositive:
		classification = investigation.FalsePositive
	}

	confidence := 0.5
	if len(core.Patterns) > 0 {
		confidence += 0.2
	}
	if intelHits > 0 {
		confidence += 0.2
	}
	confidence += 0.3 * tech.Confidence
	if len(core.Anomalies) > 0 {
		confidence += 0.1
	}
	if ambiguous(core, intelHits, tech) {
		confidence -= 0.1
	}
	confidence = math.Max(0, math.Min(1, confidence))

	return &investigation.Verdict{
		Classification: classification,
		Confidence:     confidence,
		RiskScore:      score,
	}
}

// ambiguous reports conflicting signals: a non-malicious preliminary verdict
// alongside positive intel hits, or a malicious one with no corroboration.
func ambiguous(core coreResult, intelHits int, tech techniqueResult) bool {
	prelim := investigation.Classification(core.PreliminaryVerdict)
	if prelim == investigation.FalsePositive && intelHits > 0 {
		return true
	}
	if prelim == investigation.TruePositive && intelHits == 0 && len(core.Patterns) == 0 && tech.Confidence == 0 {
		return true
	}
	return prelim == investigation.RequiresReview && intelHits == 0
}
