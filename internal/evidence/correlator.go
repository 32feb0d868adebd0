package evidence

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var correlatorTracer = otel.Tracer("github.com/linnemanlabs/inquest/internal/evidence")

// minCorrelationStrength is the floor below which a pairwise correlation is
// not recorded.
const minCorrelationStrength = 0.3

// correlationNamespace seeds deterministic correlation ids so re-inserting
// the same tuple produces the same row.
var correlationNamespace = uuid.MustParse("7d4a1c3e-9b2f-4e8d-a6c5-0f1e2d3c4b5a")

// causalRule describes an expected cause->effect transition between
// evidence types within a delay window.
type causalRule struct {
	fromType string
	toType   string
	maxDelay time.Duration
	base     float64
}

var causalRules = []causalRule{
	{"auth_event", "process_event", 30 * time.Minute, 0.70},
	{"process_event", "network_flow", 10 * time.Minute, 0.80},
	{"process_event", "file_event", 10 * time.Minute, 0.75},
	{"file_event", "network_flow", 15 * time.Minute, 0.70},
	{"dns_query", "network_flow", 5 * time.Minute, 0.75},
	{"alert", "auth_event", time.Hour, 0.50},
}

// attackChain is a named ordered sequence of attack steps. An evidence item
// matches a step when its type equals the step name or a tag carries it.
type attackChain struct {
	name  string
	steps []string
}

var attackChains = []attackChain{
	{"credential_access", []string{"phishing", "brute_force", "credential_use"}},
	{"malware_execution", []string{"delivery", "execution", "persistence"}},
	{"data_exfiltration", []string{"collection", "staging", "exfiltration"}},
}

// Lateral movement: successive host-to-host activity gaps must fall in this
// window to count as one chain.
const (
	lateralMinGap = 60 * time.Second
	lateralMaxGap = 24 * time.Hour
)

// Correlator produces pairwise and multi-item correlations after each
// insertion. It rescans all prior evidence in the investigation per call;
// the store's filterable List keeps an index swap possible behind the same
// contract if item counts grow past the low thousands.
type Correlator struct {
	store  Store
	logger log.Logger
}

// NewCorrelator creates a correlator over the given store.
func NewCorrelator(store Store, logger log.Logger) *Correlator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Correlator{store: store, logger: logger}
}

// AnalyzeCorrelations evaluates the newly inserted item against every prior
// item in the investigation and, once three or more items exist, the
// multi-item patterns. Discovered correlations are persisted idempotently
// and returned.
func (c *Correlator) AnalyzeCorrelations(ctx context.Context, investigationID, newEvidenceID string) ([]*Correlation, error) {
	ctx, span := correlatorTracer.Start(ctx, "correlator.AnalyzeCorrelations")
	defer span.End()
	span.SetAttributes(
		attribute.String("inquest.investigation.id", investigationID),
		attribute.String("inquest.evidence.id", newEvidenceID),
	)

	items, err := c.store.List(ctx, investigationID, Filter{})
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}

	var newItem *Item
	for _, it := range items {
		if it.ID == newEvidenceID {
			newItem = it
			break
		}
	}
	if newItem == nil {
		return nil, fmt.Errorf("evidence %s not found in investigation %s", newEvidenceID, investigationID)
	}

	var found []*Correlation
	for _, prior := range items {
		if prior.ID == newItem.ID {
			continue
		}
		found = append(found, c.pairwise(prior, newItem)...)
	}

	if len(items) >= 3 {
		if chain := c.detectAttackChains(items); chain != nil {
			found = append(found, chain...)
		}
		if lm := c.detectLateralMovement(items); lm != nil {
			found = append(found, lm)
		}
	}

	stored := make([]*Correlation, 0, len(found))
	for _, corr := range found {
		corr.InvestigationID = investigationID
		corr.ID = correlationID(corr)
		corr.CreatedAt = time.Now().UTC()
		if err := c.store.PutCorrelation(ctx, corr); err != nil {
			return stored, fmt.Errorf("store correlation %s: %w", corr.Type, err)
		}
		stored = append(stored, corr)
	}

	c.logger.Info(ctx, "correlation pass complete",
		"investigation_id", investigationID,
		"evidence_id", newEvidenceID,
		"evidence_count", len(items),
		"correlations", len(stored),
	)
	return stored, nil
}

// pairwise evaluates all four pairwise dimensions between two items and
// returns those above the recording floor.
func (c *Correlator) pairwise(a, b *Item) []*Correlation {
	var out []*Correlation
	if corr := temporalCorrelation(a, b); corr != nil {
		out = append(out, corr)
	}
	if corr := entityCorrelation(a, b); corr != nil {
		out = append(out, corr)
	}
	if corr := behavioralCorrelation(a, b); corr != nil {
		out = append(out, corr)
	}
	if corr := causalCorrelation(a, b); corr != nil {
		out = append(out, corr)
	}
	return out
}

func temporalCorrelation(a, b *Item) *Correlation {
	gap := b.Timestamp.Sub(a.Timestamp)
	if gap < 0 {
		gap = -gap
	}
	var strength float64
	switch {
	case gap <= 60*time.Second:
		strength = 0.9
	case gap <= 5*time.Minute:
		strength = 0.7
	case gap <= time.Hour:
		strength = 0.5
	case gap <= 24*time.Hour:
		strength = 0.3
	default:
		strength = 0.1
	}
	if strength <= minCorrelationStrength {
		return nil
	}
	return &Correlation{
		Type:        CorrelationTemporal,
		EvidenceIDs: []string{a.ID, b.ID},
		Strength:    strength,
		Description: fmt.Sprintf("events %s apart", gap.Round(time.Second)),
		Metadata:    map[string]any{"gap_seconds": gap.Seconds()},
	}
}

func entityCorrelation(a, b *Item) *Correlation {
	setA := entityKeySet(a)
	setB := entityKeySet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return nil
	}

	var shared []string
	criticalOverlap := false
	union := len(setA)
	for k := range setB {
		if _, ok := setA[k]; ok {
			shared = append(shared, k)
			et, _, _ := strings.Cut(k, ":")
			if CriticalEntity(EntityType(et)) {
				criticalOverlap = true
			}
		} else {
			union++
		}
	}
	if len(shared) == 0 {
		return nil
	}

	strength := float64(len(shared)) / float64(union)
	if criticalOverlap {
		strength = math.Min(1.0, strength*1.5)
	}
	if strength <= minCorrelationStrength {
		return nil
	}
	sort.Strings(shared)
	return &Correlation{
		Type:        CorrelationEntity,
		EvidenceIDs: []string{a.ID, b.ID},
		Strength:    strength,
		Description: fmt.Sprintf("%d shared entities", len(shared)),
		Metadata:    map[string]any{"shared_entities": shared, "critical_overlap": criticalOverlap},
	}
}

func behavioralCorrelation(a, b *Item) *Correlation {
	var strength float64
	var reasons []string

	if sharedTagWithPrefix(a.Tags, b.Tags, "technique:") {
		strength += 0.4
		reasons = append(reasons, "shared technique")
	}
	if sharedTagWithPrefix(a.Tags, b.Tags, "tactic:") {
		strength += 0.3
		reasons = append(reasons, "shared tactic")
	}
	if a.Type == b.Type {
		strength += 0.2
		reasons = append(reasons, "same evidence type")
	}
	if sevA, okA := a.Metadata["severity"].(string); okA {
		if sevB, okB := b.Metadata["severity"].(string); okB && sevA == sevB {
			strength += 0.1
			reasons = append(reasons, "same severity")
		}
	}
	strength += 0.3 * fieldPatternSimilarity(a.Data, b.Data)

	strength = math.Min(1.0, strength)
	if strength <= minCorrelationStrength {
		return nil
	}
	return &Correlation{
		Type:        CorrelationBehavioral,
		EvidenceIDs: []string{a.ID, b.ID},
		Strength:    strength,
		Description: strings.Join(reasons, ", "),
	}
}

func causalCorrelation(a, b *Item) *Correlation {
	// orient cause -> effect by timestamp.
	cause, effect := a, b
	if effect.Timestamp.Before(cause.Timestamp) {
		cause, effect = effect, cause
	}
	gap := effect.Timestamp.Sub(cause.Timestamp)

	for _, rule := range causalRules {
		if cause.Type != rule.fromType || effect.Type != rule.toType {
			continue
		}
		if gap > rule.maxDelay {
			continue
		}
		// linear decay to zero at maxDelay.
		strength := rule.base * (1 - gap.Seconds()/rule.maxDelay.Seconds())
		if gap <= 30*time.Minute && len(sharedEntityKeys(cause, effect)) > 0 {
			strength = math.Min(1.0, strength+0.15)
		}
		if strength <= minCorrelationStrength {
			return nil
		}
		return &Correlation{
			Type:        CorrelationCausal,
			EvidenceIDs: []string{cause.ID, effect.ID},
			Strength:    strength,
			Description: fmt.Sprintf("%s likely caused %s within %s", cause.Type, effect.Type, gap.Round(time.Second)),
			Metadata:    map[string]any{"rule": rule.fromType + "->" + rule.toType, "gap_seconds": gap.Seconds()},
		}
	}
	return nil
}

// detectAttackChains matches time-sorted evidence against the named step
// sequences. A chain is recorded when at least two steps match and the
// matched fraction exceeds 0.5.
func (c *Correlator) detectAttackChains(items []*Item) []*Correlation {
	sorted := sortedByTime(items)

	var out []*Correlation
	for _, chain := range attackChains {
		matchedIDs := make([]string, 0, len(chain.steps))
		matchedSteps := make([]string, 0, len(chain.steps))
		next := 0
		for _, it := range sorted {
			if next >= len(chain.steps) {
				break
			}
			if matchesStep(it, chain.steps[next]) {
				matchedIDs = append(matchedIDs, it.ID)
				matchedSteps = append(matchedSteps, chain.steps[next])
				next++
			}
		}
		strength := float64(len(matchedIDs)) / float64(len(chain.steps))
		if len(matchedIDs) < 2 || strength <= 0.5 {
			continue
		}
		out = append(out, &Correlation{
			Type:        CorrelationAttackChain,
			EvidenceIDs: matchedIDs,
			Strength:    strength,
			Description: fmt.Sprintf("attack chain %s: %d/%d steps observed", chain.name, len(matchedIDs), len(chain.steps)),
			Metadata:    map[string]any{"chain": chain.name, "matched_steps": matchedSteps},
		})
	}
	return out
}

// detectLateralMovement groups evidence by host, orders hosts by first
// activity, and flags a chain when every successive host-to-host gap falls
// inside the lateral window across at least two hosts.
func (c *Correlator) detectLateralMovement(items []*Item) *Correlation {
	type hostActivity struct {
		host  string
		first time.Time
		id    string
	}

	byHost := map[string]*hostActivity{}
	for _, it := range items {
		for _, host := range it.Entities[EntityHost] {
			ha, ok := byHost[host]
			if !ok || it.Timestamp.Before(ha.first) {
				byHost[host] = &hostActivity{host: host, first: it.Timestamp, id: it.ID}
			}
		}
	}
	if len(byHost) < 2 {
		return nil
	}

	hosts := make([]*hostActivity, 0, len(byHost))
	for _, ha := range byHost {
		hosts = append(hosts, ha)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].first.Before(hosts[j].first) })

	ids := []string{hosts[0].id}
	names := []string{hosts[0].host}
	for i := 1; i < len(hosts); i++ {
		gap := hosts[i].first.Sub(hosts[i-1].first)
		if gap < lateralMinGap || gap > lateralMaxGap {
			return nil
		}
		ids = append(ids, hosts[i].id)
		names = append(names, hosts[i].host)
	}

	strength := math.Min(1.0, float64(len(hosts))/3.0)
	return &Correlation{
		Type:        CorrelationLateralMovement,
		EvidenceIDs: dedupe(ids),
		Strength:    strength,
		Description: fmt.Sprintf("sequential activity across %d hosts", len(hosts)),
		Metadata:    map[string]any{"hosts": names},
	}
}

// correlationID derives a deterministic id from the correlation content so
// repeated inserts of the same tuple collapse to one row.
func correlationID(c *Correlation) string {
	ids := append([]string(nil), c.EvidenceIDs...)
	sort.Strings(ids)
	key := string(c.Type) + "|" + c.InvestigationID + "|" + strings.Join(ids, ",")
	return uuid.NewSHA1(correlationNamespace, []byte(key)).String()
}

func entityKeySet(it *Item) map[string]struct{} {
	set := make(map[string]struct{})
	for et, vals := range it.Entities {
		for _, v := range vals {
			set[string(et)+":"+v] = struct{}{}
		}
	}
	return set
}

func sharedEntityKeys(a, b *Item) []string {
	setA := entityKeySet(a)
	var shared []string
	for k := range entityKeySet(b) {
		if _, ok := setA[k]; ok {
			shared = append(shared, k)
		}
	}
	return shared
}

func sharedTagWithPrefix(a, b []string, prefix string) bool {
	for _, ta := range a {
		if !strings.HasPrefix(ta, prefix) {
			continue
		}
		for _, tb := range b {
			if ta == tb {
				return true
			}
		}
	}
	return false
}

// fieldPatternSimilarity is the Jaccard similarity of lowercase word tokens
// drawn from the string values of both payloads.
func fieldPatternSimilarity(a, b map[string]any) float64 {
	tokA := payloadTokens(a)
	tokB := payloadTokens(b)
	if len(tokA) == 0 || len(tokB) == 0 {
		return 0
	}
	shared, union := 0, len(tokA)
	for t := range tokB {
		if _, ok := tokA[t]; ok {
			shared++
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}

func payloadTokens(data map[string]any) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, v := range data {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, word := range strings.Fields(strings.ToLower(s)) {
			tokens[word] = struct{}{}
		}
	}
	return tokens
}

func matchesStep(it *Item, step string) bool {
	if it.Type == step {
		return true
	}
	for _, tag := range it.Tags {
		if tag == step || strings.HasSuffix(tag, ":"+step) {
			return true
		}
	}
	return false
}

func sortedByTime(items []*Item) []*Item {
	sorted := append([]*Item(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	return sorted
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
