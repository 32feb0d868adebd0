// Package slack posts investigation outcomes to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/inquest/internal/investigation"
)

const (
	maxReasoningLen = 3000
	maxActions      = 5
	httpTimeout     = 10 * time.Second
)

// Notifier sends completed investigations to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a
// no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Notify posts an investigation outcome to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, inv *investigation.Investigation) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(inv)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(inv *investigation.Investigation) map[string]any {
	blocks := []map[string]any{
		headerBlock(inv),
		{"type": "divider"},
		fieldsBlock(inv),
	}
	if inv.Verdict != nil && inv.Verdict.Reasoning != "" {
		blocks = append(blocks, map[string]any{"type": "divider"}, reasoningBlock(inv))
	}
	if len(inv.Recommendations) > 0 {
		blocks = append(blocks, map[string]any{"type": "divider"}, actionsBlock(inv))
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(inv))

	return map[string]any{"blocks": blocks}
}

func headerBlock(inv *investigation.Investigation) map[string]any {
	emoji := verdictEmoji(inv)
	title := "Investigation Complete"
	if inv.Status == investigation.StatusFailed {
		title = "Investigation Failed"
	}
	text := fmt.Sprintf("%s %s: %s", emoji, title, inv.AlertName)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(inv *investigation.Investigation) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", inv.Status),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s", inv.Severity),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %.1fs", inv.Duration),
		},
	}
	if inv.Verdict != nil {
		fields = append(fields,
			map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Verdict:* %s", inv.Verdict.Classification),
			},
			map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Risk:* %d/100", inv.Verdict.RiskScore),
			},
			map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Confidence:* %.0f%%", inv.Verdict.Confidence*100),
			},
		)
	}
	if inv.Summary != nil {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Evidence:* %d", inv.Summary.EvidenceCount),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func reasoningBlock(inv *investigation.Investigation) map[string]any {
	text := truncate(inv.Verdict.Reasoning, maxReasoningLen)

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Analysis*\n\n%s", text),
		},
	}
}

func actionsBlock(inv *investigation.Investigation) map[string]any {
	var lines []string
	for i, rec := range inv.Recommendations {
		if i >= maxActions {
			lines = append(lines, fmt.Sprintf("_and %d more_", len(inv.Recommendations)-maxActions))
			break
		}
		marker := "approval required"
		if rec.AutoExecutable {
			marker = "auto"
		}
		lines = append(lines, fmt.Sprintf("• *%s* (%s risk, %s)", rec.Action, rec.Risk, marker))
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Recommended actions*\n%s", strings.Join(lines, "\n")),
		},
	}
}

func contextBlock(inv *investigation.Investigation) map[string]any {
	ts := inv.CompletedAt
	if ts.IsZero() {
		ts = inv.CreatedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("inquest • investigation %s • %s", inv.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func verdictEmoji(inv *investigation.Investigation) string {
	if inv.Status == investigation.StatusFailed {
		return "\U0001f534" // red circle
	}
	if inv.Verdict == nil {
		return "⚪" // white circle
	}
	switch inv.Verdict.Classification {
	case investigation.TruePositive:
		return "\U0001f534" // red circle
	case investigation.RequiresReview:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
