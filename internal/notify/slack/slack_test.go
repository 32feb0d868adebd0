package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/inquest/internal/investigation"
)

func completedInvestigation() *investigation.Investigation {
	return &investigation.Investigation{
		ID:        "01JN123",
		Status:    investigation.StatusCompleted,
		AlertName: "BruteForceLogin",
		Severity:  "critical",
		Duration:  23.4,
		Verdict: &investigation.Verdict{
			Classification: investigation.TruePositive,
			Confidence:     0.9,
			RiskScore:      85,
			Reasoning:      "Confirmed credential attack against alice.",
		},
		Recommendations: []investigation.Recommendation{
			{Action: "block_ip", Risk: investigation.TierMedium},
			{Action: "close_alert", Risk: investigation.TierLow, AutoExecutable: true},
		},
		Summary:     &investigation.ExecutionSummary{EvidenceCount: 7},
		CompletedAt: time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
	}
}

func TestNotify_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL)
	if err := n.Notify(context.Background(), completedInvestigation()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, divider, fields, divider, reasoning, divider, actions, divider, context
	if len(blocks) != 9 {
		t.Errorf("blocks count = %d, want 9", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "BruteForceLogin") {
		t.Errorf("header text = %q, want to contain BruteForceLogin", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Errorf("header should contain red circle for a true positive")
	}
}

func TestNotify_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("")
	if err := n.Notify(context.Background(), &investigation.Investigation{}); err != nil {
		t.Fatalf("Notify with empty URL should be no-op, got: %v", err)
	}
}

func TestNotify_TruncatesLongReasoning(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inv := completedInvestigation()
	inv.Recommendations = nil
	inv.Verdict.Reasoning = strings.Repeat("x", 4000)

	n := New(srv.URL)
	if err := n.Notify(context.Background(), inv); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks := got["blocks"].([]any)
	// header, divider, fields, divider, reasoning, divider, context
	reasoningSection := blocks[4].(map[string]any)
	text := reasoningSection["text"].(map[string]any)["text"].(string)

	if len(text) > maxReasoningLen+len("*Analysis*\n\n") {
		t.Errorf("reasoning text length = %d, expected <= %d", len(text), maxReasoningLen+len("*Analysis*\n\n"))
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated reasoning to end with ...")
	}
}

func TestNotify_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL)
	err := n.Notify(context.Background(), completedInvestigation())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestVerdictEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status investigation.Status
		class  investigation.Classification
		want   string
	}{
		{"failed", investigation.StatusFailed, "", "\U0001f534"},
		{"true positive", investigation.StatusCompleted, investigation.TruePositive, "\U0001f534"},
		{"requires review", investigation.StatusCompleted, investigation.RequiresReview, "\U0001f7e1"},
		{"false positive", investigation.StatusCompleted, investigation.FalsePositive, "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inv := &investigation.Investigation{Status: tt.status}
			if tt.class != "" {
				inv.Verdict = &investigation.Verdict{Classification: tt.class}
			}
			if got := verdictEmoji(inv); got != tt.want {
				t.Errorf("verdictEmoji = %q, want %q", got, tt.want)
			}
		})
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("HighCPU", "critical", "CPU is very high on node-1.")
	f.Add("", "", "")
	f.Add("<@U123> mention", "warning", "*bold* _italic_ ~strike~")
	f.Add("alert\x00\x01\x02", "sev\nline", "analysis\ttab")
	f.Add(strings.Repeat("A", 5000), "critical", strings.Repeat("x", 10000))
	f.Add("test", "info", "```code block``` and <http://example.com|link>")

	f.Fuzz(func(t *testing.T, alertName, severity, reasoning string) {
		inv := &investigation.Investigation{
			ID:        "fuzz-id",
			Status:    investigation.StatusCompleted,
			AlertName: alertName,
			Severity:  severity,
			Duration:  1.0,
			Verdict: &investigation.Verdict{
				Classification: investigation.RequiresReview,
				Reasoning:      reasoning,
			},
			CompletedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}

		// Must not panic
		msg := buildMessage(inv)

		// Must produce valid JSON
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
		if _, ok := decoded["blocks"].([]any); !ok {
			t.Fatal("expected blocks array")
		}
	})
}
