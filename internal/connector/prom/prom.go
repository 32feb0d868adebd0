// Package prom implements the connector contract against a Prometheus or
// Mimir metrics backend. Instant vectors are flattened into one record per
// series.
package prom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/linnemanlabs/inquest/internal/connector"
	"github.com/linnemanlabs/inquest/internal/fault"
)

const (
	maxSeries = 50
	maxBody   = 5 << 20 // 5 MB
)

// Client is a metrics connector backed by Prometheus.
type Client struct {
	name       string
	endpoint   string
	orgID      string
	httpClient *http.Client
}

// New creates a Prometheus connector. name defaults to "prometheus"; orgID,
// when set, is sent as X-Scope-OrgID for multi-tenant backends.
func New(name, endpoint, orgID string) *Client {
	if name == "" {
		name = "prometheus"
	}
	return &Client{
		name:       name,
		endpoint:   endpoint,
		orgID:      orgID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Name() string { return c.name }

// Query evaluates a PromQL expression as an instant query and returns one
// record per matching series.
func (c *Client) Query(ctx context.Context, query, queryType string) (json.RawMessage, error) {
	const op = "prom.Query"
	if query == "" {
		return nil, fault.New(fault.KindValidation, op, "empty query")
	}

	series, err := c.instant(ctx, op, query)
	if err != nil {
		return nil, err
	}

	recordType := "metric_sample"
	if queryType != "" && queryType != "events" {
		recordType = queryType
	}
	records := make([]map[string]any, 0, len(series))
	for _, s := range series {
		if len(records) >= maxSeries {
			break
		}
		rec := map[string]any{"type": recordType}
		if name := s.Metric["__name__"]; name != "" {
			rec["metric"] = name
		}
		if inst := s.Metric["instance"]; inst != "" {
			rec["host"] = inst
		}
		if len(s.Metric) > 0 {
			rec["labels"] = s.Metric
		}
		if ts, val, ok := s.sample(); ok {
			rec["timestamp"] = ts
			rec["value"] = val
		}
		records = append(records, rec)
	}
	return json.Marshal(records)
}

// Enrich reports whether the entity is a currently scraped target. Only host
// entities have a metrics-side answer; everything else yields no data.
func (c *Client) Enrich(ctx context.Context, value, entityType string) (json.RawMessage, error) {
	const op = "prom.Enrich"
	if value == "" {
		return nil, fault.New(fault.KindValidation, op, "empty entity value")
	}
	if entityType != "host" {
		return nil, fault.Newf(fault.KindNotFound, op, "no metrics view for entity type %q", entityType)
	}

	series, err := c.instant(ctx, op, fmt.Sprintf(`up{instance=~%q}`, value+".*"))
	if err != nil {
		return nil, err
	}
	scraped := 0
	for _, s := range series {
		if _, val, ok := s.sample(); ok && val == "1" {
			scraped++
		}
	}
	return json.Marshal(map[string]any{
		"entity":      value,
		"entity_type": entityType,
		"targets":     len(series),
		"up":          scraped,
	})
}

// HealthCheck probes the Prometheus healthy endpoint.
func (c *Client) HealthCheck(ctx context.Context) connector.Health {
	start := time.Now()
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return connector.Health{Healthy: false, ResponseTime: time.Since(start)}
	}
	u.Path = path.Join(u.Path, "-/healthy")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return connector.Health{Healthy: false, ResponseTime: time.Since(start)}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return connector.Health{Healthy: false, ResponseTime: time.Since(start)}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	return connector.Health{
		Healthy:      resp.StatusCode == http.StatusOK,
		ResponseTime: time.Since(start),
	}
}

type vectorSample struct {
	Metric map[string]string `json:"metric"`
	Value  []json.RawMessage `json:"value"`
}

// sample decodes the [timestamp, value] pair of an instant vector entry.
func (s vectorSample) sample() (string, string, bool) {
	if len(s.Value) < 2 {
		return "", "", false
	}
	var unix float64
	if err := json.Unmarshal(s.Value[0], &unix); err != nil {
		return "", "", false
	}
	var val string
	if err := json.Unmarshal(s.Value[1], &val); err != nil {
		return "", "", false
	}
	sec := int64(unix)
	ts := time.Unix(sec, int64((unix-float64(sec))*1e9)).UTC().Format(time.RFC3339)
	return ts, val, true
}

func (c *Client) instant(ctx context.Context, op, query string) ([]vectorSample, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, op, err)
	}
	u.Path = path.Join(u.Path, "api/v1/query")

	q := u.Query()
	q.Set("query", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fault.Wrap(fault.KindUnknown, op, err)
	}
	if c.orgID != "" {
		req.Header.Set("X-Scope-OrgID", c.orgID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.KindTimeout, op, err)
		}
		return nil, fault.Wrap(fault.KindNetwork, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fault.Wrap(fault.KindNetwork, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fault.Wrap(statusKind(resp.StatusCode), op,
			fmt.Errorf("prometheus returned %d: %s", resp.StatusCode, truncate(body, 256)))
	}

	var parsed struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string         `json:"resultType"`
			Result     []vectorSample `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fault.Wrap(fault.KindUnknown, op, err)
	}
	if parsed.Status != "success" {
		return nil, fault.Newf(fault.KindUnknown, op, "prometheus query status %q", parsed.Status)
	}
	return parsed.Data.Result, nil
}

func statusKind(status int) fault.Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return fault.KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.KindAuthorization
	case status == http.StatusNotFound:
		return fault.KindNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fault.KindValidation
	case status >= 500:
		return fault.KindNetwork
	default:
		return fault.KindUnknown
	}
}

func truncate(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
