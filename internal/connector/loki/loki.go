// Package loki implements the connector contract against a Loki-compatible
// log store. Queries are translated to LogQL and matching streams are
// flattened into one record per log line.
package loki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/inquest/internal/connector"
	"github.com/linnemanlabs/inquest/internal/fault"
)

const (
	defaultWindow = time.Hour
	maxWindow     = 6 * time.Hour
	maxLines      = 100
	maxBody       = 5 << 20 // 5 MB
)

// Client is a log-source connector backed by Loki.
type Client struct {
	name       string
	endpoint   string
	orgID      string
	window     time.Duration
	httpClient *http.Client
}

// New creates a Loki connector. name defaults to "loki"; orgID, when set, is
// sent as X-Scope-OrgID on every request.
func New(name, endpoint, orgID string) *Client {
	if name == "" {
		name = "loki"
	}
	return &Client{
		name:       name,
		endpoint:   endpoint,
		orgID:      orgID,
		window:     defaultWindow,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Name() string { return c.name }

// Query runs a LogQL query over the lookback window. Free-text queries are
// wrapped into a line filter over all streams; queries that already look
// like LogQL pass through unchanged.
func (c *Client) Query(ctx context.Context, query, queryType string) (json.RawMessage, error) {
	const op = "loki.Query"
	if query == "" {
		return nil, fault.New(fault.KindValidation, op, "empty query")
	}
	logql := query
	if !strings.HasPrefix(strings.TrimSpace(query), "{") {
		logql = fmt.Sprintf(`{job=~".+"} |= %q`, query)
	}

	streams, err := c.queryRange(ctx, op, logql, c.window)
	if err != nil {
		return nil, err
	}

	recordType := "log_entry"
	if queryType != "" && queryType != "events" {
		recordType = queryType
	}
	records := flatten(streams, recordType, maxLines)
	return json.Marshal(records)
}

// Enrich reports how often the entity value appears in recent logs. The
// result carries no reputation signal, only observed activity.
func (c *Client) Enrich(ctx context.Context, value, entityType string) (json.RawMessage, error) {
	const op = "loki.Enrich"
	if value == "" {
		return nil, fault.New(fault.KindValidation, op, "empty entity value")
	}

	logql := fmt.Sprintf(`{job=~".+"} |= %q`, value)
	streams, err := c.queryRange(ctx, op, logql, c.window)
	if err != nil {
		return nil, err
	}

	var (
		count    int
		lastSeen string
	)
	for _, s := range streams {
		count += len(s.Values)
		for _, entry := range s.Values {
			if len(entry) > 0 && entry[0] > lastSeen {
				lastSeen = entry[0]
			}
		}
	}
	out := map[string]any{
		"entity":      value,
		"entity_type": entityType,
		"occurrences": count,
	}
	if ts := nanosToRFC3339(lastSeen); ts != "" {
		out["last_seen"] = ts
	}
	return json.Marshal(out)
}

// HealthCheck probes the Loki ready endpoint.
func (c *Client) HealthCheck(ctx context.Context) connector.Health {
	start := time.Now()
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return connector.Health{Healthy: false, ResponseTime: time.Since(start)}
	}
	u.Path = path.Join(u.Path, "ready")

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

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

func (c *Client) queryRange(ctx context.Context, op, logql string, window time.Duration) ([]stream, error) {
	if window <= 0 || window > maxWindow {
		window = defaultWindow
	}
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, op, err)
	}
	u.Path = path.Join(u.Path, "loki/api/v1/query_range")

	now := time.Now().UTC()
	q := u.Query()
	q.Set("query", logql)
	q.Set("start", now.Add(-window).Format(time.RFC3339Nano))
	q.Set("end", now.Format(time.RFC3339Nano))
	q.Set("limit", strconv.Itoa(maxLines))
	q.Set("direction", "backward")
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
			fmt.Errorf("loki returned %d: %s", resp.StatusCode, truncate(body, 256)))
	}

	var parsed struct {
		Status string `json:"status"`
		Data   struct {
			Result []stream `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fault.Wrap(fault.KindUnknown, op, err)
	}
	if parsed.Status != "success" {
		return nil, fault.Newf(fault.KindUnknown, op, "loki query status %q", parsed.Status)
	}
	return parsed.Data.Result, nil
}

// flatten turns streams into evidence-shaped records, newest first as Loki
// returns them. Stream labels ride along on every line so entity extraction
// can pick up hosts.
func flatten(streams []stream, recordType string, limit int) []map[string]any {
	records := make([]map[string]any, 0, limit)
	for _, s := range streams {
		host := hostLabel(s.Stream)
		for _, entry := range s.Values {
			if len(entry) < 2 {
				continue
			}
			rec := map[string]any{
				"type":    recordType,
				"message": entry[1],
			}
			if ts := nanosToRFC3339(entry[0]); ts != "" {
				rec["timestamp"] = ts
			}
			if host != "" {
				rec["host"] = host
			}
			if len(s.Stream) > 0 {
				rec["labels"] = s.Stream
			}
			records = append(records, rec)
			if len(records) >= limit {
				return records
			}
		}
	}
	return records
}

func hostLabel(labels map[string]string) string {
	for _, key := range []string{"host", "hostname", "node", "instance"} {
		if v := labels[key]; v != "" {
			return v
		}
	}
	return ""
}

func nanosToRFC3339(ns string) string {
	if ns == "" {
		return ""
	}
	n, err := strconv.ParseInt(ns, 10, 64)
	if err != nil {
		return ""
	}
	return time.Unix(0, n).UTC().Format(time.RFC3339Nano)
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
