// Package gatelimit provides the Prometheus query client for the detector.
package gatelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// PrometheusQuerier evaluates throttle ratios through the Prometheus HTTP
// query API.
type PrometheusQuerier struct {
	baseURL string
	client  *http.Client
}

// NewPrometheusQuerier constructs a querier for a Prometheus base URL.
func NewPrometheusQuerier(baseURL string, timeout time.Duration) *PrometheusQuerier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PrometheusQuerier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// ThrottleRatios returns per-tenant throttled/total ratios over the window.
func (q *PrometheusQuerier) ThrottleRatios(ctx context.Context, window time.Duration) ([]TenantRatio, error) {
	if q == nil || q.baseURL == "" {
		return nil, errors.New("prometheus querier is not configured")
	}
	rangeS := fmt.Sprintf("%ds", int64(window.Seconds()))
	query := fmt.Sprintf(
		`sum by (tenant_id) (increase(requests_total{result=~"throttled_.+"}[%s])) / sum by (tenant_id) (increase(requests_total[%s]))`,
		rangeS, rangeS,
	)

	endpoint := q.baseURL + "/api/v1/query?query=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prometheus query status %d", resp.StatusCode)
	}

	payload := struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string `json:"resultType"`
			Result     []struct {
				Metric map[string]string `json:"metric"`
				Value  []any             `json:"value"`
			} `json:"result"`
		} `json:"data"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode prometheus response: %w", err)
	}
	if payload.Status != "success" {
		return nil, fmt.Errorf("prometheus query status %q", payload.Status)
	}

	out := make([]TenantRatio, 0, len(payload.Data.Result))
	for _, sample := range payload.Data.Result {
		if len(sample.Value) != 2 {
			continue
		}
		raw, ok := sample.Value[1].(string)
		if !ok {
			continue
		}
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		out = append(out, TenantRatio{TenantID: sample.Metric["tenant_id"], Ratio: ratio})
	}
	return out, nil
}
