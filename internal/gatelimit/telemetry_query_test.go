package gatelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrometheusQuerier_ParsesVector(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/query", r.URL.Path)
		require.Contains(t, r.URL.Query().Get("query"), "requests_total")
		require.Contains(t, r.URL.Query().Get("query"), "[300s]")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "success",
			"data": {
				"resultType": "vector",
				"result": [
					{"metric": {"tenant_id": "abuser"}, "value": [1700000000, "0.93"]},
					{"metric": {"tenant_id": "calm"}, "value": [1700000000, "0.05"]},
					{"metric": {"tenant_id": "weird"}, "value": [1700000000, "NaN-ish"]}
				]
			}
		}`))
	}))
	defer server.Close()

	querier := NewPrometheusQuerier(server.URL, time.Second)
	ratios, err := querier.ThrottleRatios(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, ratios, 2, "unparseable samples are dropped")
	require.Equal(t, "abuser", ratios[0].TenantID)
	require.InDelta(t, 0.93, ratios[0].Ratio, 1e-9)
}

func TestPrometheusQuerier_ErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	querier := NewPrometheusQuerier(server.URL, time.Second)
	_, err := querier.ThrottleRatios(context.Background(), time.Minute)
	require.Error(t, err)
}

func TestPrometheusQuerier_FailedQueryStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","data":{}}`))
	}))
	defer server.Close()

	querier := NewPrometheusQuerier(server.URL, time.Second)
	_, err := querier.ThrottleRatios(context.Background(), time.Minute)
	require.Error(t, err)
}
