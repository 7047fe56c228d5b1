package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-shard/internal/metrics"
)

func TestHealthEndpoint(t *testing.T) {
	hm := NewHealthMonitor()
	srv := httptest.NewServer(hm.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestFailedCheckDegradesHealth(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RecordResult("column", nil)
	hm.RecordResult("row", errors.New("weight grad mismatch"))

	rec := httptest.NewRecorder()
	hm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	hm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "degraded", status.Status)
	require.Len(t, status.Alerts, 1)
	assert.Contains(t, status.Alerts[0].Message, "row")
	assert.False(t, status.Checks.LastResult.IsZero())

	rec = httptest.NewRecorder()
	hm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/alerts", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	hm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAlertsAreBounded(t *testing.T) {
	hm := NewHealthMonitor()
	for i := 0; i < maxAlerts+10; i++ {
		hm.AddAlert("info", "launcher", "retry")
	}
	assert.Len(t, hm.getHealthStatus().Alerts, maxAlerts)
}

func TestMetricsEndpointServesCheckCounters(t *testing.T) {
	metrics.RecordCheck("monitoring_test", true, time.Millisecond)

	hm := NewHealthMonitor()
	addr, err := hm.Start("127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, hm.Stop(ctx))
	}()

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `check="monitoring_test"`), "metrics output lacks the check label")
}
