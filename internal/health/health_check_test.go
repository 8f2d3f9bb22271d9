package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func healthy() Pinger { return pingFunc(func(context.Context) error { return nil }) }

func TestReadinessHandler_AllHealthy(t *testing.T) {
	hc := NewHealthChecker(map[string]Pinger{
		"persistent_cache": healthy(),
		"directory":        healthy(),
		"unused":           nil,
	}, time.Second, zap.NewNop())

	rec := httptest.NewRecorder()
	hc.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "ready", status.Status)
	assert.Equal(t, map[string]string{"persistent_cache": "healthy", "directory": "healthy"}, status.Checks)
}

func TestReadinessHandler_OneUnhealthy(t *testing.T) {
	hc := NewHealthChecker(map[string]Pinger{
		"persistent_cache": healthy(),
		"directory":        pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	}, time.Second, zap.NewNop())

	rec := httptest.NewRecorder()
	hc.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "not_ready", status.Status)
	assert.Equal(t, "healthy", status.Checks["persistent_cache"])
	assert.Equal(t, "unhealthy: connection refused", status.Checks["directory"])
}

func TestCheck_TimesOutSlowDependency(t *testing.T) {
	hc := NewHealthChecker(map[string]Pinger{
		"directory": pingFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	}, 20*time.Millisecond, zap.NewNop())

	checks, ready := hc.Check(context.Background())
	assert.False(t, ready)
	assert.Contains(t, checks["directory"], "deadline exceeded")
}

func TestLivenessHandler(t *testing.T) {
	hc := NewHealthChecker(nil, 0, zap.NewNop())

	rec := httptest.NewRecorder()
	hc.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"alive"`)
}
