package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pinger is a dependency that can report its availability
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker provides liveness and readiness endpoints
type HealthChecker struct {
	checks  map[string]Pinger
	timeout time.Duration
	logger  *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a health checker over the named dependencies.
// Nil dependencies are skipped.
func NewHealthChecker(checks map[string]Pinger, timeout time.Duration, logger *zap.Logger) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		checks:  checks,
		timeout: timeout,
		logger:  logger,
	}
}

// Check pings every dependency concurrently and returns per-dependency results
func (h *HealthChecker) Check(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(h.checks))
		g       errgroup.Group
	)

	for name, dep := range h.checks {
		if dep == nil {
			continue
		}
		g.Go(func() error {
			err := dep.Ping(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				h.logger.Error("Health check failed",
					zap.String("dependency", name),
					zap.Error(err))
				results[name] = "unhealthy: " + err.Error()
				return err
			}
			results[name] = "healthy"
			return nil
		})
	}

	return results, g.Wait() == nil
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks, ready := h.Check(r.Context())

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")

	if ready {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}
