package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetProbes clears the global checker between tests.
func resetProbes(t *testing.T) {
	t.Helper()
	healthChecker.mu.Lock()
	healthChecker.probes = map[string]Probe{}
	healthChecker.mu.Unlock()
}

func registerCriticalProbes(t *testing.T) {
	t.Helper()
	for _, name := range criticalComponents {
		RegisterProbe(name, func() error { return nil })
	}
}

func TestHealthReflectsLiveProbeState(t *testing.T) {
	resetProbes(t)

	var storeErr error
	RegisterProbe("storage", func() error { return storeErr })

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Components["storage"])

	// The probe is consulted on every call, not recorded once: flipping
	// the underlying state flips the report with no re-registration.
	storeErr = errors.New("database file locked")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Contains(t, health.Components["storage"], "database file locked")

	storeErr = nil
	health = GetHealth()
	assert.Equal(t, "healthy", health.Status)
}

func TestReadinessRequiresAllCriticalProbes(t *testing.T) {
	resetProbes(t)

	RegisterProbe("storage", func() error { return nil })
	RegisterProbe("runtime", func() error { return nil })
	// "api" intentionally missing.

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not registered", readiness.Components["api"])

	RegisterProbe("api", func() error { return nil })
	readiness = GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
	assert.Empty(t, readiness.Message)
}

func TestReadinessFailsOnCriticalProbeError(t *testing.T) {
	resetProbes(t)
	registerCriticalProbes(t)
	RegisterProbe("runtime", func() error { return errors.New("containerd not serving") })

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Contains(t, readiness.Components["runtime"], "containerd not serving")
	assert.Equal(t, "waiting for runtime", readiness.Message)
}

func TestReadinessIgnoresNonCriticalProbes(t *testing.T) {
	resetProbes(t)
	registerCriticalProbes(t)
	RegisterProbe("certs", func() error { return errors.New("2 domains failed acquisition") })

	// A failing certificate probe degrades /health but never /ready.
	assert.Equal(t, "ready", GetReadiness().Status)
	assert.Equal(t, "unhealthy", GetHealth().Status)
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	resetProbes(t)
	RegisterProbe("storage", func() error { return nil })

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)

	RegisterProbe("storage", func() error { return errors.New("boom") })
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	resetProbes(t)

	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	registerCriticalProbes(t)
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLivenessAlwaysOK(t *testing.T) {
	resetProbes(t)

	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}

func TestSetVersionAppearsInReports(t *testing.T) {
	resetProbes(t)
	SetVersion("v1.2.3-test")

	assert.Equal(t, "v1.2.3-test", GetHealth().Version)
	assert.Equal(t, "v1.2.3-test", GetReadiness().Version)
}
