package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealthChecker(version string) {
	healthChecker = newHealthChecker()
	healthChecker.version = version
}

func TestGetHealth(t *testing.T) {
	resetHealthChecker("1.0.0")

	UpdateComponent("store", true, "")
	UpdateComponent("workers", true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "1.0.0", health.Version)

	UpdateComponent("workers", false, "pool stopped")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: pool stopped", health.Components["workers"])
}

func TestGetReadiness(t *testing.T) {
	resetHealthChecker("")

	UpdateComponent("store", true, "")
	UpdateComponent("workers", true, "")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not registered", readiness.Components["reconciler"])

	UpdateComponent("reconciler", true, "")
	assert.Equal(t, "ready", GetReadiness().Status)

	UpdateComponent("store", false, "closed")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "waiting for store", readiness.Message)
}

func TestHandlers(t *testing.T) {
	resetHealthChecker("")
	for _, name := range CriticalComponents {
		UpdateComponent(name, true, "")
	}

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)

	UpdateComponent("reconciler", false, "stopped")
	w = httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}
