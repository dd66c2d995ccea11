package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthAggregation(t *testing.T) {
	RegisterComponent("queue", true, "")
	RegisterComponent("engine", true, "")
	defer UnregisterComponent("queue")
	defer UnregisterComponent("engine")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Components["queue"])

	UpdateComponent("engine", false, "socket unreachable")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Contains(t, health.Components["engine"], "socket unreachable")

	assert.Equal(t, []string{"engine"}, Unhealthy())

	UpdateComponent("engine", true, "")
	assert.Empty(t, Unhealthy())
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	RegisterComponent("store", true, "")
	defer UnregisterComponent("store")

	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)

	UpdateComponent("store", false, "bolt corrupt")
	rec = httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTimerElapsed(t *testing.T) {
	timer := NewTimer()
	assert.True(t, timer.Elapsed() >= 0)
}
