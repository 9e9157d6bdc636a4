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

	"agentfleet/internal/domain/agent"
	"agentfleet/internal/workers"
)

type stubAgents struct {
	agents []*agent.Agent
	err    error
}

func (s stubAgents) ListActive(context.Context) ([]*agent.Agent, error) {
	return s.agents, s.err
}

func serve(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func ok(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("connection refused") }

func TestReadiness(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Check
		code   int
		status string
	}{
		{"all healthy", map[string]Check{"postgres": ok, "redis": ok}, http.StatusOK, "healthy"},
		{"one down", map[string]Check{"postgres": ok, "redis": down}, http.StatusServiceUnavailable, "degraded"},
		{"all down", map[string]Check{"postgres": down}, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, New(Options{Checks: tt.checks}), "/health/ready")
			assert.Equal(t, tt.code, rec.Code)

			var body Status
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body.Status)
			assert.Len(t, body.Checks, len(tt.checks))
		})
	}
}

func TestLiveness(t *testing.T) {
	rec := serve(t, New(Options{}), "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}

func TestAgentsHeartbeat(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-2 * time.Minute)
	old := now.Add(-2 * time.Hour)

	h := New(Options{
		Agents: stubAgents{agents: []*agent.Agent{
			{PublicID: "b-fresh", Name: "fresh", Engine: agent.EngineLLM, LastCycleAt: &recent},
			{PublicID: "a-old", Name: "old", Engine: agent.EngineRule, LastCycleAt: &old},
			{PublicID: "c-new", Name: "never", Engine: agent.EngineRule},
		}},
		StaleAfter: 15 * time.Minute,
	})
	h.now = func() time.Time { return now }

	rec := serve(t, h, "/health/agents")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Agents []AgentHeartbeat `json:"agents"`
		Active int              `json:"active"`
		Stale  int              `json:"stale"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, 3, body.Active)
	assert.Equal(t, 2, body.Stale)
	require.Len(t, body.Agents, 3)
	assert.Equal(t, "a-old", body.Agents[0].PublicID)
	assert.True(t, body.Agents[0].Stale)
	assert.Equal(t, "2 hours ago", body.Agents[0].LastCycle)
	assert.False(t, body.Agents[1].Stale)
	assert.Equal(t, "never", body.Agents[2].LastCycle)
	assert.True(t, body.Agents[2].Stale)
}

func TestAgentsHeartbeat_StorageDown(t *testing.T) {
	h := New(Options{Agents: stubAgents{err: errors.New("timeout")}})
	rec := serve(t, h, "/health/agents")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type idleWorker struct{ *workers.BaseWorker }

func (idleWorker) Run(context.Context) error { return nil }

func TestWorkersHealth(t *testing.T) {
	reg := workers.NewRegistry()
	w := idleWorker{workers.NewBaseWorker("fleet_cycle", time.Minute, true)}
	require.NoError(t, reg.Register(w))

	rec := serve(t, New(Options{Workers: reg}), "/health/workers")
	assert.Equal(t, http.StatusOK, rec.Code)

	w.Record(errors.New("run fleet: storage failure"), time.Second)
	rec = serve(t, New(Options{Workers: reg}), "/health/workers")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "fleet_cycle")
}
