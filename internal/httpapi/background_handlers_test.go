package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func TestSpawnAndGetBackgroundAgent(t *testing.T) {
	f := newTestFixture(t)

	body, _ := json.Marshal(v1.SpawnBackgroundAgentRequest{ParentSessionID: "sess-1", Task: "fix the bug"})
	rec := f.do(http.MethodPost, "/api/v1/background/spawn", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var agent v1.BackgroundAgent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	assert.Equal(t, "sess-1", agent.ParentSessionID)
	assert.NotEmpty(t, agent.ID)

	rec = f.do(http.MethodGet, "/api/v1/background/"+agent.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched v1.BackgroundAgent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, agent.ID, fetched.ID)
}

func TestGetBackgroundAgentNotFound(t *testing.T) {
	f := newTestFixture(t)
	rec := f.do(http.MethodGet, "/api/v1/background/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelBackgroundAgent(t *testing.T) {
	f := newTestFixture(t)

	body, _ := json.Marshal(v1.SpawnBackgroundAgentRequest{ParentSessionID: "sess-1", Task: "task"})
	rec := f.do(http.MethodPost, "/api/v1/background/spawn", body)
	var agent v1.BackgroundAgent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))

	rec = f.do(http.MethodPost, "/api/v1/background/"+agent.ID+"/cancel", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/background/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedulerStats(t *testing.T) {
	f := newTestFixture(t)
	rec := f.do(http.MethodGet, "/api/v1/background/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats v1.SchedulerStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.Running)
}
