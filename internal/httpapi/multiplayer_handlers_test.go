package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func TestCreateJoinAndGetSession(t *testing.T) {
	f := newTestFixture(t)

	body, _ := json.Marshal(v1.CreateSessionRequest{ID: "sess-1"})
	rec := f.do(http.MethodPost, "/api/v1/sessions", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	joinBody, _ := json.Marshal(v1.JoinSessionRequest{UserID: "u1", DisplayName: "Ada", Color: "#fff"})
	rec = f.do(http.MethodPost, "/api/v1/sessions/sess-1/join", joinBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var s v1.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	require.Len(t, s.Users, 1)
	assert.Equal(t, "Ada", s.Users[0].DisplayName)

	rec = f.do(http.MethodGet, "/api/v1/sessions/sess-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, "sess-1", s.ID)
}

func TestGetSessionNotFound(t *testing.T) {
	f := newTestFixture(t)
	rec := f.do(http.MethodGet, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCursorAndLockFlow(t *testing.T) {
	f := newTestFixture(t)

	createBody, _ := json.Marshal(v1.CreateSessionRequest{ID: "sess-1"})
	f.do(http.MethodPost, "/api/v1/sessions", createBody)
	joinBody, _ := json.Marshal(v1.JoinSessionRequest{UserID: "u1", DisplayName: "Ada"})
	f.do(http.MethodPost, "/api/v1/sessions/sess-1/join", joinBody)

	cursorBody, _ := json.Marshal(v1.UpdateCursorRequest{UserID: "u1", Cursor: v1.Cursor{File: "main.go", Line: 10}})
	rec := f.do(http.MethodPost, "/api/v1/sessions/sess-1/cursor", cursorBody)
	require.Equal(t, http.StatusOK, rec.Code)
	var s v1.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	require.NotNil(t, s.Users[0].Cursor)
	assert.Equal(t, "main.go", s.Users[0].Cursor.File)

	lockBody, _ := json.Marshal(v1.LockRequest{UserID: "u1"})
	rec = f.do(http.MethodPost, "/api/v1/sessions/sess-1/lock", lockBody)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, "u1", s.State.EditLock)

	rec = f.do(http.MethodPost, "/api/v1/sessions/sess-1/lock/release", lockBody)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Empty(t, s.State.EditLock)
}

func TestPromptQueueFlow(t *testing.T) {
	f := newTestFixture(t)

	createBody, _ := json.Marshal(v1.CreateSessionRequest{ID: "sess-1"})
	f.do(http.MethodPost, "/api/v1/sessions", createBody)
	joinBody, _ := json.Marshal(v1.JoinSessionRequest{UserID: "u1", DisplayName: "Ada"})
	f.do(http.MethodPost, "/api/v1/sessions/sess-1/join", joinBody)

	addBody, _ := json.Marshal(v1.AddPromptRequest{UserID: "u1", Content: "do the thing"})
	rec := f.do(http.MethodPost, "/api/v1/sessions/sess-1/prompts", addBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	var prompt v1.Prompt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prompt))
	assert.Equal(t, "do the thing", prompt.Content)

	cancelBody, _ := json.Marshal(v1.CancelPromptRequest{UserID: "u1"})
	rec = f.do(http.MethodPost, "/api/v1/sessions/sess-1/prompts/"+prompt.ID+"/cancel", cancelBody)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
