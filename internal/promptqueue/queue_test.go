package promptqueue

import (
	"testing"

	"github.com/kandev/orchestrator/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddOrdersByPriorityThenFIFO(t *testing.T) {
	q := New("sess-1", DefaultConfig())

	normal1, err := q.Add("u1", "first normal", session.PriorityNormal)
	require.NoError(t, err)
	high, err := q.Add("u1", "a high prompt", session.PriorityHigh)
	require.NoError(t, err)
	normal2, err := q.Add("u1", "second normal", session.PriorityNormal)
	require.NoError(t, err)
	urgent, err := q.Add("u1", "urgent one", session.PriorityUrgent)
	require.NoError(t, err)

	list := q.List()
	require.Len(t, list, 4)
	assert.Equal(t, urgent.ID, list[0].ID)
	assert.Equal(t, high.ID, list[1].ID)
	assert.Equal(t, normal1.ID, list[2].ID)
	assert.Equal(t, normal2.ID, list[3].ID)
}

func TestStartNextEnforcesSingleFlight(t *testing.T) {
	q := New("sess-1", DefaultConfig())
	_, err := q.Add("u1", "p1", session.PriorityNormal)
	require.NoError(t, err)
	_, err = q.Add("u1", "p2", session.PriorityNormal)
	require.NoError(t, err)

	active, err := q.StartNext()
	require.NoError(t, err)
	assert.Equal(t, session.PromptExecuting, active.Status)

	_, err = q.StartNext()
	assert.ErrorIs(t, err, ErrAlreadyExecuting)

	completed := q.Complete()
	assert.Equal(t, active.ID, completed.ID)
	assert.Equal(t, session.PromptCompleted, completed.Status)

	next, err := q.StartNext()
	require.NoError(t, err)
	assert.Equal(t, "p2", next.Content)
}

func TestStartNextOnEmptyQueueReturnsNil(t *testing.T) {
	q := New("sess-1", DefaultConfig())
	p, err := q.StartNext()
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestCancelRequiresAuthor(t *testing.T) {
	q := New("sess-1", DefaultConfig())
	p, err := q.Add("u1", "p1", session.PriorityNormal)
	require.NoError(t, err)

	assert.False(t, q.Cancel(p.ID, "u2"))
	assert.Equal(t, 1, q.Len())

	assert.True(t, q.Cancel(p.ID, "u1"))
	assert.Equal(t, 0, q.Len())
}

func TestReorderClampsAndRequiresAuthor(t *testing.T) {
	q := New("sess-1", DefaultConfig())
	a, err := q.Add("u1", "a", session.PriorityNormal)
	require.NoError(t, err)
	_, err = q.Add("u1", "b", session.PriorityNormal)
	require.NoError(t, err)
	_, err = q.Add("u1", "c", session.PriorityNormal)
	require.NoError(t, err)

	assert.False(t, q.Reorder(a.ID, "u2", 2))

	assert.True(t, q.Reorder(a.ID, "u1", 100))
	list := q.List()
	assert.Equal(t, a.ID, list[len(list)-1].ID)
}

func TestReorderDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowReorder = false
	q := New("sess-1", cfg)
	p, err := q.Add("u1", "a", session.PriorityNormal)
	require.NoError(t, err)

	assert.False(t, q.Reorder(p.ID, "u1", 0))
}

func TestQueueFullRejectsAdd(t *testing.T) {
	cfg := Config{MaxPrompts: 1, AllowReorder: true}
	q := New("sess-1", cfg)
	_, err := q.Add("u1", "a", session.PriorityNormal)
	require.NoError(t, err)

	_, err = q.Add("u1", "b", session.PriorityNormal)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestClearCancelsQueuedButLeavesActiveStatusAlone(t *testing.T) {
	q := New("sess-1", DefaultConfig())
	_, err := q.Add("u1", "a", session.PriorityNormal)
	require.NoError(t, err)
	active, err := q.StartNext()
	require.NoError(t, err)
	queuedPrompt, err := q.Add("u1", "b", session.PriorityNormal)
	require.NoError(t, err)

	q.Clear()

	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Active())
	assert.Equal(t, session.PromptExecuting, active.Status, "executing->cancelled is not a permitted transition")
	assert.Equal(t, session.PromptCancelled, queuedPrompt.Status)
}

func TestListenerReceivesEvents(t *testing.T) {
	q := New("sess-1", DefaultConfig())
	var events []EventType
	q.OnEvent(func(evt EventType, p *session.Prompt) {
		events = append(events, evt)
	})

	p, err := q.Add("u1", "a", session.PriorityNormal)
	require.NoError(t, err)
	_, err = q.StartNext()
	require.NoError(t, err)
	q.Complete()
	q.Cancel(p.ID, "u1")

	assert.Contains(t, events, EventAdded)
	assert.Contains(t, events, EventStarted)
	assert.Contains(t, events, EventCompleted)
}
