package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPromptPriorityRank(t *testing.T) {
	assert.Less(t, PriorityUrgent.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Equal(t, PriorityNormal.Rank(), PromptPriority("bogus").Rank())
}

func TestSessionFindUser(t *testing.T) {
	s := &Session{
		Users: []*User{{ID: "u1"}, {ID: "u2"}},
	}

	assert.Equal(t, "u1", s.FindUser("u1").ID)
	assert.Nil(t, s.FindUser("missing"))
}

func TestSessionFindClient(t *testing.T) {
	s := &Session{
		Clients: []*Client{{ID: "c1", UserID: "u1"}},
	}

	assert.Equal(t, "u1", s.FindClient("c1").UserID)
	assert.Nil(t, s.FindClient("missing"))
}

func TestSessionCloneIsDeep(t *testing.T) {
	now := time.Now()
	original := &Session{
		ID: "s1",
		Users: []*User{
			{ID: "u1", Cursor: &Cursor{File: "a.go", Line: 1}},
		},
		Clients: []*Client{{ID: "c1", UserID: "u1"}},
		ActivePrompt: &Prompt{ID: "p1", Status: PromptExecuting},
		PromptQueue: []*Prompt{{ID: "p2", Status: PromptQueued}},
		State:       State{Version: 1},
		CreatedAt:   now,
	}

	clone := original.Clone()

	// Mutating the clone must not affect the original.
	clone.Users[0].DisplayName = "mutated"
	clone.Users[0].Cursor.Line = 99
	clone.ActivePrompt.Status = PromptCompleted
	clone.PromptQueue[0].Status = PromptCancelled
	clone.State.Version = 2

	assert.Empty(t, original.Users[0].DisplayName)
	assert.Equal(t, 1, original.Users[0].Cursor.Line)
	assert.Equal(t, PromptExecuting, original.ActivePrompt.Status)
	assert.Equal(t, PromptQueued, original.PromptQueue[0].Status)
	assert.Equal(t, int64(1), original.State.Version)
}

func TestSessionCloneNilActivePrompt(t *testing.T) {
	original := &Session{ID: "s1"}
	clone := original.Clone()
	assert.Nil(t, clone.ActivePrompt)
	assert.Empty(t, clone.Users)
}
