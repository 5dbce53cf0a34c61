// Package promptqueue implements the per-session priority prompt queue:
// bucketed FIFO ordering, single-flight execution, and author-authorized
// cancel/reorder.
package promptqueue

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kandev/orchestrator/internal/session"
)

// Common errors.
var (
	ErrQueueFull      = errors.New("prompt queue is full")
	ErrAlreadyExecuting = errors.New("a prompt is already executing")
	ErrNotFound       = errors.New("prompt not found")
	ErrNotAuthor      = errors.New("caller is not the prompt's author")
	ErrNotQueued      = errors.New("prompt is not queued")
	ErrReorderDisabled = errors.New("reordering is disabled for this queue")
)

// Config bounds one session's prompt queue.
type Config struct {
	MaxPrompts   int
	AllowReorder bool
}

// DefaultConfig returns sane defaults for a single session's queue.
func DefaultConfig() Config {
	return Config{MaxPrompts: 100, AllowReorder: true}
}

// EventType distinguishes queue lifecycle events.
type EventType string

const (
	EventAdded     EventType = "added"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventCancelled EventType = "cancelled"
	EventReordered EventType = "reordered"
	EventCleared   EventType = "cleared"
)

// Listener receives queue lifecycle notifications.
type Listener func(EventType, *session.Prompt)

// Queue is a single session's prompt queue. It is not safe for concurrent
// use by multiple goroutines directly; callers serialize access through
// the owning session's actor (see internal/multiplayer).
type Queue struct {
	sessionID string
	cfg       Config
	queued    []*session.Prompt // insertion-ordered within priority buckets
	active    *session.Prompt
	listeners []Listener
}

// New creates an empty prompt queue for a session.
func New(sessionID string, cfg Config) *Queue {
	return &Queue{sessionID: sessionID, cfg: cfg}
}

// Restore seeds a freshly created Queue from persisted active/queued
// prompts, so a Queue can be rehydrated from storage on each operation
// rather than kept resident in memory.
func (q *Queue) Restore(active *session.Prompt, queued []*session.Prompt) {
	q.active = active
	q.queued = append(q.queued[:0], queued...)
}

// OnEvent registers a listener invoked synchronously on each mutation.
func (q *Queue) OnEvent(l Listener) {
	q.listeners = append(q.listeners, l)
}

func (q *Queue) notify(evt EventType, p *session.Prompt) {
	for _, l := range q.listeners {
		l(evt, p)
	}
}

// Add inserts a new prompt. The prompt is placed after all
// existing prompts of equal or higher priority, which combined with
// insertion order yields strict FIFO within a priority bucket.
func (q *Queue) Add(userID, content string, priority session.PromptPriority) (*session.Prompt, error) {
	if q.cfg.MaxPrompts > 0 && len(q.queued) >= q.cfg.MaxPrompts {
		return nil, ErrQueueFull
	}

	p := &session.Prompt{
		ID:        uuid.New().String(),
		SessionID: q.sessionID,
		UserID:    userID,
		Content:   content,
		Status:    session.PromptQueued,
		Priority:  priority,
		CreatedAt: time.Now(),
	}

	insertAt := len(q.queued)
	for i, existing := range q.queued {
		if existing.Priority.Rank() > priority.Rank() {
			insertAt = i
			break
		}
	}
	q.queued = append(q.queued, nil)
	copy(q.queued[insertAt+1:], q.queued[insertAt:])
	q.queued[insertAt] = p

	q.notify(EventAdded, p)
	return p, nil
}

// StartNext promotes the head queued prompt to executing, enforcing the
// at most one executing prompt at a time.
func (q *Queue) StartNext() (*session.Prompt, error) {
	if q.active != nil {
		return nil, ErrAlreadyExecuting
	}
	if len(q.queued) == 0 {
		return nil, nil
	}

	p := q.queued[0]
	q.queued = q.queued[1:]
	p.Status = session.PromptExecuting
	now := time.Now()
	p.StartedAt = &now
	q.active = p

	q.notify(EventStarted, p)
	return p, nil
}

// Complete marks the in-flight prompt completed and removes it from the
// active slot.
func (q *Queue) Complete() *session.Prompt {
	if q.active == nil {
		return nil
	}
	p := q.active
	p.Status = session.PromptCompleted
	now := time.Now()
	p.CompletedAt = &now
	q.active = nil

	q.notify(EventCompleted, p)
	return p
}

// Cancel cancels a queued prompt if userID matches its author. Executing
// prompts cannot be cancelled through this operation.
func (q *Queue) Cancel(id, userID string) bool {
	for i, p := range q.queued {
		if p.ID != id {
			continue
		}
		if p.UserID != userID {
			return false
		}
		p.Status = session.PromptCancelled
		q.queued = append(q.queued[:i], q.queued[i+1:]...)
		q.notify(EventCancelled, p)
		return true
	}
	return false
}

// Reorder moves a queued prompt to newIndex within the queued slice,
// succeeding only when reordering is allowed, the prompt is queued, and the
// requester is its author. Since the executing prompt is tracked
// separately from q.queued, any non-negative index is already past it; an
// out-of-range newIndex is clamped to the valid queued range, not rejected.
func (q *Queue) Reorder(id, userID string, newIndex int) bool {
	if !q.cfg.AllowReorder {
		return false
	}
	idx := -1
	for i, p := range q.queued {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}
	p := q.queued[idx]
	if p.UserID != userID {
		return false
	}

	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > len(q.queued)-1 {
		newIndex = len(q.queued) - 1
	}
	if newIndex == idx {
		q.notify(EventReordered, p)
		return true
	}

	q.queued = append(q.queued[:idx], q.queued[idx+1:]...)
	q.queued = append(q.queued, nil)
	copy(q.queued[newIndex+1:], q.queued[newIndex:])
	q.queued[newIndex] = p

	q.notify(EventReordered, p)
	return true
}

// Active returns the currently executing prompt, or nil.
func (q *Queue) Active() *session.Prompt {
	return q.active
}

// List returns the queued prompts in dispatch order (not including the
// active prompt).
func (q *Queue) List() []*session.Prompt {
	out := make([]*session.Prompt, len(q.queued))
	copy(out, q.queued)
	return out
}

// Len returns the number of queued prompts (excluding any active one).
func (q *Queue) Len() int {
	return len(q.queued)
}

// Clear empties the queue, cancelling every still-queued prompt. It does
// not touch the status of an executing prompt: executing->cancelled is
// not a permitted transition, so the active prompt is simply dropped
// from the queue's bookkeeping and left for its own run to complete or
// fail on its own terms. Called from session deletion, which tears the
// whole session down regardless of what the in-flight prompt does next.
func (q *Queue) Clear() {
	for _, p := range q.queued {
		p.Status = session.PromptCancelled
	}
	q.queued = nil
	q.active = nil
	q.notify(EventCleared, nil)
}
