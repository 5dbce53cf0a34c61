package multiplayer

import (
	"context"

	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/promptqueue"
	"github.com/kandev/orchestrator/internal/session"
)

// promptEventTypes maps a Queue's lifecycle notification to the bus event
// type published for it.
var promptEventTypes = map[promptqueue.EventType]string{
	promptqueue.EventAdded:     events.PromptEnqueued,
	promptqueue.EventStarted:   events.PromptStarted,
	promptqueue.EventCompleted: events.PromptDone,
	promptqueue.EventCancelled: events.PromptCanceled,
	promptqueue.EventReordered: events.PromptReordered,
}

// hydrateQueue rebuilds a promptqueue.Queue from a Session's persisted
// ActivePrompt/PromptQueue fields so Queue's in-memory algorithms can run
// against it under the session's actor lock.
func hydrateQueue(s *session.Session, cfg config.PromptQueueConfig) *promptqueue.Queue {
	q := promptqueue.New(s.ID, promptqueue.Config{
		MaxPrompts:   cfg.MaxQueuedPerSession,
		AllowReorder: cfg.AllowReorder,
	})
	q.Restore(s.ActivePrompt, s.PromptQueue)
	return q
}

// writeBackQueue persists a Queue's resulting state onto the Session.
func writeBackQueue(s *session.Session, q *promptqueue.Queue) {
	s.ActivePrompt = q.Active()
	s.PromptQueue = q.List()
}

// AddPrompt appends a new prompt to sessionID's queue, ordered by priority.
func (m *Manager) AddPrompt(ctx context.Context, sessionID, userID, content string, priority session.PromptPriority) (*session.Prompt, error) {
	var added *session.Prompt
	var queueEvents []promptqueue.EventType

	_, err := m.withSession(ctx, sessionID, func(s *session.Session) (bool, error) {
		q := hydrateQueue(s, m.promptCfg)
		q.OnEvent(func(evt promptqueue.EventType, _ *session.Prompt) { queueEvents = append(queueEvents, evt) })

		p, err := q.Add(userID, content, priority)
		if err != nil {
			return false, err
		}
		added = p
		writeBackQueue(s, q)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	m.emitPromptEvents(sessionID, added, queueEvents)
	return added, nil
}

// CancelPrompt cancels a queued prompt if userID is its author.
func (m *Manager) CancelPrompt(ctx context.Context, sessionID, promptID, userID string) (bool, error) {
	var ok bool
	var target *session.Prompt
	var queueEvents []promptqueue.EventType

	_, err := m.withSession(ctx, sessionID, func(s *session.Session) (bool, error) {
		q := hydrateQueue(s, m.promptCfg)
		q.OnEvent(func(evt promptqueue.EventType, p *session.Prompt) {
			queueEvents = append(queueEvents, evt)
			target = p
		})
		ok = q.Cancel(promptID, userID)
		writeBackQueue(s, q)
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	if ok {
		m.emitPromptEvents(sessionID, target, queueEvents)
	}
	return ok, nil
}

// ReorderPrompt moves a queued prompt to newIndex if userID is its author
// and the session's queue allows reordering.
func (m *Manager) ReorderPrompt(ctx context.Context, sessionID, promptID, userID string, newIndex int) (bool, error) {
	var ok bool
	var target *session.Prompt
	var queueEvents []promptqueue.EventType

	_, err := m.withSession(ctx, sessionID, func(s *session.Session) (bool, error) {
		q := hydrateQueue(s, m.promptCfg)
		q.OnEvent(func(evt promptqueue.EventType, p *session.Prompt) {
			queueEvents = append(queueEvents, evt)
			target = p
		})
		ok = q.Reorder(promptID, userID, newIndex)
		writeBackQueue(s, q)
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	if ok {
		m.emitPromptEvents(sessionID, target, queueEvents)
	}
	return ok, nil
}

// StartNextPrompt promotes the head queued prompt to executing, enforcing
// the at-most-one-executing-prompt-per-session rule via the Queue's own guard.
func (m *Manager) StartNextPrompt(ctx context.Context, sessionID string) (*session.Prompt, error) {
	var started *session.Prompt
	var queueEvents []promptqueue.EventType

	_, err := m.withSession(ctx, sessionID, func(s *session.Session) (bool, error) {
		q := hydrateQueue(s, m.promptCfg)
		q.OnEvent(func(evt promptqueue.EventType, _ *session.Prompt) { queueEvents = append(queueEvents, evt) })

		p, err := q.StartNext()
		if err != nil {
			return false, err
		}
		started = p
		writeBackQueue(s, q)
		return started != nil, nil
	})
	if err != nil {
		return nil, err
	}
	if started != nil {
		m.emitPromptEvents(sessionID, started, queueEvents)
	}
	return started, nil
}

// CompletePrompt marks the in-flight prompt completed.
func (m *Manager) CompletePrompt(ctx context.Context, sessionID string) (*session.Prompt, error) {
	var completed *session.Prompt
	var queueEvents []promptqueue.EventType

	_, err := m.withSession(ctx, sessionID, func(s *session.Session) (bool, error) {
		q := hydrateQueue(s, m.promptCfg)
		q.OnEvent(func(evt promptqueue.EventType, _ *session.Prompt) { queueEvents = append(queueEvents, evt) })

		completed = q.Complete()
		writeBackQueue(s, q)
		return completed != nil, nil
	})
	if err != nil {
		return nil, err
	}
	if completed != nil {
		m.emitPromptEvents(sessionID, completed, queueEvents)
	}
	return completed, nil
}

func (m *Manager) emitPromptEvents(sessionID string, p *session.Prompt, queueEvents []promptqueue.EventType) {
	var promptID, userID string
	if p != nil {
		promptID, userID = p.ID, p.UserID
	}
	for _, evt := range queueEvents {
		eventType, ok := promptEventTypes[evt]
		if !ok {
			continue
		}
		m.emit(eventType, sessionID, map[string]interface{}{"promptId": promptID, "userId": userID})
	}
}
