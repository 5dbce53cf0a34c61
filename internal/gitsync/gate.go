// Package gitsync implements the Git-Sync Gate: a tool-call
// admission check that blocks write-class tool invocations until a
// session's sandbox has finished syncing its repository state.
package gitsync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/kandev/orchestrator/internal/common/errors"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/session"
	"github.com/kandev/orchestrator/internal/store"
)

// Class is a tool's admission classification.
type Class int

const (
	ClassRead Class = iota
	ClassWrite
	ClassUnknown
)

// readTools and writeTools are the immutable classification sets.
var (
	readTools = map[string]bool{
		"read":       true,
		"glob":       true,
		"grep":       true,
		"ls":         true,
		"codesearch": true,
	}
	writeTools = map[string]bool{
		"edit":     true,
		"write":    true,
		"patch":    true,
		"multiedit": true,
		"bash":     true,
	}
)

// Classify returns the Class of a tool name.
func Classify(toolName string) Class {
	if readTools[toolName] {
		return ClassRead
	}
	if writeTools[toolName] {
		return ClassWrite
	}
	return ClassUnknown
}

// waiter is a pending write-admission request parked on a session.
type waiter struct {
	done chan error // receives nil on admit, GitSyncError on failure
}

// Gate admits READ tool calls unconditionally and gates WRITE tool calls
// on the owning session's gitSyncStatus reaching synced.
type Gate struct {
	st  store.Store
	log *logger.Logger

	mu      sync.Mutex
	waiters map[string][]*waiter // sessionID -> pending write admissions

	sub bus.Subscription
}

// New creates a Gate backed by st and subscribes to state.changed events
// on eventBus to wake pending writers.
func New(st store.Store, eventBus bus.EventBus, log *logger.Logger) (*Gate, error) {
	g := &Gate{
		st:      st,
		log:     log.WithFields(zap.String("component", "gitsync")),
		waiters: make(map[string][]*waiter),
	}

	if eventBus != nil {
		sub, err := eventBus.Subscribe(events.StateChanged+".*", g.onStateChanged)
		if err != nil {
			return nil, err
		}
		g.sub = sub
	}

	return g, nil
}

// Close releases the gate's event subscription.
func (g *Gate) Close() error {
	if g.sub != nil {
		return g.sub.Unsubscribe()
	}
	return nil
}

// Admit blocks until toolName is cleared to run against sessionID, ctx is
// canceled, or the session's git sync enters an unrecoverable error.
func (g *Gate) Admit(ctx context.Context, sessionID, toolName string) error {
	switch Classify(toolName) {
	case ClassRead:
		return nil
	case ClassWrite:
		return g.admitWrite(ctx, sessionID)
	default:
		return apperrors.ValidationError("toolName", "unrecognized tool: "+toolName)
	}
}

func (g *Gate) admitWrite(ctx context.Context, sessionID string) error {
	s, err := g.st.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s == nil {
		return apperrors.NotFound("session", sessionID)
	}

	switch s.State.GitSyncStatus {
	case session.GitSyncSynced:
		return nil
	case session.GitSyncError:
		return apperrors.GitSyncError("session " + sessionID + " git sync failed")
	}

	w := &waiter{done: make(chan error, 1)}
	g.mu.Lock()
	g.waiters[sessionID] = append(g.waiters[sessionID], w)
	g.mu.Unlock()

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		g.removeWaiter(sessionID, w)
		return ctx.Err()
	}
}

func (g *Gate) removeWaiter(sessionID string, target *waiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pending := g.waiters[sessionID]
	for i, w := range pending {
		if w == target {
			g.waiters[sessionID] = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(g.waiters[sessionID]) == 0 {
		delete(g.waiters, sessionID)
	}
}

// onStateChanged wakes any pending writers once their session's
// gitSyncStatus resolves to synced or error.
func (g *Gate) onStateChanged(ctx context.Context, evt *bus.Event) error {
	sessionID, _ := evt.Data["sessionId"].(string)
	if sessionID == "" {
		return nil
	}

	g.mu.Lock()
	pending := g.waiters[sessionID]
	delete(g.waiters, sessionID)
	g.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	s, err := g.st.Get(ctx, sessionID)
	if err != nil || s == nil {
		g.log.Warn("failed to load session while resolving pending git-sync writers", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}

	switch s.State.GitSyncStatus {
	case session.GitSyncSynced:
		for _, w := range pending {
			w.done <- nil
		}
	case session.GitSyncError:
		failure := apperrors.GitSyncError("session " + sessionID + " git sync failed")
		for _, w := range pending {
			w.done <- failure
		}
	default:
		// Still pending/syncing; re-park the waiters for the next transition.
		g.mu.Lock()
		g.waiters[sessionID] = append(g.waiters[sessionID], pending...)
		g.mu.Unlock()
	}
	return nil
}

// PendingCount reports how many write calls are parked for sessionID,
// used by tests and operational introspection.
func (g *Gate) PendingCount(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters[sessionID])
}
