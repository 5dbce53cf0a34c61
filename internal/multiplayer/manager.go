// Package multiplayer implements the Multiplayer Session Manager:
// the Session aggregate's sole write path, serialized per session so
// version monotonicity holds without external locking.
package multiplayer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/promptqueue"
	"github.com/kandev/orchestrator/internal/sandbox"
	"github.com/kandev/orchestrator/internal/session"
	"github.com/kandev/orchestrator/internal/store"
)

// Errors returned by Manager operations.
var (
	ErrAlreadyExists = errors.New("session already exists")
	ErrFull          = errors.New("session has reached its collaborator or client limit")
	ErrUnknownUser   = errors.New("user is not a member of this session")
	ErrLockHeld      = errors.New("edit lock is held by another user")
)

// CreateInput describes a new Session.
type CreateInput struct {
	ID                  string
	LinkedWorkSessionID string
}

// ConnectInput describes a new Client.
type ConnectInput struct {
	UserID string
	Type   session.ClientType
}

// sessionActor serializes every mutation to one Session behind a single
// mutex, the concurrency model's "actor per session" pattern.
type sessionActor struct {
	mu sync.Mutex
}

// Manager is the Multiplayer Session Manager. Every public method reads
// the latest state from store.Store, mutates a working copy under the
// session's actor lock, and writes it back — the only place Session
// mutation happens.
type Manager struct {
	st        store.Store
	bus       bus.EventBus
	provider  sandbox.Provider // optional; used by Delete to tear down a session's sandbox
	cfg       config.MultiplayerConfig
	promptCfg config.PromptQueueConfig
	log       *logger.Logger

	actorsMu sync.Mutex
	actors   map[string]*sessionActor

	lockMu   sync.Mutex
	lockExp  map[string]time.Time // sessionID -> edit lock expiry
}

// New creates a Manager backed by st, publishing lifecycle events on bus.
// provider may be nil, in which case Delete skips sandbox teardown.
func New(st store.Store, eventBus bus.EventBus, provider sandbox.Provider, cfg config.MultiplayerConfig, promptCfg config.PromptQueueConfig, log *logger.Logger) *Manager {
	return &Manager{
		st:        st,
		bus:       eventBus,
		provider:  provider,
		cfg:       cfg,
		promptCfg: promptCfg,
		log:       log.WithFields(zap.String("component", "multiplayer")),
		actors:    make(map[string]*sessionActor),
		lockExp:   make(map[string]time.Time),
	}
}

func (m *Manager) actorFor(sessionID string) *sessionActor {
	m.actorsMu.Lock()
	defer m.actorsMu.Unlock()
	a, ok := m.actors[sessionID]
	if !ok {
		a = &sessionActor{}
		m.actors[sessionID] = a
	}
	return a
}

// withSession serializes a read-modify-write cycle against one session
// through its actor. fn reports whether it actually changed s; only a
// state-changing call increments State.Version and persists the result,
// so idempotent no-ops (e.g. joining twice, releasing an unheld lock)
// don't advance a version number clients diff against.
func (m *Manager) withSession(ctx context.Context, sessionID string, fn func(s *session.Session) (bool, error)) (*session.Session, error) {
	actor := m.actorFor(sessionID)
	actor.mu.Lock()
	defer actor.mu.Unlock()

	s, err := m.st.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}

	mutated, err := fn(s)
	if err != nil {
		return nil, err
	}
	if !mutated {
		return s, nil
	}

	s.State.Version++
	if err := m.st.Set(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Create materializes a new Session with empty collections.
func (m *Manager) Create(ctx context.Context, input CreateInput) (*session.Session, error) {
	id := input.ID
	if id == "" {
		id = uuid.New().String()
	}

	existing, err := m.st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyExists
	}

	s := &session.Session{
		ID:                  id,
		LinkedWorkSessionID: input.LinkedWorkSessionID,
		State: session.State{
			GitSyncStatus: session.GitSyncPending,
			AgentStatus:   session.AgentStatusIdle,
			Version:       0,
		},
		CreatedAt: time.Now(),
	}
	if err := m.st.Set(ctx, s); err != nil {
		return nil, err
	}

	m.emit(events.SessionCreated, id, nil)
	return s, nil
}

// Join adds user to the session, idempotent for an already-present user.
func (m *Manager) Join(ctx context.Context, sessionID string, user *session.User) (*session.Session, error) {
	var joined bool
	result, err := m.withSession(ctx, sessionID, func(s *session.Session) (bool, error) {
		if s.FindUser(user.ID) != nil {
			return false, nil
		}
		max := m.cfg.MaxUsersPerSession
		if max > 0 && len(s.Users) >= max {
			return false, ErrFull
		}
		u := *user
		u.JoinedAt = time.Now()
		s.Users = append(s.Users, &u)
		joined = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if joined {
		m.emit(events.UserJoined, sessionID, map[string]interface{}{"userId": user.ID})
	}
	return result, nil
}

// Leave removes userID and all of their clients; releases the edit lock
// if userID held it. A no-op (and no version bump) if userID was not a
// member.
func (m *Manager) Leave(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	var left bool
	result, err := m.withSession(ctx, sessionID, func(s *session.Session) (bool, error) {
		filtered := s.Users[:0]
		for _, u := range s.Users {
			if u.ID == userID {
				left = true
				continue
			}
			filtered = append(filtered, u)
		}
		s.Users = filtered

		clients := s.Clients[:0]
		for _, c := range s.Clients {
			if c.UserID == userID {
				left = true
				continue
			}
			clients = append(clients, c)
		}
		s.Clients = clients

		if s.State.EditLock == userID {
			s.State.EditLock = ""
			left = true
		}
		return left, nil
	})
	if err != nil {
		return nil, err
	}
	if left {
		m.clearLockExpiry(sessionID)
		m.emit(events.UserLeft, sessionID, map[string]interface{}{"userId": userID})
	}
	return result, nil
}

// Connect adds a client bound to an existing user.
func (m *Manager) Connect(ctx context.Context, sessionID string, input ConnectInput) (*session.Client, error) {
	var created *session.Client
	_, err := m.withSession(ctx, sessionID, func(s *session.Session) (bool, error) {
		if s.FindUser(input.UserID) == nil {
			return false, ErrUnknownUser
		}
		if m.cfg.MaxClientsPerUser > 0 {
			count := 0
			for _, c := range s.Clients {
				if c.UserID == input.UserID {
					count++
				}
			}
			if count >= m.cfg.MaxClientsPerUser {
				return false, ErrFull
			}
		}
		now := time.Now()
		created = &session.Client{
			ID:           uuid.New().String(),
			UserID:       input.UserID,
			Type:         input.Type,
			ConnectedAt:  now,
			LastActivity: now,
		}
		s.Clients = append(s.Clients, created)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	m.emit(events.ClientConnected, sessionID, map[string]interface{}{"clientId": created.ID, "userId": input.UserID})
	return created, nil
}

// Disconnect removes a client and refreshes the owning user's activity.
// A no-op (and no version bump) if clientID is not connected.
func (m *Manager) Disconnect(ctx context.Context, sessionID, clientID string) (*session.Session, error) {
	var removed bool
	result, err := m.withSession(ctx, sessionID, func(s *session.Session) (bool, error) {
		clients := s.Clients[:0]
		for _, c := range s.Clients {
			if c.ID == clientID {
				removed = true
				continue
			}
			clients = append(clients, c)
		}
		s.Clients = clients
		return removed, nil
	})
	if err != nil {
		return nil, err
	}
	if removed {
		m.emit(events.ClientDisconnected, sessionID, map[string]interface{}{"clientId": clientID})
	}
	return result, nil
}

// UpdateCursor sets userID's cursor position.
func (m *Manager) UpdateCursor(ctx context.Context, sessionID, userID string, cursor session.Cursor) (*session.Session, error) {
	result, err := m.withSession(ctx, sessionID, func(s *session.Session) (bool, error) {
		u := s.FindUser(userID)
		if u == nil {
			return false, ErrUnknownUser
		}
		c := cursor
		u.Cursor = &c
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		m.emit(events.CursorMoved, sessionID, map[string]interface{}{"userId": userID})
	}
	return result, nil
}

// AcquireLock grants the edit lock to userID if absent or already held by
// them, and (re)starts the auto-expiry timer. Re-acquiring a lock already
// held by userID renews the timer but is not a state change, so it does
// not bump State.Version or re-emit LockAcquired.
func (m *Manager) AcquireLock(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	var acquired bool
	result, err := m.withSession(ctx, sessionID, func(s *session.Session) (bool, error) {
		if s.FindUser(userID) == nil {
			return false, ErrUnknownUser
		}
		if s.State.EditLock != "" && s.State.EditLock != userID {
			return false, ErrLockHeld
		}
		if s.State.EditLock == userID {
			return false, nil
		}
		s.State.EditLock = userID
		acquired = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		m.setLockExpiry(sessionID, m.cfg.EditLockTimeoutDuration())
		if acquired {
			m.emit(events.LockAcquired, sessionID, map[string]interface{}{"userId": userID})
		}
	}
	return result, nil
}

// ReleaseLock releases the edit lock; a no-op (and no version bump) if
// not held by userID.
func (m *Manager) ReleaseLock(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	var released bool
	result, err := m.withSession(ctx, sessionID, func(s *session.Session) (bool, error) {
		if s.State.EditLock != userID {
			return false, nil
		}
		s.State.EditLock = ""
		released = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if released {
		m.clearLockExpiry(sessionID)
		m.emit(events.LockReleased, sessionID, map[string]interface{}{"userId": userID})
	}
	return result, nil
}

// Delete tears a session down: clears its prompt queue (cancelling every
// queued prompt and dropping the in-flight one without changing its
// status, since promptqueue.Clear avoids the illegal executing->cancelled
// transition),
// best-effort terminates its sandbox, and removes it from the store.
// Returns false if the session did not exist.
func (m *Manager) Delete(ctx context.Context, sessionID string) (bool, error) {
	actor := m.actorFor(sessionID)
	actor.mu.Lock()
	s, err := m.st.Get(ctx, sessionID)
	if err != nil {
		actor.mu.Unlock()
		return false, err
	}
	if s == nil {
		actor.mu.Unlock()
		return false, nil
	}
	hydrateQueue(s, m.promptCfg).Clear()
	actor.mu.Unlock()

	if m.provider != nil && s.SandboxID != "" {
		if err := m.provider.Terminate(ctx, s.SandboxID); err != nil {
			m.log.Warn("failed to terminate sandbox during session deletion", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	deleted, err := m.st.Delete(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if deleted {
		m.actorsMu.Lock()
		delete(m.actors, sessionID)
		m.actorsMu.Unlock()
		m.clearLockExpiry(sessionID)
		m.emit(events.SessionDeleted, sessionID, nil)
	}
	return deleted, nil
}

// CanEdit reports whether userID currently may take write actions.
func (m *Manager) CanEdit(ctx context.Context, sessionID, userID string) (bool, error) {
	s, err := m.st.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if s == nil {
		return false, nil
	}
	return s.State.EditLock == "" || s.State.EditLock == userID, nil
}

// UpdateState applies a partial patch, bumping the version only if the
// patch actually sets a field.
func (m *Manager) UpdateState(ctx context.Context, sessionID string, patch session.StatePatch) (*session.Session, error) {
	var changed bool
	result, err := m.withSession(ctx, sessionID, func(s *session.Session) (bool, error) {
		if patch.GitSyncStatus != nil {
			s.State.GitSyncStatus = *patch.GitSyncStatus
			changed = true
		}
		if patch.AgentStatus != nil {
			s.State.AgentStatus = *patch.AgentStatus
			changed = true
		}
		if patch.EditLock != nil {
			s.State.EditLock = *patch.EditLock
			if *patch.EditLock == "" {
				m.clearLockExpiry(sessionID)
			}
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.emit(events.StateChanged, sessionID, nil)
	}
	return result, nil
}

// ExpireStaleLocks releases edit locks whose auto-expiry deadline has
// passed without a keepalive AcquireLock call.
func (m *Manager) ExpireStaleLocks(ctx context.Context) {
	now := time.Now()
	var expired []string

	m.lockMu.Lock()
	for sessionID, deadline := range m.lockExp {
		if now.After(deadline) {
			expired = append(expired, sessionID)
		}
	}
	m.lockMu.Unlock()

	for _, sessionID := range expired {
		s, err := m.st.Get(ctx, sessionID)
		if err != nil || s == nil {
			continue
		}
		if _, err := m.ReleaseLock(ctx, sessionID, s.State.EditLock); err != nil {
			m.log.Warn("failed to release expired edit lock", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

func (m *Manager) setLockExpiry(sessionID string, d time.Duration) {
	if d <= 0 {
		return
	}
	m.lockMu.Lock()
	m.lockExp[sessionID] = time.Now().Add(d)
	m.lockMu.Unlock()
}

func (m *Manager) clearLockExpiry(sessionID string) {
	m.lockMu.Lock()
	delete(m.lockExp, sessionID)
	m.lockMu.Unlock()
}

func (m *Manager) emit(eventType, sessionID string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["sessionId"] = sessionID
	evt := bus.NewEvent(eventType, "multiplayer", data)
	if err := m.bus.Publish(context.Background(), events.BuildSessionSubject(eventType, sessionID), evt); err != nil {
		m.log.Warn("failed to publish multiplayer event", zap.Error(err), zap.String("event_type", eventType))
	}
}
