// Package snapshot implements the Snapshot Manager: a catalog of
// point-in-time sandbox captures, one "current" snapshot per session,
// delegating the actual capture/restore mechanics to a sandbox.Provider.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/google/uuid"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/sandbox"
)

// Snapshot is a catalogued capture of a sandbox's disk/git state.
type Snapshot struct {
	ID                    string
	SessionID             string
	SandboxID             string
	Handle                string // opaque sandbox.Provider-specific snapshot handle
	GitCommit             string
	HasUncommittedChanges bool
	CreatedAt             time.Time
	ExpiresAt             time.Time
}

// Expired reports whether the snapshot's TTL has elapsed as of now.
func (s *Snapshot) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Manifest is the small YAML sidecar recorded alongside every provider
// snapshot handle: just enough to tell a human (or a restore audit)
// what was captured without round-tripping through the full Snapshot
// catalog entry.
type Manifest struct {
	SnapshotID            string    `yaml:"snapshotId"`
	SessionID             string    `yaml:"sessionId"`
	GitCommit             string    `yaml:"gitCommit"`
	HasUncommittedChanges bool      `yaml:"dirty"`
	CreatedAt             time.Time `yaml:"createdAt"`
	ExpiresAt             time.Time `yaml:"expiresAt"`
}

// Manifest builds the YAML manifest describing this snapshot.
func (s *Snapshot) Manifest() Manifest {
	return Manifest{
		SnapshotID:            s.ID,
		SessionID:             s.SessionID,
		GitCommit:             s.GitCommit,
		HasUncommittedChanges: s.HasUncommittedChanges,
		CreatedAt:             s.CreatedAt,
		ExpiresAt:             s.ExpiresAt,
	}
}

// MarshalManifest renders the snapshot's manifest as YAML, the form it
// is written in alongside the provider's opaque snapshot handle.
func (s *Snapshot) MarshalManifest() ([]byte, error) {
	out, err := yaml.Marshal(s.Manifest())
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot manifest: %w", err)
	}
	return out, nil
}

// ParseManifest reads back a manifest written by MarshalManifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse snapshot manifest: %w", err)
	}
	return &m, nil
}

// Manager is the Snapshot catalog. All methods are safe for concurrent use.
type Manager struct {
	provider   sandbox.Provider
	bus        bus.EventBus
	log        *logger.Logger
	defaultTTL time.Duration

	mu        sync.Mutex
	byID      map[string]*Snapshot
	current   map[string]string // sessionID -> current snapshot ID
	pendingDel []*Snapshot       // superseded snapshots awaiting cleanup
}

// New creates a Manager. defaultTTL is applied to Create calls that don't
// specify one explicitly.
func New(provider sandbox.Provider, eventBus bus.EventBus, defaultTTL time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		provider:   provider,
		bus:        eventBus,
		log:        log.WithFields(zap.String("component", "snapshot")),
		defaultTTL: defaultTTL,
		byID:       make(map[string]*Snapshot),
		current:    make(map[string]string),
	}
}

// Create captures sandboxID via the provider and records it as the
// current snapshot for sessionID, superseding any prior current one.
func (m *Manager) Create(ctx context.Context, sandboxID, sessionID, gitCommit string, hasUncommittedChanges bool, ttl time.Duration) (*Snapshot, error) {
	handle, err := m.provider.Snapshot(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := time.Now()
	snap := &Snapshot{
		ID:                    uuid.New().String(),
		SessionID:             sessionID,
		SandboxID:             sandboxID,
		Handle:                handle,
		GitCommit:             gitCommit,
		HasUncommittedChanges: hasUncommittedChanges,
		CreatedAt:             now,
		ExpiresAt:             now.Add(ttl),
	}

	m.mu.Lock()
	if priorID, ok := m.current[sessionID]; ok {
		if prior, ok := m.byID[priorID]; ok {
			delete(m.byID, priorID)
			m.pendingDel = append(m.pendingDel, prior)
		}
	}
	m.byID[snap.ID] = snap
	m.current[sessionID] = snap.ID
	m.mu.Unlock()

	if manifest, err := snap.MarshalManifest(); err != nil {
		m.log.Warn("failed to marshal snapshot manifest", zap.Error(err), zap.String("snapshot_id", snap.ID))
	} else {
		m.log.Info("snapshot manifest recorded", zap.String("snapshot_id", snap.ID), zap.Int("manifest_bytes", len(manifest)))
	}

	m.emit(events.SnapshotCreated, sessionID, snap.ID)
	return snap, nil
}

// Restore looks up sessionID's current snapshot and, if present and not
// expired, restores it into a new sandbox via the provider.
func (m *Manager) Restore(ctx context.Context, sessionID string, input sandbox.CreateInput) (*sandbox.Sandbox, error) {
	snap := m.currentSnapshot(sessionID)
	if snap == nil {
		return nil, nil
	}
	if snap.Expired(time.Now()) {
		return nil, nil
	}

	sb, err := m.provider.Restore(ctx, snap.Handle, input)
	if err != nil {
		return nil, err
	}
	m.emit(events.SnapshotRestored, sessionID, snap.ID)
	return sb, nil
}

// HasValid reports whether sessionID has a current, unexpired snapshot.
func (m *Manager) HasValid(sessionID string) bool {
	snap := m.currentSnapshot(sessionID)
	return snap != nil && !snap.Expired(time.Now())
}

func (m *Manager) currentSnapshot(sessionID string) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.current[sessionID]
	if !ok {
		return nil
	}
	return m.byID[id]
}

// Get returns a snapshot by ID, or nil if absent.
func (m *Manager) Get(id string) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

// List returns every catalogued snapshot; order is not significant.
func (m *Manager) List() []*Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Snapshot, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}

// Delete removes a snapshot from the catalog, returning true iff it
// existed. If it was the current snapshot for its session, that pointer
// is cleared too.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.byID[id]
	if !ok {
		return false
	}
	delete(m.byID, id)
	if m.current[snap.SessionID] == id {
		delete(m.current, snap.SessionID)
	}
	return true
}

// DeleteExpired sweeps the catalog and removes every snapshot whose TTL
// has elapsed, emitting SnapshotExpired for each.
func (m *Manager) DeleteExpired(ctx context.Context) int {
	now := time.Now()

	m.mu.Lock()
	var expired []*Snapshot
	for id, snap := range m.byID {
		if snap.Expired(now) {
			expired = append(expired, snap)
			delete(m.byID, id)
			if m.current[snap.SessionID] == id {
				delete(m.current, snap.SessionID)
			}
		}
	}
	m.mu.Unlock()

	for _, snap := range expired {
		m.emit(events.SnapshotExpired, snap.SessionID, snap.ID)
	}
	return len(expired)
}

// DrainPendingDeletions processes snapshots superseded by a newer Create
// call, emitting SnapshotSuperseded for each. Catalog removal already
// happened at supersession time; this only notifies listeners (e.g. a
// storage-reclaim job outside this module's scope).
func (m *Manager) DrainPendingDeletions(ctx context.Context) int {
	m.mu.Lock()
	pending := m.pendingDel
	m.pendingDel = nil
	m.mu.Unlock()

	for _, snap := range pending {
		m.emit(events.SnapshotSuperseded, snap.SessionID, snap.ID)
	}
	return len(pending)
}

func (m *Manager) emit(eventType, sessionID, snapshotID string) {
	if m.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "snapshot", map[string]interface{}{
		"sessionId":  sessionID,
		"snapshotId": snapshotID,
	})
	if err := m.bus.Publish(context.Background(), events.BuildSessionSubject(eventType, sessionID), evt); err != nil {
		m.log.Warn("failed to publish snapshot event", zap.Error(err), zap.String("event_type", eventType))
	}
}
