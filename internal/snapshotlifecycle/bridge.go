// Package snapshotlifecycle bridges a session's idle/busy transitions into
// Snapshot Manager and Sandbox Provider calls: it decides when
// work is worth snapshotting and how a follow-up prompt gets its sandbox
// back.
package snapshotlifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/sandbox"
	"github.com/kandev/orchestrator/internal/session"
	"github.com/kandev/orchestrator/internal/snapshot"
	"github.com/kandev/orchestrator/internal/store"
	"github.com/kandev/orchestrator/internal/warmpool"
)

// Common errors surfaced by Start/Stop.
var (
	ErrSweepAlreadyRunning = errors.New("snapshot expiry sweep is already running")
	ErrSweepNotRunning     = errors.New("snapshot expiry sweep is not running")
)

type workRecord struct {
	startedAt  time.Time
	hasChanges bool
}

// Bridge observes session state transitions and drives snapshot
// create/restore and sandbox termination around them.
type Bridge struct {
	st       store.Store
	provider sandbox.Provider
	snapMgr  *snapshot.Manager
	pool     *warmpool.Pool
	cfg      config.SnapshotLifecycleConfig
	log      *logger.Logger

	mu          sync.Mutex
	work        map[string]*workRecord // sessionID -> tracked work
	lastStatus  map[string]session.AgentStatus

	sweepInterval time.Duration
	lifecycleMu   sync.Mutex // guards running/stopCh, independent of mu's work tracking
	running       bool
	stopCh        chan struct{}
	wg            sync.WaitGroup

	subs []bus.Subscription
}

// New creates a Bridge and subscribes to state.changed and lock.acquired
// events on eventBus. sweepInterval paces the periodic expiry sweep Start
// begins; it is independent of the event-driven idle/busy handling above.
func New(st store.Store, provider sandbox.Provider, snapMgr *snapshot.Manager, pool *warmpool.Pool, cfg config.SnapshotLifecycleConfig, sweepInterval time.Duration, eventBus bus.EventBus, log *logger.Logger) (*Bridge, error) {
	b := &Bridge{
		st:            st,
		provider:      provider,
		snapMgr:       snapMgr,
		pool:          pool,
		cfg:           cfg,
		log:           log.WithFields(zap.String("component", "snapshotlifecycle")),
		work:          make(map[string]*workRecord),
		lastStatus:    make(map[string]session.AgentStatus),
		sweepInterval: sweepInterval,
	}

	if eventBus != nil {
		sub, err := eventBus.Subscribe(events.StateChanged+".*", b.onStateChanged)
		if err != nil {
			return nil, err
		}
		b.subs = append(b.subs, sub)

		sub, err = eventBus.Subscribe(events.LockAcquired+".*", b.onLockAcquired)
		if err != nil {
			return nil, err
		}
		b.subs = append(b.subs, sub)
	}

	return b, nil
}

// Close releases the bridge's event subscriptions.
func (b *Bridge) Close() error {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			return err
		}
	}
	return nil
}

// Start begins the periodic snapshot TTL sweep, mirroring
// agentscheduler.Scheduler's Start/Stop/sync.WaitGroup lifecycle. Each tick
// drains expired snapshots and supersession notifications concurrently,
// since the two are independent catalog operations.
func (b *Bridge) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	if b.running {
		b.lifecycleMu.Unlock()
		return ErrSweepAlreadyRunning
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.lifecycleMu.Unlock()

	interval := b.sweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.sweep(ctx)
			}
		}
	}()
	return nil
}

// Stop signals the sweep goroutine and waits for it to exit.
func (b *Bridge) Stop() error {
	b.lifecycleMu.Lock()
	if !b.running {
		b.lifecycleMu.Unlock()
		return ErrSweepNotRunning
	}
	b.running = false
	close(b.stopCh)
	b.lifecycleMu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *Bridge) sweep(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error {
		if n := b.snapMgr.DeleteExpired(ctx); n > 0 {
			b.log.Info("swept expired snapshots", zap.Int("count", n))
		}
		return nil
	})
	g.Go(func() error {
		if n := b.snapMgr.DrainPendingDeletions(ctx); n > 0 {
			b.log.Info("drained superseded snapshot notifications", zap.Int("count", n))
		}
		return nil
	})
	g.Wait()
}

func (b *Bridge) onLockAcquired(ctx context.Context, evt *bus.Event) error {
	sessionID, _ := evt.Data["sessionId"].(string)
	if sessionID == "" {
		return nil
	}
	b.MarkHasChanges(sessionID)
	return nil
}

// MarkHasChanges records that tracked work for sessionID has produced a
// change worth snapshotting; safe to call even if no work is tracked yet.
func (b *Bridge) MarkHasChanges(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.work[sessionID]; ok {
		rec.hasChanges = true
	}
}

func (b *Bridge) onStateChanged(ctx context.Context, evt *bus.Event) error {
	sessionID, _ := evt.Data["sessionId"].(string)
	if sessionID == "" {
		return nil
	}

	s, err := b.st.Get(ctx, sessionID)
	if err != nil || s == nil {
		return nil
	}

	b.mu.Lock()
	prev, known := b.lastStatus[sessionID]
	b.lastStatus[sessionID] = s.State.AgentStatus
	b.mu.Unlock()

	if !known {
		return nil
	}
	if prev == session.AgentStatusIdle && s.State.AgentStatus != session.AgentStatusIdle {
		b.onIdleToBusy(sessionID)
	} else if prev != session.AgentStatusIdle && s.State.AgentStatus == session.AgentStatusIdle {
		b.onBusyToIdle(ctx, sessionID, s)
	}
	return nil
}

func (b *Bridge) onIdleToBusy(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.work[sessionID] = &workRecord{startedAt: time.Now()}
}

func (b *Bridge) onBusyToIdle(ctx context.Context, sessionID string, s *session.Session) {
	b.mu.Lock()
	rec, ok := b.work[sessionID]
	delete(b.work, sessionID)
	b.mu.Unlock()

	if !ok {
		return
	}
	if time.Since(rec.startedAt) < b.cfg.MinWorkDurationDuration() || !rec.hasChanges {
		return
	}
	if s.SandboxID == "" {
		return
	}

	gitStatus, err := b.provider.GetGitStatus(ctx, s.SandboxID)
	if err != nil {
		b.log.Warn("failed to read git status before snapshot", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	if _, err := b.snapMgr.Create(ctx, s.SandboxID, sessionID, gitStatus.Commit, gitStatus.Dirty, 0); err != nil {
		b.log.Warn("failed to create snapshot", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	if b.cfg.AutoTerminate {
		sandboxID := s.SandboxID
		if err := b.provider.Terminate(ctx, sandboxID); err != nil {
			b.log.Warn("best-effort sandbox termination failed", zap.String("session_id", sessionID), zap.String("sandbox_id", sandboxID), zap.Error(err))
		}
		s.SandboxID = ""
		if err := b.st.Set(ctx, s); err != nil {
			b.log.Warn("failed to clear sandbox id after termination", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// OnFollowUpPrompt resolves a sandbox for sessionID when a new prompt
// arrives: snapshot restore, then warm pool claim, then a fresh create.
func (b *Bridge) OnFollowUpPrompt(ctx context.Context, sessionID, repository, branch, projectID string) (string, error) {
	input := sandbox.CreateInput{ProjectID: projectID, Repository: repository, Branch: branch}

	if b.snapMgr.HasValid(sessionID) {
		sb, err := b.snapMgr.Restore(ctx, sessionID, input)
		if err != nil {
			return "", err
		}
		if sb != nil {
			if b.cfg.SyncOnRestore {
				if err := b.provider.SyncGit(ctx, sb.ID); err != nil {
					b.log.Warn("best-effort git sync after restore failed", zap.String("session_id", sessionID), zap.Error(err))
				}
			}
			return sb.ID, b.trackSandbox(ctx, sessionID, sb.ID)
		}
	}

	key := warmpool.Key{Repository: repository, Branch: branch}
	if b.pool != nil {
		res := b.pool.Claim(key, projectID)
		if res.Sandbox != nil {
			return res.Sandbox.ID, b.trackSandbox(ctx, sessionID, res.Sandbox.ID)
		}
	}

	sb, err := b.provider.Create(ctx, input)
	if err != nil {
		return "", err
	}
	return sb.ID, b.trackSandbox(ctx, sessionID, sb.ID)
}

func (b *Bridge) trackSandbox(ctx context.Context, sessionID, sandboxID string) error {
	s, err := b.st.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	s.SandboxID = sandboxID
	return b.st.Set(ctx, s)
}
