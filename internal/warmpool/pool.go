// Package warmpool implements the Warm Pool Manager: a bounded set
// of pre-warmed sandboxes per (repository, branch, imageTag) key, claimed
// ahead of a session needing one so the caller skips cold-start latency.
package warmpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/events/bus"
	"github.com/kandev/orchestrator/internal/sandbox"
)

// Common errors surfaced by Start/Stop.
var (
	ErrReplenishAlreadyRunning = errors.New("warm pool replenishment loop is already running")
	ErrReplenishNotRunning     = errors.New("warm pool replenishment loop is not running")
)

// Key identifies one warm pool bucket.
type Key struct {
	Repository string
	Branch     string
	ImageTag   string
}

// ClaimReason explains a Claim outcome.
type ClaimReason string

const (
	ReasonHit  ClaimReason = "hit"
	ReasonMiss ClaimReason = "miss"
)

// ClaimResult is the outcome of a Claim call.
type ClaimResult struct {
	Sandbox *sandbox.Sandbox
	Reason  ClaimReason
}

// Stats summarizes one bucket's (or the whole pool's) occupancy.
type Stats struct {
	Available int
	Warming   int
	Total     int
}

type bucket struct {
	available     []*sandbox.Sandbox
	warming       int
	lastEager     time.Time
	lastProjectID string // project used the last time this key was claimed/typed
}

// Pool is the Warm Pool Manager.
type Pool struct {
	provider sandbox.Provider
	bus      bus.EventBus
	cfg      config.WarmPoolConfig
	log      *logger.Logger

	mu      sync.Mutex
	buckets map[Key]*bucket

	eagerCooldown time.Duration

	lifecycleMu sync.Mutex
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New creates a Pool. provider is used to launch warm-start sandboxes.
func New(provider sandbox.Provider, eventBus bus.EventBus, cfg config.WarmPoolConfig, log *logger.Logger) *Pool {
	return &Pool{
		provider:      provider,
		bus:           eventBus,
		cfg:           cfg,
		log:           log.WithFields(zap.String("component", "warmpool")),
		buckets:       make(map[Key]*bucket),
		eagerCooldown: 10 * time.Second,
	}
}

func (p *Pool) bucketFor(key Key) *bucket {
	b, ok := p.buckets[key]
	if !ok {
		b = &bucket{}
		p.buckets[key] = b
	}
	return b
}

// Claim atomically lifts one sandbox out of key's pool, or reports a miss
// and kicks off asynchronous replenishment.
func (p *Pool) Claim(key Key, projectID string) ClaimResult {
	p.mu.Lock()
	b := p.bucketFor(key)
	if projectID != "" {
		b.lastProjectID = projectID
	}
	var claimed *sandbox.Sandbox
	if len(b.available) > 0 {
		claimed = b.available[len(b.available)-1]
		b.available = b.available[:len(b.available)-1]
	}
	p.mu.Unlock()

	if claimed != nil {
		p.emit(events.WarmPoolClaimed, key, map[string]interface{}{"sandboxId": claimed.ID, "reason": string(ReasonHit)})
		return ClaimResult{Sandbox: claimed, Reason: ReasonHit}
	}

	p.emit(events.WarmPoolExhausted, key, map[string]interface{}{"reason": string(ReasonMiss)})
	go p.replenish(key, projectID)
	return ClaimResult{Reason: ReasonMiss}
}

// Release returns a still-healthy sandbox to its pool, subject to the
// per-key max; sandboxes that don't fit are left for the caller to
// terminate.
func (p *Pool) Release(key Key, sb *sandbox.Sandbox) bool {
	max := p.cfg.MaxPerKey
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.bucketFor(key)
	if max > 0 && len(b.available)+b.warming >= max {
		return false
	}
	b.available = append(b.available, sb)
	p.emit(events.WarmPoolReleased, key, map[string]interface{}{"sandboxId": sb.ID})
	return true
}

// OnTyping schedules an eager replenishment of key's pool if it is below
// the high-water mark (MinPerKey), rate-limited to avoid thrashing on
// every keystroke.
func (p *Pool) OnTyping(key Key, projectID string) {
	p.mu.Lock()
	b := p.bucketFor(key)
	if projectID != "" {
		b.lastProjectID = projectID
	}
	now := time.Now()
	if now.Sub(b.lastEager) < p.eagerCooldown {
		p.mu.Unlock()
		return
	}
	deficit := p.cfg.MinPerKey - (len(b.available) + b.warming)
	if deficit <= 0 {
		p.mu.Unlock()
		return
	}
	b.lastEager = now
	p.mu.Unlock()

	go p.replenish(key, projectID)
}

// Start begins the periodic replenishment loop: on each tick, every bucket
// below MinPerKey that has a known project (one already claimed or typed
// into) gets an asynchronous top-up, in addition to the on-demand
// replenishment Claim/OnTyping already trigger on a miss or eager signal.
func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	if p.running {
		p.lifecycleMu.Unlock()
		return ErrReplenishAlreadyRunning
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.lifecycleMu.Unlock()

	interval := p.cfg.ReplenishIntervalDuration()
	if interval <= 0 {
		interval = 30 * time.Second
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.replenishAll()
			}
		}
	}()
	return nil
}

// Stop signals the replenishment loop and waits for it to exit.
func (p *Pool) Stop() error {
	p.lifecycleMu.Lock()
	if !p.running {
		p.lifecycleMu.Unlock()
		return ErrReplenishNotRunning
	}
	p.running = false
	close(p.stopCh)
	p.lifecycleMu.Unlock()

	p.wg.Wait()
	return nil
}

func (p *Pool) replenishAll() {
	type deficit struct {
		key       Key
		projectID string
	}

	p.mu.Lock()
	var due []deficit
	for key, b := range p.buckets {
		if b.lastProjectID == "" {
			continue
		}
		if len(b.available)+b.warming < p.cfg.MinPerKey {
			due = append(due, deficit{key: key, projectID: b.lastProjectID})
		}
	}
	p.mu.Unlock()

	for _, d := range due {
		go p.replenish(d.key, d.projectID)
	}
}

// Stats reports occupancy for one key.
func (p *Pool) Stats(key Key) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[key]
	if !ok {
		return Stats{}
	}
	return Stats{Available: len(b.available), Warming: b.warming, Total: len(b.available) + b.warming}
}

// TotalStats aggregates occupancy across every key.
func (p *Pool) TotalStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	for _, b := range p.buckets {
		s.Available += len(b.available)
		s.Warming += b.warming
	}
	s.Total = s.Available + s.Warming
	return s
}

// replenish launches warm-start jobs until key's bucket reaches target
// (MinPerKey), never exceeding maxSize across available+warming, and
// abandoning jobs that exceed the configured warm-start timeout.
func (p *Pool) replenish(key Key, projectID string) {
	target := p.cfg.MinPerKey
	maxSize := p.cfg.MaxPerKey

	for {
		p.mu.Lock()
		b := p.bucketFor(key)
		occupied := len(b.available) + b.warming
		if occupied >= target || (maxSize > 0 && occupied >= maxSize) {
			p.mu.Unlock()
			return
		}
		b.warming++
		p.mu.Unlock()

		p.warmStart(key, projectID)

		p.mu.Lock()
		b.warming--
		p.mu.Unlock()
	}
}

func (p *Pool) warmStart(key Key, projectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ClaimTimeoutDuration())
	defer cancel()

	sb, err := p.provider.Create(ctx, sandbox.CreateInput{
		ProjectID:  projectID,
		Repository: key.Repository,
		Branch:     key.Branch,
		ImageTag:   key.ImageTag,
	})
	if err != nil {
		p.log.Warn("warm-start failed", zap.Error(err), zap.String("repository", key.Repository), zap.String("branch", key.Branch))
		return
	}

	p.mu.Lock()
	b := p.bucketFor(key)
	max := p.cfg.MaxPerKey
	if max > 0 && len(b.available)+b.warming > max {
		p.mu.Unlock()
		go func() { _ = p.provider.Terminate(context.Background(), sb.ID) }()
		return
	}
	b.available = append(b.available, sb)
	p.mu.Unlock()

	p.emit(events.WarmPoolReplenished, key, map[string]interface{}{"sandboxId": sb.ID})
}

func (p *Pool) emit(eventType string, key Key, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["repository"] = key.Repository
	data["branch"] = key.Branch
	data["imageTag"] = key.ImageTag
	evt := bus.NewEvent(eventType, "warmpool", data)
	if err := p.bus.Publish(context.Background(), eventType, evt); err != nil {
		p.log.Warn("failed to publish warm pool event", zap.Error(err), zap.String("event_type", eventType))
	}
}
