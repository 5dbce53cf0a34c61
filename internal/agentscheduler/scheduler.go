// Package agentscheduler wraps an agentspawner.Spawner with admission
// control and a work-conserving, non-reentrant dispatcher.
package agentscheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kandev/orchestrator/internal/agentspawner"
	"github.com/kandev/orchestrator/internal/common/logger"
	"go.uber.org/zap"
)

// Common errors surfaced by Spawn.
var (
	ErrQueueFull          = errors.New("agent queue is full")
	ErrSessionLimitReached = errors.New("maxPerSession agents already active for this session")
	ErrAlreadyRunning     = errors.New("scheduler is already running")
	ErrNotRunning         = errors.New("scheduler is not running")
)

// InitResult is what the caller-supplied initialize callback returns.
type InitResult struct {
	SandboxID string
	Error     error
}

// RunResult is what the caller-supplied run callback returns.
type RunResult struct {
	Output string
	Error  error
}

// InitializeFunc brings up the sandbox for a queued agent.
type InitializeFunc func(ctx context.Context, agent *agentspawner.Agent) InitResult

// RunFunc executes the agent's task against its sandbox.
type RunFunc func(ctx context.Context, agent *agentspawner.Agent) RunResult

// Config bounds admission and per-agent timeouts.
type Config struct {
	MaxConcurrent   int
	MaxQueued       int
	MaxPerSession   int
	InitTimeout     time.Duration
	RunTimeout      time.Duration
	RetryLimit      int
	RetryDelay      time.Duration
	ProcessInterval time.Duration
	AutoProcess     bool
}

// DefaultConfig returns sane defaults for the agent FSM's two-phase
// (init, run) execution.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   20,
		MaxQueued:       200,
		MaxPerSession:   1,
		InitTimeout:     60 * time.Second,
		RunTimeout:      30 * time.Minute,
		RetryLimit:      2,
		RetryDelay:      5 * time.Second,
		ProcessInterval: 200 * time.Millisecond,
		AutoProcess:     true,
	}
}

// Stats is a read model over the scheduler's current admission and
// throughput counters: running/initializing/queued counts plus
// lifetime totals.
type Stats struct {
	Queued         int
	Running        int
	MaxConcurrent  int
	MaxQueued      int
	TotalProcessed int64
	TotalFailed    int64
}

// Scheduler is an admission-controlled dispatcher over a Spawner.
type Scheduler struct {
	spawner    *agentspawner.Spawner
	initialize InitializeFunc
	run        RunFunc
	cfg        Config
	log        *logger.Logger

	mu           sync.Mutex // guards processing/running; dispatcher non-reentrancy
	processing   bool
	running      bool
	stopCh       chan struct{}
	wakeCh       chan struct{}
	wg           sync.WaitGroup

	retryMu    sync.Mutex
	retryCount map[string]int

	cancelMu  sync.Mutex
	cancelFns map[string]context.CancelFunc

	totalProcessed int64
	totalFailed    int64
}

// New creates a Scheduler wrapping spawner, dispatching work via
// initialize/run to bring agents from queued through to a terminal state.
func New(spawner *agentspawner.Spawner, initialize InitializeFunc, run RunFunc, cfg Config, log *logger.Logger) *Scheduler {
	return &Scheduler{
		spawner:    spawner,
		initialize: initialize,
		run:        run,
		cfg:        cfg,
		log:        log.WithFields(zap.String("component", "agentscheduler")),
		wakeCh:     make(chan struct{}, 1),
		retryCount: make(map[string]int),
		cancelFns:  make(map[string]context.CancelFunc),
	}
}

// Start begins the dispatcher loop. The loop is started whether or not
// AutoProcess is set; AutoProcess only decides whether Spawn wakes it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("agent scheduler starting",
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
		zap.Int("max_queued", s.cfg.MaxQueued))

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop drains the dispatcher loop and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("agent scheduler stopped")
	return nil
}

// Spawn admits and enqueues a new agent.
func (s *Scheduler) Spawn(input agentspawner.SpawnInput) (*agentspawner.Agent, error) {
	if s.cfg.MaxQueued > 0 && s.spawner.CountQueued() >= s.cfg.MaxQueued {
		return nil, ErrQueueFull
	}
	if s.cfg.MaxPerSession > 0 && s.spawner.NonTerminalForParent(input.ParentSessionID) >= s.cfg.MaxPerSession {
		return nil, ErrSessionLimitReached
	}

	agent := s.spawner.Spawn(input)
	if s.cfg.AutoProcess {
		s.wake()
	}
	return agent, nil
}

// Cancel attempts to move the agent to cancelled and signals any in-flight
// callback's cancellation token.
func (s *Scheduler) Cancel(id string) bool {
	s.cancelMu.Lock()
	if cancel, ok := s.cancelFns[id]; ok {
		cancel()
	}
	s.cancelMu.Unlock()
	return s.spawner.Cancel(id)
}

// Spawner returns the underlying Spawner for read-only queries (Get,
// Queued) that bypass admission control.
func (s *Scheduler) Spawner() *agentspawner.Spawner {
	return s.spawner
}

// GetStats returns the current admission/throughput read model.
func (s *Scheduler) GetStats() Stats {
	return Stats{
		Queued:         s.spawner.CountQueued(),
		Running:        s.spawner.CountActive(),
		MaxConcurrent:  s.cfg.MaxConcurrent,
		MaxQueued:      s.cfg.MaxQueued,
		TotalProcessed: atomic.LoadInt64(&s.totalProcessed),
		TotalFailed:    atomic.LoadInt64(&s.totalFailed),
	}
}

// Tick runs one dispatch pass; exported so callers that disable AutoProcess
// may drive the dispatcher themselves (e.g. in tests).
func (s *Scheduler) Tick(ctx context.Context) {
	s.dispatch(ctx)
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.ProcessInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatch(ctx)
		case <-s.wakeCh:
			s.dispatch(ctx)
		}
	}
}

// dispatch is the cooperative, non-reentrant admission scan: it admits as
// many queued agents as remaining capacity allows and hands each off to its
// own goroutine for the full initialize/run cycle, then returns immediately.
// Admission (StartInitializing) happens here, synchronously, so CountActive
// reflects every just-admitted agent before dispatch releases s.processing;
// each agent's goroutine calls wake() on completion so its freed slot is
// picked up by the next pass right away, instead of waiting on the rest of
// this pass's cohort to drain.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		return
	}
	s.processing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
	}()

	capacity := s.cfg.MaxConcurrent - s.spawner.CountActive()
	if capacity <= 0 {
		return
	}
	queued := s.spawner.Queued()
	if len(queued) > capacity {
		queued = queued[:capacity]
	}

	for _, agent := range queued {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !s.spawner.StartInitializing(agent.ID) {
			continue
		}

		agent := agent
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.wake()
			s.runAgent(ctx, agent)
		}()
	}
}

// runAgent carries an already-initializing agent (see dispatch) through
// init and run to a terminal state.
func (s *Scheduler) runAgent(ctx context.Context, agent *agentspawner.Agent) {
	agentCtx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.cancelFns[agent.ID] = cancel
	s.cancelMu.Unlock()
	defer func() {
		s.cancelMu.Lock()
		delete(s.cancelFns, agent.ID)
		s.cancelMu.Unlock()
		cancel()
	}()

	initResult, err := withTimeout(agentCtx, s.cfg.InitTimeout, func(c context.Context) InitResult {
		return s.initialize(c, agent)
	})
	if err != nil || initResult.Error != nil {
		s.fail(agent.ID)
		return
	}
	if !s.spawner.StartRunning(agent.ID, initResult.SandboxID) {
		return
	}

	runResult, err := withTimeout(agentCtx, s.cfg.RunTimeout, func(c context.Context) RunResult {
		return s.run(c, s.spawner.Get(agent.ID))
	})
	if err != nil || runResult.Error != nil {
		s.fail(agent.ID)
		return
	}

	if s.spawner.Complete(agent.ID, runResult.Output) {
		atomic.AddInt64(&s.totalProcessed, 1)
	}
}

func (s *Scheduler) fail(id string) {
	if s.spawner.Fail(id, "agent callback failed or timed out") {
		atomic.AddInt64(&s.totalFailed, 1)
	}
	s.maybeRetry(id)
}

// maybeRetry implements the supplemented retry policy: a failed agent is
// re-spawned as a new agent under RetryLimit, never by mutating the
// terminal one, since terminal agent states are absorbing.
func (s *Scheduler) maybeRetry(id string) {
	agent := s.spawner.Get(id)
	if agent == nil {
		return
	}

	s.retryMu.Lock()
	count := s.retryCount[id]
	if count >= s.cfg.RetryLimit {
		s.retryMu.Unlock()
		return
	}
	s.retryCount[id] = count + 1
	s.retryMu.Unlock()

	delay := s.cfg.RetryDelay
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		newAgent, err := s.Spawn(agentspawner.SpawnInput{
			ParentSessionID: agent.ParentSessionID,
			WorkSessionID:   agent.WorkSessionID,
			Task:            agent.Task,
		})
		if err != nil {
			s.log.Warn("retry spawn rejected", zap.String("agent_id", id), zap.Error(err))
			return
		}
		s.retryMu.Lock()
		s.retryCount[newAgent.ID] = count + 1
		s.retryMu.Unlock()
	}()
}

// withTimeout races fn against d, translating both context cancellation and
// deadline expiry into an error.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) T) (T, error) {
	var zero T
	callCtx := ctx
	var cancel context.CancelFunc
	if d > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	resultCh := make(chan T, 1)
	go func() {
		resultCh <- fn(callCtx)
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case <-callCtx.Done():
		return zero, callCtx.Err()
	}
}
