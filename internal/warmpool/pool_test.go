package warmpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	sandbox.Provider
	mu          sync.Mutex
	createCount int32
	terminated  []string
}

func (f *fakeProvider) Create(ctx context.Context, input sandbox.CreateInput) (*sandbox.Sandbox, error) {
	n := atomic.AddInt32(&f.createCount, 1)
	id := input.Repository + "-" + time.Now().Add(time.Duration(n)).String()
	return &sandbox.Sandbox{ID: "warm-" + id, ProjectID: input.ProjectID, Repository: input.Repository}, nil
}

func (f *fakeProvider) Terminate(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
	return nil
}

func testConfig() config.WarmPoolConfig {
	return config.WarmPoolConfig{
		Enabled:           true,
		MinPerKey:         2,
		MaxPerKey:         3,
		MaxTotal:          10,
		ReplenishInterval: 5,
		ClaimTimeout:      2,
	}
}

func newTestPool(t *testing.T, p sandbox.Provider, cfg config.WarmPoolConfig) *Pool {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return New(p, nil, cfg, log)
}

func TestClaimMissTriggersReplenish(t *testing.T) {
	p := &fakeProvider{}
	pool := newTestPool(t, p, testConfig())
	key := Key{Repository: "repo-a", Branch: "main"}

	res := pool.Claim(key, "proj-1")
	assert.Equal(t, ReasonMiss, res.Reason)
	assert.Nil(t, res.Sandbox)

	require.Eventually(t, func() bool {
		return pool.Stats(key).Total >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestClaimHitReturnsFromPool(t *testing.T) {
	p := &fakeProvider{}
	pool := newTestPool(t, p, testConfig())
	key := Key{Repository: "repo-a"}

	sb := &sandbox.Sandbox{ID: "sbx-pre"}
	ok := pool.Release(key, sb)
	require.True(t, ok)

	res := pool.Claim(key, "proj-1")
	assert.Equal(t, ReasonHit, res.Reason)
	require.NotNil(t, res.Sandbox)
	assert.Equal(t, "sbx-pre", res.Sandbox.ID)
	assert.Equal(t, 0, pool.Stats(key).Available)
}

func TestReleaseRejectsBeyondMax(t *testing.T) {
	p := &fakeProvider{}
	cfg := testConfig()
	cfg.MaxPerKey = 1
	pool := newTestPool(t, p, cfg)
	key := Key{Repository: "repo-a"}

	assert.True(t, pool.Release(key, &sandbox.Sandbox{ID: "a"}))
	assert.False(t, pool.Release(key, &sandbox.Sandbox{ID: "b"}))
	assert.Equal(t, 1, pool.Stats(key).Available)
}

func TestReplenishStopsAtTarget(t *testing.T) {
	p := &fakeProvider{}
	cfg := testConfig()
	cfg.MinPerKey = 2
	cfg.MaxPerKey = 5
	pool := newTestPool(t, p, cfg)
	key := Key{Repository: "repo-a"}

	pool.replenish(key, "proj-1")

	stats := pool.Stats(key)
	assert.Equal(t, 2, stats.Available)
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.createCount))
}

func TestOnTypingRateLimited(t *testing.T) {
	p := &fakeProvider{}
	pool := newTestPool(t, p, testConfig())
	pool.eagerCooldown = time.Hour
	key := Key{Repository: "repo-a"}

	pool.OnTyping(key, "proj-1")
	require.Eventually(t, func() bool { return atomic.LoadInt32(&p.createCount) > 0 }, time.Second, 5*time.Millisecond)

	callsAfterFirst := atomic.LoadInt32(&p.createCount)
	pool.OnTyping(key, "proj-1")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, callsAfterFirst, atomic.LoadInt32(&p.createCount), "second OnTyping within cooldown must not trigger another replenish")
}

func TestReplenishAllTopsUpKnownKeysBelowMin(t *testing.T) {
	p := &fakeProvider{}
	cfg := testConfig()
	cfg.MinPerKey = 2
	cfg.MaxPerKey = 5
	pool := newTestPool(t, p, cfg)
	key := Key{Repository: "repo-a"}

	// Record the bucket's project directly, as Claim/OnTyping would (needed so
	// a periodic pass knows which project to warm-start into), without calling
	// OnTyping, whose own replenish would race the assertion below.
	pool.mu.Lock()
	pool.bucketFor(key).lastProjectID = "proj-1"
	pool.mu.Unlock()

	pool.replenishAll()

	require.Eventually(t, func() bool {
		return pool.Stats(key).Total >= cfg.MinPerKey
	}, time.Second, 5*time.Millisecond)
}

func TestStartTwiceFails(t *testing.T) {
	pool := newTestPool(t, &fakeProvider{}, testConfig())
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()
	assert.ErrorIs(t, pool.Start(context.Background()), ErrReplenishAlreadyRunning)
}

func TestTotalStatsAggregatesAcrossKeys(t *testing.T) {
	p := &fakeProvider{}
	pool := newTestPool(t, p, testConfig())

	pool.Release(Key{Repository: "a"}, &sandbox.Sandbox{ID: "1"})
	pool.Release(Key{Repository: "b"}, &sandbox.Sandbox{ID: "2"})

	total := pool.TotalStats()
	assert.Equal(t, 2, total.Available)
}
