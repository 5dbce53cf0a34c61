// Package sprites implements sandbox.Provider on top of Sprites.dev: each
// sandbox is a remote sprite instance, reached over a command channel rather
// than a local container runtime.
package sprites

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/sandbox"
)

const (
	namePrefix     = "orc-"
	createTimeout  = 120 * time.Second
	commandTimeout = 30 * time.Second
)

// Provider is a Sprites.dev-backed sandbox.Provider.
type Provider struct {
	cfg    config.SpritesConfig
	log    *logger.Logger
	client *sprites.Client

	mu       sync.RWMutex
	sandboxes map[string]*sandbox.Sandbox
	names     map[string]string // sandbox id -> sprite name
}

// New creates a Sprites-backed Provider using the configured API token.
func New(cfg config.SpritesConfig, log *logger.Logger) (*Provider, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("sprites token not configured")
	}
	return &Provider{
		cfg:       cfg,
		log:       log,
		client:    sprites.New(cfg.Token, sprites.WithDisableControl()),
		sandboxes: make(map[string]*sandbox.Sandbox),
		names:     make(map[string]string),
	}, nil
}

func spriteName(id string) string {
	n := namePrefix + id
	if len(n) > 24 {
		n = n[:24]
	}
	return n
}

func (p *Provider) Create(ctx context.Context, input sandbox.CreateInput) (*sandbox.Sandbox, error) {
	id := fmt.Sprintf("%s-%d", input.ProjectID, time.Now().UnixNano())
	name := spriteName(id)

	createCtx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	p.log.Info("creating sprite", zap.String("sandbox_id", id), zap.String("sprite_name", name))
	if _, err := p.client.CreateSprite(createCtx, name, nil); err != nil {
		return nil, fmt.Errorf("create sprite: %w", err)
	}

	sbx := &sandbox.Sandbox{
		ID:         id,
		ProjectID:  input.ProjectID,
		Repository: input.Repository,
		Branch:     input.Branch,
		ImageTag:   input.ImageTag,
		Status:     sandbox.StatusRunning,
		CreatedAt:  time.Now(),
	}

	p.mu.Lock()
	p.sandboxes[id] = sbx
	p.names[id] = name
	p.mu.Unlock()

	return sbx, nil
}

func (p *Provider) lookup(id string) (*sandbox.Sandbox, string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sbx, ok := p.sandboxes[id]
	if !ok {
		return nil, "", sandbox.ErrNotFound
	}
	return sbx, p.names[id], nil
}

func (p *Provider) Get(_ context.Context, id string) (*sandbox.Sandbox, error) {
	sbx, _, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	clone := *sbx
	return &clone, nil
}

func (p *Provider) List(_ context.Context, filter sandbox.ListFilter) ([]*sandbox.Sandbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*sandbox.Sandbox, 0, len(p.sandboxes))
	for _, sbx := range p.sandboxes {
		if filter.ProjectID != "" && sbx.ProjectID != filter.ProjectID {
			continue
		}
		clone := *sbx
		out = append(out, &clone)
	}
	return out, nil
}

// Start is a no-op: sprites are live as soon as they're created.
func (p *Provider) Start(_ context.Context, id string) error {
	_, _, err := p.lookup(id)
	return err
}

func (p *Provider) Stop(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sbx, ok := p.sandboxes[id]
	if !ok {
		return sandbox.ErrNotFound
	}
	sbx.Status = sandbox.StatusStopped
	return nil
}

func (p *Provider) Terminate(_ context.Context, id string) error {
	p.mu.Lock()
	name, ok := p.names[id]
	p.mu.Unlock()
	if !ok {
		return sandbox.ErrNotFound
	}

	sprite := p.client.Sprite(name)
	if err := sprite.Destroy(); err != nil {
		return fmt.Errorf("destroy sprite: %w", err)
	}

	p.mu.Lock()
	delete(p.sandboxes, id)
	delete(p.names, id)
	p.mu.Unlock()
	return nil
}

// Snapshot is unsupported: Sprites.dev has no image-commit primitive
// exposed through this client, so callers fall back to git-level restore.
func (p *Provider) Snapshot(_ context.Context, id string) (string, error) {
	if _, _, err := p.lookup(id); err != nil {
		return "", err
	}
	return "", fmt.Errorf("sprites provider does not support disk snapshots")
}

func (p *Provider) Restore(_ context.Context, _ string, _ sandbox.CreateInput) (*sandbox.Sandbox, error) {
	return nil, fmt.Errorf("sprites provider does not support restore from snapshot")
}

func (p *Provider) Execute(ctx context.Context, id string, argv []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	_, name, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	sprite := p.client.Sprite(name)

	timeout := commandTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	cmd := sprite.CommandContext(execCtx, argv[0], argv[1:]...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	if len(opts.Env) > 0 {
		env := make([]string, 0, len(opts.Env))
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if execCtx.Err() != nil {
			return nil, sandbox.ErrTimeout
		}
		exitCode = 1
	}

	return &sandbox.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

// StreamLogs polls `tail -f`-equivalent output via repeated Execute calls,
// since sprite commands are request/response rather than long-lived
// attached streams.
func (p *Provider) StreamLogs(ctx context.Context, id, service string) (<-chan sandbox.LogLine, error) {
	if _, _, err := p.lookup(id); err != nil {
		return nil, err
	}

	out := make(chan sandbox.LogLine, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := p.Execute(ctx, id, []string{"tail", "-n", "50", "/var/log/" + service + ".log"}, sandbox.ExecOptions{Timeout: commandTimeout})
				if err != nil || res.ExitCode != 0 {
					continue
				}
				for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
					if line == "" {
						continue
					}
					select {
					case out <- sandbox.LogLine{Service: service, Text: line, Time: time.Now()}:
					default:
					}
				}
			}
		}
	}()
	return out, nil
}

func (p *Provider) GetGitStatus(ctx context.Context, id string) (*sandbox.GitStatus, error) {
	res, err := p.Execute(ctx, id, []string{"git", "rev-parse", "HEAD"}, sandbox.ExecOptions{})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return &sandbox.GitStatus{SyncStatus: "error"}, nil
	}
	commit := strings.TrimSpace(res.Stdout)

	branchRes, err := p.Execute(ctx, id, []string{"git", "rev-parse", "--abbrev-ref", "HEAD"}, sandbox.ExecOptions{})
	if err != nil {
		return nil, err
	}
	statusRes, err := p.Execute(ctx, id, []string{"git", "status", "--porcelain"}, sandbox.ExecOptions{})
	if err != nil {
		return nil, err
	}

	return &sandbox.GitStatus{
		Commit:     commit,
		Branch:     strings.TrimSpace(branchRes.Stdout),
		SyncStatus: "synced",
		Dirty:      strings.TrimSpace(statusRes.Stdout) != "",
	}, nil
}

func (p *Provider) SyncGit(ctx context.Context, id string) error {
	res, err := p.Execute(ctx, id, []string{"git", "push"}, sandbox.ExecOptions{Timeout: commandTimeout})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git push failed: %s", res.Stderr)
	}
	return nil
}

// injectTokenIntoURL rewrites an HTTPS remote URL to embed a push token,
// mirroring how a sandboxed agent authenticates outbound git operations.
func injectTokenIntoURL(remoteURL, token string) string {
	if token == "" || !strings.HasPrefix(remoteURL, "https://") {
		return remoteURL
	}
	return strings.Replace(remoteURL, "https://", "https://"+token+"@", 1)
}
