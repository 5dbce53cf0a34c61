package localexec

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/sandbox"
)

// serviceProc tracks one long-running command started via StreamLogs, keyed
// by (sandbox id, service name).
type serviceProc struct {
	cmd *exec.Cmd
	pty ptyHandle
}

// Provider runs each sandbox as a working directory on the orchestrator
// host, with Execute invoking plain child processes rooted there.
type Provider struct {
	baseDir string
	log     *logger.Logger

	mu        sync.RWMutex
	sandboxes map[string]*sandbox.Sandbox
	services  map[string]*serviceProc
}

// New creates a Provider rooted at baseDir, creating it if absent.
func New(baseDir string, log *logger.Logger) (*Provider, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &Provider{
		baseDir:   baseDir,
		log:       log,
		sandboxes: make(map[string]*sandbox.Sandbox),
		services:  make(map[string]*serviceProc),
	}, nil
}

func (p *Provider) workdir(id string) string {
	return filepath.Join(p.baseDir, id)
}

func (p *Provider) Create(_ context.Context, input sandbox.CreateInput) (*sandbox.Sandbox, error) {
	id := uuid.New().String()
	if err := os.MkdirAll(p.workdir(id), 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
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
	p.mu.Unlock()
	return sbx, nil
}

func (p *Provider) Get(_ context.Context, id string) (*sandbox.Sandbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sbx, ok := p.sandboxes[id]
	if !ok {
		return nil, sandbox.ErrNotFound
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

func (p *Provider) Start(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sbx, ok := p.sandboxes[id]
	if !ok {
		return sandbox.ErrNotFound
	}
	sbx.Status = sandbox.StatusRunning
	return nil
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
	_, ok := p.sandboxes[id]
	delete(p.sandboxes, id)
	for key, svc := range p.services {
		if strings.HasPrefix(key, id+"/") {
			_ = svc.pty.Close()
			delete(p.services, key)
		}
	}
	p.mu.Unlock()
	if !ok {
		return sandbox.ErrNotFound
	}
	return os.RemoveAll(p.workdir(id))
}

// Snapshot tars the sandbox's working directory; Restore extracts it into a
// fresh one. The handle is a filesystem path, valid only on this host.
func (p *Provider) Snapshot(ctx context.Context, id string) (string, error) {
	if _, err := p.Get(ctx, id); err != nil {
		return "", err
	}
	dest := filepath.Join(p.baseDir, "snapshots", id+"-"+uuid.New().String()+".tar")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	cmd := exec.CommandContext(ctx, "tar", "-cf", dest, "-C", p.workdir(id), ".")
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("snapshot tar: %w", err)
	}
	return dest, nil
}

func (p *Provider) Restore(ctx context.Context, snapshotHandle string, input sandbox.CreateInput) (*sandbox.Sandbox, error) {
	sbx, err := p.Create(ctx, input)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, "tar", "-xf", snapshotHandle, "-C", p.workdir(sbx.ID))
	if err := cmd.Run(); err != nil {
		_ = p.Terminate(ctx, sbx.ID)
		return nil, fmt.Errorf("restore tar: %w", err)
	}
	return sbx, nil
}

func (p *Provider) Execute(ctx context.Context, id string, argv []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	sbx, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sbx.Status != sandbox.StatusRunning {
		return nil, sandbox.ErrNotRunning
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = p.workdir(id)
	if opts.Cwd != "" {
		cmd.Dir = filepath.Join(cmd.Dir, opts.Cwd)
	}
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, sandbox.ErrTimeout
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execute: %w", runErr)
		}
	}

	return &sandbox.ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

// StreamLogs starts service as a PTY-backed long-running command (if not
// already running) and streams its output line by line.
func (p *Provider) StreamLogs(ctx context.Context, id, service string) (<-chan sandbox.LogLine, error) {
	sbx, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sbx.Status != sandbox.StatusRunning {
		return nil, sandbox.ErrNotRunning
	}

	key := id + "/" + service
	p.mu.Lock()
	svc, running := p.services[key]
	if !running {
		cmd := exec.Command("sh", "-c", service)
		cmd.Dir = p.workdir(id)
		handle, startErr := startPTY(cmd)
		if startErr != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("start service %s: %w", service, startErr)
		}
		svc = &serviceProc{cmd: cmd, pty: handle}
		p.services[key] = svc
	}
	p.mu.Unlock()

	out := make(chan sandbox.LogLine, 64)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(svc.pty)
		for scanner.Scan() {
			select {
			case out <- sandbox.LogLine{Service: service, Text: scanner.Text(), Time: time.Now()}:
			case <-ctx.Done():
				return
			default:
				// Lossy per subscriber: drop rather than block the producer.
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
	res, err := p.Execute(ctx, id, []string{"git", "push"}, sandbox.ExecOptions{Timeout: 30 * time.Second})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git push failed: %s", res.Stderr)
	}
	return nil
}
