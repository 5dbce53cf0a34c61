// Package docker implements sandbox.Provider on top of the Docker engine
// API: one container per sandbox. No host directory is mounted into the
// container; git operations run in its /workspace directory.
package docker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/kandev/orchestrator/internal/common/config"
	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/sandbox"
	"go.uber.org/zap"
)

const (
	labelSandboxID  = "orchestrator.sandbox_id"
	labelProjectID  = "orchestrator.project_id"
	labelRepository = "orchestrator.repository"
	labelBranch     = "orchestrator.branch"
)

// Provider is a Docker-backed sandbox.Provider. One container per sandbox.
type Provider struct {
	cli    *client.Client
	log    *logger.Logger
	cfg    config.DockerConfig
}

// New creates a Docker-backed Provider using cfg's host/API-version/TLS
// settings.
func New(cfg config.DockerConfig, log *logger.Logger) (*Provider, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Provider{cli: cli, log: log, cfg: cfg}, nil
}

// Close releases the underlying Docker client handle.
func (p *Provider) Close() error {
	return p.cli.Close()
}

func containerName(sandboxID string) string {
	return "orc-sbx-" + sandboxID
}

func (p *Provider) Create(ctx context.Context, input sandbox.CreateInput) (*sandbox.Sandbox, error) {
	id := uuid.New().String()
	img := input.ImageTag
	if img == "" {
		img = p.cfg.ImageTag
	}

	if _, _, err := p.cli.ImageInspectWithRaw(ctx, img); err != nil {
		reader, pullErr := p.cli.ImagePull(ctx, img, image.PullOptions{})
		if pullErr != nil {
			return nil, fmt.Errorf("pull image %s: %w", img, pullErr)
		}
		defer reader.Close()
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return nil, fmt.Errorf("read image pull output: %w", err)
		}
	}

	env := make([]string, 0, len(input.Env))
	for k, v := range input.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image: img,
		Cmd:   []string{"sleep", "infinity"},
		Env:   env,
		Labels: map[string]string{
			labelSandboxID:  id,
			labelProjectID:  input.ProjectID,
			labelRepository: input.Repository,
			labelBranch:     input.Branch,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.cfg.DefaultNetwork),
	}

	resp, err := p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName(id))
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	p.log.Info("sandbox container created", zap.String("sandbox_id", id), zap.String("container_id", resp.ID))

	sbx := &sandbox.Sandbox{
		ID:         id,
		ProjectID:  input.ProjectID,
		Repository: input.Repository,
		Branch:     input.Branch,
		ImageTag:   img,
		Status:     sandbox.StatusCreating,
		CreatedAt:  time.Now(),
	}
	return sbx, nil
}

func (p *Provider) resolveContainerID(ctx context.Context, sandboxID string) (string, error) {
	f := filters.NewArgs()
	f.Add("label", labelSandboxID+"="+sandboxID)
	containers, err := p.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return "", fmt.Errorf("list containers: %w", err)
	}
	if len(containers) == 0 {
		return "", sandbox.ErrNotFound
	}
	return containers[0].ID, nil
}

func statusFromState(state string) sandbox.Status {
	switch state {
	case "running":
		return sandbox.StatusRunning
	case "exited", "dead":
		return sandbox.StatusStopped
	default:
		return sandbox.StatusCreating
	}
}

func (p *Provider) Get(ctx context.Context, id string) (*sandbox.Sandbox, error) {
	containerID, err := p.resolveContainerID(ctx, id)
	if err != nil {
		return nil, err
	}
	inspect, err := p.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect container: %w", err)
	}
	labels := inspect.Config.Labels
	return &sandbox.Sandbox{
		ID:         id,
		ProjectID:  labels[labelProjectID],
		Repository: labels[labelRepository],
		Branch:     labels[labelBranch],
		ImageTag:   inspect.Config.Image,
		Status:     statusFromState(inspect.State.Status),
	}, nil
}

func (p *Provider) List(ctx context.Context, filter sandbox.ListFilter) ([]*sandbox.Sandbox, error) {
	f := filters.NewArgs()
	if filter.ProjectID != "" {
		f.Add("label", labelProjectID+"="+filter.ProjectID)
	}
	containers, err := p.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]*sandbox.Sandbox, 0, len(containers))
	for _, c := range containers {
		out = append(out, &sandbox.Sandbox{
			ID:         c.Labels[labelSandboxID],
			ProjectID:  c.Labels[labelProjectID],
			Repository: c.Labels[labelRepository],
			Branch:     c.Labels[labelBranch],
			ImageTag:   c.Image,
			Status:     statusFromState(c.State),
		})
	}
	return out, nil
}

func (p *Provider) Start(ctx context.Context, id string) error {
	containerID, err := p.resolveContainerID(ctx, id)
	if err != nil {
		return err
	}
	if err := p.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

func (p *Provider) Stop(ctx context.Context, id string) error {
	containerID, err := p.resolveContainerID(ctx, id)
	if err != nil {
		return err
	}
	timeout := 10
	if err := p.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (p *Provider) Terminate(ctx context.Context, id string) error {
	containerID, err := p.resolveContainerID(ctx, id)
	if err != nil {
		return err
	}
	if err := p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Snapshot commits the sandbox's container to a new image tag, which
// Restore later creates a fresh container from.
func (p *Provider) Snapshot(ctx context.Context, id string) (string, error) {
	containerID, err := p.resolveContainerID(ctx, id)
	if err != nil {
		return "", err
	}
	tag := fmt.Sprintf("orc-snap-%s:%d", id, time.Now().UnixNano())
	resp, err := p.cli.ContainerCommit(ctx, containerID, container.CommitOptions{Reference: tag})
	if err != nil {
		return "", fmt.Errorf("commit container: %w", err)
	}
	return resp.ID, nil
}

func (p *Provider) Restore(ctx context.Context, snapshotHandle string, input sandbox.CreateInput) (*sandbox.Sandbox, error) {
	in := input
	in.ImageTag = snapshotHandle
	return p.Create(ctx, in)
}

func (p *Provider) Execute(ctx context.Context, id string, argv []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	containerID, err := p.resolveContainerID(ctx, id)
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	execCfg := container.ExecOptions{
		Cmd:          argv,
		Env:          env,
		WorkingDir:   opts.Cwd,
		AttachStdout: true,
		AttachStderr: true,
	}
	execResp, err := p.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := p.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr strings.Builder
	demultiplexStream(attach.Reader, &stdout, &stderr)

	if ctx.Err() != nil {
		return nil, sandbox.ErrTimeout
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}

	return &sandbox.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// demultiplexStream splits Docker's framed stdout/stderr stream (8-byte
// header: type byte 0, big-endian uint32 size at bytes 4-7) across two
// writers.
func demultiplexStream(reader io.Reader, stdout, stderr io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		switch streamType {
		case 1:
			stdout.Write(data)
		case 2:
			stderr.Write(data)
		}
	}
}

func (p *Provider) StreamLogs(ctx context.Context, id, service string) (<-chan sandbox.LogLine, error) {
	containerID, err := p.resolveContainerID(ctx, id)
	if err != nil {
		return nil, err
	}

	reader, err := p.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: false,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}

	out := make(chan sandbox.LogLine, 64)
	go func() {
		defer close(out)
		defer reader.Close()

		header := make([]byte, 8)
		for {
			if _, err := io.ReadFull(reader, header); err != nil {
				return
			}
			size := binary.BigEndian.Uint32(header[4:8])
			if size == 0 {
				continue
			}
			data := make([]byte, size)
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
			line := sandbox.LogLine{Service: service, Text: string(data), Time: time.Now()}
			select {
			case out <- line:
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
	res, err := p.Execute(ctx, id, []string{"git", "rev-parse", "HEAD"}, sandbox.ExecOptions{Cwd: "/workspace"})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return &sandbox.GitStatus{SyncStatus: "error"}, nil
	}
	commit := strings.TrimSpace(res.Stdout)

	branchRes, err := p.Execute(ctx, id, []string{"git", "rev-parse", "--abbrev-ref", "HEAD"}, sandbox.ExecOptions{Cwd: "/workspace"})
	if err != nil {
		return nil, err
	}
	branch := strings.TrimSpace(branchRes.Stdout)

	statusRes, err := p.Execute(ctx, id, []string{"git", "status", "--porcelain"}, sandbox.ExecOptions{Cwd: "/workspace"})
	if err != nil {
		return nil, err
	}
	dirty := strings.TrimSpace(statusRes.Stdout) != ""

	return &sandbox.GitStatus{
		Commit:     commit,
		Branch:     branch,
		SyncStatus: "synced",
		Dirty:      dirty,
	}, nil
}

func (p *Provider) SyncGit(ctx context.Context, id string) error {
	res, err := p.Execute(ctx, id, []string{"git", "push"}, sandbox.ExecOptions{Cwd: "/workspace", Timeout: 30 * time.Second})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git push failed: %s", res.Stderr)
	}
	return nil
}
