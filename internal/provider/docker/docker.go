// Package docker implements a sandbox provider backed by a long-lived
// Docker container per sandbox id.
//
// Containers are named after the sandbox id so a process restart can
// reattach to them with Reconnect. Commands run through the exec API.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/aaron-ailabs/space/internal/provider"
)

const (
	// LabelManaged marks containers created by space.
	LabelManaged = "io.space.managed"
	// LabelSandboxID carries the sandbox id a container belongs to.
	LabelSandboxID = "io.space.sandbox"

	containerPrefix = "space-sbx-"

	defaultImage     = "node:20-bookworm"
	defaultWorkDir   = "/home/user/app"
	defaultTimeout   = 10 * time.Minute
	defaultMemoryMB  = 2048
	defaultCPUCores  = 2.0
	defaultPIDsLimit = 512
)

// Config configures the Docker provider.
type Config struct {
	Image           string        // Sandbox image. Must contain sh and base64.
	WorkDir         string        // Project root inside the container.
	User            string        // Container user. Empty = image default.
	DefaultTimeout  time.Duration // Applies when the caller's context has no deadline.
	MemoryMB        int           // Hard memory limit, swap disabled.
	CPUCores        float64       // CPU rate limit.
	PIDsLimit       int64         // Fork bomb protection.
	NetworkDisabled bool          // true = network mode none.
	PullImage       bool          // Pull the image when it is missing locally.
	Env             map[string]string
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = defaultImage
	}
	if c.WorkDir == "" {
		c.WorkDir = defaultWorkDir
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = defaultTimeout
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = defaultMemoryMB
	}
	if c.CPUCores <= 0 {
		c.CPUCores = defaultCPUCores
	}
	if c.PIDsLimit <= 0 {
		c.PIDsLimit = defaultPIDsLimit
	}
	return c
}

// Provider runs sandbox commands inside a dedicated container.
type Provider struct {
	cli    client.APIClient
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	id          string
	provisioned bool
	terminated  bool
}

var (
	_ provider.Provider    = (*Provider)(nil)
	_ provider.Reconnector = (*Provider)(nil)
	_ provider.Provisioner = (*Provider)(nil)
)

// NewClient creates a Docker Engine client from the environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return cli, nil
}

// New creates a provider bound to sandbox id. No container is created
// until Provision or the first command.
func New(cli client.APIClient, id string, cfg Config, logger *slog.Logger) *Provider {
	return &Provider{cli: cli, id: id, cfg: cfg.withDefaults(), logger: logger}
}

// NewFactory returns a provider.Factory sharing one Docker client.
func NewFactory(cli client.APIClient, cfg Config, logger *slog.Logger) provider.Factory {
	return func(_ context.Context, id string) (provider.Provider, error) {
		return New(cli, id, cfg, logger.With(slog.String("sandbox_id", id))), nil
	}
}

// Ping checks that the Docker daemon is reachable.
func Ping(ctx context.Context, cli client.APIClient) error {
	_, err := cli.Ping(ctx)
	return err
}

// ContainerName returns the container name used for sandbox id.
func ContainerName(id string) string {
	return containerPrefix + sanitizeName(id)
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// sanitizeName maps an arbitrary id onto Docker's container name alphabet.
func sanitizeName(id string) string {
	s := invalidNameChars.ReplaceAllString(id, "_")
	if s == "" {
		return "_"
	}
	return s
}

// Reconnect attaches to the container of sandbox id. A stopped container is
// restarted. It returns false without error when no container exists.
func (p *Provider) Reconnect(ctx context.Context, id string) (bool, error) {
	name := ContainerName(id)
	c, err := p.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting container %s: %w", name, err)
	}
	if c.State == nil || !c.State.Running {
		if err := p.cli.ContainerStart(ctx, c.ID, types.ContainerStartOptions{}); err != nil {
			return false, fmt.Errorf("starting container %s: %w", name, err)
		}
	}

	p.mu.Lock()
	p.id = id
	p.provisioned = true
	p.mu.Unlock()

	p.logger.Info("reattached to sandbox container", slog.String("container", name))
	return true, nil
}

// Provision creates and starts the sandbox container if needed.
func (p *Provider) Provision(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.provisionLocked(ctx)
}

func (p *Provider) provisionLocked(ctx context.Context) error {
	if p.terminated {
		return provider.ErrTerminated
	}
	if p.provisioned {
		return nil
	}
	name := ContainerName(p.id)

	existing, err := p.cli.ContainerInspect(ctx, name)
	switch {
	case err == nil:
		if existing.State == nil || !existing.State.Running {
			if err := p.cli.ContainerStart(ctx, existing.ID, types.ContainerStartOptions{}); err != nil {
				return fmt.Errorf("starting container %s: %w", name, err)
			}
		}
		p.provisioned = true
		return nil
	case !client.IsErrNotFound(err):
		return fmt.Errorf("inspecting container %s: %w", name, err)
	}

	if err := p.ensureImage(ctx); err != nil {
		return err
	}

	resp, err := p.cli.ContainerCreate(ctx, p.containerConfig(), p.hostConfig(), nil, nil, name)
	if err != nil {
		return fmt.Errorf("creating container %s: %w", name, err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		p.forceRemove(name)
		return fmt.Errorf("starting container %s: %w", name, err)
	}

	p.provisioned = true
	p.logger.Info("sandbox container started",
		slog.String("container", name),
		slog.String("image", p.cfg.Image),
	)
	return nil
}

func (p *Provider) ensureImage(ctx context.Context) error {
	_, _, err := p.cli.ImageInspectWithRaw(ctx, p.cfg.Image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) || !p.cfg.PullImage {
		return fmt.Errorf("sandbox image %q not available: %w", p.cfg.Image, err)
	}

	p.logger.Info("pulling sandbox image", slog.String("image", p.cfg.Image))
	rc, err := p.cli.ImagePull(ctx, p.cfg.Image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %q: %w", p.cfg.Image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %q: %w", p.cfg.Image, err)
	}
	return nil
}

func (p *Provider) containerConfig() *container.Config {
	return &container.Config{
		Image:      p.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: p.cfg.WorkDir,
		User:       p.cfg.User,
		Env:        p.env(),
		Labels: map[string]string{
			LabelManaged:   "true",
			LabelSandboxID: p.id,
		},
	}
}

// hostConfig applies the same hardening as an ephemeral run: no
// capabilities, no privilege escalation, bounded memory, CPU and PIDs.
func (p *Provider) hostConfig() *container.HostConfig {
	memory := int64(p.cfg.MemoryMB) * 1024 * 1024
	pids := p.cfg.PIDsLimit

	network := container.NetworkMode("bridge")
	if p.cfg.NetworkDisabled {
		network = "none"
	}

	return &container.HostConfig{
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CHOWN", "DAC_OVERRIDE", "FOWNER", "SETGID", "SETUID"},
		SecurityOpt: []string{"no-new-privileges"},
		NetworkMode: network,
		Tmpfs:       map[string]string{"/tmp": "rw,nosuid,size=256m"},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   int64(p.cfg.CPUCores * 1e9),
			PidsLimit:  &pids,
		},
	}
}

func (p *Provider) env() []string {
	env := []string{
		"HOME=/home/user",
		"LANG=C.UTF-8",
		"TERM=dumb",
		"CI=true",
	}
	for k, v := range p.cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// RunCommand executes command inside the sandbox container.
func (p *Provider) RunCommand(ctx context.Context, command string, args ...string) (*provider.CommandResult, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	p.mu.Lock()
	err := p.provisionLocked(ctx)
	name := ContainerName(p.id)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	timeout := p.cfg.DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := append([]string{command}, args...)
	created, err := p.cli.ContainerExecCreate(ctx, name, types.ExecConfig{
		Cmd:          cmd,
		WorkingDir:   p.cfg.WorkDir,
		User:         p.cfg.User,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, p.transportErr(ctx, timeout, fmt.Errorf("creating exec in %s: %w", name, err))
	}

	start := time.Now()
	attach, err := p.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, p.transportErr(ctx, timeout, fmt.Errorf("attaching exec in %s: %w", name, err))
	}
	defer attach.Close()

	// The hijacked connection ignores ctx; closing it unblocks StdCopy.
	stop := context.AfterFunc(ctx, attach.Close)
	defer stop()

	stdout := provider.NewOutputBuffer(provider.MaxOutputBytes)
	stderr := provider.NewOutputBuffer(provider.MaxOutputBytes)
	if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil {
		return nil, p.transportErr(ctx, timeout, fmt.Errorf("reading exec output: %w", err))
	}
	if ctx.Err() != nil {
		return nil, p.transportErr(ctx, timeout, ctx.Err())
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, p.transportErr(ctx, timeout, fmt.Errorf("inspecting exec: %w", err))
	}
	duration := time.Since(start)

	p.logger.Debug("docker sandbox command completed",
		slog.String("container", name),
		slog.String("command", command),
		slog.Int("exit_code", inspect.ExitCode),
		slog.Duration("duration", duration),
	)

	return &provider.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
		Duration: duration,
	}, nil
}

func (p *Provider) transportErr(ctx context.Context, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", provider.ErrTimeout, timeout.Round(time.Millisecond))
	}
	return err
}

// Terminate force-removes the sandbox container. A missing container is not
// an error. Once a removal succeeds later calls are no-ops; a failed removal
// leaves the provider live so Terminate can be retried.
func (p *Provider) Terminate(ctx context.Context) error {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil
	}
	name := ContainerName(p.id)
	p.mu.Unlock()

	err := p.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", name, err)
	}

	p.mu.Lock()
	p.terminated = true
	p.provisioned = false
	p.mu.Unlock()

	p.logger.Info("sandbox container removed", slog.String("container", name))
	return nil
}

// forceRemove is best-effort cleanup after a failed start.
func (p *Provider) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		p.logger.Warn("container cleanup failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
	}
}
