// Package local implements a sandbox provider that runs commands as child
// processes inside a per-sandbox project directory on the host.
//
// It is meant for development and CI where a container engine is not
// available. Commands run in their own process group with a sanitized
// environment and optional ulimit caps; file IO is confined to the project
// root. Local sandboxes cannot be reattached after a restart.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/aaron-ailabs/space/internal/provider"
	"github.com/aaron-ailabs/space/internal/workspace"
)

const defaultTimeout = 10 * time.Minute

// Config configures a local provider.
type Config struct {
	// Dir is the project root. Created on Provision.
	Dir string

	// DefaultTimeout applies when the caller's context has no deadline.
	DefaultTimeout time.Duration

	// MaxCPUSeconds and MaxMemoryMB are enforced with ulimit. Zero disables.
	MaxCPUSeconds int
	MaxMemoryMB   int

	// KeepFiles leaves the project tree on disk after Terminate.
	KeepFiles bool

	// Env adds variables on top of the sanitized base environment.
	Env map[string]string
}

// Provider runs sandbox commands as local processes.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	home       string
	terminated bool
}

var (
	_ provider.Provider    = (*Provider)(nil)
	_ provider.Provisioner = (*Provider)(nil)
	_ provider.FileWriter  = (*Provider)(nil)
	_ provider.FileReader  = (*Provider)(nil)
)

// New creates a local provider rooted at cfg.Dir.
func New(cfg Config, logger *slog.Logger) *Provider {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	return &Provider{cfg: cfg, logger: logger}
}

// NewFactory returns a provider.Factory that places each sandbox under the
// workspace sandbox directory.
func NewFactory(ws *workspace.Workspace, cfg Config, logger *slog.Logger) provider.Factory {
	return func(_ context.Context, id string) (provider.Provider, error) {
		c := cfg
		c.Dir = ws.ProjectDir(id)
		return New(c, logger.With(slog.String("sandbox_id", id))), nil
	}
}

// Dir returns the project root.
func (p *Provider) Dir() string {
	return p.cfg.Dir
}

// Provision creates the project root and a private HOME directory.
func (p *Provider) Provision(context.Context) error {
	_, err := p.ensure()
	return err
}

func (p *Provider) ensure() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminated {
		return "", provider.ErrTerminated
	}
	if p.home != "" {
		return p.home, nil
	}
	if err := os.MkdirAll(p.cfg.Dir, 0750); err != nil {
		return "", fmt.Errorf("creating project dir: %w", err)
	}
	home, err := os.MkdirTemp("", "space-home-*")
	if err != nil {
		return "", fmt.Errorf("creating sandbox home: %w", err)
	}
	p.home = home
	return home, nil
}

// RunCommand executes command in the project root.
func (p *Provider) RunCommand(ctx context.Context, command string, args ...string) (*provider.CommandResult, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}
	home, err := p.ensure()
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

	// sh -c '<limits> exec "$@"' _ command args...
	// The command is passed positionally and never interpolated.
	script := p.limitPrefix() + `exec "$@"`
	shArgs := make([]string, 0, 4+len(args))
	shArgs = append(shArgs, "-c", script, "_", command)
	shArgs = append(shArgs, args...)

	cmd := exec.CommandContext(ctx, "/bin/sh", shArgs...)
	cmd.Dir = p.cfg.Dir
	cmd.Env = p.buildEnv(home)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout := provider.NewOutputBuffer(provider.MaxOutputBytes)
	stderr := provider.NewOutputBuffer(provider.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	p.logger.Debug("local sandbox executing",
		slog.String("command", command),
		slog.Int("args", len(args)),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s", provider.ErrTimeout, timeout.Round(time.Millisecond))
			}
			return nil, ctxErr
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	p.logger.Debug("local sandbox command completed",
		slog.String("command", command),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &provider.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// WriteFile writes content below the project root, creating parents.
func (p *Provider) WriteFile(_ context.Context, path, content string) error {
	if _, err := p.ensure(); err != nil {
		return err
	}
	full, err := securejoin.SecureJoin(p.cfg.Dir, path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return fmt.Errorf("creating parent of %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ReadFile reads a file below the project root.
func (p *Provider) ReadFile(_ context.Context, path string) (string, error) {
	if _, err := p.ensure(); err != nil {
		return "", err
	}
	full, err := securejoin.SecureJoin(p.cfg.Dir, path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

// Terminate removes the private HOME and, unless KeepFiles is set, the
// project tree. Later calls are no-ops.
func (p *Provider) Terminate(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminated {
		return nil
	}
	p.terminated = true

	var errs []error
	if p.home != "" {
		if err := os.RemoveAll(p.home); err != nil {
			errs = append(errs, fmt.Errorf("removing sandbox home: %w", err))
		}
	}
	if !p.cfg.KeepFiles {
		if err := os.RemoveAll(p.cfg.Dir); err != nil {
			errs = append(errs, fmt.Errorf("removing project dir: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) limitPrefix() string {
	var prefix string
	if p.cfg.MaxMemoryMB > 0 {
		prefix += fmt.Sprintf("ulimit -v %d 2>/dev/null; ", p.cfg.MaxMemoryMB*1024)
	}
	if p.cfg.MaxCPUSeconds > 0 {
		prefix += fmt.Sprintf("ulimit -t %d 2>/dev/null; ", p.cfg.MaxCPUSeconds)
	}
	return prefix
}

// buildEnv never inherits the parent environment so host credentials stay
// out of sandboxed commands.
func (p *Provider) buildEnv(home string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"CI=true",
	}
	for k, v := range p.cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}
