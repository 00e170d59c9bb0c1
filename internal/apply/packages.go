package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/aaron-ailabs/space/internal/provider"
)

// Characters that would let a package spec escape its argv slot once a
// backend hands the command to a shell.
const shellMeta = "`$;&|<>()\\\"'*?[]{}"

// packageSpecs merges plan and caller packages, keeping first-seen order.
func packageSpecs(planned, extra []string) []string {
	seen := orderedmap.New[string, struct{}]()
	for _, list := range [][]string{planned, extra} {
		for _, spec := range list {
			if spec = strings.TrimSpace(spec); spec != "" {
				seen.Set(spec, struct{}{})
			}
		}
	}
	specs := make([]string, 0, seen.Len())
	for pair := seen.Oldest(); pair != nil; pair = pair.Next() {
		specs = append(specs, pair.Key)
	}
	return specs
}

// validatePackage rejects specs that could be read as installer flags or
// shell syntax.
func validatePackage(spec string) error {
	switch {
	case strings.HasPrefix(spec, "-"):
		return fmt.Errorf("invalid package %q: must not start with '-'", spec)
	case strings.ContainsAny(spec, " \t\r\n"):
		return fmt.Errorf("invalid package %q: contains whitespace", spec)
	case strings.ContainsAny(spec, shellMeta):
		return fmt.Errorf("invalid package %q: contains shell metacharacters", spec)
	}
	return nil
}

func (e *Engine) installPackages(ctx context.Context, p provider.Provider, specs []string, res *Result) {
	valid := make([]string, 0, len(specs))
	for _, spec := range specs {
		if err := validatePackage(spec); err != nil {
			res.fail(StagePackages, spec, err)
			e.record(StagePackages, spec, err)
			continue
		}
		valid = append(valid, spec)
	}

	for _, batch := range batches(valid, e.cfg.InstallBatchSize()) {
		if err := canceled(ctx); err != nil {
			e.failAll(StagePackages, batch, err, res)
			continue
		}

		err := e.install(ctx, p, batch)
		switch {
		case err == nil:
			e.succeedPackages(batch, res)
		case len(batch) > 1 && !errors.Is(err, provider.ErrTimeout) && ctx.Err() == nil:
			// Retry one by one so a single bad spec does not fail its neighbours.
			e.logger.Warn("package batch failed, installing individually",
				slog.Int("packages", len(batch)),
				slog.String("error", err.Error()),
			)
			for _, spec := range batch {
				if err := canceled(ctx); err != nil {
					e.failAll(StagePackages, []string{spec}, err, res)
					continue
				}
				if err := e.install(ctx, p, []string{spec}); err != nil {
					e.failAll(StagePackages, []string{spec}, err, res)
					continue
				}
				e.succeedPackages([]string{spec}, res)
			}
		default:
			e.failAll(StagePackages, batch, err, res)
		}
	}
}

// install runs the installer once for specs with bounded retries. Timeouts
// and cancellation are never retried.
func (e *Engine) install(ctx context.Context, p provider.Provider, specs []string) error {
	installer := e.cfg.Installer()
	args := append(append([]string(nil), installer[1:]...), specs...)
	timeout := e.cfg.InstallTimeout()

	attempt := 0
	op := func() (*provider.CommandResult, error) {
		attempt++
		res, err := e.runWithTimeout(ctx, p, timeout, installer[0], args...)
		if err != nil {
			if permanent(ctx, err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if !res.OK() {
			return res, provider.NewCommandError(res, installer[0], args...)
		}
		return res, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxTries(uint(e.cfg.Retries())),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.metrics.observeRetry(StagePackages)
			e.logger.Debug("retrying package install",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", next),
				slog.String("error", err.Error()),
			)
		}),
	)
	return err
}

func (e *Engine) succeedPackages(specs []string, res *Result) {
	for _, spec := range specs {
		res.PackagesInstalled = append(res.PackagesInstalled, spec)
		e.record(StagePackages, spec, nil)
	}
}

func (e *Engine) failAll(stage Stage, items []string, err error, res *Result) {
	for _, item := range items {
		res.fail(stage, item, err)
		e.record(stage, item, err)
	}
}

// runWithTimeout runs one command under its own deadline and normalizes a
// deadline hit into provider.ErrTimeout.
func (e *Engine) runWithTimeout(ctx context.Context, p provider.Provider, timeout time.Duration, command string, args ...string) (*provider.CommandResult, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := p.RunCommand(cctx, command, args...)
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, provider.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, fmt.Errorf("timed out after %s: %w", timeout, provider.ErrTimeout)
		}
		return nil, err
	}
	return res, nil
}

// permanent reports errors that a retry cannot fix.
func permanent(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, provider.ErrTimeout) ||
		errors.Is(err, provider.ErrTerminated)
}

func batches(items []string, size int) [][]string {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]string{items}
	}
	out := make([][]string, 0, (len(items)+size-1)/size)
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	return append(out, items)
}
