// Package apply materializes a parsed Plan into a sandbox.
//
// An Engine runs three stages in a fixed order: packages are installed
// first so files and commands can rely on them, files are written next so
// commands can build them, and commands run last. Every stage isolates
// failures to its own items and later stages always run. Every item of the
// plan ends up in exactly one of the success lists or Result.Errors.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/aaron-ailabs/space/internal/config"
	"github.com/aaron-ailabs/space/internal/merge"
	"github.com/aaron-ailabs/space/internal/parser"
	"github.com/aaron-ailabs/space/internal/provider"
	"github.com/aaron-ailabs/space/internal/tracker"
)

// ErrProviderUnavailable is returned when Apply is called without a sandbox.
var ErrProviderUnavailable = errors.New("no active sandbox provider")

// Stage names one phase of an apply.
type Stage string

const (
	StageParse    Stage = "parse"
	StagePackages Stage = "packages"
	StageFiles    Stage = "files"
	StageCommands Stage = "commands"
)

// Stages is the execution order of an apply.
var Stages = []Stage{StagePackages, StageFiles, StageCommands}

// Options control a single apply.
type Options struct {
	EditMode      bool
	SmartMerge    bool
	RawResponse   string   // Full model output, passed to the merger as context.
	ExtraPackages []string // Requested by the caller in addition to the plan's.
}

// ItemError records the failure of one plan item.
type ItemError struct {
	Stage   Stage  `json:"stage"`
	Item    string `json:"item"`
	Message string `json:"message"`
}

// CommandOutput captures a command run during the commands stage.
type CommandOutput struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// FileEdit describes a smart-merged file as a unified diff.
type FileEdit struct {
	Path string `json:"path"`
	Diff string `json:"diff"`
}

// Result aggregates the outcome of every stage.
type Result struct {
	FilesCreated      []string        `json:"files_created"`
	PackagesInstalled []string        `json:"packages_installed"`
	CommandsExecuted  []string        `json:"commands_executed"`
	Errors            []ItemError     `json:"errors"`
	Outputs           []CommandOutput `json:"outputs,omitempty"`
	Edits             []FileEdit      `json:"edits,omitempty"`
}

func (r *Result) fail(stage Stage, item string, err error) {
	r.Errors = append(r.Errors, ItemError{Stage: stage, Item: item, Message: err.Error()})
}

// Engine applies plans. It is safe for concurrent use; callers serialize
// applies against the same sandbox.
type Engine struct {
	cfg        *config.ApplyConfig
	merger     merge.Merger
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	newBackOff func() backoff.BackOff
}

// Option configures an Engine.
type Option func(*Engine)

// WithMerger enables smart merge for edit-mode applies.
func WithMerger(m merge.Merger) Option {
	return func(e *Engine) { e.merger = m }
}

// WithMetrics records item and duration metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer emits a span per apply and per stage.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithBackOff overrides the retry backoff policy.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(e *Engine) { e.newBackOff = f }
}

// New creates an Engine. cfg may be nil for defaults.
func New(cfg *config.ApplyConfig, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer(""),
	}
	e.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.RetryInitialInterval()
		return b
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HasMerger reports whether smart merge is available.
func (e *Engine) HasMerger() bool {
	return e.merger != nil
}

// Apply runs the plan against p. files is the sandbox's existing-file
// tracker and is updated for every successful write. The returned error is
// non-nil only when p is nil; item failures are reported in Result.Errors.
func (e *Engine) Apply(ctx context.Context, p provider.Provider, files *tracker.Tracker, plan *parser.Plan, opts Options) (*Result, error) {
	if p == nil {
		return nil, ErrProviderUnavailable
	}
	if files == nil {
		files = tracker.New()
	}
	if plan == nil {
		plan = &parser.Plan{}
	}

	ctx, span := e.tracer.Start(ctx, "apply",
		trace.WithAttributes(
			attribute.Int("apply.files", len(plan.Files)),
			attribute.Int("apply.packages", len(plan.Packages)+len(opts.ExtraPackages)),
			attribute.Int("apply.commands", len(plan.Commands)),
			attribute.Bool("apply.edit_mode", opts.EditMode),
		))
	defer span.End()

	start := time.Now()
	res := &Result{
		FilesCreated:      []string{},
		PackagesInstalled: []string{},
		CommandsExecuted:  []string{},
		Errors:            []ItemError{},
	}
	for _, pe := range plan.Errors {
		res.Errors = append(res.Errors, ItemError{Stage: StageParse, Item: pe.Item, Message: pe.Message})
	}

	for _, stage := range Stages {
		e.runStage(ctx, stage, func(ctx context.Context) {
			switch stage {
			case StagePackages:
				e.installPackages(ctx, p, packageSpecs(plan.Packages, opts.ExtraPackages), res)
			case StageFiles:
				e.writeFiles(ctx, p, files, plan, opts, res)
			case StageCommands:
				e.runCommands(ctx, p, plan.Commands, res)
			}
		})
	}

	e.metrics.observeApply(time.Since(start))
	if len(res.Errors) > 0 {
		span.SetStatus(codes.Error, "apply finished with item errors")
	}
	span.SetAttributes(attribute.Int("apply.errors", len(res.Errors)))

	e.logger.Info("plan applied",
		slog.Int("files", len(res.FilesCreated)),
		slog.Int("packages", len(res.PackagesInstalled)),
		slog.Int("commands", len(res.CommandsExecuted)),
		slog.Int("errors", len(res.Errors)),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (e *Engine) runStage(ctx context.Context, stage Stage, fn func(ctx context.Context)) {
	ctx, span := e.tracer.Start(ctx, "apply."+string(stage))
	defer span.End()
	fn(ctx)
}

// record logs and counts one item outcome.
func (e *Engine) record(stage Stage, item string, err error) {
	if err != nil {
		e.logger.Warn("apply item failed",
			slog.String("stage", string(stage)),
			slog.String("item", item),
			slog.String("error", err.Error()),
		)
	}
	e.metrics.observeItem(stage, err)
}

// canceled returns the error recorded for items skipped after ctx ended.
func canceled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return fmt.Errorf("not applied: %w", context.Cause(ctx))
}
