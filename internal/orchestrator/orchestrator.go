package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/aaron-ailabs/space/internal/apperr"
	"github.com/aaron-ailabs/space/internal/apply"
	"github.com/aaron-ailabs/space/internal/archive"
	"github.com/aaron-ailabs/space/internal/conversation"
	"github.com/aaron-ailabs/space/internal/parser"
	"github.com/aaron-ailabs/space/internal/provider"
	"github.com/aaron-ailabs/space/internal/registry"
)

// Orchestrator is the service behind every gateway.
type Orchestrator struct {
	registry     *registry.Registry
	engine       *apply.Engine
	conversation *conversation.Store
	archive      archive.Options
	logger       *slog.Logger

	// Applies are serialized so two responses never interleave writes.
	applyMu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConversation shares a conversation store.
func WithConversation(s *conversation.Store) Option {
	return func(o *Orchestrator) { o.conversation = s }
}

// WithArchiveOptions overrides archive defaults.
func WithArchiveOptions(opts archive.Options) Option {
	return func(o *Orchestrator) { o.archive = opts }
}

// New creates an Orchestrator over an existing registry and engine.
func New(reg *registry.Registry, engine *apply.Engine, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o := &Orchestrator{
		registry: reg,
		engine:   engine,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.conversation == nil {
		o.conversation = conversation.NewStore()
	}
	return o
}

// ApplyResponse parses a model response and applies it to the active sandbox.
func (o *Orchestrator) ApplyResponse(ctx context.Context, req ApplyRequest) (*ApplyResponse, error) {
	if strings.TrimSpace(req.Response) == "" {
		return nil, apperr.Validation("response is required")
	}

	plan, err := parser.Parse(req.Response)
	if err != nil {
		return nil, apperr.Wrap(http.StatusBadRequest, apperr.CodeValidation, "invalid response", err)
	}

	o.applyMu.Lock()
	defer o.applyMu.Unlock()

	sess, ok := o.registry.Active()
	if !ok {
		return nil, apperr.ProviderUnavailable(http.StatusConflict, "No active sandbox available")
	}

	res, err := o.engine.Apply(ctx, sess.Provider, sess.Files, plan, apply.Options{
		EditMode:      req.IsEdit,
		SmartMerge:    req.IsEdit && o.engine.HasMerger(),
		RawResponse:   req.Response,
		ExtraPackages: req.Packages,
	})
	if errors.Is(err, apply.ErrProviderUnavailable) {
		return nil, apperr.ProviderUnavailable(http.StatusConflict, "No active sandbox available")
	}
	if err != nil {
		return nil, apperr.Internal("apply failed", err)
	}

	if req.Prompt != "" {
		o.conversation.AddMessage("user", req.Prompt)
	}
	if plan.Explanation != "" {
		o.conversation.AddMessage("assistant", plan.Explanation)
	}
	if req.IsEdit {
		o.conversation.RecordEdit(res.FilesCreated, plan.Explanation)
	} else if len(res.FilesCreated) > 0 {
		o.conversation.RecordMajorChange(fmt.Sprintf("Created %d files", len(res.FilesCreated)), res.FilesCreated)
	}

	o.logger.InfoContext(ctx, "response applied",
		slog.String("sandbox_id", sess.ID),
		slog.Bool("edit", req.IsEdit),
		slog.Int("files", len(res.FilesCreated)),
		slog.Int("errors", len(res.Errors)),
	)

	return &ApplyResponse{
		Success:           true,
		FilesCreated:      res.FilesCreated,
		PackagesInstalled: res.PackagesInstalled,
		CommandsExecuted:  res.CommandsExecuted,
		Errors:            res.Errors,
		Outputs:           res.Outputs,
		Edits:             res.Edits,
		Explanation:       plan.Explanation,
		Structure:         plan.Structure,
		Message:           fmt.Sprintf("Applied %d files successfully", len(res.FilesCreated)),
	}, nil
}

// Connect attaches to sandbox id, creating and provisioning it when needed,
// and makes it active. An empty id creates a new sandbox.
func (o *Orchestrator) Connect(ctx context.Context, id string) (*SandboxInfo, error) {
	if id == "" {
		id = uuid.NewString()
	}

	p, err := o.registry.GetOrCreateProvider(ctx, id)
	if err != nil {
		return nil, apperr.Internal("creating sandbox", err)
	}

	if sess, ok := o.registry.Session(id); !ok || sess.Provider != p {
		if err := provider.Provision(ctx, p); err != nil {
			o.releaseUnprovisioned(ctx, id, p)
			return nil, apperr.Internal("provisioning sandbox", err)
		}
	}
	o.registry.RegisterSandbox(id, p)

	sess, _ := o.registry.Session(id)
	o.logger.InfoContext(ctx, "sandbox connected", slog.String("sandbox_id", id))
	return o.info(sess, id), nil
}

// releaseUnprovisioned frees a provider whose Provision failed. A backend
// that can reconnect addresses an environment by id that may predate this
// call, and a failed Provision removes whatever it created, so it is left
// untouched.
func (o *Orchestrator) releaseUnprovisioned(ctx context.Context, id string, p provider.Provider) {
	if _, ok := provider.As[provider.Reconnector](p); ok {
		return
	}
	if err := p.Terminate(context.WithoutCancel(ctx)); err != nil {
		o.logger.Warn("releasing unprovisioned sandbox", slog.String("sandbox_id", id), slog.Any("error", err))
	}
}

// Terminate removes sandbox id.
func (o *Orchestrator) Terminate(ctx context.Context, id string) error {
	if !o.registry.TerminateSandbox(ctx, id) {
		return apperr.NotFound(fmt.Sprintf("sandbox %s not found", id))
	}
	return nil
}

// TerminateAll removes every sandbox.
func (o *Orchestrator) TerminateAll(ctx context.Context) {
	o.registry.TerminateAll(ctx)
}

// Sandboxes lists registered sandboxes, oldest first.
func (o *Orchestrator) Sandboxes() []SandboxInfo {
	active := o.registry.ActiveID()
	sessions := o.registry.List()
	out := make([]SandboxInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, *o.info(s, active))
	}
	return out
}

// CreateArchive packages the active sandbox project.
func (o *Orchestrator) CreateArchive(ctx context.Context) (*archive.Archive, error) {
	p, ok := o.registry.GetActiveProvider()
	if !ok {
		return nil, apperr.ProviderUnavailable(http.StatusBadRequest, "No active sandbox available")
	}
	a, err := archive.Create(ctx, p, o.archive, o.logger)
	if err != nil {
		return nil, apperr.Internal("Failed to create zip", err)
	}
	return a, nil
}

// Conversation returns the current conversation state.
func (o *Orchestrator) Conversation() *ConversationResponse {
	state := o.conversation.Get()
	if state == nil {
		return &ConversationResponse{Success: true, Message: "No active conversation"}
	}
	return &ConversationResponse{Success: true, State: state}
}

// ConversationAction applies a reset, clear-old or update action.
func (o *Orchestrator) ConversationAction(ctx context.Context, req ConversationRequest) (*ConversationResponse, error) {
	switch req.Action {
	case ActionReset:
		state := o.conversation.Reset()
		o.logger.InfoContext(ctx, "conversation state reset", slog.String("conversation_id", state.ConversationID))
		return &ConversationResponse{Success: true, Message: "Conversation state reset", State: state}, nil

	case ActionClearOld:
		state, created := o.conversation.ClearOld()
		if created {
			return &ConversationResponse{Success: true, Message: "New conversation state initialized", State: state}, nil
		}
		return &ConversationResponse{Success: true, Message: "Old conversation data cleared", State: state}, nil

	case ActionUpdate:
		var u conversation.Update
		if req.Data != nil {
			u = *req.Data
		}
		state, err := o.conversation.Update(u)
		if errors.Is(err, conversation.ErrNoActiveConversation) {
			return nil, apperr.New(http.StatusBadRequest, apperr.CodeNoConversation, "No active conversation to update")
		}
		if err != nil {
			return nil, apperr.Internal("updating conversation", err)
		}
		o.logger.InfoContext(ctx, "conversation state updated", slog.String("topic", u.CurrentTopic))
		return &ConversationResponse{Success: true, Message: "Conversation state updated", State: state}, nil

	default:
		return nil, apperr.Validation("Invalid action")
	}
}

// ClearConversation drops the conversation state.
func (o *Orchestrator) ClearConversation() {
	o.conversation.Clear()
}

// Close terminates every sandbox.
func (o *Orchestrator) Close(ctx context.Context) {
	o.registry.TerminateAll(ctx)
}

func (o *Orchestrator) info(s registry.Session, activeID string) *SandboxInfo {
	return &SandboxInfo{
		ID:           s.ID,
		Active:       s.ID == activeID,
		Files:        s.Files.Paths(),
		CreatedAt:    s.CreatedAt,
		LastAccessed: s.LastAccessed,
	}
}
