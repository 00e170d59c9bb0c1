package apply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aymanbagabas/go-udiff"

	"github.com/aaron-ailabs/space/internal/merge"
	"github.com/aaron-ailabs/space/internal/parser"
	"github.com/aaron-ailabs/space/internal/provider"
	"github.com/aaron-ailabs/space/internal/tracker"
)

// maxInstruction bounds the raw response forwarded to the merger when the
// plan carries no explanation.
const maxInstruction = 4 << 10

func (e *Engine) writeFiles(ctx context.Context, p provider.Provider, files *tracker.Tracker, plan *parser.Plan, opts Options, res *Result) {
	useMerge := opts.EditMode && opts.SmartMerge && e.merger != nil
	for _, f := range plan.Files {
		if err := canceled(ctx); err != nil {
			res.fail(StageFiles, f.Path, err)
			e.record(StageFiles, f.Path, err)
			continue
		}

		var err error
		if useMerge && files.Has(f.Path) {
			err = e.mergeFile(ctx, p, f, instruction(plan, opts), res)
		} else {
			err = provider.WriteFile(ctx, p, f.Path, f.Content)
		}
		e.record(StageFiles, f.Path, err)
		if err != nil {
			res.fail(StageFiles, f.Path, err)
			continue
		}
		files.Add(f.Path)
		res.FilesCreated = append(res.FilesCreated, f.Path)
	}
}

// mergeFile combines the update fragment with the file's current content.
// A failed merge leaves the file untouched rather than overwriting it with
// a fragment.
func (e *Engine) mergeFile(ctx context.Context, p provider.Provider, f parser.File, instr string, res *Result) error {
	original, err := provider.ReadFile(ctx, p, f.Path)
	if provider.IsNotExist(err) {
		e.logger.Debug("tracked file missing, writing full content", slog.String("path", f.Path))
		return provider.WriteFile(ctx, p, f.Path, f.Content)
	}
	if err != nil {
		return err
	}

	merged, err := e.merger.Merge(ctx, merge.Request{
		Path:        f.Path,
		Original:    original,
		Update:      f.Content,
		Instruction: instr,
	})
	if err != nil {
		return fmt.Errorf("smart merge: %w", err)
	}
	if err := provider.WriteFile(ctx, p, f.Path, merged); err != nil {
		return err
	}

	res.Edits = append(res.Edits, FileEdit{
		Path: f.Path,
		Diff: udiff.Unified("a/"+f.Path, "b/"+f.Path, original, merged),
	})
	return nil
}

// instruction describes the intent of the edit for the merger.
func instruction(plan *parser.Plan, opts Options) string {
	if plan.Explanation != "" {
		return plan.Explanation
	}
	raw := strings.TrimSpace(opts.RawResponse)
	if len(raw) > maxInstruction {
		raw = raw[:maxInstruction]
	}
	return raw
}
