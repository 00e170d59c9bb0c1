package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aaron-ailabs/space/internal/orchestrator"
)

// Exit codes for the apply command.
const (
	ExitFailure      = 1
	ExitItemFailures = 2
)

var (
	applySandboxID string
	applyFile      string
	applyEdit      bool
	applyPackages  []string
	applyRemove    bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a model response to a sandbox",
	Long: `Parse a code-generation model response and apply its files, packages and
commands to a sandbox, printing the result as JSON.

Examples:
  space apply --file response.txt
  cat response.txt | space apply --sandbox my-app --file -
  space apply --sandbox my-app --file patch.txt --edit

Exit codes:
  0  every item applied
  1  the response could not be applied
  2  applied with per-item failures`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringVar(&applySandboxID, "sandbox", "", "sandbox ID to reuse (default: new sandbox)")
	applyCmd.Flags().StringVarP(&applyFile, "file", "f", "-", "model response file, - for stdin")
	applyCmd.Flags().BoolVar(&applyEdit, "edit", false, "treat the response as an edit of existing files")
	applyCmd.Flags().StringSliceVar(&applyPackages, "packages", nil, "extra packages to install")
	applyCmd.Flags().BoolVar(&applyRemove, "rm", false, "terminate the sandbox afterwards")
}

func runApply(_ *cobra.Command, _ []string) error {
	response, err := readResponse(applyFile, os.Stdin)
	if err != nil {
		return err
	}

	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		info, err := sc.Orchestrator.Connect(ctx, applySandboxID)
		if err != nil {
			return err
		}
		if applyRemove {
			defer func() {
				_ = sc.Orchestrator.Terminate(context.WithoutCancel(ctx), info.ID)
			}()
		}

		resp, err := sc.Orchestrator.ApplyResponse(ctx, orchestrator.ApplyRequest{
			Response: response,
			IsEdit:   applyEdit,
			Packages: applyPackages,
		})
		if err != nil {
			return err
		}

		if err := printJSON(os.Stdout, struct {
			SandboxID string `json:"sandbox_id"`
			*orchestrator.ApplyResponse
		}{info.ID, resp}); err != nil {
			return err
		}

		if len(resp.Errors) > 0 {
			return &exitError{code: ExitItemFailures, err: fmt.Errorf("%d items failed", len(resp.Errors))}
		}
		return nil
	})
}

// exitError carries a non-default process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// readResponse reads the model response from path, or from stdin when path is "-".
func readResponse(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("reading response: %s is empty", path)
	}
	return string(data), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
