package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aaron-ailabs/space/internal/archive"
	"github.com/aaron-ailabs/space/internal/provider"
)

var (
	sandboxPurge      bool
	sandboxArchiveOut string
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Manage sandboxes",
}

var sandboxRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Terminate a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxRm,
}

var sandboxArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Download a sandbox project as a zip",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxArchive,
}

var sandboxPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove every local sandbox project tree",
	RunE:  runSandboxPrune,
}

func init() {
	sandboxRmCmd.Flags().BoolVar(&sandboxPurge, "purge", false, "also delete the local project tree")
	sandboxArchiveCmd.Flags().StringVarP(&sandboxArchiveOut, "out", "o", "", "output file (default: <workspace>/archives/<id>.zip)")
	sandboxCmd.AddCommand(sandboxRmCmd, sandboxArchiveCmd, sandboxPruneCmd)
}

// withShared loads config, builds the shared components and runs fn under a
// signal-aware context.
func withShared(fn func(ctx context.Context, sc *SharedComponents) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, sc)
}

// attach returns the provider of an existing sandbox. Backends that can
// reconnect must find the sandbox; stateless backends address it by ID alone.
func attach(ctx context.Context, sc *SharedComponents, id string) (provider.Provider, error) {
	p, err := sc.Registry.GetOrCreateProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := sc.Registry.Session(id); ok {
		return p, nil
	}
	if _, ok := provider.As[provider.Reconnector](p); ok {
		_ = p.Terminate(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("sandbox %s not found", id)
	}
	sc.Registry.RegisterSandbox(id, p)
	return p, nil
}

func runSandboxRm(_ *cobra.Command, args []string) error {
	id := args[0]
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		if _, err := attach(ctx, sc, id); err != nil {
			return err
		}
		if err := sc.Orchestrator.Terminate(ctx, id); err != nil {
			return err
		}
		if sandboxPurge && sc.Config.Sandbox.BackendName() == "local" {
			if err := sc.Workspace.RemoveProject(id); err != nil {
				return err
			}
		}
		fmt.Printf("sandbox %s terminated\n", id)
		return nil
	})
}

func runSandboxArchive(_ *cobra.Command, args []string) error {
	id := args[0]
	return withShared(func(ctx context.Context, sc *SharedComponents) error {
		p, err := attach(ctx, sc, id)
		if err != nil {
			return err
		}
		a, err := archive.Create(ctx, p, archive.Options{}, sc.Logger)
		if err != nil {
			return err
		}
		data, err := a.Bytes()
		if err != nil {
			return err
		}

		out := sandboxArchiveOut
		if out == "" {
			out = sc.Workspace.ArchivePath(id)
		}
		if err := os.MkdirAll(filepath.Dir(out), 0750); err != nil {
			return fmt.Errorf("creating archive directory: %w", err)
		}
		if err := os.WriteFile(out, data, 0640); err != nil {
			return fmt.Errorf("writing archive: %w", err)
		}
		sc.Logger.Info("archive written", slog.String("path", out), slog.Int64("size_bytes", a.SizeBytes))
		fmt.Println(out)
		return nil
	})
}

func runSandboxPrune(_ *cobra.Command, _ []string) error {
	return withShared(func(_ context.Context, sc *SharedComponents) error {
		if sc.Config.Sandbox.BackendName() != "local" {
			return fmt.Errorf("prune only applies to the local backend")
		}
		if err := sc.Workspace.CleanSandbox(); err != nil {
			return err
		}
		fmt.Println("local sandbox projects removed")
		return nil
	})
}
