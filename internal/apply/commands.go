package apply

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/kballard/go-shellquote"

	"github.com/aaron-ailabs/space/internal/provider"
)

// readOnlyPrograms never mutate the sandbox, so a transport failure can be
// retried safely.
var readOnlyPrograms = map[string]bool{
	"cat": true, "echo": true, "env": true, "find": true, "grep": true,
	"head": true, "ls": true, "pwd": true, "stat": true, "tail": true,
	"tree": true, "wc": true, "which": true,
}

var readOnlyGit = map[string]bool{
	"diff": true, "log": true, "show": true, "status": true,
}

func (e *Engine) runCommands(ctx context.Context, p provider.Provider, commands []string, res *Result) {
	for _, cmd := range commands {
		if err := canceled(ctx); err != nil {
			res.fail(StageCommands, cmd, err)
			e.record(StageCommands, cmd, err)
			continue
		}

		err := e.runCommand(ctx, p, cmd, res)
		e.record(StageCommands, cmd, err)
		if err != nil {
			res.fail(StageCommands, cmd, err)
			continue
		}
		res.CommandsExecuted = append(res.CommandsExecuted, cmd)
	}
}

func (e *Engine) runCommand(ctx context.Context, p provider.Provider, cmd string, res *Result) error {
	words, err := shellquote.Split(cmd)
	if err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	if len(words) == 0 {
		return errors.New("invalid command: empty")
	}

	tries := uint(1)
	if isReadOnly(cmd, words) {
		tries = uint(e.cfg.Retries())
	}
	timeout := e.cfg.CommandTimeout()

	op := func() (*provider.CommandResult, error) {
		out, err := e.runWithTimeout(ctx, p, timeout, "sh", "-c", cmd)
		if err != nil && permanent(ctx, err) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}

	start := time.Now()
	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(error, time.Duration) { e.metrics.observeRetry(StageCommands) }),
	)
	if err != nil {
		return err
	}

	res.Outputs = append(res.Outputs, CommandOutput{
		Command:  cmd,
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Duration: time.Since(start),
	})
	if !out.OK() {
		return provider.NewCommandError(out, words[0])
	}
	return nil
}

// isReadOnly reports whether cmd is a single invocation of a program that
// does not modify the sandbox.
func isReadOnly(cmd string, words []string) bool {
	if strings.ContainsAny(cmd, ";&|<>`$(){}\n") {
		return false
	}
	if words[0] == "git" {
		return len(words) > 1 && readOnlyGit[words[1]]
	}
	return readOnlyPrograms[words[0]]
}
