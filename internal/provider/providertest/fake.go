// Package providertest provides in-memory provider implementations for tests.
package providertest

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/aaron-ailabs/space/internal/provider"
)

var chunkRe = regexp.MustCompile(`bs=(\d+) skip=(\d+)`)

// Call records one RunCommand invocation.
type Call struct {
	Command string
	Args    []string
}

// Line renders the call as a single space-joined string.
func (c Call) Line() string {
	return strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
}

// HandlerFunc overrides command behaviour. Returning a nil result and nil
// error falls through to the built-in simulation.
type HandlerFunc func(ctx context.Context, command string, args []string) (*provider.CommandResult, error)

// Fake is a command-only provider backed by an in-memory file map. It
// understands the base64 write scripts and the sized chunk reads used by
// provider.WriteFile and provider.ReadFile, so files written either way
// land in Files.
type Fake struct {
	ID           string
	Handler      HandlerFunc
	TerminateErr error

	// OutputLimit caps Stdout of every result the way a real backend
	// caps captured output. Zero means unlimited.
	OutputLimit int

	mu         sync.Mutex
	files      map[string]string
	calls      []Call
	terminated int
}

var _ provider.Provider = (*Fake)(nil)

// New returns an empty fake.
func New(id string) *Fake {
	return &Fake{ID: id, files: make(map[string]string)}
}

func (f *Fake) RunCommand(ctx context.Context, command string, args ...string) (*provider.CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Command: command, Args: append([]string(nil), args...)})
	terminated := f.terminated > 0
	handler := f.Handler
	f.mu.Unlock()

	if terminated {
		return nil, provider.ErrTerminated
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var res *provider.CommandResult
	if handler != nil {
		var err error
		if res, err = handler(ctx, command, args); err != nil {
			return nil, err
		}
	}
	if res == nil {
		res = f.simulate(command, args)
	}
	if f.OutputLimit > 0 && len(res.Stdout) > f.OutputLimit {
		capped := *res
		capped.Stdout = res.Stdout[:f.OutputLimit]
		res = &capped
	}
	return res, nil
}

func (f *Fake) simulate(command string, args []string) *provider.CommandResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case command == "sh" && len(args) == 5 && args[0] == "-c" && args[2] == "sh":
		data, err := base64.StdEncoding.DecodeString(args[4])
		if err != nil {
			return &provider.CommandResult{ExitCode: 1, Stderr: "base64: invalid input"}
		}
		if strings.Contains(args[1], ">>") {
			f.files[args[3]] += string(data)
		} else {
			f.files[args[3]] = string(data)
		}
	case command == "sh" && len(args) == 4 && args[0] == "-c" && strings.HasPrefix(args[1], "wc -c"):
		content, ok := f.files[args[3]]
		if !ok {
			return &provider.CommandResult{ExitCode: 1, Stderr: fmt.Sprintf("sh: %s: No such file or directory", args[3])}
		}
		return &provider.CommandResult{Stdout: fmt.Sprintf("%d\n", len(content))}
	case command == "sh" && len(args) == 4 && args[0] == "-c" && strings.HasPrefix(args[1], "dd if="):
		m := chunkRe.FindStringSubmatch(args[1])
		if m == nil {
			return &provider.CommandResult{ExitCode: 1, Stderr: "dd: bad arguments"}
		}
		bs, _ := strconv.Atoi(m[1])
		skip, _ := strconv.Atoi(m[2])
		content := f.files[args[3]]
		start := min(bs*skip, len(content))
		end := min(start+bs, len(content))
		return &provider.CommandResult{Stdout: base64.StdEncoding.EncodeToString([]byte(content[start:end]))}
	}
	return &provider.CommandResult{}
}

func (f *Fake) Terminate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated++
	return f.TerminateErr
}

// Terminated returns how many times Terminate was called.
func (f *Fake) Terminated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

// Calls returns a copy of the recorded command invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// File returns the stored content of path.
func (f *Fake) File(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[path]
	return c, ok
}

// SetFile seeds path with content.
func (f *Fake) SetFile(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
}

// Files returns a copy of the file map.
func (f *Fake) Files() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.files))
	for k, v := range f.files {
		out[k] = v
	}
	return out
}

// Native is a Fake with native file IO capabilities.
type Native struct {
	*Fake
	Writes int
}

var (
	_ provider.FileWriter = (*Native)(nil)
	_ provider.FileReader = (*Native)(nil)
)

// NewNative returns a fake with FileWriter and FileReader.
func NewNative(id string) *Native {
	return &Native{Fake: New(id)}
}

func (n *Native) WriteFile(_ context.Context, path, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.terminated > 0 {
		return provider.ErrTerminated
	}
	n.Writes++
	n.files[path] = content
	return nil
}

func (n *Native) ReadFile(_ context.Context, path string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.files[path]
	if !ok {
		return "", fmt.Errorf("reading %s: %w", path, fs.ErrNotExist)
	}
	return c, nil
}

// Reconnecting is a Fake that also implements provider.Reconnector.
type Reconnecting struct {
	*Fake
	Found bool
	Err   error

	reconnects []string
}

var _ provider.Reconnector = (*Reconnecting)(nil)

// NewReconnecting returns a fake whose Reconnect reports found/err.
func NewReconnecting(id string, found bool, err error) *Reconnecting {
	return &Reconnecting{Fake: New(id), Found: found, Err: err}
}

func (r *Reconnecting) Reconnect(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects = append(r.reconnects, id)
	return r.Found, r.Err
}

// Reconnects returns the ids passed to Reconnect.
func (r *Reconnecting) Reconnects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reconnects...)
}
