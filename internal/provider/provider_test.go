package provider_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aaron-ailabs/space/internal/provider"
	"github.com/aaron-ailabs/space/internal/provider/providertest"
)

// wrapper decorates a provider the way instrumentation does.
type wrapper struct {
	provider.Provider
}

func (w wrapper) Unwrap() provider.Provider { return w.Provider }

func TestAs_FindsCapabilityThroughWrappers(t *testing.T) {
	inner := providertest.NewReconnecting("a", true, nil)
	p := wrapper{wrapper{inner}}

	r, ok := provider.As[provider.Reconnector](p)
	if !ok {
		t.Fatal("expected Reconnector through wrapper chain")
	}
	found, err := r.Reconnect(context.Background(), "a")
	if err != nil || !found {
		t.Fatalf("Reconnect = %v, %v; want true, nil", found, err)
	}
}

func TestAs_MissingCapability(t *testing.T) {
	p := wrapper{providertest.New("a")}
	if _, ok := provider.As[provider.Reconnector](p); ok {
		t.Error("command-only provider must not report Reconnector")
	}
	if _, ok := provider.As[provider.FileWriter](p); ok {
		t.Error("command-only provider must not report FileWriter")
	}
	if _, ok := provider.As[provider.Reconnector](nil); ok {
		t.Error("nil provider must not report capabilities")
	}
}

func TestWriteFile_CommandFallback(t *testing.T) {
	ctx := context.Background()
	fake := providertest.New("a")

	if err := provider.WriteFile(ctx, fake, "src/App.tsx", "export default 1\n"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, ok := fake.File("src/App.tsx")
	if !ok || got != "export default 1\n" {
		t.Fatalf("file = %q, %v; want written content", got, ok)
	}

	calls := fake.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Command != "sh" || calls[0].Args[3] != "src/App.tsx" {
		t.Errorf("call = %+v, want sh write with path as positional argument", calls[0])
	}
}

func TestWriteFile_ChunksLargeContent(t *testing.T) {
	ctx := context.Background()
	fake := providertest.New("a")
	content := strings.Repeat("0123456789abcdef", 12<<10) // 192 KiB

	if err := provider.WriteFile(ctx, fake, "big.txt", content); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, _ := fake.File("big.txt")
	if got != content {
		t.Fatalf("content length = %d, want %d", len(got), len(content))
	}
	calls := fake.Calls()
	if len(calls) < 2 {
		t.Fatalf("calls = %d, want multiple chunks", len(calls))
	}
	for _, c := range calls {
		if len(c.Args[4]) > 64<<10 {
			t.Errorf("chunk of %d bytes exceeds limit", len(c.Args[4]))
		}
	}
}

func TestWriteFile_EmptyContentCreatesFile(t *testing.T) {
	fake := providertest.New("a")
	if err := provider.WriteFile(context.Background(), fake, "empty.txt", ""); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, ok := fake.File("empty.txt"); !ok {
		t.Error("empty file was not created")
	}
}

func TestWriteFile_PrefersNative(t *testing.T) {
	native := providertest.NewNative("a")
	if err := provider.WriteFile(context.Background(), wrapper{native}, "a.txt", "x"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if native.Writes != 1 {
		t.Errorf("native writes = %d, want 1", native.Writes)
	}
	if n := len(native.Calls()); n != 0 {
		t.Errorf("commands run = %d, want 0", n)
	}
}

func TestWriteFile_NonZeroExit(t *testing.T) {
	fake := providertest.New("a")
	fake.Handler = func(context.Context, string, []string) (*provider.CommandResult, error) {
		return &provider.CommandResult{ExitCode: 1, Stderr: "read-only file system\n"}, nil
	}
	err := provider.WriteFile(context.Background(), fake, "a.txt", "x")
	var cmdErr *provider.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want CommandError", err)
	}
	if cmdErr.Stderr != "read-only file system" {
		t.Errorf("stderr = %q, want trimmed stderr", cmdErr.Stderr)
	}
}

func TestReadFile(t *testing.T) {
	ctx := context.Background()
	fake := providertest.New("a")
	fake.SetFile("src/a.ts", "const a = 1")

	got, err := provider.ReadFile(ctx, fake, "src/a.ts")
	if err != nil || got != "const a = 1" {
		t.Fatalf("ReadFile = %q, %v", got, err)
	}

	_, err = provider.ReadFile(ctx, fake, "missing.ts")
	if !provider.IsNotExist(err) {
		t.Errorf("err = %v, want not-exist", err)
	}
}

func TestReadFile_LargerThanOutputCap(t *testing.T) {
	fake := providertest.New("a")
	fake.OutputLimit = provider.MaxOutputBytes
	big := strings.Repeat("0123456789abcdef", (provider.MaxOutputBytes+provider.MaxOutputBytes/2)/16)
	fake.SetFile("big.txt", big)

	got, err := provider.ReadFile(context.Background(), fake, "big.txt")
	if err != nil {
		t.Fatalf("ReadFile error = %v", err)
	}
	if len(got) != len(big) || got != big {
		t.Errorf("ReadFile returned %d bytes, want %d", len(got), len(big))
	}
}

func TestReadFile_ShortRead(t *testing.T) {
	fake := providertest.New("a")
	fake.SetFile("a.txt", "hello world")
	fake.Handler = func(_ context.Context, command string, args []string) (*provider.CommandResult, error) {
		if command == "sh" && len(args) == 4 && strings.HasPrefix(args[1], "dd ") {
			return &provider.CommandResult{Stdout: "aGVsbG8="}, nil // "hello"
		}
		return nil, nil
	}

	_, err := provider.ReadFile(context.Background(), fake, "a.txt")
	if !errors.Is(err, provider.ErrShortRead) {
		t.Errorf("err = %v, want ErrShortRead", err)
	}
}

func TestOutputBuffer_Caps(t *testing.T) {
	b := provider.NewOutputBuffer(4)
	n, err := b.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v; want 5, nil", n, err)
	}
	_, _ = b.Write([]byte("more"))
	if b.String() != "hell" {
		t.Errorf("buffer = %q, want %q", b.String(), "hell")
	}
}

func TestCommandError_Message(t *testing.T) {
	err := provider.NewCommandError(&provider.CommandResult{ExitCode: 2, Stderr: " boom \n"}, "npm", "install")
	if got, want := err.Error(), "npm exited with code 2: boom"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
