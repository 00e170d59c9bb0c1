// Package archive packages a sandbox project as a downloadable zip.
//
// The zip is built inside the sandbox and pulled back through the
// provider's command channel in base64 chunks small enough to fit the
// per-command output cap.
package archive

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/aaron-ailabs/space/internal/provider"
)

const (
	tempDir         = "/tmp"
	defaultFileName = "space-project.zip"
	defaultMaxBytes = 64 << 20

	// chunkBytes stays well under provider.MaxOutputBytes once base64 encoded.
	chunkBytes = 512 << 10
)

// DefaultExcludes are the zip exclusion patterns used when none are given.
var DefaultExcludes = []string{"node_modules/*", ".git/*", ".next/*", "dist/*", "build/*", "*.log"}

// ErrTooLarge is returned when the archive exceeds the configured limit.
var ErrTooLarge = errors.New("archive too large")

// Archive is a packaged project.
type Archive struct {
	FileName  string `json:"file_name"`
	DataURL   string `json:"data_url"`
	SizeBytes int64  `json:"size_bytes"`
}

const dataURLPrefix = "data:application/zip;base64,"

// Bytes decodes the zip contents from the data URL.
func (a *Archive) Bytes() ([]byte, error) {
	enc, ok := strings.CutPrefix(a.DataURL, dataURLPrefix)
	if !ok {
		return nil, fmt.Errorf("archive %s: not a zip data URL", a.FileName)
	}
	return base64.StdEncoding.DecodeString(enc)
}

// Options tune archive creation. Zero values select defaults.
type Options struct {
	// Path is where the zip is built inside the sandbox. Empty selects a
	// fresh name under /tmp for every call, so concurrent archives on a
	// shared host never collide.
	Path     string
	FileName string
	Excludes []string
	MaxBytes int64
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = fmt.Sprintf("%s/space-project-%s.zip", tempDir, uuid.NewString())
	}
	if o.FileName == "" {
		o.FileName = defaultFileName
	}
	if o.Excludes == nil {
		o.Excludes = DefaultExcludes
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = defaultMaxBytes
	}
	return o
}

// Create zips the sandbox project root and returns it as a data URL. The
// zip is removed from the sandbox before Create returns.
func Create(ctx context.Context, p provider.Provider, opts Options, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts = opts.withDefaults()
	path := shellquote.Join(opts.Path)
	defer func() {
		if _, err := run(context.WithoutCancel(ctx), p, "rm", "-f", opts.Path); err != nil {
			logger.Warn("removing project zip", slog.String("path", opts.Path), slog.String("error", err.Error()))
		}
	}()

	script := fmt.Sprintf("rm -f %s && zip -q -r %s .", path, path)
	if len(opts.Excludes) > 0 {
		script += " -x " + shellquote.Join(opts.Excludes...)
	}
	if _, err := run(ctx, p, "bash", "-c", script); err != nil {
		return nil, fmt.Errorf("creating zip: %w", err)
	}

	out, err := run(ctx, p, "bash", "-c", "wc -c < "+path)
	if err != nil {
		return nil, fmt.Errorf("sizing zip: %w", err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sizing zip: unexpected output %q", strings.TrimSpace(out))
	}
	if size > opts.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, size, opts.MaxBytes)
	}
	logger.Info("project zip created", slog.String("path", opts.Path), slog.Int64("size_bytes", size))

	data, err := read(ctx, p, path, size)
	if err != nil {
		return nil, err
	}

	return &Archive{
		FileName:  opts.FileName,
		DataURL:   dataURLPrefix + base64.StdEncoding.EncodeToString(data),
		SizeBytes: size,
	}, nil
}

// read pulls size bytes from path in base64 chunks.
func read(ctx context.Context, p provider.Provider, path string, size int64) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(size))

	for chunk := int64(0); chunk*chunkBytes < size; chunk++ {
		script := fmt.Sprintf("dd if=%s bs=%d skip=%d count=1 2>/dev/null | base64 | tr -d '\\n'", path, chunkBytes, chunk)
		out, err := run(ctx, p, "bash", "-c", script)
		if err != nil {
			return nil, fmt.Errorf("reading zip: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out))
		if err != nil {
			return nil, fmt.Errorf("reading zip chunk %d: %w", chunk, err)
		}
		buf.Write(data)
	}

	if int64(buf.Len()) != size {
		return nil, fmt.Errorf("reading zip: got %d bytes, want %d", buf.Len(), size)
	}
	return buf.Bytes(), nil
}

func run(ctx context.Context, p provider.Provider, command string, args ...string) (string, error) {
	res, err := p.RunCommand(ctx, command, args...)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", provider.NewCommandError(res, command)
	}
	return res.Stdout, nil
}
