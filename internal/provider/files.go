package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
)

// maxChunk bounds a single base64 argument passed to the write script.
// Linux rejects individual argv strings above 128 KiB.
const maxChunk = 64 << 10

// ReadChunkBytes is the raw size of one chunk pulled back by ReadFile. Once
// base64 encoded it stays under MaxOutputBytes.
const ReadChunkBytes = 512 << 10

// ErrShortRead is returned when a file read back through commands does not
// match its reported size.
var ErrShortRead = errors.New("short read")

const (
	sizeScript      = `wc -c < "$1"`
	readChunkScript = `dd if="$1" bs=%d skip=%d count=1 2>/dev/null | base64 | tr -d '\n'`
	writeScript     = `mkdir -p "$(dirname "$1")" && printf '%s' "$2" | base64 -d > "$1"`
	appendScript    = `printf '%s' "$2" | base64 -d >> "$1"`
)

// WriteFile writes content to path relative to the sandbox project root.
// It uses the backend's FileWriter when available and otherwise streams the
// content through shell commands in base64 chunks.
func WriteFile(ctx context.Context, p Provider, path, content string) error {
	if w, ok := As[FileWriter](p); ok {
		return w.WriteFile(ctx, path, content)
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	chunks := splitChunks(encoded, maxChunk)
	for i, chunk := range chunks {
		script := writeScript
		if i > 0 {
			script = appendScript
		}
		res, err := p.RunCommand(ctx, "sh", "-c", script, "sh", path, chunk)
		if err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		if !res.OK() {
			return fmt.Errorf("writing %s: %w", path, NewCommandError(res, "sh", "-c", "write", path))
		}
	}
	return nil
}

// ReadFile returns the content of path relative to the sandbox project root.
// A missing file yields an error wrapping fs.ErrNotExist.
//
// Without a FileReader the file is sized first and then pulled back in
// base64 chunks, so content beyond the per-command output cap is never
// silently dropped.
func ReadFile(ctx context.Context, p Provider, path string) (string, error) {
	if r, ok := As[FileReader](p); ok {
		return r.ReadFile(ctx, path)
	}

	res, err := p.RunCommand(ctx, "sh", "-c", sizeScript, "sh", path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	if !res.OK() {
		return "", fmt.Errorf("reading %s: %w: %w", path, fs.ErrNotExist, NewCommandError(res, "wc", path))
	}
	size, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return "", fmt.Errorf("reading %s: unexpected size %q", path, strings.TrimSpace(res.Stdout))
	}

	var buf strings.Builder
	buf.Grow(size)
	for chunk := 0; chunk*ReadChunkBytes < size; chunk++ {
		script := fmt.Sprintf(readChunkScript, ReadChunkBytes, chunk)
		res, err := p.RunCommand(ctx, "sh", "-c", script, "sh", path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		if !res.OK() {
			return "", fmt.Errorf("reading %s: %w", path, NewCommandError(res, "dd", path))
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(res.Stdout))
		if err != nil {
			return "", fmt.Errorf("reading %s chunk %d: %w", path, chunk, err)
		}
		buf.Write(data)
	}

	if buf.Len() != size {
		return "", fmt.Errorf("%w: %s: got %d bytes, want %d", ErrShortRead, path, buf.Len(), size)
	}
	return buf.String(), nil
}

// IsNotExist reports whether err means the file does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// splitChunks always returns at least one chunk so empty files are created.
func splitChunks(s string, size int) []string {
	if len(s) <= size {
		return []string{s}
	}
	chunks := make([]string, 0, len(s)/size+1)
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}
