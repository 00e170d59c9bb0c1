package provider

import (
	"bytes"
)

// MaxOutputBytes caps captured stdout/stderr per command.
const MaxOutputBytes = 1 << 20

// OutputBuffer collects command output up to a byte limit.
// Data beyond the limit is discarded without error.
type OutputBuffer struct {
	buf       bytes.Buffer
	remaining int
}

// NewOutputBuffer returns a buffer that keeps at most limit bytes.
func NewOutputBuffer(limit int) *OutputBuffer {
	return &OutputBuffer{remaining: limit}
}

func (b *OutputBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.remaining <= 0 {
		return n, nil
	}
	if len(p) > b.remaining {
		p = p[:b.remaining]
	}
	w, err := b.buf.Write(p)
	b.remaining -= w
	if err != nil {
		return w, err
	}
	return n, nil
}

// String returns the captured output.
func (b *OutputBuffer) String() string {
	return b.buf.String()
}

// Len returns the number of captured bytes.
func (b *OutputBuffer) Len() int {
	return b.buf.Len()
}
