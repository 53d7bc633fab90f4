package sandbox

import (
	"bytes"
	"sync"
)

const (
	MaxStdoutBytes = 1 << 20
	MaxStderrBytes = 256 * 1024

	truncationMarker = "\n... [output truncated]"
)

// LimitedBuffer keeps the first max bytes written to it and discards the
// rest, reporting every write as complete so producers never see a short
// write.
type LimitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func NewLimitedBuffer(max int) *LimitedBuffer {
	return &LimitedBuffer{max: max}
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		if n > 0 {
			b.truncated = true
		}
		return n, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
		b.truncated = true
	}
	b.buf.Write(p)
	return n, nil
}

// String returns the captured output, marked when bytes were dropped.
func (b *LimitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}

func (b *LimitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// TruncateOutput caps s at maxBytes.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + truncationMarker
}
