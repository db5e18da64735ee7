package engine

import (
	"bytes"
	"io"
)

// CappedBuffer is a capture destination that keeps at most limit bytes and
// silently drops the rest. It always reports the full write as accepted so
// the producing pump keeps draining the stream.
type CappedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

// NewCappedBuffer returns a buffer that retains up to limit bytes.
func NewCappedBuffer(limit int64) *CappedBuffer {
	return &CappedBuffer{limit: limit}
}

func (b *CappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	return b.buf.Write(p)
}

// String returns the retained bytes as a string.
func (b *CappedBuffer) String() string { return b.buf.String() }

// Len reports how many bytes were retained.
func (b *CappedBuffer) Len() int { return b.buf.Len() }

var _ io.Writer = (*CappedBuffer)(nil)
