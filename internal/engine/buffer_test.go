package engine

import (
	"strings"
	"testing"
)

func TestCappedBuffer_Truncates(t *testing.T) {
	b := NewCappedBuffer(8)
	n, err := b.Write([]byte("0123456789"))
	if err != nil || n != 10 {
		t.Fatalf("write = (%d, %v), want (10, nil)", n, err)
	}
	if got := b.String(); got != "01234567" {
		t.Errorf("buffer = %q, want truncated to 8 bytes", got)
	}
	// Further writes are swallowed without error.
	if _, err := b.Write([]byte("more")); err != nil {
		t.Errorf("write past cap errored: %v", err)
	}
	if !strings.HasPrefix(b.String(), "01234567") || b.Len() != 8 {
		t.Errorf("buffer grew past cap: %q", b.String())
	}
}

func TestCappedBuffer_UnderLimit(t *testing.T) {
	b := NewCappedBuffer(64)
	if _, err := b.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if b.String() != "hello" || b.Len() != 5 {
		t.Errorf("buffer = %q len=%d, want %q", b.String(), b.Len(), "hello")
	}
}
