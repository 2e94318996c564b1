//go:build !llama

package llamacpp

import (
	"errors"
	"testing"
)

func TestStubNewIsUnavailable(t *testing.T) {
	eng, err := New(Options{})
	if eng != nil {
		t.Fatalf("expected nil engine, got %T", eng)
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
