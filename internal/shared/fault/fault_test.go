package fault

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"direct fault", New(TypeError, "bad value"), TypeError},
		{"wrapped fault", fmt.Errorf("outer: %w", New(MissingKey, "no key")), MissingKey},
		{"plain error defaults to io", io.ErrUnexpectedEOF, IoError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("want %q, got %q", tt.want, got)
			}
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(IoError, cause, "writing spill")
	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause not reachable through errors.Is")
	}
	if KindOf(err) != IoError {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(FetchFailed, "conn refused")) {
		t.Fatal("fetch failures should be retried in-worker")
	}
	if !Retryable(New(IoError, "transient")) {
		t.Fatal("io errors should be retried in-worker")
	}
	if Retryable(New(TypeError, "bad value")) {
		t.Fatal("operator faults are deterministic, never retried locally")
	}
	if Retryable(New(Cancelled, "stop")) {
		t.Fatal("cancellation is not retryable")
	}
}
