package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetworkError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewNetworkError("dial", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "dial: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "dial: connection refused")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("auth rejection is fatal", func(t *testing.T) {
		err := NewFatalNetworkError("handshake", ErrAuthRejected)

		if err.IsRetriable() {
			t.Error("Expected error to not be retriable")
		}
		if !errors.Is(err, ErrAuthRejected) {
			t.Error("Expected error to wrap ErrAuthRejected")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		retriable := NewNetworkError("read", baseErr)
		fatal := NewFatalNetworkError("handshake", baseErr)
		wrapped := fmt.Errorf("connect: %w", retriable)
		plain := errors.New("plain error")

		if !IsRetriable(retriable) {
			t.Error("IsRetriable should return true for retriable error")
		}

		if !IsRetriable(wrapped) {
			t.Error("IsRetriable should see through wrapping")
		}

		if IsRetriable(fatal) {
			t.Error("IsRetriable should return false for fatal error")
		}

		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
	})
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("must be positive")
	err := &ConfigError{Field: "sync.poll_interval_ms", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [sync.poll_interval_ms]: must be positive"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}
