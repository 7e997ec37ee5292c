package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	err := NewError(ErrCodeTransientFetch, "connection reset")

	if err.Code != ErrCodeTransientFetch {
		t.Errorf("expected code %s, got %s", ErrCodeTransientFetch, err.Code)
	}
	if err.Category != CategoryFetch {
		t.Errorf("expected category %s, got %s", CategoryFetch, err.Category)
	}
	if !err.Retryable {
		t.Error("transient fetch errors should be retryable by default")
	}
	if err.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestGetCategory(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		category ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeResourceUnavailable, CategoryResource},
		{ErrCodeRangeNotSupported, CategoryResource},
		{ErrCodeInvalidRange, CategoryResource},
		{ErrCodeTransientFetch, CategoryFetch},
		{ErrCodePermanentFetch, CategoryFetch},
		{ErrCodeRetryExhausted, CategoryFetch},
		{ErrCodeMountFailed, CategoryFilesystem},
		{ErrCodeUnmountFailed, CategoryFilesystem},
		{ErrCodeInternalError, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.category {
				t.Errorf("GetCategory(%s) = %s, want %s", tt.code, got, tt.category)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	err := NewError(ErrCodePermanentFetch, "404 not found").
		WithComponent("fetch").
		WithOperation("FetchRange")

	msg := err.Error()
	if !strings.Contains(msg, "fetch") || !strings.Contains(msg, "FetchRange") {
		t.Errorf("error string missing component/operation: %s", msg)
	}
	if !strings.Contains(msg, "PERMANENT_FETCH") {
		t.Errorf("error string missing code: %s", msg)
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCodeTransientFetch, "fetch failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap should return the cause")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := NewError(ErrCodeInvalidRange, "offset beyond resource")
	target := NewError(ErrCodeInvalidRange, "different message")

	if !stderrors.Is(err, target) {
		t.Error("errors with the same code should match via errors.Is")
	}

	other := NewError(ErrCodePermanentFetch, "x")
	if stderrors.Is(err, other) {
		t.Error("errors with different codes should not match")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewError(ErrCodeTransientFetch, "timeout")) {
		t.Error("transient fetch should be retryable")
	}
	if IsRetryable(NewError(ErrCodePermanentFetch, "404")) {
		t.Error("permanent fetch should not be retryable")
	}
	if IsRetryable(fmt.Errorf("plain error")) {
		t.Error("plain errors should not be retryable")
	}

	// Wrapped structured errors are still visible through fmt wrapping.
	wrapped := fmt.Errorf("outer: %w", NewError(ErrCodeTransientFetch, "inner"))
	if !IsRetryable(wrapped) {
		t.Error("retryable flag should survive fmt.Errorf wrapping")
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := NewError(ErrCodeInternalError, "flaky subsystem").WithRetryable(true)
	if !err.Retryable {
		t.Error("WithRetryable(true) should mark the error retryable")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(NewError(ErrCodeInvalidRange, "x")); got != ErrCodeInvalidRange {
		t.Errorf("expected INVALID_RANGE, got %s", got)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != ErrCodeInternalError {
		t.Errorf("expected INTERNAL_ERROR for plain error, got %s", got)
	}
}

func TestWithDetail(t *testing.T) {
	err := NewError(ErrCodePermanentFetch, "range not satisfiable").
		WithDetail("status", 416).
		WithDetail("range", "bytes=100-200")

	if err.Details["status"] != 416 {
		t.Errorf("expected status detail 416, got %v", err.Details["status"])
	}
	if len(err.Details) != 2 {
		t.Errorf("expected 2 details, got %d", len(err.Details))
	}
}

func TestUserFacingMessage(t *testing.T) {
	err := NewError(ErrCodeResourceUnavailable, "probe failed: dial tcp: no route")
	msg := err.UserFacingMessage()
	if strings.Contains(msg, "dial tcp") {
		t.Errorf("user-facing message should not leak transport detail: %s", msg)
	}

	// Unknown codes fall back to the raw message.
	raw := NewError(ErrCodeInternalError, "boom")
	if raw.UserFacingMessage() != "boom" {
		t.Errorf("expected fallback to raw message, got %s", raw.UserFacingMessage())
	}
}
