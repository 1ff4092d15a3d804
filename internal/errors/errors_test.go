package errors_test

import (
	"errors"
	"testing"

	re "resilink/internal/errors"
	"resilink/internal/types"
)

func TestErrorCreationAndFormatting(t *testing.T) {
	err := re.New(re.ErrorCodeConnectionFailed, "dial failed")
	if err.Code != re.ErrorCodeConnectionFailed {
		t.Fatalf("expected code %v, got %v", re.ErrorCodeConnectionFailed, err.Code)
	}
	msg := err.Error()
	if msg != "CONNECTION_FAILED: dial failed" {
		t.Fatalf("unexpected formatted message: %s", msg)
	}
}

func TestWrapAndIsErrorCode(t *testing.T) {
	base := errors.New("boom")
	err := re.Wrap(base, re.ErrorCodeInternal, "wrap")
	if err.Cause != base {
		t.Fatalf("expected cause %v, got %v", base, err.Cause)
	}
	if !re.IsErrorCode(err, re.ErrorCodeInternal) {
		t.Fatalf("expected IsErrorCode to detect ErrorCodeInternal")
	}
	if re.IsErrorCode(err, re.ErrorCodeRateLimited) {
		t.Fatalf("unexpected error code match")
	}
}

func TestCategoryMapping(t *testing.T) {
	tests := []struct {
		code re.ErrorCode
		want types.ErrorCategory
	}{
		{re.ErrorCodeConnectionRefused, types.CategoryConnection},
		{re.ErrorCodeNetworkUnavailable, types.CategoryNetwork},
		{re.ErrorCodeTokenExpired, types.CategoryAuthentication},
		{re.ErrorCodeRateLimited, types.CategoryRateLimit},
		{re.ErrorCodeServerError, types.CategoryServerError},
		{re.ErrorCodeClientError, types.CategoryClientError},
		{re.ErrorCodePongTimeout, types.CategoryTimeout},
		{re.ErrorCodeQueueFull, types.CategoryUnknown},
	}
	for _, tt := range tests {
		if got := tt.code.Category(); got != tt.want {
			t.Errorf("%s: expected category %s, got %s", tt.code, tt.want, got)
		}
	}
}

func TestCategoryOf(t *testing.T) {
	if cat, ok := re.CategoryOf(re.New(re.ErrorCodeServerError, "500")); !ok || cat != types.CategoryServerError {
		t.Fatalf("expected server_error category, got %s ok=%v", cat, ok)
	}
	if _, ok := re.CategoryOf(errors.New("plain")); ok {
		t.Fatalf("plain errors should not carry a category")
	}
}

func TestErrorCodeString(t *testing.T) {
	if re.ErrorCodeRateLimited.String() != "RATE_LIMITED" {
		t.Fatalf("unexpected string for rate limited")
	}
	if re.ErrorCode(999).String() != "UNKNOWN" {
		t.Fatalf("unexpected string for unknown code")
	}
}
