package errors

import (
	stderr "errors"
	"fmt"
	"testing"
)

func TestNew_InfersCategory(t *testing.T) {
	e := New(ErrCodePathNotFound, "no such path")

	if e.Category != CategoryNotFound {
		t.Errorf("expected category %s, got %s", CategoryNotFound, e.Category)
	}
	if e.Timestamp.IsZero() {
		t.Error("expected Timestamp to be set")
	}
}

func TestNew_RetryableByDefault(t *testing.T) {
	cases := []struct {
		code      ErrorCode
		retryable bool
	}{
		{ErrCodeSourceIO, true},
		{ErrCodeCacheIO, true},
		{ErrCodePowerManagerRPC, true},
		{ErrCodeProbeFailed, true},
		{ErrCodePathNotFound, false},
		{ErrCodeCASMismatch, false},
		{ErrCodeStoreCorrupt, false},
	}

	for _, c := range cases {
		e := New(c.code, "test")
		if e.Retryable != c.retryable {
			t.Errorf("code %s: expected Retryable=%v, got %v", c.code, c.retryable, e.Retryable)
		}
	}
}

func TestError_Error(t *testing.T) {
	e := New(ErrCodeCacheIO, "short write")
	if got := e.Error(); got != "CACHE_IO: short write" {
		t.Errorf("unexpected Error() output: %q", got)
	}

	e.WithComponent("chunk")
	if got := e.Error(); got != "[chunk] CACHE_IO: short write" {
		t.Errorf("unexpected Error() output with component: %q", got)
	}

	e.WithOperation("CacheNextChunk")
	if got := e.Error(); got != "[chunk:CacheNextChunk] CACHE_IO: short write" {
		t.Errorf("unexpected Error() output with component+operation: %q", got)
	}

	cause := fmt.Errorf("disk full")
	e.WithCause(cause)
	if got := e.Error(); got != "[chunk:CacheNextChunk] CACHE_IO: short write: disk full" {
		t.Errorf("unexpected Error() output with cause: %q", got)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying failure")
	e := New(ErrCodeSourceIO, "read failed").WithCause(cause)

	if !stderr.Is(e, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
	if stderr.Unwrap(error(e)) != cause {
		t.Error("expected Unwrap to return the cause")
	}
}

func TestError_Is(t *testing.T) {
	a := New(ErrCodeCASMismatch, "state changed under us")
	b := New(ErrCodeCASMismatch, "a different message, same code")
	c := New(ErrCodePathNotFound, "not found")

	if !stderr.Is(a, b) {
		t.Error("expected errors with the same code to match via errors.Is")
	}
	if stderr.Is(a, c) {
		t.Error("expected errors with different codes not to match")
	}
}

func TestError_As(t *testing.T) {
	wrapped := fmt.Errorf("wrapping: %w", New(ErrCodeOrphanCaching, "found orphaned row"))

	var target *Error
	if !stderr.As(wrapped, &target) {
		t.Fatal("expected errors.As to unwrap to *Error")
	}
	if target.Code != ErrCodeOrphanCaching {
		t.Errorf("expected code %s, got %s", ErrCodeOrphanCaching, target.Code)
	}
}

func TestError_WithContext(t *testing.T) {
	e := New(ErrCodeSizeMismatch, "cache file size diverges from stat").
		WithContext("path", "/movies/foo.mkv").
		WithContext("expected", "1024")

	if e.Context["path"] != "/movies/foo.mkv" {
		t.Errorf("expected context path to be set, got %v", e.Context)
	}
	if e.Context["expected"] != "1024" {
		t.Errorf("expected context expected to be set, got %v", e.Context)
	}
}

func TestError_String(t *testing.T) {
	e := New(ErrCodeMountFailed, "mount failed").WithComponent("fuse")
	s := e.String()

	if s == "" {
		t.Error("expected non-empty diagnostic string")
	}
}

func TestCategoryByCode_Complete(t *testing.T) {
	codes := []ErrorCode{
		ErrCodePathNotFound, ErrCodeIDNotFound, ErrCodeSourceIO, ErrCodeCacheIO,
		ErrCodeCASMismatch, ErrCodeOrphanCaching, ErrCodeOrphanCacheFile, ErrCodeSizeMismatch,
		ErrCodeStoreCorrupt, ErrCodeMountFailed, ErrCodeCacheDirMissing, ErrCodeInvalidConfig,
		ErrCodePowerManagerRPC, ErrCodeProbeFailed, ErrCodeInternal,
	}
	for _, code := range codes {
		if _, ok := categoryByCode[code]; !ok {
			t.Errorf("code %s has no category mapping", code)
		}
	}
}
