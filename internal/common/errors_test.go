package common

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	rate := NewBackendError("docai", 429, ErrRateLimited, true)
	auth := NewBackendError("docai", 401, nil, false)
	fetch := fmt.Errorf("item x: %w", NewFetchError("get", errors.New("timeout"), true))

	assert.True(t, IsRetryable(rate))
	assert.True(t, IsRateLimited(rate))
	assert.False(t, IsRetryable(auth))
	assert.False(t, IsRateLimited(auth))
	assert.True(t, IsRetryable(fetch))
	assert.True(t, IsKind(fetch, CodeFetch))
	assert.False(t, IsKind(fetch, CodeBackend))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestParseErrorMessage(t *testing.T) {
	err := NewParseError("blk-7", "cell 2 references a missing text run")
	assert.Equal(t, "PARSE_ERROR: table blk-7: cell 2 references a missing text run", err.Error())
}

func TestValidatorLocator(t *testing.T) {
	v := NewValidator()
	v.Field("a", "https://x/y.pdf", Locator)
	v.Field("b", "gs://bucket/y.pdf", Locator)
	v.Field("c", "/tmp/y.pdf", Locator)
	assert.False(t, v.HasErrors())

	v.Field("d", "ftp://x/y.pdf", Locator)
	v.Field("e", "", Required)
	assert.Len(t, v.Errors(), 2)
	assert.ErrorIs(t, v.Error(), ErrInvalidInput)
}

func TestTerminalAndBackoff(t *testing.T) {
	quota := fmt.Errorf("wrapped: %w", NewTerminalError("docai: quota exhausted", 429, nil))
	assert.True(t, IsTerminal(quota))
	assert.False(t, IsRetryable(quota))
	assert.False(t, IsTerminal(NewBackendError("docai", 500, nil, false)))

	assert.Equal(t, 2*time.Second, Backoff(2*time.Second, 0))
	assert.Equal(t, 8*time.Second, Backoff(2*time.Second, 2))
	assert.Equal(t, 2*time.Second, Backoff(2*time.Second, -1))
}
