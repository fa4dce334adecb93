package apperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_SentinelMapping(t *testing.T) {
	assert.Equal(t, KindRateLimited, KindOf(ErrRateLimitExceeded))
	assert.Equal(t, KindAuth, KindOf(ErrAuthenticationFailed))
	assert.Equal(t, KindTransport, KindOf(ErrSystemOverload))
	assert.Equal(t, KindBusinessReject, KindOf(ErrOrderRejected))
	assert.Equal(t, KindUnknown, KindOf(errors.New("something else")))
}

func TestClassify_RoundTrips(t *testing.T) {
	wrapped := Classify(KindShutdown, errors.New("draining"))
	assert.Equal(t, KindShutdown, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, wrapped))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrRateLimitExceeded))
	assert.True(t, IsRetryable(ErrSystemOverload))
	assert.False(t, IsRetryable(ErrOrderRejected))
	assert.False(t, IsRetryable(ErrAuthenticationFailed))
}
