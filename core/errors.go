package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited      = errors.New("rate limited")
	ErrInvalidSession   = errors.New("invalid session")
	ErrInvalidNonce     = errors.New("invalid nonce")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidAddress   = errors.New("invalid wallet address")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrUnknownCategory  = errors.New("unknown rate limit category")
	ErrInvalidRequest   = errors.New("invalid request")
)

// RateLimitError is returned when a rate limit tier rejects a call.
// It matches ErrRateLimited with errors.Is.
type RateLimitError struct {
	Category   Category
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Category, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterSeconds rounds the retry delay up to whole seconds, never less than one.
func (e *RateLimitError) RetryAfterSeconds() int64 {
	secs := int64((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ErrNonceReplayed reports a second consume of the same nonce. It matches ErrInvalidNonce.
var ErrNonceReplayed = fmt.Errorf("%w: already consumed", ErrInvalidNonce)
