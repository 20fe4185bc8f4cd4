package services

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"ticketing-checkout/internal/models"
)

// ErrRetriesExhausted is returned when every attempt failed with a temporary error
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy retries temporary provider failures with exponential backoff
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a new retry policy
func NewRetryPolicy(maxAttempts int, baseDelay time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &RetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    baseDelay * 16, // Maximum 16x base delay
		sleep:       sleepContext,
	}
}

// Do runs fn until it succeeds, fails permanently, runs out of attempts or ctx
// ends. Only errors for which models.IsTemporary is true are retried.
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !models.IsTemporary(err) {
			return err
		}
		lastErr = err

		if attempt == p.maxAttempts {
			break
		}

		if err := p.sleep(ctx, p.Backoff(attempt)); err != nil {
			return errors.Join(ErrRetriesExhausted, lastErr)
		}
	}

	return errors.Join(ErrRetriesExhausted, lastErr)
}

// Backoff returns the delay before the retry following attempt
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 || p.baseDelay <= 0 {
		return p.baseDelay
	}

	// Exponential backoff: base * 2^(attempt-1)
	backoff := p.baseDelay * time.Duration(1<<(attempt-1))
	if backoff > p.maxDelay || backoff <= 0 {
		backoff = p.maxDelay
	}

	// Apply jitter (±25%)
	if quarter := int64(backoff / 4); quarter > 0 {
		backoff += time.Duration(rand.Int63n(2*quarter+1) - quarter)
	}

	return backoff
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
