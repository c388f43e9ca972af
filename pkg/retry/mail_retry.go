// Package retry implements the backoff policy applied to every remote call
// wrapper: transient failures back off exponentially with jitter, conflicts
// get a short retry budget, missing resources are never retried.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Kind classifies a failure for retry purposes.
type Kind int

const (
	// KindFatal failures are returned immediately.
	KindFatal Kind = iota
	// KindTransient failures (rate limit, 5xx, network blips) are retried
	// with exponential backoff.
	KindTransient
	// KindConflict failures (remote state changed mid-operation) get a
	// short retry budget, then the item is skipped by the caller.
	KindConflict
	// KindNotFound failures are never retried.
	KindNotFound
)

// Classifier maps an error to a Kind. nil errors are never classified.
type Classifier func(error) Kind

// Policy is a reusable retry/backoff policy. The zero value is not usable;
// construct with NewPolicy.
type Policy struct {
	maxAttempts      int
	conflictAttempts int
	baseDelay        time.Duration
	maxDelay         time.Duration
	classify         Classifier

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy builds a policy. maxAttempts counts retries after the first
// try; conflictAttempts bounds retries for KindConflict separately.
func NewPolicy(maxAttempts, conflictAttempts int, baseDelay time.Duration, classify Classifier) *Policy {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	if conflictAttempts < 0 {
		conflictAttempts = 0
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &Policy{
		maxAttempts:      maxAttempts,
		conflictAttempts: conflictAttempts,
		baseDelay:        baseDelay,
		maxDelay:         30 * time.Second,
		classify:         classify,
		sleep:            sleepCtx,
	}
}

// Do runs fn, retrying per the policy. The last error is returned when the
// retry budget is exhausted; the caller decides whether that means skip or
// abort.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	retries := 0
	conflictRetries := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		switch p.classify(lastErr) {
		case KindTransient:
			if retries >= p.maxAttempts {
				return lastErr
			}
			retries++
		case KindConflict:
			if conflictRetries >= p.conflictAttempts {
				return lastErr
			}
			conflictRetries++
		default:
			return lastErr
		}

		if err := p.sleep(ctx, p.backoff(retries+conflictRetries)); err != nil {
			return lastErr
		}
	}
}

// backoff returns base * 2^(attempt-1) plus up to one base of jitter.
func (p *Policy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.baseDelay << (attempt - 1)
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(p.baseDelay)))
	return delay + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WithSleep overrides the sleep function, for tests.
func (p *Policy) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Policy {
	p.sleep = fn
	return p
}
