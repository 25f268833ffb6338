package regen

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter is a token bucket with exponential backoff layered on top.
// The regeneration collaborator rate-limits aggressively and a retry storm
// against it burns the whole attempt budget for nothing, so consecutive
// errors push the client into a growing cool-down.
type RateLimiter struct {
	requestsPerMinute int
	tokens            chan struct{}
	lastRefill        time.Time
	stop              chan struct{}
	mu                sync.Mutex

	consecutiveErrors int
	lastErrorTime     time.Time
	backoffDuration   time.Duration
}

const maxBackoff = 300 * time.Second

// NewRateLimiter creates a rate limiter allowing rpm requests per minute
func NewRateLimiter(rpm int) *RateLimiter {
	if rpm <= 0 {
		rpm = 60
	}

	rl := &RateLimiter{
		requestsPerMinute: rpm,
		tokens:            make(chan struct{}, rpm),
		lastRefill:        time.Now(),
		stop:              make(chan struct{}),
	}
	for i := 0; i < rpm; i++ {
		rl.tokens <- struct{}{}
	}
	go rl.refillLoop()

	return rl
}

// Wait blocks until a token is available or the context is done. An active
// backoff window fails immediately rather than queueing the caller.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.inBackoff() {
		return fmt.Errorf("rate limited: backoff active for %s", rl.backoffRemaining())
	}

	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire attempts to take a token without blocking
func (rl *RateLimiter) TryAcquire() bool {
	if rl.inBackoff() {
		return false
	}
	select {
	case <-rl.tokens:
		return true
	default:
		return false
	}
}

// RecordSuccess resets the backoff state after a successful call
func (rl *RateLimiter) RecordSuccess() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.consecutiveErrors = 0
	rl.backoffDuration = 0
}

// RecordError extends the backoff window after a failed call
func (rl *RateLimiter) RecordError() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.consecutiveErrors++
	rl.lastErrorTime = time.Now()

	backoff := time.Duration(1<<uint(rl.consecutiveErrors)) * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	rl.backoffDuration = backoff
}

// InBackoff reports whether the limiter is inside a backoff window
func (rl *RateLimiter) InBackoff() bool {
	return rl.inBackoff()
}

func (rl *RateLimiter) inBackoff() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.backoffDuration == 0 {
		return false
	}
	return time.Since(rl.lastErrorTime) < rl.backoffDuration
}

func (rl *RateLimiter) backoffRemaining() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.backoffDuration == 0 {
		return 0
	}
	remaining := rl.backoffDuration - time.Since(rl.lastErrorTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (rl *RateLimiter) refillLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.refillTokens()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) refillTokens() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for {
		select {
		case rl.tokens <- struct{}{}:
		default:
			rl.lastRefill = time.Now()
			return
		}
	}
}

// Close stops the refill goroutine
func (rl *RateLimiter) Close() {
	close(rl.stop)
}
