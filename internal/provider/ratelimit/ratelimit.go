package ratelimit

import (
	"context"
	"sync"
	"time"

	"tokenfeed/internal/provider"
	"tokenfeed/internal/token"
)

// TokenBucket is a stdlib-only token bucket limiter.
// - rate: tokens per second
// - capacity: maximum tokens the bucket can hold (burst)
type TokenBucket struct {
	rate     float64
	capacity float64

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

func NewTokenBucket(tokensPerSecond float64, burst int) *TokenBucket {
	if tokensPerSecond <= 0 {
		tokensPerSecond = 0.0000001
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{
		rate:     tokensPerSecond,
		capacity: float64(burst),
		tokens:   float64(burst), // start full to allow an initial burst
		last:     time.Now(),
	}
}

// wait blocks until one token is available or context is canceled.
func (tb *TokenBucket) wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.last).Seconds()
		if elapsed > 0 {
			tb.tokens += elapsed * tb.rate
			if tb.tokens > tb.capacity {
				tb.tokens = tb.capacity
			}
			tb.last = now
		}
		if tb.tokens >= 1 {
			tb.tokens -= 1
			tb.mu.Unlock()
			return nil
		}
		deficit := 1 - tb.tokens
		tb.mu.Unlock()
		// time needed to accumulate one token
		waitDur := time.Duration(deficit / tb.rate * 1e9)
		if waitDur <= 0 {
			waitDur = time.Millisecond
		}
		timer := time.NewTimer(waitDur)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Provider wraps an upstream provider and gates every call through a
// token bucket so a busy refresh schedule cannot exceed the upstream's
// request budget.
type Provider struct {
	P  provider.Provider
	TB *TokenBucket
}

func (t *Provider) Name() string { return t.P.Name() }

func (t *Provider) ListCandidates(ctx context.Context) ([]token.Token, error) {
	if t.TB != nil {
		if err := t.TB.wait(ctx); err != nil {
			return nil, err
		}
	}
	return t.P.ListCandidates(ctx)
}

func (t *Provider) ByAddress(ctx context.Context, address string) ([]token.Token, error) {
	if t.TB != nil {
		if err := t.TB.wait(ctx); err != nil {
			return nil, err
		}
	}
	return t.P.ByAddress(ctx, address)
}
