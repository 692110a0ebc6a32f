package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/better-wallet/inpage-provider/internal/engine"
	apperrors "github.com/better-wallet/inpage-provider/pkg/errors"
	"github.com/better-wallet/inpage-provider/pkg/types"
)

const (
	cleanupInterval = time.Minute
	idleTimeout     = 3 * time.Minute
)

// RateLimiter implements per-method rate limiting, so one chatty method
// (say a polling eth_blockNumber) cannot starve the rest of the page.
type RateLimiter struct {
	methods     map[string]*visitor
	mu          sync.Mutex
	rps         rate.Limit
	burst       int
	enabled     bool
	lastCleanup time.Time
	now         func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rps int, burst int, enabled bool) *RateLimiter {
	return &RateLimiter{
		methods:     make(map[string]*visitor),
		rps:         rate.Limit(rps),
		burst:       burst,
		enabled:     enabled,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// getLimiter returns the rate limiter for a method. Idle entries are swept
// at most once per cleanupInterval.
func (rl *RateLimiter) getLimiter(method string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastCleanup) > cleanupInterval {
		for m, v := range rl.methods {
			if now.Sub(v.lastSeen) > idleTimeout {
				delete(rl.methods, m)
			}
		}
		rl.lastCleanup = now
	}

	v, exists := rl.methods[method]
	if !exists {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.methods[method] = &visitor{limiter: limiter, lastSeen: now}
		return limiter
	}

	v.lastSeen = now
	return v.limiter
}

// Tracked returns how many methods currently hold a limiter.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.methods)
}

// Limit is the stage that enforces rate limiting
func (rl *RateLimiter) Limit(next engine.Handler) engine.Handler {
	return func(ctx context.Context, req *types.Request) (*types.Response, error) {
		if !rl.enabled {
			return next(ctx, req)
		}

		if !rl.getLimiter(req.Method).AllowN(rl.now(), 1) {
			return nil, apperrors.NewWithData(apperrors.CodeLimitExceeded, apperrors.ErrLimitExceeded.Message,
				map[string]string{"method": req.Method})
		}

		return next(ctx, req)
	}
}
