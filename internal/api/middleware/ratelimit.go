// Package middleware provides HTTP middleware components for the screentest API.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	maxCallers                 int     = 100
	defaultGlobalRPS           int     = 100
	defaultCallerRPS           int     = 50
	defaultUnAuthRPS           int     = 10
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
)

type (
	// RateLimiter provides rate limiting for incoming requests.
	//
	// Implementations may use in-memory token buckets (single-node
	// deployment) or distributed stores like Redis (multi-node deployment).
	// The interface enables swapping the backend without touching the chain.
	RateLimiter interface {
		// Allow checks if a request should be allowed based on rate limits.
		// Returns true if allowed, false if rate limited.
		//
		// For authenticated requests, callerID identifies the API key owner.
		// For unauthenticated requests, callerID is empty string.
		Allow(callerID string) bool
	}

	// InMemoryRateLimiter implements RateLimiter using golang.org/x/time/rate.
	//
	// Provides three-tier rate limiting:
	// 1. Global limit (applied to all requests)
	// 2. Per-caller limit (applied to authenticated requests)
	// 3. Unauthenticated limit (applied to requests without caller identity)
	//
	// Uses token bucket algorithm with configurable burst capacity. Memory
	// cleanup runs periodically so idle caller buckets do not accumulate.
	//
	// Suitable for single-node deployments; rater fleets and worker pools
	// each authenticate with their own key and get their own bucket.
	InMemoryRateLimiter struct {
		global          *rate.Limiter
		perCaller       map[string]*callerLimiter
		unauthenticated *rate.Limiter
		mu              sync.RWMutex
		cleanupTicker   *time.Ticker
		done            chan struct{}
		closeOnce       sync.Once

		// Configuration (stored for creating new caller limiters and cleanup)
		callerRPS       int
		callerBurst     int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxCallers      int
	}

	// callerLimiter tracks rate limit state for a single caller.
	// Includes last access time for memory cleanup.
	callerLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a new in-memory rate limiter with three-tier limits.
//
// Burst capacity is computed automatically as 2 x rate unless overridden in
// config. Cleanup runs periodically to prevent unbounded memory growth.
//
// Example:
//
//	rl := NewInMemoryRateLimiter(&Config{
//	    GlobalRPS: 100,
//	    CallerRPS: 50,
//	    UnAuthRPS: 10,
//	})
//	defer rl.Close()
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	// Compute burst capacities (use override if provided, otherwise 2 x rate)
	globalBurst := computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)
	callerBurst := computeBurstCapacity(config.CallerRPS, config.CallerBurst)
	unauthBurst := computeBurstCapacity(config.UnAuthRPS, config.UnAuthBurst)

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), globalBurst),
		perCaller:       make(map[string]*callerLimiter),
		unauthenticated: rate.NewLimiter(rate.Limit(config.UnAuthRPS), unauthBurst),
		done:            make(chan struct{}),
		callerRPS:       config.CallerRPS,
		callerBurst:     callerBurst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxCallers:      config.MaxCallers,
	}

	// Start background cleanup goroutine
	rl.startCleanup()

	return rl
}

// computeBurstCapacity computes the burst capacity based on the rate and optional override.
// If burstOverride is 0, burst is 2 x rate; otherwise the override wins.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow checks if a request should be allowed based on rate limits.
// Implements the RateLimiter interface.
//
// Rate limiting is enforced in two steps: the global limit first (fail
// fast), then the caller-specific or unauthenticated limit.
func (rl *InMemoryRateLimiter) Allow(callerID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if callerID == "" {
		// Unauthenticated request
		return rl.unauthenticated.Allow()
	}

	// Authenticated request - get or create caller limiter
	rl.mu.RLock()
	cl, ok := rl.perCaller[callerID]
	rl.mu.RUnlock()

	if !ok {
		// Lazy initialization: create limiter for this caller
		rl.mu.Lock()
		// Double-check after acquiring write lock (avoid race)
		if cl, ok = rl.perCaller[callerID]; !ok {
			cl = &callerLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.callerRPS), rl.callerBurst),
				lastAccess: time.Now(),
			}

			rl.perCaller[callerID] = cl

			// Operational monitoring: warn when approaching the caller cap
			// so operators notice key proliferation before hitting it.
			currentCount := len(rl.perCaller)
			threshold := int(float64(rl.maxCallers) * thresholdMultiplier)

			if currentCount >= threshold {
				slog.Warn("rate limiter approaching max callers limit",
					"current_callers", currentCount,
					"max_callers", rl.maxCallers,
					"threshold_percent", thresholdPercentage,
					"recommendation", "investigate key proliferation or increase max_callers limit")
			}
		}

		rl.mu.Unlock()
	}

	// Update last access time (for cleanup)
	cl.mu.Lock()
	cl.lastAccess = time.Now()
	cl.mu.Unlock()

	return cl.limiter.Allow()
}

// Close stops the cleanup goroutine and releases resources. Safe to call
// more than once.
//
// Close() is not part of the RateLimiter interface so implementations
// without cleanup needs stay trivial. Use type assertion if cleanup is
// needed:
//
//	if closer, ok := limiter.(io.Closer); ok {
//	    closer.Close()
//	}
func (rl *InMemoryRateLimiter) Close() error {
	rl.closeOnce.Do(func() {
		if rl.cleanupTicker != nil {
			rl.cleanupTicker.Stop()
		}

		close(rl.done)
	})

	return nil
}

// startCleanup starts a background goroutine that periodically removes
// stale caller limiters to prevent memory leaks.
func (rl *InMemoryRateLimiter) startCleanup() {
	// Use config values if set, otherwise use defaults
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes caller limiters that haven't been accessed recently.
func (rl *InMemoryRateLimiter) cleanup() {
	// Use config value if set, otherwise use default
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for callerID, cl := range rl.perCaller {
		cl.mu.Lock()
		lastAccess := cl.lastAccess
		cl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perCaller, callerID)
		}
	}
}

// RateLimit returns a middleware that enforces rate limits on incoming requests.
//
// Authenticated requests are limited per caller; everything else shares the
// unauthenticated bucket. When a request exceeds the rate limit, the
// middleware returns a 429 (Too Many Requests) response in RFC 7807 format.
//
// The middleware must be placed after authentication middleware in the chain
// to see CallerContext for per-caller rate limiting.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract caller identity from context (set by authentication
			// middleware). Absent identity falls into the shared bucket.
			callerID := ""
			if caller, ok := GetCallerContext(r.Context()); ok {
				callerID = caller.Owner
			}

			if !limiter.Allow(callerID) {
				correlationID := GetCorrelationID(r.Context())

				detail := "Rate limit exceeded. Please retry after some time."
				if err := writeProblem(w, r, http.StatusTooManyRequests, "Too Many Requests", detail); err != nil {
					logger.Error("failed to write response with RFC 7807 error format",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.String("detail", detail),
						slog.String("error", err.Error()),
					)

					// Fallback to plain text if writeProblem fails
					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			// Rate limit not exceeded, continue to next handler
			next.ServeHTTP(w, r)
		})
	}
}
