package classifier

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/labeler/pkg/anthropic"
)

// ErrCircuitOpen is returned when a call is rejected because the model API
// has failed too many times in a row.
var ErrCircuitOpen = eris.New("classifier: circuit breaker is open")

// GuardConfig controls rate limiting, retries and the circuit breaker around
// model calls.
type GuardConfig struct {
	// RequestsPerSecond caps call rate. Zero means unlimited.
	RequestsPerSecond float64
	// MaxAttempts is the total number of attempts including the first. Default: 3.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// FailureThreshold is the number of consecutive transient failures that
	// opens the breaker. Default: 5.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before letting a
	// probe through. Default: 30s.
	ResetTimeout time.Duration
	// Retryable overrides anthropic.IsTransient.
	Retryable func(error) bool
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.Retryable == nil {
		c.Retryable = anthropic.IsTransient
	}
	return c
}

// Guard runs model calls through a rate limiter, a retry loop with jittered
// exponential backoff, and a consecutive-failure circuit breaker.
type Guard struct {
	cfg     GuardConfig
	limiter *rate.Limiter

	mu       sync.Mutex
	failures int
	openedAt time.Time
	open     bool

	now func() time.Time
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig) *Guard {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Guard{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
}

// Open reports whether the breaker is currently rejecting calls.
func (g *Guard) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open && g.now().Sub(g.openedAt) < g.cfg.ResetTimeout
}

// Transient reports whether err may succeed on a later call.
func (g *Guard) Transient(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) || g.cfg.Retryable(err)
}

// Do runs fn, retrying transient failures.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		if g.Open() {
			return ErrCircuitOpen
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "classifier: rate limit")
		}

		lastErr = fn(ctx)
		g.record(lastErr)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || !g.cfg.Retryable(lastErr) || attempt == g.cfg.MaxAttempts-1 {
			return lastErr
		}

		zap.L().Warn("classifier: retrying model call",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
		timer := time.NewTimer(g.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

func (g *Guard) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err == nil {
		if g.open {
			zap.L().Info("classifier: circuit closed")
		}
		g.failures = 0
		g.open = false
		return
	}
	// Permanent errors (bad image, bad request) do not count against the API.
	if !g.cfg.Retryable(err) {
		return
	}

	g.failures++
	if g.open || g.failures >= g.cfg.FailureThreshold {
		if !g.open {
			zap.L().Warn("classifier: circuit opened", zap.Int("consecutive_failures", g.failures))
		}
		g.open = true
		g.openedAt = g.now()
	}
}

func (g *Guard) backoff(attempt int) time.Duration {
	delay := float64(g.cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	if delay > float64(g.cfg.MaxBackoff) {
		delay = float64(g.cfg.MaxBackoff)
	}
	delay += (rand.Float64()*2 - 1) * delay * 0.25
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
