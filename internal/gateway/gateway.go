package gateway

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/campaignpulse/crisis-pipeline/internal/model"
)

// Config controls per-source rate limiting and backoff
type Config struct {
	MaxPerSecond int           // short-window bucket capacity
	MaxPerHour   int           // long-window bucket capacity
	BaseDelay    time.Duration // first backoff step on throttle
	MaxDelay     time.Duration // backoff ceiling
	MaxExponent  int           // caps the 2^n growth
	CleanWindow  time.Duration // throttle-free span that resets the counter
}

// DefaultConfig returns the stock limits applied to sources without overrides
func DefaultConfig() Config {
	return Config{
		MaxPerSecond: 10,
		MaxPerHour:   500,
		BaseDelay:    2 * time.Second,
		MaxDelay:     5 * time.Minute,
		MaxExponent:  7,
		CleanWindow:  time.Minute,
	}
}

// ThrottleError is returned when a source has no permit capacity. RetryAfter
// carries the exponential backoff delay the caller should wait before the
// next attempt.
type ThrottleError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("source %s throttled, retry after %s", e.Source, e.RetryAfter)
}

// sourceState is the rate-limit state owned exclusively by the gateway,
// one per source. Buckets refill proportionally to elapsed time.
type sourceState struct {
	cfg Config

	secondTokens float64
	hourTokens   float64
	lastRefill   time.Time

	throttles    int       // consecutive-throttle counter
	lastThrottle time.Time // zero when never throttled

	reserved int // permits handed out but not yet committed
}

// Permit grants one outbound request for a source. The caller must call
// Release exactly once: Release(true) commits the token spend, Release(false)
// returns the tokens so a failed store does not burn quota.
type Permit struct {
	gw     *Gateway
	source string
	once   sync.Once
}

// Release finalizes the permit. ok indicates the fetched payloads were
// durably stored.
func (p *Permit) Release(ok bool) {
	p.once.Do(func() {
		p.gw.release(p.source, ok)
	})
}

// Gateway governs outbound polling across all external sources
type Gateway struct {
	logger *zap.Logger

	mu        sync.Mutex
	sources   map[string]*sourceState
	overrides map[string]Config
	defaults  Config

	now func() time.Time
}

// New creates a gateway with the given default limits. Per-source overrides
// may be registered before any Acquire call.
func New(logger *zap.Logger, defaults Config) *Gateway {
	return &Gateway{
		logger:    logger.Named("gateway"),
		sources:   make(map[string]*sourceState),
		overrides: make(map[string]Config),
		defaults:  defaults,
		now:       time.Now,
	}
}

// Configure sets limits for one source, replacing the defaults
func (g *Gateway) Configure(source string, cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.overrides[source] = cfg
	delete(g.sources, source)
}

func (g *Gateway) state(source string) *sourceState {
	st, ok := g.sources[source]
	if !ok {
		cfg := g.defaults
		if o, ok := g.overrides[source]; ok {
			cfg = o
		}
		st = &sourceState{
			cfg:          cfg,
			secondTokens: float64(cfg.MaxPerSecond),
			hourTokens:   float64(cfg.MaxPerHour),
			lastRefill:   g.now(),
		}
		g.sources[source] = st
	}
	return st
}

// refill tops up both buckets proportionally to elapsed wall time. Backwards
// clock jumps count as zero elapsed; a forward jump past a full window tops
// the affected bucket up entirely (the proportional formula does this on its
// own once elapsed exceeds the window, the clamp just keeps it at capacity).
func (st *sourceState) refill(now time.Time) {
	elapsed := now.Sub(st.lastRefill)
	if elapsed < 0 {
		elapsed = 0
	}
	sec := elapsed.Seconds()
	st.secondTokens = math.Min(float64(st.cfg.MaxPerSecond), st.secondTokens+sec*float64(st.cfg.MaxPerSecond))
	st.hourTokens = math.Min(float64(st.cfg.MaxPerHour), st.hourTokens+sec*float64(st.cfg.MaxPerHour)/3600)
	st.lastRefill = now
}

// backoffDelay computes base * 2^min(n-1, maxExponent) for the nth
// consecutive throttle, capped at MaxDelay. The first denial after a clean
// window therefore waits exactly the base delay.
func (st *sourceState) backoffDelay() time.Duration {
	exp := st.throttles - 1
	if exp < 0 {
		exp = 0
	}
	if exp > st.cfg.MaxExponent {
		exp = st.cfg.MaxExponent
	}
	d := st.cfg.BaseDelay << uint(exp)
	if d > st.cfg.MaxDelay || d <= 0 {
		d = st.cfg.MaxDelay
	}
	return d
}

// Acquire reserves one permit for the source. A permit is granted only when
// both the per-second and per-hour buckets have capacity; otherwise a
// ThrottleError with the current backoff delay is returned and the
// consecutive-throttle counter advances.
func (g *Gateway) Acquire(source string) (*Permit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(source)
	now := g.now()
	st.refill(now)

	if st.secondTokens < 1 || st.hourTokens < 1 {
		st.throttles++
		st.lastThrottle = now
		delay := st.backoffDelay()
		g.logger.Debug("Permit denied",
			zap.String("source", source),
			zap.Int("consecutive_throttles", st.throttles),
			zap.Duration("retry_after", delay))
		return nil, &ThrottleError{Source: source, RetryAfter: delay}
	}

	st.secondTokens--
	st.hourTokens--
	st.reserved++

	// A clean window since the last denial resets the backoff ladder.
	if st.throttles > 0 && now.Sub(st.lastThrottle) >= st.cfg.CleanWindow {
		st.throttles = 0
	}

	return &Permit{gw: g, source: source}, nil
}

func (g *Gateway) release(source string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, exists := g.sources[source]
	if !exists {
		return
	}
	if st.reserved > 0 {
		st.reserved--
	}
	if !ok {
		// Store failed downstream: the permit was never consumed.
		st.refill(g.now())
		st.secondTokens = math.Min(float64(st.cfg.MaxPerSecond), st.secondTokens+1)
		st.hourTokens = math.Min(float64(st.cfg.MaxPerHour), st.hourTokens+1)
	}
}

// Reset clears all rate-limit state for a source (operational recovery)
func (g *Gateway) Reset(source string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sources, source)
	g.logger.Info("Rate-limit state reset", zap.String("source", source))
}

// Usage reports the current counts for one source. A source the gateway
// has never issued a permit for gets an idle report without any state
// being created; the monitor polls every configured source each minute.
func (g *Gateway) Usage(source string) model.RateLimitUsage {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.sources[source]
	if !ok {
		cfg := g.defaults
		if o, ok := g.overrides[source]; ok {
			cfg = o
		}
		return model.RateLimitUsage{
			Source:      source,
			SecondLimit: cfg.MaxPerSecond,
			HourLimit:   cfg.MaxPerHour,
		}
	}
	st.refill(g.now())

	return model.RateLimitUsage{
		Source:               source,
		SecondUsed:           st.cfg.MaxPerSecond - int(st.secondTokens),
		SecondLimit:          st.cfg.MaxPerSecond,
		HourUsed:             st.cfg.MaxPerHour - int(st.hourTokens),
		HourLimit:            st.cfg.MaxPerHour,
		ConsecutiveThrottles: st.throttles,
		LastRefill:           st.lastRefill,
	}
}

// Sources lists every source the gateway has seen
func (g *Gateway) Sources() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.sources))
	for s := range g.sources {
		out = append(out, s)
	}
	return out
}
