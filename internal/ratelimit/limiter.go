// Package ratelimit implements a per-host token bucket for outbound requests.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/replay-harvester/internal/metrics"
)

// Limiter manages per-host rate limits. A host that answered with a rate
// limit response can be paused until its Retry-After passes.
type Limiter struct {
	mu           sync.Mutex
	hosts        map[string]*hostLimiter
	defaultRate  rate.Limit
	defaultBurst int
	now          func() time.Time
}

type hostLimiter struct {
	limiter     *rate.Limiter
	pausedUntil time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// New creates a new Limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		hosts:        make(map[string]*hostLimiter),
		defaultRate:  r,
		defaultBurst: burst,
		now:          time.Now,
	}
}

// Wait blocks until a token is available for the URL's host, respecting the
// context and any active pause.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	l.mu.Lock()
	h := l.host(host)
	pause := h.pausedUntil.Sub(l.now())
	l.mu.Unlock()

	start := time.Now()
	if pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit pause: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(waited)
	}
	return nil
}

// Pause holds every request to the URL's host for d. Overlapping pauses keep
// the later deadline.
func (l *Limiter) Pause(rawURL string, d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.host(hostOf(rawURL))
	if until := l.now().Add(d); until.After(h.pausedUntil) {
		h.pausedUntil = until
	}
}

// host must be called with l.mu held.
func (l *Limiter) host(name string) *hostLimiter {
	h, ok := l.hosts[name]
	if !ok {
		h = &hostLimiter{limiter: rate.NewLimiter(l.defaultRate, l.defaultBurst)}
		l.hosts[name] = h
	}
	return h
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
