// Package challenge caches the anti-bot cookies produced by the browser
// session. Solves are expensive (tens of seconds), so concurrent requests
// for the same site share one in-flight solve, entries are refreshed in the
// background shortly before expiry, and a failed refresh keeps serving the
// previous cookies until they actually expire.
package challenge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/poolgate/poolgate/internal/clock"
	"github.com/poolgate/poolgate/internal/metrics"
	"github.com/poolgate/poolgate/internal/site"
)

// Solver produces fresh challenge cookies for a site.
type Solver interface {
	Solve(ctx context.Context, st site.Site) (map[string]string, error)
}

// Config tunes cookie lifetime handling.
type Config struct {
	// TTL is how long solved cookies are considered valid.
	TTL time.Duration
	// PreRefreshWindow triggers a background refresh when the remaining
	// lifetime drops below it.
	PreRefreshWindow time.Duration
	// SolveTimeout bounds one solve attempt, independent of any caller
	// deadline, because the result is shared across callers.
	SolveTimeout time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:              45 * time.Minute,
		PreRefreshWindow: 10 * time.Minute,
		SolveTimeout:     90 * time.Second,
	}
}

type entry struct {
	cookies    map[string]string
	obtainedAt time.Time
	expiresAt  time.Time
}

type flight struct {
	done    chan struct{}
	cookies map[string]string
	err     error
}

// Cache is the per-site challenge cookie cache.
type Cache struct {
	solver Solver
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock

	entries *xsync.Map[string, *entry]

	mu      sync.Mutex
	flights map[string]*flight
}

// NewCache builds a cache over the given solver.
func NewCache(solver Solver, cfg Config, logger *zap.Logger, clk clock.Clock) *Cache {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.PreRefreshWindow <= 0 {
		cfg.PreRefreshWindow = def.PreRefreshWindow
	}
	if cfg.SolveTimeout <= 0 {
		cfg.SolveTimeout = def.SolveTimeout
	}
	return &Cache{
		solver:  solver,
		cfg:     cfg,
		logger:  logger,
		clock:   clk,
		entries: xsync.NewMap[string, *entry](),
		flights: map[string]*flight{},
	}
}

// Get returns valid cookies for the site, solving if none are cached.
// A cached entry close to expiry is returned immediately while a background
// refresh runs; an expired or absent entry blocks until a shared solve
// completes or ctx is done.
func (c *Cache) Get(ctx context.Context, st site.Site) (map[string]string, error) {
	if !st.RequiresChallenge {
		return nil, nil
	}
	key := st.Key()
	now := c.clock.Now()

	if e, ok := c.entries.Load(key); ok && now.Before(e.expiresAt) {
		if e.expiresAt.Sub(now) <= c.cfg.PreRefreshWindow {
			c.refreshAsync(st)
			metrics.ObserveChallengeCache(st.Host(), "stale")
		} else {
			metrics.ObserveChallengeCache(st.Host(), "hit")
		}
		return cloneCookies(e.cookies), nil
	}

	metrics.ObserveChallengeCache(st.Host(), "miss")
	f := c.startFlight(st)
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("challenge wait canceled: %w", ctx.Err())
	}
	if f.err != nil {
		return nil, f.err
	}
	return cloneCookies(f.cookies), nil
}

// startFlight joins the in-flight solve for the site or starts one.
func (c *Cache) startFlight(st site.Site) *flight {
	key := st.Key()
	c.mu.Lock()
	if f, ok := c.flights[key]; ok {
		c.mu.Unlock()
		return f
	}
	f := &flight{done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	go c.runFlight(st, f)
	return f
}

// runFlight solves under its own timeout so one canceled caller cannot kill
// a solve other callers are waiting on.
func (c *Cache) runFlight(st site.Site, f *flight) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SolveTimeout)
	defer cancel()

	cookies, err := c.solver.Solve(ctx, st)

	key := st.Key()
	if err == nil {
		now := c.clock.Now()
		c.entries.Store(key, &entry{
			cookies:    cloneCookies(cookies),
			obtainedAt: now,
			expiresAt:  now.Add(c.cfg.TTL),
		})
	}

	c.mu.Lock()
	delete(c.flights, key)
	c.mu.Unlock()

	f.cookies = cookies
	f.err = err
	close(f.done)
}

// refreshAsync kicks a background refresh, sharing any in-flight solve.
// A failed refresh leaves the current entry in place; callers keep getting
// the old cookies until their real expiry.
func (c *Cache) refreshAsync(st site.Site) {
	key := st.Key()
	c.mu.Lock()
	if _, ok := c.flights[key]; ok {
		c.mu.Unlock()
		return
	}
	f := &flight{done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	go func() {
		c.runFlight(st, f)
		if f.err != nil {
			metrics.ObserveChallengeRefresh(st.Host(), "failure")
			c.logger.Warn("background challenge refresh failed",
				zap.String("site", st.Name), zap.Error(f.err))
			return
		}
		metrics.ObserveChallengeRefresh(st.Host(), "success")
	}()
}

// ForceRefresh discards any cached entry and blocks on a fresh solve.
func (c *Cache) ForceRefresh(ctx context.Context, st site.Site) (map[string]string, error) {
	c.entries.Delete(st.Key())
	f := c.startFlight(st)
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("challenge wait canceled: %w", ctx.Err())
	}
	if f.err != nil {
		return nil, f.err
	}
	return cloneCookies(f.cookies), nil
}

// Invalidate drops the cached entry for the site.
func (c *Cache) Invalidate(st site.Site) {
	c.entries.Delete(st.Key())
}

// RefreshExpiring walks cached entries and refreshes those inside the
// pre-refresh window. Intended to be called from the scheduler.
func (c *Cache) RefreshExpiring(sites []site.Site) {
	now := c.clock.Now()
	for _, st := range sites {
		if !st.RequiresChallenge {
			continue
		}
		e, ok := c.entries.Load(st.Key())
		if !ok {
			continue
		}
		if e.expiresAt.Sub(now) <= c.cfg.PreRefreshWindow {
			c.refreshAsync(st)
		}
	}
}

// SiteStats describes one site's cache entry for the status endpoint.
type SiteStats struct {
	Site       string    `json:"site"`
	Cached     bool      `json:"cached"`
	Refreshing bool      `json:"refreshing"`
	ObtainedAt time.Time `json:"obtained_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	TTLSeconds float64   `json:"ttl_seconds"`
}

// Stats reports the cache state for the given sites.
func (c *Cache) Stats(sites []site.Site) []SiteStats {
	now := c.clock.Now()
	out := make([]SiteStats, 0, len(sites))

	c.mu.Lock()
	inFlight := make(map[string]bool, len(c.flights))
	for k := range c.flights {
		inFlight[k] = true
	}
	c.mu.Unlock()

	for _, st := range sites {
		s := SiteStats{Site: st.Name, Refreshing: inFlight[st.Key()]}
		if e, ok := c.entries.Load(st.Key()); ok && now.Before(e.expiresAt) {
			s.Cached = true
			s.ObtainedAt = e.obtainedAt
			s.ExpiresAt = e.expiresAt
			s.TTLSeconds = e.expiresAt.Sub(now).Seconds()
		}
		out = append(out, s)
	}
	return out
}

func cloneCookies(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
