// Package session owns the long-lived headless browser used to pass the
// upstream's JavaScript challenge. A single browser survives across solves;
// it is restarted when it crashes or exceeds its maximum age.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/poolgate/poolgate/internal/artifacts"
	"github.com/poolgate/poolgate/internal/clock"
	"github.com/poolgate/poolgate/internal/metrics"
	"github.com/poolgate/poolgate/internal/site"
)

// Error reasons reported by Solve.
const (
	ReasonChallengeTimeout = "challenge_timeout"
	ReasonExtractionFailed = "extraction_failed"
	ReasonCrashed          = "crashed"
	ReasonNavigationFailed = "navigation_failed"
)

// Error describes a failed solve attempt.
type Error struct {
	Reason string
	Site   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session %s (%s): %v", e.Reason, e.Site, e.Err)
	}
	return fmt.Sprintf("session %s (%s)", e.Reason, e.Site)
}

func (e *Error) Unwrap() error { return e.Err }

// Config controls the browser session.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	SettleWait        time.Duration
	MaxAge            time.Duration
	ProxyURL          string
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		NavigationTimeout: 30 * time.Second,
		SettleWait:        3 * time.Second,
		MaxAge:            6 * time.Hour,
	}
}

// navigateFunc drives the browser to the challenge page and returns the
// cookies set by the page along with the rendered HTML.
type navigateFunc func(ctx context.Context, st site.Site) (map[string]string, string, error)

// Manager serializes access to one shared browser.
type Manager struct {
	cfg       Config
	logger    *zap.Logger
	clock     clock.Clock
	artifacts artifacts.Store

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	startedAt     time.Time
	crashed       bool
	restarts      int
	solves        int
	failures      int

	navigate navigateFunc
	headless bool
}

// NewManager creates a manager that launches a real headless browser on the
// first solve.
func NewManager(cfg Config, logger *zap.Logger, clk clock.Clock, store artifacts.Store) *Manager {
	cfg = withDefaults(cfg)
	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		artifacts: store,
		headless:  true,
	}
	m.navigate = m.chromedpNavigate
	return m
}

func newManagerWithNavigate(cfg Config, logger *zap.Logger, clk clock.Clock, store artifacts.Store, nav navigateFunc) *Manager {
	cfg = withDefaults(cfg)
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		artifacts: store,
		navigate:  nav,
	}
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = def.NavigationTimeout
	}
	if cfg.SettleWait <= 0 {
		cfg.SettleWait = def.SettleWait
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	return cfg
}

// Solve navigates the browser to the site's challenge page and returns the
// cookies the site requires. It restarts the browser first if a previous
// solve marked it crashed or its age exceeds the configured maximum.
func (m *Manager) Solve(ctx context.Context, st site.Site) (map[string]string, error) {
	m.mu.Lock()
	if err := m.ensureSessionLocked(); err != nil {
		m.mu.Unlock()
		return nil, &Error{Reason: ReasonCrashed, Site: st.Name, Err: err}
	}
	m.solves++
	m.mu.Unlock()

	solveCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout+m.cfg.SettleWait)
	defer cancel()

	start := m.clock.Now()
	cookies, html, err := m.navigate(solveCtx, st)
	elapsed := m.clock.Now().Sub(start)

	if err != nil {
		m.recordFailure(st, err)
		reason := classifySolveError(solveCtx, err)
		// A timed-out solve leaves the tab in an unknown state, so the
		// browser is replaced on the next use just like a crash.
		if reason == ReasonCrashed || reason == ReasonChallengeTimeout {
			m.markCrashed()
		}
		metrics.ObserveChallengeSolve(st.Host(), reason, elapsed)
		return nil, &Error{Reason: reason, Site: st.Name, Err: err}
	}

	required := filterCookies(cookies, st.CookieNames)
	if len(required) == 0 {
		m.recordFailure(st, nil)
		m.dumpArtifact(ctx, st, html)
		metrics.ObserveChallengeSolve(st.Host(), ReasonExtractionFailed, elapsed)
		return nil, &Error{Reason: ReasonExtractionFailed, Site: st.Name}
	}

	metrics.ObserveChallengeSolve(st.Host(), "success", elapsed)
	m.logger.Info("challenge solved",
		zap.String("site", st.Name),
		zap.Int("cookies", len(required)),
		zap.Duration("elapsed", elapsed))
	return required, nil
}

// ensureSessionLocked starts the browser if needed and restarts it when it
// is crashed or too old. Caller holds m.mu.
func (m *Manager) ensureSessionLocked() error {
	now := m.clock.Now()
	switch {
	case m.startedAt.IsZero():
		return m.startLocked(now, "initial")
	case m.crashed:
		return m.restartLocked(now, "crash")
	case now.Sub(m.startedAt) >= m.cfg.MaxAge:
		return m.restartLocked(now, "max_age")
	}
	return nil
}

func (m *Manager) startLocked(now time.Time, reason string) error {
	if m.headless {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", "new"),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
		)
		if m.cfg.ProxyURL != "" {
			opts = append(opts, chromedp.ProxyServer(m.cfg.ProxyURL))
		}
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)
		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			allocCancel()
			return fmt.Errorf("launch browser: %w", err)
		}
		m.allocCancel = allocCancel
		m.browserCtx = browserCtx
		m.browserCancel = browserCancel
	}
	m.startedAt = now
	m.crashed = false
	if reason != "initial" {
		m.restarts++
		metrics.ObserveSessionRestart(reason)
	}
	m.logger.Info("browser session started", zap.String("reason", reason))
	return nil
}

func (m *Manager) restartLocked(now time.Time, reason string) error {
	m.stopLocked()
	return m.startLocked(now, reason)
}

func (m *Manager) stopLocked() {
	if m.browserCancel != nil {
		m.browserCancel()
		m.browserCancel = nil
		m.browserCtx = nil
	}
	if m.allocCancel != nil {
		m.allocCancel()
		m.allocCancel = nil
	}
	m.startedAt = time.Time{}
}

// Restart tears the browser down and relaunches it.
func (m *Manager) Restart(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restartLocked(m.clock.Now(), "manual")
}

// Close shuts the browser down.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// Alive reports whether a session is running and not marked crashed.
func (m *Manager) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.startedAt.IsZero() && !m.crashed
}

// Age returns how long the current session has been running.
func (m *Manager) Age() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startedAt.IsZero() {
		return 0
	}
	return m.clock.Now().Sub(m.startedAt)
}

// Stats is the session's view for the status endpoint.
type Stats struct {
	Alive     bool          `json:"alive"`
	Crashed   bool          `json:"crashed"`
	Age       time.Duration `json:"age"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Restarts  int           `json:"restarts"`
	Solves    int           `json:"solves"`
	Failures  int           `json:"failures"`
}

// Stats returns a snapshot of the session state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Alive:     !m.startedAt.IsZero() && !m.crashed,
		Crashed:   m.crashed,
		StartedAt: m.startedAt,
		Restarts:  m.restarts,
		Solves:    m.solves,
		Failures:  m.failures,
	}
	if !m.startedAt.IsZero() {
		s.Age = m.clock.Now().Sub(m.startedAt)
	}
	return s
}

func (m *Manager) markCrashed() {
	m.mu.Lock()
	m.crashed = true
	m.mu.Unlock()
	metrics.ObserveSessionCrash()
	m.logger.Warn("browser session marked crashed")
}

func (m *Manager) recordFailure(st site.Site, err error) {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("challenge solve failed", zap.String("site", st.Name), zap.Error(err))
	} else {
		m.logger.Warn("challenge cookies missing after solve", zap.String("site", st.Name))
	}
}

// dumpArtifact stores the rendered page for later inspection. Failures here
// are logged, never propagated.
func (m *Manager) dumpArtifact(ctx context.Context, st site.Site, html string) {
	if m.artifacts == nil || html == "" {
		return
	}
	path := fmt.Sprintf("solves/%s/%s.html", st.Host(), m.clock.Now().Format("20060102T150405"))
	uri, err := m.artifacts.PutObject(ctx, path, "text/html", strings.NewReader(html))
	if err != nil {
		m.logger.Warn("artifact upload failed", zap.Error(err))
		return
	}
	m.logger.Info("solve artifact stored", zap.String("uri", uri))
}

// chromedpNavigate loads the challenge page in a fresh tab of the shared
// browser and snapshots the cookie jar after the page settles.
func (m *Manager) chromedpNavigate(ctx context.Context, st site.Site) (map[string]string, string, error) {
	m.mu.Lock()
	browserCtx := m.browserCtx
	m.mu.Unlock()
	if browserCtx == nil {
		return nil, "", fmt.Errorf("browser not running")
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()

	tabCtx, cancel := context.WithTimeout(tabCtx, m.cfg.NavigationTimeout)
	defer cancel()
	go func() {
		// Propagate caller cancellation into the tab.
		select {
		case <-ctx.Done():
			cancel()
		case <-tabCtx.Done():
		}
	}()

	var (
		html    string
		cookies = map[string]string{}
	)
	actions := []chromedp.Action{
		m.networkSetupAction(),
		chromedp.Navigate(st.ChallengeURL()),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(m.cfg.SettleWait),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.ActionFunc(func(cdpCtx context.Context) error {
			jar, err := network.GetCookies().WithURLs([]string{st.ChallengeURL()}).Do(cdpCtx)
			if err != nil {
				return fmt.Errorf("get cookies: %w", err)
			}
			for _, c := range jar {
				cookies[c.Name] = c.Value
			}
			return nil
		}),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return nil, html, fmt.Errorf("chromedp run: %w", err)
	}
	return cookies, html, nil
}

func (m *Manager) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if m.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(m.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func filterCookies(all map[string]string, names []string) map[string]string {
	out := map[string]string{}
	for _, name := range names {
		if v, ok := all[name]; ok && v != "" {
			out[name] = v
		}
	}
	return out
}

func classifySolveError(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ReasonChallengeTimeout
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "target crashed") ||
		strings.Contains(msg, "websocket") ||
		strings.Contains(msg, "browser not running") ||
		strings.Contains(msg, "context canceled") {
		return ReasonCrashed
	}
	return ReasonNavigationFailed
}
