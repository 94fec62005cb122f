// Package failover tracks which upstream site is active. The primary is
// preferred; request failures advance to backups in priority order, and a
// run of consecutive successful probes brings traffic back to the primary.
package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/poolgate/poolgate/internal/clock"
	"github.com/poolgate/poolgate/internal/metrics"
	"github.com/poolgate/poolgate/internal/notify"
	"github.com/poolgate/poolgate/internal/site"
)

// ErrNoBackup is returned when a failing site has no further backup.
var ErrNoBackup = fmt.Errorf("no backup site remaining")

// Config tunes recovery behavior.
type Config struct {
	// RecoverySuccesses is how many consecutive successful primary probes
	// are required before switching back. One probe failure resets the run.
	RecoverySuccesses int
	// ProbeInterval is how often the primary is probed while on a backup.
	ProbeInterval time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		RecoverySuccesses: 3,
		ProbeInterval:     5 * time.Minute,
	}
}

// Controller owns the active-site state machine.
type Controller struct {
	sites    []site.Site
	cfg      Config
	prober   Prober
	notifier notify.Publisher
	logger   *zap.Logger
	clock    clock.Clock

	mu           sync.Mutex
	activeIdx    int
	probeOKCount int
	lastSwitch   time.Time
	switches     int
}

// NewController builds the controller. sites must have the primary first,
// followed by backups in priority order.
func NewController(sites []site.Site, cfg Config, prober Prober, notifier notify.Publisher, logger *zap.Logger, clk clock.Clock) (*Controller, error) {
	if len(sites) == 0 {
		return nil, fmt.Errorf("at least one site is required")
	}
	if sites[0].Role != site.RolePrimary {
		return nil, fmt.Errorf("first site must be the primary")
	}
	for i := 1; i < len(sites); i++ {
		if sites[i].Role != site.RoleBackup {
			return nil, fmt.Errorf("site %q: only the first site may be primary", sites[i].Name)
		}
	}
	if cfg.RecoverySuccesses <= 0 {
		cfg.RecoverySuccesses = DefaultConfig().RecoverySuccesses
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultConfig().ProbeInterval
	}
	c := &Controller{
		sites:    sites,
		cfg:      cfg,
		prober:   prober,
		notifier: notifier,
		logger:   logger,
		clock:    clk,
	}
	metrics.SetActiveSite(sites[0].Name, c.siteNames())
	return c, nil
}

// Active returns the currently active site.
func (c *Controller) Active() site.Site {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sites[c.activeIdx]
}

// OnPrimary reports whether the primary is active.
func (c *Controller) OnPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeIdx == 0
}

// Sites returns the configured site list, primary first.
func (c *Controller) Sites() []site.Site {
	out := make([]site.Site, len(c.sites))
	copy(out, c.sites)
	return out
}

// Advance moves to the next backup after the given site failed. When
// another goroutine already advanced past the failed site, the current
// active is returned without a second switch. When the failed site is the
// last backup, ErrNoBackup is returned and the active site stays put.
func (c *Controller) Advance(ctx context.Context, failed site.Site) (site.Site, error) {
	c.mu.Lock()
	if c.sites[c.activeIdx].Key() != failed.Key() {
		cur := c.sites[c.activeIdx]
		c.mu.Unlock()
		return cur, nil
	}
	if c.activeIdx == len(c.sites)-1 {
		c.mu.Unlock()
		return site.Site{}, ErrNoBackup
	}
	c.activeIdx++
	c.probeOKCount = 0
	c.lastSwitch = c.clock.Now()
	c.switches++
	next := c.sites[c.activeIdx]
	c.mu.Unlock()

	metrics.ObserveFailoverSwitch("to_backup")
	metrics.SetActiveSite(next.Name, c.siteNames())
	c.logger.Warn("switched to backup site",
		zap.String("failed", failed.Name),
		zap.String("active", next.Name))
	c.publish(ctx, notify.Event{
		Type:    notify.EventSiteSwitch,
		Message: fmt.Sprintf("switched from %s to %s", failed.Name, next.Name),
		Fields:  map[string]string{"from": failed.Name, "to": next.Name},
	})
	return next, nil
}

// CheckPrimary probes the primary once and records the result. It is a
// no-op while the primary is already active.
func (c *Controller) CheckPrimary(ctx context.Context) {
	if c.OnPrimary() {
		return
	}
	err := c.prober.Probe(ctx, c.sites[0])
	if err != nil {
		metrics.ObserveFailoverProbe("failure")
		c.logger.Debug("primary probe failed", zap.Error(err))
	} else {
		metrics.ObserveFailoverProbe("success")
	}
	c.RecordProbe(ctx, err == nil)
}

// RecordProbe feeds one primary probe result into the recovery counter.
// RecoverySuccesses consecutive successes switch traffic back; any failure
// resets the run.
func (c *Controller) RecordProbe(ctx context.Context, ok bool) {
	c.mu.Lock()
	if c.activeIdx == 0 {
		c.mu.Unlock()
		return
	}
	if !ok {
		c.probeOKCount = 0
		c.mu.Unlock()
		return
	}
	c.probeOKCount++
	if c.probeOKCount < c.cfg.RecoverySuccesses {
		c.mu.Unlock()
		return
	}
	c.switchToPrimaryLocked()
	c.mu.Unlock()

	c.announceRecovery(ctx)
}

// SwitchToPrimary probes the primary once and switches if it is healthy.
func (c *Controller) SwitchToPrimary(ctx context.Context) error {
	if c.OnPrimary() {
		return nil
	}
	if err := c.prober.Probe(ctx, c.sites[0]); err != nil {
		return fmt.Errorf("primary not healthy: %w", err)
	}
	c.mu.Lock()
	if c.activeIdx == 0 {
		c.mu.Unlock()
		return nil
	}
	c.switchToPrimaryLocked()
	c.mu.Unlock()

	c.announceRecovery(ctx)
	return nil
}

// ForceSwitchToPrimary switches back without probing.
func (c *Controller) ForceSwitchToPrimary(ctx context.Context) {
	c.mu.Lock()
	if c.activeIdx == 0 {
		c.mu.Unlock()
		return
	}
	c.switchToPrimaryLocked()
	c.mu.Unlock()

	c.announceRecovery(ctx)
}

func (c *Controller) switchToPrimaryLocked() {
	c.activeIdx = 0
	c.probeOKCount = 0
	c.lastSwitch = c.clock.Now()
	c.switches++
}

func (c *Controller) announceRecovery(ctx context.Context) {
	primary := c.sites[0]
	metrics.ObserveFailoverSwitch("to_primary")
	metrics.SetActiveSite(primary.Name, c.siteNames())
	c.logger.Info("switched back to primary site", zap.String("active", primary.Name))
	c.publish(ctx, notify.Event{
		Type:    notify.EventSiteRecovered,
		Message: fmt.Sprintf("traffic restored to %s", primary.Name),
		Fields:  map[string]string{"to": primary.Name},
	})
}

func (c *Controller) publish(ctx context.Context, ev notify.Event) {
	if c.notifier == nil {
		return
	}
	ev.Timestamp = c.clock.Now()
	if err := c.notifier.Publish(ctx, ev); err != nil {
		c.logger.Warn("notification publish failed", zap.Error(err))
	}
}

func (c *Controller) siteNames() []string {
	names := make([]string, len(c.sites))
	for i, s := range c.sites {
		names[i] = s.Name
	}
	return names
}

// Status is the controller's view for the status endpoint.
type Status struct {
	Active            string    `json:"active"`
	OnPrimary         bool      `json:"on_primary"`
	ProbeSuccessRun   int       `json:"probe_success_run"`
	RecoveryThreshold int       `json:"recovery_threshold"`
	LastSwitch        time.Time `json:"last_switch,omitempty"`
	Switches          int       `json:"switches"`
}

// Status returns a snapshot of the failover state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Active:            c.sites[c.activeIdx].Name,
		OnPrimary:         c.activeIdx == 0,
		ProbeSuccessRun:   c.probeOKCount,
		RecoveryThreshold: c.cfg.RecoverySuccesses,
		LastSwitch:        c.lastSwitch,
		Switches:          c.switches,
	}
}
