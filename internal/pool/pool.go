// Package pool selects upstream accounts and tracks their short-term health.
// Accounts accumulate consecutive failures; crossing the threshold, or a
// single hard failure, puts the account on a cooldown, after which it is
// re-admitted lazily on the next selection. Operator-disabled accounts are
// never selected and never auto re-enabled.
package pool

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/poolgate/poolgate/internal/accounts"
	"github.com/poolgate/poolgate/internal/clock"
	"github.com/poolgate/poolgate/internal/metrics"
)

// ErrNoEligibleAccount is returned when every account is disabled, cooling
// down, or excluded by the caller.
var ErrNoEligibleAccount = fmt.Errorf("no eligible account")

// Config tunes failure handling.
type Config struct {
	// MaxConsecutiveFails is the failure count that triggers a cooldown.
	MaxConsecutiveFails int
	// CooldownDuration is how long a tripped account stays out of rotation.
	CooldownDuration time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFails: 3,
		CooldownDuration:    5 * time.Minute,
	}
}

type health struct {
	consecutiveFails int
	coolingDownUntil time.Time
	lastFailure      time.Time
	lastSuccess      time.Time
}

// Pool picks accounts from a Store, skipping unhealthy ones.
type Pool struct {
	store  accounts.Store
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock

	state *xsync.Map[string, *health]
}

// New builds a pool over the given account store.
func New(store accounts.Store, cfg Config, logger *zap.Logger, clk clock.Clock) *Pool {
	if cfg.MaxConsecutiveFails <= 0 {
		cfg.MaxConsecutiveFails = DefaultConfig().MaxConsecutiveFails
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = DefaultConfig().CooldownDuration
	}
	return &Pool{
		store:  store,
		cfg:    cfg,
		logger: logger,
		clock:  clk,
		state:  xsync.NewMap[string, *health](),
	}
}

// Select returns a uniformly random eligible account, skipping names in
// exclude. Accounts are re-read from the store on every call so CRUD
// mutations take effect immediately. Cooldowns that have elapsed are cleared
// here, not by a background timer.
func (p *Pool) Select(ctx context.Context, exclude map[string]bool) (accounts.Account, error) {
	list, err := p.store.List(ctx)
	if err != nil {
		return accounts.Account{}, fmt.Errorf("list accounts: %w", err)
	}

	now := p.clock.Now()
	eligible := list[:0]
	for _, acc := range list {
		if !acc.Enabled || exclude[acc.Name] {
			continue
		}
		if p.coolingDown(acc.Name, now) {
			continue
		}
		eligible = append(eligible, acc)
	}
	if len(eligible) == 0 {
		metrics.ObserveSelectionExhausted()
		return accounts.Account{}, ErrNoEligibleAccount
	}
	return eligible[rand.IntN(len(eligible))], nil
}

func (p *Pool) coolingDown(name string, now time.Time) bool {
	h, ok := p.state.Load(name)
	if !ok {
		return false
	}
	if h.coolingDownUntil.IsZero() {
		return false
	}
	if now.Before(h.coolingDownUntil) {
		return true
	}
	// Cooldown elapsed: re-admit with a clean failure count.
	p.state.Compute(name, func(cur *health, loaded bool) (*health, xsync.ComputeOp) {
		if !loaded {
			return nil, xsync.CancelOp
		}
		next := *cur
		next.consecutiveFails = 0
		next.coolingDownUntil = time.Time{}
		return &next, xsync.UpdateOp
	})
	p.logger.Info("account re-admitted after cooldown", zap.String("account", name))
	return false
}

// ReportSuccess resets the account's failure streak.
func (p *Pool) ReportSuccess(name string) {
	now := p.clock.Now()
	p.state.Compute(name, func(cur *health, loaded bool) (*health, xsync.ComputeOp) {
		next := health{lastSuccess: now}
		if loaded {
			next.lastFailure = cur.lastFailure
		}
		return &next, xsync.UpdateOp
	})
}

// ReportFailure bumps the account's failure streak. A hard failure (auth
// rejected, quota exhausted) starts the cooldown immediately; soft failures
// start it when the streak reaches the threshold.
func (p *Pool) ReportFailure(name string, hard bool) {
	now := p.clock.Now()
	var tripped bool
	p.state.Compute(name, func(cur *health, loaded bool) (*health, xsync.ComputeOp) {
		next := health{}
		if loaded {
			next = *cur
		}
		next.consecutiveFails++
		next.lastFailure = now
		trip := hard || next.consecutiveFails >= p.cfg.MaxConsecutiveFails
		if trip && next.coolingDownUntil.IsZero() {
			next.coolingDownUntil = now.Add(p.cfg.CooldownDuration)
			tripped = true
		}
		return &next, xsync.UpdateOp
	})
	if tripped {
		metrics.ObserveAccountCooldown()
		p.logger.Warn("account placed on cooldown",
			zap.String("account", name),
			zap.Bool("hard_failure", hard),
			zap.Duration("cooldown", p.cfg.CooldownDuration))
	}
}

// AccountStatus is the pool's view of one account, for the status endpoint.
type AccountStatus struct {
	Name             string    `json:"name"`
	Enabled          bool      `json:"enabled"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	CoolingDown      bool      `json:"cooling_down"`
	CooldownEndsAt   time.Time `json:"cooldown_ends_at,omitempty"`
	LastSuccess      time.Time `json:"last_success,omitempty"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
}

// Status reports every stored account with its health state.
func (p *Pool) Status(ctx context.Context) ([]AccountStatus, error) {
	list, err := p.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	now := p.clock.Now()
	out := make([]AccountStatus, 0, len(list))
	for _, acc := range list {
		st := AccountStatus{Name: acc.Name, Enabled: acc.Enabled}
		if h, ok := p.state.Load(acc.Name); ok {
			st.ConsecutiveFails = h.consecutiveFails
			st.LastSuccess = h.lastSuccess
			st.LastFailure = h.lastFailure
			if !h.coolingDownUntil.IsZero() && now.Before(h.coolingDownUntil) {
				st.CoolingDown = true
				st.CooldownEndsAt = h.coolingDownUntil
			}
		}
		out = append(out, st)
	}
	return out, nil
}
