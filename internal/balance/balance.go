// Package balance aggregates the remaining quota across accounts and warns
// when an account drops below the configured threshold.
package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/poolgate/poolgate/internal/accounts"
	"github.com/poolgate/poolgate/internal/checkin"
	"github.com/poolgate/poolgate/internal/clock"
	"github.com/poolgate/poolgate/internal/metrics"
	"github.com/poolgate/poolgate/internal/notify"
	"github.com/poolgate/poolgate/internal/site"
)

// Config tunes balance collection.
type Config struct {
	UserInfoPath  string
	APIUserHeader string
	Timeout       time.Duration
	// WarnBelowUSD publishes a notification when an account's remaining
	// quota drops below this value. Zero disables the warning.
	WarnBelowUSD float64
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		UserInfoPath:  "/api/user/self",
		APIUserHeader: "new-api-user",
		Timeout:       30 * time.Second,
		WarnBelowUSD:  1.0,
	}
}

// Doer abstracts the HTTP client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ChallengeSource provides challenge cookies per site.
type ChallengeSource interface {
	Get(ctx context.Context, st site.Site) (map[string]string, error)
}

// SiteSource exposes the active site.
type SiteSource interface {
	Active() site.Site
}

// AccountBalance is one account's remaining quota.
type AccountBalance struct {
	Account   string    `json:"account"`
	QuotaUSD  float64   `json:"quota_usd"`
	Error     string    `json:"error,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Snapshot is the result of one collection run.
type Snapshot struct {
	Balances []AccountBalance `json:"balances"`
	TotalUSD float64          `json:"total_usd"`
	TakenAt  time.Time        `json:"taken_at"`
}

// Service collects balances.
type Service struct {
	cfg        Config
	client     Doer
	store      accounts.Store
	challenges ChallengeSource
	sites      SiteSource
	notifier   notify.Publisher
	logger     *zap.Logger
	clock      clock.Clock

	mu   sync.Mutex
	last Snapshot
}

// NewService wires the balance service. A nil client gets a default
// http.Client.
func NewService(cfg Config, client Doer, store accounts.Store, challenges ChallengeSource, sites SiteSource, notifier notify.Publisher, logger *zap.Logger, clk clock.Clock) *Service {
	def := DefaultConfig()
	if cfg.UserInfoPath == "" {
		cfg.UserInfoPath = def.UserInfoPath
	}
	if cfg.APIUserHeader == "" {
		cfg.APIUserHeader = def.APIUserHeader
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Service{
		cfg:        cfg,
		client:     client,
		store:      store,
		challenges: challenges,
		sites:      sites,
		notifier:   notifier,
		logger:     logger,
		clock:      clk,
	}
}

// Collect fetches every enabled account's balance from the active site.
func (s *Service) Collect(ctx context.Context) (Snapshot, error) {
	list, err := s.store.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list accounts: %w", err)
	}

	active := s.sites.Active()
	cookies, err := s.challenges.Get(ctx, active)
	if err != nil {
		return Snapshot{}, fmt.Errorf("challenge cookies: %w", err)
	}

	snap := Snapshot{TakenAt: s.clock.Now()}
	for _, acc := range list {
		if !acc.Enabled {
			continue
		}
		bal := AccountBalance{Account: acc.Name, FetchedAt: s.clock.Now()}
		quota, err := s.fetchQuota(ctx, active, acc, cookies)
		if err != nil {
			bal.Error = err.Error()
			s.logger.Warn("balance fetch failed", zap.String("account", acc.Name), zap.Error(err))
		} else {
			bal.QuotaUSD = quota
			snap.TotalUSD += quota
			metrics.SetAccountQuota(acc.Name, quota)
			s.maybeWarn(ctx, acc.Name, quota)
		}
		snap.Balances = append(snap.Balances, bal)
	}

	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
	return snap, nil
}

// Last returns the most recent snapshot.
func (s *Service) Last() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) maybeWarn(ctx context.Context, account string, quotaUSD float64) {
	if s.notifier == nil || s.cfg.WarnBelowUSD <= 0 || quotaUSD >= s.cfg.WarnBelowUSD {
		return
	}
	ev := notify.Event{
		Type:      notify.EventBalanceThreshold,
		Message:   fmt.Sprintf("account %s below threshold: $%.2f remaining", account, quotaUSD),
		Fields:    map[string]string{"account": account, "quota_usd": fmt.Sprintf("%.2f", quotaUSD)},
		Timestamp: s.clock.Now(),
	}
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.logger.Warn("balance warning publish failed", zap.Error(err))
	}
}

func (s *Service) fetchQuota(ctx context.Context, active site.Site, acc accounts.Account, challengeCookies map[string]string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, active.BaseURL+s.cfg.UserInfoPath, nil)
	if err != nil {
		return 0, fmt.Errorf("build user info request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(s.cfg.APIUserHeader, acc.APIUser)

	var pairs []string
	for name, value := range challengeCookies {
		pairs = append(pairs, name+"="+value)
	}
	if session := acc.SessionCookie(); session != "" {
		pairs = append(pairs, "session="+session)
	}
	if len(pairs) > 0 {
		req.Header.Set("Cookie", strings.Join(pairs, "; "))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("user info request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("user info status %d", resp.StatusCode)
	}
	var parsed checkin.UserInfoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("parse user info: %w", err)
	}
	return parsed.QuotaUSD(), nil
}
