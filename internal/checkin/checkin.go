// Package checkin performs the upstream's daily sign-in for every enabled
// account, collecting the bonus quota each account earns.
package checkin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/poolgate/poolgate/internal/accounts"
	"github.com/poolgate/poolgate/internal/clock"
	"github.com/poolgate/poolgate/internal/metrics"
	"github.com/poolgate/poolgate/internal/notify"
	"github.com/poolgate/poolgate/internal/site"
)

// QuotaPerUSD is the upstream's internal quota units per US dollar.
const QuotaPerUSD = 500_000

// Config tunes the check-in calls.
type Config struct {
	SignInPath    string
	UserInfoPath  string
	APIUserHeader string
	Timeout       time.Duration
}

// DefaultConfig mirrors the upstream's endpoints.
func DefaultConfig() Config {
	return Config{
		SignInPath:    "/api/user/sign_in",
		UserInfoPath:  "/api/user/self",
		APIUserHeader: "new-api-user",
		Timeout:       30 * time.Second,
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

// Result is the outcome of one account's check-in.
type Result struct {
	Account   string    `json:"account"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	QuotaUSD  float64   `json:"quota_usd"`
	CheckedAt time.Time `json:"checked_at"`
}

// Service runs check-ins.
type Service struct {
	cfg        Config
	client     Doer
	store      accounts.Store
	challenges ChallengeSource
	sites      SiteSource
	notifier   notify.Publisher
	logger     *zap.Logger
	clock      clock.Clock
}

// NewService wires the check-in service. A nil client gets a default
// http.Client.
func NewService(cfg Config, client Doer, store accounts.Store, challenges ChallengeSource, sites SiteSource, notifier notify.Publisher, logger *zap.Logger, clk clock.Clock) *Service {
	def := DefaultConfig()
	if cfg.SignInPath == "" {
		cfg.SignInPath = def.SignInPath
	}
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

// RunAll checks in every enabled account against the active site and
// publishes a summary notification.
func (s *Service) RunAll(ctx context.Context) ([]Result, error) {
	list, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	active := s.sites.Active()
	cookies, err := s.challenges.Get(ctx, active)
	if err != nil {
		return nil, fmt.Errorf("challenge cookies: %w", err)
	}

	var (
		results   []Result
		succeeded int
	)
	for _, acc := range list {
		if !acc.Enabled {
			continue
		}
		res := s.checkinAccount(ctx, active, acc, cookies)
		if res.Success {
			succeeded++
			metrics.ObserveCheckin(acc.Name, "success")
		} else {
			metrics.ObserveCheckin(acc.Name, "failure")
		}
		results = append(results, res)
	}

	s.publishSummary(ctx, succeeded, len(results))
	return results, nil
}

func (s *Service) checkinAccount(ctx context.Context, active site.Site, acc accounts.Account, challengeCookies map[string]string) Result {
	res := Result{Account: acc.Name, CheckedAt: s.clock.Now()}

	ok, msg, err := s.signIn(ctx, active, acc, challengeCookies)
	if err != nil {
		res.Message = err.Error()
		s.logger.Warn("check-in failed", zap.String("account", acc.Name), zap.Error(err))
		return res
	}
	res.Success = ok
	res.Message = msg

	quota, err := s.fetchQuota(ctx, active, acc, challengeCookies)
	if err != nil {
		s.logger.Warn("quota fetch failed", zap.String("account", acc.Name), zap.Error(err))
	} else {
		res.QuotaUSD = quota
		metrics.SetAccountQuota(acc.Name, quota)
	}
	return res
}

type signInResponse struct {
	Success bool   `json:"success"`
	Ret     int    `json:"ret"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
}

func (s *Service) signIn(ctx context.Context, active site.Site, acc accounts.Account, challengeCookies map[string]string) (bool, string, error) {
	req, err := s.buildRequest(ctx, http.MethodPost, active.BaseURL+s.cfg.SignInPath, acc, challengeCookies)
	if err != nil {
		return false, "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("sign-in request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false, "", fmt.Errorf("read sign-in response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("sign-in status %d", resp.StatusCode)
	}

	var parsed signInResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, "", fmt.Errorf("parse sign-in response: %w", err)
	}
	msg := parsed.Message
	if msg == "" {
		msg = parsed.Msg
	}
	// "Already checked in today" counts as success.
	if parsed.Success || parsed.Ret == 1 || strings.Contains(msg, "已签到") {
		return true, msg, nil
	}
	return false, msg, nil
}

// UserInfoResponse is the control plane's user info payload. Quota is in
// the upstream's internal units.
type UserInfoResponse struct {
	Data struct {
		Quota int64 `json:"quota"`
	} `json:"data"`
}

// QuotaUSD converts the raw quota to dollars.
func (r UserInfoResponse) QuotaUSD() float64 {
	return float64(r.Data.Quota) / QuotaPerUSD
}

func (s *Service) fetchQuota(ctx context.Context, active site.Site, acc accounts.Account, challengeCookies map[string]string) (float64, error) {
	req, err := s.buildRequest(ctx, http.MethodGet, active.BaseURL+s.cfg.UserInfoPath, acc, challengeCookies)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("user info request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("user info status %d", resp.StatusCode)
	}
	var parsed UserInfoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("parse user info: %w", err)
	}
	return parsed.QuotaUSD(), nil
}

func (s *Service) buildRequest(ctx context.Context, method, url string, acc accounts.Account, challengeCookies map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
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
	return req, nil
}

func (s *Service) publishSummary(ctx context.Context, succeeded, total int) {
	if s.notifier == nil {
		return
	}
	ev := notify.Event{
		Type:      notify.EventCheckinSummary,
		Message:   fmt.Sprintf("check-in finished: %d/%d succeeded", succeeded, total),
		Fields:    map[string]string{"succeeded": fmt.Sprint(succeeded), "total": fmt.Sprint(total)},
		Timestamp: s.clock.Now(),
	}
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.logger.Warn("check-in summary publish failed", zap.Error(err))
	}
}
