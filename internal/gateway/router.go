// Package gateway forwards client requests upstream, injecting account
// credentials and challenge cookies, retrying across accounts, and failing
// over across sites.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/poolgate/poolgate/internal/accounts"
	"github.com/poolgate/poolgate/internal/failover"
	"github.com/poolgate/poolgate/internal/metrics"
	"github.com/poolgate/poolgate/internal/pool"
	"github.com/poolgate/poolgate/internal/site"
)

// Config tunes the request router.
type Config struct {
	// MaxAccountRetries caps how many accounts one request may burn per site.
	MaxAccountRetries int
	// InitialRetryInterval seeds the backoff between account attempts.
	InitialRetryInterval time.Duration
	// MaxRetryInterval caps the backoff between account attempts.
	MaxRetryInterval time.Duration
	// UpstreamTimeout bounds one upstream attempt.
	UpstreamTimeout time.Duration
	// MaxBodyBytes caps the buffered client request body. Bodies are
	// buffered so a retried attempt can replay them.
	MaxBodyBytes int64
	// APIUserHeader carries the account's upstream user id.
	APIUserHeader string
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAccountRetries:    3,
		InitialRetryInterval: 500 * time.Millisecond,
		MaxRetryInterval:     5 * time.Second,
		UpstreamTimeout:      120 * time.Second,
		MaxBodyBytes:         10 << 20,
		APIUserHeader:        "new-api-user",
	}
}

// Doer abstracts the upstream HTTP client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AccountSource selects accounts and receives attempt feedback.
type AccountSource interface {
	Select(ctx context.Context, exclude map[string]bool) (accounts.Account, error)
	ReportSuccess(name string)
	// ReportFailure marks an attempt failure. hard means the account itself
	// was rejected (auth or capacity), not a transient upstream error.
	ReportFailure(name string, hard bool)
}

// ChallengeSource provides challenge cookies per site.
type ChallengeSource interface {
	Get(ctx context.Context, st site.Site) (map[string]string, error)
	Invalidate(st site.Site)
}

// SiteSource exposes the active site and failover transitions.
type SiteSource interface {
	Active() site.Site
	Advance(ctx context.Context, failed site.Site) (site.Site, error)
}

// errChallengeUnavailable tags site errors raised by the challenge layer so
// the exhausted-sites response can report the right cause to the caller.
var errChallengeUnavailable = errors.New("challenge unavailable")

// Router is the per-request engine.
type Router struct {
	cfg        Config
	client     Doer
	accounts   AccountSource
	challenges ChallengeSource
	sites      SiteSource
	classify   Classifier
	logger     *zap.Logger
}

// NewRouter wires the router. A nil client gets a default http.Client and a
// nil classifier gets the default signatures.
func NewRouter(cfg Config, client Doer, accountSrc AccountSource, challengeSrc ChallengeSource, siteSrc SiteSource, classify Classifier, logger *zap.Logger) *Router {
	def := DefaultConfig()
	if cfg.MaxAccountRetries <= 0 {
		cfg.MaxAccountRetries = def.MaxAccountRetries
	}
	if cfg.InitialRetryInterval <= 0 {
		cfg.InitialRetryInterval = def.InitialRetryInterval
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = def.MaxRetryInterval
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = def.UpstreamTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.APIUserHeader == "" {
		cfg.APIUserHeader = def.APIUserHeader
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.UpstreamTimeout}
	}
	if classify == nil {
		classify = NewClassifier(DefaultSignatures())
	}
	return &Router{
		cfg:        cfg,
		client:     client,
		accounts:   accountSrc,
		challenges: challengeSrc,
		sites:      siteSrc,
		classify:   classify,
		logger:     logger,
	}
}

// Forward proxies one client request. The request path is forwarded to the
// active site verbatim, retrying across accounts on account-level failures
// and across sites on site-level failures.
func (rt *Router) Forward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, rt.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "body_read_failed")
		return
	}
	if int64(len(body)) > rt.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large")
		return
	}

	active := rt.sites.Active()
	for {
		done, siteErr := rt.forwardOnSite(ctx, w, r, active, body, start)
		if done {
			return
		}
		rt.logger.Warn("site unusable, failing over",
			zap.String("site", active.Name), zap.Error(siteErr))
		rt.challenges.Invalidate(active)
		next, err := rt.sites.Advance(ctx, active)
		if err != nil {
			if errors.Is(err, failover.ErrNoBackup) {
				metrics.ObserveGatewayExhausted()
				if errors.Is(siteErr, errChallengeUnavailable) {
					writeError(w, http.StatusServiceUnavailable, "challenge_unavailable")
					return
				}
				writeError(w, http.StatusBadGateway, "all_sites_exhausted")
				return
			}
			writeError(w, http.StatusBadGateway, "failover_failed")
			return
		}
		active = next
	}
}

// forwardOnSite tries the request on one site, rotating accounts. It
// returns done=true when a response was written; otherwise the site failed
// and the caller should fail over.
func (rt *Router) forwardOnSite(ctx context.Context, w http.ResponseWriter, r *http.Request, active site.Site, body []byte, start time.Time) (bool, error) {
	cookies, err := rt.challenges.Get(ctx, active)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errChallengeUnavailable, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rt.cfg.InitialRetryInterval
	bo.MaxInterval = rt.cfg.MaxRetryInterval
	bo.MaxElapsedTime = 0

	exclude := map[string]bool{}
	for attempt := 0; attempt < rt.cfg.MaxAccountRetries; attempt++ {
		acc, err := rt.accounts.Select(ctx, exclude)
		if err != nil {
			if errors.Is(err, pool.ErrNoEligibleAccount) {
				writeError(w, http.StatusServiceUnavailable, "no_available_accounts")
				return true, nil
			}
			writeError(w, http.StatusInternalServerError, "account_selection_failed")
			return true, nil
		}

		if attempt > 0 {
			metrics.ObserveAccountRetry()
			if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
				writeError(w, http.StatusGatewayTimeout, "request_canceled")
				return true, nil
			}
		}

		outcome, resp, respBody, attemptErr := rt.attempt(ctx, r, active, acc, cookies, body)
		rt.logger.Debug("upstream attempt",
			zap.String("site", active.Name),
			zap.String("account", acc.Name),
			zap.String("outcome", outcome.String()),
			zap.Error(attemptErr))

		switch outcome {
		case OutcomeForward:
			rt.accounts.ReportSuccess(acc.Name)
			rt.writeResponse(w, resp, respBody)
			metrics.ObserveGatewayRequest(active.Host(), acc.Name, resp.StatusCode, time.Since(start))
			return true, nil

		case OutcomeAccountAuth, OutcomeAccountCapacity, OutcomeAccountSoft:
			rt.accounts.ReportFailure(acc.Name, outcome != OutcomeAccountSoft)
			exclude[acc.Name] = true
			if resp != nil {
				metrics.ObserveGatewayRequest(active.Host(), acc.Name, resp.StatusCode, time.Since(start))
			}

		case OutcomeSiteFailure:
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			return false, fmt.Errorf("site failure: %w", attemptErr)
		}
	}

	writeError(w, http.StatusServiceUnavailable, "accounts_exhausted")
	return true, nil
}

// attempt performs one upstream request with one account's credentials.
// For responses that may need classification (4xx/5xx), a bounded body
// prefix is read; 2xx bodies are left unread for streaming.
func (rt *Router) attempt(ctx context.Context, r *http.Request, active site.Site, acc accounts.Account, cookies map[string]string, body []byte) (Outcome, *http.Response, []byte, error) {
	req, err := rt.buildUpstreamRequest(ctx, r, active, acc, cookies, body)
	if err != nil {
		return OutcomeSiteFailure, nil, nil, err
	}

	resp, err := rt.client.Do(req)
	if err != nil {
		return rt.classify(0, nil, nil, err), nil, nil, err
	}

	var respBody []byte
	if resp.StatusCode >= http.StatusBadRequest {
		respBody, err = io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		if err != nil {
			return OutcomeAccountSoft, resp, nil, fmt.Errorf("read upstream error body: %w", err)
		}
	}

	outcome := rt.classify(resp.StatusCode, resp.Header, respBody, nil)
	if outcome != OutcomeForward && resp.StatusCode < http.StatusBadRequest {
		// A classified failure whose body was never read (e.g. an HTML
		// challenge page with status 200) still must be drained.
		_ = resp.Body.Close()
	}
	return outcome, resp, respBody, nil
}

func (rt *Router) buildUpstreamRequest(ctx context.Context, r *http.Request, active site.Site, acc accounts.Account, cookies map[string]string, body []byte) (*http.Request, error) {
	upstreamURL := active.BaseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	copyForwardableHeaders(req.Header, r.Header, rt.cfg.APIUserHeader)
	req.Header.Set("Authorization", "Bearer "+acc.APIKey)
	req.Header.Set(rt.cfg.APIUserHeader, acc.APIUser)

	var pairs []string
	for name, value := range cookies {
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

// writeResponse streams the upstream response to the client. respBody is
// non-nil when the body was already buffered for classification.
func (rt *Router) writeResponse(w http.ResponseWriter, resp *http.Response, respBody []byte) {
	for key, values := range resp.Header {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if respBody != nil {
		_, _ = w.Write(respBody)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if _, err := io.Copy(newFlushWriter(w), resp.Body); err != nil {
		rt.logger.Debug("response stream interrupted", zap.Error(err))
	}
}

// flushWriter flushes after every chunk so streamed upstream responses
// (server-sent events) reach the client incrementally.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newFlushWriter(w http.ResponseWriter) io.Writer {
	f, _ := w.(http.Flusher)
	return &flushWriter{w: w, f: f}
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isHopHeader(key string) bool {
	return hopHeaders[http.CanonicalHeaderKey(key)]
}

// copyForwardableHeaders copies client headers, dropping credentials and
// hop-by-hop headers; the router injects its own.
func copyForwardableHeaders(dst, src http.Header, apiUserHeader string) {
	skip := map[string]bool{
		"Authorization": true,
		"Cookie":        true,
		"Host":          true,
		http.CanonicalHeaderKey(apiUserHeader): true,
	}
	for key, values := range src {
		canonical := http.CanonicalHeaderKey(key)
		if skip[canonical] || hopHeaders[canonical] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
