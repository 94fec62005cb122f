// Package auth guards the gateway's own surfaces: client API keys on the
// proxy endpoints and JWT sessions on the dashboard endpoints.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/poolgate/poolgate/internal/metrics"
)

// KeyChecker decides whether a client API key is valid.
type KeyChecker interface {
	Check(ctx context.Context, key string) (bool, error)
}

// StaticKeys validates against a configured key list.
type StaticKeys struct {
	keys []string
}

// NewStaticKeys builds a checker over the configured keys.
func NewStaticKeys(keys []string) *StaticKeys {
	return &StaticKeys{keys: keys}
}

// Check compares in constant time.
func (s *StaticKeys) Check(_ context.Context, key string) (bool, error) {
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// RemoteCheckerConfig configures the control-plane validation client.
type RemoteCheckerConfig struct {
	// URL receives a GET with the key in the Authorization header; a 2xx
	// means the key is valid, a 401/403 means it is not.
	URL     string
	Timeout time.Duration
}

// RemoteChecker validates keys against a control-plane endpoint, behind a
// circuit breaker so a dead control plane cannot stall the proxy path.
type RemoteChecker struct {
	cfg     RemoteCheckerConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[bool]
	logger  *zap.Logger
}

// NewRemoteChecker builds the checker.
func NewRemoteChecker(cfg RemoteCheckerConfig, logger *zap.Logger) (*RemoteChecker, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("validation url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
		Name:        "key-validation",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
	})
	return &RemoteChecker{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Check calls the control plane through the breaker.
func (r *RemoteChecker) Check(ctx context.Context, key string) (bool, error) {
	return r.breaker.Execute(func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.URL, nil)
		if err != nil {
			return false, fmt.Errorf("build validation request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+key)

		resp, err := r.client.Do(req)
		if err != nil {
			return false, fmt.Errorf("validation request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return true, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return false, nil
		default:
			return false, fmt.Errorf("validation status %d", resp.StatusCode)
		}
	})
}

// ValidatorConfig tunes the validation cache.
type ValidatorConfig struct {
	// CacheTTL is how long a validation verdict is reused.
	CacheTTL time.Duration
	// CacheSize caps the number of cached keys.
	CacheSize int
}

// DefaultValidatorConfig mirrors the production defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		CacheTTL:  5 * time.Minute,
		CacheSize: 10_000,
	}
}

// Validator caches verdicts from a KeyChecker.
type Validator struct {
	checker KeyChecker
	cache   otter.Cache[string, bool]
	logger  *zap.Logger
}

// NewValidator builds the caching validator.
func NewValidator(checker KeyChecker, cfg ValidatorConfig, logger *zap.Logger) (*Validator, error) {
	def := DefaultValidatorConfig()
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	cache, err := otter.MustBuilder[string, bool](cfg.CacheSize).
		Cost(func(_ string, _ bool) uint32 { return 1 }).
		WithTTL(cfg.CacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build validation cache: %w", err)
	}
	return &Validator{checker: checker, cache: cache, logger: logger}, nil
}

// Validate returns whether the key may use the gateway, consulting the
// cache first. Only positive and negative verdicts are cached; checker
// errors are not.
func (v *Validator) Validate(ctx context.Context, key string) (bool, error) {
	if key == "" {
		metrics.ObserveAPIKeyValidation("invalid")
		return false, nil
	}
	if valid, ok := v.cache.Get(key); ok {
		metrics.ObserveAPIKeyValidation("hit")
		return valid, nil
	}
	valid, err := v.checker.Check(ctx, key)
	if err != nil {
		metrics.ObserveAPIKeyValidation("error")
		return false, err
	}
	v.cache.Set(key, valid)
	if valid {
		metrics.ObserveAPIKeyValidation("miss")
	} else {
		metrics.ObserveAPIKeyValidation("invalid")
	}
	return valid, nil
}

// ClearCache drops all cached verdicts, forcing revalidation.
func (v *Validator) ClearCache() {
	v.cache.Clear()
}

// Middleware enforces a valid Bearer key on proxied requests.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bearerToken(r)
		valid, err := v.Validate(r.Context(), key)
		if err != nil {
			v.logger.Warn("api key validation error", zap.Error(err))
			http.Error(w, `{"error":"validation_unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		if !valid {
			http.Error(w, `{"error":"invalid_api_key"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// Some clients send the key in x-api-key instead.
	return r.Header.Get("X-Api-Key")
}
