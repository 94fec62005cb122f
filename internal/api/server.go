// Package api exposes the HTTP surface of the gateway: the forwarding
// endpoint under the configured prefix, the admin/ops endpoints, and the
// dashboard session routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/poolgate/poolgate/internal/accounts"
	"github.com/poolgate/poolgate/internal/auth"
	"github.com/poolgate/poolgate/internal/balance"
	"github.com/poolgate/poolgate/internal/challenge"
	"github.com/poolgate/poolgate/internal/checkin"
	"github.com/poolgate/poolgate/internal/failover"
	"github.com/poolgate/poolgate/internal/metrics"
	"github.com/poolgate/poolgate/internal/notify"
	"github.com/poolgate/poolgate/internal/pool"
	"github.com/poolgate/poolgate/internal/session"
	"github.com/poolgate/poolgate/internal/site"
)

// Config tunes the HTTP surface.
type Config struct {
	// Prefix is the path prefix stripped before forwarding upstream.
	Prefix string
	// AdminTimeout bounds admin handler execution. The proxy route is
	// exempt because upstream responses may stream for minutes.
	AdminTimeout time.Duration
	// OpsRateLimit caps admin requests per minute per client IP. Zero
	// disables the limiter.
	OpsRateLimit int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:       "/v1",
		AdminTimeout: 60 * time.Second,
		OpsRateLimit: 60,
	}
}

// PoolSource exposes account health for the status surface.
type PoolSource interface {
	Status(ctx context.Context) ([]pool.AccountStatus, error)
}

// ChallengeSource exposes the challenge cache's ops surface.
type ChallengeSource interface {
	Stats(sites []site.Site) []challenge.SiteStats
	ForceRefresh(ctx context.Context, st site.Site) (map[string]string, error)
}

// FailoverSource exposes the failover controller's ops surface.
type FailoverSource interface {
	Active() site.Site
	Sites() []site.Site
	Status() failover.Status
	SwitchToPrimary(ctx context.Context) error
	ForceSwitchToPrimary(ctx context.Context)
}

// SessionSource exposes the browser session's ops surface.
type SessionSource interface {
	Stats() session.Stats
	Restart(ctx context.Context) error
}

// CheckinRunner runs a check-in sweep on demand.
type CheckinRunner interface {
	RunAll(ctx context.Context) ([]checkin.Result, error)
}

// BalanceSource exposes balance collection.
type BalanceSource interface {
	Last() balance.Snapshot
	Collect(ctx context.Context) (balance.Snapshot, error)
}

// KeyCache clears cached API key verdicts.
type KeyCache interface {
	ClearCache()
}

// DashboardAuth issues and validates dashboard session tokens.
type DashboardAuth interface {
	Login(username, password string) (string, time.Time, error)
	Logout(token string) error
	Middleware(next http.Handler) http.Handler
}

// Deps are the components the server exposes. Nil members disable their
// routes.
type Deps struct {
	Proxy      http.Handler
	ClientAuth func(http.Handler) http.Handler
	Accounts   accounts.Store
	Pool       PoolSource
	Challenges ChallengeSource
	Failover   FailoverSource
	Session    SessionSource
	Checkin    CheckinRunner
	Balance    BalanceSource
	KeyCache   KeyCache
	Dashboard  DashboardAuth
	Events     *notify.Memory
}

// Server wires HTTP handlers to the gateway components.
type Server struct {
	router chi.Router
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.AdminTimeout <= 0 {
		cfg.AdminTimeout = def.AdminTimeout
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// The proxy path, prefix included, is forwarded to the upstream
	// verbatim.
	if deps.Proxy != nil {
		var h http.Handler = deps.Proxy
		if deps.ClientAuth != nil {
			h = deps.ClientAuth(deps.Proxy)
		}
		r.Handle(strings.TrimRight(cfg.Prefix, "/")+"/*", h)
	}

	if deps.Dashboard != nil {
		r.Post("/auth/login", s.login)
		r.Post("/auth/logout", s.logout)
	}

	// Ops surface. Rate limited, bounded, and guarded by the dashboard
	// session when one is configured.
	r.Group(func(r chi.Router) {
		if cfg.OpsRateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.OpsRateLimit, time.Minute))
		}
		r.Use(timeoutMiddleware(cfg.AdminTimeout))
		if deps.Dashboard != nil {
			r.Use(deps.Dashboard.Middleware)
		}

		r.Get("/status", s.status)

		if deps.Accounts != nil {
			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", s.listAccounts)
				r.Post("/", s.addAccount)
				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", s.getAccount)
					r.Put("/", s.updateAccount)
					r.Delete("/", s.removeAccount)
					r.Post("/enable", s.setEnabled(true))
					r.Post("/disable", s.setEnabled(false))
				})
			})
			r.Post("/reload", s.reloadAccounts)
		}

		if deps.Balance != nil {
			r.Get("/balances", s.balances)
			r.Post("/balances/refresh", s.refreshBalances)
		}
		if deps.Checkin != nil {
			r.Post("/checkin", s.runCheckin)
		}
		if deps.Challenges != nil {
			r.Post("/refresh-challenge", s.refreshChallenge)
		}
		if deps.Session != nil {
			r.Post("/restart-session", s.restartSession)
		}
		if deps.Failover != nil {
			r.Post("/switch-to-primary", s.switchToPrimary)
			r.Post("/force-switch-to-primary", s.forceSwitchToPrimary)
		}
		if deps.KeyCache != nil {
			r.Post("/clear-api-key-cache", s.clearKeyCache)
		}
		if deps.Events != nil {
			r.Get("/events", s.events)
		}
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Accounts != nil {
		if _, err := s.deps.Accounts.List(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "account store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is the composite ops snapshot.
type statusResponse struct {
	Failover  *failover.Status      `json:"failover,omitempty"`
	Accounts  []pool.AccountStatus  `json:"accounts,omitempty"`
	Challenge []challenge.SiteStats `json:"challenge,omitempty"`
	Session   *session.Stats        `json:"session,omitempty"`
	Balance   *balance.Snapshot     `json:"balance,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if s.deps.Failover != nil {
		st := s.deps.Failover.Status()
		resp.Failover = &st
		if s.deps.Challenges != nil {
			resp.Challenge = s.deps.Challenges.Stats(s.deps.Failover.Sites())
		}
	}
	if s.deps.Pool != nil {
		acc, err := s.deps.Pool.Status(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "account status unavailable")
			return
		}
		resp.Accounts = acc
	}
	if s.deps.Session != nil {
		st := s.deps.Session.Stats()
		resp.Session = &st
	}
	if s.deps.Balance != nil {
		snap := s.deps.Balance.Last()
		if !snap.TakenAt.IsZero() {
			resp.Balance = &snap
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// accountView redacts credentials on the read surface.
type accountView struct {
	Name       string    `json:"name"`
	Provider   string    `json:"provider,omitempty"`
	APIUser    string    `json:"api_user"`
	KeyPreview string    `json:"key_preview,omitempty"`
	Enabled    bool      `json:"enabled"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

func toView(acc accounts.Account) accountView {
	return accountView{
		Name:       acc.Name,
		Provider:   acc.Provider,
		APIUser:    acc.APIUser,
		KeyPreview: acc.KeyPreview(),
		Enabled:    acc.Enabled,
		UpdatedAt:  acc.UpdatedAt,
	}
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Accounts.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list accounts failed")
		return
	}
	views := make([]accountView, 0, len(list))
	for _, acc := range list {
		views = append(views, toView(acc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.deps.Accounts.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, toView(acc))
}

func (s *Server) addAccount(w http.ResponseWriter, r *http.Request) {
	var acc accounts.Account
	if err := json.NewDecoder(r.Body).Decode(&acc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := acc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Accounts.Add(r.Context(), acc); err != nil {
		if errors.Is(err, accounts.ErrDuplicate) {
			writeError(w, http.StatusConflict, "account already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "add account failed")
		return
	}
	s.logger.Info("account added", zap.String("account", acc.Name))
	writeJSON(w, http.StatusCreated, toView(acc))
}

func (s *Server) updateAccount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var acc accounts.Account
	if err := json.NewDecoder(r.Body).Decode(&acc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := acc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Accounts.Update(r.Context(), name, acc); err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "update account failed")
		return
	}
	s.logger.Info("account updated", zap.String("account", name))
	writeJSON(w, http.StatusOK, toView(acc))
}

func (s *Server) removeAccount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Accounts.Remove(r.Context(), name); err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	s.logger.Info("account removed", zap.String("account", name))
	writeJSON(w, http.StatusOK, map[string]string{"removed": name})
}

func (s *Server) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := s.deps.Accounts.SetEnabled(r.Context(), name, enabled); err != nil {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"account": name, "enabled": enabled})
	}
}

func (s *Server) reloadAccounts(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Accounts.Reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "reload failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) balances(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Balance.Last())
}

func (s *Server) refreshBalances(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Balance.Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "balance collection failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) runCheckin(w http.ResponseWriter, r *http.Request) {
	results, err := s.deps.Checkin.RunAll(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "check-in run failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) refreshChallenge(w http.ResponseWriter, r *http.Request) {
	target, ok := s.resolveSite(r.URL.Query().Get("site"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown site")
		return
	}
	cookies, err := s.deps.Challenges.ForceRefresh(r.Context(), target)
	if err != nil {
		writeError(w, http.StatusBadGateway, "challenge refresh failed")
		return
	}
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"site": target.Name, "cookies": names})
}

// resolveSite maps an optional site name to a configured site, defaulting to
// the active one.
func (s *Server) resolveSite(name string) (site.Site, bool) {
	if s.deps.Failover == nil {
		return site.Site{}, false
	}
	if name == "" {
		return s.deps.Failover.Active(), true
	}
	for _, st := range s.deps.Failover.Sites() {
		if st.Name == name {
			return st, true
		}
	}
	return site.Site{}, false
}

func (s *Server) restartSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Session.Restart(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "session restart failed")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Session.Stats())
}

func (s *Server) switchToPrimary(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Failover.SwitchToPrimary(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Failover.Status())
}

func (s *Server) forceSwitchToPrimary(w http.ResponseWriter, r *http.Request) {
	s.deps.Failover.ForceSwitchToPrimary(r.Context())
	writeJSON(w, http.StatusOK, s.deps.Failover.Status())
}

func (s *Server) clearKeyCache(w http.ResponseWriter, _ *http.Request) {
	s.deps.KeyCache.ClearCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) events(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": s.deps.Events.Events()})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	token, expires, err := s.deps.Dashboard.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expires_at": expires})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	token := bearerOrCookie(r)
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing token")
		return
	}
	if err := s.deps.Dashboard.Logout(token); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func bearerOrCookie(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(auth.SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

// RequestID returns the request id stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("path", r.URL.Path), zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
