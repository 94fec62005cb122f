package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/poolgate/poolgate/internal/clock"
)

// SessionTokenExpiry is how long dashboard sessions stay valid.
const SessionTokenExpiry = 24 * time.Hour

// SessionCookieName carries the dashboard session token for browser clients.
const SessionCookieName = "poolgate_session"

// Dashboard auth errors.
var (
	ErrBadCredentials = errors.New("bad credentials")
	ErrTokenExpired   = errors.New("session token expired")
	ErrTokenInvalid   = errors.New("session token invalid")
	ErrTokenRevoked   = errors.New("session token revoked")
	ErrMissingToken   = errors.New("session token missing")
)

// DashboardConfig configures the dashboard login.
type DashboardConfig struct {
	Username   string
	Password   string
	SigningKey string
	Issuer     string
}

// SessionClaims are the JWT claims carried by a dashboard session.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// Dashboard issues and validates dashboard session tokens. Logout revokes
// the token's id until its natural expiry.
type Dashboard struct {
	cfg   DashboardConfig
	clock clock.Clock

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewDashboard builds the dashboard auth service.
func NewDashboard(cfg DashboardConfig, clk clock.Clock) (*Dashboard, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("dashboard credentials are required")
	}
	if len(cfg.SigningKey) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "poolgate"
	}
	return &Dashboard{
		cfg:     cfg,
		clock:   clk,
		revoked: map[string]time.Time{},
	}, nil
}

// Login checks credentials and returns a signed session token.
func (d *Dashboard) Login(username, password string) (string, time.Time, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(d.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(d.cfg.Password)) == 1
	if !userOK || !passOK {
		return "", time.Time{}, ErrBadCredentials
	}

	now := d.clock.Now()
	expiresAt := now.Add(SessionTokenExpiry)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    d.cfg.Issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			ID:        newTokenID(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(d.cfg.SigningKey))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses and checks a session token.
func (d *Dashboard) Validate(tokenString string) (*SessionClaims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(d.cfg.SigningKey), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(d.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(d.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrTokenInvalid, err.Error())
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if d.isRevoked(claims.ID) {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Logout revokes the given token until it would have expired anyway.
func (d *Dashboard) Logout(tokenString string) error {
	claims, err := d.Validate(tokenString)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.revoked[claims.ID] = claims.ExpiresAt.Time
	d.pruneLocked()
	d.mu.Unlock()
	return nil
}

func (d *Dashboard) isRevoked(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, revoked := d.revoked[id]
	return revoked
}

// pruneLocked drops revocations whose tokens have expired on their own.
func (d *Dashboard) pruneLocked() {
	now := d.clock.Now()
	for id, exp := range d.revoked {
		if now.After(exp) {
			delete(d.revoked, id)
		}
	}
}

// Middleware enforces a valid dashboard session.
func (d *Dashboard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if _, err := d.Validate(token); err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

func newTokenID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("token id entropy unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
