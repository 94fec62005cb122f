// Package accounts holds the upstream credential records and their
// persistence providers. The account pool selects from these records; the
// HTTP CRUD surface mutates them.
package accounts

import (
	"fmt"
	"strings"
	"time"
)

// Account is one upstream credential set.
type Account struct {
	// Name uniquely identifies the account.
	Name string `json:"name"`
	// Provider names the upstream service this account belongs to.
	Provider string `json:"provider"`
	// APIUser is the upstream user id, sent as the api-user header.
	APIUser string `json:"api_user"`
	// APIKey is the upstream API token injected into forwarded requests.
	APIKey string `json:"api_key"`
	// Cookies holds the account's own cookies (e.g. the session cookie
	// used by the check-in flow). Challenge cookies are not stored here.
	Cookies map[string]string `json:"cookies"`
	// Enabled is user intent; a disabled account is never selected and is
	// never auto re-enabled.
	Enabled bool `json:"enabled"`
	// UpdatedAt records the last CRUD mutation.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// SessionCookie returns the account's session cookie value, if present.
func (a Account) SessionCookie() string {
	return a.Cookies["session"]
}

// KeyPreview returns a redacted form of the API key for logs.
func (a Account) KeyPreview() string {
	if len(a.APIKey) <= 8 {
		return a.APIKey
	}
	return a.APIKey[:8] + "..."
}

// HasAPIKey reports whether the account carries a usable API key.
func (a Account) HasAPIKey() bool {
	return strings.TrimSpace(a.APIKey) != ""
}

// Validate checks the fields required before an account may be stored.
func (a Account) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("account name is required")
	}
	if strings.TrimSpace(a.APIUser) == "" {
		return fmt.Errorf("account %q: api_user is required", a.Name)
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate stored cookie maps.
func (a Account) Clone() Account {
	cp := a
	if a.Cookies != nil {
		cp.Cookies = make(map[string]string, len(a.Cookies))
		for k, v := range a.Cookies {
			cp.Cookies[k] = v
		}
	}
	return cp
}
