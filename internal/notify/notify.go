// Package notify publishes operator-facing events: site switches, account
// cooldowns, balance thresholds, check-in summaries.
package notify

import (
	"context"
	"time"
)

// Event types.
const (
	EventSiteSwitch       = "site_switch"
	EventSiteRecovered    = "site_recovered"
	EventAccountCooldown  = "account_cooldown"
	EventBalanceThreshold = "balance_threshold"
	EventCheckinSummary   = "checkin_summary"
	EventSessionCrash     = "session_crash"
)

// Event is one operator notification.
type Event struct {
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Publisher delivers events to an operator channel.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
