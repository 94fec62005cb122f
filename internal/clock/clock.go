// Package clock abstracts time for components that make TTL decisions.
package clock

import "time"

// Clock supplies the current time. Cache expiry, account cooldowns and
// session age checks all read time through this interface so tests can
// advance it manually.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by time.Now.
type System struct{}

// NewSystem creates a real clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}
