package accounts

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the named account does not exist.
var ErrNotFound = errors.New("account not found")

// ErrDuplicate is returned when adding an account whose name already exists.
var ErrDuplicate = errors.New("account already exists")

// Store abstracts account persistence. The pool re-reads accounts through
// List on every selection so CRUD mutations take effect immediately.
type Store interface {
	// List returns a snapshot of all accounts.
	List(ctx context.Context) ([]Account, error)
	// Get returns the account with the given name.
	Get(ctx context.Context, name string) (Account, error)
	// Add inserts a new account.
	Add(ctx context.Context, acc Account) error
	// Update replaces the named account's fields.
	Update(ctx context.Context, name string, acc Account) error
	// Remove deletes the named account.
	Remove(ctx context.Context, name string) error
	// SetEnabled flips user intent without touching other fields.
	SetEnabled(ctx context.Context, name string, enabled bool) error
	// Reload re-reads account definitions from the backing medium.
	Reload(ctx context.Context) error
	// Close releases backing resources.
	Close()
}
