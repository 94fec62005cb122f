package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStoreConfig controls the Postgres connection pool.
type PostgresStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore persists accounts in Postgres. Expected schema:
//
//	CREATE TABLE accounts (
//	    name TEXT PRIMARY KEY,
//	    provider TEXT NOT NULL,
//	    api_user TEXT NOT NULL,
//	    api_key TEXT NOT NULL DEFAULT '',
//	    cookies JSONB NOT NULL DEFAULT '{}',
//	    enabled BOOLEAN NOT NULL DEFAULT TRUE,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type PostgresStore struct {
	pool pgxPool
}

// NewPostgresStore connects a pool and verifies the connection.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("accounts.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing with pgxmock).
func NewPostgresStoreWithPool(pool pgxPool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

const selectColumns = "name, provider, api_user, api_key, cookies, enabled, updated_at"

// List returns all accounts ordered by name.
func (s *PostgresStore) List(ctx context.Context) ([]Account, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+selectColumns+" FROM accounts ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var list []Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return list, nil
}

// Get returns the named account.
func (s *PostgresStore) Get(ctx context.Context, name string) (Account, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+selectColumns+" FROM accounts WHERE name = $1", name)
	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("account %q: %w", name, ErrNotFound)
		}
		return Account{}, err
	}
	return acc, nil
}

// Add inserts a new account.
func (s *PostgresStore) Add(ctx context.Context, acc Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	cookies, err := marshalCookies(acc.Cookies)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (name, provider, api_user, api_key, cookies, enabled, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (name) DO NOTHING`,
		acc.Name, acc.Provider, acc.APIUser, acc.APIKey, cookies, acc.Enabled,
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %q: %w", acc.Name, ErrDuplicate)
	}
	return nil
}

// Update replaces the named account's fields.
func (s *PostgresStore) Update(ctx context.Context, name string, acc Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	cookies, err := marshalCookies(acc.Cookies)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts
		 SET name = $2, provider = $3, api_user = $4, api_key = $5, cookies = $6, enabled = $7, updated_at = NOW()
		 WHERE name = $1`,
		name, acc.Name, acc.Provider, acc.APIUser, acc.APIKey, cookies, acc.Enabled,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %q: %w", name, ErrNotFound)
	}
	return nil
}

// Remove deletes the named account.
func (s *PostgresStore) Remove(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM accounts WHERE name = $1", name)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %q: %w", name, ErrNotFound)
	}
	return nil
}

// SetEnabled flips the enabled flag of the named account.
func (s *PostgresStore) SetEnabled(ctx context.Context, name string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE accounts SET enabled = $2, updated_at = NOW() WHERE name = $1", name, enabled)
	if err != nil {
		return fmt.Errorf("toggle account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %q: %w", name, ErrNotFound)
	}
	return nil
}

// Reload is a no-op: every read already hits the database.
func (s *PostgresStore) Reload(context.Context) error { return nil }

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acc     Account
		cookies []byte
	)
	if err := row.Scan(&acc.Name, &acc.Provider, &acc.APIUser, &acc.APIKey, &cookies, &acc.Enabled, &acc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, err
		}
		return Account{}, fmt.Errorf("scan account: %w", err)
	}
	if len(cookies) > 0 {
		if err := json.Unmarshal(cookies, &acc.Cookies); err != nil {
			return Account{}, fmt.Errorf("decode account cookies: %w", err)
		}
	}
	return acc, nil
}

func marshalCookies(cookies map[string]string) ([]byte, error) {
	if cookies == nil {
		cookies = map[string]string{}
	}
	data, err := json.Marshal(cookies)
	if err != nil {
		return nil, fmt.Errorf("encode account cookies: %w", err)
	}
	return data, nil
}

var _ Store = (*PostgresStore)(nil)
