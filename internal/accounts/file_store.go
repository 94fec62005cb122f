package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/poolgate/poolgate/internal/clock"
)

// FileStore persists accounts in a JSON file. Writes are atomic
// (temp file + rename) and keep a timestamped backup of the previous file.
type FileStore struct {
	path   string
	logger *zap.Logger
	clock  clock.Clock

	mu   sync.RWMutex
	byID map[string]Account
}

// NewFileStore loads (or initializes) the accounts file at path.
func NewFileStore(path string, logger *zap.Logger, clk clock.Clock) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("accounts file path is required")
	}
	s := &FileStore{
		path:   path,
		logger: logger,
		clock:  clk,
		byID:   map[string]Account{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("accounts file missing, starting empty", zap.String("path", s.path))
			return nil
		}
		return fmt.Errorf("read accounts file: %w", err)
	}
	var list []Account
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse accounts file: %w", err)
	}
	byID := make(map[string]Account, len(list))
	for _, acc := range list {
		if err := acc.Validate(); err != nil {
			s.logger.Warn("skipping invalid account record", zap.Error(err))
			continue
		}
		byID[acc.Name] = acc
	}
	s.mu.Lock()
	s.byID = byID
	s.mu.Unlock()
	s.logger.Info("accounts loaded", zap.Int("count", len(byID)), zap.String("path", s.path))
	return nil
}

func (s *FileStore) persistLocked() error {
	list := make([]Account, 0, len(s.byID))
	for _, acc := range s.byID {
		list = append(list, acc)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}

	if prev, err := os.ReadFile(s.path); err == nil {
		backup := s.path + ".backup_" + s.clock.Now().Format("20060102_150405")
		if err := os.WriteFile(backup, prev, 0o600); err != nil {
			s.logger.Warn("account backup failed", zap.Error(err))
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create accounts dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write accounts temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace accounts file: %w", err)
	}
	return nil
}

// List returns a snapshot of all accounts, sorted by name.
func (s *FileStore) List(_ context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]Account, 0, len(s.byID))
	for _, acc := range s.byID {
		list = append(list, acc.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

// Get returns the named account.
func (s *FileStore) Get(_ context.Context, name string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.byID[name]
	if !ok {
		return Account{}, fmt.Errorf("account %q: %w", name, ErrNotFound)
	}
	return acc.Clone(), nil
}

// Add inserts a new account.
func (s *FileStore) Add(_ context.Context, acc Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[acc.Name]; exists {
		return fmt.Errorf("account %q: %w", acc.Name, ErrDuplicate)
	}
	acc.UpdatedAt = s.clock.Now()
	s.byID[acc.Name] = acc.Clone()
	return s.persistLocked()
}

// Update replaces the named account.
func (s *FileStore) Update(_ context.Context, name string, acc Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[name]; !ok {
		return fmt.Errorf("account %q: %w", name, ErrNotFound)
	}
	if acc.Name != name {
		if _, exists := s.byID[acc.Name]; exists {
			return fmt.Errorf("account %q: %w", acc.Name, ErrDuplicate)
		}
		delete(s.byID, name)
	}
	acc.UpdatedAt = s.clock.Now()
	s.byID[acc.Name] = acc.Clone()
	return s.persistLocked()
}

// Remove deletes the named account.
func (s *FileStore) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[name]; !ok {
		return fmt.Errorf("account %q: %w", name, ErrNotFound)
	}
	delete(s.byID, name)
	return s.persistLocked()
}

// SetEnabled flips the enabled flag of the named account.
func (s *FileStore) SetEnabled(_ context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.byID[name]
	if !ok {
		return fmt.Errorf("account %q: %w", name, ErrNotFound)
	}
	acc.Enabled = enabled
	acc.UpdatedAt = s.clock.Now()
	s.byID[name] = acc
	return s.persistLocked()
}

// Reload re-reads the accounts file from disk.
func (s *FileStore) Reload(_ context.Context) error {
	return s.load()
}

// Close is a no-op for the file store.
func (s *FileStore) Close() {}

var _ Store = (*FileStore)(nil)
