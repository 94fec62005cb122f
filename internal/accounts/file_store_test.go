package accounts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/poolgate/poolgate/internal/clock"
)

func testAccount(name string) Account {
	return Account{
		Name:     name,
		Provider: "anyrouter",
		APIUser:  "12345",
		APIKey:   "sk-test-" + name,
		Cookies:  map[string]string{"session": "cookie-" + name},
		Enabled:  true,
	}
}

func newTestFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.json")
	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	store, err := NewFileStore(path, zaptest.NewLogger(t), fake)
	require.NoError(t, err)
	return store, path
}

func TestFileStoreStartsEmptyWhenFileMissing(t *testing.T) {
	t.Parallel()

	store, _ := newTestFileStore(t)
	list, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFileStoreAddGetRoundTrip(t *testing.T) {
	t.Parallel()

	store, path := newTestFileStore(t)
	ctx := context.Background()

	acc := testAccount("alpha")
	require.NoError(t, store.Add(ctx, acc))

	got, err := store.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "anyrouter", got.Provider)
	assert.Equal(t, "12345", got.APIUser)
	assert.Equal(t, "cookie-alpha", got.SessionCookie())
	assert.False(t, got.UpdatedAt.IsZero())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"name": "alpha"`)
}

func TestFileStoreAddRejectsDuplicate(t *testing.T) {
	t.Parallel()

	store, _ := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, testAccount("alpha")))
	err := store.Add(ctx, testAccount("alpha"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestFileStoreUpdateRenames(t *testing.T) {
	t.Parallel()

	store, _ := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, testAccount("alpha")))

	renamed := testAccount("beta")
	require.NoError(t, store.Update(ctx, "alpha", renamed))

	_, err := store.Get(ctx, "alpha")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := store.Get(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-beta", got.APIKey)
}

func TestFileStoreSetEnabled(t *testing.T) {
	t.Parallel()

	store, _ := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, testAccount("alpha")))
	require.NoError(t, store.SetEnabled(ctx, "alpha", false))

	got, err := store.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	err = store.SetEnabled(ctx, "ghost", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreRemove(t *testing.T) {
	t.Parallel()

	store, _ := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, testAccount("alpha")))
	require.NoError(t, store.Remove(ctx, "alpha"))

	_, err := store.Get(ctx, "alpha")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Remove(ctx, "alpha"), ErrNotFound)
}

func TestFileStoreWritesBackupBeforeOverwrite(t *testing.T) {
	t.Parallel()

	store, path := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, testAccount("alpha")))
	require.NoError(t, store.Add(ctx, testAccount("beta")))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)

	var backups int
	for _, e := range entries {
		if strings.Contains(e.Name(), ".backup_") {
			backups++
		}
	}
	assert.GreaterOrEqual(t, backups, 1)
}

func TestFileStoreReloadPicksUpExternalEdits(t *testing.T) {
	t.Parallel()

	store, path := newTestFileStore(t)
	ctx := context.Background()

	raw := `[{"name":"gamma","provider":"anyrouter","api_user":"777","api_key":"sk-x","cookies":{"session":"s"},"enabled":true}]`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	require.NoError(t, store.Reload(ctx))

	got, err := store.Get(ctx, "gamma")
	require.NoError(t, err)
	assert.Equal(t, "777", got.APIUser)
}

func TestFileStoreSkipsInvalidRecordsOnLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "accounts.json")
	raw := `[{"name":"ok","api_user":"1","enabled":true},{"name":"","api_user":"2"}]`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	store, err := NewFileStore(path, zaptest.NewLogger(t), clock.NewSystem())
	require.NoError(t, err)

	list, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ok", list[0].Name)
}

func TestFileStoreListReturnsCopies(t *testing.T) {
	t.Parallel()

	store, _ := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, testAccount("alpha")))

	list, err := store.List(ctx)
	require.NoError(t, err)
	list[0].Cookies["session"] = "tampered"

	got, err := store.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "cookie-alpha", got.SessionCookie())
}
