package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/poolgate/poolgate/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	body := `
sites:
  - name: primary
    base_url: https://api.example.com
    role: primary
    requires_challenge: true
    challenge_path: /
    cookie_names: [acw_tc]
    probe_path: /v1/models
  - name: backup
    base_url: https://backup.example.com
    role: backup
auth:
  mode: static
  keys: [sk-client-1]
accounts:
  backend: file
  file_path: ` + filepath.Join(dir, "accounts.json") + `
artifacts:
  backend: local
  base_dir: ` + filepath.Join(dir, "artifacts") + `
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestNewWiresAllServices(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// The proxy surface rejects requests without a valid client key.
	resp, err = http.Get(ts.URL + "/v1/models")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// The ops surface is open when no dashboard is configured.
	resp, err = http.Get(ts.URL + "/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestNewArtifactStoreBackends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := newArtifactStore(ctx, config.ArtifactsConfig{Backend: "local", BaseDir: t.TempDir()})
	require.NoError(t, err)
	assert.NotNil(t, store)

	store, err = newArtifactStore(ctx, config.ArtifactsConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, store)

	_, err = newArtifactStore(ctx, config.ArtifactsConfig{Backend: "s3"})
	assert.Error(t, err)
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Accounts.Backend = "etcd"
	_, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestStartAndStopScheduler(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, a.Start())
	a.Close()
}
