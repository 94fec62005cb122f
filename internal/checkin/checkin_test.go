package checkin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/poolgate/poolgate/internal/accounts"
	"github.com/poolgate/poolgate/internal/clock"
	"github.com/poolgate/poolgate/internal/metrics"
	"github.com/poolgate/poolgate/internal/notify"
	"github.com/poolgate/poolgate/internal/site"
)

type staticStore struct {
	accounts.Store
	list []accounts.Account
}

func (s *staticStore) List(context.Context) ([]accounts.Account, error) {
	return s.list, nil
}

type staticChallenges struct{ cookies map[string]string }

func (c *staticChallenges) Get(context.Context, site.Site) (map[string]string, error) {
	return c.cookies, nil
}

type staticSites struct{ active site.Site }

func (s *staticSites) Active() site.Site { return s.active }

func TestRunAllChecksInEnabledAccounts(t *testing.T) {
	t.Parallel()
	metrics.Init()

	var signIns []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/user/sign_in":
			require.Equal(t, http.MethodPost, r.Method)
			signIns = append(signIns, r.Header.Get("new-api-user"))
			assert.Contains(t, r.Header.Get("Cookie"), "acw_tc=tok")
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "signed in"})
		case "/api/user/self":
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"quota": 1_250_000}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	store := &staticStore{list: []accounts.Account{
		{Name: "a", APIUser: "1", Enabled: true, Cookies: map[string]string{"session": "s-a"}},
		{Name: "b", APIUser: "2", Enabled: false},
		{Name: "c", APIUser: "3", Enabled: true},
	}}
	sites := &staticSites{active: site.Site{Name: "primary", BaseURL: ts.URL, Role: site.RolePrimary}}
	challenges := &staticChallenges{cookies: map[string]string{"acw_tc": "tok"}}
	mem := notify.NewMemory(zaptest.NewLogger(t), 10)
	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())

	svc := NewService(DefaultConfig(), nil, store, challenges, sites, mem, zaptest.NewLogger(t), fake)

	results, err := svc.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2, "disabled account skipped")

	assert.Equal(t, []string{"1", "3"}, signIns)
	for _, res := range results {
		assert.True(t, res.Success)
		assert.InDelta(t, 2.5, res.QuotaUSD, 0.001)
	}

	events := mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventCheckinSummary, events[0].Type)
	assert.Contains(t, events[0].Message, "2/2")
}

func TestAlreadyCheckedInCountsAsSuccess(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/user/sign_in":
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "msg": "今日已签到"})
		case "/api/user/self":
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"quota": 500_000}})
		}
	}))
	defer ts.Close()

	store := &staticStore{list: []accounts.Account{{Name: "a", APIUser: "1", Enabled: true}}}
	sites := &staticSites{active: site.Site{Name: "primary", BaseURL: ts.URL, Role: site.RolePrimary}}
	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())

	svc := NewService(DefaultConfig(), nil, store, &staticChallenges{}, sites, nil, zaptest.NewLogger(t), fake)

	results, err := svc.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.InDelta(t, 1.0, results[0].QuotaUSD, 0.001)
}

func TestSignInFailureReported(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/user/sign_in":
			w.WriteHeader(http.StatusForbidden)
		case "/api/user/self":
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"quota": 0}})
		}
	}))
	defer ts.Close()

	store := &staticStore{list: []accounts.Account{{Name: "a", APIUser: "1", Enabled: true}}}
	sites := &staticSites{active: site.Site{Name: "primary", BaseURL: ts.URL, Role: site.RolePrimary}}
	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())

	svc := NewService(DefaultConfig(), nil, store, &staticChallenges{}, sites, nil, zaptest.NewLogger(t), fake)

	results, err := svc.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Message, "403")
}

func TestUserInfoQuotaConversion(t *testing.T) {
	t.Parallel()

	var parsed UserInfoResponse
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"quota":2500000}}`), &parsed))
	assert.InDelta(t, 5.0, parsed.QuotaUSD(), 0.001)
}
