package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/poolgate/poolgate/internal/artifacts"
	"github.com/poolgate/poolgate/internal/clock"
	"github.com/poolgate/poolgate/internal/metrics"
	"github.com/poolgate/poolgate/internal/site"
)

func testSite() site.Site {
	return site.Site{
		Name:              "primary",
		BaseURL:           "https://api.example.com",
		Role:              site.RolePrimary,
		RequiresChallenge: true,
		ChallengePath:     "/",
		CookieNames:       []string{"acw_tc", "cdn_sec_tc"},
		ProbePath:         "/v1/models",
	}
}

func newFakeManager(t *testing.T, fake *clock.Fake, nav navigateFunc) (*Manager, *artifacts.MemoryStore) {
	t.Helper()
	metrics.Init()
	store := artifacts.NewMemory()
	m := newManagerWithNavigate(DefaultConfig(), zaptest.NewLogger(t), fake, store, nav)
	return m, store
}

func TestSolveReturnsRequiredCookies(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	m, _ := newFakeManager(t, fake, func(context.Context, site.Site) (map[string]string, string, error) {
		return map[string]string{
			"acw_tc":     "a1",
			"cdn_sec_tc": "b2",
			"irrelevant": "x",
		}, "<html></html>", nil
	})

	cookies, err := m.Solve(context.Background(), testSite())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"acw_tc": "a1", "cdn_sec_tc": "b2"}, cookies)
	assert.True(t, m.Alive())
}

func TestSolveMissingCookiesDumpsArtifact(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	m, store := newFakeManager(t, fake, func(context.Context, site.Site) (map[string]string, string, error) {
		return map[string]string{"other": "x"}, "<html>challenge</html>", nil
	})

	_, err := m.Solve(context.Background(), testSite())
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ReasonExtractionFailed, serr.Reason)
	assert.Equal(t, 1, store.Len())
}

func TestSolveTimeoutMarksSessionForRestart(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	calls := 0
	m, _ := newFakeManager(t, fake, func(ctx context.Context, _ site.Site) (map[string]string, string, error) {
		calls++
		if calls == 1 {
			return nil, "", context.DeadlineExceeded
		}
		return map[string]string{"acw_tc": "a", "cdn_sec_tc": "b"}, "", nil
	})

	_, err := m.Solve(context.Background(), testSite())
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ReasonChallengeTimeout, serr.Reason)
	assert.False(t, m.Alive())

	// The hung browser is replaced before the next solve.
	cookies, err := m.Solve(context.Background(), testSite())
	require.NoError(t, err)
	assert.Len(t, cookies, 2)
	assert.Equal(t, 1, m.Stats().Restarts)
}

func TestCrashErrorMarksSessionAndRestartsNextSolve(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	calls := 0
	m, _ := newFakeManager(t, fake, func(context.Context, site.Site) (map[string]string, string, error) {
		calls++
		if calls == 1 {
			return nil, "", fmt.Errorf("chromedp run: target crashed")
		}
		return map[string]string{"acw_tc": "a", "cdn_sec_tc": "b"}, "", nil
	})

	_, err := m.Solve(context.Background(), testSite())
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ReasonCrashed, serr.Reason)
	assert.False(t, m.Alive())

	// Next solve restarts the session and succeeds.
	cookies, err := m.Solve(context.Background(), testSite())
	require.NoError(t, err)
	assert.Len(t, cookies, 2)
	assert.True(t, m.Alive())
	assert.Equal(t, 1, m.Stats().Restarts)
}

func TestSessionRestartsWhenTooOld(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	nav := func(context.Context, site.Site) (map[string]string, string, error) {
		return map[string]string{"acw_tc": "a", "cdn_sec_tc": "b"}, "", nil
	}
	m, _ := newFakeManager(t, fake, nav)

	_, err := m.Solve(context.Background(), testSite())
	require.NoError(t, err)
	require.Zero(t, m.Stats().Restarts)

	fake.Advance(6*time.Hour + time.Minute)

	_, err = m.Solve(context.Background(), testSite())
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().Restarts)
	assert.Less(t, m.Age(), time.Minute)
}

func TestManualRestart(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	m, _ := newFakeManager(t, fake, func(context.Context, site.Site) (map[string]string, string, error) {
		return map[string]string{"acw_tc": "a", "cdn_sec_tc": "b"}, "", nil
	})

	_, err := m.Solve(context.Background(), testSite())
	require.NoError(t, err)

	require.NoError(t, m.Restart(context.Background()))
	st := m.Stats()
	assert.Equal(t, 1, st.Restarts)
	assert.True(t, st.Alive)
	assert.Equal(t, 1, st.Solves)
	assert.Zero(t, st.Failures)
}

func TestStatsCountsFailures(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	m, _ := newFakeManager(t, fake, func(context.Context, site.Site) (map[string]string, string, error) {
		return nil, "", fmt.Errorf("net::ERR_CONNECTION_REFUSED")
	})

	_, err := m.Solve(context.Background(), testSite())
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ReasonNavigationFailed, serr.Reason)

	st := m.Stats()
	assert.Equal(t, 1, st.Solves)
	assert.Equal(t, 1, st.Failures)
}
