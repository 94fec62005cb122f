package challenge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/poolgate/poolgate/internal/clock"
	"github.com/poolgate/poolgate/internal/metrics"
	"github.com/poolgate/poolgate/internal/site"
)

type fakeSolver struct {
	mu      sync.Mutex
	calls   atomic.Int64
	block   chan struct{}
	cookies map[string]string
	err     error
}

func (s *fakeSolver) Solve(ctx context.Context, _ site.Site) (map[string]string, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.cookies, nil
}

func (s *fakeSolver) set(cookies map[string]string, err error) {
	s.mu.Lock()
	s.cookies = cookies
	s.err = err
	s.mu.Unlock()
}

func challengeSite() site.Site {
	return site.Site{
		Name:              "primary",
		BaseURL:           "https://api.example.com",
		Role:              site.RolePrimary,
		RequiresChallenge: true,
		ChallengePath:     "/",
		CookieNames:       []string{"acw_tc"},
	}
}

func newTestCache(t *testing.T, solver Solver, fake *clock.Fake) *Cache {
	t.Helper()
	metrics.Init()
	return NewCache(solver, DefaultConfig(), zaptest.NewLogger(t), fake)
}

func TestGetSolvesOnMissAndCaches(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	solver := &fakeSolver{cookies: map[string]string{"acw_tc": "v1"}}
	c := newTestCache(t, solver, fake)

	got, err := c.Get(context.Background(), challengeSite())
	require.NoError(t, err)
	assert.Equal(t, "v1", got["acw_tc"])
	assert.EqualValues(t, 1, solver.calls.Load())

	// Second call within TTL does not re-solve.
	got, err = c.Get(context.Background(), challengeSite())
	require.NoError(t, err)
	assert.Equal(t, "v1", got["acw_tc"])
	assert.EqualValues(t, 1, solver.calls.Load())
}

func TestGetSkipsSitesWithoutChallenge(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	solver := &fakeSolver{cookies: map[string]string{"acw_tc": "v1"}}
	c := newTestCache(t, solver, fake)

	st := challengeSite()
	st.RequiresChallenge = false

	got, err := c.Get(context.Background(), st)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, solver.calls.Load())
}

func TestConcurrentMissesShareOneSolve(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	solver := &fakeSolver{cookies: map[string]string{"acw_tc": "v1"}, block: make(chan struct{})}
	c := newTestCache(t, solver, fake)

	const n = 8
	var wg sync.WaitGroup
	results := make([]map[string]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), challengeSite())
		}(i)
	}

	// Let the goroutines pile onto the flight, then release the solver.
	time.Sleep(50 * time.Millisecond)
	close(solver.block)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "v1", results[i]["acw_tc"])
	}
	assert.EqualValues(t, 1, solver.calls.Load())
}

func TestExpiredEntryBlocksOnResolve(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	solver := &fakeSolver{cookies: map[string]string{"acw_tc": "v1"}}
	c := newTestCache(t, solver, fake)

	_, err := c.Get(context.Background(), challengeSite())
	require.NoError(t, err)

	fake.Advance(46 * time.Minute)
	solver.set(map[string]string{"acw_tc": "v2"}, nil)

	got, err := c.Get(context.Background(), challengeSite())
	require.NoError(t, err)
	assert.Equal(t, "v2", got["acw_tc"])
	assert.EqualValues(t, 2, solver.calls.Load())
}

func TestNearExpiryServesOldWhileRefreshing(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	solver := &fakeSolver{cookies: map[string]string{"acw_tc": "v1"}}
	c := newTestCache(t, solver, fake)

	_, err := c.Get(context.Background(), challengeSite())
	require.NoError(t, err)

	// Inside the pre-refresh window but before expiry.
	fake.Advance(40 * time.Minute)
	solver.set(map[string]string{"acw_tc": "v2"}, nil)

	got, err := c.Get(context.Background(), challengeSite())
	require.NoError(t, err)
	assert.Equal(t, "v1", got["acw_tc"], "old cookies served while refresh runs")

	// The refresh lands in the background.
	require.Eventually(t, func() bool {
		g, err := c.Get(context.Background(), challengeSite())
		return err == nil && g["acw_tc"] == "v2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFailedRefreshKeepsServingStale(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	solver := &fakeSolver{cookies: map[string]string{"acw_tc": "v1"}}
	c := newTestCache(t, solver, fake)

	_, err := c.Get(context.Background(), challengeSite())
	require.NoError(t, err)

	fake.Advance(40 * time.Minute)
	solver.set(nil, fmt.Errorf("browser busy"))

	got, err := c.Get(context.Background(), challengeSite())
	require.NoError(t, err)
	assert.Equal(t, "v1", got["acw_tc"])

	// Wait for the failed refresh to finish; the entry must survive.
	require.Eventually(t, func() bool {
		return len(c.Stats([]site.Site{challengeSite()})) == 1 &&
			c.Stats([]site.Site{challengeSite()})[0].Cached &&
			!c.Stats([]site.Site{challengeSite()})[0].Refreshing
	}, 2*time.Second, 10*time.Millisecond)

	got, err = c.Get(context.Background(), challengeSite())
	require.NoError(t, err)
	assert.Equal(t, "v1", got["acw_tc"])
}

func TestForceRefreshReplacesEntry(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	solver := &fakeSolver{cookies: map[string]string{"acw_tc": "v1"}}
	c := newTestCache(t, solver, fake)

	_, err := c.Get(context.Background(), challengeSite())
	require.NoError(t, err)

	solver.set(map[string]string{"acw_tc": "v2"}, nil)
	got, err := c.ForceRefresh(context.Background(), challengeSite())
	require.NoError(t, err)
	assert.Equal(t, "v2", got["acw_tc"])
}

func TestInvalidateForcesNextSolve(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	solver := &fakeSolver{cookies: map[string]string{"acw_tc": "v1"}}
	c := newTestCache(t, solver, fake)

	_, err := c.Get(context.Background(), challengeSite())
	require.NoError(t, err)

	c.Invalidate(challengeSite())
	_, err = c.Get(context.Background(), challengeSite())
	require.NoError(t, err)
	assert.EqualValues(t, 2, solver.calls.Load())
}

func TestRefreshExpiringOnlyTouchesWindow(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	solver := &fakeSolver{cookies: map[string]string{"acw_tc": "v1"}}
	c := newTestCache(t, solver, fake)

	_, err := c.Get(context.Background(), challengeSite())
	require.NoError(t, err)

	// Fresh entry: no refresh scheduled.
	c.RefreshExpiring([]site.Site{challengeSite()})
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, solver.calls.Load())

	fake.Advance(40 * time.Minute)
	c.RefreshExpiring([]site.Site{challengeSite()})
	require.Eventually(t, func() bool {
		return solver.calls.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetRespectsCallerCancellation(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	solver := &fakeSolver{cookies: map[string]string{"acw_tc": "v1"}, block: make(chan struct{})}
	c := newTestCache(t, solver, fake)
	defer close(solver.block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx, challengeSite())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
