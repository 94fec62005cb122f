package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/poolgate/poolgate/internal/accounts"
	"github.com/poolgate/poolgate/internal/clock"
	"github.com/poolgate/poolgate/internal/metrics"
)

type staticStore struct {
	accounts.Store
	list []accounts.Account
}

func (s *staticStore) List(context.Context) ([]accounts.Account, error) {
	out := make([]accounts.Account, len(s.list))
	copy(out, s.list)
	return out, nil
}

func newTestPool(t *testing.T, accs []accounts.Account, fake *clock.Fake) *Pool {
	t.Helper()
	metrics.Init()
	return New(&staticStore{list: accs}, DefaultConfig(), zaptest.NewLogger(t), fake)
}

func acct(name string, enabled bool) accounts.Account {
	return accounts.Account{Name: name, APIUser: "u-" + name, APIKey: "k-" + name, Enabled: enabled}
}

func TestSelectSkipsDisabledAndExcluded(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	p := newTestPool(t, []accounts.Account{
		acct("a", false),
		acct("b", true),
		acct("c", true),
	}, fake)

	got, err := p.Select(context.Background(), map[string]bool{"b": true})
	require.NoError(t, err)
	assert.Equal(t, "c", got.Name)
}

func TestSelectReturnsErrWhenExhausted(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	p := newTestPool(t, []accounts.Account{acct("a", true)}, fake)

	_, err := p.Select(context.Background(), map[string]bool{"a": true})
	assert.ErrorIs(t, err, ErrNoEligibleAccount)
}

func TestConsecutiveFailuresTripCooldown(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	p := newTestPool(t, []accounts.Account{acct("a", true)}, fake)
	ctx := context.Background()

	p.ReportFailure("a", false)
	p.ReportFailure("a", false)

	// Two failures: still eligible.
	got, err := p.Select(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)

	// Third failure trips the cooldown.
	p.ReportFailure("a", false)
	_, err = p.Select(ctx, nil)
	assert.ErrorIs(t, err, ErrNoEligibleAccount)
}

func TestHardFailureTripsCooldownImmediately(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	p := newTestPool(t, []accounts.Account{acct("a", true)}, fake)
	ctx := context.Background()

	p.ReportFailure("a", true)

	_, err := p.Select(ctx, nil)
	require.ErrorIs(t, err, ErrNoEligibleAccount)

	// Re-admitted after the cooldown like any other trip.
	fake.Advance(5*time.Minute + time.Second)
	got, err := p.Select(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)
}

func TestSelectIsUniformOverEligible(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	p := newTestPool(t, []accounts.Account{
		acct("a", true),
		acct("b", true),
		acct("c", true),
	}, fake)

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		got, err := p.Select(context.Background(), nil)
		require.NoError(t, err)
		seen[got.Name] = true
	}
	assert.Len(t, seen, 3, "every eligible account should be selected eventually")
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	p := newTestPool(t, []accounts.Account{acct("a", true)}, fake)

	p.ReportFailure("a", false)
	p.ReportFailure("a", false)
	p.ReportSuccess("a")
	p.ReportFailure("a", false)
	p.ReportFailure("a", false)

	got, err := p.Select(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)
}

func TestCooldownExpiresLazily(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	p := newTestPool(t, []accounts.Account{acct("a", true)}, fake)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p.ReportFailure("a", false)
	}
	_, err := p.Select(ctx, nil)
	require.ErrorIs(t, err, ErrNoEligibleAccount)

	fake.Advance(5*time.Minute + time.Second)

	got, err := p.Select(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)

	// Re-admission cleared the streak: one new failure must not trip again.
	p.ReportFailure("a", false)
	_, err = p.Select(ctx, nil)
	assert.NoError(t, err)
}

func TestDisabledAccountNeverReAdmitted(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	p := newTestPool(t, []accounts.Account{acct("a", false)}, fake)

	fake.Advance(24 * time.Hour)
	_, err := p.Select(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoEligibleAccount)
}

func TestStatusReportsCooldown(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Unix(1700000000, 0).UTC())
	p := newTestPool(t, []accounts.Account{acct("a", true), acct("b", true)}, fake)

	for i := 0; i < 3; i++ {
		p.ReportFailure("a", false)
	}
	p.ReportSuccess("b")

	status, err := p.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status, 2)

	byName := map[string]AccountStatus{}
	for _, st := range status {
		byName[st.Name] = st
	}
	assert.True(t, byName["a"].CoolingDown)
	assert.Equal(t, 3, byName["a"].ConsecutiveFails)
	assert.False(t, byName["b"].CoolingDown)
	assert.False(t, byName["b"].LastSuccess.IsZero())
}
