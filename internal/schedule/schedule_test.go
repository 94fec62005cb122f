package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSchedulerRunsIntervalJobs(t *testing.T) {
	t.Parallel()

	var probes atomic.Int64
	cfg := DefaultConfig()
	cfg.ProbeInterval = 100 * time.Millisecond

	s := New(cfg, Jobs{
		ProbePrimary: func(context.Context) { probes.Add(1) },
	}, zaptest.NewLogger(t))

	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return probes.Load() >= 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSchedulerStopCancelsJobContext(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	canceled := make(chan struct{})

	cfg := DefaultConfig()
	cfg.ProbeInterval = 50 * time.Millisecond

	s := New(cfg, Jobs{
		ProbePrimary: func(ctx context.Context) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			select {
			case canceled <- struct{}{}:
			default:
			}
		},
	}, zaptest.NewLogger(t))

	require.NoError(t, s.Start())
	<-started
	go s.Stop()

	select {
	case <-canceled:
	case <-time.After(3 * time.Second):
		t.Fatal("job context was not canceled on Stop")
	}
}

func TestSchedulerRejectsBadCheckinSpec(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.CheckinSpec = "not a cron spec"
	s := New(cfg, Jobs{Checkin: func(context.Context) {}}, zaptest.NewLogger(t))
	assert.Error(t, s.Start())
}

func TestSchedulerSurvivesPanickingJob(t *testing.T) {
	t.Parallel()

	var runs atomic.Int64
	cfg := DefaultConfig()
	cfg.ProbeInterval = 50 * time.Millisecond

	s := New(cfg, Jobs{
		ProbePrimary: func(context.Context) {
			runs.Add(1)
			panic("boom")
		},
	}, zaptest.NewLogger(t))

	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 3*time.Second, 20*time.Millisecond)
}
