package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/waste-balance-engine/config"
)

func TestRoundingScheduler_SkipsWhenLockIsHeld(t *testing.T) {
	env := setupTestHandler(t)
	ctx := context.Background()
	_, err := env.handler.loadDriftedBalanceScenario(ctx)
	require.NoError(t, err)

	// GIVEN: Another instance holds the sweep lock
	lease, err := env.locker.Acquire(ctx, RoundingLockName, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	// WHEN: This instance tries to sweep
	result := env.handler.Scheduler.RunNow(ctx, false)

	// THEN: The run is skipped and nothing is corrected
	assert.Equal(t, RunSkipped, result.Status)
	assert.Nil(t, result.Summary)
	b, err := env.handler.Service.Balance(ctx, "acc-demo-drifted")
	require.NoError(t, err)
	assertTonnage(t, "537.5199999999999", b.Amount)

	// AND: Once released, the next run proceeds
	require.NoError(t, lease.Release(ctx))
	result = env.handler.Scheduler.RunNow(ctx, false)
	assert.Equal(t, RunCompleted, result.Status)
	assert.Equal(t, 1, result.Summary.Corrected)
}

func TestRoundingScheduler_ReleasesLockAfterRun(t *testing.T) {
	env := setupTestHandler(t)
	ctx := context.Background()

	env.handler.Scheduler.RunNow(ctx, true)

	lease, err := env.locker.Acquire(ctx, RoundingLockName, time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, lease)
}

func TestRoundingScheduler_RecordsRuns(t *testing.T) {
	env := setupTestHandler(t)
	ctx := context.Background()

	first := env.handler.Scheduler.RunNow(ctx, true)
	second := env.handler.Scheduler.RunNow(ctx, false)

	runs, err := env.handler.Scheduler.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.RunID, runs[0].ID)
	assert.Equal(t, first.RunID, runs[1].ID)
	assert.Equal(t, "dry-run", runs[1].Mode)
	assert.Equal(t, RunCompleted, runs[0].Status)
	assert.NotNil(t, runs[0].CompletedAt)

	assert.Equal(t, second.RunID, env.handler.Scheduler.Last().RunID)
}

func TestRoundingScheduler_DisabledNeverRuns(t *testing.T) {
	env := setupTestHandler(t)
	s := env.handler.Scheduler
	s.Mode = config.RoundingDisabled

	s.Start()
	defer s.Stop()

	assert.Nil(t, s.Last())
}

func TestRoundingScheduler_RunsOnStart(t *testing.T) {
	env := setupTestHandler(t)
	ctx := context.Background()
	_, err := env.handler.loadDriftedBalanceScenario(ctx)
	require.NoError(t, err)

	// GIVEN: Dry-run mode with a long interval
	s := env.handler.Scheduler
	s.Mode = config.RoundingDryRun
	s.Interval = time.Hour

	// WHEN: Started
	s.Start()
	require.Eventually(t, func() bool { return s.Last() != nil }, 5*time.Second, 10*time.Millisecond)
	s.Stop()

	// THEN: The immediate run was a dry run and wrote nothing
	last := s.Last()
	assert.Equal(t, RunCompleted, last.Status)
	require.NotNil(t, last.Summary)
	assert.True(t, last.Summary.DryRun)
	assert.Equal(t, 1, last.Summary.WouldCorrect)

	b, err := env.handler.Service.Balance(ctx, "acc-demo-drifted")
	require.NoError(t, err)
	assertTonnage(t, "537.5199999999999", b.Amount)
}

func TestRoundingScheduler_KeepLeaseRenewsUntilStopped(t *testing.T) {
	env := setupTestHandler(t)
	ctx := context.Background()
	rs := env.handler.Scheduler
	rs.LockTTL = 60 * time.Millisecond

	lease, err := env.locker.Acquire(ctx, RoundingLockName, rs.LockTTL)
	require.NoError(t, err)
	require.NotNil(t, lease)

	lost := false
	stop := rs.keepLease(ctx, lease, func() { lost = true }, rs.Logger)

	// Several TTLs later the lock is still ours
	time.Sleep(4 * rs.LockTTL)
	other, err := env.locker.Acquire(ctx, RoundingLockName, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, other)

	// Stopped, it lapses
	stop()
	assert.False(t, lost)
	assert.Eventually(t, func() bool {
		l, err := env.locker.Acquire(ctx, RoundingLockName, time.Minute)
		return err == nil && l != nil
	}, time.Second, 10*time.Millisecond)
}

func TestRoundingScheduler_KeepLeaseCancelsWhenLockIsLost(t *testing.T) {
	env := setupTestHandler(t)
	rs := env.handler.Scheduler
	rs.LockTTL = 30 * time.Millisecond

	lease, err := env.locker.Acquire(context.Background(), RoundingLockName, time.Minute)
	require.NoError(t, err)
	sweepCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := rs.keepLease(sweepCtx, lease, cancel, rs.Logger)
	defer stop()

	// GIVEN: The lock disappears from under the sweep
	require.NoError(t, lease.Release(context.Background()))

	// THEN: The sweep context is cancelled at the next renewal
	select {
	case <-sweepCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("sweep was not cancelled after losing the lock")
	}
}
