/*
scheduler.go - Scheduled rounding correction

PURPOSE:
  Periodically runs the rounding-correction sweep so drifted balances are
  snapped back to 2 decimal places without operator action.

DESIGN:
  - Runs a background goroutine: once on start, then on every tick
  - Mode "disabled" never starts; "dry-run" logs but writes nothing
  - Each run takes the cluster lock "waste-balance-rounding-correction";
    if another instance holds it the run is skipped, never queued
  - The lock is renewed every LockTTL/3 while the sweep runs; if it is
    lost the sweep is cancelled so two instances never sweep at once
  - The lock is released when the run ends, whatever the outcome
  - Runs are recorded for audit and the status endpoint

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Mode:     disabled | dry-run | enabled

USAGE:
  scheduler := NewRoundingScheduler(sweeper, locker, store, cfg.RoundingMode)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunRoundingCorrection endpoint (manual sweep)
  - balance/rounding.go: Sweeper
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/waste-balance-engine/balance"
	"github.com/warp/waste-balance-engine/config"
	"github.com/warp/waste-balance-engine/lock"
	"github.com/warp/waste-balance-engine/store/sqlite"
)

// RoundingLockName is the cluster-wide lock guarding the sweep.
const RoundingLockName = "waste-balance-rounding-correction"

// Run statuses.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunSkipped   = "skipped"
)

// RunHistory persists sweep runs. *sqlite.Store implements it.
type RunHistory interface {
	SaveSweepRun(ctx context.Context, run sqlite.SweepRun) error
	ListSweepRuns(ctx context.Context, limit int) ([]sqlite.SweepRun, error)
}

// SweepResult describes one attempt to run the sweep.
type SweepResult struct {
	RunID   string                `json:"runId"`
	Status  string                `json:"status"`
	Summary *balance.SweepSummary `json:"summary,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// RoundingScheduler runs the rounding-correction sweep on an interval.
type RoundingScheduler struct {
	Sweeper  *balance.Sweeper
	Locker   lock.Locker
	History  RunHistory
	Mode     config.RoundingMode
	Interval time.Duration
	LockTTL  time.Duration
	Logger   zerolog.Logger
	Clock    func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.RWMutex
	last   *SweepResult
}

// NewRoundingScheduler creates a scheduler with a 1 hour interval.
func NewRoundingScheduler(sweeper *balance.Sweeper, locker lock.Locker, history RunHistory, mode config.RoundingMode) *RoundingScheduler {
	return &RoundingScheduler{
		Sweeper:  sweeper,
		Locker:   locker,
		History:  history,
		Mode:     mode,
		Interval: time.Hour,
		LockTTL:  15 * time.Minute,
		Logger:   zerolog.Nop(),
	}
}

func (rs *RoundingScheduler) now() time.Time {
	if rs.Clock != nil {
		return rs.Clock()
	}
	return time.Now().UTC()
}

// Start begins the scheduler. It is a no-op when the mode is disabled.
func (rs *RoundingScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.Logger.Info().Str("mode", string(rs.Mode)).Msg("starting waste balance rounding correction scheduler")
	if rs.Mode == config.RoundingDisabled || rs.Mode == "" {
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.Interval)
	rs.wg.Add(1)

	go rs.run(ctx)

	rs.Logger.Info().Dur("interval", rs.Interval).Msg("rounding correction scheduler started")
}

// Stop stops the scheduler and waits for an in-flight sweep to return.
func (rs *RoundingScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.cancel()
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info().Msg("rounding correction scheduler stopped")
}

func (rs *RoundingScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow(ctx, rs.Mode == config.RoundingDryRun)

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(ctx, rs.Mode == config.RoundingDryRun)
		case <-rs.stop:
			return
		}
	}
}

// RunNow runs one sweep under the cluster lock. It never returns an
// error; failures are reported in the result and logged.
func (rs *RoundingScheduler) RunNow(ctx context.Context, dryRun bool) SweepResult {
	mode := config.RoundingEnabled
	if dryRun {
		mode = config.RoundingDryRun
	}
	run := sqlite.SweepRun{
		ID:        uuid.NewString(),
		Mode:      string(mode),
		StartedAt: rs.now(),
	}
	log := rs.Logger.With().Str("run_id", run.ID).Bool("dry_run", dryRun).Logger()

	lease, err := rs.Locker.Acquire(ctx, RoundingLockName, rs.LockTTL)
	if err != nil {
		log.Error().Err(err).Msg("failed to acquire rounding correction lock")
		return rs.finish(ctx, run, RunFailed, nil, err)
	}
	if lease == nil {
		log.Info().Msg("unable to obtain lock, skipping waste balance rounding correction")
		return rs.finish(ctx, run, RunSkipped, nil, nil)
	}
	defer func() {
		// Release even when ctx is already cancelled.
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("failed to release rounding correction lock")
		}
	}()

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopRenewing := rs.keepLease(sweepCtx, lease, cancel, log)
	summary, err := rs.Sweeper.Run(sweepCtx, balance.RunOptions{DryRun: dryRun})
	stopRenewing()
	if err != nil {
		log.Error().Err(err).Msg("failed to run waste balance rounding correction")
		return rs.finish(ctx, run, RunFailed, &summary, err)
	}
	return rs.finish(ctx, run, RunCompleted, &summary, nil)
}

// keepLease extends lease every LockTTL/3 until the returned stop func is
// called. If the lease cannot be extended, lost is called.
func (rs *RoundingScheduler) keepLease(ctx context.Context, lease lock.Lease, lost context.CancelFunc, log zerolog.Logger) func() {
	every := rs.LockTTL / 3
	if every <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Extend(ctx, rs.LockTTL); err != nil {
					log.Error().Err(err).Msg("lost rounding correction lock, cancelling sweep")
					lost()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (rs *RoundingScheduler) finish(ctx context.Context, run sqlite.SweepRun, status string, summary *balance.SweepSummary, runErr error) SweepResult {
	completed := rs.now()
	run.Status = status
	run.CompletedAt = &completed
	if summary != nil {
		run.Corrected = summary.Corrected + summary.WouldCorrect
		run.Failed = summary.Failed
		run.Total = summary.Total
	}
	result := SweepResult{RunID: run.ID, Status: status, Summary: summary}
	if runErr != nil {
		run.Error = runErr.Error()
		result.Error = runErr.Error()
	}

	if rs.History != nil {
		if err := rs.History.SaveSweepRun(context.WithoutCancel(ctx), run); err != nil {
			rs.Logger.Warn().Err(err).Str("run_id", run.ID).Msg("failed to record sweep run")
		}
	}

	rs.lastMu.Lock()
	rs.last = &result
	rs.lastMu.Unlock()
	return result
}

// Last returns the most recent result, or nil before the first run.
func (rs *RoundingScheduler) Last() *SweepResult {
	rs.lastMu.RLock()
	defer rs.lastMu.RUnlock()
	if rs.last == nil {
		return nil
	}
	out := *rs.last
	return &out
}

// Recent returns recorded runs, newest first.
func (rs *RoundingScheduler) Recent(ctx context.Context, limit int) ([]sqlite.SweepRun, error) {
	if rs.History == nil {
		return []sqlite.SweepRun{}, nil
	}
	runs, err := rs.History.ListSweepRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list sweep runs: %w", err)
	}
	if runs == nil {
		runs = []sqlite.SweepRun{}
	}
	return runs, nil
}
