/*
rounding.go - Rounding-correction sweeper

PURPOSE:
  Balances written before exact arithmetic was introduced can carry
  binary floating-point drift (537.5199999999999 instead of 537.52).
  Every input is at most 2 decimal places, so any stored total that
  changes when rounded to 2dp is drifted and is snapped back by a
  ROUNDING_CORRECTION transaction.

FIELDS:
  amount and availableAmount are checked and corrected independently.
  One may drift while the other is exact.

MODES:
  DryRun: log the would-be correction, write nothing, still count it
  Normal: write through Gateway.ApplyRoundingCorrection, CAS on the
          version the correction was computed from

FAILURES:
  A failure on one balance is logged and counted; the batch continues.
  The failing balance stays drifted until the next sweep. Cancelling the
  context stops the batch; corrected balances stay corrected.
*/
package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// HasRoundingError reports whether v carries more than 2 decimal places.
func HasRoundingError(v Tonnage) bool {
	return !v.Round2dp().Equal(v)
}

// CorrectionOptions controls CorrectBalance.
type CorrectionOptions struct {
	DryRun bool
	Logger zerolog.Logger
}

// CorrectBalance corrects one balance if it is drifted. It returns true
// if the balance was corrected (or would be, in dry-run mode). The
// correction is computed from b and written under b.Version; if another
// write landed first the balance is re-read and re-rounded.
func CorrectBalance(ctx context.Context, b WasteBalance, gw Gateway, opts CorrectionOptions) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= DefaultMaxRetries; attempt++ {
		if attempt > 1 {
			current, err := gw.FindByAccreditationID(ctx, b.AccreditationID)
			if err != nil {
				return false, err
			}
			if current == nil {
				return false, fmt.Errorf("%w: %s", ErrBalanceNotFound, b.AccreditationID)
			}
			b = *current
		}

		ok, err := correctOnce(ctx, b, gw, opts)
		if !IsRetryable(err) {
			return ok, err
		}
		lastErr = err
		opts.Logger.Warn().Err(err).
			Str("accreditation_id", b.AccreditationID).
			Int("attempt", attempt).
			Msg("balance changed during rounding correction, re-reading")
	}
	return false, fmt.Errorf("rounding correction %s: giving up after %d attempts: %w", b.AccreditationID, DefaultMaxRetries, lastErr)
}

func correctOnce(ctx context.Context, b WasteBalance, gw Gateway, opts CorrectionOptions) (bool, error) {
	corrected := Totals{b.Amount.Round2dp(), b.AvailableAmount.Round2dp()}
	if !HasRoundingError(b.Amount) && !HasRoundingError(b.AvailableAmount) {
		return false, nil
	}

	amountDelta := corrected.Amount.Sub(b.Amount)
	availableDelta := corrected.AvailableAmount.Sub(b.AvailableAmount)

	if opts.DryRun {
		opts.Logger.Info().
			Str("accreditation_id", b.AccreditationID).
			Stringer("stored_amount", b.Amount).
			Stringer("correct_amount", corrected.Amount).
			Stringer("amount_delta", amountDelta).
			Stringer("stored_available_amount", b.AvailableAmount).
			Stringer("correct_available_amount", corrected.AvailableAmount).
			Stringer("available_delta", availableDelta).
			Msg("[DRY-RUN] would apply rounding correction")
		return true, nil
	}

	opts.Logger.Info().
		Str("accreditation_id", b.AccreditationID).
		Int64("version", b.Version).
		Stringer("amount_delta", amountDelta).
		Stringer("available_delta", availableDelta).
		Msg("applying rounding correction")

	if _, err := gw.ApplyRoundingCorrection(ctx, RoundingCorrection{
		AccreditationID:          b.AccreditationID,
		ExpectedVersion:          b.Version,
		CorrectedAmount:          corrected.Amount,
		CorrectedAvailableAmount: corrected.AvailableAmount,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// =============================================================================
// SWEEPER
// =============================================================================

// SweepSummary reports a batch pass.
type SweepSummary struct {
	DryRun       bool
	Corrected    int
	WouldCorrect int
	Failed       int
	Total        int
}

// MarshalJSON emits {dryRun, corrected|wouldCorrect, total}.
func (s SweepSummary) MarshalJSON() ([]byte, error) {
	out := map[string]any{"dryRun": s.DryRun, "total": s.Total}
	if s.DryRun {
		out["wouldCorrect"] = s.WouldCorrect
	} else {
		out["corrected"] = s.Corrected
	}
	if s.Failed > 0 {
		out["failed"] = s.Failed
	}
	return json.Marshal(out)
}

// Sweeper runs rounding correction over every balance.
type Sweeper struct {
	Gateway Gateway
	Logger  zerolog.Logger
	Metrics Recorder

	// Concurrency bounds how many balances are corrected at once.
	// Balances are disjoint, so any value >= 1 is safe.
	Concurrency int
}

// RunOptions controls a sweep.
type RunOptions struct {
	DryRun bool
}

// Run corrects every drifted balance. The error is non-nil only when the
// balances could not be listed or the context was cancelled.
func (s *Sweeper) Run(ctx context.Context, opts RunOptions) (SweepSummary, error) {
	metrics := recorderOrNop(s.Metrics)

	balances, err := s.Gateway.FindAll(ctx)
	if err != nil {
		return SweepSummary{DryRun: opts.DryRun}, err
	}

	var corrected, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, b := range balances {
		if gctx.Err() != nil {
			break
		}
		b := b
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			ok, err := CorrectBalance(gctx, b, s.Gateway, CorrectionOptions{DryRun: opts.DryRun, Logger: s.Logger})
			switch {
			case err != nil:
				failed.Add(1)
				metrics.RoundingCorrection("failed")
				s.Logger.Error().Err(err).
					Str("accreditation_id", b.AccreditationID).
					Msg("failed to correct waste balance")
			case ok && opts.DryRun:
				corrected.Add(1)
				metrics.RoundingCorrection("would_correct")
			case ok:
				corrected.Add(1)
				metrics.RoundingCorrection("corrected")
			default:
				metrics.RoundingCorrection("clean")
			}
			return nil
		})
	}
	waitErr := g.Wait()

	summary := SweepSummary{DryRun: opts.DryRun, Failed: int(failed.Load()), Total: len(balances)}
	if opts.DryRun {
		summary.WouldCorrect = int(corrected.Load())
	} else {
		summary.Corrected = int(corrected.Load())
	}

	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	if waitErr != nil {
		return summary, waitErr
	}

	s.Logger.Info().
		Bool("dry_run", opts.DryRun).
		Int("corrected", int(corrected.Load())).
		Int("failed", summary.Failed).
		Int("total", summary.Total).
		Msg("waste balance rounding correction completed")
	return summary, nil
}
