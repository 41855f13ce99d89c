/*
service.go - Read, calculate, compare-and-swap

PURPOSE:
  Owns the I/O around the pure calculator. Every write follows the same
  loop:

    1. Read the balance and its version
    2. Compute the new transactions from that snapshot
    3. CompareAndSwap(expectedVersion = version read)
    4. On ErrVersionConflict go back to 1, up to MaxRetries times

  A write is either applied whole or not at all, and because the
  computation is idempotent a retry never duplicates a transaction.

AUDIT:
  After a successful write an AuditEvent is published. Publishing is
  best effort: a failure is logged, the write stands.
*/
package balance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/waste-balance-engine/fieldmap"
)

// DefaultMaxRetries bounds CAS retries per operation.
const DefaultMaxRetries = 5

// AuditEvent describes a committed balance change.
type AuditEvent struct {
	Action          string        `json:"action"`
	AccreditationID string        `json:"accreditationId"`
	OrganisationID  string        `json:"organisationId"`
	Amount          Tonnage       `json:"amount"`
	AvailableAmount Tonnage       `json:"availableAmount"`
	Version         int64         `json:"version"`
	NewTransactions []Transaction `json:"newTransactions"`
	User            *UserSummary  `json:"user,omitempty"`
	OccurredAt      time.Time     `json:"occurredAt"`
}

// Publisher delivers audit events.
type Publisher interface {
	Publish(ctx context.Context, event AuditEvent) error
}

// Service is the entry point for callers that own persistence.
type Service struct {
	Gateway        Gateway
	Records        RecordSource
	Accreditations AccreditationSource
	Templates      *fieldmap.Registry
	Publisher      Publisher
	Logger         zerolog.Logger
	Metrics        Recorder
	MaxRetries     int
	Clock          func() time.Time
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

func (s *Service) maxRetries() int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return DefaultMaxRetries
}

func validateAccreditationID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrInvalidAccreditationID
	}
	return id, nil
}

// Balance returns the stored balance or ErrBalanceNotFound.
func (s *Service) Balance(ctx context.Context, accreditationID string) (*WasteBalance, error) {
	id, err := validateAccreditationID(accreditationID)
	if err != nil {
		return nil, err
	}
	b, err := s.Gateway.FindByAccreditationID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrBalanceNotFound, id)
	}
	return b, nil
}

// Recalculate converges the accreditation's balance to its current
// source records, creating the balance if it does not exist yet. It
// returns the balance after the write and the transactions appended.
func (s *Service) Recalculate(ctx context.Context, accreditationID string, user *UserSummary) (*WasteBalance, []Transaction, error) {
	id, err := validateAccreditationID(accreditationID)
	if err != nil {
		return nil, nil, err
	}
	acc, err := s.Accreditations.FindAccreditation(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load accreditation %s: %w", id, err)
	}
	if acc == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrAccreditationNotFound, id)
	}
	if err := s.ensureBalance(ctx, *acc); err != nil {
		return nil, nil, err
	}

	return s.update(ctx, id, "recalculate", user, func(current WasteBalance) ([]Transaction, error) {
		records, err := s.Records.RecordsForAccreditation(ctx, current.OrganisationID, id)
		if err != nil {
			return nil, fmt.Errorf("load waste records: %w", err)
		}
		result, err := CalculateUpdates(CalculationInput{
			CurrentBalance: current,
			Records:        records,
			Accreditation:  *acc,
			Templates:      s.Templates,
			Clock:          s.now,
		})
		if err != nil {
			return nil, err
		}
		return result.NewTransactions, nil
	})
}

func (s *Service) ensureBalance(ctx context.Context, acc Accreditation) error {
	existing, err := s.Gateway.FindByAccreditationID(ctx, acc.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = s.Gateway.Create(ctx, NewWasteBalance(acc.ID, acc.OrganisationID))
	if err != nil && !errors.Is(err, ErrBalanceExists) {
		return fmt.Errorf("create waste balance %s: %w", acc.ID, err)
	}
	return nil
}

// update runs the CAS retry loop. compute sees a fresh snapshot on every
// attempt; returning no transactions ends the loop without a write.
func (s *Service) update(
	ctx context.Context,
	accreditationID string,
	action string,
	user *UserSummary,
	compute func(current WasteBalance) ([]Transaction, error),
) (*WasteBalance, []Transaction, error) {
	metrics := recorderOrNop(s.Metrics)
	log := s.Logger.With().Str("accreditation_id", accreditationID).Str("action", action).Logger()

	var lastErr error
	for attempt := 1; attempt <= s.maxRetries(); attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		current, err := s.Gateway.FindByAccreditationID(ctx, accreditationID)
		if err != nil {
			metrics.BalanceWrite(action, "failed", 0)
			return nil, nil, err
		}
		if current == nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrBalanceNotFound, accreditationID)
		}

		txs, err := compute(*current)
		if err != nil {
			metrics.BalanceWrite(action, "failed", 0)
			return nil, nil, err
		}
		if len(txs) == 0 {
			metrics.BalanceWrite(action, "unchanged", 0)
			return current, nil, nil
		}

		last := txs[len(txs)-1]
		updated, err := s.Gateway.CompareAndSwap(ctx, accreditationID, current.Version, Patch{
			NewTransactions: txs,
			Amount:          last.ClosingAmount,
			AvailableAmount: last.ClosingAvailableAmount,
		})
		if IsRetryable(err) {
			lastErr = err
			metrics.BalanceWrite(action, "conflict", 0)
			log.Warn().Err(err).Int("attempt", attempt).Msg("version conflict, retrying")
			continue
		}
		if err != nil {
			metrics.BalanceWrite(action, "failed", 0)
			return nil, nil, err
		}

		metrics.BalanceWrite(action, "updated", len(txs))
		log.Info().
			Int("transactions", len(txs)).
			Int64("version", updated.Version).
			Stringer("amount", updated.Amount).
			Stringer("available_amount", updated.AvailableAmount).
			Msg("waste balance updated")
		s.publish(ctx, action, *updated, txs, user)
		return updated, txs, nil
	}
	return nil, nil, fmt.Errorf("waste balance %s: giving up after %d attempts: %w", accreditationID, s.maxRetries(), lastErr)
}

func (s *Service) publish(ctx context.Context, action string, b WasteBalance, txs []Transaction, user *UserSummary) {
	if s.Publisher == nil {
		return
	}
	err := s.Publisher.Publish(ctx, AuditEvent{
		Action:          action,
		AccreditationID: b.AccreditationID,
		OrganisationID:  b.OrganisationID,
		Amount:          b.Amount,
		AvailableAmount: b.AvailableAmount,
		Version:         b.Version,
		NewTransactions: txs,
		User:            user,
		OccurredAt:      s.now(),
	})
	if err != nil {
		s.Logger.Warn().Err(err).Str("accreditation_id", b.AccreditationID).Msg("audit publish failed")
	}
}
