package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reserve places a hold against the account's available balance. The check
// and the insert run under the account row lock, so two racing reserves for
// the same account are serialized and can never oversell.
func (service *Service) Reserve(ctx context.Context, accountID string, amount CreditAmount, ttl time.Duration, metadataJSON string) (Reservation, error) {
	if strings.TrimSpace(accountID) == "" {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if amount <= 0 {
		return Reservation{}, fmt.Errorf("%w: reserve amount must be positive", ErrInvalidAmount)
	}
	metadata, err := NormalizeMetadataJSON(metadataJSON)
	if err != nil {
		return Reservation{}, err
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	var created Reservation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		holds, err := transactionStore.SumActiveReservations(ctx, account.AccountID, now)
		if err != nil {
			return err
		}
		if account.BalanceCredits-holds < amount {
			return ErrInsufficientCredits
		}
		reservation := Reservation{
			ReservationID:    uuid.NewString(),
			AccountID:        account.AccountID,
			AmountCredits:    amount,
			Status:           ReservationStatusActive,
			MetadataJSON:     metadata,
			CreatedUnixUTC:   now,
			ExpiresAtUnixUTC: now + int64(ttl/time.Second),
		}
		if err := transactionStore.CreateReservation(ctx, reservation); err != nil {
			return err
		}
		created = reservation
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		AccountID:     accountID,
		ReservationID: created.ReservationID,
		Amount:        amount,
		Error:         operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return created, nil
}

// Commit resolves an active reservation into a usage entry for the actual
// amount, which may be at most the reserved amount. The status transition is
// a compare-and-set, so a concurrent release or expiry sweep cannot be
// double-applied.
func (service *Service) Commit(ctx context.Context, reservationID string, actualAmount CreditAmount, metadataJSON string) (Entry, error) {
	if strings.TrimSpace(reservationID) == "" {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	if actualAmount <= 0 {
		return Entry{}, fmt.Errorf("%w: commit amount must be positive", ErrInvalidAmount)
	}
	var committed Entry
	var accountID string
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		accountID = reservation.AccountID
		if reservation.Status != ReservationStatusActive {
			return ErrReservationAlreadyResolved
		}
		if reservation.ExpiresAtUnixUTC <= service.nowFn() {
			// Overdue but unswept: expire it here rather than spend against it.
			if err := transactionStore.UpdateReservationStatus(ctx, reservationID, ReservationStatusActive, ReservationStatusExpired); err != nil {
				return err
			}
			return ErrReservationExpired
		}
		if actualAmount > reservation.AmountCredits {
			return ErrReservationInsufficient
		}
		if err := transactionStore.UpdateReservationStatus(ctx, reservationID, ReservationStatusActive, ReservationStatusCommitted); err != nil {
			return err
		}
		entry, err := service.appendLocked(ctx, transactionStore, EntryInput{
			AccountID:     reservation.AccountID,
			Kind:          EntryUsage,
			AmountCredits: -actualAmount,
			ReservationID: reservation.ReservationID,
			MetadataJSON:  metadataJSON,
		})
		if err != nil {
			return err
		}
		committed = entry
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCommit,
		AccountID:     accountID,
		ReservationID: reservationID,
		Kind:          EntryUsage,
		Amount:        actualAmount,
		Error:         operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return committed, nil
}

// Release cancels an active reservation without a ledger entry. Releasing a
// reservation that already released or expired is a no-op; a committed one
// reports ErrReservationAlreadyResolved.
func (service *Service) Release(ctx context.Context, reservationID string) error {
	if strings.TrimSpace(reservationID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	var accountID string
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		accountID = reservation.AccountID
		switch reservation.Status {
		case ReservationStatusReleased, ReservationStatusExpired:
			return nil
		case ReservationStatusCommitted:
			return ErrReservationAlreadyResolved
		}
		return transactionStore.UpdateReservationStatus(ctx, reservationID, ReservationStatusActive, ReservationStatusReleased)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationRelease,
		AccountID:     accountID,
		ReservationID: reservationID,
		Error:         operationError,
	})
	return operationError
}

// SweepExpired transitions overdue active reservations to expired, returning
// how many this pass won. Reservations resolved concurrently lose the
// compare-and-set and are skipped.
func (service *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultSweepBatchSize
	}
	overdue, err := service.store.ListExpiredReservations(ctx, service.nowFn(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, reservation := range overdue {
		transitionErr := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			return transactionStore.UpdateReservationStatus(ctx, reservation.ReservationID, ReservationStatusActive, ReservationStatusExpired)
		})
		if transitionErr != nil {
			if errors.Is(transitionErr, ErrReservationAlreadyResolved) {
				continue
			}
			return expired, transitionErr
		}
		expired++
		service.logOperation(ctx, OperationLog{
			Operation:     operationSweep,
			AccountID:     reservation.AccountID,
			ReservationID: reservation.ReservationID,
			Amount:        reservation.AmountCredits,
		})
	}
	return expired, nil
}
