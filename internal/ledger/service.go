package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Append writes an entry and updates the cached account balance in one
// transaction. Entries carrying an external ref are idempotent per
// (kind, external ref); a replay returns ErrDuplicateEntry.
func (service *Service) Append(ctx context.Context, input EntryInput) (Entry, error) {
	var appended Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		entry, err := service.appendLocked(ctx, transactionStore, input)
		if err != nil {
			return err
		}
		appended = entry
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationAppend,
		AccountID:   input.AccountID,
		Kind:        input.Kind,
		Amount:      input.AmountCredits,
		ExternalRef: input.ExternalRef,
		CycleKey:    input.CycleKey,
		Error:       operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return appended, nil
}

// AppendEvent applies an externally-identified event exactly once. The event
// record insert, the ledger append, and the processed mark share a single
// transaction: a failed append rolls the guard row back so the provider's
// retry can still succeed, while a replay observes ErrDuplicateEvent with no
// side effects.
func (service *Service) AppendEvent(ctx context.Context, externalEventID string, input EntryInput) (Entry, error) {
	trimmedEventID := strings.TrimSpace(externalEventID)
	if trimmedEventID == "" {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidEventID)
	}
	var appended Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		now := service.nowFn()
		if err := transactionStore.InsertEventRecord(ctx, trimmedEventID, now); err != nil {
			return err
		}
		entry, err := service.appendLocked(ctx, transactionStore, input)
		if err != nil {
			return err
		}
		if err := transactionStore.MarkEventProcessed(ctx, trimmedEventID, service.nowFn()); err != nil {
			return err
		}
		appended = entry
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationAppendEvent,
		AccountID:   input.AccountID,
		Kind:        input.Kind,
		Amount:      input.AmountCredits,
		ExternalRef: input.ExternalRef,
		Error:       operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return appended, nil
}

// appendLocked performs the append under the account row lock of the
// surrounding transaction.
func (service *Service) appendLocked(ctx context.Context, transactionStore Store, input EntryInput) (Entry, error) {
	if err := input.validate(); err != nil {
		return Entry{}, err
	}
	metadata, err := NormalizeMetadataJSON(input.MetadataJSON)
	if err != nil {
		return Entry{}, err
	}
	account, err := transactionStore.LockAccount(ctx, input.AccountID)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		EntryID:        uuid.NewString(),
		AccountID:      account.AccountID,
		Kind:           input.Kind,
		AmountCredits:  input.AmountCredits,
		ExternalRef:    input.ExternalRef,
		CycleKey:       input.CycleKey,
		ReservationID:  input.ReservationID,
		MetadataJSON:   metadata,
		CreatedUnixUTC: service.nowFn(),
	}
	if err := transactionStore.InsertEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	nextBalance := account.BalanceCredits + input.AmountCredits
	if nextBalance < 0 && input.Kind != EntryAdjustment {
		return Entry{}, ErrInsufficientCredits
	}
	if err := transactionStore.UpdateAccountBalance(ctx, account.AccountID, nextBalance); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Balance returns the cached total and the total minus active holds, read in
// one transaction for a consistent snapshot. Reads never create account rows;
// an unseen account reports a zero balance.
func (service *Service) Balance(ctx context.Context, accountID string) (Balance, error) {
	if strings.TrimSpace(accountID) == "" {
		return Balance{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	var balance Balance
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.FindAccount(ctx, accountID)
		if errors.Is(err, ErrAccountNotFound) {
			balance = Balance{}
			return nil
		}
		if err != nil {
			return err
		}
		holds, err := transactionStore.SumActiveReservations(ctx, account.AccountID, service.nowFn())
		if err != nil {
			return err
		}
		balance = Balance{
			TotalCredits:     account.BalanceCredits,
			AvailableCredits: account.BalanceCredits - holds,
		}
		return nil
	})
	if err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// ListEntries lists ledger entries for an account before a cutoff time.
// Unknown accounts yield an empty history.
func (service *Service) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := service.store.FindAccount(ctx, accountID); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return []Entry{}, nil
		}
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
