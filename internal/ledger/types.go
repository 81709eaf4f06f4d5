package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CreditAmount is an integer credit quantity in minor units.
type CreditAmount int64

// Int64 returns the raw amount.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryPurchase          EntryKind = "purchase"
	EntryUsage             EntryKind = "usage"
	EntryRefund            EntryKind = "refund"
	EntrySubscriptionGrant EntryKind = "subscription_grant"
	EntryAdjustment        EntryKind = "adjustment"
)

// String returns the kind as stored.
func (kind EntryKind) String() string {
	return string(kind)
}

// ParseEntryKind validates a raw entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(raw) {
	case EntryPurchase, EntryUsage, EntryRefund, EntrySubscriptionGrant, EntryAdjustment:
		return EntryKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        string
	AccountID      string
	Kind           EntryKind
	AmountCredits  CreditAmount
	ExternalRef    string
	CycleKey       string
	ReservationID  string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// EntryInput describes an entry to append. EntryID and CreatedUnixUTC are
// assigned by the service.
type EntryInput struct {
	AccountID     string
	Kind          EntryKind
	AmountCredits CreditAmount
	ExternalRef   string
	CycleKey      string
	ReservationID string
	MetadataJSON  string
}

func (input EntryInput) validate() error {
	if strings.TrimSpace(input.AccountID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseEntryKind(string(input.Kind)); err != nil {
		return err
	}
	switch input.Kind {
	case EntryPurchase, EntrySubscriptionGrant:
		if input.AmountCredits <= 0 {
			return fmt.Errorf("%w: %s entries must be positive", ErrInvalidAmount, input.Kind)
		}
	case EntryUsage, EntryRefund:
		if input.AmountCredits >= 0 {
			return fmt.Errorf("%w: %s entries must be negative", ErrInvalidAmount, input.Kind)
		}
	case EntryAdjustment:
		if input.AmountCredits == 0 {
			return fmt.Errorf("%w: adjustment entries must be non-zero", ErrInvalidAmount)
		}
	}
	if _, err := NormalizeMetadataJSON(input.MetadataJSON); err != nil {
		return err
	}
	return nil
}

// NormalizeMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NormalizeMetadataJSON(raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return "", fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return normalized, nil
}

// Balance is the per-account view: cached total plus total minus active holds.
type Balance struct {
	TotalCredits     CreditAmount
	AvailableCredits CreditAmount
}

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// String returns the status as stored.
func (status ReservationStatus) String() string {
	return string(status)
}

// ParseReservationStatus validates a raw reservation status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusActive, ReservationStatusCommitted, ReservationStatusReleased, ReservationStatusExpired:
		return ReservationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// Reservation is a short-lived hold against available balance.
type Reservation struct {
	ReservationID    string
	AccountID        string
	AmountCredits    CreditAmount
	Status           ReservationStatus
	MetadataJSON     string
	CreatedUnixUTC   int64
	ExpiresAtUnixUTC int64
}

// Account carries the cached balance maintained alongside entry appends.
type Account struct {
	AccountID      string
	BalanceCredits CreditAmount
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service. Implementations must
// provide row-level locking on accounts and reservations inside WithTx and
// must surface unique-constraint violations as the matching duplicate errors.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	LockAccount(ctx context.Context, accountID string) (Account, error)
	FindAccount(ctx context.Context, accountID string) (Account, error)
	UpdateAccountBalance(ctx context.Context, accountID string, balance CreditAmount) error
	InsertEntry(ctx context.Context, entry Entry) error
	SumEntries(ctx context.Context, accountID string) (CreditAmount, error)
	ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error)
	ListEntriesByKind(ctx context.Context, kind EntryKind, fromUnixUTC int64, toUnixUTC int64) ([]Entry, error)
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, reservationID string, from, to ReservationStatus) error
	SumActiveReservations(ctx context.Context, accountID string, atUnixUTC int64) (CreditAmount, error)
	ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]Reservation, error)
	InsertEventRecord(ctx context.Context, externalEventID string, receivedUnixUTC int64) error
	MarkEventProcessed(ctx context.Context, externalEventID string, processedUnixUTC int64) error
}
