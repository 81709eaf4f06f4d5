package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quizforge/billing/internal/ledger"
	"github.com/quizforge/billing/internal/subscription"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectEntry     = "entry"
	errorSubjectEvent     = "event"
	errorSubjectBalance   = "balance"
	errorSubjectReserve   = "reservation"
	errorSubjectPlan      = "plan"
	errorCodeCreate       = "create"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeList         = "list"
	errorCodeLock         = "lock"
	errorCodeMark         = "mark_processed"
	errorCodeSum          = "sum"
	errorCodeUpdate       = "update"
)

// Store implements ledger.Store and subscription.PlanStore using GORM. The
// same implementation serves glebarez sqlite (dev/test, single-writer) and
// Postgres (row locks effective).
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates every table the store owns.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// LockAccount fetches the account row FOR UPDATE, creating it on first sight.
// The row lock serializes all balance mutations for the account.
func (store *Store) LockAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		model = Account{AccountID: accountID, CreatedAt: time.Now().UTC()}
		createErr := store.db.WithContext(ctx).Create(&model).Error
		if createErr != nil && !isUniqueViolation(createErr) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, createErr)
		}
		if createErr != nil {
			// Lost the create race; the row exists now, lock it.
			err = store.db.WithContext(ctx).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("account_id = ?", accountID).
				Take(&model).Error
			if err != nil {
				return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
			}
		}
	} else if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return mapAccount(model), nil
}

// FindAccount fetches an account without creating or locking it.
func (store *Store) FindAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

// UpdateAccountBalance writes the cached balance for an account.
func (store *Store) UpdateAccountBalance(ctx context.Context, accountID string, balance ledger.CreditAmount) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Update("balance_credits", balance.Int64())
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

// InsertEntry appends one ledger entry. Unique-constraint violations on
// (kind, external_ref) or (account_id, kind, cycle_key) surface as
// ErrDuplicateEntry.
func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	model := LedgerEntry{
		EntryID:       entry.EntryID,
		AccountID:     entry.AccountID,
		Kind:          entry.Kind.String(),
		AmountCredits: entry.AmountCredits.Int64(),
		ExternalRef:   optionalString(entry.ExternalRef),
		CycleKey:      optionalString(entry.CycleKey),
		ReservationID: optionalString(entry.ReservationID),
		Metadata:      datatypesJSON(entry.MetadataJSON),
		CreatedAt:     time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, ledger.ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// SumEntries recomputes the account balance from the full entry log.
func (store *Store) SumEntries(ctx context.Context, accountID string) (ledger.CreditAmount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount_credits),0) as total").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return ledger.CreditAmount(sum.Total), nil
}

// ListEntries returns the account's entries newest-first before a cutoff.
func (store *Store) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapLedgerEntry(row))
	}
	return entries, nil
}

// ListEntriesByKind returns entries of one kind inside [from, to), oldest
// first, for reconciliation and analytics scans.
func (store *Store) ListEntriesByKind(ctx context.Context, kind ledger.EntryKind, fromUnixUTC int64, toUnixUTC int64) ([]ledger.Entry, error) {
	from := time.Unix(fromUnixUTC, 0).UTC()
	to := time.Unix(toUnixUTC, 0).UTC()
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("kind = ? AND created_at >= ? AND created_at < ?", kind.String(), from, to).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapLedgerEntry(row))
	}
	return entries, nil
}

// CreateReservation inserts a new reservation row.
func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	model := Reservation{
		ReservationID: reservation.ReservationID,
		AccountID:     reservation.AccountID,
		AmountCredits: reservation.AmountCredits.Int64(),
		Status:        reservation.Status.String(),
		Metadata:      datatypesJSON(reservation.MetadataJSON),
		CreatedAt:     time.Unix(reservation.CreatedUnixUTC, 0).UTC(),
		ExpiresAt:     time.Unix(reservation.ExpiresAtUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReserve, errorCodeCreate, ledger.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReserve, errorCodeCreate, err)
	}
	return nil
}

// GetReservation fetches a reservation FOR UPDATE.
func (store *Store) GetReservation(ctx context.Context, reservationID string) (ledger.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reservation_id = ?", reservationID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReserve, errorCodeGet, ledger.ErrReservationNotFound)
	}
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReserve, errorCodeGet, err)
	}
	status, err := ledger.ParseReservationStatus(model.Status)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReserve, errorCodeGet, err)
	}
	return ledger.Reservation{
		ReservationID:    model.ReservationID,
		AccountID:        model.AccountID,
		AmountCredits:    ledger.CreditAmount(model.AmountCredits),
		Status:           status,
		MetadataJSON:     string(model.Metadata),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
		ExpiresAtUnixUTC: model.ExpiresAt.Unix(),
	}, nil
}

// UpdateReservationStatus performs the compare-and-set transition. Zero rows
// affected means another resolver won the race.
func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from, to ledger.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectReserve, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReserve, errorCodeUpdate, ledger.ErrReservationAlreadyResolved)
	}
	return nil
}

// SumActiveReservations totals unexpired active holds for an account.
func (store *Store) SumActiveReservations(ctx context.Context, accountID string, atUnixUTC int64) (ledger.CreditAmount, error) {
	at := time.Unix(atUnixUTC, 0).UTC()
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Select("coalesce(sum(amount_credits),0) as total").
		Where("account_id = ? AND status = ? AND expires_at > ?", accountID, ledger.ReservationStatusActive.String(), at).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return ledger.CreditAmount(sum.Total), nil
}

// ListExpiredReservations returns overdue active reservations for the sweep.
func (store *Store) ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]ledger.Reservation, error) {
	at := time.Unix(atUnixUTC, 0).UTC()
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", ledger.ReservationStatusActive.String(), at).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReserve, errorCodeList, err)
	}
	reservations := make([]ledger.Reservation, 0, len(rows))
	for _, row := range rows {
		status, statusErr := ledger.ParseReservationStatus(row.Status)
		if statusErr != nil {
			return nil, wrapStoreError(errorSubjectReserve, errorCodeList, statusErr)
		}
		reservations = append(reservations, ledger.Reservation{
			ReservationID:    row.ReservationID,
			AccountID:        row.AccountID,
			AmountCredits:    ledger.CreditAmount(row.AmountCredits),
			Status:           status,
			MetadataJSON:     string(row.Metadata),
			CreatedUnixUTC:   row.CreatedAt.Unix(),
			ExpiresAtUnixUTC: row.ExpiresAt.Unix(),
		})
	}
	return reservations, nil
}

// InsertEventRecord claims an external event id. A replay hits the primary
// key and surfaces as ErrDuplicateEvent.
func (store *Store) InsertEventRecord(ctx context.Context, externalEventID string, receivedUnixUTC int64) error {
	model := WebhookEvent{
		ExternalEventID: externalEventID,
		ReceivedAt:      time.Unix(receivedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, ledger.ErrDuplicateEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

// MarkEventProcessed stamps the event once its ledger effects committed.
func (store *Store) MarkEventProcessed(ctx context.Context, externalEventID string, processedUnixUTC int64) error {
	processedAt := time.Unix(processedUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("external_event_id = ?", externalEventID).
		Update("processed_at", &processedAt)
	if result.Error != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeMark, result.Error)
	}
	return nil
}

// ListActivePlans returns every plan the grant scheduler should consider.
func (store *Store) ListActivePlans(ctx context.Context) ([]subscription.Plan, error) {
	var rows []SubscriptionPlan
	err := store.db.WithContext(ctx).Where("active = ?", true).Order("plan_id ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPlan, errorCodeList, err)
	}
	plans := make([]subscription.Plan, 0, len(rows))
	for _, row := range rows {
		interval, intervalErr := subscription.ParseInterval(row.Interval)
		if intervalErr != nil {
			return nil, wrapStoreError(errorSubjectPlan, errorCodeList, intervalErr)
		}
		plans = append(plans, subscription.Plan{
			PlanID:          row.PlanID,
			AccountID:       row.AccountID,
			CreditsPerCycle: ledger.CreditAmount(row.CreditsPerCycle),
			Interval:        interval,
			AnchorUnixUTC:   row.AnchorAt.Unix(),
			Active:          row.Active,
		})
	}
	return plans, nil
}

// SavePlan inserts or replaces a subscription plan.
func (store *Store) SavePlan(ctx context.Context, plan subscription.Plan) error {
	model := SubscriptionPlan{
		PlanID:          plan.PlanID,
		AccountID:       plan.AccountID,
		CreditsPerCycle: plan.CreditsPerCycle.Int64(),
		Interval:        plan.Interval.String(),
		AnchorAt:        time.Unix(plan.AnchorUnixUTC, 0).UTC(),
		Active:          plan.Active,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "plan_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"account_id", "credits_per_cycle", "interval", "anchor_at", "active"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectPlan, errorCodeCreate, err)
	}
	return nil
}

func mapAccount(model Account) ledger.Account {
	return ledger.Account{
		AccountID:      model.AccountID,
		BalanceCredits: ledger.CreditAmount(model.BalanceCredits),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
}

func mapLedgerEntry(row LedgerEntry) ledger.Entry {
	return ledger.Entry{
		EntryID:        row.EntryID,
		AccountID:      row.AccountID,
		Kind:           ledger.EntryKind(row.Kind),
		AmountCredits:  ledger.CreditAmount(row.AmountCredits),
		ExternalRef:    stringOrEmpty(row.ExternalRef),
		CycleKey:       stringOrEmpty(row.CycleKey),
		ReservationID:  stringOrEmpty(row.ReservationID),
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
