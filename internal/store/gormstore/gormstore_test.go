package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quizforge/billing/internal/ledger"
	"github.com/quizforge/billing/internal/subscription"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "billing.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	// sqlite allows one writer at a time; a single pooled connection makes
	// racing transactions queue instead of failing with busy errors.
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	store := New(db)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func TestLockAccountCreatesOnFirstSight(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		account, err := txStore.LockAccount(ctx, "acct-new")
		if err != nil {
			return err
		}
		if account.AccountID != "acct-new" {
			test.Fatalf("unexpected account id %q", account.AccountID)
		}
		if account.BalanceCredits != 0 {
			test.Fatalf("expected zero balance, got %d", account.BalanceCredits)
		}
		return nil
	})
	if err != nil {
		test.Fatalf("lock account: %v", err)
	}

	account, err := store.FindAccount(ctx, "acct-new")
	if err != nil {
		test.Fatalf("find account: %v", err)
	}
	if account.AccountID != "acct-new" {
		test.Fatalf("unexpected account id %q", account.AccountID)
	}
}

func TestFindAccountUnknown(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	_, err := store.FindAccount(context.Background(), "acct-missing")
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestInsertEntryDuplicateExternalRef(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	mustAccount(test, store, "acct-1")
	now := time.Now().UTC().Unix()

	entry := ledger.Entry{
		EntryID:        "entry-1",
		AccountID:      "acct-1",
		Kind:           ledger.EntryPurchase,
		AmountCredits:  100,
		ExternalRef:    "order-1",
		MetadataJSON:   "{}",
		CreatedUnixUTC: now,
	}
	if err := store.InsertEntry(ctx, entry); err != nil {
		test.Fatalf("insert: %v", err)
	}

	replay := entry
	replay.EntryID = "entry-2"
	err := store.InsertEntry(ctx, replay)
	if !errors.Is(err, ledger.ErrDuplicateEntry) {
		test.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}

	// Same ref under a different kind is a distinct fact.
	refund := entry
	refund.EntryID = "entry-3"
	refund.Kind = ledger.EntryRefund
	refund.AmountCredits = -100
	if err := store.InsertEntry(ctx, refund); err != nil {
		test.Fatalf("insert refund: %v", err)
	}
}

func TestInsertEntryDuplicateCycleKey(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	mustAccount(test, store, "acct-1")
	now := time.Now().UTC().Unix()

	grant := ledger.Entry{
		EntryID:        "grant-1",
		AccountID:      "acct-1",
		Kind:           ledger.EntrySubscriptionGrant,
		AmountCredits:  500,
		CycleKey:       "2026-08",
		MetadataJSON:   "{}",
		CreatedUnixUTC: now,
	}
	if err := store.InsertEntry(ctx, grant); err != nil {
		test.Fatalf("insert grant: %v", err)
	}
	replay := grant
	replay.EntryID = "grant-2"
	err := store.InsertEntry(ctx, replay)
	if !errors.Is(err, ledger.ErrDuplicateEntry) {
		test.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}
	nextCycle := grant
	nextCycle.EntryID = "grant-3"
	nextCycle.CycleKey = "2026-09"
	if err := store.InsertEntry(ctx, nextCycle); err != nil {
		test.Fatalf("insert next cycle: %v", err)
	}
}

func TestSumEntriesMatchesInserts(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	mustAccount(test, store, "acct-1")
	now := time.Now().UTC().Unix()

	amounts := []int64{100, -40, 60, -25}
	kinds := []ledger.EntryKind{ledger.EntryPurchase, ledger.EntryUsage, ledger.EntrySubscriptionGrant, ledger.EntryRefund}
	for index, amount := range amounts {
		entry := ledger.Entry{
			EntryID:        "entry-" + string(rune('a'+index)),
			AccountID:      "acct-1",
			Kind:           kinds[index],
			AmountCredits:  ledger.CreditAmount(amount),
			MetadataJSON:   "{}",
			CreatedUnixUTC: now + int64(index),
		}
		if err := store.InsertEntry(ctx, entry); err != nil {
			test.Fatalf("insert %d: %v", index, err)
		}
	}

	sum, err := store.SumEntries(ctx, "acct-1")
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if sum != 95 {
		test.Fatalf("expected sum 95, got %d", sum)
	}
}

func TestListEntriesNewestFirst(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	mustAccount(test, store, "acct-1")
	base := time.Now().UTC().Unix() - 100

	for index := 0; index < 3; index++ {
		entry := ledger.Entry{
			EntryID:        "list-" + string(rune('a'+index)),
			AccountID:      "acct-1",
			Kind:           ledger.EntryPurchase,
			AmountCredits:  10,
			ExternalRef:    "list-ref-" + string(rune('a'+index)),
			MetadataJSON:   "{}",
			CreatedUnixUTC: base + int64(index*10),
		}
		if err := store.InsertEntry(ctx, entry); err != nil {
			test.Fatalf("insert %d: %v", index, err)
		}
	}

	entries, err := store.ListEntries(ctx, "acct-1", 0, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		test.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].EntryID != "list-c" || entries[2].EntryID != "list-a" {
		test.Fatalf("expected newest first, got %s .. %s", entries[0].EntryID, entries[2].EntryID)
	}

	before, err := store.ListEntries(ctx, "acct-1", base+15, 10)
	if err != nil {
		test.Fatalf("list before: %v", err)
	}
	if len(before) != 2 {
		test.Fatalf("expected 2 entries before cutoff, got %d", len(before))
	}
}

func TestReservationLifecycle(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	now := time.Now().UTC().Unix()

	reservation := ledger.Reservation{
		ReservationID:    "res-1",
		AccountID:        "acct-1",
		AmountCredits:    40,
		Status:           ledger.ReservationStatusActive,
		MetadataJSON:     "{}",
		CreatedUnixUTC:   now,
		ExpiresAtUnixUTC: now + 300,
	}
	if err := store.CreateReservation(ctx, reservation); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := store.CreateReservation(ctx, reservation); !errors.Is(err, ledger.ErrReservationExists) {
		test.Fatalf("expected ErrReservationExists, got %v", err)
	}

	holds, err := store.SumActiveReservations(ctx, "acct-1", now)
	if err != nil {
		test.Fatalf("sum holds: %v", err)
	}
	if holds != 40 {
		test.Fatalf("expected holds 40, got %d", holds)
	}

	if err := store.UpdateReservationStatus(ctx, "res-1", ledger.ReservationStatusActive, ledger.ReservationStatusCommitted); err != nil {
		test.Fatalf("transition: %v", err)
	}
	err = store.UpdateReservationStatus(ctx, "res-1", ledger.ReservationStatusActive, ledger.ReservationStatusReleased)
	if !errors.Is(err, ledger.ErrReservationAlreadyResolved) {
		test.Fatalf("expected ErrReservationAlreadyResolved, got %v", err)
	}

	fetched, err := store.GetReservation(ctx, "res-1")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if fetched.Status != ledger.ReservationStatusCommitted {
		test.Fatalf("expected committed, got %s", fetched.Status)
	}
}

func TestListExpiredReservations(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	now := time.Now().UTC().Unix()

	overdue := ledger.Reservation{
		ReservationID:    "res-overdue",
		AccountID:        "acct-1",
		AmountCredits:    10,
		Status:           ledger.ReservationStatusActive,
		MetadataJSON:     "{}",
		CreatedUnixUTC:   now - 600,
		ExpiresAtUnixUTC: now - 300,
	}
	live := overdue
	live.ReservationID = "res-live"
	live.ExpiresAtUnixUTC = now + 300
	for _, reservation := range []ledger.Reservation{overdue, live} {
		if err := store.CreateReservation(ctx, reservation); err != nil {
			test.Fatalf("create %s: %v", reservation.ReservationID, err)
		}
	}

	expired, err := store.ListExpiredReservations(ctx, now, 10)
	if err != nil {
		test.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ReservationID != "res-overdue" {
		test.Fatalf("expected only res-overdue, got %+v", expired)
	}
}

func TestInsertEventRecordReplay(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	now := time.Now().UTC().Unix()

	if err := store.InsertEventRecord(ctx, "evt-1", now); err != nil {
		test.Fatalf("insert: %v", err)
	}
	err := store.InsertEventRecord(ctx, "evt-1", now)
	if !errors.Is(err, ledger.ErrDuplicateEvent) {
		test.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	if err := store.MarkEventProcessed(ctx, "evt-1", now+1); err != nil {
		test.Fatalf("mark processed: %v", err)
	}
}

func TestPlanUpsertAndListing(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	anchor := time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC).Unix()

	plan := subscription.Plan{
		PlanID:          "plan-1",
		AccountID:       "acct-1",
		CreditsPerCycle: 500,
		Interval:        subscription.IntervalMonthly,
		AnchorUnixUTC:   anchor,
		Active:          true,
	}
	if err := store.SavePlan(ctx, plan); err != nil {
		test.Fatalf("save: %v", err)
	}

	plan.CreditsPerCycle = 750
	if err := store.SavePlan(ctx, plan); err != nil {
		test.Fatalf("upsert: %v", err)
	}

	inactive := plan
	inactive.PlanID = "plan-2"
	inactive.Active = false
	if err := store.SavePlan(ctx, inactive); err != nil {
		test.Fatalf("save inactive: %v", err)
	}

	plans, err := store.ListActivePlans(ctx)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(plans) != 1 {
		test.Fatalf("expected 1 active plan, got %d", len(plans))
	}
	if plans[0].CreditsPerCycle != 750 {
		test.Fatalf("expected upserted credits 750, got %d", plans[0].CreditsPerCycle)
	}

	plan.Active = false
	if err := store.SavePlan(ctx, plan); err != nil {
		test.Fatalf("deactivate: %v", err)
	}
	plans, err = store.ListActivePlans(ctx)
	if err != nil {
		test.Fatalf("list after deactivate: %v", err)
	}
	if len(plans) != 0 {
		test.Fatalf("expected no active plans after deactivation, got %d", len(plans))
	}
}

func TestTransactionRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	sentinel := errors.New("abort")

	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		if _, err := txStore.LockAccount(ctx, "acct-rollback"); err != nil {
			return err
		}
		if err := txStore.UpdateAccountBalance(ctx, "acct-rollback", 100); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		test.Fatalf("expected sentinel, got %v", err)
	}

	account, err := store.FindAccount(ctx, "acct-rollback")
	if err == nil && account.BalanceCredits != 0 {
		test.Fatalf("expected balance rolled back, got %d", account.BalanceCredits)
	}
}

func mustAccount(test *testing.T, store *Store, accountID string) {
	test.Helper()
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		_, err := txStore.LockAccount(ctx, accountID)
		return err
	})
	if err != nil {
		test.Fatalf("ensure account %s: %v", accountID, err)
	}
}
