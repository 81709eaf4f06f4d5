package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. BalanceCredits is the cached sum of
// the account's ledger entries, maintained transactionally with every append.
type Account struct {
	AccountID      string    `gorm:"primaryKey"`
	BalanceCredits int64     `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID       string         `gorm:"type:uuid;primaryKey"`
	AccountID     string         `gorm:"not null;index:idx_entries_account_created,priority:1;index:uniq_entries_cycle,unique,priority:1"`
	Kind          string         `gorm:"not null;index:uniq_entries_external_ref,unique,priority:1;index:uniq_entries_cycle,unique,priority:2"`
	AmountCredits int64          `gorm:"not null"`
	ExternalRef   *string        `gorm:"index:uniq_entries_external_ref,unique,priority:2"`
	CycleKey      *string        `gorm:"index:uniq_entries_cycle,unique,priority:3"`
	ReservationID *string        `gorm:"index"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_entries_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table.
type Reservation struct {
	ReservationID string         `gorm:"type:uuid;primaryKey"`
	AccountID     string         `gorm:"not null;index:idx_reservations_account_status,priority:1"`
	AmountCredits int64          `gorm:"not null"`
	Status        string         `gorm:"not null;index:idx_reservations_account_status,priority:2;index:idx_reservations_status_expires,priority:1"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null"`
	ExpiresAt     time.Time      `gorm:"not null;index:idx_reservations_status_expires,priority:2"`
	UpdatedAt     time.Time      `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

// WebhookEvent records which external event ids have been applied.
type WebhookEvent struct {
	ExternalEventID string     `gorm:"primaryKey"`
	ReceivedAt      time.Time  `gorm:"not null"`
	ProcessedAt     *time.Time `gorm:""`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// SubscriptionPlan mirrors the subscription_plans table.
type SubscriptionPlan struct {
	PlanID          string    `gorm:"primaryKey"`
	AccountID       string    `gorm:"not null;index"`
	CreditsPerCycle int64     `gorm:"not null"`
	Interval        string    `gorm:"not null"`
	AnchorAt        time.Time `gorm:"not null"`
	Active          bool      `gorm:"not null;index"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (SubscriptionPlan) TableName() string { return "subscription_plans" }

// Models lists every table for schema migration.
func Models() []any {
	return []any{&Account{}, &LedgerEntry{}, &Reservation{}, &WebhookEvent{}, &SubscriptionPlan{}}
}
