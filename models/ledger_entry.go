package models

import (
	"time"

	"gorm.io/datatypes"
)

// Currency is a balance the ledger tracks.
type Currency string

const (
	CurrencyXP    Currency = "xp"
	CurrencyCoins Currency = "coins"
)

func (c Currency) Valid() bool {
	return c == CurrencyXP || c == CurrencyCoins
}

// Ledger sources
const (
	LedgerSourceActivityCompletion = "activity_completion"
	LedgerSourceAdminAdjustment    = "admin_adjustment"
)

// LedgerEntry is one immutable balance movement. (StudentID, Currency,
// IdempotencyKey) is unique when the key is set; NULL keys never collide. One
// attempt id keys both its xp and its coin entry.
type LedgerEntry struct {
	ID               string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	StudentID        string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_ledger_student_currency_key,priority:1;index:idx_ledger_student_created,priority:1" json:"student_id"`
	Currency         Currency       `gorm:"type:varchar(16);not null;uniqueIndex:idx_ledger_student_currency_key,priority:2" json:"currency"`
	Amount           int64          `gorm:"not null" json:"amount"`
	Source           string         `gorm:"type:varchar(64);not null" json:"source"`
	IdempotencyKey   *string        `gorm:"type:varchar(128);uniqueIndex:idx_ledger_student_currency_key,priority:3" json:"idempotency_key,omitempty"`
	RelatedAttemptID *string        `gorm:"type:varchar(64);index" json:"related_attempt_id,omitempty"`
	Meta             datatypes.JSON `json:"meta,omitempty"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_ledger_student_created,priority:2" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}
