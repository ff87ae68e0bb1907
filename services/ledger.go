package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"quest-progress-service/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerAppend describes one balance movement to record.
type LedgerAppend struct {
	StudentID        string
	Currency         models.Currency
	Amount           int64
	Source           string
	IdempotencyKey   *string
	RelatedAttemptID *string
	Meta             map[string]interface{}
	CreatedAt        time.Time
}

// LedgerService is the append-only reward ledger. Entries are never updated
// or deleted; corrections are new entries with a distinct idempotency key.
type LedgerService struct {
	DB *gorm.DB
}

func NewLedgerService(db *gorm.DB) *LedgerService {
	return &LedgerService{DB: db}
}

// Append records an entry inside tx. A second entry with the same
// (student, currency, idempotency key) is dropped by the unique index and reported as
// ErrConflict; nothing is written in that case.
func (s *LedgerService) Append(ctx context.Context, tx *gorm.DB, in LedgerAppend) (*models.LedgerEntry, error) {
	if in.StudentID == "" {
		return nil, fmt.Errorf("ledger append: missing student: %w", ErrInvalidInput)
	}
	if !in.Currency.Valid() {
		return nil, fmt.Errorf("ledger append: currency %q: %w", in.Currency, ErrInvalidInput)
	}
	if in.Amount == 0 {
		return nil, fmt.Errorf("ledger append: zero amount: %w", ErrInvalidInput)
	}
	if in.IdempotencyKey != nil && *in.IdempotencyKey == "" {
		in.IdempotencyKey = nil
	}
	if tx == nil {
		tx = s.DB
	}

	entry := &models.LedgerEntry{
		ID:               uuid.NewString(),
		StudentID:        in.StudentID,
		Currency:         in.Currency,
		Amount:           in.Amount,
		Source:           in.Source,
		IdempotencyKey:   in.IdempotencyKey,
		RelatedAttemptID: in.RelatedAttemptID,
		CreatedAt:        in.CreatedAt,
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if len(in.Meta) > 0 {
		raw, err := json.Marshal(in.Meta)
		if err != nil {
			return nil, fmt.Errorf("ledger append: encode meta: %w", ErrInvalidInput)
		}
		entry.Meta = datatypes.JSON(raw)
	}

	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		log.Printf("[LEDGER] duplicate entry dropped: student=%s key=%s currency=%s",
			in.StudentID, derefString(in.IdempotencyKey), in.Currency)
		return nil, ErrConflict
	}

	log.Printf("[LEDGER] %s %+d %s (source=%s, key=%s)",
		entry.StudentID, entry.Amount, entry.Currency, entry.Source, derefString(entry.IdempotencyKey))
	return entry, nil
}

// Balance sums every entry of one currency for a student.
func (s *LedgerService) Balance(ctx context.Context, studentID string, currency models.Currency) (int64, error) {
	var total int64
	err := s.DB.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("student_id = ? AND currency = ?", studentID, currency).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, classifyStorageError("ledger balance", err)
	}
	return total, nil
}

// Balances returns the per-currency totals for a student.
func (s *LedgerService) Balances(ctx context.Context, studentID string) (map[models.Currency]int64, error) {
	var rows []struct {
		Currency models.Currency
		Total    int64
	}
	err := s.DB.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Select("currency, COALESCE(SUM(amount), 0) AS total").
		Where("student_id = ?", studentID).
		Group("currency").
		Scan(&rows).Error
	if err != nil {
		return nil, classifyStorageError("ledger balances", err)
	}

	balances := map[models.Currency]int64{
		models.CurrencyXP:    0,
		models.CurrencyCoins: 0,
	}
	for _, r := range rows {
		balances[r.Currency] = r.Total
	}
	return balances, nil
}

const (
	defaultHistorySize = 20
	maxHistorySize     = 100
)

// HistoryPage is one page of ledger entries with the paging actually applied.
type HistoryPage struct {
	Entries []models.LedgerEntry
	Total   int64
	Page    int
	Size    int
}

// History returns a page of entries, newest first. A page below 1 becomes 1,
// a missing size becomes 20 and sizes above 100 are clamped to 100.
func (s *LedgerService) History(ctx context.Context, studentID string, page, size int) (*HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	switch {
	case size < 1:
		size = defaultHistorySize
	case size > maxHistorySize:
		size = maxHistorySize
	}

	var total int64
	if err := s.DB.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("student_id = ?", studentID).
		Count(&total).Error; err != nil {
		return nil, classifyStorageError("ledger count", err)
	}

	var entries []models.LedgerEntry
	if err := s.DB.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("created_at DESC").
		Limit(size).Offset((page - 1) * size).
		Find(&entries).Error; err != nil {
		return nil, classifyStorageError("ledger history", err)
	}
	return &HistoryPage{Entries: entries, Total: total, Page: page, Size: size}, nil
}

// Since returns entries created strictly after the cursor, oldest first.
func (s *LedgerService) Since(ctx context.Context, studentID string, after time.Time) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := s.DB.WithContext(ctx).
		Where("student_id = ? AND created_at > ?", studentID, after).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, classifyStorageError("ledger since", err)
	}
	return entries, nil
}

// Latest returns the newest entry's timestamp, zero when the ledger is empty.
func (s *LedgerService) Latest(ctx context.Context, studentID string) (time.Time, error) {
	var latest models.LedgerEntry
	err := s.DB.WithContext(ctx).
		Where("student_id = ?", studentID).
		Order("created_at DESC").
		First(&latest).Error
	if err == gorm.ErrRecordNotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, classifyStorageError("ledger latest", err)
	}
	return latest.CreatedAt, nil
}

func derefString(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
