package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"quest-progress-service/models"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

// adjustmentKeyPrefix keeps admin keys out of the attempt id keyspace.
const adjustmentKeyPrefix = "adjust:"

// AdjustmentRequest is a manual correction of a student's balance.
type AdjustmentRequest struct {
	StudentID      string
	Currency       models.Currency
	Amount         int64
	IdempotencyKey string
	Reason         string
	Actor          string
}

type AdjustmentResult struct {
	Entry    *models.LedgerEntry `json:"entry"`
	Progress *Progress           `json:"progress"`
	Replayed bool                `json:"replayed"`
}

// AdjustmentService applies compensating ledger entries together with the
// matching student state change.
type AdjustmentService struct {
	DB     *gorm.DB
	Ledger *LedgerService
	Clock  clockwork.Clock
}

func NewAdjustmentService(db *gorm.DB, ledger *LedgerService, clock clockwork.Clock) *AdjustmentService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AdjustmentService{DB: db, Ledger: ledger, Clock: clock}
}

func (s *AdjustmentService) Adjust(ctx context.Context, req AdjustmentRequest) (*AdjustmentResult, error) {
	if req.StudentID == "" {
		return nil, fmt.Errorf("adjust: missing student: %w", ErrInvalidInput)
	}
	if !req.Currency.Valid() {
		return nil, fmt.Errorf("adjust: currency %q: %w", req.Currency, ErrInvalidInput)
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("adjust: zero amount: %w", ErrInvalidInput)
	}
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("adjust: missing idempotency key: %w", ErrInvalidInput)
	}

	var (
		result *AdjustmentResult
		err    error
	)
	for try := 0; try < 3; try++ {
		result, err = s.adjustOnce(ctx, req)
		if !errors.Is(err, errStudentVersionConflict) {
			break
		}
	}
	if err != nil {
		return nil, classifyStorageError("adjust", err)
	}
	if !result.Replayed {
		log.Printf("[ADJUST] %s %+d %s by %s: %s", req.StudentID, req.Amount, req.Currency, req.Actor, req.Reason)
	}
	return result, nil
}

func (s *AdjustmentService) adjustOnce(ctx context.Context, req AdjustmentRequest) (*AdjustmentResult, error) {
	key := adjustmentKeyPrefix + req.IdempotencyKey
	var result *AdjustmentResult

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		student, err := lockStudent(tx, req.StudentID)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				return fmt.Errorf("student %s: %w", req.StudentID, ErrNotFound)
			}
			return err
		}

		existing, err := findAdjustment(tx, student.ID, key)
		if err != nil {
			return err
		}
		if existing != nil {
			result = &AdjustmentResult{Entry: existing, Progress: progressOf(student), Replayed: true}
			return nil
		}

		level, xpInLevel, coins := student.Level, student.XPInLevel, student.Coins
		switch req.Currency {
		case models.CurrencyXP:
			total := CumulativeXP(level, xpInLevel) + req.Amount
			if total < 0 {
				return fmt.Errorf("xp would drop to %d: %w", total, ErrInsufficientBalance)
			}
			level, xpInLevel = FromCumulativeXP(total)
		case models.CurrencyCoins:
			coins += req.Amount
			if coins < 0 {
				return fmt.Errorf("coins would drop to %d: %w", coins, ErrInsufficientBalance)
			}
		}

		entry, err := s.Ledger.Append(ctx, tx, LedgerAppend{
			StudentID:      student.ID,
			Currency:       req.Currency,
			Amount:         req.Amount,
			Source:         models.LedgerSourceAdminAdjustment,
			IdempotencyKey: &key,
			Meta: map[string]interface{}{
				"reason": req.Reason,
				"actor":  req.Actor,
			},
			CreatedAt: s.Clock.Now().UTC(),
		})
		if errors.Is(err, ErrConflict) {
			// a concurrent delivery of the same key committed first
			existing, ferr := findAdjustment(tx, student.ID, key)
			if ferr != nil {
				return ferr
			}
			if existing == nil {
				return err
			}
			result = &AdjustmentResult{Entry: existing, Progress: progressOf(student), Replayed: true}
			return nil
		}
		if err != nil {
			return err
		}

		res := tx.Model(&models.Student{}).
			Where("id = ? AND version = ?", student.ID, student.Version).
			Updates(map[string]interface{}{
				"level":       level,
				"xp_in_level": xpInLevel,
				"coins":       coins,
				"version":     student.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStudentVersionConflict
		}

		student.Level, student.XPInLevel, student.Coins = level, xpInLevel, coins
		result = &AdjustmentResult{Entry: entry, Progress: progressOf(student)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func findAdjustment(tx *gorm.DB, studentID, key string) (*models.LedgerEntry, error) {
	var existing models.LedgerEntry
	err := tx.Where("student_id = ? AND idempotency_key = ?", studentID, key).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}
