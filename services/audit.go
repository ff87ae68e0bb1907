package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"quest-progress-service/models"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

// ReportUploader stores an audit report somewhere durable (R2 in production).
type ReportUploader interface {
	PutJSON(ctx context.Context, key string, v interface{}) error
}

// Discrepancy is one student whose stored balances disagree with the ledger.
type Discrepancy struct {
	StudentID     string `json:"student_id"`
	StoredXP      int64  `json:"stored_xp"`
	LedgerXP      int64  `json:"ledger_xp"`
	StoredCoins   int64  `json:"stored_coins"`
	LedgerCoins   int64  `json:"ledger_coins"`
	Level         int    `json:"level"`
	XPInLevel     int64  `json:"xp_in_level"`
	NeedsRenormal bool   `json:"needs_renormalize"`
}

// AuditReport summarizes one reconciliation run.
type AuditReport struct {
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	StudentsChecked int           `json:"students_checked"`
	Discrepancies   []Discrepancy `json:"discrepancies"`
	ReportKey       string        `json:"report_key,omitempty"`
}

// AuditService reconciles student state against the reward ledger.
type AuditService struct {
	DB        *gorm.DB
	Uploader  ReportUploader // optional
	Clock     clockwork.Clock
	BatchSize int
}

func NewAuditService(db *gorm.DB, uploader ReportUploader, clock clockwork.Clock) *AuditService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AuditService{DB: db, Uploader: uploader, Clock: clock, BatchSize: 500}
}

type ledgerSums struct {
	StudentID string
	Currency  models.Currency
	Total     int64
}

// Run checks every student. sum(xp entries) must equal the cumulative XP of
// (level, xpInLevel) and sum(coin entries) must equal coins.
func (s *AuditService) Run(ctx context.Context) (*AuditReport, error) {
	report := &AuditReport{StartedAt: s.Clock.Now().UTC(), Discrepancies: []Discrepancy{}}
	size := s.BatchSize
	if size <= 0 {
		size = 500
	}

	var students []models.Student
	res := s.DB.WithContext(ctx).FindInBatches(&students, size, func(tx *gorm.DB, batch int) error {
		ids := make([]string, len(students))
		for i, st := range students {
			ids[i] = st.ID
		}

		var sums []ledgerSums
		if err := s.DB.WithContext(ctx).
			Model(&models.LedgerEntry{}).
			Select("student_id, currency, COALESCE(SUM(amount), 0) AS total").
			Where("student_id IN ?", ids).
			Group("student_id, currency").
			Scan(&sums).Error; err != nil {
			return err
		}
		byStudent := make(map[string]map[models.Currency]int64, len(ids))
		for _, sum := range sums {
			if byStudent[sum.StudentID] == nil {
				byStudent[sum.StudentID] = map[models.Currency]int64{}
			}
			byStudent[sum.StudentID][sum.Currency] = sum.Total
		}

		for _, st := range students {
			stored := CumulativeXP(st.Level, st.XPInLevel)
			ledgerXP := byStudent[st.ID][models.CurrencyXP]
			ledgerCoins := byStudent[st.ID][models.CurrencyCoins]
			renorm := NeedsRenormalize(st.Level, st.XPInLevel)
			if stored != ledgerXP || st.Coins != ledgerCoins || renorm {
				report.Discrepancies = append(report.Discrepancies, Discrepancy{
					StudentID:     st.ID,
					StoredXP:      stored,
					LedgerXP:      ledgerXP,
					StoredCoins:   st.Coins,
					LedgerCoins:   ledgerCoins,
					Level:         st.Level,
					XPInLevel:     st.XPInLevel,
					NeedsRenormal: renorm,
				})
			}
		}
		report.StudentsChecked += len(students)
		return nil
	})
	if res.Error != nil {
		return nil, classifyStorageError("audit", res.Error)
	}
	report.FinishedAt = s.Clock.Now().UTC()

	log.Printf("[AUDIT] checked %d students, %d discrepancies", report.StudentsChecked, len(report.Discrepancies))
	for _, d := range report.Discrepancies {
		log.Printf("[AUDIT] student=%s xp stored=%d ledger=%d coins stored=%d ledger=%d",
			d.StudentID, d.StoredXP, d.LedgerXP, d.StoredCoins, d.LedgerCoins)
	}

	if s.Uploader != nil {
		key := fmt.Sprintf("audits/%s.json", report.StartedAt.Format("20060102T150405Z"))
		if err := s.Uploader.PutJSON(ctx, key, report); err != nil {
			log.Printf("[AUDIT] report upload failed: %v", err)
		} else {
			report.ReportKey = key
		}
	}
	return report, nil
}
