package models

import "time"

// AttemptRecord is written once per completion submission, including repeat
// submissions that earn nothing. Rows are never updated.
type AttemptRecord struct {
	ID         string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	StudentID  string `gorm:"type:varchar(64);not null;index:idx_attempt_student_activity,priority:1" json:"student_id"`
	ActivityID string `gorm:"type:varchar(64);not null;index:idx_attempt_student_activity,priority:2" json:"activity_id"`
	SubjectID  string `gorm:"type:varchar(64);not null;index" json:"subject_id"`

	Score        float64 `gorm:"not null;default:0" json:"score"` // 0..1
	XPAwarded    int64   `gorm:"column:xp_awarded;not null;default:0" json:"xp_awarded"`
	CoinsAwarded int64   `gorm:"not null;default:0" json:"coins_awarded"`
	CorrectCount int     `gorm:"not null;default:0" json:"correct_count"`
	TotalCount   int     `gorm:"not null;default:0" json:"total_count"`
	DurationSec  int     `gorm:"not null;default:0" json:"duration_sec"`

	FirstCompletion bool `gorm:"not null;default:false" json:"first_completion"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	CreatedAt time.Time  `gorm:"not null;index:idx_attempt_student_activity,priority:3" json:"created_at"`
}

func (AttemptRecord) TableName() string {
	return "attempt_records"
}

// ActivityCompletion claims the first-completion reward for a student and
// activity. The composite primary key makes the claim race-safe: a concurrent
// second insert is dropped by ON CONFLICT DO NOTHING.
type ActivityCompletion struct {
	StudentID  string    `gorm:"primaryKey;type:varchar(64)" json:"student_id"`
	ActivityID string    `gorm:"primaryKey;type:varchar(64)" json:"activity_id"`
	AttemptID  string    `gorm:"type:varchar(64);not null" json:"attempt_id"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}
