package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"quest-progress-service/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Progress is the read model behind the student's progress bar.
type Progress struct {
	StudentID           string `json:"student_id"`
	Level               int    `json:"level"`
	XPInLevel           int64  `json:"xp_in_level"`
	XPForLevel          int64  `json:"xp_for_level"`
	CumulativeXP        int64  `json:"cumulative_xp"`
	Coins               int64  `json:"coins"`
	ActivitiesCompleted int64  `json:"activities_completed"`
	Streak              Streak `json:"streak"`
}

type ProgressService struct {
	DB *gorm.DB
}

func NewProgressService(db *gorm.DB) *ProgressService {
	return &ProgressService{DB: db}
}

// GetProgress returns the student's current level state. A stored state that
// drifted past its threshold is reported normalized; the row is fixed by the
// next rewarded completion.
func (s *ProgressService) GetProgress(ctx context.Context, studentID string) (*Progress, error) {
	if studentID == "" {
		return nil, ErrUnauthenticated
	}
	var student models.Student
	if err := s.DB.WithContext(ctx).Where("id = ?", studentID).First(&student).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, classifyStorageError("get progress", err)
	}
	return progressOf(&student), nil
}

func progressOf(student *models.Student) *Progress {
	level, xp := NormalizeLevel(float64(student.Level)), student.XPInLevel
	if NeedsRenormalize(level, xp) {
		level, xp = ApplyGain(level, xp, 0)
	}
	return &Progress{
		StudentID:           student.ID,
		Level:               level,
		XPInLevel:           xp,
		XPForLevel:          XPRequiredForLevel(level),
		CumulativeXP:        CumulativeXP(level, xp),
		Coins:               student.Coins,
		ActivitiesCompleted: student.ActivitiesCompleted,
		Streak:              Streak{Count: student.StreakCount, LastCheck: student.StreakLastCheck},
	}
}

// EnsureStudent creates a fresh level-1 state for id, or refreshes the
// profile fields of an existing one. Progression columns are never touched.
func (s *ProgressService) EnsureStudent(ctx context.Context, id, username, email string) error {
	if id == "" {
		return fmt.Errorf("ensure student: missing id: %w", ErrInvalidInput)
	}
	student := models.Student{
		ID:       id,
		Username: username,
		Email:    email,
		Level:    1,
	}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "email", "updated_at"}),
	}).Create(&student).Error
	if err != nil {
		log.Printf("[PROGRESS] ensure student %s failed: %v", id, err)
		return classifyStorageError("ensure student", err)
	}
	return nil
}
