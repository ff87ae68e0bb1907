package services

import (
	"path/filepath"
	"testing"
	"time"

	"quest-progress-service/database"
	"quest-progress-service/models"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "progress.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func seedStudent(t *testing.T, db *gorm.DB, id string) *models.Student {
	t.Helper()
	s := &models.Student{ID: id, Username: id, Level: 1}
	require.NoError(t, db.Create(s).Error)
	return s
}

func seedActivity(t *testing.T, db *gorm.DB, id string, baseXP int64, limit *int) *models.Activity {
	t.Helper()
	a := &models.Activity{ID: id, SubjectID: "math", Title: id, BaseXPReward: baseXP, AttemptLimit: limit}
	require.NoError(t, db.Create(a).Error)
	return a
}

func loadStudent(t *testing.T, db *gorm.DB, id string) models.Student {
	t.Helper()
	var s models.Student
	require.NoError(t, db.Where("id = ?", id).First(&s).Error)
	return s
}

func newTestCoordinator(db *gorm.DB, clock clockwork.Clock) *CompletionCoordinator {
	return NewCompletionCoordinator(db, NewLedgerService(db), CompletionOptions{
		Clock:          clock,
		CooldownWindow: 15 * time.Minute,
	})
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
