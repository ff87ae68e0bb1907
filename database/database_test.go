package database

import (
	"path/filepath"
	"testing"

	"quest-progress-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormLogger "gorm.io/gorm/logger"
)

func TestOpenSQLiteAndMigrate(t *testing.T) {
	db, err := Open(Options{Type: "sqlite", Path: filepath.Join(t.TempDir(), "test.db"), LogLevel: "silent"})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	for _, model := range []interface{}{
		&models.Student{},
		&models.Activity{},
		&models.AttemptRecord{},
		&models.ActivityCompletion{},
		&models.LedgerEntry{},
	} {
		assert.True(t, db.Migrator().HasTable(model))
	}
	assert.True(t, db.Migrator().HasIndex(&models.LedgerEntry{}, "idx_ledger_student_currency_key"))

	// Running again is a no-op.
	require.NoError(t, Migrate(db))
}

func TestMigrateDropsLegacyLedgerKeyIndex(t *testing.T) {
	db, err := Open(Options{Type: "sqlite", Path: filepath.Join(t.TempDir(), "legacy.db"), LogLevel: "silent"})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	require.NoError(t, db.Exec("CREATE UNIQUE INDEX idx_ledger_student_key ON ledger_entries (student_id, idempotency_key)").Error)

	require.NoError(t, Migrate(db))
	assert.False(t, db.Migrator().HasIndex(&models.LedgerEntry{}, "idx_ledger_student_key"))
	assert.True(t, db.Migrator().HasIndex(&models.LedgerEntry{}, "idx_ledger_student_currency_key"))
}

func TestOpenRejectsUnknownType(t *testing.T) {
	_, err := Open(Options{Type: "mongo"})
	assert.Error(t, err)

	_, err = Open(Options{Type: "postgres"})
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, gormLogger.Silent, ParseLogLevel("SILENT"))
	assert.Equal(t, gormLogger.Error, ParseLogLevel("error"))
	assert.Equal(t, gormLogger.Info, ParseLogLevel("info"))
	assert.Equal(t, gormLogger.Warn, ParseLogLevel(""))
}
