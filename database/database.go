package database

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"quest-progress-service/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// Options selects the dialect and connection target.
type Options struct {
	Type     string // postgres | sqlite
	URL      string // postgres DSN
	Path     string // sqlite file
	LogLevel string // silent | error | warn | info
}

// Open connects to the configured database.
func Open(opts Options) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: NewGormLogger(ParseLogLevel(opts.LogLevel))}

	switch strings.ToLower(opts.Type) {
	case "postgres", "postgresql", "":
		if opts.URL == "" {
			return nil, fmt.Errorf("DATABASE_URL environment variable not set")
		}
		db, err := gorm.Open(postgres.New(postgres.Config{
			DSN:                  opts.URL,
			PreferSimpleProtocol: true,
		}), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Println("✅ Connected to postgres")
		return db, nil
	case "sqlite", "sqlite3":
		db, err := OpenSQLite(opts.Path, cfg)
		if err != nil {
			return nil, err
		}
		log.Printf("✅ Connected to sqlite at %s", opts.Path)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", opts.Type)
	}
}

// OpenSQLite opens a file database. Transactions take the write lock up front
// so concurrent completions serialize instead of failing on upgrade.
func OpenSQLite(path string, cfg *gorm.Config) (*gorm.DB, error) {
	if cfg == nil {
		cfg = &gorm.Config{Logger: NewGormLogger(gormLogger.Warn)}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return db, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Student{},
		&models.Activity{},
		&models.AttemptRecord{},
		&models.ActivityCompletion{},
		&models.LedgerEntry{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	// the old ledger key index did not include currency and drops coin entries
	if m := db.Migrator(); m.HasIndex(&models.LedgerEntry{}, "idx_ledger_student_key") {
		if err := m.DropIndex(&models.LedgerEntry{}, "idx_ledger_student_key"); err != nil {
			return fmt.Errorf("failed to drop legacy ledger index: %w", err)
		}
	}
	return nil
}

func ParseLogLevel(level string) gormLogger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return gormLogger.Silent
	case "error":
		return gormLogger.Error
	case "info":
		return gormLogger.Info
	default:
		return gormLogger.Warn
	}
}

// GormLogger prints SQL with the service's log tags.
type GormLogger struct {
	SlowThreshold time.Duration
	LogLevel      gormLogger.LogLevel
}

func NewGormLogger(level gormLogger.LogLevel) gormLogger.Interface {
	return &GormLogger{
		SlowThreshold: 200 * time.Millisecond,
		LogLevel:      level,
	}
}

func (l *GormLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	nl := *l
	nl.LogLevel = level
	return &nl
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormLogger.Info {
		log.Printf("[INFO] "+msg, data...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormLogger.Warn {
		log.Printf("[WARN] "+msg, data...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormLogger.Error {
		log.Printf("[ERROR] "+msg, data...)
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= gormLogger.Silent {
		return
	}
	elapsed := time.Since(begin)

	switch {
	case err != nil && err != gormLogger.ErrRecordNotFound && l.LogLevel >= gormLogger.Error:
		sql, rows := fc()
		log.Printf("[ERROR] %s | %v | %s | %d rows | %s", utils.FileWithLineNum(), err, elapsed, rows, sql)
	case elapsed > l.SlowThreshold && l.LogLevel >= gormLogger.Warn:
		sql, rows := fc()
		log.Printf("[SLOW SQL] %s | %s | %d rows | %s", utils.FileWithLineNum(), elapsed, rows, sql)
	case l.LogLevel >= gormLogger.Info:
		sql, rows := fc()
		log.Printf("[QUERY] %s | %s | %d rows | %s", utils.FileWithLineNum(), elapsed, rows, sql)
	}
}
