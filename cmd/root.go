package cmd

import (
	"context"
	"log"

	"quest-progress-service/config"
	"quest-progress-service/database"
	"quest-progress-service/services"
	"quest-progress-service/utils"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var rootCmd = &cobra.Command{
	Use:   "quest-progress",
	Short: "Activity completion and progression service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("db-type", "", "Database type: postgres or sqlite (overrides DATABASE_TYPE)")
	rootCmd.PersistentFlags().String("db", "", "SQLite file path (overrides DATABASE_PATH)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(auditCmd)
}

// loadConfig reads the environment and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg := config.Load()
	if t, _ := cmd.Flags().GetString("db-type"); t != "" {
		cfg.DatabaseType = t
	}
	if p, _ := cmd.Flags().GetString("db"); p != "" {
		cfg.DatabasePath = p
	}
	return cfg
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := database.Open(database.Options{
		Type:     cfg.DatabaseType,
		URL:      cfg.DatabaseURL,
		Path:     cfg.DatabasePath,
		LogLevel: cfg.SQLLogLevel,
	})
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// reportUploader returns the R2 client when configured, nil otherwise.
func reportUploader(ctx context.Context, cfg *config.Config) services.ReportUploader {
	if !cfg.R2Enabled() {
		log.Println("⚠️  R2 not configured, audit reports stay in the logs")
		return nil
	}
	r2, err := utils.NewR2Client(ctx, utils.R2Config{
		AccountID:       cfg.R2AccountID,
		AccessKeyID:     cfg.R2AccessKey,
		AccessKeySecret: cfg.R2SecretKey,
		Bucket:          cfg.R2Bucket,
	})
	if err != nil {
		log.Printf("⚠️  R2 client unavailable: %v", err)
		return nil
	}
	return r2
}
