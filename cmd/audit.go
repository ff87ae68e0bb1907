package cmd

import (
	"encoding/json"
	"fmt"

	"quest-progress-service/services"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Reconcile student balances against the reward ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		var uploader services.ReportUploader
		if upload, _ := cmd.Flags().GetBool("upload"); upload {
			uploader = reportUploader(ctx, cfg)
		}

		report, err := services.NewAuditService(db, uploader, nil).Run(ctx)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))

		if failOnDrift, _ := cmd.Flags().GetBool("fail-on-drift"); failOnDrift && len(report.Discrepancies) > 0 {
			return fmt.Errorf("%d student(s) out of balance", len(report.Discrepancies))
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().Bool("upload", false, "Upload the report to R2")
	auditCmd.Flags().Bool("fail-on-drift", false, "Exit non-zero when any discrepancy is found")
}
