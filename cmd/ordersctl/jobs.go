package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/marketcore/internal/app"
)

func jobsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Фоновые задачи",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run <name>",
		Short: "Выполнить одну итерацию задачи",
		Long: `Выполняет одну итерацию фоновой задачи и печатает её статистику.

Задачи: payment_retry, payment_reconcile, tracking_poll, pickup_control,
returns_scan, roe_snapshot, roe_rollback_watch, outbox_pump, risk_policy,
idempotency_cleanup.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, v)
			defer cancel()

			stats, err := app.RunJob(ctx, cfg, args[0])
			if err != nil {
				return fmt.Errorf("job %s failed: %w", args[0], err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	})
	return cmd
}
