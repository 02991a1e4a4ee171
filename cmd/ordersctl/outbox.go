package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/marketcore/internal/app"
)

func outboxCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Очередь уведомлений",
	}
	requeue := &cobra.Command{
		Use:   "requeue",
		Short: "Вернуть мёртвые сообщения в PENDING",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, v)
			defer cancel()

			n, err := app.RequeueDeadLetters(ctx, cfg.Storage, limit)
			if err != nil {
				return fmt.Errorf("outbox requeue failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued: %d\n", n)
			return nil
		},
	}
	requeue.Flags().Int("limit", 0, "максимум сообщений, 0 означает все")
	cmd.AddCommand(requeue)
	return cmd
}
