package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/marketcore/internal/storage/postgres"
)

func migrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Миграции схемы PostgreSQL",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Применить миграции (--steps 0 применяет все)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			return withStore(cmd, v, func(store *postgres.Store) error {
				if err := store.MigrateUp(cmd.Context(), steps); err != nil {
					return fmt.Errorf("migrate up failed: %w", err)
				}
				return printStatus(cmd, store)
			})
		},
	}
	up.Flags().Int("steps", 0, "сколько миграций применить")

	down := &cobra.Command{
		Use:   "down",
		Short: "Откатить миграции (по умолчанию одну)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			return withStore(cmd, v, func(store *postgres.Store) error {
				if err := store.MigrateDown(cmd.Context(), steps); err != nil {
					return fmt.Errorf("migrate down failed: %w", err)
				}
				return printStatus(cmd, store)
			})
		},
	}
	down.Flags().Int("steps", 1, "сколько миграций откатить")

	status := &cobra.Command{
		Use:   "status",
		Short: "Показать применённые миграции",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, v, func(store *postgres.Store) error {
				return printStatus(cmd, store)
			})
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

func withStore(cmd *cobra.Command, v *viper.Viper, fn func(store *postgres.Store) error) error {
	ctx, cancel := commandContext(cmd, v)
	defer cancel()
	cmd.SetContext(ctx)

	store, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func printStatus(cmd *cobra.Command, store *postgres.Store) error {
	states, err := store.MigrationStatus(cmd.Context())
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	return writeMigrationStates(cmd, states)
}

func writeMigrationStates(cmd *cobra.Command, states []postgres.MigrationState) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED\tAPPLIED AT")
	for _, st := range states {
		appliedAt := "-"
		if st.AppliedAt != nil {
			appliedAt = st.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%t\t%s\n", st.Version, st.Name, st.Applied, appliedAt)
	}
	return w.Flush()
}
