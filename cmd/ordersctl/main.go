// ordersctl — служебные операции: миграции, ручной запуск задач, outbox и просмотр настроек.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/marketcore/internal/config"
	"github.com/vladislavdragonenkov/marketcore/internal/storage/postgres"
	"github.com/vladislavdragonenkov/marketcore/internal/version"
)

const (
	keyDSN     = "database_url"
	keyTimeout = "timeout"

	defaultTimeout = 30 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "ordersctl",
		Short:         "Операционные команды market-core",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("dsn", "", "PostgreSQL DSN (fallback: DATABASE_URL)")
	root.PersistentFlags().Duration("timeout", defaultTimeout, "таймаут команды")
	_ = v.BindPFlag(keyDSN, root.PersistentFlags().Lookup("dsn"))
	_ = v.BindPFlag(keyTimeout, root.PersistentFlags().Lookup("timeout"))

	root.AddCommand(migrateCmd(v), jobsCmd(v), outboxCmd(v), configCmd(v))
	return root
}

// commandContext ограничивает команду таймаутом из --timeout.
func commandContext(cmd *cobra.Command, v *viper.Viper) (context.Context, context.CancelFunc) {
	timeout := v.GetDuration(keyTimeout)
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

func openStore(ctx context.Context, v *viper.Viper) (*postgres.Store, error) {
	dsn := strings.TrimSpace(v.GetString(keyDSN))
	if dsn == "" {
		return nil, errors.New("DATABASE_URL (or --dsn) is required")
	}
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return store, nil
}

// loadConfig читает настройки сервиса; --dsn переключает хранилище на postgres.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dsn := strings.TrimSpace(v.GetString(keyDSN)); dsn != "" {
		cfg.Storage.Driver = config.StorageDriverPostgres
		cfg.Storage.DatabaseURL = dsn
	}
	return cfg, nil
}
