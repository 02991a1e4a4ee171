package main

import (
	"net/url"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/marketcore/internal/config"
)

const masked = "***"

func configCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Настройки сервиса",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Показать итоговые настройки без секретов",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(configView(cfg)); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return cmd
}

// configView — представление настроек для печати. Длительности строками, секреты скрыты.
func configView(cfg *config.Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"http_addr":        cfg.Server.HTTPAddr,
			"grpc_addr":        cfg.Server.GRPCAddr,
			"metrics_addr":     cfg.Server.MetricsAddr,
			"shutdown_timeout": cfg.Server.ShutdownTimeout.String(),
		},
		"storage": map[string]any{
			"driver":       cfg.Storage.Driver,
			"database_url": maskDSN(cfg.Storage.DatabaseURL),
			"auto_migrate": cfg.Storage.AutoMigrate,
		},
		"kafka": map[string]any{
			"brokers":         cfg.Kafka.Brokers,
			"events_topic":    cfg.Kafka.EventsTopic,
			"callbacks_topic": cfg.Kafka.CallbacksTopic,
			"dlq_topic":       cfg.Kafka.DLQTopic,
		},
		"admin": map[string]any{
			"token":   maskSecret(cfg.Admin.Token),
			"chat_id": cfg.Admin.TelegramChatID,
		},
		"payment": map[string]any{
			"provider":    cfg.Payment.Provider,
			"merchant_id": cfg.Payment.MerchantID,
			"secret":      maskSecret(cfg.Payment.Secret),
		},
		"carrier": map[string]any{
			"provider":         cfg.Carrier.Provider,
			"api_key":          maskSecret(cfg.Carrier.APIKey),
			"delivered_codes":  cfg.Carrier.DeliveredCodes,
			"locker_free_days": cfg.Carrier.LockerFreeDays,
		},
		"checkout": map[string]any{
			"big_order_threshold_uah": cfg.Checkout.BigOrderThresholdUAH,
			"base_deposit_uah":        cfg.Checkout.BaseDepositUAH,
			"return_cost_ratio":       cfg.Checkout.ReturnCostRatio,
		},
		"jobs": map[string]any{
			"enabled":    cfg.Jobs.Enabled,
			"scan_limit": cfg.Jobs.ScanLimit,
		},
		"rules": cfg.Rules,
	}
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return masked
}

// maskDSN скрывает пароль в URL-форме DSN; прочие формы скрываются целиком.
func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return masked
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), masked)
	}
	return u.String()
}
