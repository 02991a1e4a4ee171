// Package config собирает настройки сервиса из окружения, .env и YAML-файла правил.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/marketcore/internal/service/risk"
	"github.com/vladislavdragonenkov/marketcore/internal/service/roe"
	"github.com/vladislavdragonenkov/marketcore/internal/service/scheduler"
)

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Провайдеры по умолчанию.
const (
	PaymentProviderFondy = "fondy"
	CarrierNovaPoshta    = "novaposhta"
	ProviderFake         = "fake"
)

// Config — все настройки процесса.
type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Kafka       KafkaConfig
	Admin       AdminConfig
	Payment     PaymentConfig
	Carrier     CarrierConfig
	Checkout    CheckoutConfig
	Jobs        JobsConfig
	Outbox      OutboxConfig
	Idempotency IdempotencyConfig
	Log         LogConfig
	RulesFile   string
	Rules       Rules
}

type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	MetricsAddr     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type StorageConfig struct {
	Driver          string
	DatabaseURL     string
	AutoMigrate     bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type KafkaConfig struct {
	Brokers            []string
	CallbackGroup      string
	EventsTopic        string
	CallbacksTopic     string
	DLQTopic           string
	NotificationPrefix string
}

// Enabled сообщает, настроен ли брокер.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type AdminConfig struct {
	Token          string
	TelegramChatID string
}

type PaymentConfig struct {
	Provider    string
	MerchantID  string
	Secret      string
	CallbackURL string
	ReturnURL   string
	BaseURL     string
	Timeout     time.Duration
}

type CarrierConfig struct {
	Provider              string
	APIKey                string
	SenderCityRef         string
	SenderWarehouseRef    string
	SenderCounterpartyRef string
	SenderContactRef      string
	SenderPhone           string
	BaseURL               string
	CreateTimeout         time.Duration
	TrackTimeout          time.Duration
	DeliveredCodes        []string
	LockerFreeDays        int
}

// CheckoutConfig — денежные параметры оформления и политики. Суммы в гривнах, кроме ratio.
type CheckoutConfig struct {
	BigOrderThresholdUAH int64
	BaseDepositUAH       int64
	ShippingFlatCostUAH  int64
	ReturnCostRatio      float64
	FallbackShipCostUAH  int64
}

type JobsConfig struct {
	Enabled   bool
	ScanLimit int
	Periods   scheduler.Periods
}

type OutboxConfig struct {
	MaxAttempts int
	BatchSize   int
}

type IdempotencyConfig struct {
	TTL          time.Duration
	CleanupBatch int
}

type LogConfig struct {
	Level  string
	Format string
}

// Rules — параметры из YAML-файла правил. Отсутствующие ключи остаются по умолчанию.
type Rules struct {
	RiskScore    risk.ScoreConfig  `yaml:"risk_score"`
	PolicyEngine risk.EngineConfig `yaml:"policy_engine"`
	ROE          roe.Rules         `yaml:"roe"`
}

// DefaultRules возвращает встроенные правила.
func DefaultRules() Rules {
	return Rules{
		RiskScore:    risk.DefaultScoreConfig(),
		PolicyEngine: risk.DefaultEngineConfig(),
		ROE:          roe.DefaultRules(),
	}
}

// Load читает .env (если есть), окружение и файл правил.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to read .env, using process environment")
	}

	periods := scheduler.DefaultPeriods()
	cfg := &Config{
		Server: ServerConfig{
			HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
			GRPCAddr:        getEnv("GRPC_ADDR", ":50051"),
			MetricsAddr:     getEnv("METRICS_ADDR", ":9090"),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Storage: StorageConfig{
			Driver:          strings.ToLower(getEnv("STORAGE_DRIVER", StorageDriverMemory)),
			DatabaseURL:     getEnv("DATABASE_URL", ""),
			AutoMigrate:     getEnvBool("POSTGRES_AUTO_MIGRATE", true),
			MaxOpenConns:    getEnvInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:            getEnvList("KAFKA_BROKERS", nil),
			CallbackGroup:      getEnv("KAFKA_CALLBACK_GROUP", "market-core-callbacks"),
			EventsTopic:        getEnv("KAFKA_EVENTS_TOPIC", "market.order.events"),
			CallbacksTopic:     getEnv("KAFKA_CALLBACKS_TOPIC", "market.admin.callbacks"),
			DLQTopic:           getEnv("KAFKA_OUTBOX_DLQ_TOPIC", "market.outbox.dlq"),
			NotificationPrefix: getEnv("KAFKA_NOTIFICATION_PREFIX", "market.notifications"),
		},
		Admin: AdminConfig{
			Token:          getEnv("ADMIN_TOKEN", ""),
			TelegramChatID: getEnv("ADMIN_TELEGRAM_CHAT_ID", "admin"),
		},
		Payment: PaymentConfig{
			Provider:    strings.ToLower(getEnv("PAYMENT_PROVIDER", providerDefault("PAYMENT_PROVIDER_MERCHANT_ID", PaymentProviderFondy))),
			MerchantID:  getEnv("PAYMENT_PROVIDER_MERCHANT_ID", ""),
			Secret:      getEnv("PAYMENT_PROVIDER_SECRET", ""),
			CallbackURL: getEnv("PAYMENT_CALLBACK_URL", ""),
			ReturnURL:   getEnv("PAYMENT_RETURN_URL", ""),
			BaseURL:     getEnv("PAYMENT_PROVIDER_BASE_URL", ""),
			Timeout:     getEnvDuration("PAYMENT_PROVIDER_TIMEOUT", 30*time.Second),
		},
		Carrier: CarrierConfig{
			Provider:              strings.ToLower(getEnv("CARRIER_PROVIDER", providerDefault("CARRIER_API_KEY", CarrierNovaPoshta))),
			APIKey:                getEnv("CARRIER_API_KEY", ""),
			SenderCityRef:         getEnv("CARRIER_SENDER_CITY_REF", ""),
			SenderWarehouseRef:    getEnv("CARRIER_SENDER_WAREHOUSE_REF", ""),
			SenderCounterpartyRef: getEnv("CARRIER_SENDER_COUNTERPARTY_REF", ""),
			SenderContactRef:      getEnv("CARRIER_SENDER_CONTACT_REF", ""),
			SenderPhone:           getEnv("CARRIER_SENDER_PHONE", ""),
			BaseURL:               getEnv("CARRIER_BASE_URL", ""),
			CreateTimeout:         getEnvDuration("CARRIER_CREATE_TIMEOUT", 30*time.Second),
			TrackTimeout:          getEnvDuration("CARRIER_TRACK_TIMEOUT", 10*time.Second),
			DeliveredCodes:        getEnvList("DELIVERED_STATUS_CODES", []string{"9", "10", "11"}),
			LockerFreeDays:        getEnvInt("PICKUP_LOCKER_FREE_DAYS", 2),
		},
		Checkout: CheckoutConfig{
			BigOrderThresholdUAH: int64(getEnvInt("BIG_ORDER_THRESHOLD", 3000)),
			BaseDepositUAH:       int64(getEnvInt("BASE_DEPOSIT_AMOUNT", 100)),
			ShippingFlatCostUAH:  int64(getEnvInt("SHIPPING_FLAT_COST", 0)),
			ReturnCostRatio:      getEnvFloat("RETURN_COST_RATIO", 0.5),
			FallbackShipCostUAH:  int64(getEnvInt("FALLBACK_SHIP_COST", 70)),
		},
		Jobs: JobsConfig{
			Enabled:   getEnvBool("JOBS_ENABLED", true),
			ScanLimit: getEnvInt("SCAN_LIMIT", 500),
			Periods: scheduler.Periods{
				PaymentRetry:       getEnvDuration("JOB_PAYMENT_RETRY_PERIOD", periods.PaymentRetry),
				PaymentReconcile:   getEnvDuration("JOB_PAYMENT_RECONCILE_PERIOD", periods.PaymentReconcile),
				TrackingPoll:       getEnvDuration("JOB_TRACKING_POLL_PERIOD", periods.TrackingPoll),
				PickupControl:      getEnvDuration("JOB_PICKUP_CONTROL_PERIOD", periods.PickupControl),
				ReturnsScan:        getEnvDuration("JOB_RETURNS_SCAN_PERIOD", periods.ReturnsScan),
				ROESnapshot:        getEnvDuration("JOB_ROE_SNAPSHOT_PERIOD", periods.ROESnapshot),
				ROERollbackWatch:   getEnvDuration("JOB_ROE_ROLLBACK_WATCH_PERIOD", periods.ROERollbackWatch),
				OutboxPump:         getEnvDuration("JOB_OUTBOX_PUMP_PERIOD", periods.OutboxPump),
				RiskPolicy:         getEnvDuration("JOB_RISK_POLICY_PERIOD", periods.RiskPolicy),
				IdempotencyCleanup: getEnvDuration("JOB_IDEMPOTENCY_CLEANUP_PERIOD", periods.IdempotencyCleanup),
			},
		},
		Outbox: OutboxConfig{
			MaxAttempts: getEnvInt("OUTBOX_MAX_ATTEMPTS", 8),
			BatchSize:   getEnvInt("OUTBOX_BATCH_SIZE", 100),
		},
		Idempotency: IdempotencyConfig{
			TTL:          getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			CleanupBatch: getEnvInt("IDEMPOTENCY_CLEANUP_BATCH", 500),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		RulesFile: getEnv("RULES_FILE", ""),
	}

	rules, err := LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	cfg.Rules = rules

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет сочетания настроек, без которых процесс не стартует.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("config: unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}
	if c.Payment.Provider == PaymentProviderFondy && (c.Payment.MerchantID == "" || c.Payment.Secret == "") {
		return errors.New("config: PAYMENT_PROVIDER_MERCHANT_ID and PAYMENT_PROVIDER_SECRET are required for fondy")
	}
	if c.Carrier.Provider == CarrierNovaPoshta && c.Carrier.APIKey == "" {
		return errors.New("config: CARRIER_API_KEY is required for novaposhta")
	}
	if c.Carrier.LockerFreeDays < 1 || c.Carrier.LockerFreeDays > 2 {
		return fmt.Errorf("config: PICKUP_LOCKER_FREE_DAYS must be 1 or 2, got %d", c.Carrier.LockerFreeDays)
	}
	return nil
}

// LoadRules читает YAML поверх встроенных правил. Пустой путь или отсутствующий файл дают значения по умолчанию.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.WithField("path", path).Warn("rules file not found, using defaults")
		return rules, nil
	}
	if err != nil {
		return Rules{}, fmt.Errorf("config: read rules file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return Rules{}, fmt.Errorf("config: parse rules file %s: %w", path, err)
	}
	return rules, nil
}

// providerDefault выбирает реальный провайдер, если задан его ключ, иначе fake.
func providerDefault(credentialKey, real string) string {
	if os.Getenv(credentialKey) != "" {
		return real
	}
	return ProviderFake
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.WithField("key", key).Warn("invalid integer in environment, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.WithField("key", key).Warn("invalid float in environment, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		log.WithField("key", key).Warn("invalid bool in environment, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		log.WithField("key", key).Warn("invalid duration in environment, using default")
	}
	return defaultValue
}

// getEnvList разбирает список через запятую, пустые элементы отбрасываются.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
