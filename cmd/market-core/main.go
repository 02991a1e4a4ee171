package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/app"
	"github.com/vladislavdragonenkov/marketcore/internal/config"
	"github.com/vladislavdragonenkov/marketcore/internal/version"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(cfg config.LogConfig) {
	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.WithField("level", cfg.Level).Warn("unknown LOG_LEVEL, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("не удалось загрузить конфигурацию")
	}
	setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"http_addr":    cfg.Server.HTTPAddr,
		"grpc_addr":    cfg.Server.GRPCAddr,
		"metrics_addr": cfg.Server.MetricsAddr,
		"storage":      cfg.Storage.Driver,
	}).Info("запускаем market-core")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("market-core остановлен")
}
