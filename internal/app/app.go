// Package app связывает хранилище, сервисы и транспорты в один процесс.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/config"
	healthcheck "github.com/vladislavdragonenkov/marketcore/internal/health"
	"github.com/vladislavdragonenkov/marketcore/internal/httpapi"
	"github.com/vladislavdragonenkov/marketcore/internal/metrics"
	"github.com/vladislavdragonenkov/marketcore/internal/version"
)

const (
	defaultCloseTimeout = 5 * time.Second
	outboxBacklogMaxAge = 10 * time.Minute
)

// Run поднимает HTTP API, ops gRPC, сервер метрик и планировщик и блокируется до отмены ctx.
func Run(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("app: config is required")
	}
	logger := log.WithFields(version.Fields()).WithField("component", "app")
	clk := clock.Real{}

	deps, err := NewDependencies(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeDependencies(deps, logger)

	lifecycle := metrics.NewLifecycle()
	rt := initKafka(cfg.Kafka, clk, logger)
	svc, err := buildServices(cfg, deps, rt, lifecycle, clk, logger)
	if err != nil {
		closeKafka(rt, nil, logger)
		return err
	}
	consumer := startCallbackConsumer(ctx, rt, cfg.Kafka, svc.Callbacks, logger)
	defer closeKafka(rt, consumer, logger)

	logger.WithFields(log.Fields{
		"payment_provider": svc.PaymentName,
		"kafka":            rt != nil,
		"jobs":             svc.Scheduler.Jobs(),
	}).Info("services initialized")

	healthHandler := newHealthHandler(deps, clk)
	metricsSrv := startMetricsServer(ctx, cfg.Server.MetricsAddr, logger, healthHandler)

	errCh := make(chan error, 2)
	apiSrv, err := startAPIServer(cfg, svc, clk, logger, errCh)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	grpcServer, healthServer := newOpsGRPCServer(logger)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		shutdownHTTP(apiSrv, logger)
		shutdownHTTP(metricsSrv, logger)
		return err
	}
	go func() {
		logger.Infof("ops gRPC сервер слушает %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	jobsCtx, stopJobs := context.WithCancel(context.WithoutCancel(ctx))
	jobsDone := make(chan struct{})
	if cfg.Jobs.Enabled {
		go func() {
			defer close(jobsDone)
			svc.Scheduler.Run(jobsCtx)
		}()
	} else {
		close(jobsDone)
		logger.Info("background jobs are disabled")
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем сервисы")
		runErr = ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownHTTPWithin(apiSrv, cfg.Server.ShutdownTimeout, logger)
	stopGRPC(grpcServer, logger)
	stopJobs()
	<-jobsDone
	shutdownHTTP(metricsSrv, logger)
	return runErr
}

// startAPIServer слушает HTTP_ADDR; ошибка Serve уходит в errCh.
func startAPIServer(cfg *config.Config, svc *Services, clk clock.Clock, logger *log.Entry, errCh chan<- error) (*http.Server, error) {
	handler := httpapi.NewRouter(httpapi.Deps{
		Machine:    svc.Machine,
		Checkout:   svc.Checkout,
		Webhooks:   svc.Webhooks,
		Shipping:   svc.Shipping,
		Scorer:     svc.Scorer,
		Risk:       svc.Risk,
		Optimizer:  svc.Optimizer,
		Callbacks:  svc.Callbacks,
		Guard:      svc.Guard,
		AdminToken: cfg.Admin.Token,
		Clock:      clk,
		Logger:     logger.WithField("component", "http-api"),
	})

	lis, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Infof("HTTP API слушает %s", lis.Addr())
		errCh <- srv.Serve(lis)
	}()
	return srv, nil
}

// newOpsGRPCServer — gRPC только для health-проб и reflection, с метриками promgrpc.
func newOpsGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	return grpcServer, healthServer
}

func stopGRPC(srv *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(defaultCloseTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		srv.Stop()
	}
}

func newHealthHandler(deps *Dependencies, clk clock.Clock) *healthcheck.Handler {
	h := healthcheck.NewHandler(version.Version(), clk)
	if deps.StorageChecker != nil {
		h.RegisterChecker("database", deps.StorageChecker)
	}
	h.RegisterChecker("outbox", healthcheck.NewOutboxChecker(deps.Outbox, clk, outboxBacklogMaxAge))
	return h
}

// startMetricsServer запускает /metrics, /healthz, /livez и /readyz.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	shutdownHTTPWithin(srv, defaultCloseTimeout, logger)
}

// shutdownHTTPWithin ждёт активные запросы не дольше timeout.
func shutdownHTTPWithin(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	if timeout <= 0 {
		timeout = defaultCloseTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

func closeDependencies(deps *Dependencies, logger *log.Entry) {
	if err := deps.Close(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}
