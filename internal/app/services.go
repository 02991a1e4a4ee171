package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/config"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/metrics"
	"github.com/vladislavdragonenkov/marketcore/internal/provider"
	"github.com/vladislavdragonenkov/marketcore/internal/provider/fake"
	"github.com/vladislavdragonenkov/marketcore/internal/provider/fondy"
	"github.com/vladislavdragonenkov/marketcore/internal/provider/novaposhta"
	"github.com/vladislavdragonenkov/marketcore/internal/service/abtest"
	"github.com/vladislavdragonenkov/marketcore/internal/service/callbacks"
	"github.com/vladislavdragonenkov/marketcore/internal/service/checkout"
	"github.com/vladislavdragonenkov/marketcore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
	"github.com/vladislavdragonenkov/marketcore/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketcore/internal/service/payments"
	"github.com/vladislavdragonenkov/marketcore/internal/service/pickup"
	"github.com/vladislavdragonenkov/marketcore/internal/service/policy"
	"github.com/vladislavdragonenkov/marketcore/internal/service/returns"
	"github.com/vladislavdragonenkov/marketcore/internal/service/risk"
	"github.com/vladislavdragonenkov/marketcore/internal/service/roe"
	"github.com/vladislavdragonenkov/marketcore/internal/service/scheduler"
	"github.com/vladislavdragonenkov/marketcore/internal/service/shipping"
)

const (
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second

	// стоимость доставки fake-перевозчика, 70 грн
	fakeShipCostMinor = 7000
)

// Services — собранный граф сервисов поверх Dependencies.
type Services struct {
	Machine     *orders.Machine
	Notifier    *outbox.Notifier
	Checkout    *checkout.Service
	Shipping    *shipping.Service
	Returns     *returns.Engine
	Pickup      *pickup.Control
	Webhooks    *payments.Processor
	Reconciler  *payments.Reconciler
	Retry       *payments.RetryLoop
	Scorer      *risk.Scorer
	Risk        *risk.Engine
	Optimizer   *roe.Optimizer
	Callbacks   *callbacks.Dispatcher
	Guard       *idempotency.Guard
	Outbox      *outbox.Worker
	Sweeper     *idempotency.Sweeper
	Scheduler   *scheduler.Scheduler
	PaymentName string
}

// buildServices связывает сервисы. rt может быть nil, тогда события не публикуются, а уведомления пишутся в лог.
func buildServices(cfg *config.Config, deps *Dependencies, rt *kafkaRuntime, lifecycle *metrics.Lifecycle, clk clock.Clock, logger *log.Entry) (*Services, error) {
	if clk == nil {
		clk = clock.Real{}
	}

	paymentProvider, err := newPaymentProvider(cfg.Payment)
	if err != nil {
		return nil, err
	}
	carrier, err := newCarrier(cfg.Carrier, clk)
	if err != nil {
		return nil, err
	}

	machineOpts := []orders.Option{
		orders.WithLogger(logger.WithField("component", "order-machine")),
		orders.WithClock(clk),
		orders.WithMetrics(lifecycle),
	}
	workerOpts := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithClock(clk),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
	}
	var transport domain.OutboxTransport = outbox.NewLogTransport(logger.WithField("component", "outbox-log"))
	if rt != nil {
		machineOpts = append(machineOpts, orders.WithPublisher(rt.events))
		workerOpts = append(workerOpts, outbox.WithDeadLetter(rt.deadLetters))
		transport = rt.notifications
	}

	machine := orders.NewMachine(deps.Orders, machineOpts...)
	notifier := outbox.NewNotifier(deps.Outbox,
		outbox.WithNotifierLogger(logger.WithField("component", "outbox-notifier")),
		outbox.WithNotifierClock(clk),
		outbox.WithAdminChatID(cfg.Admin.TelegramChatID),
	)

	scanLimit := cfg.Jobs.ScanLimit
	shippingSvc := shipping.NewService(shipping.Deps{
		Machine:   machine,
		Carrier:   carrier,
		Events:    deps.Events,
		Ledger:    deps.Ledger,
		Customers: deps.Customers,
		Notifier:  notifier,
		Metrics:   lifecycle,
		Clock:     clk,
		Logger:    logger.WithField("component", "shipping"),
	}, shipping.Config{
		DeliveredCodes: cfg.Carrier.DeliveredCodes,
		ScanLimit:      scanLimit,
	})

	returnsEngine := returns.NewEngine(returns.Deps{
		Machine:   machine,
		Carrier:   carrier,
		Ledger:    deps.Ledger,
		Customers: deps.Customers,
		Notifier:  notifier,
		Metrics:   lifecycle,
		Clock:     clk,
		Logger:    logger.WithField("component", "returns"),
	}, returns.Config{
		ReturnCostRatio:       decimal.NewFromFloat(cfg.Checkout.ReturnCostRatio),
		FallbackShipCostMinor: cfg.Checkout.FallbackShipCostUAH * 100,
		ScanLimit:             scanLimit,
	})

	pickupControl := pickup.NewControl(pickup.Deps{
		Machine:   machine,
		Customers: deps.Customers,
		Settings:  deps.Settings,
		Notifier:  notifier,
		Metrics:   lifecycle,
		Clock:     clk,
		Logger:    logger.WithField("component", "pickup-control"),
	}, pickup.Config{
		LockerFreeDays: cfg.Carrier.LockerFreeDays,
		ScanLimit:      scanLimit,
	})

	paymentDeps := payments.Deps{
		Machine:   machine,
		Payments:  deps.Payments,
		Events:    deps.Events,
		Audit:     deps.Audit,
		Ledger:    deps.Ledger,
		Customers: deps.Customers,
		Notifier:  notifier,
		Providers: map[string]domain.PaymentProvider{paymentProvider.Name(): paymentProvider},
		Shipper:   shippingSvc,
		Metrics:   lifecycle,
		Clock:     clk,
		Logger:    logger.WithField("component", "payments"),
	}

	scorer := risk.NewScorer(risk.ScorerDeps{
		Customers: deps.Customers,
		Signals:   deps.Signals,
		Settings:  deps.Settings,
		Policies:  deps.Policies,
		Notifier:  notifier,
		Clock:     clk,
		Logger:    logger.WithField("component", "risk-scorer"),
	}, cfg.Rules.RiskScore)
	riskEngine := risk.NewEngine(risk.EngineDeps{
		Customers: deps.Customers,
		Cities:    deps.Cities,
		Policies:  deps.Policies,
		Signals:   deps.Signals,
		Scorer:    scorer,
		Notifier:  notifier,
		Metrics:   lifecycle,
		Clock:     clk,
		Logger:    logger.WithField("component", "risk-engine"),
	}, cfg.Rules.PolicyEngine)

	optimizer := roe.NewOptimizer(roe.Deps{
		Orders:   deps.Orders,
		Payments: deps.Payments,
		Ledger:   deps.Ledger,
		Outbox:   deps.Outbox,
		Revenue:  deps.Revenue,
		Settings: deps.Settings,
		Notifier: notifier,
		Clock:    clk,
		Logger:   logger.WithField("component", "roe"),
	}, cfg.Rules.ROE)

	dispatcher := callbacks.NewDispatcher(callbacks.Deps{
		Machine:   machine,
		Risk:      riskEngine,
		Optimizer: optimizer,
		Pickup:    pickupControl,
		Shipping:  shippingSvc,
		Logger:    logger.WithField("component", "callbacks"),
	})

	decider := policy.NewDecider(deps.Customers, deps.Cities, deps.Settings, policy.Config{
		BigOrderThresholdMinor: cfg.Checkout.BigOrderThresholdUAH * 100,
		BaseDepositUAH:         cfg.Checkout.BaseDepositUAH,
	}, logger.WithField("component", "payment-policy"))

	checkoutSvc := checkout.NewService(checkout.Deps{
		Machine:   machine,
		Catalog:   deps.Catalog,
		Carts:     deps.Carts,
		Customers: deps.Customers,
		Settings:  deps.Settings,
		Payments:  deps.Payments,
		Provider:  paymentProvider,
		Decider:   decider,
		Assigner:  abtest.NewAssigner(deps.Experiments, clk),
		Clock:     clk,
		Logger:    logger.WithField("component", "checkout"),
	}, checkout.Config{
		ShippingFlatCostMinor: cfg.Checkout.ShippingFlatCostUAH * 100,
	})

	svc := &Services{
		Machine:     machine,
		Notifier:    notifier,
		Checkout:    checkoutSvc,
		Shipping:    shippingSvc,
		Returns:     returnsEngine,
		Pickup:      pickupControl,
		Webhooks:    payments.NewProcessor(paymentDeps),
		Reconciler:  payments.NewReconciler(paymentDeps, payments.ReconcileConfig{Limit: scanLimit}),
		Retry:       payments.NewRetryLoop(paymentDeps, payments.RetryConfig{Limit: scanLimit}),
		Scorer:      scorer,
		Risk:        riskEngine,
		Optimizer:   optimizer,
		Callbacks:   dispatcher,
		PaymentName: paymentProvider.Name(),
		Guard: idempotency.NewGuard(deps.Idempotency,
			idempotency.WithGuardLogger(logger.WithField("component", "idempotency")),
			idempotency.WithGuardClock(clk),
			idempotency.WithTTL(cfg.Idempotency.TTL),
		),
		Outbox: outbox.NewWorker(deps.Outbox, transport, workerOpts...),
		Sweeper: idempotency.NewSweeper(deps.Idempotency,
			idempotency.WithSweepLogger(logger.WithField("component", "idempotency-sweeper")),
			idempotency.WithSweepClock(clk),
			idempotency.WithSweepBatch(cfg.Idempotency.CleanupBatch),
		),
	}

	svc.Scheduler = scheduler.New(deps.Leader,
		scheduler.WithLogger(logger.WithField("component", "scheduler")),
		scheduler.WithClock(clk),
		scheduler.WithMetrics(lifecycle),
	)
	for _, job := range scheduler.BuildJobs(scheduler.Services{
		Retry:       svc.Retry,
		Reconciler:  svc.Reconciler,
		Shipping:    svc.Shipping,
		Pickup:      svc.Pickup,
		Returns:     svc.Returns,
		Optimizer:   svc.Optimizer,
		Outbox:      svc.Outbox,
		Risk:        svc.Risk,
		Idempotency: svc.Sweeper,
	}, cfg.Jobs.Periods) {
		svc.Scheduler.Register(job)
	}
	return svc, nil
}

// newPaymentProvider выбирает платёжный шлюз. fake подписывает webhook тем же секретом.
func newPaymentProvider(cfg config.PaymentConfig) (domain.PaymentProvider, error) {
	switch cfg.Provider {
	case config.PaymentProviderFondy:
		return fondy.NewClient(fondy.Config{
			MerchantID:  cfg.MerchantID,
			Secret:      cfg.Secret,
			CallbackURL: cfg.CallbackURL,
			ReturnURL:   cfg.ReturnURL,
			BaseURL:     cfg.BaseURL,
			Timeout:     cfg.Timeout,
		}, &http.Client{Timeout: cfg.Timeout}, provider.NewCircuitBreaker(fondy.Name, breakerMaxFailures, breakerResetTimeout, clock.Real{})), nil
	case config.ProviderFake, "":
		return fake.NewPaymentProvider(cfg.Secret), nil
	default:
		return nil, fmt.Errorf("unsupported payment provider %q", cfg.Provider)
	}
}

func newCarrier(cfg config.CarrierConfig, clk clock.Clock) (domain.Carrier, error) {
	switch cfg.Provider {
	case config.CarrierNovaPoshta:
		timeout := max(cfg.CreateTimeout, cfg.TrackTimeout)
		return novaposhta.NewClient(novaposhta.Config{
			APIKey:                cfg.APIKey,
			SenderCityRef:         cfg.SenderCityRef,
			SenderWarehouseRef:    cfg.SenderWarehouseRef,
			SenderCounterpartyRef: cfg.SenderCounterpartyRef,
			SenderContactRef:      cfg.SenderContactRef,
			SenderPhone:           cfg.SenderPhone,
			BaseURL:               cfg.BaseURL,
			CreateTimeout:         cfg.CreateTimeout,
			TrackTimeout:          cfg.TrackTimeout,
		}, &http.Client{Timeout: timeout}, provider.NewCircuitBreaker(novaposhta.Name, breakerMaxFailures, breakerResetTimeout, clk), clk), nil
	case config.ProviderFake, "":
		return fake.NewCarrier(fakeShipCostMinor), nil
	default:
		return nil, fmt.Errorf("unsupported carrier %q", cfg.Provider)
	}
}
