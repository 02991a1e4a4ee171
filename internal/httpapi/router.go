// Package httpapi — HTTP API ядра заказов: заказы, оплата, доставка и админка.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/service/callbacks"
	"github.com/vladislavdragonenkov/marketcore/internal/service/checkout"
	"github.com/vladislavdragonenkov/marketcore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
	"github.com/vladislavdragonenkov/marketcore/internal/service/payments"
	"github.com/vladislavdragonenkov/marketcore/internal/service/risk"
	"github.com/vladislavdragonenkov/marketcore/internal/service/roe"
	"github.com/vladislavdragonenkov/marketcore/internal/service/shipping"
)

// Deps — сервисы за маршрутами. Маршруты неподключённых сервисов не монтируются.
type Deps struct {
	Machine    *orders.Machine
	Checkout   *checkout.Service
	Webhooks   *payments.Processor
	Shipping   *shipping.Service
	Scorer     *risk.Scorer
	Risk       *risk.Engine
	Optimizer  *roe.Optimizer
	Callbacks  *callbacks.Dispatcher
	Guard      *idempotency.Guard
	AdminToken string
	Clock      clock.Clock
	Logger     *log.Entry
}

// API — обработчики HTTP.
type API struct {
	deps       Deps
	guard      *idempotency.Guard
	adminToken string
	clock      clock.Clock
	logger     *log.Entry
}

// NewRouter собирает chi-роутер со всеми маршрутами.
func NewRouter(deps Deps) http.Handler {
	a := &API{
		deps:       deps,
		guard:      deps.Guard,
		adminToken: deps.AdminToken,
		clock:      deps.Clock,
		logger:     deps.Logger,
	}
	if a.clock == nil {
		a.clock = clock.Real{}
	}
	if a.logger == nil {
		a.logger = log.WithField("component", "http-api")
	}
	if a.adminToken == "" {
		a.logger.Warn("ADMIN_TOKEN is empty, admin routes will reject every request")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, a.requestLogger, middleware.Recoverer)

	// Webhook аутентифицируется подписью провайдера.
	if deps.Webhooks != nil {
		r.Post("/payments/webhook/{provider}", a.paymentWebhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.identify)

		if deps.Machine != nil {
			r.Get("/orders/my", a.myOrders)
			r.Get("/orders/{id}", a.getOrder)
			r.Get("/orders/{id}/transitions", a.orderTransitions)
			r.With(a.idempotent).Post("/orders/{id}/cancel", a.cancelOrder)
			r.With(requireAdmin, a.idempotent).Put("/orders/{id}/status", a.setOrderStatus)
		}
		if deps.Checkout != nil {
			r.With(a.idempotent).Post("/orders", a.createOrder)
			r.With(a.idempotent).Post("/payments/checkout", a.checkout)
			r.Get("/payments/status/{order_id}", a.paymentStatus)
		}

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)

			if deps.Shipping != nil {
				r.With(a.idempotent).Post("/delivery/ttn", a.createTTN)
				r.Get("/delivery/ttn/{ttn}/status", a.ttnStatus)
				r.Post("/delivery/ttn/{ttn}/sync/{order_id}", a.ttnSync)
			}
			if deps.Scorer != nil {
				r.Get("/admin/risk/{phone}", a.riskProfile)
				r.With(a.idempotent).Post("/admin/risk/{phone}/override", a.riskOverride)
			}
			if deps.Risk != nil {
				r.Get("/admin/policy/actions", a.policyActions)
				r.With(a.idempotent).Post("/admin/policy/actions/{id}/approve", a.policyApprove)
				r.With(a.idempotent).Post("/admin/policy/actions/{id}/reject", a.policyReject)
			}
			if deps.Optimizer != nil {
				r.Get("/admin/roe/suggestions", a.suggestions)
				r.With(a.idempotent).Post("/admin/roe/suggestions/{id}/{verb}", a.suggestionAction)
			}
			if deps.Callbacks != nil {
				r.Post("/admin/callbacks", a.adminCallback)
			}
		})
	})
	return r
}
