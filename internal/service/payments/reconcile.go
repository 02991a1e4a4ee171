package payments

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
)

// ReconcileConfig — параметры сверки.
type ReconcileConfig struct {
	// MaxAge — активные платежи старше истекают без опроса провайдера.
	MaxAge time.Duration
	Limit  int
}

// DefaultReconcileConfig возвращает 48 ч и лимит 500.
func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{MaxAge: 48 * time.Hour, Limit: 500}
}

// ReconcileStats — итог одного прохода.
type ReconcileStats struct {
	Scanned  int `json:"scanned"`
	Paid     int `json:"paid"`
	Updated  int `json:"updated"`
	Expired  int `json:"expired"`
	Failed   int `json:"failed"`
	Mismatch int `json:"amount_mismatch"`
}

// Reconciler опрашивает провайдера по зависшим платежам.
type Reconciler struct {
	effects
	cfg ReconcileConfig
}

// NewReconciler создаёт Reconciler.
func NewReconciler(deps Deps, cfg ReconcileConfig) *Reconciler {
	def := DefaultReconcileConfig()
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	return &Reconciler{effects: effects{deps.withDefaults("payment-reconcile")}, cfg: cfg}
}

// ProcessOnce сверяет одну пачку активных платежей.
func (r *Reconciler) ProcessOnce(ctx context.Context) (ReconcileStats, error) {
	now := r.Clock.Now()
	list, err := r.Payments.ListActive(ctx, time.Time{}, r.cfg.Limit)
	if err != nil {
		return ReconcileStats{}, fmt.Errorf("list active payments: %w", err)
	}

	var stats ReconcileStats
	for _, p := range list {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Scanned++
		logger := r.Logger.WithFields(log.Fields{"order_id": p.OrderID, "payment_id": p.ID})

		if now.Sub(p.CreatedAt) > r.cfg.MaxAge {
			if err := r.expire(ctx, p); err != nil {
				stats.Failed++
				logger.WithError(err).Warn("failed to expire stale payment")
				continue
			}
			stats.Expired++
			continue
		}

		provider, ok := r.Providers[p.Provider]
		if !ok {
			stats.Failed++
			logger.WithField("provider", p.Provider).Warn("no client for payment provider")
			continue
		}
		ev, err := provider.Status(ctx, p.ProviderOrderID)
		if err != nil {
			stats.Failed++
			logger.WithError(err).Warn("provider status request failed")
			continue
		}
		if ev.Status == p.Status || ev.Status == domain.PaymentStatusPending {
			continue
		}

		if ev.Status == domain.PaymentStatusPaid && !amountMatches(p.AmountMinor, ev.AmountMinor) {
			stats.Mismatch++
			logger.WithFields(log.Fields{"expected": p.AmountMinor, "got": ev.AmountMinor}).Warn("reconcile amount mismatch")
			continue
		}

		out, err := r.apply(ctx, p, ev, orders.ActorReconcile)
		if err != nil {
			stats.Failed++
			logger.WithError(err).Warn("failed to apply reconciled payment status")
			continue
		}
		if ev.Status == domain.PaymentStatusPaid {
			stats.Paid++
		} else {
			stats.Updated++
		}
		logger.WithFields(log.Fields{"status": ev.Status, "ignored": out.Ignored}).Info("payment reconciled")
	}
	return stats, nil
}

// expire гасит платёж старше MaxAge.
func (r *Reconciler) expire(ctx context.Context, p domain.Payment) error {
	_, err := r.applyUnpaid(ctx, p, domain.WebhookEvent{Status: domain.PaymentStatusExpired})
	return err
}
