package roe

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/service/outbox"
)

// Акторы, от имени которых ROE меняет конфигурацию.
const (
	ActorOptimizer = "roe"
	ActorWatchdog  = "roe_watchdog"
)

// reminderPrefix — префикс ключей напоминаний об оплате в outbox.
const reminderPrefix = "payretry:"

const scanLimit = 10_000

// Deps — зависимости Optimizer.
type Deps struct {
	Orders   domain.OrderRepository
	Payments domain.PaymentRepository
	Ledger   domain.LedgerRepository
	Outbox   domain.OutboxRepository
	Revenue  domain.RevenueRepository
	Settings domain.SystemConfigRepository
	Notifier *outbox.Notifier
	Clock    clock.Clock
	Logger   *log.Entry
}

// RunStats — итог прохода снимок + правила.
type RunStats struct {
	SnapshotID   string `json:"snapshot_id"`
	Orders       int    `json:"orders"`
	Skipped      string `json:"skipped,omitempty"`
	SuggestionID string `json:"suggestion_id,omitempty"`
	Rule         string `json:"rule,omitempty"`
}

// WatchStats — итог прохода watchdog.
type WatchStats struct {
	Checked    int `json:"checked"`
	Validated  int `json:"validated"`
	RolledBack int `json:"rolled_back"`
	Failed     int `json:"failed"`
}

// Optimizer строит снимки, предлагает изменения и откатывает неудачные.
type Optimizer struct {
	deps  Deps
	rules Rules
}

// NewOptimizer создаёт Optimizer.
func NewOptimizer(deps Deps, rules Rules) *Optimizer {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = log.WithField("component", "roe")
	}
	return &Optimizer{deps: deps, rules: rules.withDefaults()}
}

// Snapshot считает и сохраняет снимок за последнее окно.
func (o *Optimizer) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	to := o.deps.Clock.Now()
	from := to.Add(-o.rules.Window)

	orders, err := o.deps.Orders.List(ctx, domain.OrderFilter{CreatedAfter: from, CreatedBefore: to, Limit: scanLimit})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("list orders: %w", err)
	}
	payments, err := o.deps.Payments.ListCreatedBetween(ctx, from, to)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("list payments: %w", err)
	}
	entries, err := o.deps.Ledger.List(ctx, domain.LedgerFilter{From: from, To: to, Limit: scanLimit})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("list ledger: %w", err)
	}
	reminded, err := o.remindedOrders(ctx, from)
	if err != nil {
		return domain.Snapshot{}, err
	}

	snap := BuildSnapshot(SnapshotInput{Orders: orders, Payments: payments, Ledger: entries, Reminded: reminded}, from, to)
	snap.ID = uuid.NewString()
	snap.CreatedAt = to
	if err := o.deps.Revenue.InsertSnapshot(ctx, snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	return snap, nil
}

func (o *Optimizer) remindedOrders(ctx context.Context, since time.Time) ([]string, error) {
	if o.deps.Outbox == nil {
		return nil, nil
	}
	msgs, err := o.deps.Outbox.ListByDedupePrefix(ctx, reminderPrefix, since, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("list payment reminders: %w", err)
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		// payretry:{order_id}:{stage}; отмена по таймауту напоминанием не считается.
		parts := strings.Split(strings.TrimPrefix(m.DedupeKey, reminderPrefix), ":")
		if len(parts) != 2 || !strings.HasPrefix(parts[1], "REMIND") {
			continue
		}
		if !slices.Contains(ids, parts[0]) {
			ids = append(ids, parts[0])
		}
	}
	return ids, nil
}

// RunOnce строит снимок и, если правило сработало, создаёт предложение.
func (o *Optimizer) RunOnce(ctx context.Context) (RunStats, error) {
	snap, err := o.Snapshot(ctx)
	if err != nil {
		return RunStats{}, err
	}
	stats := RunStats{SnapshotID: snap.ID, Orders: snap.OrdersTotal}
	now := o.deps.Clock.Now()

	if snap.OrdersTotal < o.rules.MinSamples {
		stats.Skipped = "min_samples"
		return stats, nil
	}
	last, found, err := o.deps.Revenue.LastSuggestionAt(ctx, []domain.SuggestionStatus{domain.SuggestionPending, domain.SuggestionApplied})
	if err != nil {
		return stats, fmt.Errorf("last suggestion: %w", err)
	}
	if found && now.Sub(last) < o.rules.Cooldown {
		stats.Skipped = "cooldown"
		return stats, nil
	}

	cfg, err := o.deps.Settings.Get(ctx)
	if err != nil {
		return stats, fmt.Errorf("load system config: %w", err)
	}
	change, ok := Evaluate(o.rules, snap, cfg)
	if !ok {
		stats.Skipped = "no_rule"
		return stats, nil
	}

	s := domain.Suggestion{
		ID:         uuid.NewString(),
		Rule:       change.Rule,
		Param:      change.Param,
		Direction:  change.Direction,
		Current:    change.Current,
		Proposed:   change.Proposed,
		Reason:     change.Reason,
		Status:     domain.SuggestionPending,
		SnapshotID: snap.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if change.Param == domain.ParamPrepaidDiscount {
		impact := EstimateImpact(o.rules, snap, change.Proposed-change.Current)
		s.Impact = &impact
	}
	if err := o.deps.Revenue.InsertSuggestion(ctx, s); err != nil {
		return stats, fmt.Errorf("save suggestion: %w", err)
	}
	stats.SuggestionID = s.ID
	stats.Rule = s.Rule
	o.deps.Logger.WithFields(log.Fields{"suggestion_id": s.ID, "rule": s.Rule, "param": s.Param}).Info("revenue suggestion created")
	o.alertSuggestion(ctx, s)
	return stats, nil
}

func (o *Optimizer) alertSuggestion(ctx context.Context, s domain.Suggestion) {
	if o.deps.Notifier == nil {
		return
	}
	buttons := []domain.Button{outbox.Button("Відхилити", "roe_reject", s.ID)}
	if s.Direction != domain.DirectionManual {
		buttons = append([]domain.Button{outbox.Button("Підтвердити", "roe_approve", s.ID)}, buttons...)
	}
	payload := map[string]any{
		"suggestion_id": s.ID,
		"rule":          s.Rule,
		"param":         s.Param,
		"current":       s.Current,
		"proposed":      s.Proposed,
	}
	if s.Impact != nil {
		payload["impact"] = s.Impact
	}
	if _, err := o.deps.Notifier.Alert(ctx, outbox.Alert{
		Type:      domain.AlertROESuggestion,
		Text:      fmt.Sprintf("ROE: %s (%s %v → %v)", s.Reason, s.Param, s.Current, s.Proposed),
		Payload:   payload,
		DedupeKey: "roe_suggestion:" + s.ID,
		Buttons:   [][]domain.Button{buttons},
	}); err != nil {
		o.deps.Logger.WithError(err).WithField("suggestion_id", s.ID).Warn("failed to enqueue suggestion alert")
	}
}

// List возвращает предложения в указанных статусах.
func (o *Optimizer) List(ctx context.Context, statuses []domain.SuggestionStatus, limit int) ([]domain.Suggestion, error) {
	return o.deps.Revenue.ListSuggestions(ctx, statuses, limit)
}

// Get возвращает предложение.
func (o *Optimizer) Get(ctx context.Context, id string) (domain.Suggestion, error) {
	return o.deps.Revenue.GetSuggestion(ctx, id)
}

// Approve переводит PENDING → APPROVED.
func (o *Optimizer) Approve(ctx context.Context, id, actor string) (domain.Suggestion, error) {
	return o.move(ctx, id, actor, domain.SuggestionApproved, func(s *domain.Suggestion) error {
		if s.Direction == domain.DirectionManual {
			return fmt.Errorf("%w: manual hint cannot be approved", domain.ErrSuggestionState)
		}
		return nil
	}, domain.SuggestionPending)
}

// Reject переводит PENDING или APPROVED → REJECTED.
func (o *Optimizer) Reject(ctx context.Context, id, actor string) (domain.Suggestion, error) {
	return o.move(ctx, id, actor, domain.SuggestionRejected, nil, domain.SuggestionPending, domain.SuggestionApproved)
}

func (o *Optimizer) move(ctx context.Context, id, actor string, to domain.SuggestionStatus, check func(*domain.Suggestion) error, from ...domain.SuggestionStatus) (domain.Suggestion, error) {
	now := o.deps.Clock.Now()
	return o.deps.Revenue.UpdateSuggestion(ctx, id, func(s *domain.Suggestion) error {
		if !slices.Contains(from, s.Status) {
			return fmt.Errorf("%w: suggestion is %s", domain.ErrSuggestionState, s.Status)
		}
		if check != nil {
			if err := check(s); err != nil {
				return err
			}
		}
		s.Status = to
		s.DecidedBy = actor
		s.UpdatedAt = now
		return nil
	})
}

// Apply переводит APPROVED → APPLIED: пишет параметр в system config, журнал изменений и базовый снимок.
func (o *Optimizer) Apply(ctx context.Context, id, actor string) (domain.Suggestion, error) {
	now := o.deps.Clock.Now()
	baseline, err := o.Snapshot(ctx)
	if err != nil {
		return domain.Suggestion{}, err
	}

	applied, err := o.deps.Revenue.UpdateSuggestion(ctx, id, func(s *domain.Suggestion) error {
		if s.Status != domain.SuggestionApproved {
			return fmt.Errorf("%w: suggestion is %s", domain.ErrSuggestionState, s.Status)
		}
		s.Status = domain.SuggestionApplied
		s.Baseline = &baseline
		s.MonitorUntil = domain.TimePtr(now.Add(o.rules.MonitorWindow))
		s.DecidedBy = actor
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Suggestion{}, err
	}

	var previous float64
	_, err = o.deps.Settings.Update(ctx, actor, now, func(cfg *domain.SystemConfig) error {
		cur, ok := paramValue(*cfg, applied.Param)
		if !ok {
			return fmt.Errorf("%w: unknown param %q", domain.ErrValidation, applied.Param)
		}
		previous = cur
		setParam(cfg, applied.Param, applied.Proposed)
		return nil
	})
	if err != nil {
		// Вернуть предложение в APPROVED, чтобы применение можно было повторить.
		if _, revertErr := o.deps.Revenue.UpdateSuggestion(ctx, id, func(s *domain.Suggestion) error {
			s.Status = domain.SuggestionApproved
			s.Baseline = nil
			s.MonitorUntil = nil
			return nil
		}); revertErr != nil {
			o.deps.Logger.WithError(revertErr).WithField("suggestion_id", id).Error("failed to revert suggestion after config error")
		}
		return domain.Suggestion{}, fmt.Errorf("update system config: %w", err)
	}
	if err := o.deps.Revenue.AppendChangeLog(ctx, domain.ChangeLogEntry{
		ID:           uuid.NewString(),
		SuggestionID: id,
		Param:        applied.Param,
		Previous:     previous,
		Next:         applied.Proposed,
		Actor:        actor,
		CreatedAt:    now,
	}); err != nil {
		return applied, fmt.Errorf("append change log: %w", err)
	}
	o.deps.Logger.WithFields(log.Fields{
		"suggestion_id": id,
		"param":         applied.Param,
		"previous":      previous,
		"next":          applied.Proposed,
	}).Info("revenue suggestion applied")
	return applied, nil
}

// Rollback возвращает параметры к значениям до применения и переводит предложение в ROLLED_BACK.
func (o *Optimizer) Rollback(ctx context.Context, id, actor, reason string) (domain.Suggestion, error) {
	now := o.deps.Clock.Now()
	rolled, err := o.move(ctx, id, actor, domain.SuggestionRolledBack, nil, domain.SuggestionApplied, domain.SuggestionValidated)
	if err != nil {
		return domain.Suggestion{}, err
	}

	entries, err := o.deps.Revenue.ChangeLog(ctx, id)
	if err != nil {
		return rolled, fmt.Errorf("load change log: %w", err)
	}
	// Первая запись журнала хранит исходное применение, восстанавливается её previous.
	if len(entries) > 0 {
		entry := entries[0]
		if _, err := o.deps.Settings.Update(ctx, actor, now, func(cfg *domain.SystemConfig) error {
			setParam(cfg, entry.Param, entry.Previous)
			return nil
		}); err != nil {
			return rolled, fmt.Errorf("restore %s: %w", entry.Param, err)
		}
		if err := o.deps.Revenue.AppendChangeLog(ctx, domain.ChangeLogEntry{
			ID:           uuid.NewString(),
			SuggestionID: id,
			Param:        entry.Param,
			Previous:     entry.Next,
			Next:         entry.Previous,
			Actor:        actor,
			CreatedAt:    now,
		}); err != nil {
			return rolled, fmt.Errorf("append change log: %w", err)
		}
	}

	o.deps.Logger.WithFields(log.Fields{"suggestion_id": id, "reason": reason}).Warn("revenue suggestion rolled back")
	if o.deps.Notifier != nil {
		if _, err := o.deps.Notifier.Alert(ctx, outbox.Alert{
			Type: domain.AlertROERollback,
			Text: fmt.Sprintf("ROE: відкат %s (%s): %s", rolled.Param, rolled.Rule, reason),
			Payload: map[string]any{
				"suggestion_id": id,
				"param":         rolled.Param,
				"restored":      rolled.Current,
				"reason":        reason,
			},
			DedupeKey: "roe_rollback:" + id,
		}); err != nil {
			o.deps.Logger.WithError(err).WithField("suggestion_id", id).Warn("failed to enqueue rollback alert")
		}
	}
	return rolled, nil
}

// WatchOnce проверяет применённые предложения с истёкшим окном мониторинга.
func (o *Optimizer) WatchOnce(ctx context.Context) (WatchStats, error) {
	now := o.deps.Clock.Now()
	applied, err := o.deps.Revenue.ListSuggestions(ctx, []domain.SuggestionStatus{domain.SuggestionApplied}, 0)
	if err != nil {
		return WatchStats{}, fmt.Errorf("list applied suggestions: %w", err)
	}

	var (
		stats   WatchStats
		current *domain.Snapshot
	)
	for _, s := range applied {
		if s.MonitorUntil == nil || now.Before(*s.MonitorUntil) {
			continue
		}
		stats.Checked++
		if current == nil {
			snap, err := o.Snapshot(ctx)
			if err != nil {
				return stats, err
			}
			current = &snap
		}
		baseline := domain.Snapshot{}
		if s.Baseline != nil {
			baseline = *s.Baseline
		}
		rollback, deltas := ShouldRollback(o.rules, baseline, *current)
		logger := o.deps.Logger.WithFields(log.Fields{"suggestion_id": s.ID, "deltas": deltas})
		if rollback {
			if _, err := o.Rollback(ctx, s.ID, ActorWatchdog, fmt.Sprintf("KPI degraded: %v", deltas)); err != nil {
				stats.Failed++
				logger.WithError(err).Warn("rollback failed")
				continue
			}
			stats.RolledBack++
			continue
		}
		if _, err := o.move(ctx, s.ID, ActorWatchdog, domain.SuggestionValidated, nil, domain.SuggestionApplied); err != nil {
			stats.Failed++
			logger.WithError(err).Warn("validate failed")
			continue
		}
		stats.Validated++
		logger.Info("revenue suggestion validated")
	}
	return stats, nil
}
