// Package pickup напоминает о посылках, ожидающих в пункте выдачи, и предупреждает операторов о риске возврата.
package pickup

import (
	"context"
	"fmt"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/metrics"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
	"github.com/vladislavdragonenkov/marketcore/internal/service/outbox"
)

// Level — ступень лестницы напоминаний.
type Level struct {
	Name     string
	Day      int
	Critical bool
}

var (
	branchLadder = []Level{{Name: "D2", Day: 2}, {Name: "D5", Day: 5}, {Name: "D7", Day: 7, Critical: true}}
	lockerLadder = []Level{{Name: "L1", Day: 1}, {Name: "L3", Day: 3}, {Name: "L5", Day: 5, Critical: true}}
)

// Ladder возвращает лестницу для типа пункта выдачи.
func Ladder(t domain.PickupPointType) []Level {
	if t == domain.PickupPointLocker {
		return lockerLadder
	}
	return branchLadder
}

// Config — параметры контроля.
type Config struct {
	BranchFreeDays int
	// LockerFreeDays — бесплатное хранение в почтомате, 1 или 2 дня.
	LockerFreeDays  int
	RiskOrders      int
	RiskAmountMinor int64
	Cooldown        time.Duration
	ScanLimit       int
}

// DefaultConfig возвращает 5 дней для отделения, 2 для почтомата и порог риска 3 заказа или 10 000 грн.
func DefaultConfig() Config {
	return Config{
		BranchFreeDays:  5,
		LockerFreeDays:  2,
		RiskOrders:      3,
		RiskAmountMinor: 1_000_000,
		Cooldown:        24 * time.Hour,
		ScanLimit:       500,
	}
}

// FreeDays возвращает бесплатный срок хранения.
func (c Config) FreeDays(t domain.PickupPointType) int {
	if t == domain.PickupPointLocker {
		return c.LockerFreeDays
	}
	return c.BranchFreeDays
}

// RiskBand: LOW до конца бесплатного срока, MEDIUM до free+2, HIGH дальше.
func RiskBand(days, free int) domain.Severity {
	switch {
	case days <= free:
		return domain.SeverityLow
	case days <= free+2:
		return domain.SeverityMedium
	default:
		return domain.SeverityHigh
	}
}

// DueLevel возвращает высшую достигнутую ступень, если она ещё не отправлялась.
func DueLevel(ladder []Level, days int, sent []string) (Level, bool) {
	var due Level
	found := false
	for _, l := range ladder {
		if days >= l.Day {
			due, found = l, true
		}
	}
	if !found || slices.Contains(sent, due.Name) {
		return Level{}, false
	}
	return due, true
}

// Deps — зависимости контроля.
type Deps struct {
	Machine   *orders.Machine
	Customers domain.CustomerRepository
	Settings  domain.SystemConfigRepository
	Notifier  *outbox.Notifier
	Metrics   *metrics.Lifecycle
	Clock     clock.Clock
	Logger    *log.Entry
}

// Stats — итог одного прохода.
type Stats struct {
	Scanned   int   `json:"scanned"`
	Reminded  int   `json:"reminded"`
	AtRisk    int   `json:"at_risk"`
	RiskUAH   int64 `json:"risk_uah"`
	Alerted   bool  `json:"alerted"`
	Failed    int   `json:"failed"`
	Returning int   `json:"returning"`
}

// Control — периодическая проверка посылок в пунктах выдачи.
type Control struct {
	deps Deps
	cfg  Config
}

// NewControl создаёт Control.
func NewControl(deps Deps, cfg Config) *Control {
	def := DefaultConfig()
	if cfg.BranchFreeDays <= 0 {
		cfg.BranchFreeDays = def.BranchFreeDays
	}
	if cfg.LockerFreeDays <= 0 {
		cfg.LockerFreeDays = def.LockerFreeDays
	}
	if cfg.RiskOrders <= 0 {
		cfg.RiskOrders = def.RiskOrders
	}
	if cfg.RiskAmountMinor <= 0 {
		cfg.RiskAmountMinor = def.RiskAmountMinor
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = def.ScanLimit
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = log.WithField("component", "pickup-control")
	}
	return &Control{deps: deps, cfg: cfg}
}

type riskyOrder struct {
	id    string
	ttn   string
	days  int
	total int64
}

// ProcessOnce проходит по отправленным заказам, прибывшим в пункт выдачи.
func (c *Control) ProcessOnce(ctx context.Context) (Stats, error) {
	now := c.deps.Clock.Now()
	list, err := c.deps.Machine.Repository().List(ctx, domain.OrderFilter{
		Statuses: []domain.OrderStatus{domain.OrderStatusShipped},
		WithTTN:  true,
		Limit:    c.cfg.ScanLimit,
	})
	if err != nil {
		return Stats{}, fmt.Errorf("list shipped orders: %w", err)
	}

	var (
		stats Stats
		risky []riskyOrder
	)
	for _, o := range list {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if o.Shipment == nil || o.Shipment.ArrivalAt == nil {
			continue
		}
		stats.Scanned++
		// Возвращаемую посылку забрать уже нельзя: без напоминаний и вне риска.
		if o.Returning() {
			stats.Returning++
			continue
		}
		days, reminded, err := c.processOrder(ctx, o, now)
		if err != nil {
			stats.Failed++
			c.deps.Logger.WithError(err).WithFields(log.Fields{"order_id": o.ID, "ttn": o.TTN()}).Warn("pickup control failed")
			continue
		}
		if reminded {
			stats.Reminded++
		}
		if days >= c.cfg.FreeDays(pickupType(o))+2 {
			risky = append(risky, riskyOrder{id: o.ID, ttn: o.TTN(), days: days, total: o.TotalMinor})
		}
	}
	stats.AtRisk = len(risky)

	if len(risky) > 0 {
		var total int64
		for _, r := range risky {
			total += r.total
		}
		stats.RiskUAH = domain.MinorToUAH(total).Round(0).IntPart()
		if len(risky) >= c.cfg.RiskOrders || total >= c.cfg.RiskAmountMinor {
			alerted, err := c.alertRisk(ctx, risky, total, now)
			if err != nil {
				c.deps.Logger.WithError(err).Warn("failed to enqueue pickup risk alert")
			}
			stats.Alerted = alerted
		}
	}
	return stats, nil
}

func pickupType(o domain.Order) domain.PickupPointType {
	if o.Shipment != nil && o.Shipment.PickupPointType != "" {
		return o.Shipment.PickupPointType
	}
	if o.Shipping.PickupPointType != "" {
		return o.Shipping.PickupPointType
	}
	return domain.PickupPointBranch
}

func (c *Control) processOrder(ctx context.Context, o domain.Order, now time.Time) (int, bool, error) {
	pt := pickupType(o)
	arrival := *o.Shipment.ArrivalAt
	days := clock.KyivDaysBetween(arrival, now)
	free := c.cfg.FreeDays(pt)

	storageDay1 := clock.KyivDate(arrival).AddDate(0, 0, 1)
	if o.Shipment.StorageDay1At != nil {
		storageDay1 = *o.Shipment.StorageDay1At
	}
	deadline := storageDay1.AddDate(0, 0, free)
	band := RiskBand(days, free)

	var sentLevel string
	level, due := DueLevel(Ladder(pt), days, o.Reminders.Pickup.SentLevels)
	cooling := o.Reminders.Pickup.CooldownUntil != nil && now.Before(*o.Reminders.Pickup.CooldownUntil)
	if due && !cooling {
		sent, err := c.remind(ctx, o, level, days, deadline)
		if err != nil {
			return days, false, err
		}
		if sent {
			sentLevel = level.Name
		}
	}

	sh := o.Shipment
	unchanged := sentLevel == "" &&
		sh.DaysAtPoint == days &&
		sh.Risk == band &&
		sh.StorageDay1At != nil && sh.StorageDay1At.Equal(storageDay1) &&
		sh.DeadlineFreeAt != nil && sh.DeadlineFreeAt.Equal(deadline)
	if unchanged {
		return days, false, nil
	}

	_, err := c.deps.Machine.Mutate(ctx, o.ID, domain.OrderGuard{Status: domain.OrderStatusShipped}, func(x *domain.Order) error {
		if x.Shipment == nil {
			return fmt.Errorf("%w: shipment block missing", domain.ErrOrderConflict)
		}
		x.Shipment.DaysAtPoint = days
		x.Shipment.Risk = band
		x.Shipment.StorageDay1At = domain.TimePtr(storageDay1)
		x.Shipment.DeadlineFreeAt = domain.TimePtr(deadline)
		if sentLevel != "" {
			if !slices.Contains(x.Reminders.Pickup.SentLevels, sentLevel) {
				x.Reminders.Pickup.SentLevels = append(x.Reminders.Pickup.SentLevels, sentLevel)
			}
			x.Reminders.Pickup.CooldownUntil = domain.TimePtr(now.Add(c.cfg.Cooldown))
		}
		return nil
	})
	if err != nil {
		return days, false, err
	}
	return days, sentLevel != "", nil
}

// remind ставит напоминание; повтор с тем же dedupe_key считается отправленным.
func (c *Control) remind(ctx context.Context, o domain.Order, level Level, days int, deadline time.Time) (bool, error) {
	if c.deps.Notifier == nil {
		return false, nil
	}
	rcpt, err := outbox.LoadRecipient(ctx, c.deps.Customers, o)
	if err != nil {
		return false, err
	}
	if rcpt.OptOut || rcpt.Blocked {
		return false, nil
	}
	channel, to, ok := rcpt.Preferred()
	if !ok {
		return false, nil
	}

	payload := map[string]any{
		"order_id":      o.ID,
		"ttn":           o.TTN(),
		"level":         level.Name,
		"days_at_point": days,
		"deadline_free": clock.KyivDateString(deadline),
		"critical":      level.Critical,
	}
	key := "pickup:" + o.ID + ":" + level.Name
	res, err := c.deps.Notifier.Notify(ctx, outbox.Notification{
		Channel:   channel,
		To:        to,
		Template:  outbox.PickupTemplate(level.Name),
		Payload:   payload,
		DedupeKey: key,
	})
	if err != nil {
		return false, err
	}
	if level.Critical && channel != domain.ChannelEmail && rcpt.Email != "" {
		if _, err := c.deps.Notifier.Notify(ctx, outbox.Notification{
			Channel:   domain.ChannelEmail,
			To:        rcpt.Email,
			Template:  outbox.PickupTemplate(level.Name),
			Payload:   payload,
			DedupeKey: key + ":email",
		}); err != nil {
			c.deps.Logger.WithError(err).WithField("order_id", o.ID).Warn("failed to enqueue critical pickup email")
		}
	}
	if res.Inserted {
		c.deps.Metrics.RecordReminder("pickup", level.Name)
		c.deps.Logger.WithFields(log.Fields{"order_id": o.ID, "level": level.Name, "days": days}).Info("pickup reminder enqueued")
	}
	return true, nil
}

func (c *Control) alertRisk(ctx context.Context, risky []riskyOrder, total int64, now time.Time) (bool, error) {
	if c.deps.Notifier == nil {
		return false, nil
	}
	if c.deps.Settings != nil {
		cfg, err := c.deps.Settings.Get(ctx)
		if err != nil {
			return false, fmt.Errorf("load system config: %w", err)
		}
		if cfg.PickupAlertsMutedUntil != nil && now.Before(*cfg.PickupAlertsMutedUntil) {
			return false, nil
		}
	}

	day := clock.KyivDateString(now)
	items := make([]map[string]any, 0, len(risky))
	for _, r := range risky {
		items = append(items, map[string]any{"order_id": r.id, "ttn": r.ttn, "days": r.days})
	}
	res, err := c.deps.Notifier.Alert(ctx, outbox.Alert{
		Type: domain.AlertPickupRisk,
		Text: fmt.Sprintf("У пунктах видачі під ризиком повернення %d посилок на %s", len(risky), outbox.FormatUAH(total)),
		Payload: map[string]any{
			"orders":      items,
			"total_minor": total,
			"day":         day,
		},
		Buttons: [][]domain.Button{{
			outbox.Button("Список", "pickup_list", day),
			outbox.Button("Тиша 24 год", "pickup_mute", day),
		}},
		DedupeKey: "pickup_risk:" + day,
	})
	if err != nil {
		return false, err
	}
	return res.Inserted, nil
}

// AtRisk возвращает заказы, лежащие в пункте выдачи дольше free+2 дней.
func (c *Control) AtRisk(ctx context.Context) ([]domain.Order, error) {
	now := c.deps.Clock.Now()
	list, err := c.deps.Machine.Repository().List(ctx, domain.OrderFilter{
		Statuses: []domain.OrderStatus{domain.OrderStatusShipped},
		WithTTN:  true,
		Limit:    c.cfg.ScanLimit,
	})
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, o := range list {
		if o.Shipment == nil || o.Shipment.ArrivalAt == nil {
			continue
		}
		if clock.KyivDaysBetween(*o.Shipment.ArrivalAt, now) >= c.cfg.FreeDays(pickupType(o))+2 {
			out = append(out, o)
		}
	}
	return out, nil
}

// Mute глушит алерты о риске на duration.
func (c *Control) Mute(ctx context.Context, actor string, duration time.Duration) (time.Time, error) {
	if c.deps.Settings == nil {
		return time.Time{}, fmt.Errorf("%w: settings store is not configured", domain.ErrValidation)
	}
	now := c.deps.Clock.Now()
	until := now.Add(duration)
	_, err := c.deps.Settings.Update(ctx, actor, now, func(cfg *domain.SystemConfig) error {
		cfg.PickupAlertsMutedUntil = domain.TimePtr(until)
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return until, nil
}
