// Package outbox ставит уведомления и алерты в durable очередь и доставляет их.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// Notification — сообщение клиенту.
type Notification struct {
	Channel   domain.Channel
	To        string
	Template  string
	Payload   any
	DedupeKey string
}

// Alert — сообщение операторам с кнопками действий.
type Alert struct {
	Type      string
	Text      string
	Payload   map[string]any
	DedupeKey string
	Buttons   [][]domain.Button
}

// Recipient — контакты получателя уведомлений.
type Recipient struct {
	TelegramChatID string
	Phone          string
	Email          string
	OptOut         bool
	Blocked        bool
}

// RecipientFor собирает контакты из заказа и профиля клиента.
func RecipientFor(o domain.Order, c domain.Customer) Recipient {
	email := o.Shipping.Email
	if email == "" {
		email = c.Contact.Email
	}
	return Recipient{
		TelegramChatID: c.Contact.TelegramChatID,
		Phone:          o.Shipping.Phone,
		Email:          email,
		OptOut:         c.Contact.OptOut,
		Blocked:        c.Contact.Blocked,
	}
}

// Preferred выбирает канал по приоритету: Telegram, SMS, email.
func (r Recipient) Preferred() (domain.Channel, string, bool) {
	switch {
	case r.TelegramChatID != "":
		return domain.ChannelTelegram, r.TelegramChatID, true
	case r.Phone != "":
		return domain.ChannelSMS, r.Phone, true
	case r.Email != "":
		return domain.ChannelEmail, r.Email, true
	default:
		return "", "", false
	}
}

// NotifierOption настраивает Notifier.
type NotifierOption func(*Notifier)

// WithNotifierLogger задаёт logger.
func WithNotifierLogger(logger *log.Entry) NotifierOption {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithNotifierClock задаёт часы.
func WithNotifierClock(c clock.Clock) NotifierOption {
	return func(n *Notifier) {
		if c != nil {
			n.clock = c
		}
	}
}

// WithAdminChatID задаёт чат операторов для алертов.
func WithAdminChatID(chatID string) NotifierOption {
	return func(n *Notifier) {
		n.adminChatID = chatID
	}
}

// Notifier — единая точка постановки сообщений в outbox.
type Notifier struct {
	repo        domain.OutboxRepository
	clock       clock.Clock
	adminChatID string
	logger      *log.Entry
}

// NewNotifier создаёт Notifier.
func NewNotifier(repo domain.OutboxRepository, options ...NotifierOption) *Notifier {
	n := &Notifier{
		repo:        repo,
		clock:       clock.Real{},
		adminChatID: "admin",
		logger:      log.WithField("component", "outbox-notifier"),
	}
	for _, option := range options {
		option(n)
	}
	return n
}

// Repository возвращает репозиторий outbox.
func (n *Notifier) Repository() domain.OutboxRepository {
	return n.repo
}

// Notify ставит уведомление клиенту. Повтор dedupe_key возвращает существующую запись.
func (n *Notifier) Notify(ctx context.Context, msg Notification) (domain.EnqueueResult, error) {
	if msg.To == "" || msg.DedupeKey == "" || msg.Template == "" {
		return domain.EnqueueResult{}, fmt.Errorf("%w: notification requires to, template and dedupe_key", domain.ErrValidation)
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return domain.EnqueueResult{}, fmt.Errorf("marshal notification payload: %w", err)
	}

	return n.enqueue(ctx, domain.OutboxMessage{
		Kind:      domain.OutboxKindNotification,
		Channel:   msg.Channel,
		To:        msg.To,
		Template:  msg.Template,
		Payload:   payload,
		DedupeKey: msg.DedupeKey,
	})
}

// Alert ставит алерт операторам в канал администраторов.
func (n *Notifier) Alert(ctx context.Context, alert Alert) (domain.EnqueueResult, error) {
	if alert.Type == "" || alert.DedupeKey == "" {
		return domain.EnqueueResult{}, fmt.Errorf("%w: alert requires type and dedupe_key", domain.ErrValidation)
	}
	body := map[string]any{"type": alert.Type, "text": alert.Text}
	for k, v := range alert.Payload {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.EnqueueResult{}, fmt.Errorf("marshal alert payload: %w", err)
	}

	var markup *domain.ReplyMarkup
	if len(alert.Buttons) > 0 {
		markup = &domain.ReplyMarkup{Rows: alert.Buttons}
	}

	return n.enqueue(ctx, domain.OutboxMessage{
		Kind:        domain.OutboxKindAdminAlert,
		Type:        alert.Type,
		Channel:     domain.ChannelTelegram,
		To:          n.adminChatID,
		Template:    domain.TemplateAdminAlert,
		Payload:     payload,
		DedupeKey:   alert.DedupeKey,
		ReplyMarkup: markup,
	})
}

func (n *Notifier) enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.EnqueueResult, error) {
	now := n.clock.Now()
	msg.ID = uuid.NewString()
	msg.Status = domain.OutboxStatusPending
	msg.CreatedAt = now
	msg.UpdatedAt = now

	res, err := n.repo.Enqueue(ctx, msg)
	if err != nil {
		n.logger.WithError(err).WithField("dedupe_key", msg.DedupeKey).Warn("failed to enqueue outbox message")
		return domain.EnqueueResult{}, err
	}
	if res.Inserted {
		n.logger.WithFields(log.Fields{
			"dedupe_key": msg.DedupeKey,
			"kind":       msg.Kind,
			"channel":    msg.Channel,
		}).Debug("outbox message enqueued")
	}
	return res, nil
}

var uaPrinter = message.NewPrinter(language.Ukrainian)

// FormatUAH форматирует сумму в копейках для текста сообщений.
func FormatUAH(minor int64) string {
	uah := domain.MinorToUAH(minor)
	if uah.IsInteger() {
		return uaPrinter.Sprintf("%d грн", uah.IntPart())
	}
	f, _ := uah.Float64()
	return uaPrinter.Sprintf("%.2f грн", f)
}

// Button собирает кнопку с callback "action:target".
func Button(text, action, target string) domain.Button {
	return domain.Button{Text: text, CallbackData: domain.CallbackData(action, target)}
}

// PickupTemplate возвращает шаблон напоминания для уровня лестницы.
func PickupTemplate(level string) string {
	return fmt.Sprintf(domain.TemplatePickupReminderFmt, strings.ToUpper(level))
}

// LoadRecipient собирает получателя по заказу; отсутствие профиля клиента не ошибка.
func LoadRecipient(ctx context.Context, customers domain.CustomerRepository, o domain.Order) (Recipient, error) {
	if customers == nil || o.Shipping.Phone == "" {
		return RecipientFor(o, domain.Customer{}), nil
	}
	c, err := customers.Get(ctx, o.Shipping.Phone)
	if err != nil && !errors.Is(err, domain.ErrCustomerNotFound) {
		return RecipientFor(o, domain.Customer{}), fmt.Errorf("load customer: %w", err)
	}
	return RecipientFor(o, c), nil
}
