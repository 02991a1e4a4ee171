package domain

import (
	"context"
	"time"
)

// OrderRepository — единственный писатель документов заказов.
type OrderRepository interface {
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, id string) (Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	List(ctx context.Context, filter OrderFilter) ([]Order, error)
	// Update атомарно проверяет guard, применяет mutate и увеличивает версию.
	Update(ctx context.Context, id string, guard OrderGuard, mutate func(*Order) error) (Order, error)
}

// PaymentRepository хранит платежи. Активный платёж на (order, purpose) не более одного.
type PaymentRepository interface {
	// CreateOrGetActive вставляет платёж или возвращает уже активный на (order, purpose).
	CreateOrGetActive(ctx context.Context, payment Payment) (Payment, bool, error)
	Get(ctx context.Context, id string) (Payment, error)
	FindActive(ctx context.Context, orderID string, purpose PaymentPurpose) (Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]Payment, error)
	ListActive(ctx context.Context, createdAfter time.Time, limit int) ([]Payment, error)
	ListCreatedBetween(ctx context.Context, from, to time.Time) ([]Payment, error)
	Update(ctx context.Context, id string, mutate func(*Payment) error) (Payment, error)
}

// EventRepository — журнал событий провайдеров с уникальностью (provider, event_id) и signature_hash.
type EventRepository interface {
	// Insert возвращает inserted=false и существующую запись при дубликате.
	Insert(ctx context.Context, event ProviderEvent) (ProviderEvent, bool, error)
	Get(ctx context.Context, provider, eventID string) (ProviderEvent, error)
	MarkProcessed(ctx context.Context, id string, result []byte, now time.Time) error
	MarkFailed(ctx context.Context, id, reason string, now time.Time) error
	CountProcessed(ctx context.Context, provider, eventID string) (int, error)
}

// PaymentAuditRepository сохраняет сырые webhook до валидации.
type PaymentAuditRepository interface {
	Append(ctx context.Context, entry PaymentAuditEntry) error
	// List возвращает последние записи, новые первыми.
	List(ctx context.Context, limit int) ([]PaymentAuditEntry, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateLocked(ctx context.Context, keyHash, payloadHash string, ttlAt, now time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, keyHash string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, keyHash string, result []byte, httpStatus int, now time.Time) error
	MarkFailed(ctx context.Context, keyHash string, result []byte, httpStatus int, now time.Time) error
	// Relock переводит FAILED запись обратно в LOCKED для повторного выполнения.
	Relock(ctx context.Context, keyHash string, ttlAt, now time.Time) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxRepository — durable очередь уведомлений и алертов с уникальным dedupe_key.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (EnqueueResult, error)
	// Pick выбирает PENDING и FAILED с наступившим next_retry_at в порядке created_at.
	Pick(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)
	MarkSent(ctx context.Context, id string, meta map[string]string, now time.Time) error
	MarkFailed(ctx context.Context, id, reason string, attempts int, nextRetryAt *time.Time, now time.Time) error
	Get(ctx context.Context, id string) (OutboxMessage, error)
	GetByDedupeKey(ctx context.Context, dedupeKey string) (OutboxMessage, error)
	ListByDedupePrefix(ctx context.Context, prefix string, since time.Time, limit int) ([]OutboxMessage, error)
	// RequeueDead возвращает FAILED без next_retry_at в PENDING.
	RequeueDead(ctx context.Context, now time.Time, limit int) (int, error)
	Stats(ctx context.Context) (OutboxStats, error)
}

// LedgerRepository — append-only журнал проводок.
type LedgerRepository interface {
	// Append возвращает false, если (order_id, type, ref) уже есть.
	Append(ctx context.Context, entry LedgerEntry) (bool, error)
	List(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error)
}

// CustomerRepository хранит профили клиентов по телефону.
type CustomerRepository interface {
	Get(ctx context.Context, phone string) (Customer, error)
	// Update создаёт профиль при отсутствии и применяет mutate атомарно.
	Update(ctx context.Context, phone string, now time.Time, mutate func(*Customer) error) (Customer, error)
}

// CityPolicyRepository хранит ограничения по городам.
type CityPolicyRepository interface {
	Find(ctx context.Context, city string) (CityPolicy, bool, error)
	Upsert(ctx context.Context, policy CityPolicy) error
}

// PolicyRepository хранит предложения policy engine и аудит.
type PolicyRepository interface {
	InsertAction(ctx context.Context, action PolicyAction) (PolicyAction, bool, error)
	GetAction(ctx context.Context, id string) (PolicyAction, error)
	ListActions(ctx context.Context, status PolicyActionStatus, limit int) ([]PolicyAction, error)
	UpdateAction(ctx context.Context, id string, mutate func(*PolicyAction) error) (PolicyAction, error)
	AppendAudit(ctx context.Context, audit PolicyAudit) error
	ListAudit(ctx context.Context, target string, limit int) ([]PolicyAudit, error)
}

// SignalsSource считает оконные сигналы по заказам и платежам.
type SignalsSource interface {
	CustomerSignals(ctx context.Context, phone string, now time.Time) (CustomerSignals, error)
	RecentPhones(ctx context.Context, since time.Time, limit int) ([]string, error)
	CityStats(ctx context.Context, since time.Time) ([]CityStats, error)
}

// ExperimentRepository хранит эксперименты и закреплённые назначения.
type ExperimentRepository interface {
	GetExperiment(ctx context.Context, id string) (Experiment, error)
	PutExperiment(ctx context.Context, exp Experiment) error
	GetAssignment(ctx context.Context, expID, unit string) (Assignment, bool, error)
	// InsertAssignment при гонке возвращает победившее назначение.
	InsertAssignment(ctx context.Context, a Assignment) (Assignment, error)
}

// SystemConfigRepository — singleton настроек, last-writer-wins с историей.
type SystemConfigRepository interface {
	Get(ctx context.Context) (SystemConfig, error)
	Update(ctx context.Context, actor string, now time.Time, mutate func(*SystemConfig) error) (SystemConfig, error)
}

// RevenueRepository хранит снимки, предложения и журнал изменений ROE.
type RevenueRepository interface {
	InsertSnapshot(ctx context.Context, s Snapshot) error
	LatestSnapshot(ctx context.Context) (Snapshot, bool, error)
	InsertSuggestion(ctx context.Context, s Suggestion) error
	GetSuggestion(ctx context.Context, id string) (Suggestion, error)
	ListSuggestions(ctx context.Context, statuses []SuggestionStatus, limit int) ([]Suggestion, error)
	UpdateSuggestion(ctx context.Context, id string, mutate func(*Suggestion) error) (Suggestion, error)
	LastSuggestionAt(ctx context.Context, statuses []SuggestionStatus) (time.Time, bool, error)
	AppendChangeLog(ctx context.Context, entry ChangeLogEntry) error
	ChangeLog(ctx context.Context, suggestionID string) ([]ChangeLogEntry, error)
}

// Catalog — внешний каталог товаров.
type Catalog interface {
	Products(ctx context.Context, ids []string) (map[string]Product, error)
}

// CartStore — корзины пользователей.
type CartStore interface {
	Get(ctx context.Context, owner string) (Cart, error)
	Clear(ctx context.Context, owner string) error
}

// PaymentProvider — платёжный шлюз.
type PaymentProvider interface {
	Name() string
	CreatePayment(ctx context.Context, req PaymentRequest) (PaymentSession, error)
	// VerifyWebhook проверяет подпись входящего payload.
	VerifyWebhook(raw []byte, payload map[string]any) bool
	ParseWebhook(payload map[string]any) (WebhookEvent, error)
	// Status запрашивает текущий статус платежа у провайдера.
	Status(ctx context.Context, providerOrderID string) (WebhookEvent, error)
}

// Carrier — служба доставки.
type Carrier interface {
	Name() string
	CreateDocument(ctx context.Context, req ShipmentRequest) (ShipmentDocument, error)
	TrackingStatus(ctx context.Context, ttn, phone string) (TrackingStatus, error)
}

// OrderEventPublisher публикует доменные события заказа наружу.
type OrderEventPublisher interface {
	PublishStatusChanged(ctx context.Context, event StatusChangedEvent) error
}

// StatusChangedEvent — событие успешного перехода статуса.
type StatusChangedEvent struct {
	OrderID string      `json:"order_id"`
	From    OrderStatus `json:"from"`
	To      OrderStatus `json:"to"`
	Actor   string      `json:"actor"`
	Reason  string      `json:"reason,omitempty"`
	Version int64       `json:"version"`
	At      time.Time   `json:"at"`
}

// OutboxTransport доставляет сообщение outbox во внешний канал.
type OutboxTransport interface {
	// Deliver возвращает метаданные доставки (partition, offset, message id).
	Deliver(ctx context.Context, msg OutboxMessage) (map[string]string, error)
}

// DeadLetterPublisher принимает сообщения, исчерпавшие попытки доставки.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, msg OutboxMessage, reason string) error
}
