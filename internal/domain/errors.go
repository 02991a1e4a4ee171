package domain

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation — общая ошибка валидации входных данных.
	ErrValidation = errors.New("validation failed")
	// Ошибка пустой корзины при оформлении заказа.
	ErrCartEmpty = errors.New("cart is empty")
	// Ошибка отсутствия товара в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка отсутствующего телефона получателя.
	ErrPhoneRequired = errors.New("shipping phone is required")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия total = subtotal + shipping - discount.
	ErrTotalMismatch = errors.New("order total does not match subtotal, shipping and discount")
	// ErrMalformedProviderOrderID — order_id провайдера не раскладывается на части.
	ErrMalformedProviderOrderID = errors.New("malformed provider order id")

	// ErrUnauthorized — нет учётных данных.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden — учётные данные есть, но прав недостаточно.
	ErrForbidden = errors.New("forbidden")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrCustomerNotFound возвращается, если профиль клиента не найден.
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrEventNotFound возвращается, если событие провайдера не найдено.
	ErrEventNotFound = errors.New("provider event not found")
	// ErrOutboxMessageNotFound возвращается, если сообщение outbox не найдено.
	ErrOutboxMessageNotFound = errors.New("outbox message not found")
	// ErrSuggestionNotFound возвращается, если предложение ROE не найдено.
	ErrSuggestionNotFound = errors.New("revenue suggestion not found")
	// ErrPolicyActionNotFound возвращается, если предложенное действие политики не найдено.
	ErrPolicyActionNotFound = errors.New("policy action not found")
	// ErrExperimentNotFound возвращается, если A/B эксперимент не найден.
	ErrExperimentNotFound = errors.New("experiment not found")

	// ErrOrderConflict сигнализирует, что compare-and-swap по заказу не прошёл.
	ErrOrderConflict = errors.New("order conflict")
	// ErrInvalidTransition — переход статуса не разрешён графом.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStatusNotAllowedForTTN — ТТН можно создать только для PAID/PROCESSING.
	ErrStatusNotAllowedForTTN = errors.New("order status not allowed for ttn")
	// ErrPaymentNotAllowed — платёж для заказа в текущем статусе создать нельзя.
	ErrPaymentNotAllowed = errors.New("payment not allowed for order status")
	// ErrSuggestionState — недопустимый переход жизненного цикла предложения ROE.
	ErrSuggestionState = errors.New("suggestion state conflict")
	// ErrPolicyActionState — действие политики уже решено.
	ErrPolicyActionState = errors.New("policy action state conflict")

	// ErrIdempotencyKeyRequired — отсутствует idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — отсутствует hash запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован с тем же payload.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyPayloadMismatch — ключ уже использован с другим payload.
	ErrIdempotencyPayloadMismatch = errors.New("idempotency payload mismatch")
	// ErrIdempotencyKeyNotFound — ключ не найден.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyInProgress — запрос с тем же ключом ещё обрабатывается.
	ErrIdempotencyInProgress = errors.New("request with the same idempotency key is in progress")

	// ErrProvider — платёжный провайдер или перевозчик вернул неуспех.
	ErrProvider = errors.New("provider error")
	// ErrCircuitOpen — вызовы провайдера временно заблокированы circuit breaker.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrSignatureInvalid — подпись webhook не сошлась.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrAmountMismatch — сумма в webhook не совпадает с ожидаемой.
	ErrAmountMismatch = errors.New("amount mismatch")
	// ErrOutboxDeliver — транспорт не смог доставить сообщение.
	ErrOutboxDeliver = errors.New("outbox delivery failed")
)

// ErrorKind — класс ошибки, определяющий восстановление и HTTP-статус.
type ErrorKind string

const (
	KindValidation          ErrorKind = "VALIDATION"
	KindAuth                ErrorKind = "AUTH"
	KindNotFound            ErrorKind = "NOT_FOUND"
	KindStateConflict       ErrorKind = "STATE_CONFLICT"
	KindIdempotencyMismatch ErrorKind = "IDEMPOTENCY_MISMATCH"
	KindProvider            ErrorKind = "PROVIDER_ERROR"
	KindSignatureInvalid    ErrorKind = "SIGNATURE_INVALID"
	KindAmountMismatch      ErrorKind = "AMOUNT_MISMATCH"
	KindTransientIO         ErrorKind = "TRANSIENT_IO"
)

type errorClass struct {
	err  error
	kind ErrorKind
	code string
}

// Порядок важен: первая совпавшая ошибка определяет класс.
var errorClasses = []errorClass{
	{ErrIdempotencyPayloadMismatch, KindIdempotencyMismatch, "IDEMPOTENCY_PAYLOAD_MISMATCH"},
	{ErrSignatureInvalid, KindSignatureInvalid, "SIGNATURE_INVALID"},
	{ErrAmountMismatch, KindAmountMismatch, "AMOUNT_MISMATCH"},
	{ErrUnauthorized, KindAuth, "UNAUTHORIZED"},
	{ErrForbidden, KindAuth, "FORBIDDEN"},
	{ErrOrderNotFound, KindNotFound, "ORDER_NOT_FOUND"},
	{ErrPaymentNotFound, KindNotFound, "PAYMENT_NOT_FOUND"},
	{ErrCustomerNotFound, KindNotFound, "CUSTOMER_NOT_FOUND"},
	{ErrEventNotFound, KindNotFound, "EVENT_NOT_FOUND"},
	{ErrOutboxMessageNotFound, KindNotFound, "OUTBOX_MESSAGE_NOT_FOUND"},
	{ErrSuggestionNotFound, KindNotFound, "SUGGESTION_NOT_FOUND"},
	{ErrPolicyActionNotFound, KindNotFound, "POLICY_ACTION_NOT_FOUND"},
	{ErrExperimentNotFound, KindNotFound, "EXPERIMENT_NOT_FOUND"},
	{ErrIdempotencyKeyNotFound, KindNotFound, "IDEMPOTENCY_KEY_NOT_FOUND"},
	{ErrInvalidTransition, KindStateConflict, "INVALID_TRANSITION"},
	{ErrOrderConflict, KindStateConflict, "ORDER_CONFLICT"},
	{ErrStatusNotAllowedForTTN, KindStateConflict, "ORDER_STATUS_NOT_ALLOWED_FOR_TTN"},
	{ErrPaymentNotAllowed, KindStateConflict, "PAYMENT_NOT_ALLOWED"},
	{ErrSuggestionState, KindStateConflict, "SUGGESTION_STATE_CONFLICT"},
	{ErrPolicyActionState, KindStateConflict, "POLICY_ACTION_STATE_CONFLICT"},
	{ErrIdempotencyInProgress, KindStateConflict, "IDEMPOTENCY_IN_PROGRESS"},
	{ErrIdempotencyKeyAlreadyExists, KindStateConflict, "IDEMPOTENCY_KEY_EXISTS"},
	{ErrCartEmpty, KindValidation, "CART_EMPTY"},
	{ErrProductNotFound, KindValidation, "PRODUCT_NOT_FOUND"},
	{ErrMalformedProviderOrderID, KindValidation, "MALFORMED_PROVIDER_ORDER_ID"},
	{ErrIdempotencyKeyRequired, KindValidation, "IDEMPOTENCY_KEY_REQUIRED"},
	{ErrIdempotencyRequestHashRequired, KindValidation, "IDEMPOTENCY_REQUEST_HASH_REQUIRED"},
	{ErrOrderIDRequired, KindValidation, "ORDER_ID_REQUIRED"},
	{ErrPhoneRequired, KindValidation, "PHONE_REQUIRED"},
	{ErrItemQtyInvalid, KindValidation, "ITEM_QTY_INVALID"},
	{ErrItemPriceInvalid, KindValidation, "ITEM_PRICE_INVALID"},
	{ErrTotalMismatch, KindValidation, "TOTAL_MISMATCH"},
	{ErrValidation, KindValidation, "VALIDATION_ERROR"},
	{ErrCircuitOpen, KindProvider, "PROVIDER_UNAVAILABLE"},
	{ErrProvider, KindProvider, "PROVIDER_ERROR"},
}

// KindOf классифицирует ошибку по таксономии. nil даёт пустой класс.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}
	return KindTransientIO
}

// ErrorCode возвращает стабильный токен ошибки для API и журналов.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// IsConflict проверяет, является ли ошибка конфликтом compare-and-swap по заказу.
func IsConflict(err error) bool {
	return errors.Is(err, ErrOrderConflict)
}

// IsIdempotencyConflict проверяет, что ключ идемпотентности уже занят.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyPayloadMismatch)
}

// Retryable сообщает, имеет ли смысл повторять операцию позже.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProvider, KindTransientIO:
		return true
	default:
		return false
	}
}

// HTTPStatus возвращает HTTP-код для класса ошибки.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		if errors.Is(err, ErrForbidden) {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case KindSignatureInvalid:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict, KindAmountMismatch:
		return http.StatusConflict
	case KindIdempotencyMismatch:
		return http.StatusUnprocessableEntity
	case KindProvider:
		return http.StatusBadGateway
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
