// Package novaposhta — клиент API Nova Poshta: создание ТТН и трекинг.
package novaposhta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/provider"
)

// Name — идентификатор перевозчика в событиях.
const Name = "NOVAPOSHTA"

const (
	defaultBaseURL       = "https://api.novaposhta.ua/v2.0/json/"
	defaultCreateTimeout = 30 * time.Second
	defaultTrackTimeout  = 10 * time.Second
	npDateTimeLayout     = "2006-01-02 15:04:05"
)

// Коды статусов Nova Poshta, означающие прибытие в пункт выдачи.
var arrivalCodes = map[string]bool{"7": true, "8": true}

// Config — параметры отправителя и доступа к API.
type Config struct {
	APIKey                string
	SenderCityRef         string
	SenderWarehouseRef    string
	SenderCounterpartyRef string
	SenderContactRef      string
	SenderPhone           string
	BaseURL               string
	CreateTimeout         time.Duration
	TrackTimeout          time.Duration
}

// Client — HTTP-клиент Nova Poshta.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *provider.CircuitBreaker
	clock   clock.Clock
	logger  *log.Entry
}

var _ domain.Carrier = (*Client)(nil)

// NewClient создаёт клиента. Таймауты задаются на каждый вызов через context.
func NewClient(cfg Config, httpClient *http.Client, breaker *provider.CircuitBreaker, clk clock.Clock) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = defaultCreateTimeout
	}
	if cfg.TrackTimeout <= 0 {
		cfg.TrackTimeout = defaultTrackTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if breaker == nil {
		breaker = provider.NewCircuitBreaker(Name, 5, 30*time.Second, clk)
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		breaker: breaker,
		clock:   clk,
		logger:  log.WithField("component", "novaposhta-client"),
	}
}

// Name возвращает имя перевозчика.
func (c *Client) Name() string { return Name }

type apiRequest struct {
	APIKey           string `json:"apiKey"`
	ModelName        string `json:"modelName"`
	CalledMethod     string `json:"calledMethod"`
	MethodProperties any    `json:"methodProperties"`
}

type apiResponse struct {
	Success  bool              `json:"success"`
	Data     []json.RawMessage `json:"data"`
	Errors   []string          `json:"errors"`
	Warnings []string          `json:"warnings"`
}

type documentData struct {
	Ref                   string      `json:"Ref"`
	CostOnSite            json.Number `json:"CostOnSite"`
	EstimatedDeliveryDate string      `json:"EstimatedDeliveryDate"`
	IntDocNumber          string      `json:"IntDocNumber"`
}

type trackingData struct {
	Number              string `json:"Number"`
	StatusCode          string `json:"StatusCode"`
	Status              string `json:"Status"`
	ActualDeliveryDate  string `json:"ActualDeliveryDate"`
	DateFirstDayStorage string `json:"DateFirstDayStorage"`
}

// CreateDocument создаёт экспресс-накладную.
func (c *Client) CreateDocument(ctx context.Context, req domain.ShipmentRequest) (domain.ShipmentDocument, error) {
	weight := req.Weight
	if weight <= 0 {
		weight = 1
	}
	seats := req.SeatsAmount
	if seats <= 0 {
		seats = 1
	}
	payer := req.PayerTypeDelivery
	if payer == "" {
		payer = "Recipient"
	}
	recipientName := strings.TrimSpace(strings.Join([]string{req.RecipientLast, req.RecipientFirst, req.RecipientMiddle}, " "))

	props := map[string]any{
		"PayerType":        payer,
		"PaymentMethod":    "Cash",
		"DateTime":         c.clock.Now().In(clock.Kyiv()).Format("02.01.2006"),
		"CargoType":        "Parcel",
		"Weight":           strconv.FormatFloat(weight, 'f', -1, 64),
		"ServiceType":      "WarehouseWarehouse",
		"SeatsAmount":      strconv.Itoa(seats),
		"Description":      req.Description,
		"Cost":             strconv.FormatInt(req.DeclaredValueUAH, 10),
		"CitySender":       c.cfg.SenderCityRef,
		"Sender":           c.cfg.SenderCounterpartyRef,
		"SenderAddress":    c.cfg.SenderWarehouseRef,
		"ContactSender":    c.cfg.SenderContactRef,
		"SendersPhone":     c.cfg.SenderPhone,
		"CityRecipient":    req.CityRef,
		"RecipientAddress": req.WarehouseRef,
		"RecipientName":    recipientName,
		"RecipientType":    "PrivatePerson",
		"RecipientsPhone":  normalizePhone(req.Phone),
	}
	if req.OrderID != "" {
		props["AdditionalInformation"] = "Order " + req.OrderID
	}
	if req.CODAmountMinor > 0 {
		props["BackwardDeliveryData"] = []map[string]string{{
			"PayerType":        "Recipient",
			"CargoType":        "Money",
			"RedeliveryString": domain.MinorToUAH(req.CODAmountMinor).StringFixed(2),
		}}
	}

	var doc documentData
	err := c.call(ctx, c.cfg.CreateTimeout, "InternetDocument", "save", props, &doc)
	if err != nil {
		return domain.ShipmentDocument{}, err
	}
	if doc.IntDocNumber == "" {
		return domain.ShipmentDocument{}, fmt.Errorf("novaposhta save: empty IntDocNumber: %w", domain.ErrProvider)
	}

	var costMinor int64
	if doc.CostOnSite != "" {
		if cost, err := decimal.NewFromString(doc.CostOnSite.String()); err == nil {
			costMinor = domain.UAHToMinor(cost)
		}
	}
	return domain.ShipmentDocument{
		TTN:                   doc.IntDocNumber,
		CostMinor:             costMinor,
		EstimatedDeliveryDate: doc.EstimatedDeliveryDate,
		Ref:                   doc.Ref,
	}, nil
}

// TrackingStatus запрашивает статус отправления.
func (c *Client) TrackingStatus(ctx context.Context, ttn, phone string) (domain.TrackingStatus, error) {
	props := map[string]any{
		"Documents": []map[string]string{{"DocumentNumber": ttn, "Phone": normalizePhone(phone)}},
	}

	var data trackingData
	err := provider.Retry(ctx, provider.DefaultRetryConfig(), domain.Retryable, func(ctx context.Context) error {
		return c.call(ctx, c.cfg.TrackTimeout, "TrackingDocument", "getStatusDocuments", props, &data)
	})
	if err != nil {
		return domain.TrackingStatus{}, err
	}

	status := domain.TrackingStatus{
		TTN:       ttn,
		Code:      data.StatusCode,
		Text:      data.Status,
		UpdatedAt: c.clock.Now(),
	}
	if arrivalCodes[data.StatusCode] {
		status.ArrivalAt = parseNPTime(data.ActualDeliveryDate)
	}
	status.StorageDay1At = parseNPTime(data.DateFirstDayStorage)
	return status, nil
}

func (c *Client) call(ctx context.Context, timeout time.Duration, model, method string, props any, out any) error {
	operation := model + "." + method
	err := c.breaker.Execute(ctx, operation, func(ctx context.Context) error {
		body, err := json.Marshal(apiRequest{APIKey: c.cfg.APIKey, ModelName: model, CalledMethod: method, MethodProperties: props})
		if err != nil {
			return fmt.Errorf("marshal novaposhta request: %w", err)
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build novaposhta request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return fmt.Errorf("novaposhta %s: %w: %v", operation, domain.ErrProvider, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("novaposhta %s: read body: %w: %v", operation, domain.ErrProvider, err)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("novaposhta %s: http %d: %w", operation, resp.StatusCode, domain.ErrProvider)
		}

		var parsed apiResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("novaposhta %s: decode: %w: %v", operation, domain.ErrProvider, err)
		}
		if !parsed.Success || len(parsed.Data) == 0 {
			return fmt.Errorf("novaposhta %s: %s: %w", operation, strings.Join(parsed.Errors, "; "), domain.ErrProvider)
		}
		if err := json.Unmarshal(parsed.Data[0], out); err != nil {
			return fmt.Errorf("novaposhta %s: decode data: %w: %v", operation, domain.ErrProvider, err)
		}
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithField("operation", operation).Warn("novaposhta call failed")
	}
	return err
}

func parseNPTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range []string{npDateTimeLayout, time.DateOnly, "02.01.2006 15:04:05", "02.01.2006"} {
		if t, err := time.ParseInLocation(layout, value, clock.Kyiv()); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

// normalizePhone приводит номер к формату 380XXXXXXXXX.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "0") && len(digits) == 10 {
		return "38" + digits
	}
	return digits
}
