// Package roe — контур оптимизации выручки: снимки KPI, правила изменения скидки и депозита, откат.
package roe

import (
	"math"
	"time"

	"github.com/samber/lo"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// SnapshotInput — данные окна для расчёта снимка.
type SnapshotInput struct {
	Orders   []domain.Order
	Payments []domain.Payment
	Ledger   []domain.LedgerEntry
	// Reminded — заказы, которым в окне отправлялось напоминание об оплате.
	Reminded []string
}

// BuildSnapshot считает KPI окна [from, to). Чистая функция входных данных.
func BuildSnapshot(in SnapshotInput, from, to time.Time) domain.Snapshot {
	s := domain.Snapshot{From: from, To: to, OrdersTotal: len(in.Orders)}

	declinedOrders := make(map[string]bool)
	for _, p := range in.Payments {
		if p.Status == domain.PaymentStatusDeclined {
			declinedOrders[p.OrderID] = true
		}
	}
	reminded := lo.SliceToMap(in.Reminded, func(id string) (string, bool) { return id, true })

	var (
		paidMinutes     float64
		paidRevenue     int64
		prepaidRequired int
		prepaidPaid     int
		depositRequired int
		depositPaid     int
		returned        = make(map[string]bool)
	)
	for _, o := range in.Orders {
		paid := isPaid(o)
		if paid {
			s.PaidTotal++
			paidMinutes += o.Payment.PaidAt.Sub(o.CreatedAt).Minutes()
			paidRevenue += o.TotalMinor
			s.DiscountTotalMinor += o.Discount.AmountMinor
			if reminded[o.ID] {
				s.RetryPaid++
			}
		}
		if declinedOrders[o.ID] {
			s.DeclinedTotal++
		}
		if o.Returns.Stage != "" && o.Returns.Stage != domain.ReturnStageNone {
			s.ReturnsTotal++
			returned[o.ID] = true
		}
		if o.PrepaidRequired() {
			prepaidRequired++
			if paid {
				prepaidPaid++
			}
		}
		if o.Deposit.Required {
			depositRequired++
			if o.Deposit.Paid {
				depositPaid++
			}
		}
	}

	for _, e := range in.Ledger {
		switch e.Type {
		case domain.LedgerPaymentIn:
			s.GrossRevenueMinor += e.AmountMinor
		case domain.LedgerReturnCostOut:
			s.ShippingLossMinor += e.AmountMinor
		case domain.LedgerShipCostOut:
			if returned[e.OrderID] {
				s.ShippingLossMinor += e.AmountMinor
			}
		}
	}
	s.NetRevenueMinor = s.GrossRevenueMinor - s.ShippingLossMinor

	s.DeclineRate = ratio(s.DeclinedTotal, s.OrdersTotal)
	s.ReturnRate = ratio(s.ReturnsTotal, s.OrdersTotal)
	s.RetryReminded = len(reminded)
	s.RecoveryRate = ratio(s.RetryPaid, s.RetryReminded)
	s.DepositConversion = ratio(depositPaid, depositRequired)
	s.PrepaidConversion = ratio(prepaidPaid, prepaidRequired)
	s.PrepaidVolume = prepaidPaid
	if s.PaidTotal > 0 {
		s.AvgPaymentTimeMin = round3(paidMinutes / float64(s.PaidTotal))
		s.AvgOrderMinor = paidRevenue / int64(s.PaidTotal)
	}
	s.NetMarginEst = NetMarginEst(s)
	return s
}

// NetMarginEst = clamp(paid_ratio − return_rate − 0.5·decline_rate, 0, 0.4).
func NetMarginEst(s domain.Snapshot) float64 {
	v := s.PaidRatio() - s.ReturnRate - 0.5*s.DeclineRate
	return round3(math.Max(0, math.Min(v, 0.4)))
}

func isPaid(o domain.Order) bool {
	return o.Payment != nil && o.Payment.PaidAt != nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return round3(float64(num) / float64(den))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
