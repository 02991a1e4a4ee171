package domain

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// UAH — единственная валюта заказов.
var UAH = currency.MustParseISO("UAH")

// CurrencyUAH — ISO-код UAH для провайдеров и уведомлений.
var CurrencyUAH = UAH.String()

var hundred = decimal.NewFromInt(100)

// MinorToUAH переводит копейки в гривны.
func MinorToUAH(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(hundred)
}

// UAHToMinor переводит гривны в копейки с округлением до копейки.
func UAHToMinor(uah decimal.Decimal) int64 {
	return uah.Mul(hundred).Round(0).IntPart()
}

// WholeUAH округляет сумму в копейках до целых гривен.
func WholeUAH(minor int64) int64 {
	return MinorToUAH(minor).Round(0).IntPart() * 100
}

// PercentOf возвращает pct% от суммы, округлённые до целых гривен.
func PercentOf(minor int64, pct float64) int64 {
	uah := MinorToUAH(minor).Mul(decimal.NewFromFloat(pct)).Div(hundred)
	return uah.Round(0).IntPart() * 100
}

// WithinTolerance сравнивает суммы с допуском в копейках.
func WithinTolerance(a, b, tolerance int64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
