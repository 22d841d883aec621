package services

import (
	"math"

	"github.com/shopspring/decimal"
)

// amountPlaces is the fixed number of decimals HDFC expects for INR
const amountPlaces = 2

// FormatAmount renders value the way the gateway expects ("499.00").
// Non-finite, negative and zero amounts are rejected with ErrInvalidAmount.
func FormatAmount(value float64) (string, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return "", ErrInvalidAmount
	}
	return FormatDecimal(decimal.NewFromFloat(value))
}

// FormatDecimal is FormatAmount for values already held as decimals
func FormatDecimal(value decimal.Decimal) (string, error) {
	rounded := value.Round(amountPlaces)
	if !rounded.IsPositive() {
		return "", ErrInvalidAmount
	}
	return rounded.StringFixed(amountPlaces), nil
}

// ParseAmount reads an amount in gateway form back into a decimal
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}
