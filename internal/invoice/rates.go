package invoice

import (
	"log/slog"

	"github.com/shopspring/decimal"
)

// RateBook resolves named tax rates (percentages).
type RateBook interface {
	Rate(id string) (decimal.Decimal, bool)
}

// StaticRates is a fixed RateBook.
type StaticRates map[string]decimal.Decimal

func (r StaticRates) Rate(id string) (decimal.Decimal, bool) {
	rate, ok := r[id]
	return rate, ok
}

// DefaultRates returns the standard, reduced and zero VAT rates.
func DefaultRates() StaticRates {
	return StaticRates{
		"standard": decimal.NewFromInt(24),
		"reduced":  decimal.NewFromInt(9),
		"zero":     decimal.Zero,
	}
}

// effectiveRate returns the rate to compute with. A rate ID the book no
// longer knows falls back to the invoice's last recorded numeric rate.
func effectiveRate(rates RateBook, inv *Invoice) decimal.Decimal {
	if inv.TaxRateID == "" {
		return inv.TaxRate
	}
	if rate, ok := rates.Rate(inv.TaxRateID); ok {
		return rate
	}
	slog.Warn("Tax rate not found, using recorded rate",
		"invoice", inv.Number,
		"tax_rate_id", inv.TaxRateID,
		"recorded_rate", inv.TaxRate.String(),
	)
	return inv.TaxRate
}
