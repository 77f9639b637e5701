package invoice

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/waltings/billipocket-gpt5/internal/money"
)

// Compute derives subtotal, tax and total for a line set and a percentage
// tax rate. Line totals are already rounded, so the subtotal is an exact sum;
// the tax amount is the only value rounded here. Totals that do not fit a
// Money value fail with ErrInvalidAmount.
func Compute(lines []LineItem, taxRate decimal.Decimal) (Totals, error) {
	var subtotal money.Money
	for _, l := range lines {
		var err error
		if subtotal, err = subtotal.Add(l.LineTotal); err != nil {
			return Totals{}, fmt.Errorf("subtotal: %w", err)
		}
	}
	tax, err := money.Round(subtotal.Mul(taxRate).Shift(-2))
	if err != nil {
		return Totals{}, fmt.Errorf("tax amount: %w", err)
	}
	total, err := subtotal.Add(tax)
	if err != nil {
		return Totals{}, fmt.Errorf("total: %w", err)
	}
	return Totals{
		Subtotal:  subtotal,
		TaxAmount: tax,
		Total:     total,
	}, nil
}
