package invoice

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/waltings/billipocket-gpt5/internal/money"
)

// Status is a persisted lifecycle state. StatusOverdue is never stored; it is
// derived by DisplayStatus.
type Status string

const (
	StatusUnpaid  Status = "unpaid"
	StatusPaid    Status = "paid"
	StatusOverdue Status = "overdue"
)

// Valid reports whether s may be persisted.
func (s Status) Valid() bool {
	return s == StatusUnpaid || s == StatusPaid
}

// DisplayName is the label shown on badges.
func (s Status) DisplayName() string {
	switch s {
	case StatusUnpaid:
		return "Unpaid"
	case StatusPaid:
		return "Paid"
	case StatusOverdue:
		return "Overdue"
	}
	return string(s)
}

// Invoice is the read model handed to rendering, listing and dashboards.
type Invoice struct {
	ID              string          `json:"id"`
	Number          Number          `json:"number"`
	Status          Status          `json:"status"`
	IssueDate       time.Time       `json:"issue_date"`
	DueDate         time.Time       `json:"due_date"`
	PaymentTermDays int             `json:"payment_term_days,omitempty"`
	TaxRateID       string          `json:"tax_rate_id,omitempty"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
	Subtotal        money.Money     `json:"subtotal"`
	TaxAmount       money.Money     `json:"tax_amount"`
	Total           money.Money     `json:"total"`
	Lines           []LineItem      `json:"line_items,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	StatusHistory   []StatusChange  `json:"status_history,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// LineItem is one billable row. LineTotal is always quantity × unit price
// rounded to cents.
type LineItem struct {
	ID          string          `json:"id"`
	Position    int             `json:"position"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   money.Money     `json:"unit_price"`
	LineTotal   money.Money     `json:"line_total"`
}

// StatusChange is one entry of an invoice's status audit trail.
type StatusChange struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Totals is the derived money summary of an invoice.
type Totals struct {
	Subtotal  money.Money `json:"subtotal"`
	TaxAmount money.Money `json:"tax_amount"`
	Total     money.Money `json:"total"`
}

// Totals returns the stored totals.
func (inv *Invoice) Totals() Totals {
	return Totals{Subtotal: inv.Subtotal, TaxAmount: inv.TaxAmount, Total: inv.Total}
}

func (inv *Invoice) applyTotals(t Totals) {
	inv.Subtotal = t.Subtotal
	inv.TaxAmount = t.TaxAmount
	inv.Total = t.Total
}

// IsOverdue reports whether an unpaid invoice is past its due date on today.
func (inv *Invoice) IsOverdue(today time.Time) bool {
	return inv.Status == StatusUnpaid && inv.DueDate.Before(dateOnly(today))
}

// DisplayStatus returns the status shown to users, deriving overdue.
func (inv *Invoice) DisplayStatus(today time.Time) Status {
	if inv.IsOverdue(today) {
		return StatusOverdue
	}
	return inv.Status
}

// dateOnly drops the clock part so issue and due dates compare as calendar days.
func dateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween counts calendar days from one date to another. Both sides are
// normalized with dateOnly, so clock parts and zone offsets do not leak in.
func daysBetween(from, to time.Time) int {
	const secondsPerDay = 24 * 60 * 60
	return int((dateOnly(to).Unix() - dateOnly(from).Unix()) / secondsPerDay)
}
