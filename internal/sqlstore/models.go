package sqlstore

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/waltings/billipocket-gpt5/internal/invoice"
	"github.com/waltings/billipocket-gpt5/internal/money"
)

type invoiceRow struct {
	ID              string          `gorm:"primaryKey;size:36"`
	Number          string          `gorm:"size:32;uniqueIndex;not null"`
	Year            int             `gorm:"index;not null"`
	Ordinal         int             `gorm:"not null"`
	Status          string          `gorm:"size:16;index;not null"`
	IssueDate       time.Time       `gorm:"not null"`
	DueDate         time.Time       `gorm:"not null"`
	PaymentTermDays int             `gorm:"not null;default:0"`
	TaxRateID       string          `gorm:"size:32"`
	TaxRate         decimal.Decimal `gorm:"type:decimal(7,4);not null"`
	Subtotal        money.Money     `gorm:"type:decimal(15,2);not null"`
	TaxAmount       money.Money     `gorm:"type:decimal(15,2);not null"`
	Total           money.Money     `gorm:"type:decimal(15,2);not null"`
	PaidAt          *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`

	Lines   []lineRow         `gorm:"foreignKey:InvoiceID"`
	History []statusChangeRow `gorm:"foreignKey:InvoiceID"`
}

func (invoiceRow) TableName() string { return "invoices" }

type lineRow struct {
	ID          string          `gorm:"primaryKey;size:36"`
	InvoiceID   string          `gorm:"size:36;index;not null"`
	Position    int             `gorm:"not null"`
	Description string          `gorm:"size:500;not null"`
	Quantity    decimal.Decimal `gorm:"type:decimal(18,6);not null"`
	UnitPrice   money.Money     `gorm:"type:decimal(15,2);not null"`
	LineTotal   money.Money     `gorm:"type:decimal(15,2);not null"`
}

func (lineRow) TableName() string { return "invoice_lines" }

type statusChangeRow struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	InvoiceID  string    `gorm:"size:36;index;not null"`
	FromStatus string    `gorm:"size:16;not null"`
	ToStatus   string    `gorm:"size:16;not null"`
	At         time.Time `gorm:"not null"`
	Reason     string    `gorm:"size:500"`
}

func (statusChangeRow) TableName() string { return "invoice_status_changes" }

// sequenceRow is the per-year counter. LastValue is the last ordinal issued.
type sequenceRow struct {
	Year      int `gorm:"primaryKey;autoIncrement:false"`
	LastValue int `gorm:"not null;default:0"`
}

func (sequenceRow) TableName() string { return "invoice_sequences" }

func toLineRow(invoiceID string, l invoice.LineItem) lineRow {
	return lineRow{
		ID:          l.ID,
		InvoiceID:   invoiceID,
		Position:    l.Position,
		Description: l.Description,
		Quantity:    l.Quantity,
		UnitPrice:   l.UnitPrice,
		LineTotal:   l.LineTotal,
	}
}

func (r lineRow) toLine() invoice.LineItem {
	return invoice.LineItem{
		ID:          r.ID,
		Position:    r.Position,
		Description: r.Description,
		Quantity:    r.Quantity,
		UnitPrice:   r.UnitPrice,
		LineTotal:   r.LineTotal,
	}
}

func toStatusChangeRow(invoiceID string, c invoice.StatusChange) statusChangeRow {
	return statusChangeRow{
		InvoiceID:  invoiceID,
		FromStatus: string(c.From),
		ToStatus:   string(c.To),
		At:         c.At.UTC(),
		Reason:     c.Reason,
	}
}

func toInvoiceRow(inv *invoice.Invoice) (invoiceRow, error) {
	year, ordinal, err := invoice.ParseNumber(string(inv.Number))
	if err != nil {
		return invoiceRow{}, err
	}
	row := invoiceRow{
		ID:              inv.ID,
		Number:          string(inv.Number),
		Year:            year,
		Ordinal:         ordinal,
		Status:          string(inv.Status),
		IssueDate:       inv.IssueDate,
		DueDate:         inv.DueDate,
		PaymentTermDays: inv.PaymentTermDays,
		TaxRateID:       inv.TaxRateID,
		TaxRate:         inv.TaxRate,
		Subtotal:        inv.Subtotal,
		TaxAmount:       inv.TaxAmount,
		Total:           inv.Total,
		PaidAt:          inv.PaidAt,
		CreatedAt:       inv.CreatedAt.UTC(),
		UpdatedAt:       inv.UpdatedAt.UTC(),
	}
	for _, l := range inv.Lines {
		row.Lines = append(row.Lines, toLineRow(inv.ID, l))
	}
	for _, c := range inv.StatusHistory {
		row.History = append(row.History, toStatusChangeRow(inv.ID, c))
	}
	return row, nil
}

func (r invoiceRow) toInvoice() *invoice.Invoice {
	inv := &invoice.Invoice{
		ID:              r.ID,
		Number:          invoice.Number(r.Number),
		Status:          invoice.Status(r.Status),
		IssueDate:       r.IssueDate.UTC(),
		DueDate:         r.DueDate.UTC(),
		PaymentTermDays: r.PaymentTermDays,
		TaxRateID:       r.TaxRateID,
		TaxRate:         r.TaxRate,
		Subtotal:        r.Subtotal,
		TaxAmount:       r.TaxAmount,
		Total:           r.Total,
		PaidAt:          r.PaidAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if len(r.Lines) > 0 {
		inv.Lines = make([]invoice.LineItem, 0, len(r.Lines))
		for _, l := range r.Lines {
			inv.Lines = append(inv.Lines, l.toLine())
		}
	}
	for _, h := range r.History {
		inv.StatusHistory = append(inv.StatusHistory, invoice.StatusChange{
			From:   invoice.Status(h.FromStatus),
			To:     invoice.Status(h.ToStatus),
			At:     h.At,
			Reason: h.Reason,
		})
	}
	return inv
}
