package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IDGenerator generates unique IDs for invoices and lines
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Deps overrides the collaborators of a Service. Zero fields get defaults.
type Deps struct {
	// Counter defaults to the DB itself.
	Counter CounterStore
	// Locker defaults to an in-process locker.
	Locker      Locker
	Machine     StatusMachine
	Rates       RateBook
	IDGenerator IDGenerator
	TimeSource  TimeSource
}

// Service is the invoice ledger engine
type Service struct {
	db          DB
	allocator   *Allocator
	locker      Locker
	machine     StatusMachine
	rates       RateBook
	idGenerator IDGenerator
	timeSource  TimeSource
	validate    *validator.Validate
}

// NewService creates a new Service with default dependencies
func NewService(db DB) *Service {
	return NewServiceWithDeps(db, Deps{})
}

// NewServiceWithDeps creates a new Service with custom dependencies
func NewServiceWithDeps(db DB, deps Deps) *Service {
	if deps.Counter == nil {
		deps.Counter = db
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Rates == nil {
		deps.Rates = DefaultRates()
	}
	if deps.IDGenerator == nil {
		deps.IDGenerator = &uuidGenerator{}
	}
	if deps.TimeSource == nil {
		deps.TimeSource = &defaultTimeSource{}
	}
	return &Service{
		db:          db,
		allocator:   NewAllocator(deps.Counter),
		locker:      deps.Locker,
		machine:     deps.Machine,
		rates:       deps.Rates,
		idGenerator: deps.IDGenerator,
		timeSource:  deps.TimeSource,
		validate:    newValidator(),
	}
}

// CreateRequest is the input of CreateInvoice. When DueDate is zero it is
// IssueDate plus PaymentTermDays. A TaxRateID takes precedence over TaxRate.
type CreateRequest struct {
	IssueDate       time.Time       `json:"issue_date" validate:"required"`
	DueDate         time.Time       `json:"due_date"`
	PaymentTermDays int             `json:"payment_term_days" validate:"gte=0"`
	TaxRateID       string          `json:"tax_rate_id"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
	Lines           []LineInput     `json:"line_items" validate:"dive"`
}

// TaxRateInput selects a named rate or gives a numeric percentage.
type TaxRateInput struct {
	TaxRateID string          `json:"tax_rate_id"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
}

func (s *Service) resolveRateInput(in TaxRateInput) (string, decimal.Decimal, error) {
	if in.TaxRateID != "" {
		rate, ok := s.rates.Rate(in.TaxRateID)
		if !ok {
			return "", decimal.Zero, &ValidationError{
				Field:   "tax_rate_id",
				Message: fmt.Sprintf("unknown tax rate %q", in.TaxRateID),
			}
		}
		return in.TaxRateID, rate, nil
	}
	if err := resolveTaxRate("tax_rate", in.TaxRate); err != nil {
		return "", decimal.Zero, err
	}
	return "", in.TaxRate, nil
}

// CreateInvoice validates the request, reserves a number for the issue year
// and stores the invoice as unpaid. No number is reserved when the request is
// rejected.
func (s *Service) CreateInvoice(ctx context.Context, req CreateRequest) (*Invoice, error) {
	if err := validateStruct(s.validate, req); err != nil {
		return nil, err
	}

	issue := dateOnly(req.IssueDate)
	due := dateOnly(req.DueDate)
	if due.IsZero() {
		due = issue.AddDate(0, 0, req.PaymentTermDays)
	}
	if due.Before(issue) {
		return nil, fmt.Errorf("%w: due %s, issued %s", ErrInvalidDateRange,
			due.Format(time.DateOnly), issue.Format(time.DateOnly))
	}

	lines := make([]LineItem, 0, len(req.Lines))
	for i, in := range req.Lines {
		line, err := resolveLine(fmt.Sprintf("line_items[%d]", i), in.Description, in.Quantity, in.UnitPrice)
		if err != nil {
			return nil, err
		}
		line.ID = s.idGenerator.Generate()
		line.Position = i + 1
		lines = append(lines, line)
	}

	rateID, rate, err := s.resolveRateInput(TaxRateInput{TaxRateID: req.TaxRateID, TaxRate: req.TaxRate})
	if err != nil {
		return nil, err
	}

	totals, err := Compute(lines, rate)
	if err != nil {
		return nil, &ValidationError{Field: "line_items", Message: err.Error(), Err: ErrInvalidAmount}
	}

	number, err := s.allocator.NextNumber(ctx, issue.Year())
	if err != nil {
		return nil, fmt.Errorf("reserving invoice number: %w", err)
	}

	now := s.timeSource.Now()
	inv := &Invoice{
		ID:              s.idGenerator.Generate(),
		Number:          number,
		Status:          StatusUnpaid,
		IssueDate:       issue,
		DueDate:         due,
		PaymentTermDays: daysBetween(issue, due),
		TaxRateID:       rateID,
		TaxRate:         rate,
		Lines:           lines,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	inv.applyTotals(totals)

	if err := s.db.CreateInvoice(ctx, inv); err != nil {
		slog.Warn("Invoice number consumed without an invoice",
			"number", number,
			"error", err,
		)
		return nil, fmt.Errorf("saving invoice: %w", err)
	}

	slog.Info("Invoice created", "id", inv.ID, "number", inv.Number, "total", inv.Total.String())
	return inv, nil
}

// lockInvoice takes the invoice's lock. Lock failures other than a busy
// invoice mean the lock backend is down.
func (s *Service) lockInvoice(ctx context.Context, id string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		if errors.Is(err, ErrInvoiceBusy) {
			return nil, err
		}
		return nil, fmt.Errorf("locking invoice %s: %w", id, err)
	}
	return unlock, nil
}

// loadEditable loads an invoice for a line or tax edit.
func (s *Service) loadEditable(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.db.GetInvoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	if inv.Status == StatusPaid {
		return nil, fmt.Errorf("%w: %s", ErrInvoiceLocked, inv.Number)
	}
	return inv, nil
}

// refreshCommittedLines replaces inv.Lines with what the store holds now.
// Totals are only ever computed after this step, never from the lines a
// caller submitted or an earlier read.
func (s *Service) refreshCommittedLines(ctx context.Context, inv *Invoice) error {
	lines, err := s.db.ListLines(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("reloading lines: %w", err)
	}
	inv.Lines = lines
	return nil
}

// recomputeWith returns the function the store calls with the committed line
// set, inside the transaction that applied the changes. Totals that do not
// fit are reported against field and abort the transaction.
func (s *Service) recomputeWith(field, rateID string, rate decimal.Decimal) RecomputeFunc {
	return func(lines []LineItem) (TotalsUpdate, error) {
		totals, err := Compute(lines, rate)
		if err != nil {
			return TotalsUpdate{}, &ValidationError{Field: field, Message: err.Error(), Err: ErrInvalidAmount}
		}
		return TotalsUpdate{
			TaxRateID: rateID,
			TaxRate:   rate,
			Totals:    totals,
			At:        s.timeSource.Now(),
		}, nil
	}
}

// applyChanges commits changes and the totals of the resulting line set in
// one store transaction, then reads the invoice back. The read back ignores
// cancellation of ctx: once the transaction committed the caller gets the
// committed state.
func (s *Service) applyChanges(ctx context.Context, id string, changes []LineChange, recompute RecomputeFunc) (*Invoice, error) {
	if err := s.db.ApplyLineChanges(ctx, id, changes, recompute); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return nil, err
		}
		return nil, fmt.Errorf("saving lines: %w", err)
	}
	return s.GetInvoice(context.WithoutCancel(ctx), id)
}

func (s *Service) resolveEdits(edits []LineEdit) ([]LineChange, error) {
	changes := make([]LineChange, 0, len(edits))
	for i, edit := range edits {
		field := fmt.Sprintf("edits[%d]", i)
		if err := validateStruct(s.validate, edit); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Field = field + "." + ve.Field
			}
			return nil, err
		}
		if edit.Op == EditRemove {
			changes = append(changes, LineChange{Op: EditRemove, Line: LineItem{ID: edit.LineID}})
			continue
		}
		line, err := resolveLine(field, edit.Description, edit.Quantity, edit.UnitPrice)
		if err != nil {
			return nil, err
		}
		line.ID = edit.LineID
		if edit.Op == EditAdd {
			line.ID = s.idGenerator.Generate()
		}
		changes = append(changes, LineChange{Op: edit.Op, Line: line})
	}
	return changes, nil
}

// UpdateLines applies line edits to an unpaid invoice. The edits and the
// totals computed from the resulting line set commit together.
func (s *Service) UpdateLines(ctx context.Context, id string, edits []LineEdit) (*Invoice, error) {
	changes, err := s.resolveEdits(edits)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inv, err := s.loadEditable(ctx, id)
	if err != nil {
		return nil, err
	}
	rate := effectiveRate(s.rates, inv)
	return s.applyChanges(ctx, id, changes, s.recomputeWith("edits", inv.TaxRateID, rate))
}

// ChangeTaxRate switches an unpaid invoice to another rate and recomputes.
func (s *Service) ChangeTaxRate(ctx context.Context, id string, in TaxRateInput) (*Invoice, error) {
	rateID, rate, err := s.resolveRateInput(in)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.loadEditable(ctx, id); err != nil {
		return nil, err
	}
	return s.applyChanges(ctx, id, nil, s.recomputeWith("tax_rate", rateID, rate))
}

// ChangeStatus moves an invoice to target through the status machine.
func (s *Service) ChangeStatus(ctx context.Context, id string, target Status, reason string) (*Invoice, error) {
	unlock, err := s.lockInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inv, err := s.db.GetInvoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	from := inv.Status
	if err := s.machine.Apply(inv, target, reason, s.timeSource.Now()); err != nil {
		return nil, err
	}
	if err := s.db.SaveStatus(ctx, inv); err != nil {
		return nil, fmt.Errorf("saving status: %w", err)
	}

	slog.Info("Invoice status changed",
		"number", inv.Number,
		"from", from,
		"to", inv.Status,
		"reason", reason,
	)
	return inv, nil
}

// AllowedStatuses lists the statuses the invoice can move to right now.
func (s *Service) AllowedStatuses(ctx context.Context, id string) ([]Status, error) {
	inv, err := s.db.GetInvoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	return s.machine.Allowed(inv), nil
}

// GetTotals computes totals from the committed lines and the invoice's
// recorded rate. Stored totals are not consulted.
func (s *Service) GetTotals(ctx context.Context, id string) (Totals, error) {
	inv, err := s.db.GetInvoice(ctx, id)
	if err != nil {
		return Totals{}, fmt.Errorf("getting invoice: %w", err)
	}
	if err := s.refreshCommittedLines(ctx, inv); err != nil {
		return Totals{}, err
	}
	totals, err := Compute(inv.Lines, inv.TaxRate)
	if err != nil {
		return Totals{}, fmt.Errorf("computing totals for %s: %w", inv.Number, err)
	}
	return totals, nil
}

// GetInvoice retrieves an invoice by ID
func (s *Service) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.db.GetInvoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	return inv, nil
}

// ListInvoices returns invoices matching filter. Filtering by StatusOverdue
// returns unpaid invoices past their due date.
func (s *Service) ListInvoices(ctx context.Context, filter ListFilter) ([]*Invoice, error) {
	if filter.Status != "" && !filter.Status.Valid() && filter.Status != StatusOverdue {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", filter.Status)}
	}

	storeFilter := filter
	if filter.Status == StatusOverdue {
		storeFilter.Status = StatusUnpaid
	}
	invoices, err := s.db.ListInvoices(ctx, storeFilter)
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	if filter.Status != StatusOverdue {
		return invoices, nil
	}

	today := s.timeSource.Now()
	overdue := make([]*Invoice, 0, len(invoices))
	for _, inv := range invoices {
		if inv.IsOverdue(today) {
			overdue = append(overdue, inv)
		}
	}
	return overdue, nil
}

// DeleteInvoice removes an invoice. Its number is not reissued.
func (s *Service) DeleteInvoice(ctx context.Context, id string) error {
	unlock, err := s.lockInvoice(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	inv, err := s.db.GetInvoice(ctx, id)
	if err != nil {
		return fmt.Errorf("getting invoice for deletion: %w", err)
	}
	if err := s.db.DeleteInvoice(ctx, id); err != nil {
		return fmt.Errorf("deleting invoice: %w", err)
	}
	slog.Info("Invoice deleted", "id", id, "number", inv.Number)
	return nil
}

// DuplicateInvoice copies an invoice's lines and rate into a new unpaid
// invoice issued today, keeping the original payment term.
func (s *Service) DuplicateInvoice(ctx context.Context, id string) (*Invoice, error) {
	src, err := s.db.GetInvoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting invoice to duplicate: %w", err)
	}

	req := CreateRequest{
		IssueDate:       dateOnly(s.timeSource.Now()),
		PaymentTermDays: max(0, daysBetween(src.IssueDate, src.DueDate)),
		TaxRate:         src.TaxRate,
		Lines:           make([]LineInput, 0, len(src.Lines)),
	}
	if _, ok := s.rates.Rate(src.TaxRateID); ok {
		req.TaxRateID = src.TaxRateID
	}
	for _, line := range src.Lines {
		req.Lines = append(req.Lines, LineInput{
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
		})
	}

	dup, err := s.CreateInvoice(ctx, req)
	if err != nil {
		return nil, err
	}
	slog.Info("Invoice duplicated", "from", src.Number, "to", dup.Number)
	return dup, nil
}
