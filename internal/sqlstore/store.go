// Package sqlstore keeps invoices in a SQL database through gorm. MySQL is
// the production dialect.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/waltings/billipocket-gpt5/internal/invoice"
)

var _ invoice.DB = (*Store)(nil)

// Store implements invoice.DB on gorm
type Store struct {
	db *gorm.DB
}

// Config returns the gorm settings used for production connections.
// gorm's own log lines go through slog.
func Config() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger: logger.New(
			slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
			logger.Config{
				Colorful:                  false,
				LogLevel:                  logger.Error,
				SlowThreshold:             time.Second,
				IgnoreRecordNotFoundError: true,
			},
		),
	}
}

// Open connects to MySQL. The DSN must set parseTime=true.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), Config())
	if err != nil {
		return nil, fmt.Errorf("opening mysql: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(25)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}
	return New(db)
}

// New wraps an open gorm connection and migrates the schema
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&invoiceRow{}, &lineRow{}, &statusChangeRow{}, &sequenceRow{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &Store{db: db}, nil
}

func notFound(err error, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", invoice.ErrInvoiceNotFound, id)
	}
	return err
}

func takeInvoice(tx *gorm.DB, id string) (*invoiceRow, error) {
	var row invoiceRow
	if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(err, id)
	}
	return &row, nil
}

// NextOrdinal increments the year's row in one transaction. The UPDATE holds
// the row lock until commit, so concurrent callers queue behind it.
func (s *Store) NextOrdinal(ctx context.Context, year int) (int, error) {
	var next int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&sequenceRow{Year: year, LastValue: 0}).Error
		if err != nil {
			return fmt.Errorf("creating sequence row: %w", err)
		}
		err = tx.Model(&sequenceRow{}).
			Where("year = ?", year).
			Update("last_value", gorm.Expr("last_value + 1")).Error
		if err != nil {
			return fmt.Errorf("incrementing sequence: %w", err)
		}
		var row sequenceRow
		if err := tx.Where("year = ?", year).Take(&row).Error; err != nil {
			return fmt.Errorf("reading sequence: %w", err)
		}
		next = row.LastValue
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing sequence %d: %w", year, err)
	}
	return next, nil
}

// LastOrdinal returns the highest ordinal issued for year. Invoices written
// before the sequence table existed are covered by also checking MAX(ordinal).
func (s *Store) LastOrdinal(ctx context.Context, year int) (int, error) {
	db := s.db.WithContext(ctx)

	var row sequenceRow
	err := db.Where("year = ?", year).Take(&row).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("reading sequence %d: %w", year, err)
	}

	var maxOrdinal int
	err = db.Model(&invoiceRow{}).
		Where("year = ?", year).
		Select("COALESCE(MAX(ordinal), 0)").
		Scan(&maxOrdinal).Error
	if err != nil {
		return 0, fmt.Errorf("reading max ordinal %d: %w", year, err)
	}
	return max(row.LastValue, maxOrdinal), nil
}

// CreateInvoice inserts the invoice and its lines
func (s *Store) CreateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	row, err := toInvoiceRow(inv)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&invoiceRow{}).Where("number = ?", row.Number).Count(&count).Error; err != nil {
			return fmt.Errorf("checking number: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", invoice.ErrDuplicateNumber, row.Number)
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s", invoice.ErrDuplicateNumber, row.Number)
			}
			return fmt.Errorf("inserting invoice: %w", err)
		}
		return nil
	})
}

// GetInvoice loads an invoice with lines and status history
func (s *Store) GetInvoice(ctx context.Context, id string) (*invoice.Invoice, error) {
	var row invoiceRow
	err := s.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("id = ?", id).
		Take(&row).Error
	if err != nil {
		return nil, notFound(err, id)
	}
	inv := row.toInvoice()
	if inv.Lines == nil {
		inv.Lines = []invoice.LineItem{}
	}
	return inv, nil
}

// ListInvoices returns invoice headers, newest number first
func (s *Store) ListInvoices(ctx context.Context, filter invoice.ListFilter) ([]*invoice.Invoice, error) {
	q := s.db.WithContext(ctx).Model(&invoiceRow{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Year != 0 {
		q = q.Where("year = ?", filter.Year)
	}

	var rows []invoiceRow
	if err := q.Order("year DESC").Order("ordinal DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}

	invoices := make([]*invoice.Invoice, 0, len(rows))
	for _, r := range rows {
		invoices = append(invoices, r.toInvoice())
	}
	return invoices, nil
}

// ListLines reads the committed lines of an invoice
func (s *Store) ListLines(ctx context.Context, invoiceID string) ([]invoice.LineItem, error) {
	db := s.db.WithContext(ctx)
	if _, err := takeInvoice(db, invoiceID); err != nil {
		return nil, err
	}

	var rows []lineRow
	if err := db.Where("invoice_id = ?", invoiceID).Order("position").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing lines: %w", err)
	}
	lines := make([]invoice.LineItem, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, r.toLine())
	}
	return lines, nil
}

// ApplyLineChanges applies all changes and the resulting totals in one
// transaction
func (s *Store) ApplyLineChanges(ctx context.Context, invoiceID string, changes []invoice.LineChange, recompute invoice.RecomputeFunc) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := takeInvoice(tx, invoiceID)
		if err != nil {
			return err
		}

		var maxPos int
		err = tx.Model(&lineRow{}).
			Where("invoice_id = ?", invoiceID).
			Select("COALESCE(MAX(position), 0)").
			Scan(&maxPos).Error
		if err != nil {
			return fmt.Errorf("reading positions: %w", err)
		}

		for _, change := range changes {
			line := change.Line
			switch change.Op {
			case invoice.EditAdd:
				maxPos++
				line.Position = maxPos
				row := toLineRow(invoiceID, line)
				if err := tx.Create(&row).Error; err != nil {
					return fmt.Errorf("inserting line: %w", err)
				}
			case invoice.EditUpdate:
				var existing lineRow
				err := tx.Where("id = ? AND invoice_id = ?", line.ID, invoiceID).Take(&existing).Error
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: %s", invoice.ErrLineNotFound, line.ID)
				}
				if err != nil {
					return fmt.Errorf("reading line: %w", err)
				}
				err = tx.Model(&existing).Updates(map[string]any{
					"description": line.Description,
					"quantity":    line.Quantity,
					"unit_price":  line.UnitPrice,
					"line_total":  line.LineTotal,
				}).Error
				if err != nil {
					return fmt.Errorf("updating line: %w", err)
				}
			case invoice.EditRemove:
				res := tx.Where("id = ? AND invoice_id = ?", line.ID, invoiceID).Delete(&lineRow{})
				if res.Error != nil {
					return fmt.Errorf("deleting line: %w", res.Error)
				}
				if res.RowsAffected == 0 {
					return fmt.Errorf("%w: %s", invoice.ErrLineNotFound, line.ID)
				}
			default:
				return fmt.Errorf("unknown line edit %q", change.Op)
			}
		}

		if recompute == nil {
			return nil
		}
		var rows []lineRow
		if err := tx.Where("invoice_id = ?", invoiceID).Order("position").Find(&rows).Error; err != nil {
			return fmt.Errorf("rereading lines: %w", err)
		}
		lines := make([]invoice.LineItem, 0, len(rows))
		for _, r := range rows {
			lines = append(lines, r.toLine())
		}
		update, err := recompute(lines)
		if err != nil {
			return err
		}
		return tx.Model(row).Updates(map[string]any{
			"tax_rate_id": update.TaxRateID,
			"tax_rate":    update.TaxRate,
			"subtotal":    update.Totals.Subtotal,
			"tax_amount":  update.Totals.TaxAmount,
			"total":       update.Totals.Total,
			"updated_at":  update.At.UTC(),
		}).Error
	})
}

// SaveStatus writes status and payment time and appends new history entries
func (s *Store) SaveStatus(ctx context.Context, inv *invoice.Invoice) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := takeInvoice(tx, inv.ID)
		if err != nil {
			return err
		}
		err = tx.Model(row).Updates(map[string]any{
			"status":     string(inv.Status),
			"paid_at":    inv.PaidAt,
			"updated_at": inv.UpdatedAt.UTC(),
		}).Error
		if err != nil {
			return fmt.Errorf("updating status: %w", err)
		}

		var stored int64
		if err := tx.Model(&statusChangeRow{}).Where("invoice_id = ?", inv.ID).Count(&stored).Error; err != nil {
			return fmt.Errorf("counting history: %w", err)
		}
		for _, c := range inv.StatusHistory[min(int(stored), len(inv.StatusHistory)):] {
			h := toStatusChangeRow(inv.ID, c)
			if err := tx.Create(&h).Error; err != nil {
				return fmt.Errorf("inserting history: %w", err)
			}
		}
		return nil
	})
}

// DeleteInvoice removes an invoice with its lines and history. The sequence
// row is untouched.
func (s *Store) DeleteInvoice(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := takeInvoice(tx, id); err != nil {
			return err
		}
		if err := tx.Where("invoice_id = ?", id).Delete(&lineRow{}).Error; err != nil {
			return fmt.Errorf("deleting lines: %w", err)
		}
		if err := tx.Where("invoice_id = ?", id).Delete(&statusChangeRow{}).Error; err != nil {
			return fmt.Errorf("deleting history: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&invoiceRow{}).Error; err != nil {
			return fmt.Errorf("deleting invoice: %w", err)
		}
		return nil
	})
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
