package invoice

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"
)

const (
	invoiceBucketName  = "invoices"
	lineBucketName     = "invoice_lines"
	numberBucketName   = "invoice_numbers"
	sequenceBucketName = "sequences"
)

// ListFilter narrows ListInvoices. Zero values match everything.
type ListFilter struct {
	Status Status
	Year   int
}

// TotalsUpdate is what the engine writes back after a recomputation.
type TotalsUpdate struct {
	TaxRateID string
	TaxRate   decimal.Decimal
	Totals    Totals
	At        time.Time
}

// RecomputeFunc derives the totals update from the line set the store holds
// after changes were applied. Returning an error rolls the changes back.
type RecomputeFunc func(lines []LineItem) (TotalsUpdate, error)

// DB defines the persistence operations the engine needs
type DB interface {
	CounterStore

	// CreateInvoice stores a new invoice with its lines in one transaction
	CreateInvoice(ctx context.Context, inv *Invoice) error

	// GetInvoice reads an invoice and its committed lines
	GetInvoice(ctx context.Context, id string) (*Invoice, error)

	// ListInvoices returns invoice headers, newest number first
	ListInvoices(ctx context.Context, filter ListFilter) ([]*Invoice, error)

	// ListLines reads the committed lines of an invoice in position order
	ListLines(ctx context.Context, invoiceID string) ([]LineItem, error)

	// ApplyLineChanges adds, updates and removes lines, rereads the line set
	// and stores the totals recompute derives from it, all in one transaction
	ApplyLineChanges(ctx context.Context, invoiceID string, changes []LineChange, recompute RecomputeFunc) error

	// SaveStatus writes status, payment time and status history
	SaveStatus(ctx context.Context, inv *Invoice) error

	// DeleteInvoice removes an invoice and its lines. The number is not released.
	DeleteInvoice(ctx context.Context, id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{invoiceBucketName, lineBucketName, numberBucketName, sequenceBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func (b *BoltDB) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(fn)
}

func (b *BoltDB) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(fn)
}

func sequenceKey(year int) []byte {
	return []byte(fmt.Sprintf("%04d", year))
}

// NextOrdinal increments the year's counter inside a read-write transaction.
// bbolt allows one writer at a time, so the read-increment-write cannot
// interleave with another caller, and the new value is committed on return.
func (b *BoltDB) NextOrdinal(ctx context.Context, year int) (int, error) {
	var next uint64
	err := b.update(ctx, func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sequenceBucketName))
		key := sequenceKey(year)
		if v := bucket.Get(key); v != nil {
			next = binary.BigEndian.Uint64(v)
		}
		next++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return bucket.Put(key, buf)
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing sequence %d: %w", year, err)
	}
	return int(next), nil
}

// LastOrdinal returns the highest ordinal known for year, 0 if none. Both
// the counter and the stored numbers are consulted, so numbers written by an
// external counter are seen too.
func (b *BoltDB) LastOrdinal(ctx context.Context, year int) (int, error) {
	var last int
	err := b.view(ctx, func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(sequenceBucketName)).Get(sequenceKey(year)); v != nil {
			last = int(binary.BigEndian.Uint64(v))
		}
		prefix := append(sequenceKey(year), '-')
		c := tx.Bucket([]byte(numberBucketName)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if _, ordinal, err := ParseNumber(string(k)); err == nil {
				last = max(last, ordinal)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading sequence %d: %w", year, err)
	}
	return last, nil
}

func getInvoice(tx *bbolt.Tx, id string) (*Invoice, error) {
	data := tx.Bucket([]byte(invoiceBucketName)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvoiceNotFound, id)
	}
	var inv Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("unmarshaling invoice: %w", err)
	}
	return &inv, nil
}

func putInvoice(tx *bbolt.Tx, inv *Invoice) error {
	header := *inv
	header.Lines = nil
	data, err := json.Marshal(&header)
	if err != nil {
		return fmt.Errorf("marshaling invoice: %w", err)
	}
	return tx.Bucket([]byte(invoiceBucketName)).Put([]byte(inv.ID), data)
}

func readLines(tx *bbolt.Tx, invoiceID string) ([]LineItem, error) {
	lines := make([]LineItem, 0)
	bucket := tx.Bucket([]byte(lineBucketName)).Bucket([]byte(invoiceID))
	if bucket == nil {
		return lines, nil
	}
	err := bucket.ForEach(func(k, v []byte) error {
		var line LineItem
		if err := json.Unmarshal(v, &line); err != nil {
			return fmt.Errorf("unmarshaling line: %w", err)
		}
		lines = append(lines, line)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Position < lines[j].Position })
	return lines, nil
}

func putLine(bucket *bbolt.Bucket, line LineItem) error {
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshaling line: %w", err)
	}
	return bucket.Put([]byte(line.ID), data)
}

// CreateInvoice saves an invoice, its number index entry and its lines
func (b *BoltDB) CreateInvoice(ctx context.Context, inv *Invoice) error {
	return b.update(ctx, func(tx *bbolt.Tx) error {
		numbers := tx.Bucket([]byte(numberBucketName))
		if numbers.Get([]byte(inv.Number)) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateNumber, inv.Number)
		}
		if tx.Bucket([]byte(invoiceBucketName)).Get([]byte(inv.ID)) != nil {
			return fmt.Errorf("invoice %s already exists", inv.ID)
		}
		if err := putInvoice(tx, inv); err != nil {
			return err
		}
		if err := numbers.Put([]byte(inv.Number), []byte(inv.ID)); err != nil {
			return err
		}
		lines, err := tx.Bucket([]byte(lineBucketName)).CreateBucketIfNotExists([]byte(inv.ID))
		if err != nil {
			return fmt.Errorf("creating line bucket: %w", err)
		}
		for _, line := range inv.Lines {
			if err := putLine(lines, line); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetInvoice retrieves an invoice by ID together with its lines
func (b *BoltDB) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	var inv *Invoice
	err := b.view(ctx, func(tx *bbolt.Tx) error {
		var err error
		if inv, err = getInvoice(tx, id); err != nil {
			return err
		}
		inv.Lines, err = readLines(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// ListInvoices returns invoice headers matching filter
func (b *BoltDB) ListInvoices(ctx context.Context, filter ListFilter) ([]*Invoice, error) {
	invoices := make([]*Invoice, 0)
	err := b.view(ctx, func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(invoiceBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var inv Invoice
			if err := json.Unmarshal(v, &inv); err != nil {
				return fmt.Errorf("unmarshaling invoice: %w", err)
			}
			if filter.Status != "" && inv.Status != filter.Status {
				return nil
			}
			if filter.Year != 0 && inv.Number.Year() != filter.Year {
				return nil
			}
			invoices = append(invoices, &inv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByNumberDesc(invoices)
	return invoices, nil
}

func sortByNumberDesc(invoices []*Invoice) {
	sort.SliceStable(invoices, func(i, j int) bool {
		yi, oi, _ := ParseNumber(string(invoices[i].Number))
		yj, oj, _ := ParseNumber(string(invoices[j].Number))
		if yi != yj {
			return yi > yj
		}
		return oi > oj
	})
}

// ListLines reads the committed lines of an invoice
func (b *BoltDB) ListLines(ctx context.Context, invoiceID string) ([]LineItem, error) {
	var lines []LineItem
	err := b.view(ctx, func(tx *bbolt.Tx) error {
		if _, err := getInvoice(tx, invoiceID); err != nil {
			return err
		}
		var err error
		lines, err = readLines(tx, invoiceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// ApplyLineChanges applies all changes and the resulting totals, or nothing
func (b *BoltDB) ApplyLineChanges(ctx context.Context, invoiceID string, changes []LineChange, recompute RecomputeFunc) error {
	return b.update(ctx, func(tx *bbolt.Tx) error {
		inv, err := getInvoice(tx, invoiceID)
		if err != nil {
			return err
		}
		bucket, err := tx.Bucket([]byte(lineBucketName)).CreateBucketIfNotExists([]byte(invoiceID))
		if err != nil {
			return fmt.Errorf("opening line bucket: %w", err)
		}
		existing, err := readLines(tx, invoiceID)
		if err != nil {
			return err
		}
		maxPos := 0
		for _, l := range existing {
			maxPos = max(maxPos, l.Position)
		}

		for _, change := range changes {
			line := change.Line
			switch change.Op {
			case EditAdd:
				maxPos++
				line.Position = maxPos
				if err := putLine(bucket, line); err != nil {
					return err
				}
			case EditUpdate:
				data := bucket.Get([]byte(line.ID))
				if data == nil {
					return fmt.Errorf("%w: %s", ErrLineNotFound, line.ID)
				}
				var stored LineItem
				if err := json.Unmarshal(data, &stored); err != nil {
					return fmt.Errorf("unmarshaling line: %w", err)
				}
				line.Position = stored.Position
				if err := putLine(bucket, line); err != nil {
					return err
				}
			case EditRemove:
				if bucket.Get([]byte(line.ID)) == nil {
					return fmt.Errorf("%w: %s", ErrLineNotFound, line.ID)
				}
				if err := bucket.Delete([]byte(line.ID)); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown line edit %q", change.Op)
			}
		}

		if recompute == nil {
			return nil
		}
		lines, err := readLines(tx, invoiceID)
		if err != nil {
			return err
		}
		update, err := recompute(lines)
		if err != nil {
			return err
		}
		inv.TaxRateID = update.TaxRateID
		inv.TaxRate = update.TaxRate
		inv.applyTotals(update.Totals)
		inv.UpdatedAt = update.At
		return putInvoice(tx, inv)
	})
}

// SaveStatus writes the lifecycle fields of inv
func (b *BoltDB) SaveStatus(ctx context.Context, inv *Invoice) error {
	return b.update(ctx, func(tx *bbolt.Tx) error {
		stored, err := getInvoice(tx, inv.ID)
		if err != nil {
			return err
		}
		stored.Status = inv.Status
		stored.PaidAt = inv.PaidAt
		stored.StatusHistory = inv.StatusHistory
		stored.UpdatedAt = inv.UpdatedAt
		return putInvoice(tx, stored)
	})
}

// DeleteInvoice removes an invoice, its lines and its number index entry.
// The year's counter is left alone, so the number is never issued again.
func (b *BoltDB) DeleteInvoice(ctx context.Context, id string) error {
	return b.update(ctx, func(tx *bbolt.Tx) error {
		inv, err := getInvoice(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(invoiceBucketName)).Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(numberBucketName)).Delete([]byte(inv.Number)); err != nil {
			return err
		}
		err = tx.Bucket([]byte(lineBucketName)).DeleteBucket([]byte(id))
		if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		return nil
	})
}

// Snapshot writes a consistent copy of the whole database to w
func (b *BoltDB) Snapshot(w io.Writer) (int64, error) {
	var n int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
