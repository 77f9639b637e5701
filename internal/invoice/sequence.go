package invoice

import (
	"context"
	"fmt"
)

// CounterStore durably increments the per-year invoice counter. NextOrdinal
// must be atomic across every process sharing the store: the first call for a
// year returns 1, and no value is ever returned twice.
type CounterStore interface {
	NextOrdinal(ctx context.Context, year int) (int, error)
}

// Allocator hands out invoice ordinals. The serialization lives in the
// CounterStore, not here, so several processes may share one store.
type Allocator struct {
	store CounterStore
}

// NewAllocator creates an Allocator backed by store.
func NewAllocator(store CounterStore) *Allocator {
	return &Allocator{store: store}
}

// Next reserves the next ordinal for year. A returned ordinal is consumed
// even if the caller later fails to use it.
func (a *Allocator) Next(ctx context.Context, year int) (int, error) {
	if year < 1 || year > 9999 {
		return 0, fmt.Errorf("%w: year %d out of range", ErrInvalidDateRange, year)
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAllocationUnavailable, err)
	}
	n, err := a.store.NextOrdinal(ctx, year)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAllocationUnavailable, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: counter for %d returned %d", ErrAllocationUnavailable, year, n)
	}
	return n, nil
}

// NextNumber reserves an ordinal and formats it.
func (a *Allocator) NextNumber(ctx context.Context, year int) (Number, error) {
	n, err := a.Next(ctx, year)
	if err != nil {
		return "", err
	}
	return FormatNumber(year, n), nil
}
