// Package redisstore shares invoice numbering and per-invoice locks between
// processes through Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/waltings/billipocket-gpt5/internal/invoice"
)

const (
	sequenceKeyPrefix = "billipocket:seq:"
	lockKeyPrefix     = "billipocket:lock:invoice:"
)

var (
	_ invoice.CounterStore = (*Counter)(nil)
	_ invoice.Locker       = (*Locker)(nil)
)

// NewClient connects to Redis and checks the connection
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		PoolSize: 100,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}

// FloorFunc reports the highest ordinal already issued for year outside
// Redis, typically by the invoice store.
type FloorFunc func(ctx context.Context, year int) (int, error)

// Counter keeps one INCR counter per year. With a floor, a year's counter is
// seeded from it the first time the year is seen, so a fresh or flushed Redis
// never reissues a stored number.
type Counter struct {
	client redis.UniversalClient
	floor  FloorFunc
}

// NewCounter creates a Counter on client. floor may be nil.
func NewCounter(client redis.UniversalClient, floor FloorFunc) *Counter {
	return &Counter{client: client, floor: floor}
}

func sequenceKey(year int) string {
	return fmt.Sprintf("%s%04d", sequenceKeyPrefix, year)
}

// NextOrdinal atomically increments the year's counter, seeding it first when
// the year has no counter yet
func (c *Counter) NextOrdinal(ctx context.Context, year int) (int, error) {
	if err := c.seedMissing(ctx, year); err != nil {
		return 0, err
	}
	n, err := c.client.Incr(ctx, sequenceKey(year)).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", sequenceKey(year), err)
	}
	return int(n), nil
}

// seedScript raises a counter to ARGV[1] unless it is already higher.
var seedScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if current < floor then
	redis.call('SET', KEYS[1], floor)
	return floor
end
return current
`)

// Seed makes sure the year's counter is at least floor and returns its value.
// It is used when a deployment moves numbering into Redis so ordinals already
// issued by the database are never handed out again.
func (c *Counter) Seed(ctx context.Context, year, floor int) (int, error) {
	n, err := seedScript.Run(ctx, c.client, []string{sequenceKey(year)}, floor).Int()
	if err != nil {
		return 0, fmt.Errorf("seeding %s: %w", sequenceKey(year), err)
	}
	return n, nil
}

// seedMissing raises a missing year counter to the floor. Seed never lowers
// a counter, so concurrent first calls from several processes are safe.
func (c *Counter) seedMissing(ctx context.Context, year int) error {
	if c.floor == nil {
		return nil
	}
	exists, err := c.client.Exists(ctx, sequenceKey(year)).Result()
	if err != nil {
		return fmt.Errorf("checking %s: %w", sequenceKey(year), err)
	}
	if exists > 0 {
		return nil
	}
	floor, err := c.floor(ctx, year)
	if err != nil {
		return fmt.Errorf("reading floor for %d: %w", year, err)
	}
	n, err := c.Seed(ctx, year, floor)
	if err != nil {
		return err
	}
	slog.Info("Seeded invoice counter", "year", year, "floor", floor, "value", n)
	return nil
}

// Locker is an invoice.Locker backed by redislock
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

// LockOptions tune a Locker. A zero Retries gives up at the first conflict.
type LockOptions struct {
	TTL        time.Duration
	RetryDelay time.Duration
	Retries    int
}

// NewLocker creates a Locker on client
func NewLocker(client redis.UniversalClient, opts LockOptions) *Locker {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	retry := redislock.NoRetry()
	if opts.Retries > 0 {
		retry = redislock.LimitRetry(redislock.LinearBackoff(opts.RetryDelay), opts.Retries)
	}
	return &Locker{
		client: redislock.New(client),
		ttl:    opts.TTL,
		retry:  retry,
	}
}

// Lock obtains the invoice's lock or fails with invoice.ErrInvoiceBusy
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, lockKeyPrefix+key, l.ttl, &redislock.Options{
		RetryStrategy: l.retry,
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", invoice.ErrInvoiceBusy, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtaining lock %s: %w", key, err)
	}

	return func() {
		// The request context may already be done.
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			slog.Warn("Failed to release invoice lock", "key", key, "error", err)
		}
	}, nil
}
