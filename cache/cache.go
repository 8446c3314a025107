// Package cache persists the active order set with a coalescing debounce.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/recomma/ordersync/order"
	"github.com/recomma/ordersync/storage"
)

const (
	// Key is the storage key holding the persisted active orders.
	Key = "ordersync.activeOrders"

	DefaultDebounce = time.Second

	flushTimeout = 5 * time.Second
)

// ErrStorage wraps every failure to read, write or decode the persisted
// snapshot.
var ErrStorage = errors.New("cache: storage failure")

// KV is the durable key-value backend.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Observer is told about every write attempt.
type Observer interface {
	Written(records int, err error)
}

type noopObserver struct{}

func (noopObserver) Written(int, error) {}

type Option func(*Cache)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger.WithGroup("cache")
		}
	}
}

// WithDebounce sets the coalescing window. Values <= 0 are ignored.
func WithDebounce(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.debounce = d
		}
	}
}

func WithClock(clk clock.WithDelayedExecution) Option {
	return func(c *Cache) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Cache) {
		if o != nil {
			c.observer = o
		}
	}
}

// Cache is the single writer of Key. Save never blocks on storage; the
// latest snapshot handed to Save within a window is the one written.
type Cache struct {
	kv       KV
	logger   *slog.Logger
	clock    clock.WithDelayedExecution
	observer Observer
	debounce time.Duration

	// writeMu serializes writes so snapshots reach storage in Save order.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending []order.Record
	dirty   bool
	timer   clock.Timer
	closed  bool
}

func New(kv KV, opts ...Option) *Cache {
	c := &Cache{
		kv:       kv,
		logger:   slog.Default().WithGroup("cache"),
		clock:    clock.RealClock{},
		observer: noopObserver{},
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Save schedules records to be written once the debounce window elapses.
// Only active orders are kept. It implements tracker.Persister.
func (c *Cache) Save(records []order.Record) {
	snapshot := order.FilterActive(records)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.logger.Warn("dropping save; cache closed", slog.Int("records", len(snapshot)))
		return
	}
	c.pending = snapshot
	c.dirty = true
	if c.timer == nil {
		c.timer = c.clock.AfterFunc(c.debounce, c.flushFromTimer)
	}
}

func (c *Cache) flushFromTimer() {
	// the firing timer is spent; Flush must not Stop it from inside its own
	// callback
	c.mu.Lock()
	c.timer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := c.Flush(ctx); err != nil {
		c.logger.Warn("could not persist active orders", slog.String("error", err.Error()))
	}
}

// Flush writes the pending snapshot now, if any.
func (c *Cache) Flush(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	snapshot := c.pending
	c.pending = nil
	c.dirty = false
	c.mu.Unlock()

	err := c.write(ctx, snapshot)
	c.observer.Written(len(snapshot), err)
	return err
}

func (c *Cache) write(ctx context.Context, records []order.Record) error {
	if records == nil {
		records = []order.Record{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrStorage, err)
	}
	if err := c.kv.Put(ctx, Key, raw); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	c.logger.Debug("persisted active orders", slog.Int("records", len(records)))
	return nil
}

// Load returns the persisted active orders, newest first. Missing or corrupt
// data yields an empty slice; errors are logged, never returned.
func (c *Cache) Load(ctx context.Context) []order.Record {
	records, err := c.read(ctx)
	if err != nil {
		c.logger.Warn("could not load persisted orders", slog.String("error", err.Error()))
		return []order.Record{}
	}
	return records
}

func (c *Cache) read(ctx context.Context) ([]order.Record, error) {
	raw, err := c.kv.Get(ctx, Key)
	if errors.Is(err, storage.ErrNotFound) {
		return []order.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if len(raw) == 0 {
		return []order.Record{}, nil
	}

	var decoded []order.Record
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrStorage, err)
	}

	out := make([]order.Record, 0, len(decoded))
	for _, rec := range decoded {
		if rec.OrderID == "" || !rec.Status.IsActive() {
			continue
		}
		out = append(out, rec)
	}
	order.SortByUpdatedDesc(out)
	return out, nil
}

// Clear drops any pending snapshot and deletes the persisted key.
func (c *Cache) Clear(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = nil
	c.dirty = false
	c.mu.Unlock()

	if err := c.kv.Delete(ctx, Key); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// Close flushes the pending snapshot and rejects later saves.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	return c.Flush(ctx)
}
