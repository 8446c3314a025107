// Package syncer wires the realtime order pipeline for one signed-in
// restaurant session: events are queued, deduplicated by version, normalized
// and applied to the tracking store, which writes through to the cache.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"
	"k8s.io/utils/clock"

	"github.com/recomma/ordersync/dedup"
	"github.com/recomma/ordersync/normalize"
	"github.com/recomma/ordersync/order"
	"github.com/recomma/ordersync/processor"
	"github.com/recomma/ordersync/storage"
)

// ErrStaleUpdate is returned by ApplyLocal when the tracked record already
// carries a newer version.
var ErrStaleUpdate = errors.New("syncer: update older than tracked version")

// Store is the tracking store the session applies records to.
type Store interface {
	Upsert(rec order.Record) error
	Get(orderID string) (order.Record, bool)
	Load(records []order.Record) int
	Clear()
}

// Cache is the persisted active-order snapshot.
type Cache interface {
	Load(ctx context.Context) []order.Record
	Clear(ctx context.Context) error
	Close(ctx context.Context) error
}

// Journal records every handled event with its outcome.
type Journal interface {
	RecordEvent(ctx context.Context, entry storage.EventLogEntry) (int64, error)
}

// Recorder counts event outcomes.
type Recorder interface {
	Applied(event string)
	Stale(event string)
	Malformed(event string)
	IllegalTransition(from, to order.Status)
}

type noopRecorder struct{}

func (noopRecorder) Applied(string)                               {}
func (noopRecorder) Stale(string)                                 {}
func (noopRecorder) Malformed(string)                             {}
func (noopRecorder) IllegalTransition(order.Status, order.Status) {}

type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.baseLogger = logger
		}
	}
}

func WithStallTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.procOpts = append(s.procOpts, processor.WithStallTimeout(d))
	}
}

// WithClock sets the clock used for event receive times and the stall timer.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
			s.procOpts = append(s.procOpts, processor.WithClock(c))
		}
	}
}

func WithJournal(j Journal) Option {
	return func(s *Session) {
		s.journal = j
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		if r != nil {
			s.recorder = r
		}
	}
}

func WithQueueObserver(o processor.Observer) Option {
	return func(s *Session) {
		s.procOpts = append(s.procOpts, processor.WithObserver(o))
	}
}

// Session owns the per-session dedup state and event queue. The store and
// cache outlive reconnects; the dedup state does not.
type Session struct {
	id       xid.ID
	store    Store
	cache    Cache
	dedup    *dedup.Deduplicator
	proc     *processor.Processor
	journal  Journal
	recorder Recorder
	clock    clock.WithDelayedExecution

	baseLogger *slog.Logger
	logger     *slog.Logger
	procOpts   []processor.Option

	// applyMu makes the version check and upsert atomic across the queue
	// worker and UI-initiated updates.
	applyMu sync.Mutex
}

func New(store Store, cache Cache, opts ...Option) *Session {
	s := &Session{
		id:         xid.New(),
		store:      store,
		cache:      cache,
		dedup:      dedup.New(),
		recorder:   noopRecorder{},
		clock:      clock.RealClock{},
		baseLogger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.baseLogger.WithGroup("syncer").With(slog.String("session", s.id.String()))
	procOpts := append([]processor.Option{processor.WithLogger(s.logger)}, s.procOpts...)
	s.proc = processor.New(processor.HandlerFunc(s.Handle), procOpts...)
	return s
}

func (s *Session) ID() string { return s.id.String() }

// Start begins draining queued events.
func (s *Session) Start(ctx context.Context) {
	s.logger.Info("session started")
	s.proc.Start(ctx)
}

// Close drains the queue and flushes the cache.
func (s *Session) Close(ctx context.Context) error {
	var errs []error
	if err := s.proc.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.cache != nil {
		if err := s.cache.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush cache: %w", err))
		}
	}
	s.logger.Info("session closed")
	return errors.Join(errs...)
}

// Enqueue queues a raw realtime event. The payload is copied.
func (s *Session) Enqueue(name string, payload []byte) error {
	now := s.clock.Now()
	evt := order.QueuedEvent{
		Name:       name,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: now,
	}
	if key, updatedAt, err := normalize.Peek(evt.Payload, now); err == nil {
		evt.ID = order.EventID(key, updatedAt)
	} else {
		evt.ID = order.EventID("", now.UnixMilli())
	}
	return s.proc.Enqueue(evt)
}

// Handle applies one queued event. It is the processor's handler and is
// never called concurrently with itself.
func (s *Session) Handle(ctx context.Context, evt order.QueuedEvent) error {
	key, updatedAt, outcome, err := s.apply(ctx, evt)
	s.journalEvent(ctx, evt, key, updatedAt, outcome, err)

	switch outcome {
	case storage.OutcomeApplied:
		s.recorder.Applied(evt.Name)
	case storage.OutcomeStale:
		s.recorder.Stale(evt.Name)
	case storage.OutcomeMalformed:
		s.recorder.Malformed(evt.Name)
	}
	if err != nil {
		return fmt.Errorf("handle %s: %w", evt, err)
	}
	return nil
}

func (s *Session) apply(ctx context.Context, evt order.QueuedEvent) (string, int64, storage.EventOutcome, error) {
	key, updatedAt, err := normalize.Peek(evt.Payload, evt.ReceivedAt)
	if err != nil {
		return "", 0, storage.OutcomeMalformed, err
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if !s.dedup.ShouldProcess(key, updatedAt) {
		last, _ := s.dedup.Last(key)
		s.logger.Debug("skipping stale event",
			slog.String("event", evt.String()),
			slog.Int64("updated_at", updatedAt),
			slog.Int64("last_seen", last),
		)
		return key, updatedAt, storage.OutcomeStale, nil
	}

	rec, err := normalize.OrderAt(evt.Payload, evt.ReceivedAt)
	if err != nil {
		return key, updatedAt, storage.OutcomeMalformed, err
	}

	// a stalled event may return after its replacement worker moved on
	if err := context.Cause(ctx); err != nil {
		return key, updatedAt, storage.OutcomeFailed, err
	}

	if err := s.applyLocked(rec); err != nil {
		return key, updatedAt, storage.OutcomeFailed, err
	}
	s.logger.Debug("applied event",
		slog.String("event", evt.String()),
		slog.String("status", string(rec.Status)),
	)
	return key, updatedAt, storage.OutcomeApplied, nil
}

// ApplyLocal applies a record returned by a UI-initiated action (accept,
// reject, status update). Variant names the response omits are carried over
// from the tracked record. Updates older than the tracked version return
// ErrStaleUpdate.
func (s *Session) ApplyLocal(raw []byte) (order.Record, error) {
	rec, err := normalize.OrderAt(raw, s.clock.Now())
	if err != nil {
		return order.Record{}, err
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if last, ok := s.dedup.Last(rec.OrderID); ok && rec.UpdatedAt < last {
		return order.Record{}, fmt.Errorf("%w: %s at %d, tracked %d", ErrStaleUpdate, rec.OrderID, rec.UpdatedAt, last)
	}
	if prev, ok := s.store.Get(rec.OrderID); ok {
		if rec.UpdatedAt < prev.UpdatedAt {
			return order.Record{}, fmt.Errorf("%w: %s at %d, tracked %d", ErrStaleUpdate, rec.OrderID, rec.UpdatedAt, prev.UpdatedAt)
		}
		rec = order.CarryVariantNames(prev, rec)
	}

	if err := s.applyLocked(rec); err != nil {
		return order.Record{}, err
	}
	s.logger.Info("applied local update",
		slog.String("orderid", rec.OrderID),
		slog.String("version", rec.Version()),
		slog.String("status", string(rec.Status)),
	)
	return rec, nil
}

func (s *Session) applyLocked(rec order.Record) error {
	if prev, ok := s.store.Get(rec.OrderID); ok && !order.CanTransition(prev.Status, rec.Status) {
		s.logger.Warn("unexpected status transition",
			slog.String("orderid", rec.OrderID),
			slog.String("from", string(prev.Status)),
			slog.String("to", string(rec.Status)),
		)
		s.recorder.IllegalTransition(prev.Status, rec.Status)
	}

	if err := s.store.Upsert(rec); err != nil {
		return err
	}
	s.dedup.Record(rec.OrderID, rec.UpdatedAt)
	return nil
}

// Reconnected forgets every seen version. Events replayed after a reconnect
// are treated as novel; the store keeps its records.
func (s *Session) Reconnected() {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	n := s.dedup.Len()
	s.dedup.Reset()
	s.logger.Info("socket reconnected; dedup state reset", slog.Int("forgotten", n))
}

// Restore loads the persisted active orders into the store and returns how
// many were loaded. The restored versions are marked as seen so a replay
// of older events after a restart cannot move an order backwards.
func (s *Session) Restore(ctx context.Context) int {
	if s.cache == nil {
		return 0
	}
	records := s.cache.Load(ctx)

	s.applyMu.Lock()
	loaded := s.store.Load(records)
	for _, rec := range records {
		if cur, ok := s.store.Get(rec.OrderID); ok {
			s.dedup.Record(cur.OrderID, cur.UpdatedAt)
		}
	}
	s.applyMu.Unlock()

	s.logger.Info("restored orders from cache",
		slog.Int("cached", len(records)),
		slog.Int("loaded", loaded),
	)
	return loaded
}

// Logout drops every trace of the session's orders.
func (s *Session) Logout(ctx context.Context) error {
	s.applyMu.Lock()
	s.store.Clear()
	s.dedup.Reset()
	s.applyMu.Unlock()

	if s.cache == nil {
		return nil
	}
	if err := s.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	s.logger.Info("logged out; orders cleared")
	return nil
}

// Pending returns the number of queued events not yet handled.
func (s *Session) Pending() int { return s.proc.Len() }

func (s *Session) journalEvent(ctx context.Context, evt order.QueuedEvent, key string, updatedAt int64, outcome storage.EventOutcome, cause error) {
	if s.journal == nil {
		return
	}
	entry := storage.EventLogEntry{
		OrderID:    key,
		EventName:  evt.Name,
		EventID:    evt.ID,
		UpdatedAt:  updatedAt,
		Outcome:    outcome,
		ReceivedAt: evt.ReceivedAt,
		Payload:    evt.Payload,
	}
	if cause != nil {
		entry.Detail = cause.Error()
	}
	// the journal must not be cut short by a stalled event's cancellation
	if _, err := s.journal.RecordEvent(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("could not journal event",
			slog.String("event", evt.String()),
			slog.String("error", err.Error()),
		)
	}
}
