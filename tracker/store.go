package tracker

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/huandu/skiplist"

	"github.com/recomma/ordersync/order"
)

var ErrMissingOrderID = errors.New("tracker: record has no order id")

// Persister receives the active subset after every persisted mutation. Save
// is called with the store lock held and must not block.
type Persister interface {
	Save(records []order.Record)
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.WithGroup("tracker")
		}
	}
}

// WithSubscriberBuffer sets the per-subscriber channel buffer size. Values
// <= 0 fall back to the default.
func WithSubscriberBuffer(size int) Option {
	return func(s *Store) {
		if size > 0 {
			s.hub.bufferSize = size
		}
	}
}

// sortKey orders the index newest first; ties break on order id.
type sortKey struct {
	updatedAt int64
	orderID   string
}

func newIndex() *skiplist.SkipList {
	return skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
		l, _ := lhs.(sortKey)
		r, _ := rhs.(sortKey)
		switch {
		case l.updatedAt > r.updatedAt:
			return -1
		case l.updatedAt < r.updatedAt:
			return 1
		case l.orderID < r.orderID:
			return -1
		case l.orderID > r.orderID:
			return 1
		}
		return 0
	}))
}

// Store is the authoritative in-memory table of tracked orders.
type Store struct {
	persister Persister
	logger    *slog.Logger
	hub       *hub

	mu      sync.RWMutex
	records map[string]order.Record
	index   *skiplist.SkipList // sortKey -> order id
}

// New creates a store. A nil persister disables write-through.
func New(persister Persister, opts ...Option) *Store {
	s := &Store{
		persister: persister,
		logger:    slog.Default().WithGroup("tracker"),
		hub:       newHub(),
		records:   make(map[string]order.Record),
		index:     newIndex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub.logger = s.logger
	return s
}

// Upsert replaces the stored record with the same order id. Fields the new
// record omits are not merged from the previous one.
func (s *Store) Upsert(rec order.Record) error {
	if rec.OrderID == "" {
		return ErrMissingOrderID
	}
	rec = rec.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.putLocked(rec)
	s.persistLocked()

	s.logger.Debug("upserted order",
		slog.String("orderid", rec.OrderID),
		slog.String("status", string(rec.Status)),
		slog.Int64("updated_at", rec.UpdatedAt),
	)
	published := rec.Clone()
	s.hub.publish(Change{Type: ChangeUpserted, OrderID: rec.OrderID, Record: &published})
	return nil
}

// Load seeds the store from the persisted cache without writing back. A
// cached record older than the tracked one is skipped; it returns how many
// records were loaded.
func (s *Store) Load(records []order.Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, rec := range records {
		if rec.OrderID == "" {
			continue
		}
		if prev, ok := s.records[rec.OrderID]; ok && rec.UpdatedAt < prev.UpdatedAt {
			s.logger.Debug("kept newer tracked order over cached copy",
				slog.String("orderid", rec.OrderID),
				slog.Int64("tracked", prev.UpdatedAt),
				slog.Int64("cached", rec.UpdatedAt),
			)
			continue
		}
		s.putLocked(rec.Clone())
		loaded++
	}
	s.hub.publish(Change{Type: ChangeReloaded})
	return loaded
}

func (s *Store) Get(orderID string) (order.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[orderID]
	if !ok {
		return order.Record{}, false
	}
	return rec.Clone(), true
}

// ListActive returns the records whose status is in filter, newest first.
// An empty filter means every active status.
func (s *Store) ListActive(filter ...order.Status) []order.Record {
	if len(filter) == 0 {
		filter = order.ActiveStatuses()
	}
	allowed := make(map[order.Status]struct{}, len(filter))
	for _, st := range filter {
		allowed[st] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectLocked(func(rec order.Record) bool {
		_, ok := allowed[rec.Status]
		return ok
	})
}

// List returns every record, newest first.
func (s *Store) List() []order.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectLocked(func(order.Record) bool { return true })
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Remove drops orderID. It reports whether a record was removed.
func (s *Store) Remove(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.deleteLocked(orderID) {
		return false
	}
	s.persistLocked()
	s.hub.publish(Change{Type: ChangeRemoved, OrderID: orderID})
	return true
}

// CleanupInactive drops every record in a terminal status and returns how
// many were dropped. Orders shown in completed/cancelled tabs come from REST
// and are unaffected.
func (s *Store) CleanupInactive() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, rec := range s.records {
		if rec.Status.IsActive() {
			continue
		}
		removed = append(removed, id)
	}
	for _, id := range removed {
		s.deleteLocked(id)
	}
	s.persistLocked()

	for _, id := range removed {
		s.hub.publish(Change{Type: ChangeRemoved, OrderID: id})
	}
	if len(removed) > 0 {
		s.logger.Debug("cleaned up inactive orders", slog.Int("count", len(removed)))
	}
	return len(removed)
}

// Clear empties the store. The persisted cache is cleared separately on
// logout.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]order.Record)
	s.index = newIndex()
	s.hub.publish(Change{Type: ChangeCleared})
}

func (s *Store) putLocked(rec order.Record) {
	if prev, ok := s.records[rec.OrderID]; ok {
		s.index.Remove(sortKey{updatedAt: prev.UpdatedAt, orderID: prev.OrderID})
	}
	s.records[rec.OrderID] = rec
	s.index.Set(sortKey{updatedAt: rec.UpdatedAt, orderID: rec.OrderID}, rec.OrderID)
}

func (s *Store) deleteLocked(orderID string) bool {
	prev, ok := s.records[orderID]
	if !ok {
		return false
	}
	s.index.Remove(sortKey{updatedAt: prev.UpdatedAt, orderID: prev.OrderID})
	delete(s.records, orderID)
	return true
}

func (s *Store) collectLocked(keep func(order.Record) bool) []order.Record {
	out := make([]order.Record, 0, s.index.Len())
	for el := s.index.Front(); el != nil; el = el.Next() {
		id, _ := el.Value.(string)
		rec, ok := s.records[id]
		if !ok || !keep(rec) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}

func (s *Store) persistLocked() {
	if s.persister == nil {
		return
	}
	s.persister.Save(s.collectLocked(func(rec order.Record) bool { return rec.Status.IsActive() }))
}
