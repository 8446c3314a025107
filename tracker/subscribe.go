package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/recomma/ordersync/order"
)

const defaultSubscriberBuffer = 64

type ChangeType string

const (
	ChangeUpserted ChangeType = "upserted"
	ChangeRemoved  ChangeType = "removed"
	ChangeCleared  ChangeType = "cleared"
	ChangeReloaded ChangeType = "reloaded"
)

// Change describes one store mutation. Record is set for upserts only.
type Change struct {
	Sequence int64         `json:"sequence"`
	Type     ChangeType    `json:"type"`
	OrderID  string        `json:"orderId,omitempty"`
	Record   *order.Record `json:"record,omitempty"`
}

type subscriber struct {
	id  int64
	ch  chan Change
	ctx context.Context
}

// hub fans store changes out to subscribers. Delivery is best-effort: a
// subscriber whose buffer is full misses the change rather than blocking the
// writer.
type hub struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	sequence    int64
	bufferSize  int
	logger      *slog.Logger
}

func newHub() *hub {
	return &hub{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultSubscriberBuffer,
		logger:      slog.Default(),
	}
}

// Subscribe registers for store changes until ctx is done, at which point
// the channel is closed.
func (s *Store) Subscribe(ctx context.Context) (<-chan Change, error) {
	return s.hub.subscribe(ctx)
}

func (h *hub) subscribe(ctx context.Context) (<-chan Change, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	sub := &subscriber{
		id:  atomic.AddInt64(&h.nextID, 1),
		ch:  make(chan Change, h.bufferSize),
		ctx: ctx,
	}

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	h.mu.Unlock()

	go h.awaitCancellation(sub)
	return sub.ch, nil
}

func (h *hub) awaitCancellation(sub *subscriber) {
	<-sub.ctx.Done()

	h.mu.Lock()
	if _, ok := h.subscribers[sub.id]; ok {
		delete(h.subscribers, sub.id)
		close(sub.ch)
	}
	h.mu.Unlock()
}

func (h *hub) publish(change Change) {
	change.Sequence = atomic.AddInt64(&h.sequence, 1)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		select {
		case sub.ch <- change:
		default:
			h.logger.Warn("dropping change; subscriber buffer full",
				slog.Int64("subscriber", sub.id),
				slog.String("orderid", change.OrderID),
				slog.String("type", string(change.Type)),
			)
		}
	}
}
