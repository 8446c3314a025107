package tracker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/recomma/ordersync/order"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler)
}

var decimalEqual = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })

type recordingPersister struct {
	mu    sync.Mutex
	saves [][]order.Record
}

func (p *recordingPersister) Save(records []order.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves = append(p.saves, records)
}

func (p *recordingPersister) last() []order.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.saves) == 0 {
		return nil
	}
	return p.saves[len(p.saves)-1]
}

func (p *recordingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saves)
}

func rec(id string, status order.Status, updatedAt int64) order.Record {
	return order.Record{
		OrderID:      id,
		Status:       status,
		TrackingInfo: order.TrackingFor(status),
		UpdatedAt:    updatedAt,
		TotalAmount:  decimal.RequireFromString("12.50"),
		OrderItems:   []order.Item{{ItemID: "i-" + id, Name: "Item", Quantity: 1}},
	}
}

func ids(records []order.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.OrderID)
	}
	return out
}

func TestListActiveFiltersTerminalOrders(t *testing.T) {
	t.Parallel()

	store := New(nil, WithLogger(newTestLogger()))
	require.NoError(t, store.Upsert(rec("A", order.StatusPending, 1)))
	require.NoError(t, store.Upsert(rec("B", order.StatusDelivered, 2)))
	require.NoError(t, store.Upsert(rec("C", order.StatusEnRoute, 3)))
	require.NoError(t, store.Upsert(rec("D", order.StatusCancelled, 4)))

	require.Equal(t, []string{"C", "A"}, ids(store.ListActive()))
	require.Equal(t, []string{"D", "C", "B", "A"}, ids(store.List()))
	require.Equal(t, []string{"B"}, ids(store.ListActive(order.StatusDelivered)))
}

func TestUpsertReplacesAndReorders(t *testing.T) {
	t.Parallel()

	store := New(nil, WithLogger(newTestLogger()))
	require.NoError(t, store.Upsert(rec("A", order.StatusPending, 10)))
	require.NoError(t, store.Upsert(rec("B", order.StatusPending, 20)))
	require.Equal(t, []string{"B", "A"}, ids(store.List()))

	updated := rec("A", order.StatusPreparing, 30)
	updated.OrderItems = nil
	require.NoError(t, store.Upsert(updated))

	require.Equal(t, 2, store.Len())
	require.Equal(t, []string{"A", "B"}, ids(store.List()))

	got, ok := store.Get("A")
	require.True(t, ok)
	if diff := cmp.Diff(updated, got, decimalEqual); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
	require.Empty(t, got.OrderItems, "fields omitted by the update are not merged")
}

func TestListOrderBreaksTiesByID(t *testing.T) {
	t.Parallel()

	store := New(nil, WithLogger(newTestLogger()))
	require.NoError(t, store.Upsert(rec("b", order.StatusPending, 5)))
	require.NoError(t, store.Upsert(rec("a", order.StatusPending, 5)))
	require.NoError(t, store.Upsert(rec("c", order.StatusPending, 5)))

	require.Equal(t, []string{"a", "b", "c"}, ids(store.List()))
}

func TestUpsertRejectsMissingID(t *testing.T) {
	t.Parallel()

	store := New(nil, WithLogger(newTestLogger()))
	require.ErrorIs(t, store.Upsert(order.Record{Status: order.StatusPending}), ErrMissingOrderID)
	require.Equal(t, 0, store.Len())
}

func TestStoreDoesNotAliasCallerData(t *testing.T) {
	t.Parallel()

	store := New(nil, WithLogger(newTestLogger()))
	in := rec("A", order.StatusPending, 1)
	require.NoError(t, store.Upsert(in))

	in.OrderItems[0].Name = "mutated"
	got, _ := store.Get("A")
	require.Equal(t, "Item", got.OrderItems[0].Name)

	got.OrderItems[0].Name = "mutated again"
	again, _ := store.Get("A")
	require.Equal(t, "Item", again.OrderItems[0].Name)
}

func TestPersisterReceivesActiveSubset(t *testing.T) {
	t.Parallel()

	p := &recordingPersister{}
	store := New(p, WithLogger(newTestLogger()))

	require.NoError(t, store.Upsert(rec("A", order.StatusPending, 1)))
	require.NoError(t, store.Upsert(rec("B", order.StatusDelivered, 2)))
	require.NoError(t, store.Upsert(rec("C", order.StatusEnRoute, 3)))
	require.Equal(t, 3, p.count())
	require.Equal(t, []string{"C", "A"}, ids(p.last()))

	require.True(t, store.Remove("A"))
	require.Equal(t, []string{"C"}, ids(p.last()))
	require.False(t, store.Remove("missing"))
	require.Equal(t, 4, p.count())
}

func TestLoadDoesNotPersist(t *testing.T) {
	t.Parallel()

	p := &recordingPersister{}
	store := New(p, WithLogger(newTestLogger()))
	loaded := store.Load([]order.Record{rec("A", order.StatusPending, 1), rec("B", order.StatusRestaurantAccepted, 2), {}})

	require.Equal(t, 2, loaded)
	require.Equal(t, 2, store.Len())
	require.Equal(t, 0, p.count())
}

func TestLoadKeepsNewerTrackedRecord(t *testing.T) {
	t.Parallel()

	store := New(nil, WithLogger(newTestLogger()))
	require.NoError(t, store.Upsert(rec("A", order.StatusPreparing, 20)))

	loaded := store.Load([]order.Record{
		rec("A", order.StatusPending, 10),
		rec("B", order.StatusPending, 5),
	})
	require.Equal(t, 1, loaded)

	got, ok := store.Get("A")
	require.True(t, ok)
	require.Equal(t, int64(20), got.UpdatedAt)
	require.Equal(t, order.StatusPreparing, got.Status)
	require.Equal(t, []string{"A", "B"}, ids(store.List()))

	// an equal or newer cached copy replaces the tracked one
	require.Equal(t, 1, store.Load([]order.Record{rec("A", order.StatusEnRoute, 20)}))
	got, _ = store.Get("A")
	require.Equal(t, order.StatusEnRoute, got.Status)
}

func TestCleanupInactive(t *testing.T) {
	t.Parallel()

	p := &recordingPersister{}
	store := New(p, WithLogger(newTestLogger()))
	require.NoError(t, store.Upsert(rec("A", order.StatusPending, 1)))
	require.NoError(t, store.Upsert(rec("B", order.StatusDelivered, 2)))
	require.NoError(t, store.Upsert(rec("C", order.StatusRejected, 3)))

	require.Equal(t, 2, store.CleanupInactive())
	require.Equal(t, []string{"A"}, ids(store.List()))
	require.Equal(t, []string{"A"}, ids(p.last()))
	require.Equal(t, 0, store.CleanupInactive())
}

func TestClearEmptiesWithoutPersisting(t *testing.T) {
	t.Parallel()

	p := &recordingPersister{}
	store := New(p, WithLogger(newTestLogger()))
	require.NoError(t, store.Upsert(rec("A", order.StatusPending, 1)))
	saves := p.count()

	store.Clear()
	require.Equal(t, 0, store.Len())
	require.Empty(t, store.ListActive())
	require.Equal(t, saves, p.count())

	require.NoError(t, store.Upsert(rec("B", order.StatusPending, 2)))
	require.Equal(t, []string{"B"}, ids(store.List()))
}

func TestSubscribeReceivesChanges(t *testing.T) {
	t.Parallel()

	store := New(nil, WithLogger(newTestLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Upsert(rec("A", order.StatusPending, 1)))
	store.Remove("A")
	store.Clear()

	var got []Change
	for len(got) < 3 {
		select {
		case c := <-ch:
			got = append(got, c)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d changes", len(got))
		}
	}

	require.Equal(t, ChangeUpserted, got[0].Type)
	require.NotNil(t, got[0].Record)
	require.Equal(t, "A", got[0].Record.OrderID)
	require.Equal(t, ChangeRemoved, got[1].Type)
	require.Equal(t, "A", got[1].OrderID)
	require.Equal(t, ChangeCleared, got[2].Type)
	require.Less(t, got[0].Sequence, got[1].Sequence)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	store := New(nil, WithLogger(newTestLogger()), WithSubscriberBuffer(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Upsert(rec("A", order.StatusPending, 1)))
	require.NoError(t, store.Upsert(rec("B", order.StatusPending, 2)))

	first := <-ch
	require.Equal(t, "A", first.OrderID)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected change %+v", extra)
	default:
	}
}

func TestConcurrentUpserts(t *testing.T) {
	t.Parallel()

	store := New(&recordingPersister{}, WithLogger(newTestLogger()))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			_ = store.Upsert(rec("A", order.StatusPending, v))
			_ = store.ListActive()
		}(int64(i))
	}
	wg.Wait()

	require.Equal(t, 1, store.Len())
	require.Len(t, store.List(), 1)
}
