package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oapi-codegen/nullable"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/recomma/ordersync/order"
	"github.com/recomma/ordersync/storage"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler)
}

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// memKV is an in-memory KV that can be told to fail.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
	puts int
	err  error
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.err != nil {
		return m.err
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

type recordingObserver struct {
	mu     sync.Mutex
	errs   []error
	counts []int
}

func (o *recordingObserver) Written(n int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts = append(o.counts, n)
	o.errs = append(o.errs, err)
}

func rec(id string, status order.Status, updatedAt int64) order.Record {
	return order.Record{
		OrderID:      id,
		Status:       status,
		TrackingInfo: order.TrackingFor(status),
		UpdatedAt:    updatedAt,
		TotalAmount:  decimal.RequireFromString("18.75"),
		OrderItems: []order.Item{{
			ItemID:      "pizza",
			VariantID:   "large",
			VariantName: "Large",
			Name:        "Pizza",
			Quantity:    2,
			Price:       decimal.RequireFromString("9.375"),
		}},
		CustomerAddress: order.Address{Street: "Main St 1", City: "Utrecht", Location: order.Location{Lat: 52.09, Lng: 5.12}},
	}
}

func TestRoundTripKeepsActiveOrdersNewestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := newTestStorage(t)

	pending := rec("A", order.StatusPending, 5)
	pending.DriverID = nullable.NewNullNullable[string]()
	enRoute := rec("C", order.StatusEnRoute, 9)
	enRoute.DriverID = nullable.NewNullableWithValue("driver-7")
	enRoute.Driver = &order.Driver{ID: "driver-7", Name: "Sam", Rating: 4.8}

	writer := New(kv, WithLogger(newTestLogger()))
	writer.Save([]order.Record{pending, rec("B", order.StatusDelivered, 6), enRoute})
	require.NoError(t, writer.Flush(ctx))

	reader := New(kv, WithLogger(newTestLogger()))
	got := reader.Load(ctx)

	want := []order.Record{enRoute, pending}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })); diff != "" {
		t.Fatalf("loaded records mismatch (-want +got):\n%s", diff)
	}
	require.True(t, got[1].DriverID.IsNull())
	require.Equal(t, "driver-7", got[0].DriverIDValue())
}

func TestSaveCoalescesWithinWindow(t *testing.T) {
	t.Parallel()

	kv := newMemKV()
	c := New(kv, WithLogger(newTestLogger()), WithDebounce(30*time.Millisecond))

	c.Save([]order.Record{rec("A", order.StatusPending, 1)})
	c.Save([]order.Record{rec("A", order.StatusPreparing, 2)})
	c.Save([]order.Record{rec("A", order.StatusPreparing, 2), rec("B", order.StatusPending, 3)})
	require.Equal(t, 0, kv.putCount())

	require.Eventually(t, func() bool { return kv.putCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	got := New(kv, WithLogger(newTestLogger())).Load(context.Background())
	require.Len(t, got, 2)
	require.Equal(t, "B", got[0].OrderID)
	require.Equal(t, order.StatusPreparing, got[1].Status)

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, kv.putCount())
}

func TestDebounceWindowOpensOnFirstSave(t *testing.T) {
	t.Parallel()

	clk := testclock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	kv := newMemKV()
	obs := &recordingObserver{}
	c := New(kv, WithLogger(newTestLogger()), WithClock(clk), WithObserver(obs))

	c.Save([]order.Record{rec("A", order.StatusPending, 1)})
	clk.Step(600 * time.Millisecond)
	c.Save([]order.Record{rec("A", order.StatusPreparing, 2)})
	require.True(t, clk.HasWaiters())

	// the window is measured from the first save, later saves do not extend it
	clk.Step(399 * time.Millisecond)
	require.Equal(t, 0, kv.putCount())
	clk.Step(time.Millisecond)
	require.Equal(t, 1, kv.putCount())
	require.False(t, clk.HasWaiters())

	got := New(kv, WithLogger(newTestLogger())).Load(context.Background())
	require.Len(t, got, 1)
	require.Equal(t, order.StatusPreparing, got[0].Status)
	require.Equal(t, []int{1}, obs.counts)

	// the next save opens a fresh window
	c.Save([]order.Record{rec("A", order.StatusReadyForPickup, 3)})
	clk.Step(DefaultDebounce)
	require.Equal(t, 2, kv.putCount())
}

func TestLoadDegradesToEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	missing := New(newMemKV(), WithLogger(newTestLogger())).Load(ctx)
	require.NotNil(t, missing)
	require.Empty(t, missing)

	corruptKV := newMemKV()
	require.NoError(t, corruptKV.Put(ctx, Key, []byte(`{"not":"an array"`)))
	require.Empty(t, New(corruptKV, WithLogger(newTestLogger())).Load(ctx))

	broken := newMemKV()
	broken.err = errors.New("disk on fire")
	require.Empty(t, New(broken, WithLogger(newTestLogger())).Load(ctx))
}

func TestLoadRefiltersPersistedData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := newMemKV()
	raw := `[
		{"orderId":"A","status":"PENDING","updatedAt":1},
		{"orderId":"B","status":"DELIVERED","updatedAt":5},
		{"orderId":"","status":"PENDING","updatedAt":6},
		{"orderId":"C","status":"RESTAURANT_ACCEPTED","updatedAt":3}
	]`
	require.NoError(t, kv.Put(ctx, Key, []byte(raw)))

	got := New(kv, WithLogger(newTestLogger())).Load(ctx)
	require.Len(t, got, 2)
	require.Equal(t, "C", got[0].OrderID)
	require.Equal(t, "A", got[1].OrderID)
}

func TestWriteFailuresAreSwallowedAndReported(t *testing.T) {
	t.Parallel()

	kv := newMemKV()
	kv.err = errors.New("quota exceeded")
	obs := &recordingObserver{}
	c := New(kv, WithLogger(newTestLogger()), WithObserver(obs), WithDebounce(time.Hour))
	ctx := context.Background()

	c.Save([]order.Record{rec("A", order.StatusPending, 1)})
	require.ErrorIs(t, c.Flush(ctx), ErrStorage)

	c.Save([]order.Record{rec("A", order.StatusPending, 2)})
	require.ErrorIs(t, c.Flush(ctx), ErrStorage)
	require.Equal(t, 2, kv.putCount())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.errs, 2)
	require.ErrorIs(t, obs.errs[0], ErrStorage)
}

func TestClearDropsPendingAndKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := newMemKV()
	c := New(kv, WithLogger(newTestLogger()), WithDebounce(time.Hour))

	c.Save([]order.Record{rec("A", order.StatusPending, 1)})
	require.NoError(t, c.Flush(ctx))
	c.Save([]order.Record{rec("B", order.StatusPending, 2)})

	require.NoError(t, c.Clear(ctx))
	require.NoError(t, c.Flush(ctx))
	require.Equal(t, 1, kv.putCount())

	_, err := kv.Get(ctx, Key)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Empty(t, c.Load(ctx))
}

func TestCloseFlushesPendingWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := newMemKV()
	c := New(kv, WithLogger(newTestLogger()), WithDebounce(time.Hour))

	c.Save([]order.Record{rec("A", order.StatusPending, 1)})
	require.NoError(t, c.Close(ctx))
	require.Equal(t, 1, kv.putCount())

	c.Save([]order.Record{rec("B", order.StatusPending, 2)})
	require.NoError(t, c.Flush(ctx))
	require.Equal(t, 1, kv.putCount())

	got := c.Load(ctx)
	require.Len(t, got, 1)
	require.Equal(t, "A", got[0].OrderID)
}
