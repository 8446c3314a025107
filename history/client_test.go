package history

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recomma/ordersync/order"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler)
}

func TestFetchTabs(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orders", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("status") {
		case "DELIVERED":
			_, _ = io.WriteString(w, `{"data":[
				{"orderId":"D1","status":"DELIVERED","updatedAt":10},
				{"orderId":"D2","status":"DELIVERED","updatedAt":20}
			]}`)
		case "CANCELLED,REJECTED":
			_, _ = io.WriteString(w, `[
				{"_id":"C1","status":"cancelled","updatedAt":5,"cancellation":{"reason":"closed"}},
				{"orderItems":"broken"},
				{"orderId":"R1","status":"REJECTED","updatedAt":7}
			]`)
		default:
			http.Error(w, "unexpected", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client, err := New(srv.URL+"/api/v1", WithLogger(newTestLogger()), WithToken("secret"))
	require.NoError(t, err)

	tabs, err := client.FetchTabs(context.Background())
	require.NoError(t, err)

	require.Len(t, tabs.Completed, 2)
	require.Equal(t, "D2", tabs.Completed[0].OrderID)

	require.Len(t, tabs.Cancelled, 2)
	require.Equal(t, "R1", tabs.Cancelled[0].OrderID)
	require.Equal(t, order.StatusCancelled, tabs.Cancelled[1].Status)
	require.NotNil(t, tabs.Cancelled[1].Cancellation)
	require.Equal(t, "closed", tabs.Cancelled[1].Cancellation.Reason)
}

func TestFetchByStatusCoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = io.WriteString(w, `[{"orderId":"D1","status":"DELIVERED","updatedAt":1}]`)
	}))
	defer srv.Close()

	client, err := New(srv.URL, WithLogger(newTestLogger()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]order.Record, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs, err := client.FetchByStatus(context.Background(), order.StatusDelivered)
			assert.NoError(t, err)
			results[i] = recs
		}(i)
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.LessOrEqual(t, hits.Load(), int32(2))
	for _, recs := range results {
		require.Len(t, recs, 1)
	}
	results[0][0].OrderID = "mutated"
	require.Equal(t, "D1", results[1][0].OrderID)
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = io.WriteString(w, `[{"orderId":"D1","status":"DELIVERED","updatedAt":1}]`)
	}))
	defer srv.Close()
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	defer unblock()

	client, err := New(srv.URL, WithLogger(newTestLogger()))
	require.NoError(t, err)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := client.FetchByStatus(firstCtx, order.StatusDelivered)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		recs []order.Record
		err  error
	}
	second := make(chan result, 1)
	go func() {
		recs, err := client.FetchByStatus(context.Background(), order.StatusDelivered)
		second <- result{recs, err}
	}()

	cancelFirst()
	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	unblock()
	select {
	case res := <-second:
		require.NoError(t, res.err)
		require.Len(t, res.recs, 1)
		require.Equal(t, "D1", res.recs[0].OrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("shared fetch did not complete")
	}
	require.LessOrEqual(t, hits.Load(), int32(2))
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := New(srv.URL, WithLogger(newTestLogger()))
	require.NoError(t, err)

	_, err = client.FetchByStatus(context.Background(), order.StatusDelivered)
	require.ErrorIs(t, err, ErrHTTPStatus)

	_, err = client.FetchTab(context.Background(), "archived")
	require.ErrorIs(t, err, ErrUnknownTab)

	_, err = client.FetchTabs(context.Background())
	require.ErrorIs(t, err, ErrHTTPStatus)

	_, err = New("not-a-url")
	require.Error(t, err)
}
