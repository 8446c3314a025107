// Package processor drains realtime order events strictly one at a time, in
// arrival order, and recovers from a handler that never returns.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"

	"github.com/recomma/ordersync/order"
)

// DefaultStallTimeout is how long an event may stay in flight after the most
// recent enqueue before the processor gives up on it.
const DefaultStallTimeout = 5 * time.Second

var (
	// ErrStalled is the cancellation cause of an event that was abandoned by
	// stall recovery.
	ErrStalled      = errors.New("processor: event stalled")
	ErrHandlerPanic = errors.New("processor: handler panicked")
	ErrClosed       = errors.New("processor: closed")
)

// Handler applies one event. A returned error discards the event; it is
// never retried.
type Handler interface {
	Handle(ctx context.Context, evt order.QueuedEvent) error
}

type HandlerFunc func(ctx context.Context, evt order.QueuedEvent) error

func (f HandlerFunc) Handle(ctx context.Context, evt order.QueuedEvent) error { return f(ctx, evt) }

// Observer receives queue lifecycle notifications, typically for metrics.
type Observer interface {
	Enqueued(depth int)
	Processed(evt order.QueuedEvent, err error, elapsed time.Duration)
	Stalled(evt order.QueuedEvent, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) Enqueued(int)                                      {}
func (noopObserver) Processed(order.QueuedEvent, error, time.Duration) {}
func (noopObserver) Stalled(order.QueuedEvent, time.Duration)          {}

type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger.WithGroup("processor")
		}
	}
}

// WithStallTimeout overrides DefaultStallTimeout. Values <= 0 are ignored.
func WithStallTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.stallTimeout = d
		}
	}
}

func WithClock(c clock.WithDelayedExecution) Option {
	return func(p *Processor) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Processor) {
		if o != nil {
			p.observer = o
		}
	}
}

// item wraps an event so every enqueue is a distinct queue entry even when
// two events carry identical payloads.
type item struct {
	evt order.QueuedEvent
}

type inFlight struct {
	item      *item
	startedAt time.Time
	cancel    context.CancelCauseFunc
}

// Processor is a FIFO queue with a single worker. At most one event is in
// flight at any time.
type Processor struct {
	handler      Handler
	queue        workqueue.TypedInterface[*item]
	clock        clock.WithDelayedExecution
	logger       *slog.Logger
	observer     Observer
	stallTimeout time.Duration

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	generation uint64
	current    *inFlight
	stallTimer clock.Timer
	workers    sync.WaitGroup
}

func New(handler Handler, opts ...Option) *Processor {
	p := &Processor{
		handler:      handler,
		queue:        workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[*item]{Name: "order-events"}),
		clock:        clock.RealClock{},
		logger:       slog.Default().WithGroup("processor"),
		observer:     noopObserver{},
		stallTimeout: DefaultStallTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker. Events enqueued before Start are kept and
// processed once it runs.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	gen := p.generation
	p.mu.Unlock()

	p.spawn(gen)
}

// Enqueue appends evt to the queue and (re)arms the stall timer.
func (p *Processor) Enqueue(evt order.QueuedEvent) error {
	if p.queue.ShuttingDown() {
		p.logger.Debug("dropping event; processor closed", slog.String("event", evt.String()))
		return ErrClosed
	}
	p.queue.Add(&item{evt: evt})
	p.observer.Enqueued(p.queue.Len())

	p.mu.Lock()
	p.armLocked(p.stallTimeout)
	p.mu.Unlock()
	return nil
}

// InFlight reports whether an event is currently being handled.
func (p *Processor) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Len returns the number of events waiting to be handled.
func (p *Processor) Len() int {
	return p.queue.Len()
}

// Close stops accepting events, lets the worker drain what is queued and
// waits for it until ctx expires.
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.stallTimer != nil {
		p.stallTimer.Stop()
		p.stallTimer = nil
	}
	started := p.started
	p.mu.Unlock()

	if !started {
		p.queue.ShutDown()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.queue.ShutDownWithDrain()
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		p.releaseCurrent()
		p.queue.ShutDown()
		return fmt.Errorf("close processor: %w", ctx.Err())
	}
}

func (p *Processor) spawn(gen uint64) {
	p.workers.Add(1)
	go p.run(gen)
}

func (p *Processor) run(gen uint64) {
	defer p.workers.Done()

	for {
		it, shutdown := p.queue.Get()
		if shutdown {
			return
		}

		ctx := p.begin(it)
		start := p.clock.Now()
		err := p.invoke(ctx, it.evt)
		elapsed := p.clock.Since(start)

		if !p.finish(gen, it) {
			// stall recovery already released this event and started a
			// replacement worker
			p.logger.Debug("abandoned event returned",
				slog.String("event", it.evt.String()),
				slog.Duration("elapsed", elapsed),
				slog.Any("error", err),
			)
			return
		}

		p.observer.Processed(it.evt, err, elapsed)
		if err != nil {
			p.logger.Warn("discarding event",
				slog.String("event", it.evt.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Processor) begin(it *item) context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithCancelCause(p.ctx)
	p.current = &inFlight{item: it, startedAt: p.clock.Now(), cancel: cancel}
	return ctx
}

func (p *Processor) finish(gen uint64, it *item) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.generation {
		return false
	}
	if p.current != nil {
		p.current.cancel(nil)
	}
	p.current = nil
	p.queue.Done(it)
	return true
}

func (p *Processor) invoke(ctx context.Context, evt order.QueuedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return p.handler.Handle(ctx, evt)
}

func (p *Processor) armLocked(d time.Duration) {
	if p.stallTimer != nil {
		p.stallTimer.Stop()
	}
	p.stallTimer = p.clock.AfterFunc(d, p.checkStall)
}

func (p *Processor) checkStall() {
	p.mu.Lock()
	cur := p.current
	if cur == nil {
		p.mu.Unlock()
		return
	}
	elapsed := p.clock.Since(cur.startedAt)
	if elapsed < p.stallTimeout {
		// the event started after the last enqueue; give it a full window
		p.armLocked(p.stallTimeout - elapsed)
		p.mu.Unlock()
		return
	}
	p.current = nil
	p.generation++
	gen := p.generation
	p.mu.Unlock()

	cur.cancel(ErrStalled)
	p.queue.Done(cur.item)

	p.logger.Warn("queue stalled; releasing in-flight event",
		slog.String("event", cur.item.evt.String()),
		slog.Duration("elapsed", elapsed),
		slog.Int("pending", p.queue.Len()),
	)
	p.observer.Stalled(cur.item.evt, elapsed)

	p.spawn(gen)
}

// releaseCurrent abandons the in-flight event during a forced shutdown.
func (p *Processor) releaseCurrent() {
	p.mu.Lock()
	cur := p.current
	p.current = nil
	p.generation++
	p.mu.Unlock()

	if cur != nil {
		cur.cancel(ErrClosed)
		p.queue.Done(cur.item)
	}
}
