// Package socket connects to the realtime order socket and feeds order
// events into a sync session.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/client-go/util/workqueue"

	"github.com/recomma/ordersync/order"
)

const (
	defaultMinBackoff   = 500 * time.Millisecond
	defaultMaxBackoff   = 30 * time.Second
	defaultPingInterval = 25 * time.Second
	writeTimeout        = 10 * time.Second
	backoffKey          = "socket"
)

var ErrNotConnected = errors.New("socket: not connected")

// Sink receives inbound order events.
type Sink interface {
	Enqueue(name string, payload []byte) error
	Reconnected()
}

// Frame is the envelope of every socket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.WithGroup("socket")
		}
	}
}

// WithHeader sets request headers sent on every dial, typically the
// restaurant's bearer token.
func WithHeader(h http.Header) Option {
	return func(c *Client) {
		c.header = h.Clone()
	}
}

func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		if minDelay > 0 && maxDelay >= minDelay {
			c.minBackoff = minDelay
			c.maxBackoff = maxDelay
		}
	}
}

// WithPingInterval sets how often keepalive pings are sent. Zero disables
// pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.pingInterval = d
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// Client keeps one websocket connection alive and forwards order events to
// a Sink. Unknown events are ignored.
type Client struct {
	url          string
	sink         Sink
	header       http.Header
	dialer       *websocket.Dialer
	logger       *slog.Logger
	minBackoff   time.Duration
	maxBackoff   time.Duration
	pingInterval time.Duration

	mu   sync.Mutex
	conn *websocket.Conn

	// writeMu serializes data frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func New(url string, sink Sink, opts ...Option) *Client {
	c := &Client{
		url:          url,
		sink:         sink,
		header:       http.Header{},
		dialer:       websocket.DefaultDialer,
		logger:       slog.Default().WithGroup("socket"),
		minBackoff:   defaultMinBackoff,
		maxBackoff:   defaultMaxBackoff,
		pingInterval: defaultPingInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run dials, reads until the connection drops and redials with exponential
// backoff until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := workqueue.NewTypedItemExponentialFailureRateLimiter[string](c.minBackoff, c.maxBackoff)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			delay := backoff.When(backoffKey)
			c.logger.Warn("dial failed",
				slog.String("url", c.url),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		backoff.Forget(backoffKey)
		c.setConn(conn)
		c.logger.Info("connected", slog.String("url", c.url))
		c.sink.Reconnected()

		err = c.serve(ctx, conn)
		c.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := backoff.When(backoffKey)
		c.logger.Warn("connection lost",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", delay),
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	if c.pingInterval > 0 {
		go c.keepalive(conn, done)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(raw)
	}
}

func (c *Client) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Debug("ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (c *Client) dispatch(raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Warn("ignoring unreadable frame", slog.String("error", err.Error()))
		return
	}

	switch frame.Event {
	case order.EventIncomingOrder, order.EventOrderStatus:
	default:
		c.logger.Debug("ignoring event", slog.String("event", frame.Event))
		return
	}

	if err := c.sink.Enqueue(frame.Event, frame.Data); err != nil {
		c.logger.Warn("could not enqueue event",
			slog.String("event", frame.Event),
			slog.String("error", err.Error()),
		)
	}
}

// Emit sends an outbound event on the current connection.
func (c *Client) Emit(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", name, err)
	}
	raw, err := json.Marshal(Frame{Event: name, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", name, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("emit %s: %w", name, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("emit %s: %w", name, err)
	}
	c.logger.Debug("emitted event", slog.String("event", name))
	return nil
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
