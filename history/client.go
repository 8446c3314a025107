// Package history fetches completed and cancelled orders over REST. These
// orders are presentation-only and never enter the tracking store or cache.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/recomma/ordersync/normalize"
	"github.com/recomma/ordersync/order"
)

const (
	TabCompleted = "completed"
	TabCancelled = "cancelled"

	maxBodyBytes = 8 << 20
	fetchTimeout = 30 * time.Second
)

var (
	ErrUnknownTab = errors.New("history: unknown tab")
	ErrHTTPStatus = errors.New("history: unexpected http status")
)

var tabStatuses = map[string][]order.Status{
	TabCompleted: {order.StatusDelivered},
	TabCancelled: {order.StatusCancelled, order.StatusRejected},
}

// StatusesFor returns the statuses listed under tab.
func StatusesFor(tab string) ([]order.Status, error) {
	statuses, ok := tabStatuses[tab]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTab, tab)
	}
	return append([]order.Status(nil), statuses...), nil
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.WithGroup("history")
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

type Client struct {
	base   *url.URL
	http   *http.Client
	token  string
	logger *slog.Logger
	group  singleflight.Group
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}

	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: slog.Default().WithGroup("history"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchByStatus returns the orders in any of statuses, newest first.
// Identical concurrent requests share one round trip. The shared request is
// detached from the caller that started it, so one caller giving up does
// not fail the others.
func (c *Client) FetchByStatus(ctx context.Context, statuses ...order.Status) ([]order.Record, error) {
	if len(statuses) == 0 {
		return nil, errors.New("history: at least one status is required")
	}
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, string(s))
	}
	key := strings.Join(parts, ",")

	ch := c.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, key)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		c.logger.Debug("shared in-flight history fetch", slog.String("status", key))
	}

	records, _ := res.Val.([]order.Record)
	out := make([]order.Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out, nil
}

// FetchTab returns the orders shown under a UI tab.
func (c *Client) FetchTab(ctx context.Context, tab string) ([]order.Record, error) {
	statuses, err := StatusesFor(tab)
	if err != nil {
		return nil, err
	}
	return c.FetchByStatus(ctx, statuses...)
}

type Tabs struct {
	Completed []order.Record `json:"completed"`
	Cancelled []order.Record `json:"cancelled"`
}

// FetchTabs loads the completed and cancelled tabs in parallel.
func (c *Client) FetchTabs(ctx context.Context) (Tabs, error) {
	var tabs Tabs
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		records, err := c.FetchTab(gctx, TabCompleted)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", TabCompleted, err)
		}
		tabs.Completed = records
		return nil
	})
	g.Go(func() error {
		records, err := c.FetchTab(gctx, TabCancelled)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", TabCancelled, err)
		}
		tabs.Cancelled = records
		return nil
	})

	if err := g.Wait(); err != nil {
		return Tabs{}, err
	}
	return tabs, nil
}

func (c *Client) fetch(ctx context.Context, statusParam string) ([]order.Record, error) {
	u := c.base.JoinPath("orders")
	q := u.Query()
	q.Set("status", statusParam)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", u.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d from %s", ErrHTTPStatus, resp.StatusCode, u.Path)
	}

	records, err := normalize.Orders(body)
	if records == nil && err != nil {
		return nil, fmt.Errorf("decode %s: %w", u.Path, err)
	}
	if err != nil {
		c.logger.Warn("skipped malformed history entries",
			slog.String("status", statusParam),
			slog.String("error", err.Error()),
		)
	}
	order.SortByUpdatedDesc(records)
	return records, nil
}
