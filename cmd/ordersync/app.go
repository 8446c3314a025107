package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/recomma/ordersync/cache"
	"github.com/recomma/ordersync/cmd/ordersync/internal/config"
	"github.com/recomma/ordersync/history"
	"github.com/recomma/ordersync/internal/api"
	"github.com/recomma/ordersync/internal/metrics"
	"github.com/recomma/ordersync/internal/origin"
	"github.com/recomma/ordersync/socket"
	"github.com/recomma/ordersync/storage"
	"github.com/recomma/ordersync/syncer"
	"github.com/recomma/ordersync/tracker"
)

// App wires the sync core, its collaborators and the local HTTP surface.
type App struct {
	Config config.AppConfig
	Logger *slog.Logger

	Storage  *storage.Storage
	Cache    *cache.Cache
	Tracker  *tracker.Store
	Session  *syncer.Session
	Socket   *socket.Client
	History  *history.Client
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	Server      *http.Server
	serverAddr  string
	serverErrCh chan error

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

type AppOptions struct {
	Config config.AppConfig
	Logger *slog.Logger
}

// NewApp builds every component without starting any goroutine.
func NewApp(opts AppOptions) (*App, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := storage.New(cfg.StoragePath, storage.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("storage init: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metrics init: %w", err)
	}

	c := cache.New(db,
		cache.WithLogger(logger),
		cache.WithDebounce(cfg.CacheDebounce),
		cache.WithObserver(m),
	)
	store := tracker.New(c, tracker.WithLogger(logger))
	session := syncer.New(store, c,
		syncer.WithLogger(logger),
		syncer.WithStallTimeout(cfg.StallTimeout),
		syncer.WithJournal(db),
		syncer.WithRecorder(m),
		syncer.WithQueueObserver(m),
	)

	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	sock := socket.New(cfg.SocketURL, session,
		socket.WithLogger(logger),
		socket.WithHeader(header),
		socket.WithBackoff(cfg.ReconnectMin, cfg.ReconnectMax),
		socket.WithPingInterval(cfg.PingInterval),
	)

	handlerOpts := []api.HandlerOption{
		api.WithLogger(logger),
		api.WithEmitter(sock),
		api.WithJournal(db),
		api.WithLifecycle(session),
		api.WithSessionStatus(session),
		api.WithConnection(sock),
	}
	var hist *history.Client
	if cfg.APIBaseURL != "" {
		hist, err = history.New(cfg.APIBaseURL, history.WithLogger(logger), history.WithToken(cfg.AuthToken))
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("history client init: %w", err)
		}
		handlerOpts = append(handlerOpts, api.WithHistory(hist))
	}
	apiHandler := api.NewHandler(store, store, session, handlerOpts...)

	apiMux := http.NewServeMux()
	apiHandler.Register(apiMux)
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: origin.AllowedOrigins(cfg.HTTPListen, cfg.UIOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	apiWithMiddleware := api.RequestLogger(logger)(corsMiddleware.Handler(apiMux))

	rootMux := http.NewServeMux()
	rootMux.Handle("/api/", apiWithMiddleware)
	rootMux.Handle("/sse/", apiWithMiddleware)
	rootMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	// long-lived SSE requests end when shutdown begins
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              cfg.HTTPListen,
		Handler:           rootMux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelRequests)

	return &App{
		Config:      cfg,
		Logger:      logger,
		Storage:     db,
		Cache:       c,
		Tracker:     store,
		Session:     session,
		Socket:      sock,
		History:     hist,
		Metrics:     m,
		Registry:    reg,
		Server:      srv,
		serverErrCh: make(chan error, 1),
	}, nil
}

// Start restores cached orders, starts the queue worker, the socket, the
// journal pruner, the terminal order cleanup and the HTTP server.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config.HTTPListen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Config.HTTPListen, err)
	}
	a.serverAddr = ln.Addr().String()

	ctx, a.cancel = context.WithCancel(ctx)

	restored := a.Session.Restore(ctx)
	// the queue outlives ctx so Shutdown can drain it
	a.Session.Start(context.WithoutCancel(ctx))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Socket.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Warn("socket stopped", slog.String("error", err.Error()))
		}
	}()

	if a.Config.JournalRetention > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.pruneJournal(ctx)
		}()
	}

	if a.Config.CleanupInterval > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			every(ctx, a.Config.CleanupInterval, a.cleanupOrders)
		}()
	}

	go func() {
		a.Logger.Info("HTTP API listening", slog.String("addr", a.serverAddr), slog.Int("restored_orders", restored))
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serverErrCh <- err
		}
		close(a.serverErrCh)
	}()
	return nil
}

// HTTPAddr returns the bound listen address once started.
func (a *App) HTTPAddr() string { return a.serverAddr }

// ServerErrors reports a failure of the HTTP server.
func (a *App) ServerErrors() <-chan error { return a.serverErrCh }

func (a *App) pruneJournal(ctx context.Context) {
	prune := func() {
		cutoff := time.Now().Add(-a.Config.JournalRetention)
		n, err := a.Storage.PruneEvents(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				a.Logger.Warn("journal prune failed", slog.String("error", err.Error()))
			}
			return
		}
		if n > 0 {
			a.Logger.Debug("pruned event journal", slog.Int64("rows", n), slog.Time("cutoff", cutoff))
		}
	}

	prune()
	every(ctx, a.Config.PruneInterval, prune)
}

// cleanupOrders drops delivered, cancelled and rejected orders the UI no
// longer lists from memory.
func (a *App) cleanupOrders() {
	if n := a.Tracker.CleanupInactive(); n > 0 {
		a.Logger.Debug("cleaned up inactive orders", slog.Int("orders", n))
	}
}

// every calls fn on each tick of interval until ctx ends.
func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Shutdown stops the HTTP server, the socket and the pruner, drains the
// event queue, flushes the cache and closes storage.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.shutdownOnce.Do(func() {
		if a.serverAddr != "" {
			if err := drainHTTPServer(ctx, a.Server); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()

		if err := a.Session.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session close: %w", err))
		}
		if err := a.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
		a.Logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

func drainHTTPServer(ctx context.Context, srv *http.Server) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
