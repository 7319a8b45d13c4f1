// Package gateway wires the QRIS gateway components for standalone serving
// or embedding into a larger process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/qrisgate/server/internal/auth"
	"github.com/qrisgate/server/internal/config"
	"github.com/qrisgate/server/internal/credentials"
	"github.com/qrisgate/server/internal/httpserver"
	"github.com/qrisgate/server/internal/invoice"
	"github.com/qrisgate/server/internal/lifecycle"
	"github.com/qrisgate/server/internal/logger"
	"github.com/qrisgate/server/internal/metrics"
	"github.com/qrisgate/server/internal/scheduler"
	"github.com/qrisgate/server/internal/storage"
	"github.com/qrisgate/server/internal/upstream"
	"github.com/qrisgate/server/internal/webhook"
)

// App assembles the gateway: storage, credentials, the invoice service, the
// webhook worker, the scheduler, and the HTTP surface.
type App struct {
	Config      *config.Config
	Store       storage.Store
	Credentials *credentials.Service
	Invoices    *invoice.Service
	Worker      *webhook.Worker
	Scheduler   *scheduler.Scheduler
	Metrics     *metrics.Metrics

	log       zerolog.Logger
	router    chi.Router
	server    *httpserver.Server
	resources *lifecycle.Manager
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store    storage.Store
	upstream upstream.Client
}

// WithStore injects a storage backend, bypassing the configured one. The
// caller keeps ownership and closes it.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithUpstream injects a provider client, e.g. a fake for integration tests.
func WithUpstream(client upstream.Client) Option {
	return func(o *options) { o.upstream = client }
}

// NewApp assembles the gateway from configuration.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("gateway: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:    cfg,
		resources: lifecycle.NewManager(),
		log: logger.New(logger.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Service:     "qrisgate",
			Environment: cfg.Logging.Environment,
		}),
	}

	app.Metrics = metrics.New()

	if optState.store != nil {
		app.Store = optState.store
	} else {
		store, err := storage.NewStore(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		app.Store = store
		app.resources.Register("storage", func(context.Context) error {
			return store.Close()
		})
	}

	app.Credentials = credentials.NewService(app.Store)

	var providerClient upstream.Client
	if optState.upstream != nil {
		providerClient = optState.upstream
	} else {
		httpUpstream := upstream.NewHTTPClient(cfg.Upstream)
		httpUpstream.SetMetrics(app.Metrics)
		providerClient = httpUpstream
	}

	app.Invoices = invoice.NewService(app.Store, providerClient,
		cfg.Invoice.PendingTTL.Duration, cfg.Invoice.PaidCacheTTL.Duration)
	app.Invoices.SetMetrics(app.Metrics)

	app.Worker = webhook.NewWorker(app.Store, cfg.Webhook)
	app.Worker.SetMetrics(app.Metrics)

	app.Scheduler = scheduler.New(app.Store, app.Worker, cfg.Scheduler)
	app.Scheduler.SetMetrics(app.Metrics)

	authMW := auth.NewMiddleware(app.Store, app.Credentials,
		cfg.Auth.SignWindow.Duration, cfg.Auth.NonceTTL.Duration)
	authMW.SetMetrics(app.Metrics)

	app.router = httpserver.NewRouter(httpserver.RouterDeps{
		Handlers: httpserver.NewHandlers(app.Invoices, app.Store),
		Auth:     authMW,
		Metrics:  app.Metrics,
		Logger:   app.log,
		Config:   *cfg,
	})
	app.server = httpserver.NewServer(cfg.Server, app.router, app.log)

	return app, nil
}

// Logger returns the process logger.
func (a *App) Logger() zerolog.Logger { return a.log }

// Handler exposes the assembled route tree for embedding.
func (a *App) Handler() http.Handler { return a.router }

// Run serves HTTP and ticks the scheduler until ctx is cancelled, then
// drains and releases everything in reverse startup order.
func (a *App) Run(ctx context.Context) error {
	ctx = logger.WithContext(ctx, a.log)

	schedCtx, stopScheduler := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		a.Scheduler.Run(schedCtx)
	}()
	a.resources.Register("scheduler", func(ctx context.Context) error {
		stopScheduler()
		select {
		case <-schedDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.Start()
	}()
	a.resources.Register("http-server", a.server.Shutdown)

	select {
	case err := <-serveErr:
		// Listener died on its own; release the rest and report.
		a.Close(context.Background())
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutdown signal received")
	grace := a.Config.Server.ShutdownTimeout.Duration
	if grace <= 0 {
		grace = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	a.Close(shutdownCtx)
	return nil
}

// Close releases app resources in reverse startup order.
func (a *App) Close(ctx context.Context) {
	a.resources.Shutdown(logger.WithContext(ctx, a.log))
}
