// Package app wires configuration, storage, the pipeline and the HTTP
// servers into one runnable unit.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpapi "github.com/modelpulse/modelpulse/internal/api/http"
	"github.com/modelpulse/modelpulse/internal/cache"
	"github.com/modelpulse/modelpulse/internal/config"
	"github.com/modelpulse/modelpulse/internal/logging"
	"github.com/modelpulse/modelpulse/internal/metrics"
	"github.com/modelpulse/modelpulse/internal/pipeline"
	"github.com/modelpulse/modelpulse/internal/server"
	"github.com/modelpulse/modelpulse/internal/storage"
)

// App owns every long-lived component for the configured mode.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *storage.Store
	archive  storage.ObjectStorage
	cache    cache.Provider
	pipeline *pipeline.Pipeline
	janitor  *storage.Janitor
	shutdown *server.ShutdownManager

	ingestServer  *http.Server
	queryServer   *http.Server
	metricsServer *http.Server

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the configuration and prepares an App. No resources are
// opened until Start.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg:    cfg,
		logger: logging.New(cfg.Logging.Level, cfg.Logging.JSON),
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Start opens shared resources and launches the services for the
// configured mode.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return err
	}

	if a.cfg.ShouldRunIngest() {
		if err := a.startIngest(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start ingest service: %w", err)
		}
	}
	if a.cfg.ShouldRunQuery() {
		a.startQuery()
	}
	a.startMetrics()

	a.logger.Info("modelpulse started", slog.String("mode", string(a.cfg.Mode)))
	return nil
}

func (a *App) initSharedResources(ctx context.Context) error {
	a.shutdown = server.NewShutdownManager(30*time.Second, a.logger)

	store, err := storage.NewStore(a.cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.store = store
	a.shutdown.Register("store", store)
	a.logger.Info("store opened", slog.String("path", a.cfg.DatabasePath()))

	switch a.cfg.Storage.Archive.Type {
	case "", "none":
		a.archive = nil
	case "local":
		archive, err := storage.NewLocalArchive(a.cfg.Storage.Archive.Path)
		if err != nil {
			return fmt.Errorf("failed to open local archive: %w", err)
		}
		a.archive = archive
		a.logger.Info("local archive opened", slog.String("path", a.cfg.Storage.Archive.Path))
	case "s3":
		archive, err := storage.NewS3Archive(ctx, a.cfg.Storage.Archive.S3)
		if err != nil {
			return fmt.Errorf("failed to open s3 archive: %w", err)
		}
		a.archive = archive
		a.logger.Info("s3 archive opened", slog.String("bucket", a.cfg.Storage.Archive.S3.Bucket))
	default:
		return fmt.Errorf("unsupported archive type: %s", a.cfg.Storage.Archive.Type)
	}

	switch {
	case a.cfg.Cache.Enabled && a.cfg.Cache.Addr != "":
		redisCache, err := cache.NewRedis(ctx, a.cfg.Cache)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.cache = redisCache
		a.shutdown.Register("cache", redisCache)
		a.logger.Info("redis cache connected", slog.String("addr", a.cfg.Cache.Addr))
	case a.cfg.Cache.Enabled:
		a.cache = cache.NewMemory()
		a.logger.Info("in-process cache enabled")
	default:
		a.cache = cache.NewNoop()
	}

	return nil
}

func (a *App) startIngest(ctx context.Context) error {
	p, err := pipeline.New(a.cfg, a.store, a.archive, a.logger)
	if err != nil {
		return err
	}
	a.pipeline = p
	p.Start(ctx)
	a.shutdown.RegisterFunc("pipeline", func() error {
		p.Close()
		return nil
	})

	a.janitor = storage.NewJanitor(a.store, a.archive, a.cfg.Retention, a.logger)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.janitor.Run(ctx)
	}()

	router := mux.NewRouter()
	middleware := httpapi.DefaultMiddleware(a.logger)
	router.Handle("/v1/events", middleware(httpapi.NewIngestHandler(p))).Methods(http.MethodPost)
	router.HandleFunc("/healthz", a.healthHandler()).Methods(http.MethodGet)

	a.ingestServer = &http.Server{
		Addr:         a.cfg.HTTP.IngestAddr,
		Handler:      router,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.serve("ingest", a.ingestServer)
	return nil
}

func (a *App) startQuery() {
	var partials httpapi.PartialReader
	var replayer httpapi.Replayer
	var groups httpapi.GroupReader
	if a.pipeline != nil {
		partials = a.pipeline
		replayer = a.pipeline
		groups = a.pipeline
	}

	handler := httpapi.NewQueryHandler(a.store, partials, replayer, groups, a.cache, a.cfg.Cache.TTL, a.logger)

	router := mux.NewRouter()
	router.Use(httpapi.DefaultMiddleware(a.logger))
	handler.Register(router)

	a.queryServer = &http.Server{
		Addr:         a.cfg.HTTP.QueryAddr,
		Handler:      router,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.serve("query", a.queryServer)
}

func (a *App) startMetrics() {
	if a.cfg.HTTP.MetricsAddr == "" {
		return
	}

	serveMux := http.NewServeMux()
	serveMux.Handle("/metrics", promhttp.Handler())

	a.metricsServer = &http.Server{
		Addr:    a.cfg.HTTP.MetricsAddr,
		Handler: serveMux,
	}
	a.serve("metrics", a.metricsServer)
}

// serve runs srv in the background and registers it for shutdown.
func (a *App) serve(name string, srv *http.Server) {
	a.shutdown.Register(name+"-server", &server.HTTPServerCloser{Server: srv})
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info(name+" server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error(name+" server error", slog.Any("error", err))
		}
	}()
}

func (a *App) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"unhealthy"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","mode":"%s"}`, a.cfg.Mode)
	}
}

// WaitForShutdown blocks until a termination signal arrives, then tears
// everything down in order.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	return err
}

// Stop shuts the app down programmatically.
func (a *App) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown("stop requested")
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return err
}

func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.store != nil {
		a.store.Close()
	}
}
