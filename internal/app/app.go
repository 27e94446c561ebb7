// Package app provides application initialization and wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jobrunner/rastercat/internal/adapters/catalogstore"
	httpAdapter "github.com/jobrunner/rastercat/internal/adapters/http"
	"github.com/jobrunner/rastercat/internal/adapters/metrics"
	"github.com/jobrunner/rastercat/internal/adapters/raster"
	"github.com/jobrunner/rastercat/internal/adapters/spatialindex"
	"github.com/jobrunner/rastercat/internal/adapters/storage"
	tlsAdapter "github.com/jobrunner/rastercat/internal/adapters/tls"
	"github.com/jobrunner/rastercat/internal/adapters/watcher"
	"github.com/jobrunner/rastercat/internal/application"
	"github.com/jobrunner/rastercat/internal/config"
	"github.com/jobrunner/rastercat/internal/domain"
	"github.com/jobrunner/rastercat/internal/ports/output"
)

// App holds all application components.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Metrics       *metrics.Collector
	Rasters       *raster.CachedSource // nil when the handle cache is disabled
	Store         *catalogstore.Store
	Manager       *application.CatalogManager
	HealthService *application.HealthService
	Storage       output.ObjectStorage // nil unless rasters are mirrored
	Mirror        *application.MirrorService
	Watcher       *watcher.Watcher
	HTTPServer    *httpAdapter.Server
	TLSServer     *tlsAdapter.Server // nil unless TLS is enabled
}

// Options tweaks wiring for tests and one-shot commands.
type Options struct {
	// Registry receives the metrics. Nil uses the default registry.
	Registry *prometheus.Registry
}

// New creates and initializes a new application.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize metrics
	var metricsCollector output.MetricsCollector = &output.NoOpMetrics{}
	if cfg.Metrics.Enabled {
		app.Metrics = metrics.NewCollector("rastercat", opts.Registry)
		metricsCollector = app.Metrics
	}

	// Raster access: the builder reads headers directly, the resolver goes
	// through the handle cache.
	registry := raster.NewRegistry()
	var resolveSource output.RasterSource = registry
	if cfg.Resolver.HandleCacheSize > 0 {
		cached, err := raster.NewCachedSource(registry, cfg.Resolver.HandleCacheSize)
		if err != nil {
			return nil, fmt.Errorf("initializing raster cache: %w", err)
		}
		app.Rasters = cached
		resolveSource = cached
	}

	app.Store = catalogstore.New(cfg.Catalog.IndexPath, cfg.Catalog.DescriptorsPath, metricsCollector, logger)

	builder := application.NewCatalogBuilder(
		registry,
		func() output.IndexBuilder { return spatialindex.NewMemoryIndex() },
		metricsCollector,
		logger,
		application.BuilderConfig{
			Sources:    cfg.Catalog.Sources,
			DefaultCRS: cfg.Catalog.CRS,
			Workers:    cfg.Catalog.Workers,
		},
	)

	resolver := application.NewResolver(resolveSource, metricsCollector, logger, application.ResolverConfig{
		BatchWorkers: cfg.Resolver.BatchWorkers,
	})

	app.Manager = application.NewCatalogManager(
		builder,
		app.Store,
		resolver,
		metricsCollector,
		logger,
		application.ManagerConfig{
			DefaultCRS:       cfg.Catalog.CRS,
			RebuildOnMissing: cfg.Catalog.RebuildOnMissing,
			AfterSwap:        app.purgeRasterCache,
		},
	)

	app.HealthService = application.NewHealthService(app.Manager)

	// Initialize remote storage and the mirror
	if cfg.Storage.Remote() {
		store, err := initStorage(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		app.Storage = store
		app.Mirror = application.NewMirrorService(
			store,
			cfg.Storage.LocalPath,
			cfg.Storage.SyncInterval,
			app.rebuildAfterChange,
			metricsCollector,
			logger,
		)
	}

	// Initialize file watcher for hot rebuilds
	if cfg.Catalog.Watch.Enabled {
		w, err := watcher.New(
			watcher.Config{
				Paths:    sourceDirectories(cfg.Catalog.Sources),
				Debounce: cfg.Catalog.Watch.Debounce,
				Match:    storage.IsRasterFile,
			},
			app.handleFileEvents,
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize file watcher", "error", err)
		} else {
			app.Watcher = w
		}
	}

	// Initialize HTTP server
	services := httpAdapter.Services{
		Resolver:  app.Manager,
		Catalog:   app.Manager,
		Health:    app.HealthService,
		Rebuilder: app.Manager,
	}
	if app.Mirror != nil {
		services.Mirror = app.Mirror
	}
	var serverMetrics httpAdapter.Metrics
	if app.Metrics != nil {
		serverMetrics = app.Metrics
	}
	app.HTTPServer = httpAdapter.NewServer(cfg.Server, cfg.Metrics, services, serverMetrics, logger)

	// Initialize TLS server if enabled
	if cfg.TLS.Enabled {
		tlsServer, err := tlsAdapter.NewServer(tlsConfig(cfg), app.HTTPServer.Router(), logger)
		if err != nil {
			return nil, fmt.Errorf("initializing TLS: %w", err)
		}
		app.TLSServer = tlsServer
	}

	return app, nil
}

// LoadCatalog loads the persisted catalog, building it when missing and
// allowed. Missing sources or a missing catalog leave the service running
// but not ready; any other failure is returned.
func (a *App) LoadCatalog(ctx context.Context) error {
	err := a.Manager.LoadOrBuild(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNoSources), errors.Is(err, domain.ErrCatalogNotFound):
		a.Logger.Warn("no catalog available, service is not ready", "error", err)
		return nil
	default:
		return err
	}
}

// BuildCatalog builds and persists the catalog. Without force a loadable
// persisted catalog is kept as is.
func (a *App) BuildCatalog(ctx context.Context, force bool) (application.RebuildResult, bool, error) {
	if !force && a.Store.Exists() {
		err := a.Manager.Load(ctx)
		if err == nil {
			summary, _ := a.Manager.Summary(ctx)
			return application.RebuildResult{Rasters: summary.Count, Fingerprint: summary.Fingerprint}, false, nil
		}
		a.Logger.Warn("persisted catalog unusable, rebuilding", "error", err)
	}

	result, err := a.Manager.Rebuild(ctx)
	if err != nil {
		return application.RebuildResult{}, false, err
	}
	return result, true, nil
}

// Start starts all application components and serves HTTP until shutdown.
func (a *App) Start(ctx context.Context) error {
	if err := a.LoadCatalog(ctx); err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	if a.Mirror != nil {
		a.Mirror.Start(ctx)
	}

	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start file watcher", "error", err)
		}
	}

	serve := a.HTTPServer.Start
	if a.Config.TLS.Enabled && a.TLSServer != nil {
		if err := a.TLSServer.ManageCertificates(ctx); err != nil {
			return err
		}
		serve = func() error { return a.TLSServer.ListenAndServe(a.Config.Server.Address()) }
	}
	if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}

	if a.Mirror != nil {
		a.Mirror.Stop()
	}

	if a.TLSServer != nil {
		if err := a.TLSServer.Shutdown(ctx); err != nil {
			a.Logger.Error("TLS server shutdown error", "error", err)
		}
	}

	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		a.Logger.Error("HTTP server shutdown error", "error", err)
	}

	return a.Close()
}

func tlsConfig(cfg *config.Config) tlsAdapter.Config {
	return tlsAdapter.Config{
		Enabled:  cfg.TLS.Enabled,
		Domains:  cfg.TLS.Domains,
		Email:    cfg.TLS.Email,
		CacheDir: cfg.TLS.CacheDir,
		Staging:  cfg.TLS.Staging,
		DNS: tlsAdapter.DNSConfig{
			SubscriptionID:    cfg.TLS.DNS.SubscriptionID,
			ResourceGroupName: cfg.TLS.DNS.ResourceGroupName,
			ClientID:          cfg.TLS.DNS.ClientID,
		},
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// Close releases the catalog and cached raster handles.
func (a *App) Close() error {
	err := a.Manager.Close()
	a.purgeRasterCache()
	return err
}

func (a *App) purgeRasterCache() {
	if a.Rasters != nil {
		a.Rasters.Purge()
	}
}

// rebuildAfterChange rebuilds the catalog after mirrored files changed.
func (a *App) rebuildAfterChange(ctx context.Context) error {
	result, err := a.Manager.Rebuild(ctx)
	if errors.Is(err, domain.ErrNoSources) {
		a.Logger.Warn("rasters changed but no sources are configured")
		return nil
	}
	if err != nil {
		return fmt.Errorf("rebuilding catalog: %w", err)
	}
	a.Logger.Info("catalog rebuilt", "rasters", result.Rasters, "skipped", result.Skipped, "fingerprint", result.Fingerprint)
	return nil
}

// handleFileEvents rebuilds the catalog after a burst of source changes.
func (a *App) handleFileEvents(ctx context.Context, events []watcher.Event) error {
	for _, e := range events {
		a.Logger.Debug("raster changed", "path", e.Path, "operation", e.Operation.String())
	}
	return a.rebuildAfterChange(ctx)
}

// sourceDirectories returns the directories holding the configured sources.
func sourceDirectories(sources []domain.SourcePattern) []string {
	dirs := make([]string, 0, len(sources))
	for _, src := range sources {
		// Patterns may reach into subdirectories; watch their parent.
		dirs = append(dirs, filepath.Dir(src.Glob()))
	}
	return dirs
}

// initStorage initializes the storage adapter rasters are mirrored from.
func initStorage(ctx context.Context, cfg config.StorageConfig) (output.ObjectStorage, error) {
	switch cfg.Type {
	case "mount":
		return storage.NewLocalStorage(cfg.Mount.Path), nil

	case "s3":
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})

	case "azure":
		return storage.NewAzureStorage(storage.AzureConfig{
			Container:        cfg.Azure.Container,
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ConnectionString: cfg.Azure.ConnectionString,
			Prefix:           cfg.Azure.Prefix,
		})

	case "http":
		return storage.NewHTTPStorage(storage.HTTPConfig{
			BaseURL:   cfg.HTTP.BaseURL,
			IndexFile: cfg.HTTP.IndexFile,
			Timeout:   cfg.HTTP.Timeout,
			Username:  cfg.HTTP.Username,
			Password:  cfg.HTTP.Password,
		}), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
