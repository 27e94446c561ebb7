package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jobrunner/rastercat/internal/domain"
	"github.com/jobrunner/rastercat/internal/ports/output"
)

// ErrRateLimited is returned when a manual trigger arrives within the
// cooldown of the previous one.
var ErrRateLimited = errors.New("rate limit exceeded")

// triggerCooldown is the minimum spacing of API-triggered operations.
const triggerCooldown = 30 * time.Second

// ManagerConfig holds configuration for the catalog manager.
type ManagerConfig struct {
	DefaultCRS       string
	RebuildOnMissing bool // Build when no persisted catalog exists
	// AfterSwap runs after a new catalog is installed, e.g. to drop cached
	// raster handles of the previous generation.
	AfterSwap func()
}

// RebuildResult contains the result of a rebuild.
type RebuildResult struct {
	Rasters     int           `json:"rasters"`
	Skipped     int           `json:"skipped"`
	Fingerprint string        `json:"fingerprint"`
	Duration    time.Duration `json:"duration_ns"`
	BuiltAt     time.Time     `json:"built_at"`
}

// CatalogManager owns the active catalog. It loads or builds it at startup,
// swaps in rebuilt catalogs and serves queries against whichever catalog is
// current when a query starts.
type CatalogManager struct {
	builder  *CatalogBuilder
	store    output.CatalogStore
	resolver *Resolver
	metrics  output.MetricsCollector
	logger   *slog.Logger
	cfg      ManagerConfig

	mu      sync.RWMutex
	current *Catalog

	// Serializes rebuilds
	rebuildMu sync.Mutex

	// Rate limiting for API triggers
	triggerMu   sync.Mutex
	lastTrigger time.Time
}

// NewCatalogManager creates a new catalog manager.
func NewCatalogManager(
	builder *CatalogBuilder,
	store output.CatalogStore,
	resolver *Resolver,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	cfg ManagerConfig,
) *CatalogManager {
	return &CatalogManager{
		builder:  builder,
		store:    store,
		resolver: resolver,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		// Initialize to past time to allow an immediate first trigger
		lastTrigger: time.Now().Add(-triggerCooldown - time.Second),
	}
}

// LoadOrBuild loads the persisted catalog. A missing catalog is built and
// saved when RebuildOnMissing is set; a corrupt one is reported as is.
func (m *CatalogManager) LoadOrBuild(ctx context.Context) error {
	err := m.Load(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrCatalogNotFound) {
		return err
	}
	if !m.cfg.RebuildOnMissing {
		return err
	}

	m.logger.Info("no persisted catalog found, building")
	_, err = m.Rebuild(ctx)
	return err
}

// Load replaces the active catalog with the persisted one.
func (m *CatalogManager) Load(ctx context.Context) error {
	descriptors, index, err := m.store.Load(ctx)
	if err != nil {
		return err
	}

	catalog, err := NewCatalog(descriptors, index, m.cfg.DefaultCRS)
	if err != nil {
		_ = index.Close()
		return fmt.Errorf("%w: %v", domain.ErrCatalogCorrupt, err)
	}

	m.install(catalog)
	m.logger.Info("catalog loaded", "rasters", catalog.Len(), "crs", catalog.CRS(), "fingerprint", catalog.Fingerprint())
	return nil
}

// Rebuild builds a fresh catalog, persists it, loads it back and makes it
// current. The previous catalog stays usable by in-flight queries.
func (m *CatalogManager) Rebuild(ctx context.Context) (RebuildResult, error) {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	built, err := m.builder.Build(ctx)
	if err != nil {
		return RebuildResult{}, err
	}
	defer func() { _ = built.Index.Close() }()

	if err := m.store.Save(ctx, built.Descriptors, built.Index); err != nil {
		return RebuildResult{}, err
	}
	if err := m.Load(ctx); err != nil {
		return RebuildResult{}, err
	}

	return RebuildResult{
		Rasters:     len(built.Descriptors),
		Skipped:     built.Skipped,
		Fingerprint: domain.Fingerprint(domain.DescriptorEntries(built.Descriptors)),
		Duration:    built.Duration,
		BuiltAt:     time.Now(),
	}, nil
}

// TriggerRebuild runs a rebuild with rate limiting.
// Returns ErrRateLimited if called again within the cooldown.
func (m *CatalogManager) TriggerRebuild(ctx context.Context) (RebuildResult, error) {
	m.triggerMu.Lock()
	if time.Since(m.lastTrigger) < triggerCooldown {
		m.triggerMu.Unlock()
		return RebuildResult{}, ErrRateLimited
	}
	m.lastTrigger = time.Now()
	m.triggerMu.Unlock()

	return m.Rebuild(ctx)
}

// install swaps in catalog and retires the previous one.
func (m *CatalogManager) install(catalog *Catalog) {
	m.mu.Lock()
	previous := m.current
	m.current = catalog
	m.mu.Unlock()

	m.metrics.SetCatalogRasters(catalog.Len())
	if m.cfg.AfterSwap != nil {
		m.cfg.AfterSwap()
	}

	if previous != nil {
		if err := previous.Retire(); err != nil {
			m.logger.Warn("closing retired catalog failed", "error", err)
		}
	}
}

// Acquire returns the current catalog and a release function that must be
// called when the caller is done with it.
func (m *CatalogManager) Acquire() (*Catalog, func(), error) {
	for {
		m.mu.RLock()
		catalog := m.current
		m.mu.RUnlock()

		if catalog == nil {
			return nil, nil, domain.ErrCatalogNotReady
		}
		if catalog.acquire() {
			return catalog, catalog.release, nil
		}
		// Retired and closed between the read and acquire; a newer
		// catalog is already installed.
	}
}

// Ready reports whether a catalog is loaded.
func (m *CatalogManager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil
}

// Resolve implements input.FeatureResolver.
func (m *CatalogManager) Resolve(ctx context.Context, point domain.QueryPoint) (domain.FeatureResult, error) {
	catalog, release, err := m.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return m.resolver.Resolve(ctx, point, catalog)
}

// ResolveBatch implements input.FeatureResolver.
func (m *CatalogManager) ResolveBatch(ctx context.Context, points []domain.QueryPoint) ([]domain.PointFeatures, error) {
	catalog, release, err := m.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return m.resolver.ResolveBatch(ctx, points, catalog)
}

// Summary implements input.CatalogReader.
func (m *CatalogManager) Summary(_ context.Context) (domain.CatalogSummary, error) {
	catalog, release, err := m.Acquire()
	if err != nil {
		return domain.CatalogSummary{}, err
	}
	defer release()

	return catalog.Summary(), nil
}

// Descriptors implements input.CatalogReader.
func (m *CatalogManager) Descriptors(_ context.Context) ([]domain.RasterDescriptor, error) {
	catalog, release, err := m.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	return catalog.Descriptors(), nil
}

// Descriptor implements input.CatalogReader.
func (m *CatalogManager) Descriptor(_ context.Context, id int) (domain.RasterDescriptor, error) {
	catalog, release, err := m.Acquire()
	if err != nil {
		return domain.RasterDescriptor{}, err
	}
	defer release()

	return catalog.Descriptor(id)
}

// Close retires the current catalog.
func (m *CatalogManager) Close() error {
	m.mu.Lock()
	catalog := m.current
	m.current = nil
	m.mu.Unlock()

	if catalog == nil {
		return nil
	}
	return catalog.Retire()
}
