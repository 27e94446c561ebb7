package application

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jobrunner/rastercat/internal/domain"
	"github.com/jobrunner/rastercat/internal/ports/output"
)

// BuilderConfig holds configuration for the catalog builder.
type BuilderConfig struct {
	Sources    []domain.SourcePattern
	DefaultCRS string // Applied to rasters that declare no CRS
	Workers    int    // Parallel header reads
}

// BuildResult is the outcome of a successful build.
type BuildResult struct {
	Descriptors []domain.RasterDescriptor
	Index       output.IndexBuilder
	Matched     int // Files matched by the source patterns
	Skipped     int // Files that could not be read
	Duration    time.Duration
}

// CatalogBuilder scans the configured sources and produces descriptors and a
// populated spatial index.
type CatalogBuilder struct {
	source   output.RasterSource
	newIndex func() output.IndexBuilder
	metrics  output.MetricsCollector
	logger   *slog.Logger
	cfg      BuilderConfig
}

// NewCatalogBuilder creates a new catalog builder. newIndex returns an
// empty index for every build.
func NewCatalogBuilder(
	source output.RasterSource,
	newIndex func() output.IndexBuilder,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	cfg BuilderConfig,
) *CatalogBuilder {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	return &CatalogBuilder{
		source:   source,
		newIndex: newIndex,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// candidate is a matched file before its header has been read.
type candidate struct {
	path        string
	featureType domain.FeatureType

	bounds domain.BBox
	crs    string
	err    error
}

// Build runs a full build pass. Unreadable rasters are skipped; only a
// missing source configuration or a CRS disagreement fails the build.
func (b *CatalogBuilder) Build(ctx context.Context) (*BuildResult, error) {
	start := time.Now()

	result, err := b.build(ctx)
	b.metrics.ObserveBuildDuration(time.Since(start), err == nil)
	if err != nil {
		b.logger.Error("catalog build failed", "error", err)
		return nil, err
	}

	result.Duration = time.Since(start)
	b.logger.Info("catalog built",
		"rasters", len(result.Descriptors),
		"matched", result.Matched,
		"skipped", result.Skipped,
		"duration", result.Duration,
	)
	return result, nil
}

func (b *CatalogBuilder) build(ctx context.Context) (*BuildResult, error) {
	if len(b.cfg.Sources) == 0 {
		return nil, domain.ErrNoSources
	}

	candidates, err := b.discover()
	if err != nil {
		return nil, err
	}

	if err := b.readHeaders(ctx, candidates); err != nil {
		return nil, err
	}

	index := b.newIndex()
	result := &BuildResult{
		Descriptors: make([]domain.RasterDescriptor, 0, len(candidates)),
		Index:       index,
		Matched:     len(candidates),
	}

	catalogCRS := ""
	for _, c := range candidates {
		if c.err == nil {
			c.err = c.bounds.Validate()
		}
		if c.err != nil {
			b.logger.Warn("skipping raster",
				"path", c.path,
				"feature_type", c.featureType,
				"error", c.err,
			)
			b.metrics.IncRasterFailures("build")
			result.Skipped++
			continue
		}

		crs := c.crs
		if crs == "" {
			crs = b.cfg.DefaultCRS
		}
		if len(result.Descriptors) == 0 {
			catalogCRS = crs
		} else if crs != catalogCRS {
			_ = index.Close()
			return nil, &domain.CRSMismatchError{Expected: catalogCRS, Got: crs, Path: c.path}
		}

		d := domain.RasterDescriptor{
			ID:          len(result.Descriptors),
			Path:        c.path,
			FeatureType: c.featureType,
			Bounds:      c.bounds,
			CRS:         crs,
		}
		if err := index.Insert(d.ID, d.Bounds); err != nil {
			_ = index.Close()
			return nil, fmt.Errorf("indexing %s: %w", c.path, err)
		}
		result.Descriptors = append(result.Descriptors, d)
	}

	return result, nil
}

// discover expands every source pattern in configured order. Matches within
// a source are sorted so ids are reproducible for a fixed file set.
func (b *CatalogBuilder) discover() ([]*candidate, error) {
	type key struct {
		path        string
		featureType domain.FeatureType
	}
	seen := make(map[key]bool)

	var candidates []*candidate
	for _, src := range b.cfg.Sources {
		matches, err := filepath.Glob(src.Glob())
		if err != nil {
			return nil, &domain.ValidationError{
				Field:      "pattern",
				Value:      src.Pattern,
				Constraint: "glob",
				Message:    err.Error(),
			}
		}
		if len(matches) == 0 {
			b.logger.Warn("no rasters matched source",
				"feature_type", src.FeatureType,
				"directory", src.Directory,
				"pattern", src.Pattern,
			)
			continue
		}

		sort.Strings(matches)
		for _, path := range matches {
			k := key{path: path, featureType: src.FeatureType}
			if seen[k] {
				continue
			}
			seen[k] = true
			candidates = append(candidates, &candidate{path: path, featureType: src.FeatureType})
		}
		b.logger.Debug("source scanned", "feature_type", src.FeatureType, "matches", len(matches))
	}
	return candidates, nil
}

// readHeaders opens every candidate in parallel and records its bounds and
// CRS. Per-file failures are kept on the candidate; only cancellation fails.
func (b *CatalogBuilder) readHeaders(ctx context.Context, candidates []*candidate) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)

	for _, c := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			h, err := b.source.Open(gctx, c.path)
			if err != nil {
				c.err = err
				return nil
			}
			c.bounds = h.Bounds()
			c.crs = h.CRS()
			if err := h.Close(); err != nil {
				b.logger.Debug("closing raster failed", "path", c.path, "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}
