package application

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jobrunner/rastercat/internal/domain"
	"github.com/jobrunner/rastercat/internal/ports/output"
)

// ResolverConfig holds configuration for the resolver.
type ResolverConfig struct {
	BatchWorkers int // Points resolved in parallel by ResolveBatch
}

// Resolver turns a query point into one value per feature type, using a
// catalog passed in per call.
type Resolver struct {
	source       output.RasterSource
	metrics      output.MetricsCollector
	logger       *slog.Logger
	batchWorkers int
}

// NewResolver creates a new resolver.
func NewResolver(source output.RasterSource, metrics output.MetricsCollector, logger *slog.Logger, cfg ResolverConfig) *Resolver {
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = runtime.NumCPU()
	}

	return &Resolver{
		source:       source,
		metrics:      metrics,
		logger:       logger,
		batchWorkers: cfg.BatchWorkers,
	}
}

// Resolve samples the rasters covering point. Candidates are visited in
// ascending id order and the first raster that covers the point wins for its
// feature type; later rasters of a resolved type are never opened. A raster
// that fails to open or sample contributes nothing.
func (r *Resolver) Resolve(ctx context.Context, point domain.QueryPoint, catalog *Catalog) (domain.FeatureResult, error) {
	start := time.Now()

	result, err := r.resolve(ctx, point, catalog)
	r.metrics.IncResolveCount(err == nil)
	r.metrics.ObserveResolveDuration(time.Since(start))
	return result, err
}

func (r *Resolver) resolve(ctx context.Context, point domain.QueryPoint, catalog *Catalog) (domain.FeatureResult, error) {
	if err := point.Validate(); err != nil {
		return nil, err
	}

	candidates, err := catalog.Candidates(ctx, point.BBox())
	if err != nil {
		return nil, err
	}
	r.metrics.ObserveCandidates(len(candidates))

	result := make(domain.FeatureResult)
	for _, d := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, done := result.Get(d.FeatureType); done {
			continue
		}
		if !d.Bounds.Contains(point.X, point.Y) {
			r.logger.Debug("candidate does not cover point", "path", d.Path, "point", point.String())
			continue
		}

		value, err := r.sample(ctx, d, point)
		if err != nil {
			r.logger.Warn("raster sample failed",
				"path", d.Path,
				"feature_type", d.FeatureType,
				"point", point.String(),
				"error", err,
			)
			r.metrics.IncRasterFailures("resolve")
			continue
		}
		result.Set(d.FeatureType, value)
	}

	return result, nil
}

// sample opens the raster behind d and reads the value at point. The
// raster's nodata sentinel and NaN both yield the no-data marker.
func (r *Resolver) sample(ctx context.Context, d domain.RasterDescriptor, point domain.QueryPoint) (domain.Value, error) {
	h, err := r.source.Open(ctx, d.Path)
	if err != nil {
		return domain.Value{}, err
	}
	defer func() { _ = h.Close() }()

	v, err := h.Sample(point.X, point.Y)
	if err != nil {
		return domain.Value{}, err
	}
	if nodata, ok := h.NoData(); ok && v == nodata {
		return domain.NoDataValue(), nil
	}
	return domain.NewValue(v), nil
}

// ResolveBatch resolves points in parallel. Results keep the input order; an
// invalid point is reported on its own result and does not fail the batch.
func (r *Resolver) ResolveBatch(ctx context.Context, points []domain.QueryPoint, catalog *Catalog) ([]domain.PointFeatures, error) {
	results := make([]domain.PointFeatures, len(points))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.batchWorkers)

	for i, p := range points {
		g.Go(func() error {
			features, err := r.Resolve(gctx, p, catalog)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				results[i] = domain.PointFeatures{Point: p, Features: domain.FeatureResult{}, Error: err.Error()}
				return nil
			}
			results[i] = domain.PointFeatures{Point: p, Features: features}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
