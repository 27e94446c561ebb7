// Package input defines the primary/driving ports of the application.
package input

import (
	"context"

	"github.com/jobrunner/rastercat/internal/domain"
)

// FeatureResolver defines the primary port for point feature lookups.
type FeatureResolver interface {
	// Resolve returns the features available at a single point.
	Resolve(ctx context.Context, point domain.QueryPoint) (domain.FeatureResult, error)

	// ResolveBatch resolves many points. Results keep the input order.
	ResolveBatch(ctx context.Context, points []domain.QueryPoint) ([]domain.PointFeatures, error)
}

// CatalogReader defines the primary port for catalog inspection.
type CatalogReader interface {
	// Summary describes the loaded catalog.
	Summary(ctx context.Context) (domain.CatalogSummary, error)

	// Descriptors returns all raster descriptors in id order.
	Descriptors(ctx context.Context) ([]domain.RasterDescriptor, error)

	// Descriptor returns the descriptor with the given id.
	Descriptor(ctx context.Context, id int) (domain.RasterDescriptor, error)
}

// HealthChecker defines the primary port for health checks.
type HealthChecker interface {
	// IsHealthy returns true if the service is healthy.
	IsHealthy(ctx context.Context) bool

	// IsReady returns true if the service is ready to accept requests.
	IsReady(ctx context.Context) bool

	// GetHealthDetails returns detailed health information.
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy        bool              // Overall health status
	Ready          bool              // Ready to accept requests
	CatalogRasters int               // Number of rasters in the loaded catalog
	Fingerprint    string            // Fingerprint of the loaded catalog
	Components     map[string]string // Component statuses
}
