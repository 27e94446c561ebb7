package output

import (
	"context"

	"github.com/jobrunner/rastercat/internal/domain"
)

// CatalogStore persists the descriptor list and the spatial index together.
type CatalogStore interface {
	// Save seals and persists the index and writes the descriptor list.
	// Both writes are attempted; every failure is reported.
	Save(ctx context.Context, descriptors []domain.RasterDescriptor, index IndexBuilder) error

	// Load restores both artifacts or neither. It returns an error wrapping
	// domain.ErrCatalogNotFound when either artifact is missing and
	// domain.ErrCatalogCorrupt when they cannot be read or do not belong
	// together.
	Load(ctx context.Context) ([]domain.RasterDescriptor, SpatialIndex, error)

	// Exists reports whether both artifacts are present.
	Exists() bool
}
