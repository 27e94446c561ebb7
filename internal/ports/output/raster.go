package output

import (
	"context"

	"github.com/jobrunner/rastercat/internal/domain"
)

// RasterSource opens raster files for reading. Decoding itself lives behind
// this port so the builder and resolver never depend on a file format.
type RasterSource interface {
	// Open opens the raster at path. Opening reads only header metadata.
	Open(ctx context.Context, path string) (RasterHandle, error)
}

// RasterHandle is an open raster. Handles are not safe for concurrent use
// unless the implementation says otherwise.
type RasterHandle interface {
	// Path returns the file the handle was opened from.
	Path() string

	// Bounds returns the raster's georeferenced bounding box.
	Bounds() domain.BBox

	// CRS returns the raster's coordinate reference system tag, or ""
	// when the file does not declare one.
	CRS() string

	// Sample returns the band-1 value of the pixel containing (x, y).
	Sample(x, y float64) (float64, error)

	// NoData returns the nodata sentinel and whether one is declared.
	NoData() (float64, bool)

	// Close releases the handle.
	Close() error
}
