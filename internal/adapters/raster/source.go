package raster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/jobrunner/rastercat/internal/domain"
	"github.com/jobrunner/rastercat/internal/ports/output"
)

// OpenFunc opens one raster format.
type OpenFunc func(ctx context.Context, path string) (output.RasterHandle, error)

// Registry implements output.RasterSource by dispatching on file extension.
type Registry struct {
	drivers map[string]OpenFunc
}

// NewRegistry returns a registry with the built-in formats.
func NewRegistry() *Registry {
	r := &Registry{drivers: make(map[string]OpenFunc)}
	r.Register(".asc", OpenASCIIGrid)
	r.Register(".flt", OpenBinaryGrid)
	r.Register(".tif", OpenGeoTIFF)
	r.Register(".tiff", OpenGeoTIFF)
	return r
}

// Register adds or replaces the driver for ext (".asc", ".flt", ...).
// Registration is not safe concurrently with Open.
func (r *Registry) Register(ext string, open OpenFunc) {
	r.drivers[strings.ToLower(ext)] = open
}

// Open implements output.RasterSource.
func (r *Registry) Open(ctx context.Context, path string) (output.RasterHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	open, ok := r.drivers[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, &domain.RasterError{Path: path, Op: "open", Err: domain.ErrUnsupportedFormat}
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, &domain.RasterError{Path: path, Op: "open", Err: domain.ErrRasterNotFound}
	}

	h, err := open(ctx, path)
	if err != nil {
		return nil, &domain.RasterError{Path: path, Op: "open", Err: err}
	}
	return h, nil
}
