package domain

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrCorrupt      = errors.New("corrupt")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrUnavailable  = errors.New("service unavailable")
)

// Specific errors.
var (
	ErrCatalogNotFound   = fmt.Errorf("catalog: %w", ErrNotFound)
	ErrCatalogCorrupt    = fmt.Errorf("catalog: %w", ErrCorrupt)
	ErrIndexNotFound     = fmt.Errorf("spatial index: %w", ErrNotFound)
	ErrIndexCorrupt      = fmt.Errorf("spatial index: %w", ErrCorrupt)
	ErrIndexSealed       = fmt.Errorf("spatial index sealed: %w", ErrUnsupported)
	ErrRasterNotFound    = fmt.Errorf("raster: %w", ErrNotFound)
	ErrDescriptorMissing = fmt.Errorf("descriptor: %w", ErrNotFound)
	ErrOutsideGrid       = fmt.Errorf("point outside raster grid: %w", ErrInvalidInput)
	ErrInvalidCoordinate = fmt.Errorf("coordinate: %w", ErrInvalidInput)
	ErrUnsupportedFormat = fmt.Errorf("raster format: %w", ErrUnsupported)
	ErrNoSources         = fmt.Errorf("no raster sources configured: %w", ErrInvalidInput)
	ErrMixedCRS          = fmt.Errorf("rasters use different coordinate systems: %w", ErrInvalidInput)
	ErrCatalogNotReady   = fmt.Errorf("catalog not ready: %w", ErrUnavailable)
)

// ValidationError represents a detailed validation error.
type ValidationError struct {
	Field      string      // Field that failed validation
	Value      interface{} // The invalid value
	Constraint string      // The constraint that was violated
	Message    string      // Human-readable message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
		e.Field, e.Message, e.Value, e.Constraint)
}

// Unwrap returns the underlying error type.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// RasterError represents a failure to open or sample a single raster.
type RasterError struct {
	Path string // Raster file path
	Op   string // Operation that failed (open, sample, close)
	Err  error  // Underlying error
}

// Error implements the error interface.
func (e *RasterError) Error() string {
	return fmt.Sprintf("raster %s failed for %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *RasterError) Unwrap() error {
	return e.Err
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Operation string // Operation that failed (download, list, seal index, ...)
	Key       string // Object key or file path
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error during %s for %s: %v",
			e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IndexError represents an error during spatial index operations.
type IndexError struct {
	Location string // Persisted index location, empty for in-memory indexes
	Op       string // Operation that failed
	Err      error  // Underlying error
}

// Error implements the error interface.
func (e *IndexError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("index %s failed for %s: %v", e.Op, e.Location, e.Err)
	}
	return fmt.Sprintf("index %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *IndexError) Unwrap() error {
	return e.Err
}

// CRSMismatchError reports a raster whose CRS differs from the catalog's.
type CRSMismatchError struct {
	Expected string // CRS of the catalog
	Got      string // CRS of the offending raster
	Path     string // Offending raster
}

// Error implements the error interface.
func (e *CRSMismatchError) Error() string {
	return fmt.Sprintf("raster %s uses CRS %q, catalog uses %q", e.Path, e.Got, e.Expected)
}

// Unwrap returns ErrMixedCRS.
func (e *CRSMismatchError) Unwrap() error {
	return ErrMixedCRS
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string // Configuration field
	Message string // Error message
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidInput
}
