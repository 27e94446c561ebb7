package domain

import (
	"errors"
	"testing"
)

func TestValidationError(t *testing.T) {
	err := &ValidationError{
		Field:      "x",
		Value:      "NaN",
		Constraint: "finite",
		Message:    "x must be a finite number",
	}

	if got := err.Error(); got == "" {
		t.Error("Error() should not return empty string")
	}

	if !errors.Is(err, ErrInvalidInput) {
		t.Error("ValidationError should unwrap to ErrInvalidInput")
	}
}

func TestRasterError(t *testing.T) {
	inner := errors.New("truncated header")
	err := &RasterError{Path: "/data/dem/a.asc", Op: "open", Err: inner}

	if got := err.Error(); got != "raster open failed for /data/dem/a.asc: truncated header" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, inner) {
		t.Error("RasterError should unwrap to the underlying error")
	}
}

func TestStorageError(t *testing.T) {
	tests := []struct {
		name string
		err  *StorageError
		want string
	}{
		{
			name: "with key",
			err: &StorageError{
				Operation: "seal index",
				Key:       "/tmp/index.sqlite",
				Err:       errors.New("disk full"),
			},
			want: "storage error during seal index for /tmp/index.sqlite: disk full",
		},
		{
			name: "without key",
			err: &StorageError{
				Operation: "list",
				Err:       errors.New("timeout"),
			},
			want: "storage error during list: timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
			if errors.Unwrap(tt.err) != tt.err.Err {
				t.Error("Unwrap() should return the underlying error")
			}
		})
	}
}

func TestIndexError(t *testing.T) {
	err := &IndexError{Location: "/tmp/x.sqlite", Op: "open", Err: ErrIndexCorrupt}
	if !errors.Is(err, ErrIndexCorrupt) {
		t.Error("IndexError should unwrap to ErrIndexCorrupt")
	}
	if !errors.Is(err, ErrCorrupt) {
		t.Error("ErrIndexCorrupt should wrap ErrCorrupt")
	}

	mem := &IndexError{Op: "insert", Err: ErrIndexSealed}
	if got := mem.Error(); got != "index insert failed: "+ErrIndexSealed.Error() {
		t.Errorf("Error() = %q", got)
	}
}

func TestCRSMismatchError(t *testing.T) {
	err := &CRSMismatchError{Expected: "EPSG:32633", Got: "EPSG:4326", Path: "b.asc"}

	if !errors.Is(err, ErrMixedCRS) {
		t.Error("CRSMismatchError should unwrap to ErrMixedCRS")
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("ErrMixedCRS should wrap ErrInvalidInput")
	}
	var target *CRSMismatchError
	if !errors.As(error(err), &target) || target.Path != "b.asc" {
		t.Error("errors.As should recover the mismatch details")
	}
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Field: "catalog.index_path", Message: "required"}
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("ConfigError should unwrap to ErrInvalidInput")
	}
}

func TestSentinelErrorHierarchy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		base error
	}{
		{"catalog not found", ErrCatalogNotFound, ErrNotFound},
		{"catalog corrupt", ErrCatalogCorrupt, ErrCorrupt},
		{"index not found", ErrIndexNotFound, ErrNotFound},
		{"index corrupt", ErrIndexCorrupt, ErrCorrupt},
		{"index sealed", ErrIndexSealed, ErrUnsupported},
		{"raster not found", ErrRasterNotFound, ErrNotFound},
		{"outside grid", ErrOutsideGrid, ErrInvalidInput},
		{"unsupported format", ErrUnsupportedFormat, ErrUnsupported},
		{"no sources", ErrNoSources, ErrInvalidInput},
		{"not ready", ErrCatalogNotReady, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.base) {
				t.Errorf("%v should wrap %v", tt.err, tt.base)
			}
		})
	}

	if errors.Is(ErrCatalogNotFound, ErrCorrupt) {
		t.Error("not-found and corrupt must stay distinguishable")
	}
}
