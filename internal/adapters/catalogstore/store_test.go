package catalogstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/jobrunner/rastercat/internal/adapters/spatialindex"
	"github.com/jobrunner/rastercat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(dir string) *Store {
	return New(
		filepath.Join(dir, "catalog.sqlite"),
		filepath.Join(dir, "catalog.yaml"),
		nil,
		testLogger(),
	)
}

func sampleDescriptors() []domain.RasterDescriptor {
	return []domain.RasterDescriptor{
		{ID: 0, Path: "/data/a.asc", FeatureType: domain.FeatureElevation, Bounds: domain.NewBBox(0, 0, 10, 10), CRS: "EPSG:25832"},
		{ID: 1, Path: "/data/b.asc", FeatureType: domain.FeatureElevation, Bounds: domain.NewBBox(5, 5, 15, 15), CRS: "EPSG:25832"},
		{ID: 2, Path: "/data/s.asc", FeatureType: domain.FeatureSlope, Bounds: domain.NewBBox(0, 0, 15, 15), CRS: "EPSG:25832"},
	}
}

func buildIndex(t *testing.T, descriptors []domain.RasterDescriptor) *spatialindex.MemoryIndex {
	t.Helper()
	idx := spatialindex.NewMemoryIndex()
	for _, d := range descriptors {
		if err := idx.Insert(d.ID, d.Bounds); err != nil {
			t.Fatalf("Insert(%d) error = %v", d.ID, err)
		}
	}
	return idx
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t.TempDir())
	descriptors := sampleDescriptors()

	if store.Exists() {
		t.Fatal("Exists() = true before save")
	}
	if err := store.Save(ctx, descriptors, buildIndex(t, descriptors)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !store.Exists() {
		t.Fatal("Exists() = false after save")
	}

	loaded, index, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer func() { _ = index.Close() }()

	if !reflect.DeepEqual(loaded, descriptors) {
		t.Errorf("Load() descriptors = %+v, want %+v", loaded, descriptors)
	}
	if index.Len() != len(descriptors) {
		t.Errorf("index.Len() = %d, want %d", index.Len(), len(descriptors))
	}

	ids, err := index.Query(ctx, domain.PointBBox(12, 12))
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("Query(12,12) = %v, want ids 1 and 2", ids)
	}
}

func TestStoreEmptyCatalog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t.TempDir())

	if err := store.Save(ctx, nil, spatialindex.NewMemoryIndex()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, index, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer func() { _ = index.Close() }()

	if len(loaded) != 0 || index.Len() != 0 {
		t.Errorf("Load() = %d descriptors, %d entries; want empty", len(loaded), index.Len())
	}
}

func TestStoreLoadMissing(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		remove string
	}{
		{"nothing saved", ""},
		{"index missing", "catalog.sqlite"},
		{"descriptors missing", "catalog.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			store := newTestStore(dir)

			if tt.remove != "" {
				descriptors := sampleDescriptors()
				if err := store.Save(ctx, descriptors, buildIndex(t, descriptors)); err != nil {
					t.Fatalf("Save() error = %v", err)
				}
				if err := os.Remove(filepath.Join(dir, tt.remove)); err != nil {
					t.Fatal(err)
				}
			}

			descriptors, index, err := store.Load(ctx)
			if !errors.Is(err, domain.ErrCatalogNotFound) {
				t.Fatalf("Load() error = %v, want ErrCatalogNotFound", err)
			}
			if errors.Is(err, domain.ErrCatalogCorrupt) {
				t.Error("missing artifact reported as corrupt")
			}
			if descriptors != nil || index != nil {
				t.Error("Load() returned partial results on failure")
			}
		})
	}
}

func TestStoreLoadUnreadableArtifact(t *testing.T) {
	dir := t.TempDir()
	// A regular file where a directory is expected makes Stat fail with
	// ENOTDIR rather than "does not exist".
	blocker := filepath.Join(dir, "blocker")
	writeFile(t, blocker, "not a directory")

	store := New(
		filepath.Join(blocker, "catalog.sqlite"),
		filepath.Join(dir, "catalog.yaml"),
		nil,
		testLogger(),
	)

	descriptors, index, err := store.Load(context.Background())
	if !errors.Is(err, domain.ErrCatalogCorrupt) {
		t.Fatalf("Load() error = %v, want ErrCatalogCorrupt", err)
	}
	if errors.Is(err, domain.ErrCatalogNotFound) {
		t.Error("unreadable artifact reported as missing")
	}
	if descriptors != nil || index != nil {
		t.Error("Load() returned partial results on failure")
	}
}

func TestStoreLoadCorrupt(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		corrupt func(t *testing.T, dir string)
	}{
		{
			name: "descriptors not yaml",
			corrupt: func(t *testing.T, dir string) {
				writeFile(t, filepath.Join(dir, "catalog.yaml"), "::: not yaml [")
			},
		},
		{
			name: "index not sqlite",
			corrupt: func(t *testing.T, dir string) {
				writeFile(t, filepath.Join(dir, "catalog.sqlite"), "garbage bytes")
			},
		},
		{
			name: "unknown version",
			corrupt: func(t *testing.T, dir string) {
				rewrite(t, filepath.Join(dir, "catalog.yaml"), "version: 1", "version: 99")
			},
		},
		{
			name: "ids not dense",
			corrupt: func(t *testing.T, dir string) {
				rewrite(t, filepath.Join(dir, "catalog.yaml"), "id: 2", "id: 7")
			},
		},
		{
			name: "count mismatch",
			corrupt: func(t *testing.T, dir string) {
				rewrite(t, filepath.Join(dir, "catalog.yaml"), "count: 3", "count: 4")
			},
		},
		{
			name: "index from another build",
			corrupt: func(t *testing.T, dir string) {
				other := t.TempDir()
				descriptors := sampleDescriptors()[:2]
				if err := newTestStore(other).Save(ctx, descriptors, buildIndex(t, descriptors)); err != nil {
					t.Fatal(err)
				}
				data, err := os.ReadFile(filepath.Join(other, "catalog.sqlite"))
				if err != nil {
					t.Fatal(err)
				}
				writeFile(t, filepath.Join(dir, "catalog.sqlite"), string(data))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			store := newTestStore(dir)
			descriptors := sampleDescriptors()
			if err := store.Save(ctx, descriptors, buildIndex(t, descriptors)); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			tt.corrupt(t, dir)

			loaded, index, err := store.Load(ctx)
			if !errors.Is(err, domain.ErrCatalogCorrupt) {
				t.Fatalf("Load() error = %v, want ErrCatalogCorrupt", err)
			}
			if loaded != nil || index != nil {
				t.Error("Load() returned partial results on failure")
			}
		})
	}
}

func TestStoreSaveRejectsMismatchedIndex(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t.TempDir())
	descriptors := sampleDescriptors()

	err := store.Save(ctx, descriptors, buildIndex(t, descriptors[:2]))
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("Save() error = %v, want ErrInvalidInput", err)
	}
	if store.Exists() {
		t.Error("artifacts written for a mismatched index")
	}
}

func TestStoreSaveIndexFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// A regular file where the index directory should be.
	blocker := filepath.Join(dir, "blocked")
	writeFile(t, blocker, "")

	store := New(
		filepath.Join(blocker, "catalog.sqlite"),
		filepath.Join(dir, "catalog.yaml"),
		nil,
		testLogger(),
	)

	descriptors := sampleDescriptors()
	idx := buildIndex(t, descriptors)
	err := store.Save(ctx, descriptors, idx)
	if err == nil {
		t.Fatal("Save() error = nil, want failure")
	}

	var storageErr *domain.StorageError
	if !errors.As(err, &storageErr) || storageErr.Operation != "seal index" {
		t.Errorf("Save() error = %v, want seal index failure", err)
	}
	if strings.Contains(err.Error(), "write descriptors") {
		t.Errorf("descriptor write reported as failed: %v", err)
	}
	if idx.Sealed() {
		t.Error("index sealed after a failed persist")
	}

	if _, _, err := store.Load(ctx); !errors.Is(err, domain.ErrCatalogNotFound) {
		t.Errorf("Load() after failed save error = %v, want ErrCatalogNotFound", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func rewrite(t *testing.T, path, old, replacement string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), old) {
		t.Fatalf("%s does not contain %q", path, old)
	}
	writeFile(t, path, strings.Replace(string(data), old, replacement, 1))
}
