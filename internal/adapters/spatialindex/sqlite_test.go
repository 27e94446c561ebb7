package spatialindex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jobrunner/rastercat/internal/domain"
)

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := newPopulatedIndex(t)
	location := filepath.Join(t.TempDir(), "nested", "index.sqlite")

	if err := mem.SealAndPersist(ctx, location); err != nil {
		t.Fatalf("SealAndPersist() error = %v", err)
	}

	loaded, err := OpenSQLite(ctx, location)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer func() { _ = loaded.Close() }()

	if loaded.Len() != mem.Len() {
		t.Errorf("Len() = %d, want %d", loaded.Len(), mem.Len())
	}
	if loaded.Fingerprint() != domain.Fingerprint(mem.Entries()) {
		t.Error("loaded fingerprint does not match the persisted entries")
	}

	queries := []domain.BBox{
		domain.PointBBox(7, 7),
		domain.PointBBox(12, 12),
		domain.PointBBox(10, 5),
		domain.PointBBox(20, 10),
		domain.PointBBox(30, 35),
		domain.PointBBox(30.001, 35),
		domain.PointBBox(-1, -1),
		domain.NewBBox(14, 14, 31, 31),
	}
	for _, q := range queries {
		want := sortedQuery(t, mem, q)
		got := sortedQuery(t, loaded, q)
		if len(want) == 0 && len(got) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Query(%v) = %v, want %v", q, got, want)
		}
	}
}

func TestSQLiteExactBoundsSurviveFloat32(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryIndex()
	// 0.1 is not representable in float32; the R*Tree rounds it outward.
	if err := mem.Insert(0, domain.NewBBox(0, 0, 0.1, 0.1)); err != nil {
		t.Fatal(err)
	}
	location := filepath.Join(t.TempDir(), "index.sqlite")
	if err := mem.SealAndPersist(ctx, location); err != nil {
		t.Fatal(err)
	}

	loaded, err := OpenSQLite(ctx, location)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = loaded.Close() }()

	if got := sortedQuery(t, loaded, domain.PointBBox(0.1, 0.1)); !reflect.DeepEqual(got, []int{0}) {
		t.Errorf("max corner query = %v, want [0]", got)
	}
	if got := sortedQuery(t, loaded, domain.PointBBox(0.1000000005, 0.05)); len(got) != 0 {
		t.Errorf("query beyond exact bound = %v, want none", got)
	}
}

func TestSQLiteEmptyIndex(t *testing.T) {
	ctx := context.Background()
	location := filepath.Join(t.TempDir(), "index.sqlite")

	if err := NewMemoryIndex().SealAndPersist(ctx, location); err != nil {
		t.Fatal(err)
	}
	loaded, err := OpenSQLite(ctx, location)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer func() { _ = loaded.Close() }()

	if loaded.Len() != 0 {
		t.Errorf("Len() = %d, want 0", loaded.Len())
	}
	ids, err := loaded.Query(ctx, domain.PointBBox(1, 1))
	if err != nil || len(ids) != 0 {
		t.Errorf("Query() = %v, %v; want empty", ids, err)
	}
}

func TestOpenSQLiteNotFoundVsCorrupt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	_, err := OpenSQLite(ctx, filepath.Join(dir, "missing.sqlite"))
	if !errors.Is(err, domain.ErrIndexNotFound) {
		t.Errorf("missing file error = %v, want ErrIndexNotFound", err)
	}
	if errors.Is(err, domain.ErrIndexCorrupt) {
		t.Error("missing file must not be reported as corrupt")
	}

	tests := []struct {
		name    string
		content []byte
	}{
		{"garbage", []byte("definitely not a sqlite database, just some bytes padded out")},
		{"empty file", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".sqlite")
			if err := os.WriteFile(path, tt.content, 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := OpenSQLite(ctx, path)
			if !errors.Is(err, domain.ErrIndexCorrupt) {
				t.Errorf("OpenSQLite() error = %v, want ErrIndexCorrupt", err)
			}
			if errors.Is(err, domain.ErrIndexNotFound) {
				t.Error("corrupt file must not be reported as not found")
			}
		})
	}

	t.Run("directory", func(t *testing.T) {
		_, err := OpenSQLite(ctx, dir)
		if !errors.Is(err, domain.ErrIndexCorrupt) {
			t.Errorf("OpenSQLite(dir) error = %v, want ErrIndexCorrupt", err)
		}
	})
}

func TestSealAndPersistLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	location := filepath.Join(dir, "index.sqlite")

	if err := newPopulatedIndex(t).SealAndPersist(context.Background(), location); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "index.sqlite" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contains %v, want only index.sqlite", names)
	}
}

func TestSealAndPersistFailureKeepsIndexOpen(t *testing.T) {
	idx := newPopulatedIndex(t)

	// A regular file where the parent directory should be.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	err := idx.SealAndPersist(context.Background(), filepath.Join(blocker, "index.sqlite"))
	if err == nil {
		t.Fatal("SealAndPersist() should fail when the directory cannot be created")
	}
	if idx.Sealed() {
		t.Error("a failed persist must not seal the index")
	}
	if err := idx.Insert(42, domain.NewBBox(0, 0, 1, 1)); err != nil {
		t.Errorf("Insert() after failed persist error = %v", err)
	}
}
