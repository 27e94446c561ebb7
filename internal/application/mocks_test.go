package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jobrunner/rastercat/internal/domain"
	"github.com/jobrunner/rastercat/internal/ports/output"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRaster describes a raster served by fakeSource.
type fakeRaster struct {
	bounds    domain.BBox
	crs       string
	value     float64
	nodata    *float64
	openErr   error
	sampleErr error
}

// fakeSource implements output.RasterSource over in-memory rasters and
// counts opens per path.
type fakeSource struct {
	mu      sync.Mutex
	rasters map[string]*fakeRaster
	opens   map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		rasters: make(map[string]*fakeRaster),
		opens:   make(map[string]int),
	}
}

func (s *fakeSource) add(path string, r *fakeRaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rasters[path] = r
}

func (s *fakeSource) Open(ctx context.Context, path string) (output.RasterHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens[path]++

	r, ok := s.rasters[path]
	if !ok {
		return nil, &domain.RasterError{Path: path, Op: "open", Err: domain.ErrRasterNotFound}
	}
	if r.openErr != nil {
		return nil, &domain.RasterError{Path: path, Op: "open", Err: r.openErr}
	}
	return &fakeHandle{path: path, raster: r}, nil
}

func (s *fakeSource) openCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[path]
}

type fakeHandle struct {
	path   string
	raster *fakeRaster
}

func (h *fakeHandle) Path() string        { return h.path }
func (h *fakeHandle) Bounds() domain.BBox { return h.raster.bounds }
func (h *fakeHandle) CRS() string         { return h.raster.crs }
func (h *fakeHandle) Close() error        { return nil }

func (h *fakeHandle) Sample(x, y float64) (float64, error) {
	if h.raster.sampleErr != nil {
		return 0, h.raster.sampleErr
	}
	if !h.raster.bounds.Contains(x, y) {
		return 0, domain.ErrOutsideGrid
	}
	return h.raster.value, nil
}

func (h *fakeHandle) NoData() (float64, bool) {
	if h.raster.nodata == nil {
		return 0, false
	}
	return *h.raster.nodata, true
}

// fakeIndex implements output.IndexBuilder with a linear scan.
type fakeIndex struct {
	mu       sync.Mutex
	entries  []domain.IndexEntry
	sealed   bool
	closed   bool
	queryErr error
}

func newFakeIndex() output.IndexBuilder { return &fakeIndex{} }

func (f *fakeIndex) Insert(id int, bbox domain.BBox) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed {
		return domain.ErrIndexSealed
	}
	f.entries = append(f.entries, domain.IndexEntry{ID: id, Bounds: bbox})
	return nil
}

func (f *fakeIndex) Query(_ context.Context, bbox domain.BBox) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	// Reverse insertion order so callers cannot rely on index order.
	var ids []int
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].Bounds.Intersects(bbox) {
			ids = append(ids, f.entries[i].ID)
		}
	}
	return ids, nil
}

func (f *fakeIndex) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeIndex) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeIndex) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeIndex) SealAndPersist(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sealed = true
	return nil
}

func (f *fakeIndex) Sealed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sealed
}

func (f *fakeIndex) Entries() []domain.IndexEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.IndexEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

// fakeStore implements output.CatalogStore in memory.
type fakeStore struct {
	mu          sync.Mutex
	descriptors []domain.RasterDescriptor
	entries     []domain.IndexEntry
	saved       bool
	saves       int
	loadErr     error
	saveErr     error
	lastIndex   *fakeIndex
}

func (s *fakeStore) Save(ctx context.Context, descriptors []domain.RasterDescriptor, index output.IndexBuilder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if err := index.SealAndPersist(ctx, "memory"); err != nil {
		return err
	}
	s.descriptors = append([]domain.RasterDescriptor(nil), descriptors...)
	s.entries = index.Entries()
	s.saved = true
	s.saves++
	return nil
}

func (s *fakeStore) Load(_ context.Context) ([]domain.RasterDescriptor, output.SpatialIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, nil, s.loadErr
	}
	if !s.saved {
		return nil, nil, &domain.StorageError{Operation: "load catalog", Key: "memory", Err: domain.ErrCatalogNotFound}
	}
	idx := &fakeIndex{entries: append([]domain.IndexEntry(nil), s.entries...), sealed: true}
	s.lastIndex = idx
	return append([]domain.RasterDescriptor(nil), s.descriptors...), idx, nil
}

func (s *fakeStore) Exists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

// mockStorage implements output.ObjectStorage over an in-memory object set.
type mockStorage struct {
	mu          sync.Mutex
	objects     map[string]string
	listErr     error
	downloadErr error
	downloads   []string
}

func (m *mockStorage) List(_ context.Context) ([]output.StorageObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	objects := make([]output.StorageObject, 0, len(m.objects))
	for key, content := range m.objects {
		objects = append(objects, output.StorageObject{Key: key, Size: int64(len(content))})
	}
	return objects, nil
}

func (m *mockStorage) Download(_ context.Context, key, dest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.downloadErr != nil {
		return m.downloadErr
	}
	content, ok := m.objects[key]
	if !ok {
		return errors.New("no such object")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	m.downloads = append(m.downloads, key)
	return os.WriteFile(dest, []byte(content), 0o600)
}

func (m *mockStorage) GetReader(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return io.NopCloser(strings.NewReader(m.objects[key])), nil
}

func (m *mockStorage) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *mockStorage) downloadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.downloads)
}
