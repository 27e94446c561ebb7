// Package spatialindex provides the R-tree spatial index used to find the
// rasters covering a point.
package spatialindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"

	"github.com/jobrunner/rastercat/internal/domain"
)

// R-tree branching factors.
const (
	minChildren = 25
	maxChildren = 50
)

// entry is one (id, bbox) pair stored in the R-tree.
type entry struct {
	id     int
	bounds domain.BBox
	rect   rtreego.Rect
}

// Bounds implements rtreego.Spatial.
func (e *entry) Bounds() rtreego.Rect {
	return e.rect
}

// MemoryIndex is the mutable, build-time spatial index. It is sealed by
// SealAndPersist, after which inserts fail but queries keep working.
type MemoryIndex struct {
	mu      sync.RWMutex
	tree    *rtreego.Rtree
	entries map[int]*entry
	sealed  bool
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		tree:    rtreego.NewTree(2, minChildren, maxChildren),
		entries: make(map[int]*entry),
	}
}

// Insert adds an entry to the index.
func (m *MemoryIndex) Insert(id int, bbox domain.BBox) error {
	if err := bbox.Validate(); err != nil {
		return &domain.IndexError{Op: "insert", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return &domain.IndexError{Op: "insert", Err: domain.ErrIndexSealed}
	}
	if _, exists := m.entries[id]; exists {
		return &domain.IndexError{
			Op:  "insert",
			Err: fmt.Errorf("duplicate id %d: %w", id, domain.ErrInvalidInput),
		}
	}

	rect, err := toRect(bbox)
	if err != nil {
		return &domain.IndexError{Op: "insert", Err: err}
	}

	e := &entry{id: id, bounds: bbox, rect: rect}
	m.tree.Insert(e)
	m.entries[id] = e
	return nil
}

// Query returns the ids of all entries intersecting bbox, boundaries included.
func (m *MemoryIndex) Query(_ context.Context, bbox domain.BBox) ([]int, error) {
	if err := bbox.Validate(); err != nil {
		return nil, &domain.IndexError{Op: "query", Err: err}
	}

	rect, err := toRect(bbox)
	if err != nil {
		return nil, &domain.IndexError{Op: "query", Err: err}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// The padded rectangles make rtreego's strict overlap test inclusive;
	// the exact closed-interval check below drops what the padding added.
	hits := m.tree.SearchIntersect(rect)
	ids := make([]int, 0, len(hits))
	for _, hit := range hits {
		e := hit.(*entry)
		if e.bounds.Intersects(bbox) {
			ids = append(ids, e.id)
		}
	}
	return ids, nil
}

// Len returns the number of entries.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Entries returns all (id, bbox) pairs in id order.
func (m *MemoryIndex) Entries() []domain.IndexEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.IndexEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, domain.IndexEntry{ID: e.id, Bounds: e.bounds})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sealed reports whether the index has been persisted.
func (m *MemoryIndex) Sealed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sealed
}

// SealAndPersist writes the index to a SQLite file at location and seals
// the in-memory index. The file only becomes visible once fully written.
func (m *MemoryIndex) SealAndPersist(ctx context.Context, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]domain.IndexEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, domain.IndexEntry{ID: e.id, Bounds: e.bounds})
	}

	if err := writeSQLite(ctx, location, entries); err != nil {
		return err
	}

	m.sealed = true
	return nil
}

// Close releases the tree.
func (m *MemoryIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree = rtreego.NewTree(2, minChildren, maxChildren)
	m.entries = make(map[int]*entry)
	return nil
}

// toRect converts bbox to an rtreego rectangle grown by a small margin on
// every side. rtreego rejects zero-length sides and treats touching
// rectangles as disjoint.
func toRect(bbox domain.BBox) (rtreego.Rect, error) {
	pad := padding(bbox)
	point := rtreego.Point{bbox.MinX - pad, bbox.MinY - pad}
	lengths := []float64{
		bbox.Width() + 2*pad,
		bbox.Height() + 2*pad,
	}
	return rtreego.NewRect(point, lengths)
}

// padding scales with coordinate magnitude so the margin survives float64
// rounding for projected coordinates in the millions.
func padding(bbox domain.BBox) float64 {
	m := math.Max(
		math.Max(math.Abs(bbox.MinX), math.Abs(bbox.MaxX)),
		math.Max(math.Abs(bbox.MinY), math.Abs(bbox.MaxY)),
	)
	return 1e-9 * math.Max(1, m)
}
