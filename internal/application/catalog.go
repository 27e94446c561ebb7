// Package application contains the application services.
package application

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jobrunner/rastercat/internal/domain"
	"github.com/jobrunner/rastercat/internal/ports/output"
)

// Catalog is a loaded descriptor list together with the spatial index built
// over their bounds. It is immutable once created and safe for concurrent
// readers. A retired catalog closes its index when the last reader releases
// it.
type Catalog struct {
	descriptors []domain.RasterDescriptor
	index       output.SpatialIndex
	crs         string
	fingerprint string
	extent      *domain.BBox
	loadedAt    time.Time

	mu      sync.Mutex
	refs    int
	retired bool
	closed  bool
}

// NewCatalog wraps descriptors and their index. Descriptor ids must equal
// their position and the index must hold exactly one entry per descriptor.
// defaultCRS is reported for an empty catalog.
func NewCatalog(descriptors []domain.RasterDescriptor, index output.SpatialIndex, defaultCRS string) (*Catalog, error) {
	if index == nil {
		return nil, fmt.Errorf("catalog without index: %w", domain.ErrInvalidInput)
	}
	if index.Len() != len(descriptors) {
		return nil, fmt.Errorf("index holds %d entries for %d descriptors: %w",
			index.Len(), len(descriptors), domain.ErrInvalidInput)
	}

	c := &Catalog{
		descriptors: make([]domain.RasterDescriptor, len(descriptors)),
		index:       index,
		crs:         defaultCRS,
		fingerprint: domain.Fingerprint(domain.DescriptorEntries(descriptors)),
		loadedAt:    time.Now(),
	}
	copy(c.descriptors, descriptors)

	for i, d := range c.descriptors {
		if d.ID != i {
			return nil, fmt.Errorf("descriptor at position %d has id %d: %w", i, d.ID, domain.ErrInvalidInput)
		}
		if i == 0 {
			c.crs = d.CRS
			extent := d.Bounds
			c.extent = &extent
			continue
		}
		extent := c.extent.Union(d.Bounds)
		c.extent = &extent
	}

	return c, nil
}

// Len returns the number of descriptors.
func (c *Catalog) Len() int {
	return len(c.descriptors)
}

// CRS returns the coordinate system shared by all descriptors.
func (c *Catalog) CRS() string {
	return c.crs
}

// Fingerprint identifies the catalog's (id, bounds) content.
func (c *Catalog) Fingerprint() string {
	return c.fingerprint
}

// Descriptor returns the descriptor with the given id.
func (c *Catalog) Descriptor(id int) (domain.RasterDescriptor, error) {
	if id < 0 || id >= len(c.descriptors) {
		return domain.RasterDescriptor{}, fmt.Errorf("id %d: %w", id, domain.ErrDescriptorMissing)
	}
	return c.descriptors[id], nil
}

// Descriptors returns a copy of all descriptors in id order.
func (c *Catalog) Descriptors() []domain.RasterDescriptor {
	out := make([]domain.RasterDescriptor, len(c.descriptors))
	copy(out, c.descriptors)
	return out
}

// Candidates returns the descriptors whose bounds intersect bbox, in
// ascending id order.
func (c *Catalog) Candidates(ctx context.Context, bbox domain.BBox) ([]domain.RasterDescriptor, error) {
	ids, err := c.index.Query(ctx, bbox)
	if err != nil {
		return nil, err
	}
	sort.Ints(ids)

	candidates := make([]domain.RasterDescriptor, 0, len(ids))
	for _, id := range ids {
		d, err := c.Descriptor(id)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, d)
	}
	return candidates, nil
}

// Summary describes the catalog.
func (c *Catalog) Summary() domain.CatalogSummary {
	byType := make(map[domain.FeatureType]int)
	for _, d := range c.descriptors {
		byType[d.FeatureType]++
	}

	summary := domain.CatalogSummary{
		Count:       len(c.descriptors),
		CRS:         c.crs,
		Fingerprint: c.fingerprint,
		ByType:      byType,
		LoadedAt:    c.loadedAt,
	}
	if c.extent != nil {
		extent := *c.extent
		summary.Extent = &extent
	}
	return summary
}

// acquire registers a reader. It fails once the index has been closed.
func (c *Catalog) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.refs++
	return true
}

// release drops a reader and closes a retired catalog once unused.
func (c *Catalog) release() {
	c.mu.Lock()
	c.refs--
	closeNow := c.retired && c.refs == 0 && !c.closed
	if closeNow {
		c.closed = true
	}
	c.mu.Unlock()

	if closeNow {
		_ = c.index.Close()
	}
}

// Retire marks the catalog as replaced. The index is closed immediately when
// no reader holds the catalog, otherwise by the last release.
func (c *Catalog) Retire() error {
	c.mu.Lock()
	c.retired = true
	closeNow := c.refs == 0 && !c.closed
	if closeNow {
		c.closed = true
	}
	c.mu.Unlock()

	if closeNow {
		return c.index.Close()
	}
	return nil
}
