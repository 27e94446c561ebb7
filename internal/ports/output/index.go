package output

import (
	"context"

	"github.com/jobrunner/rastercat/internal/domain"
)

// SpatialIndex answers bounding-box intersection queries over integer ids.
type SpatialIndex interface {
	// Query returns the ids of all entries whose bbox intersects bbox,
	// boundaries included. Order is unspecified.
	Query(ctx context.Context, bbox domain.BBox) ([]int, error)

	// Len returns the number of entries.
	Len() int

	// Close releases resources held by the index.
	Close() error
}

// IndexBuilder is a mutable spatial index that can be sealed into a
// persistent artifact.
type IndexBuilder interface {
	SpatialIndex

	// Insert adds an entry. Fails with domain.ErrIndexSealed after a
	// successful SealAndPersist.
	Insert(id int, bbox domain.BBox) error

	// SealAndPersist writes the index to location and seals it.
	SealAndPersist(ctx context.Context, location string) error

	// Sealed reports whether the index has been persisted.
	Sealed() bool

	// Entries returns a copy of all (id, bbox) pairs.
	Entries() []domain.IndexEntry
}
