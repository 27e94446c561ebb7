package domain

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// RasterDescriptor is the catalog metadata for one raster file. ID is the
// descriptor's position in the catalog and doubles as its index entry id.
type RasterDescriptor struct {
	ID          int         `json:"id" yaml:"id"`
	Path        string      `json:"path" yaml:"path"`
	FeatureType FeatureType `json:"feature_type" yaml:"feature_type"`
	Bounds      BBox        `json:"bounds" yaml:"bounds"`
	CRS         string      `json:"crs" yaml:"crs"`
}

// Validate checks the descriptor's invariants.
func (d RasterDescriptor) Validate() error {
	if d.ID < 0 {
		return &ValidationError{
			Field:      "id",
			Value:      d.ID,
			Constraint: ">= 0",
			Message:    "descriptor id must not be negative",
		}
	}
	if d.Path == "" {
		return &ValidationError{
			Field:      "path",
			Value:      "",
			Constraint: "non-empty",
			Message:    "descriptor path must not be empty",
		}
	}
	if err := d.FeatureType.Validate(); err != nil {
		return err
	}
	return d.Bounds.Validate()
}

// Name returns the file name of the raster.
func (d RasterDescriptor) Name() string {
	return filepath.Base(d.Path)
}

// SourcePattern selects raster files of one feature type: every file in
// Directory whose name matches the glob Pattern.
type SourcePattern struct {
	FeatureType FeatureType `json:"feature_type" mapstructure:"feature_type"`
	Directory   string      `json:"directory" mapstructure:"directory"`
	Pattern     string      `json:"pattern" mapstructure:"pattern"`
}

// Glob returns the full glob expression of the source.
func (s SourcePattern) Glob() string {
	return filepath.Join(s.Directory, s.Pattern)
}

// Validate checks that the source is usable.
func (s SourcePattern) Validate() error {
	if err := s.FeatureType.Validate(); err != nil {
		return err
	}
	if s.Directory == "" {
		return &ValidationError{
			Field:      "directory",
			Value:      "",
			Constraint: "non-empty",
			Message:    "source directory must not be empty",
		}
	}
	if _, err := filepath.Match(s.Pattern, ""); err != nil || s.Pattern == "" {
		return &ValidationError{
			Field:      "pattern",
			Value:      s.Pattern,
			Constraint: "glob",
			Message:    "source pattern must be a valid glob",
		}
	}
	return nil
}

// IndexEntry is the (id, bbox) pair stored in a spatial index.
type IndexEntry struct {
	ID     int
	Bounds BBox
}

// Fingerprint hashes the (id, bbox) pairs in id order. A descriptor list and
// a spatial index built from the same catalog produce the same fingerprint.
func Fingerprint(entries []IndexEntry) string {
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := xxhash.New()
	var buf [8]byte
	for _, e := range sorted {
		binary.LittleEndian.PutUint64(buf[:], uint64(e.ID))
		_, _ = h.Write(buf[:])
		for _, v := range [...]float64{e.Bounds.MinX, e.Bounds.MinY, e.Bounds.MaxX, e.Bounds.MaxY} {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			_, _ = h.Write(buf[:])
		}
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// DescriptorEntries returns the index entries of the given descriptors.
func DescriptorEntries(descriptors []RasterDescriptor) []IndexEntry {
	entries := make([]IndexEntry, len(descriptors))
	for i, d := range descriptors {
		entries[i] = IndexEntry{ID: d.ID, Bounds: d.Bounds}
	}
	return entries
}

// CatalogSummary describes a loaded catalog.
type CatalogSummary struct {
	Count       int                 `json:"count"`
	CRS         string              `json:"crs"`
	Fingerprint string              `json:"fingerprint"`
	Extent      *BBox               `json:"extent,omitempty"`
	ByType      map[FeatureType]int `json:"by_type"`
	LoadedAt    time.Time           `json:"loaded_at"`
}
