// Package catalogstore persists the raster descriptor list next to the
// sealed spatial index and loads the two back as one unit.
package catalogstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jobrunner/rastercat/internal/adapters/spatialindex"
	"github.com/jobrunner/rastercat/internal/domain"
	"github.com/jobrunner/rastercat/internal/ports/output"
)

// artifactVersion is bumped whenever the descriptor document changes shape.
const artifactVersion = 1

// document is the on-disk descriptor artifact.
type document struct {
	Version     int                `yaml:"version"`
	Fingerprint string             `yaml:"fingerprint"`
	CRS         string             `yaml:"crs"`
	BuiltAt     time.Time          `yaml:"built_at"`
	Count       int                `yaml:"count"`
	Descriptors []descriptorRecord `yaml:"descriptors"`
}

type descriptorRecord struct {
	ID          int        `yaml:"id"`
	Path        string     `yaml:"path"`
	FeatureType string     `yaml:"feature_type"`
	Bounds      [4]float64 `yaml:"bounds,flow"` // min_x, min_y, max_x, max_y
	CRS         string     `yaml:"crs"`
}

// Store implements output.CatalogStore with a YAML descriptor file and a
// SQLite spatial index.
type Store struct {
	indexPath       string
	descriptorsPath string
	metrics         output.MetricsCollector
	logger          *slog.Logger
}

// New creates a store for the given artifact locations.
func New(indexPath, descriptorsPath string, metrics output.MetricsCollector, logger *slog.Logger) *Store {
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	return &Store{
		indexPath:       indexPath,
		descriptorsPath: descriptorsPath,
		metrics:         metrics,
		logger:          logger,
	}
}

// IndexPath returns the location of the index artifact.
func (s *Store) IndexPath() string { return s.indexPath }

// DescriptorsPath returns the location of the descriptor artifact.
func (s *Store) DescriptorsPath() string { return s.descriptorsPath }

// Exists reports whether both artifacts are present.
func (s *Store) Exists() bool {
	return fileExists(s.indexPath) && fileExists(s.descriptorsPath)
}

// Save seals the index and writes the descriptors. Both writes are always
// attempted. If either fails the descriptor artifact is removed, so a later
// Load reports the catalog as absent rather than pairing artifacts from
// different builds.
func (s *Store) Save(ctx context.Context, descriptors []domain.RasterDescriptor, index output.IndexBuilder) error {
	start := time.Now()

	fingerprint := domain.Fingerprint(domain.DescriptorEntries(descriptors))
	if fp := domain.Fingerprint(index.Entries()); fp != fingerprint {
		return fmt.Errorf("descriptors (%s) and index (%s) differ: %w", fingerprint, fp, domain.ErrInvalidInput)
	}

	// Invalidate the previous pair first so a crash mid-save reads as absent.
	if err := os.Remove(s.descriptorsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &domain.StorageError{Operation: "remove descriptors", Key: s.descriptorsPath, Err: err}
	}

	var errs []error
	if err := index.SealAndPersist(ctx, s.indexPath); err != nil {
		errs = append(errs, &domain.StorageError{Operation: "seal index", Key: s.indexPath, Err: err})
	}
	if err := s.writeDescriptors(descriptors, fingerprint); err != nil {
		errs = append(errs, &domain.StorageError{Operation: "write descriptors", Key: s.descriptorsPath, Err: err})
	}

	err := errors.Join(errs...)
	if err != nil && len(errs) == 1 {
		if rmErr := os.Remove(s.descriptorsPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Error("failed to discard descriptor artifact", "path", s.descriptorsPath, "error", rmErr)
		}
	}

	s.metrics.IncStorageOperations("save_catalog", err == nil)
	s.metrics.ObserveStorageDuration("save_catalog", time.Since(start))
	if err != nil {
		return err
	}

	s.logger.Info("catalog saved",
		"rasters", len(descriptors),
		"fingerprint", fingerprint,
		"index", s.indexPath,
		"descriptors", s.descriptorsPath,
	)
	return nil
}

// Load restores both artifacts or neither.
func (s *Store) Load(ctx context.Context) ([]domain.RasterDescriptor, output.SpatialIndex, error) {
	start := time.Now()
	descriptors, index, err := s.load(ctx)
	s.metrics.IncStorageOperations("load_catalog", err == nil)
	s.metrics.ObserveStorageDuration("load_catalog", time.Since(start))
	return descriptors, index, err
}

func (s *Store) load(ctx context.Context) ([]domain.RasterDescriptor, output.SpatialIndex, error) {
	for _, path := range []string{s.indexPath, s.descriptorsPath} {
		_, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, &domain.StorageError{
				Operation: "load catalog",
				Key:       path,
				Err:       domain.ErrCatalogNotFound,
			}
		}
		if err != nil {
			return nil, nil, s.corrupt(path, err)
		}
	}

	doc, err := s.readDescriptors()
	if err != nil {
		return nil, nil, s.corrupt(s.descriptorsPath, err)
	}

	index, err := spatialindex.OpenSQLite(ctx, s.indexPath)
	if err != nil {
		if errors.Is(err, domain.ErrIndexNotFound) {
			return nil, nil, &domain.StorageError{Operation: "load catalog", Key: s.indexPath, Err: domain.ErrCatalogNotFound}
		}
		return nil, nil, s.corrupt(s.indexPath, err)
	}

	descriptors, err := decodeDocument(doc)
	if err == nil && index.Fingerprint() != doc.Fingerprint {
		err = fmt.Errorf("index fingerprint %s does not match descriptors %s", index.Fingerprint(), doc.Fingerprint)
	}
	if err == nil && index.Len() != len(descriptors) {
		err = fmt.Errorf("index has %d entries, descriptors list %d", index.Len(), len(descriptors))
	}
	if err != nil {
		_ = index.Close()
		return nil, nil, s.corrupt(s.descriptorsPath, err)
	}

	s.logger.Debug("catalog artifacts loaded", "rasters", len(descriptors), "fingerprint", doc.Fingerprint)
	return descriptors, index, nil
}

func (s *Store) corrupt(path string, err error) error {
	return &domain.StorageError{
		Operation: "load catalog",
		Key:       path,
		Err:       fmt.Errorf("%w: %v", domain.ErrCatalogCorrupt, err),
	}
}

func (s *Store) readDescriptors() (*document, error) {
	data, err := os.ReadFile(s.descriptorsPath)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding descriptors: %w", err)
	}
	if doc.Version != artifactVersion {
		return nil, fmt.Errorf("unsupported descriptor version %d", doc.Version)
	}
	return &doc, nil
}

// decodeDocument converts and validates the records. Ids must be dense and
// in order, matching how the builder assigns them.
func decodeDocument(doc *document) ([]domain.RasterDescriptor, error) {
	if doc.Count != len(doc.Descriptors) {
		return nil, fmt.Errorf("document declares %d descriptors, contains %d", doc.Count, len(doc.Descriptors))
	}

	descriptors := make([]domain.RasterDescriptor, len(doc.Descriptors))
	for i, r := range doc.Descriptors {
		d := domain.RasterDescriptor{
			ID:          r.ID,
			Path:        r.Path,
			FeatureType: domain.FeatureType(r.FeatureType),
			Bounds:      domain.NewBBox(r.Bounds[0], r.Bounds[1], r.Bounds[2], r.Bounds[3]),
			CRS:         r.CRS,
		}
		if d.ID != i {
			return nil, fmt.Errorf("descriptor %d has id %d", i, d.ID)
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
		if d.CRS != doc.CRS {
			return nil, fmt.Errorf("descriptor %d has CRS %q, catalog %q", i, d.CRS, doc.CRS)
		}
		descriptors[i] = d
	}

	if fp := domain.Fingerprint(domain.DescriptorEntries(descriptors)); fp != doc.Fingerprint {
		return nil, fmt.Errorf("descriptor fingerprint %s does not match recorded %s", fp, doc.Fingerprint)
	}
	return descriptors, nil
}

func (s *Store) writeDescriptors(descriptors []domain.RasterDescriptor, fingerprint string) error {
	doc := document{
		Version:     artifactVersion,
		Fingerprint: fingerprint,
		BuiltAt:     time.Now().UTC(),
		Count:       len(descriptors),
		Descriptors: make([]descriptorRecord, len(descriptors)),
	}
	for i, d := range descriptors {
		if i == 0 {
			doc.CRS = d.CRS
		}
		doc.Descriptors[i] = descriptorRecord{
			ID:          d.ID,
			Path:        d.Path,
			FeatureType: string(d.FeatureType),
			Bounds:      [4]float64{d.Bounds.MinX, d.Bounds.MinY, d.Bounds.MaxX, d.Bounds.MaxY},
			CRS:         d.CRS,
		}
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}
	return writeAtomic(s.descriptorsPath, data)
}

// writeAtomic writes data to a temporary file in the target directory and
// renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
