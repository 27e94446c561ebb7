package spatialindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/jobrunner/rastercat/internal/domain"
)

// formatVersion is bumped whenever the on-disk layout changes.
const formatVersion = "1"

const (
	rtreeTable = "raster_rtree"
	metaTable  = "index_meta"
)

// The R*Tree module stores coordinates as 32-bit floats rounded outward, so
// the exact float64 bounds are kept in auxiliary columns for the recheck.
var schema = []string{
	`CREATE VIRTUAL TABLE ` + rtreeTable + ` USING rtree(
		id, min_x, max_x, min_y, max_y,
		+exact_min_x, +exact_min_y, +exact_max_x, +exact_max_y
	)`,
	`CREATE TABLE ` + metaTable + ` (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
}

// writeSQLite writes entries to a temporary file next to location and
// renames it into place once the transaction has been committed.
func writeSQLite(ctx context.Context, location string, entries []domain.IndexEntry) (err error) {
	dir := filepath.Dir(location)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &domain.IndexError{Location: location, Op: "persist", Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(location)+".tmp-*")
	if err != nil {
		return &domain.IndexError{Location: location, Op: "persist", Err: err}
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
			_ = os.Remove(tmpPath + "-journal")
		}
	}()

	if err := populate(ctx, tmpPath, entries); err != nil {
		return &domain.IndexError{Location: location, Op: "persist", Err: err}
	}

	if err := os.Rename(tmpPath, location); err != nil {
		return &domain.IndexError{Location: location, Op: "commit", Err: err}
	}
	return nil
}

func populate(ctx context.Context, path string, entries []domain.IndexEntry) error {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	insert, err := tx.PrepareContext(ctx, `INSERT INTO `+rtreeTable+`
		(id, min_x, max_x, min_y, max_y, exact_min_x, exact_min_y, exact_max_x, exact_max_y)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = insert.Close() }()

	for _, e := range entries {
		b := e.Bounds
		if _, err := insert.ExecContext(ctx,
			e.ID, b.MinX, b.MaxX, b.MinY, b.MaxY,
			b.MinX, b.MinY, b.MaxX, b.MaxY,
		); err != nil {
			return fmt.Errorf("inserting id %d: %w", e.ID, err)
		}
	}

	meta := map[string]string{
		"format_version": formatVersion,
		"entry_count":    strconv.Itoa(len(entries)),
		"fingerprint":    domain.Fingerprint(entries),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+metaTable+` (key, value) VALUES (?, ?)`, k, v,
		); err != nil {
			return fmt.Errorf("writing metadata: %w", err)
		}
	}

	return tx.Commit()
}

// SQLiteIndex is a sealed, read-only index backed by a SQLite R*Tree. It is
// safe for concurrent queries.
type SQLiteIndex struct {
	db          *sql.DB
	location    string
	count       int
	fingerprint string
}

// OpenSQLite opens a sealed index. A missing file yields an error wrapping
// domain.ErrIndexNotFound; anything present but unusable wraps
// domain.ErrIndexCorrupt.
func OpenSQLite(ctx context.Context, location string) (*SQLiteIndex, error) {
	info, err := os.Stat(location)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &domain.IndexError{Location: location, Op: "open", Err: domain.ErrIndexNotFound}
	}
	if err != nil {
		return nil, corrupt(location, err)
	}
	if info.IsDir() {
		return nil, corrupt(location, errors.New("is a directory"))
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", location))
	if err != nil {
		return nil, corrupt(location, err)
	}

	idx := &SQLiteIndex{db: db, location: location}
	if err := idx.verify(ctx); err != nil {
		_ = db.Close()
		return nil, corrupt(location, err)
	}
	return idx, nil
}

// verify reads the metadata and checks it against the stored entries.
func (s *SQLiteIndex) verify(ctx context.Context) error {
	meta := make(map[string]string)
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM `+metaTable)
	if err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			_ = rows.Close()
			return err
		}
		meta[k] = v
	}
	if err := rows.Close(); err != nil {
		return err
	}

	if v := meta["format_version"]; v != formatVersion {
		return fmt.Errorf("unsupported format version %q", v)
	}
	count, err := strconv.Atoi(meta["entry_count"])
	if err != nil {
		return fmt.Errorf("invalid entry count: %w", err)
	}

	entries, err := s.readEntries(ctx)
	if err != nil {
		return err
	}
	if len(entries) != count {
		return fmt.Errorf("entry count %d does not match metadata %d", len(entries), count)
	}
	fp := domain.Fingerprint(entries)
	if fp != meta["fingerprint"] {
		return fmt.Errorf("fingerprint %s does not match metadata %s", fp, meta["fingerprint"])
	}

	s.count = count
	s.fingerprint = fp
	return nil
}

func (s *SQLiteIndex) readEntries(ctx context.Context) ([]domain.IndexEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, exact_min_x, exact_min_y, exact_max_x, exact_max_y
		FROM `+rtreeTable+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("reading entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []domain.IndexEntry
	for rows.Next() {
		var e domain.IndexEntry
		if err := rows.Scan(&e.ID, &e.Bounds.MinX, &e.Bounds.MinY, &e.Bounds.MaxX, &e.Bounds.MaxY); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Query returns the ids of all entries intersecting bbox, boundaries included.
func (s *SQLiteIndex) Query(ctx context.Context, bbox domain.BBox) ([]int, error) {
	if err := bbox.Validate(); err != nil {
		return nil, &domain.IndexError{Location: s.location, Op: "query", Err: err}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, exact_min_x, exact_min_y, exact_max_x, exact_max_y
		FROM `+rtreeTable+`
		WHERE min_x <= ? AND max_x >= ? AND min_y <= ? AND max_y >= ?`,
		bbox.MaxX, bbox.MinX, bbox.MaxY, bbox.MinY,
	)
	if err != nil {
		return nil, &domain.IndexError{Location: s.location, Op: "query", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var ids []int
	for rows.Next() {
		var id int
		var exact domain.BBox
		if err := rows.Scan(&id, &exact.MinX, &exact.MinY, &exact.MaxX, &exact.MaxY); err != nil {
			return nil, &domain.IndexError{Location: s.location, Op: "query", Err: err}
		}
		if exact.Intersects(bbox) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.IndexError{Location: s.location, Op: "query", Err: err}
	}
	return ids, nil
}

// Len returns the number of entries.
func (s *SQLiteIndex) Len() int {
	return s.count
}

// Fingerprint returns the fingerprint recorded when the index was sealed.
func (s *SQLiteIndex) Fingerprint() string {
	return s.fingerprint
}

// Close closes the database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func corrupt(location string, err error) error {
	return &domain.IndexError{
		Location: location,
		Op:       "open",
		Err:      fmt.Errorf("%w: %v", domain.ErrIndexCorrupt, err),
	}
}
