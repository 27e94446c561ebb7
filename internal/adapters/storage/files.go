// Package storage provides object storage adapters for raster tiles.
package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// rasterExtensions are the files mirrored from remote storage: grids and
// the sidecars that carry their headers and projection.
var rasterExtensions = map[string]bool{
	".asc":  true,
	".flt":  true,
	".hdr":  true,
	".prj":  true,
	".tif":  true,
	".tiff": true,
}

// IsRasterFile reports whether name is a raster or raster sidecar file.
func IsRasterFile(name string) bool {
	return rasterExtensions[strings.ToLower(filepath.Ext(name))]
}

// writeFile streams r into dest through a temporary file in the same
// directory, so a reader never sees a partially downloaded raster.
func writeFile(dest string, r io.Reader) (err error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, r); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// joinKey prefixes key with prefix using "/" separators.
func joinKey(prefix, key string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + strings.TrimPrefix(key, "/")
}

// relativeKey strips prefix from a listed object name.
func relativeKey(prefix, name string) string {
	rel := strings.TrimPrefix(name, strings.TrimSuffix(prefix, "/"))
	return strings.TrimPrefix(rel, "/")
}
