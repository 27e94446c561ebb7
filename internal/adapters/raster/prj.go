package raster

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var epsgAuthority = regexp.MustCompile(`AUTHORITY\s*\[\s*"EPSG"\s*,\s*"?(\d+)"?\s*\]`)

// sidecarCRS reads the .prj file next to path. It returns "" when there is
// no sidecar.
func sidecarCRS(path string) (string, error) {
	prj := strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"
	data, err := os.ReadFile(prj) //#nosec G304 -- sidecar of a configured raster path
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return normalizeCRS(string(data)), nil
}

// normalizeCRS turns WKT into "EPSG:<code>" when the outermost authority is
// EPSG. Anything else is returned with whitespace collapsed so equal
// definitions compare equal.
func normalizeCRS(wkt string) string {
	wkt = strings.TrimSpace(wkt)
	if wkt == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToUpper(wkt), "EPSG:") {
		return strings.ToUpper(wkt)
	}
	// WKT1 lists the outer CRS's authority last.
	if m := epsgAuthority.FindAllStringSubmatch(wkt, -1); len(m) > 0 {
		return "EPSG:" + m[len(m)-1][1]
	}
	return strings.Join(strings.Fields(wkt), " ")
}
