// Package raster provides the raster source adapters for ESRI ASCII grids,
// ESRI binary float grids and GeoTIFF, plus a handle cache.
package raster

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jobrunner/rastercat/internal/domain"
)

// gridHeader is the georeferencing shared by ESRI ASCII and binary grids.
type gridHeader struct {
	ncols     int
	nrows     int
	xll       float64
	yll       float64
	cellSize  float64
	noData    float64
	hasNoData bool
	msbFirst  bool
}

// bounds returns the outer edges of the grid.
func (h gridHeader) bounds() domain.BBox {
	return domain.BBox{
		MinX: h.xll,
		MinY: h.yll,
		MaxX: h.xll + float64(h.ncols)*h.cellSize,
		MaxY: h.yll + float64(h.nrows)*h.cellSize,
	}
}

// cell returns the column and row of the pixel containing (x, y). Points on
// the right or bottom edge belong to the last column or row.
func (h gridHeader) cell(x, y float64) (col, row int, err error) {
	b := h.bounds()
	if !b.Contains(x, y) {
		return 0, 0, fmt.Errorf("(%g, %g) not in %s: %w", x, y, b, domain.ErrOutsideGrid)
	}
	col = int(math.Floor((x - b.MinX) / h.cellSize))
	row = int(math.Floor((b.MaxY - y) / h.cellSize))
	if col >= h.ncols {
		col = h.ncols - 1
	}
	if row >= h.nrows {
		row = h.nrows - 1
	}
	return col, row, nil
}

// maxLineSize bounds a single ASCII grid row.
const maxLineSize = 64 << 20

// parseHeader reads "key value" lines. It stops at EOF or at the first line
// starting with a number, which is the first data row of an ASCII grid.
func parseHeader(scanner *bufio.Scanner) (gridHeader, error) {
	h := gridHeader{}
	var xCenter, yCenter bool
	seen := make(map[string]bool)

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		key := strings.ToLower(fields[0])
		if _, err := strconv.ParseFloat(key, 64); err == nil || key == "nan" {
			return finishHeader(h, seen, xCenter, yCenter)
		}
		if len(fields) < 2 {
			return h, fmt.Errorf("header line %q has no value", scanner.Text())
		}
		value := fields[1]

		var err error
		switch key {
		case "ncols":
			h.ncols, err = strconv.Atoi(value)
		case "nrows":
			h.nrows, err = strconv.Atoi(value)
		case "xllcorner":
			h.xll, err = strconv.ParseFloat(value, 64)
		case "xllcenter":
			h.xll, err = strconv.ParseFloat(value, 64)
			xCenter = true
		case "yllcorner":
			h.yll, err = strconv.ParseFloat(value, 64)
		case "yllcenter":
			h.yll, err = strconv.ParseFloat(value, 64)
			yCenter = true
		case "cellsize":
			h.cellSize, err = strconv.ParseFloat(value, 64)
		case "nodata_value", "nodata":
			h.noData, err = strconv.ParseFloat(value, 64)
			h.hasNoData = err == nil
		case "byteorder":
			h.msbFirst = strings.EqualFold(value, "MSBFIRST")
		default:
			// Unknown keys (e.g. "pixeltype" in .hdr files) are ignored.
		}
		if err != nil {
			return h, fmt.Errorf("parsing %s: %w", key, err)
		}
		seen[strings.TrimSuffix(strings.TrimSuffix(key, "corner"), "center")] = true
	}
	if err := scanner.Err(); err != nil {
		return h, err
	}
	return finishHeader(h, seen, xCenter, yCenter)
}

func finishHeader(h gridHeader, seen map[string]bool, xCenter, yCenter bool) (gridHeader, error) {
	for _, required := range []string{"ncols", "nrows", "xll", "yll", "cellsize"} {
		if !seen[required] {
			return h, fmt.Errorf("header is missing %s", required)
		}
	}
	if h.ncols <= 0 || h.nrows <= 0 {
		return h, fmt.Errorf("invalid grid size %dx%d", h.ncols, h.nrows)
	}
	if !(h.cellSize > 0) || math.IsInf(h.cellSize, 0) {
		return h, fmt.Errorf("invalid cell size %g", h.cellSize)
	}
	if xCenter {
		h.xll -= h.cellSize / 2
	}
	if yCenter {
		h.yll -= h.cellSize / 2
	}
	return h, nil
}
