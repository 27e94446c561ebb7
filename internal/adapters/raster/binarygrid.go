package raster

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/jobrunner/rastercat/internal/domain"
	"github.com/jobrunner/rastercat/internal/ports/output"
)

// BinaryGrid is an ESRI binary float grid: 32-bit cells in a .flt file
// described by a .hdr file. Each Sample reads one cell with ReadAt, so the
// grid is never decoded as a whole. Safe for concurrent use.
type BinaryGrid struct {
	path   string
	header gridHeader
	crs    string
	file   *os.File
	order  binary.ByteOrder
}

// OpenBinaryGrid opens a .flt grid and reads its .hdr sidecar.
func OpenBinaryGrid(_ context.Context, path string) (output.RasterHandle, error) {
	hdrPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".hdr"
	hdr, err := os.Open(hdrPath) //#nosec G304 -- sidecar of a configured raster path
	if err != nil {
		return nil, fmt.Errorf("opening header: %w", err)
	}
	h, err := parseHeader(bufio.NewScanner(hdr))
	_ = hdr.Close()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	crs, err := sidecarCRS(path)
	if err != nil {
		return nil, fmt.Errorf("reading projection: %w", err)
	}

	f, err := os.Open(path) //#nosec G304 -- path comes from the configured raster directories
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if want := int64(h.ncols) * int64(h.nrows) * 4; info.Size() != want {
		_ = f.Close()
		return nil, fmt.Errorf("data file has %d bytes, header implies %d", info.Size(), want)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if h.msbFirst {
		order = binary.BigEndian
	}

	return &BinaryGrid{path: path, header: h, crs: crs, file: f, order: order}, nil
}

// Path implements output.RasterHandle.
func (g *BinaryGrid) Path() string { return g.path }

// Bounds implements output.RasterHandle.
func (g *BinaryGrid) Bounds() domain.BBox { return g.header.bounds() }

// CRS implements output.RasterHandle.
func (g *BinaryGrid) CRS() string { return g.crs }

// NoData implements output.RasterHandle.
func (g *BinaryGrid) NoData() (float64, bool) {
	return float64(float32(g.header.noData)), g.header.hasNoData
}

// Sample implements output.RasterHandle.
func (g *BinaryGrid) Sample(x, y float64) (float64, error) {
	col, row, err := g.header.cell(x, y)
	if err != nil {
		return 0, err
	}

	var buf [4]byte
	offset := (int64(row)*int64(g.header.ncols) + int64(col)) * 4
	if _, err := g.file.ReadAt(buf[:], offset); err != nil {
		return 0, fmt.Errorf("reading cell (%d, %d): %w", col, row, err)
	}
	return float64(math.Float32frombits(g.order.Uint32(buf[:]))), nil
}

// Close closes the data file.
func (g *BinaryGrid) Close() error {
	return g.file.Close()
}
