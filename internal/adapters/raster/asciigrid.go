package raster

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/jobrunner/rastercat/internal/domain"
	"github.com/jobrunner/rastercat/internal/ports/output"
)

// ASCIIGrid is an ESRI ASCII grid (.asc). Opening reads the header only;
// the cell values are decoded on the first Sample. Safe for concurrent use.
type ASCIIGrid struct {
	path   string
	header gridHeader
	crs    string

	once    sync.Once
	cells   []float32
	loadErr error
}

// OpenASCIIGrid opens an ESRI ASCII grid and reads its header.
func OpenASCIIGrid(_ context.Context, path string) (output.RasterHandle, error) {
	f, err := os.Open(path) //#nosec G304 -- path comes from the configured raster directories
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	h, err := parseHeader(scanner)
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	crs, err := sidecarCRS(path)
	if err != nil {
		return nil, fmt.Errorf("reading projection: %w", err)
	}

	return &ASCIIGrid{path: path, header: h, crs: crs}, nil
}

// Path implements output.RasterHandle.
func (g *ASCIIGrid) Path() string { return g.path }

// Bounds implements output.RasterHandle.
func (g *ASCIIGrid) Bounds() domain.BBox { return g.header.bounds() }

// CRS implements output.RasterHandle.
func (g *ASCIIGrid) CRS() string { return g.crs }

// NoData implements output.RasterHandle. The sentinel is rounded to float32
// like the stored cells so the two compare equal.
func (g *ASCIIGrid) NoData() (float64, bool) {
	return float64(float32(g.header.noData)), g.header.hasNoData
}

// Sample implements output.RasterHandle.
func (g *ASCIIGrid) Sample(x, y float64) (float64, error) {
	col, row, err := g.header.cell(x, y)
	if err != nil {
		return 0, err
	}

	g.once.Do(func() { g.cells, g.loadErr = g.decode() })
	if g.loadErr != nil {
		return 0, g.loadErr
	}

	return float64(g.cells[row*g.header.ncols+col]), nil
}

// Close implements output.RasterHandle. The grid keeps no file open.
func (g *ASCIIGrid) Close() error {
	return nil
}

// decode reads every cell value in row-major order, top row first.
func (g *ASCIIGrid) decode() ([]float32, error) {
	f, err := os.Open(g.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(bufio.ScanWords)

	total := g.header.ncols * g.header.nrows
	cells := make([]float32, 0, total)
	skipValue := false
	for scanner.Scan() && len(cells) < total {
		tok := scanner.Text()
		if skipValue {
			skipValue = false
			continue
		}
		v, err := strconv.ParseFloat(tok, 32)
		if err != nil {
			if len(cells) > 0 {
				return nil, fmt.Errorf("cell %d: %w", len(cells), err)
			}
			// Header keyword; its value is the next token.
			skipValue = true
			continue
		}
		cells = append(cells, float32(v))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(cells) != total {
		return nil, fmt.Errorf("grid has %d cells, header declares %d", len(cells), total)
	}
	return cells, nil
}
