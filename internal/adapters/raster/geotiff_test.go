package raster

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/jobrunner/rastercat/internal/domain"
)

// tiffField is one directory entry of a test TIFF.
type tiffField struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// tiffBuilder writes single-image classic TIFF files.
type tiffBuilder struct {
	order      binary.ByteOrder
	fields     []tiffField
	blocks     [][]byte
	offsetsTag uint16
	countsTag  uint16
}

func newTIFFBuilder(order binary.ByteOrder) *tiffBuilder {
	return &tiffBuilder{order: order, offsetsTag: tagStripOffsets, countsTag: tagStripByteCounts}
}

func (b *tiffBuilder) shorts(tag uint16, v ...uint16) {
	data := make([]byte, 2*len(v))
	for i, x := range v {
		b.order.PutUint16(data[i*2:], x)
	}
	b.fields = append(b.fields, tiffField{tag: tag, typ: 3, count: uint32(len(v)), data: data})
}

func (b *tiffBuilder) longs(tag uint16, v ...uint32) {
	data := make([]byte, 4*len(v))
	for i, x := range v {
		b.order.PutUint32(data[i*4:], x)
	}
	b.fields = append(b.fields, tiffField{tag: tag, typ: 4, count: uint32(len(v)), data: data})
}

func (b *tiffBuilder) doubles(tag uint16, v ...float64) {
	data := make([]byte, 8*len(v))
	for i, x := range v {
		b.order.PutUint64(data[i*8:], math.Float64bits(x))
	}
	b.fields = append(b.fields, tiffField{tag: tag, typ: 12, count: uint32(len(v)), data: data})
}

func (b *tiffBuilder) ascii(tag uint16, s string) {
	data := append([]byte(s), 0)
	b.fields = append(b.fields, tiffField{tag: tag, typ: 2, count: uint32(len(data)), data: data})
}

func (b *tiffBuilder) tiles(width, height uint32) {
	b.longs(tagTileWidth, width)
	b.longs(tagTileLength, height)
	b.offsetsTag, b.countsTag = tagTileOffsets, tagTileByteCounts
}

func (b *tiffBuilder) write(t *testing.T, path string) string {
	t.Helper()

	counts := make([]uint32, len(b.blocks))
	for i, blk := range b.blocks {
		counts[i] = uint32(len(blk))
	}
	b.longs(b.countsTag, counts...)
	b.longs(b.offsetsTag, make([]uint32, len(b.blocks))...)
	sort.Slice(b.fields, func(i, j int) bool { return b.fields[i].tag < b.fields[j].tag })

	pos := 8 + 2 + 12*len(b.fields) + 4
	external := make([]int, len(b.fields))
	for i, f := range b.fields {
		if len(f.data) > 4 {
			external[i] = pos
			pos += len(f.data) + len(f.data)%2
		}
	}

	blockOffsets := make([]int, len(b.blocks))
	for i, blk := range b.blocks {
		blockOffsets[i] = pos
		pos += len(blk)
	}
	for _, f := range b.fields {
		if f.tag == b.offsetsTag {
			for i, off := range blockOffsets {
				b.order.PutUint32(f.data[i*4:], uint32(off))
			}
		}
	}

	out := make([]byte, pos)
	if b.order == binary.ByteOrder(binary.LittleEndian) {
		copy(out, "II")
	} else {
		copy(out, "MM")
	}
	b.order.PutUint16(out[2:], 42)
	b.order.PutUint32(out[4:], 8)
	b.order.PutUint16(out[8:], uint16(len(b.fields)))

	for i, f := range b.fields {
		entry := out[10+12*i:]
		b.order.PutUint16(entry[0:], f.tag)
		b.order.PutUint16(entry[2:], f.typ)
		b.order.PutUint32(entry[4:], f.count)
		if len(f.data) > 4 {
			b.order.PutUint32(entry[8:], uint32(external[i]))
			copy(out[external[i]:], f.data)
		} else {
			copy(entry[8:12], f.data)
		}
	}
	for i, blk := range b.blocks {
		copy(out[blockOffsets[i]:], blk)
	}

	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func float32Bytes(order binary.ByteOrder, values ...float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		order.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func TestGeoTIFFStripsUncompressed(t *testing.T) {
	b := newTIFFBuilder(binary.LittleEndian)
	b.longs(tagImageWidth, 3)
	b.longs(tagImageLength, 2)
	b.shorts(tagBitsPerSample, 32)
	b.shorts(tagCompression, compressionNone)
	b.shorts(tagSamplesPerPixel, 1)
	b.longs(tagRowsPerStrip, 1)
	b.shorts(tagSampleFormat, sampleFloat)
	b.doubles(tagModelPixelScale, 10, 10, 0)
	b.doubles(tagModelTiepoint, 0, 0, 0, 100, 220, 0)
	b.shorts(tagGeoKeyDirectory, 1, 1, 0, 2, 1024, 0, 1, 1, keyProjectedCSType, 0, 1, 32633)
	b.ascii(tagGDALNoData, "-9999")
	b.blocks = [][]byte{
		float32Bytes(binary.LittleEndian, 1, 2, 3),
		float32Bytes(binary.LittleEndian, 4, -9999, 6),
	}
	path := b.write(t, filepath.Join(t.TempDir(), "dem.tif"))

	h, err := NewRegistry().Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = h.Close() }()

	if got := h.Bounds(); got != domain.NewBBox(100, 200, 130, 220) {
		t.Errorf("Bounds() = %+v", got)
	}
	if got := h.CRS(); got != "EPSG:32633" {
		t.Errorf("CRS() = %q", got)
	}

	tests := []struct {
		x, y float64
		want float64
	}{
		{105, 215, 1},
		{125, 215, 3},
		{125, 205, 6},
		{130, 200, 6},
		{100, 220, 1},
	}
	for _, tt := range tests {
		got, err := h.Sample(tt.x, tt.y)
		if err != nil {
			t.Errorf("Sample(%g, %g) error = %v", tt.x, tt.y, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Sample(%g, %g) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}

	nodata, ok := h.NoData()
	if v, _ := h.Sample(115, 205); !ok || v != nodata {
		t.Errorf("Sample(nodata cell) = %v, NoData() = %v, %v", v, nodata, ok)
	}
	if _, err := h.Sample(99, 210); !errors.Is(err, domain.ErrOutsideGrid) {
		t.Errorf("Sample(outside) error = %v, want ErrOutsideGrid", err)
	}
}

func TestGeoTIFFTiledDeflatePredictor(t *testing.T) {
	const width, height, tile = 20, 2, 16
	value := func(col, row int) int16 { return int16(row*100 + col - 10) }

	b := newTIFFBuilder(binary.BigEndian)
	b.longs(tagImageWidth, width)
	b.longs(tagImageLength, height)
	b.shorts(tagBitsPerSample, 16)
	b.shorts(tagCompression, compressionDeflate)
	b.shorts(tagPredictor, predictorHorizontal)
	b.shorts(tagSampleFormat, sampleInt)
	b.tiles(tile, tile)
	b.doubles(tagModelTransformation,
		1, 0, 0, 500,
		0, -1, 0, 1002,
		0, 0, 0, 0,
		0, 0, 0, 1)

	for tx := 0; tx < 2; tx++ {
		data := make([]byte, tile*tile*2)
		for ly := 0; ly < tile; ly++ {
			row := make([]int16, tile)
			for lx := range row {
				if col := tx*tile + lx; col < width && ly < height {
					row[lx] = value(col, ly)
				}
			}
			for lx := tile - 1; lx > 0; lx-- {
				row[lx] -= row[lx-1]
			}
			for lx, v := range row {
				binary.BigEndian.PutUint16(data[(ly*tile+lx)*2:], uint16(v))
			}
		}
		b.blocks = append(b.blocks, deflate(t, data))
	}

	dir := t.TempDir()
	path := b.write(t, filepath.Join(dir, "slope.tif"))
	writeFile(t, filepath.Join(dir, "slope.prj"), utm33WKT)

	h, err := OpenGeoTIFF(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenGeoTIFF() error = %v", err)
	}
	defer func() { _ = h.Close() }()

	if got := h.Bounds(); got != domain.NewBBox(500, 1000, 520, 1002) {
		t.Errorf("Bounds() = %+v", got)
	}
	if got := h.CRS(); got != "EPSG:32633" {
		t.Errorf("CRS() = %q, want sidecar projection", got)
	}
	if _, ok := h.NoData(); ok {
		t.Error("NoData() reported a sentinel for a file without GDAL_NODATA")
	}

	tests := []struct {
		x, y     float64
		col, row int
	}{
		{500.5, 1001.5, 0, 0},
		{515.5, 1001.5, 15, 0},
		{517.5, 1000.5, 17, 1},
		{520, 1000, 19, 1},
	}
	for _, tt := range tests {
		got, err := h.Sample(tt.x, tt.y)
		if err != nil {
			t.Errorf("Sample(%g, %g) error = %v", tt.x, tt.y, err)
			continue
		}
		if want := float64(value(tt.col, tt.row)); got != want {
			t.Errorf("Sample(%g, %g) = %v, want %v", tt.x, tt.y, got, want)
		}
	}
}

func TestGeoTIFFFloatingPointPredictor(t *testing.T) {
	values := []float32{1.25, -2.5, -math.MaxFloat32, 1e6}

	// Byte planes most significant first, then byte-wise differencing.
	var raw []byte
	for r := 0; r < 2; r++ {
		row := values[r*2 : r*2+2]
		planes := make([]byte, 8)
		for i, v := range row {
			var be [4]byte
			binary.BigEndian.PutUint32(be[:], math.Float32bits(v))
			for k := 0; k < 4; k++ {
				planes[k*2+i] = be[k]
			}
		}
		for i := len(planes) - 1; i >= 1; i-- {
			planes[i] -= planes[i-1]
		}
		raw = append(raw, planes...)
	}

	b := newTIFFBuilder(binary.LittleEndian)
	b.longs(tagImageWidth, 2)
	b.longs(tagImageLength, 2)
	b.shorts(tagBitsPerSample, 32)
	b.shorts(tagCompression, compressionDeflateOld)
	b.shorts(tagPredictor, predictorFloatingPoint)
	b.shorts(tagSampleFormat, sampleFloat)
	b.longs(tagRowsPerStrip, 2)
	b.doubles(tagModelPixelScale, 1, 1, 0)
	b.doubles(tagModelTiepoint, 0, 0, 0, 0.5, 1.5, 0)
	b.shorts(tagGeoKeyDirectory, 1, 1, 0, 2, keyRasterType, 0, 1, rasterPixelIsPoint, keyGeographicType, 0, 1, 4326)
	b.ascii(tagGDALNoData, "-3.4028234663852886e+38")
	b.blocks = [][]byte{deflate(t, raw)}
	path := b.write(t, filepath.Join(t.TempDir(), "aspect.tif"))

	h, err := OpenGeoTIFF(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenGeoTIFF() error = %v", err)
	}
	defer func() { _ = h.Close() }()

	if got := h.Bounds(); got != domain.NewBBox(0, 0, 2, 2) {
		t.Errorf("Bounds() = %+v, want pixel-is-point shift", got)
	}
	if got := h.CRS(); got != "EPSG:4326" {
		t.Errorf("CRS() = %q", got)
	}

	for i, want := range values {
		x, y := float64(i%2)+0.5, 1.5-float64(i/2)
		got, err := h.Sample(x, y)
		if err != nil {
			t.Fatalf("Sample(%g, %g) error = %v", x, y, err)
		}
		if got != float64(want) {
			t.Errorf("Sample(%g, %g) = %v, want %v", x, y, got, want)
		}
	}

	nodata, ok := h.NoData()
	if v, _ := h.Sample(0.5, 0.5); !ok || v != nodata {
		t.Errorf("Sample(nodata cell) = %v, NoData() = %v, %v", v, nodata, ok)
	}
}

func TestGeoTIFFRejects(t *testing.T) {
	base := func(compression uint16) *tiffBuilder {
		b := newTIFFBuilder(binary.LittleEndian)
		b.longs(tagImageWidth, 1)
		b.longs(tagImageLength, 1)
		b.shorts(tagBitsPerSample, 8)
		b.shorts(tagCompression, compression)
		b.blocks = [][]byte{{7}}
		return b
	}

	tests := []struct {
		name        string
		build       func() *tiffBuilder
		unsupported bool
	}{
		{
			name: "jpeg compression",
			build: func() *tiffBuilder {
				b := base(7)
				b.doubles(tagModelPixelScale, 1, 1, 0)
				b.doubles(tagModelTiepoint, 0, 0, 0, 0, 1, 0)
				return b
			},
			unsupported: true,
		},
		{
			name:  "no georeferencing",
			build: func() *tiffBuilder { return base(compressionNone) },
		},
		{
			name: "rotated",
			build: func() *tiffBuilder {
				b := base(compressionNone)
				b.doubles(tagModelTransformation, 1, 0.5, 0, 0, 0.5, -1, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1)
				return b
			},
			unsupported: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.build().write(t, filepath.Join(t.TempDir(), "bad.tif"))
			h, err := OpenGeoTIFF(context.Background(), path)
			if err == nil {
				_ = h.Close()
				t.Fatal("OpenGeoTIFF() succeeded")
			}
			if got := errors.Is(err, domain.ErrUnsupportedFormat); got != tt.unsupported {
				t.Errorf("OpenGeoTIFF() error = %v, unsupported = %v, want %v", err, got, tt.unsupported)
			}
		})
	}
}
