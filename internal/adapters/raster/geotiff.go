package raster

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/tiff/lzw"

	"github.com/jobrunner/rastercat/internal/domain"
	"github.com/jobrunner/rastercat/internal/ports/output"
)

// TIFF and GeoTIFF tags read by the driver.
const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfiguration = 284
	tagPredictor           = 317
	tagTileWidth           = 322
	tagTileLength          = 323
	tagTileOffsets         = 324
	tagTileByteCounts      = 325
	tagSampleFormat        = 339
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGDALNoData          = 42113
)

// GeoKey ids and values.
const (
	keyRasterType      = 1025
	keyGeographicType  = 2048
	keyProjectedCSType = 3072

	rasterPixelIsPoint = 2
	userDefined        = 32767
)

const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionDeflateOld = 32946

	predictorNone          = 1
	predictorHorizontal    = 2
	predictorFloatingPoint = 3

	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3
)

// maxTIFFBlock bounds a single tag value or compressed chunk read from disk.
const maxTIFFBlock = 256 << 20

// tiffTypeSizes maps TIFF field types to their element size in bytes.
var tiffTypeSizes = map[uint16]int{
	1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8,
	16: 8, 17: 8, 18: 8,
}

// GeoTIFF is a single-band view of a GeoTIFF file: the first sample of the
// first image. Open reads only the directory; Sample reads one pixel, or
// decodes the one strip or tile holding it when the file is compressed.
// Safe for concurrent use.
type GeoTIFF struct {
	path      string
	file      *os.File
	order     binary.ByteOrder
	bigEndian bool
	crs       string

	width, height  int
	tileW, tileH   int
	across, down   int
	tiled          bool
	offsets        []uint64
	counts         []uint64
	bytesPerSample int
	pixelStride    int
	rowSamples     int
	sampleFormat   uint64
	compression    uint64
	predictor      uint64

	originX, originY float64
	scaleX, scaleY   float64
	noData           float64
	hasNoData        bool

	mu         sync.Mutex
	chunkIndex int
	chunk      []byte
}

// OpenGeoTIFF opens a .tif file and reads its georeferencing.
func OpenGeoTIFF(_ context.Context, path string) (output.RasterHandle, error) {
	f, err := os.Open(path) //#nosec G304 -- path comes from the configured raster directories
	if err != nil {
		return nil, err
	}
	g, err := readGeoTIFF(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return g, nil
}

func readGeoTIFF(f *os.File, path string) (*GeoTIFF, error) {
	tags, err := readTIFFDirectory(f)
	if err != nil {
		return nil, err
	}

	g := &GeoTIFF{
		path:       path,
		file:       f,
		order:      tags.order,
		bigEndian:  tags.order == binary.ByteOrder(binary.BigEndian),
		chunkIndex: -1,
	}
	if err := g.readLayout(tags); err != nil {
		return nil, err
	}

	keys, err := tags.geoKeys()
	if err != nil {
		return nil, err
	}
	if err := g.readGeoreference(tags, keys); err != nil {
		return nil, err
	}

	if e, ok := tags.entries[tagGDALNoData]; ok {
		text := strings.TrimSpace(strings.TrimRight(string(e.data), "\x00"))
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("GDAL_NODATA %q: %w", text, err)
		}
		g.noData, g.hasNoData = v, true
	}

	for _, key := range []uint16{keyProjectedCSType, keyGeographicType} {
		if code := keys[key]; code != 0 && code != userDefined {
			g.crs = "EPSG:" + strconv.Itoa(int(code))
			return g, nil
		}
	}
	if g.crs, err = sidecarCRS(path); err != nil {
		return nil, fmt.Errorf("reading projection: %w", err)
	}
	return g, nil
}

func (g *GeoTIFF) readLayout(tags tiffTags) error {
	width, err := tags.uint(tagImageWidth, 0)
	if err != nil {
		return err
	}
	height, err := tags.uint(tagImageLength, 0)
	if err != nil {
		return err
	}
	if width == 0 || height == 0 || width > math.MaxInt32 || height > math.MaxInt32 {
		return fmt.Errorf("invalid image size %dx%d", width, height)
	}
	g.width, g.height = int(width), int(height)

	bits, err := tags.uint(tagBitsPerSample, 1)
	if err != nil {
		return err
	}
	spp, err := tags.uint(tagSamplesPerPixel, 1)
	if err != nil {
		return err
	}
	planar, err := tags.uint(tagPlanarConfiguration, 1)
	if err != nil {
		return err
	}
	if g.sampleFormat, err = tags.uint(tagSampleFormat, sampleUint); err != nil {
		return err
	}
	if g.compression, err = tags.uint(tagCompression, compressionNone); err != nil {
		return err
	}
	if g.predictor, err = tags.uint(tagPredictor, predictorNone); err != nil {
		return err
	}

	switch g.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld:
	default:
		return fmt.Errorf("compression %d: %w", g.compression, domain.ErrUnsupportedFormat)
	}
	if !supportedSample(g.sampleFormat, bits) {
		return fmt.Errorf("%d-bit samples of format %d: %w", bits, g.sampleFormat, domain.ErrUnsupportedFormat)
	}
	switch {
	case g.predictor == predictorNone, g.predictor == predictorHorizontal && g.sampleFormat != sampleFloat:
	case g.predictor == predictorFloatingPoint && g.sampleFormat == sampleFloat:
	default:
		return fmt.Errorf("predictor %d for sample format %d: %w", g.predictor, g.sampleFormat, domain.ErrUnsupportedFormat)
	}
	if spp == 0 || spp > 256 {
		return fmt.Errorf("invalid samples per pixel %d", spp)
	}

	g.bytesPerSample = int(bits / 8)
	g.rowSamples = 1
	g.pixelStride = g.bytesPerSample
	if planar == 1 {
		g.rowSamples = int(spp)
		g.pixelStride *= int(spp)
	}

	var tw, th uint64
	_, g.tiled = tags.entries[tagTileWidth]
	if g.tiled {
		if tw, err = tags.uint(tagTileWidth, 0); err != nil {
			return err
		}
		if th, err = tags.uint(tagTileLength, 0); err != nil {
			return err
		}
		if g.offsets, err = tags.uints(tagTileOffsets); err != nil {
			return err
		}
		if g.counts, err = tags.uints(tagTileByteCounts); err != nil {
			return err
		}
	} else {
		tw = width
		if th, err = tags.uint(tagRowsPerStrip, height); err != nil {
			return err
		}
		th = min(th, height)
		if g.offsets, err = tags.uints(tagStripOffsets); err != nil {
			return err
		}
		if g.counts, err = tags.uints(tagStripByteCounts); err != nil {
			return err
		}
	}
	if tw == 0 || th == 0 || tw > math.MaxInt32 || th > math.MaxInt32 {
		return fmt.Errorf("invalid block size %dx%d", tw, th)
	}
	g.tileW, g.tileH = int(tw), int(th)
	g.across = (g.width + g.tileW - 1) / g.tileW
	g.down = (g.height + g.tileH - 1) / g.tileH

	if need := g.across * g.down; len(g.offsets) < need || len(g.counts) < need {
		return fmt.Errorf("file lists %d blocks, image needs %d", min(len(g.offsets), len(g.counts)), need)
	}
	return nil
}

func supportedSample(format, bits uint64) bool {
	switch format {
	case sampleUint, sampleInt:
		return bits == 8 || bits == 16 || bits == 32
	case sampleFloat:
		return bits == 32 || bits == 64
	}
	return false
}

// readGeoreference derives the outer edges from ModelTiepoint and
// ModelPixelScale, or from a ModelTransformation without rotation.
func (g *GeoTIFF) readGeoreference(tags tiffTags, keys map[uint16]uint16) error {
	scale, err := tags.floats(tagModelPixelScale)
	if err != nil {
		return err
	}
	tie, err := tags.floats(tagModelTiepoint)
	if err != nil {
		return err
	}

	if len(scale) >= 2 && len(tie) >= 6 {
		g.scaleX, g.scaleY = scale[0], scale[1]
		g.originX = tie[3] - tie[0]*g.scaleX
		g.originY = tie[4] + tie[1]*g.scaleY
	} else {
		m, err := tags.floats(tagModelTransformation)
		if err != nil {
			return err
		}
		if len(m) < 16 {
			return errors.New("no georeferencing: need ModelTiepoint and ModelPixelScale or ModelTransformation")
		}
		if m[1] != 0 || m[4] != 0 {
			return fmt.Errorf("rotated raster: %w", domain.ErrUnsupportedFormat)
		}
		g.scaleX, g.scaleY = m[0], -m[5]
		g.originX, g.originY = m[3], m[7]
	}

	if !(g.scaleX > 0) || !(g.scaleY > 0) || math.IsInf(g.scaleX, 0) || math.IsInf(g.scaleY, 0) {
		return fmt.Errorf("invalid pixel size %g x %g", g.scaleX, g.scaleY)
	}
	if math.IsNaN(g.originX) || math.IsNaN(g.originY) || math.IsInf(g.originX, 0) || math.IsInf(g.originY, 0) {
		return fmt.Errorf("invalid origin (%g, %g)", g.originX, g.originY)
	}

	// Tiepoints of PixelIsPoint rasters address pixel centers.
	if keys[keyRasterType] == rasterPixelIsPoint {
		g.originX -= g.scaleX / 2
		g.originY += g.scaleY / 2
	}
	return nil
}

// Path implements output.RasterHandle.
func (g *GeoTIFF) Path() string { return g.path }

// CRS implements output.RasterHandle.
func (g *GeoTIFF) CRS() string { return g.crs }

// Bounds implements output.RasterHandle.
func (g *GeoTIFF) Bounds() domain.BBox {
	return domain.BBox{
		MinX: g.originX,
		MinY: g.originY - float64(g.height)*g.scaleY,
		MaxX: g.originX + float64(g.width)*g.scaleX,
		MaxY: g.originY,
	}
}

// NoData implements output.RasterHandle. For 32-bit float rasters the
// sentinel is rounded to float32 so it compares equal to sampled cells.
func (g *GeoTIFF) NoData() (float64, bool) {
	if g.sampleFormat == sampleFloat && g.bytesPerSample == 4 {
		return float64(float32(g.noData)), g.hasNoData
	}
	return g.noData, g.hasNoData
}

// Sample implements output.RasterHandle.
func (g *GeoTIFF) Sample(x, y float64) (float64, error) {
	col, row, err := g.cell(x, y)
	if err != nil {
		return 0, err
	}

	block := (row/g.tileH)*g.across + col/g.tileW
	pos := ((row%g.tileH)*g.tileW + col%g.tileW) * g.pixelStride
	buf := make([]byte, g.bytesPerSample)

	if g.compression == compressionNone && g.predictor == predictorNone {
		if _, err := g.file.ReadAt(buf, int64(g.offsets[block])+int64(pos)); err != nil {
			return 0, fmt.Errorf("reading cell (%d, %d): %w", col, row, err)
		}
		return g.decodeSample(buf), nil
	}

	data, err := g.decodedBlock(block)
	if err != nil {
		return 0, err
	}
	if pos+len(buf) > len(data) {
		return 0, fmt.Errorf("block %d too short for cell (%d, %d)", block, col, row)
	}
	copy(buf, data[pos:])
	return g.decodeSample(buf), nil
}

// cell returns the column and row of the pixel containing (x, y). Points on
// the right or bottom edge belong to the last column or row.
func (g *GeoTIFF) cell(x, y float64) (col, row int, err error) {
	b := g.Bounds()
	if !b.Contains(x, y) {
		return 0, 0, fmt.Errorf("(%g, %g) not in %s: %w", x, y, b, domain.ErrOutsideGrid)
	}
	col = min(int(math.Floor((x-b.MinX)/g.scaleX)), g.width-1)
	row = min(int(math.Floor((b.MaxY-y)/g.scaleY)), g.height-1)
	return col, row, nil
}

func (g *GeoTIFF) decodeSample(b []byte) float64 {
	switch g.sampleFormat {
	case sampleFloat:
		if g.bytesPerSample == 4 {
			return float64(math.Float32frombits(g.order.Uint32(b)))
		}
		return math.Float64frombits(g.order.Uint64(b))
	case sampleInt:
		switch g.bytesPerSample {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(g.order.Uint16(b)))
		default:
			return float64(int32(g.order.Uint32(b)))
		}
	default:
		switch g.bytesPerSample {
		case 1:
			return float64(b[0])
		case 2:
			return float64(g.order.Uint16(b))
		default:
			return float64(g.order.Uint32(b))
		}
	}
}

// decodedBlock returns strip or tile i decompressed with its predictor
// undone. The most recent block is kept, since nearby points of a batch
// usually fall into the same block.
func (g *GeoTIFF) decodedBlock(i int) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chunkIndex == i {
		return g.chunk, nil
	}

	size := g.counts[i]
	if size > maxTIFFBlock {
		return nil, fmt.Errorf("block %d is %d bytes", i, size)
	}
	raw := make([]byte, size)
	if _, err := g.file.ReadAt(raw, int64(g.offsets[i])); err != nil {
		return nil, fmt.Errorf("reading block %d: %w", i, err)
	}

	var r io.Reader
	switch g.compression {
	case compressionNone:
		r = bytes.NewReader(raw)
	case compressionLZW:
		lr := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer func() { _ = lr.Close() }()
		r = lr
	default:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decoding block %d: %w", i, err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}

	rows := g.tileH
	if !g.tiled {
		rows = min(g.tileH, g.height-i*g.tileH)
	}
	rowBytes := g.tileW * g.pixelStride
	data := make([]byte, rows*rowBytes)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("decoding block %d: %w", i, err)
	}

	for start := 0; start+rowBytes <= len(data); start += rowBytes {
		row := data[start : start+rowBytes]
		switch g.predictor {
		case predictorHorizontal:
			undoHorizontalPredictor(row, g.rowSamples, g.bytesPerSample, g.order)
		case predictorFloatingPoint:
			undoFloatingPointPredictor(row, g.rowSamples, g.bytesPerSample, g.bigEndian)
		}
	}

	g.chunkIndex, g.chunk = i, data
	return data, nil
}

// undoHorizontalPredictor accumulates the differences between a sample and
// the same sample of the previous pixel.
func undoHorizontalPredictor(row []byte, samples, bps int, order binary.ByteOrder) {
	stride := samples * bps
	for i := stride; i+bps <= len(row); i += bps {
		switch bps {
		case 1:
			row[i] += row[i-stride]
		case 2:
			order.PutUint16(row[i:], order.Uint16(row[i:])+order.Uint16(row[i-stride:]))
		case 4:
			order.PutUint32(row[i:], order.Uint32(row[i:])+order.Uint32(row[i-stride:]))
		}
	}
}

// undoFloatingPointPredictor reverses the byte-wise differencing of a row
// and reassembles its byte planes, which are stored most significant first,
// into values in the file's byte order.
func undoFloatingPointPredictor(row []byte, samples, bps int, bigEndian bool) {
	for i := samples; i < len(row); i++ {
		row[i] += row[i-samples]
	}

	planes := append([]byte(nil), row...)
	count := len(row) / bps
	for i := 0; i < count; i++ {
		for b := 0; b < bps; b++ {
			if bigEndian {
				row[i*bps+b] = planes[b*count+i]
			} else {
				row[i*bps+b] = planes[(bps-1-b)*count+i]
			}
		}
	}
}

// Close closes the file.
func (g *GeoTIFF) Close() error {
	return g.file.Close()
}

// tiffEntry is one directory entry with its value bytes loaded.
type tiffEntry struct {
	typ   uint16
	count uint64
	data  []byte
}

// tiffTags is the first image file directory of a TIFF.
type tiffTags struct {
	order   binary.ByteOrder
	entries map[uint16]tiffEntry
}

// readTIFFDirectory reads the header and first directory of a classic or
// BigTIFF file.
func readTIFFDirectory(r io.ReaderAt) (tiffTags, error) {
	var head [16]byte
	if n, err := r.ReadAt(head[:8], 0); n < len(head[:8]) {
		if errors.Is(err, io.EOF) {
			return tiffTags{}, fmt.Errorf("not a TIFF file: %w", domain.ErrUnsupportedFormat)
		}
		return tiffTags{}, fmt.Errorf("reading TIFF header: %w", err)
	}

	var order binary.ByteOrder
	switch string(head[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return tiffTags{}, fmt.Errorf("not a TIFF file: %w", domain.ErrUnsupportedFormat)
	}

	big := false
	var offset uint64
	switch order.Uint16(head[2:4]) {
	case 42:
		offset = uint64(order.Uint32(head[4:8]))
	case 43:
		if _, err := r.ReadAt(head[8:16], 8); err != nil {
			return tiffTags{}, fmt.Errorf("reading BigTIFF header: %w", err)
		}
		if order.Uint16(head[4:6]) != 8 {
			return tiffTags{}, errors.New("unsupported BigTIFF offset size")
		}
		big = true
		offset = order.Uint64(head[8:16])
	default:
		return tiffTags{}, fmt.Errorf("not a TIFF file: %w", domain.ErrUnsupportedFormat)
	}

	countSize, entrySize, inline := 2, 12, 4
	if big {
		countSize, entrySize, inline = 8, 20, 8
	}

	buf := make([]byte, countSize)
	if _, err := r.ReadAt(buf, int64(offset)); err != nil {
		return tiffTags{}, fmt.Errorf("reading directory: %w", err)
	}
	var n uint64
	if big {
		n = order.Uint64(buf)
	} else {
		n = uint64(order.Uint16(buf))
	}
	if n == 0 || n > 4096 {
		return tiffTags{}, fmt.Errorf("directory has %d entries", n)
	}

	raw := make([]byte, int(n)*entrySize)
	if _, err := r.ReadAt(raw, int64(offset)+int64(countSize)); err != nil {
		return tiffTags{}, fmt.Errorf("reading directory: %w", err)
	}

	tags := tiffTags{order: order, entries: make(map[uint16]tiffEntry, n)}
	for i := 0; i < int(n); i++ {
		b := raw[i*entrySize : (i+1)*entrySize]
		tag, typ := order.Uint16(b[0:2]), order.Uint16(b[2:4])
		size, ok := tiffTypeSizes[typ]
		if !ok {
			continue
		}

		var count uint64
		var value []byte
		if big {
			count, value = order.Uint64(b[4:12]), b[12:20]
		} else {
			count, value = uint64(order.Uint32(b[4:8])), b[8:12]
		}
		total := count * uint64(size)
		if count > maxTIFFBlock || total > maxTIFFBlock {
			return tiffTags{}, fmt.Errorf("tag %d has %d values", tag, count)
		}

		data := make([]byte, total)
		if total <= uint64(inline) {
			copy(data, value)
		} else {
			var at uint64
			if big {
				at = order.Uint64(value)
			} else {
				at = uint64(order.Uint32(value))
			}
			if _, err := r.ReadAt(data, int64(at)); err != nil {
				return tiffTags{}, fmt.Errorf("reading tag %d: %w", tag, err)
			}
		}
		tags.entries[tag] = tiffEntry{typ: typ, count: count, data: data}
	}
	return tags, nil
}

// uints returns the integer values of tag; the tag is required.
func (t tiffTags) uints(tag uint16) ([]uint64, error) {
	e, ok := t.entries[tag]
	if !ok {
		return nil, fmt.Errorf("missing TIFF tag %d", tag)
	}
	return e.uints(t.order, tag)
}

// uint returns the first value of tag, or def when it is absent.
func (t tiffTags) uint(tag uint16, def uint64) (uint64, error) {
	e, ok := t.entries[tag]
	if !ok {
		return def, nil
	}
	v, err := e.uints(t.order, tag)
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return def, nil
	}
	return v[0], nil
}

// floats returns the values of tag, or nil when it is absent.
func (t tiffTags) floats(tag uint16) ([]float64, error) {
	e, ok := t.entries[tag]
	if !ok {
		return nil, nil
	}
	out := make([]float64, e.count)
	switch e.typ {
	case 11:
		for i := range out {
			out[i] = float64(math.Float32frombits(t.order.Uint32(e.data[i*4:])))
		}
	case 12:
		for i := range out {
			out[i] = math.Float64frombits(t.order.Uint64(e.data[i*8:]))
		}
	default:
		v, err := e.uints(t.order, tag)
		if err != nil {
			return nil, err
		}
		for i := range out {
			out[i] = float64(v[i])
		}
	}
	return out, nil
}

// geoKeys returns the GeoKeys whose values are stored inline in the key
// directory.
func (t tiffTags) geoKeys() (map[uint16]uint16, error) {
	keys := make(map[uint16]uint16)
	if _, ok := t.entries[tagGeoKeyDirectory]; !ok {
		return keys, nil
	}
	dir, err := t.uints(tagGeoKeyDirectory)
	if err != nil {
		return nil, err
	}
	if len(dir) < 4 {
		return keys, nil
	}
	for i := 0; i < int(dir[3]); i++ {
		base := 4 + i*4
		if base+3 >= len(dir) {
			break
		}
		if dir[base+1] != 0 {
			continue
		}
		keys[uint16(dir[base])] = uint16(dir[base+3])
	}
	return keys, nil
}

func (e tiffEntry) uints(order binary.ByteOrder, tag uint16) ([]uint64, error) {
	out := make([]uint64, e.count)
	for i := range out {
		switch e.typ {
		case 1, 6, 7:
			out[i] = uint64(e.data[i])
		case 3, 8:
			out[i] = uint64(order.Uint16(e.data[i*2:]))
		case 4, 9:
			out[i] = uint64(order.Uint32(e.data[i*4:]))
		case 16, 17, 18:
			out[i] = order.Uint64(e.data[i*8:])
		default:
			return nil, fmt.Errorf("TIFF tag %d has non-integer type %d", tag, e.typ)
		}
	}
	return out, nil
}
