package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jobrunner/rastercat/internal/domain"
	"github.com/jobrunner/rastercat/internal/ports/input"
)

// noDataCell is written for features that hit a no-data sample.
const noDataCell = "nodata"

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Resolve features at points",
	Long: `Resolves the features at a single point (--x, --y) and prints JSON, or at
every row of a CSV file (--points, "-" for stdin) and prints the rows with one
column appended per feature type. Absent features leave the cell empty;
no-data samples are written as "nodata".`,
	RunE: runQuery,
}

func init() {
	f := queryCmd.Flags()
	f.Float64("x", 0, "x coordinate in the catalog CRS")
	f.Float64("y", 0, "y coordinate in the catalog CRS")
	f.String("points", "", "CSV file of points")
	f.String("x-column", "X", "CSV column holding x")
	f.String("y-column", "Y", "CSV column holding y")
	queryCmd.MarkFlagsMutuallyExclusive("points", "x")
	queryCmd.MarkFlagsMutuallyExclusive("points", "y")
	queryCmd.MarkFlagsRequiredTogether("x", "y")
	queryCmd.MarkFlagsOneRequired("points", "x")
}

func runQuery(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newOneShot(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if err := a.Manager.LoadOrBuild(ctx); err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	flags := cmd.Flags()
	pointsPath, _ := flags.GetString("points")
	if pointsPath == "" {
		x, _ := flags.GetFloat64("x")
		y, _ := flags.GetFloat64("y")
		return querySingle(ctx, a.Manager, domain.NewQueryPoint(x, y), os.Stdout)
	}

	var in io.Reader = os.Stdin
	if pointsPath != "-" {
		f, err := os.Open(pointsPath) //#nosec G304 -- user supplied input file
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	summary, err := a.Manager.Summary(ctx)
	if err != nil {
		return err
	}

	xCol, _ := flags.GetString("x-column")
	yCol, _ := flags.GetString("y-column")
	return queryCSV(ctx, a.Manager, csvQuery{
		XColumn:      xCol,
		YColumn:      yCol,
		FeatureTypes: sortedTypes(summary.ByType),
	}, in, os.Stdout, a.Logger)
}

func querySingle(ctx context.Context, resolver input.FeatureResolver, point domain.QueryPoint, out io.Writer) error {
	features, err := resolver.Resolve(ctx, point)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(domain.PointFeatures{Point: point, Features: features})
}

// csvQuery describes the columns of a CSV point query.
type csvQuery struct {
	XColumn      string
	YColumn      string
	FeatureTypes []domain.FeatureType // Appended columns, in order
}

// queryCSV resolves every row of in and writes it to out with the feature
// columns appended. Rows whose coordinates do not parse are written with
// empty feature cells.
func queryCSV(ctx context.Context, resolver input.FeatureResolver, q csvQuery, in io.Reader, out io.Writer, logger *slog.Logger) error {
	r := csv.NewReader(in)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("points file is empty")
		}
		return fmt.Errorf("reading header: %w", err)
	}
	xIdx, yIdx := columnIndex(header, q.XColumn), columnIndex(header, q.YColumn)
	if xIdx < 0 || yIdx < 0 {
		return fmt.Errorf("columns %q and %q are required, header is %v", q.XColumn, q.YColumn, header)
	}

	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("reading points: %w", err)
	}

	// Only rows with valid coordinates are resolved; rowPoint maps each row
	// to its position in the batch.
	points := make([]domain.QueryPoint, 0, len(rows))
	rowPoint := make([]int, len(rows))
	for i, row := range rows {
		point, err := rowToPoint(row, xIdx, yIdx)
		if err != nil {
			logger.Warn("skipping point", "row", i+2, "error", err)
			rowPoint[i] = -1
			continue
		}
		rowPoint[i] = len(points)
		points = append(points, point)
	}

	var results []domain.PointFeatures
	if len(points) > 0 {
		results, err = resolver.ResolveBatch(ctx, points)
		if err != nil {
			return err
		}
	}

	w := csv.NewWriter(out)
	outHeader := append([]string(nil), header...)
	for _, ft := range q.FeatureTypes {
		outHeader = append(outHeader, string(ft))
	}
	if err := w.Write(outHeader); err != nil {
		return err
	}

	for i, row := range rows {
		record := append([]string(nil), row...)
		var features domain.FeatureResult
		if p := rowPoint[i]; p >= 0 {
			if msg := results[p].Error; msg != "" {
				logger.Warn("point failed", "row", i+2, "error", msg)
			}
			features = results[p].Features
		}
		for _, ft := range q.FeatureTypes {
			record = append(record, featureCell(features, ft))
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

func rowToPoint(row []string, xIdx, yIdx int) (domain.QueryPoint, error) {
	if xIdx >= len(row) || yIdx >= len(row) {
		return domain.QueryPoint{}, fmt.Errorf("missing coordinate column: %w", domain.ErrInvalidCoordinate)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(row[xIdx]), 64)
	if err != nil {
		return domain.QueryPoint{}, fmt.Errorf("x %q: %w", row[xIdx], domain.ErrInvalidCoordinate)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(row[yIdx]), 64)
	if err != nil {
		return domain.QueryPoint{}, fmt.Errorf("y %q: %w", row[yIdx], domain.ErrInvalidCoordinate)
	}
	point := domain.NewQueryPoint(x, y)
	return point, point.Validate()
}

func featureCell(features domain.FeatureResult, ft domain.FeatureType) string {
	v, ok := features.Get(ft)
	switch {
	case !ok:
		return ""
	case v.NoData:
		return noDataCell
	default:
		return strconv.FormatFloat(v.Value, 'f', -1, 64)
	}
}

// columnIndex finds a column by case-insensitive name.
func columnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

func sortedTypes(byType map[domain.FeatureType]int) []domain.FeatureType {
	types := make([]domain.FeatureType, 0, len(byType))
	for ft := range byType {
		types = append(types, ft)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
