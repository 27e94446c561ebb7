package domain

import (
	"encoding/json"
	"math"
	"sort"
)

// FeatureType is the opaque category of a raster, such as elevation or slope.
// Types are compared by exact string equality.
type FeatureType string

// Feature types produced by the usual DEM derivation pipeline. Any other
// non-empty value is accepted as well.
const (
	FeatureElevation    FeatureType = "ELEVATION"
	FeatureElevationFt  FeatureType = "ELEVATION_FT"
	FeatureSlope        FeatureType = "SLOPE"
	FeatureSlopeDegree  FeatureType = "SLOPE_DEGREE"
	FeatureAspect       FeatureType = "ASPECT"
	FeatureAspectDegree FeatureType = "ASPECT_DEGREE"
	FeatureAspectSin    FeatureType = "ASPECT_SIN"
	FeatureAspectCos    FeatureType = "ASPECT_COS"
)

// Validate rejects empty feature types.
func (t FeatureType) Validate() error {
	if t == "" {
		return &ValidationError{
			Field:      "feature_type",
			Value:      "",
			Constraint: "non-empty",
			Message:    "feature type must not be empty",
		}
	}
	return nil
}

// Value is a sampled raster value. NoData marks a sample that hit the
// raster's nodata sentinel (or was NaN); Value is meaningless in that case.
type Value struct {
	Value  float64
	NoData bool
}

// NewValue wraps a sample, converting NaN into the no-data marker.
func NewValue(v float64) Value {
	if math.IsNaN(v) {
		return NoDataValue()
	}
	return Value{Value: v}
}

// NoDataValue returns the no-data marker.
func NoDataValue() Value {
	return Value{NoData: true}
}

// Float returns the sample, or NaN for no-data.
func (v Value) Float() float64 {
	if v.NoData {
		return math.NaN()
	}
	return v.Value
}

// MarshalJSON encodes no-data as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.NoData {
		return []byte("null"), nil
	}
	return json.Marshal(v.Value)
}

// UnmarshalJSON decodes null as no-data.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = NoDataValue()
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Value{Value: f}
	return nil
}

// FeatureResult maps each resolved feature type to its sampled value. Types
// with no covering raster are absent.
type FeatureResult map[FeatureType]Value

// Set records a value for t.
func (r FeatureResult) Set(t FeatureType, v Value) {
	r[t] = v
}

// Get returns the value for t.
func (r FeatureResult) Get(t FeatureType) (Value, bool) {
	v, ok := r[t]
	return v, ok
}

// Has reports whether t carries a valid (non-no-data) value.
func (r FeatureResult) Has(t FeatureType) bool {
	v, ok := r[t]
	return ok && !v.NoData
}

// Len returns the number of resolved feature types.
func (r FeatureResult) Len() int {
	return len(r)
}

// Types returns the feature types present in r, sorted.
func (r FeatureResult) Types() []FeatureType {
	types := make([]FeatureType, 0, len(r))
	for t := range r {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// PointFeatures pairs a query point with its resolved features.
type PointFeatures struct {
	Point    QueryPoint    `json:"point"`
	Features FeatureResult `json:"features"`
	Error    string        `json:"error,omitempty"`
}
