// Package domain contains the core business entities and value objects.
package domain

import (
	"fmt"
	"math"
)

// QueryPoint is a location to resolve features for. Coordinates are in the
// catalog's CRS; no reprojection is performed.
type QueryPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NewQueryPoint creates a query point.
func NewQueryPoint(x, y float64) QueryPoint {
	return QueryPoint{X: x, Y: y}
}

// Validate checks that both coordinates are finite.
func (p QueryPoint) Validate() error {
	if math.IsNaN(p.X) || math.IsInf(p.X, 0) {
		return &ValidationError{
			Field:      "x",
			Value:      p.X,
			Constraint: "finite",
			Message:    "x must be a finite number",
		}
	}
	if math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
		return &ValidationError{
			Field:      "y",
			Value:      p.Y,
			Constraint: "finite",
			Message:    "y must be a finite number",
		}
	}
	return nil
}

// BBox returns the degenerate box used to query the spatial index.
func (p QueryPoint) BBox() BBox {
	return PointBBox(p.X, p.Y)
}

// String returns the point as "(x, y)".
func (p QueryPoint) String() string {
	return fmt.Sprintf("(%g, %g)", p.X, p.Y)
}
