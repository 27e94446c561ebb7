package domain

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// BBox is an axis-aligned bounding box in the catalog's coordinate system.
// All containment and intersection tests treat the box as closed.
type BBox struct {
	MinX float64 `json:"min_x" yaml:"min_x"`
	MinY float64 `json:"min_y" yaml:"min_y"`
	MaxX float64 `json:"max_x" yaml:"max_x"`
	MaxY float64 `json:"max_y" yaml:"max_y"`
}

// NewBBox creates a bounding box from its corner values.
func NewBBox(minX, minY, maxX, maxY float64) BBox {
	return BBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

// PointBBox returns the degenerate box covering exactly (x, y).
func PointBBox(x, y float64) BBox {
	return BBox{MinX: x, MinY: y, MaxX: x, MaxY: y}
}

// IsValid reports whether all values are finite and min <= max on both axes.
// Zero-width and zero-height boxes are valid.
func (b BBox) IsValid() bool {
	for _, v := range [...]float64{b.MinX, b.MinY, b.MaxX, b.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.MinX <= b.MaxX && b.MinY <= b.MaxY
}

// Validate returns a ValidationError when the box is not valid.
func (b BBox) Validate() error {
	if !b.IsValid() {
		return &ValidationError{
			Field:      "bounds",
			Value:      b.String(),
			Constraint: "finite, min <= max",
			Message:    "bounding box must be finite with min <= max on both axes",
		}
	}
	return nil
}

// Contains reports whether (x, y) lies inside or on the boundary of b.
func (b BBox) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Intersects reports whether b and o share at least one point.
func (b BBox) Intersects(o BBox) bool {
	return b.MinX <= o.MaxX && o.MinX <= b.MaxX &&
		b.MinY <= o.MaxY && o.MinY <= b.MaxY
}

// Union returns the smallest box covering both b and o.
func (b BBox) Union(o BBox) BBox {
	return BBox{
		MinX: math.Min(b.MinX, o.MinX),
		MinY: math.Min(b.MinY, o.MinY),
		MaxX: math.Max(b.MaxX, o.MaxX),
		MaxY: math.Max(b.MaxY, o.MaxY),
	}
}

// Width returns the extent along the x axis.
func (b BBox) Width() float64 {
	return b.MaxX - b.MinX
}

// Height returns the extent along the y axis.
func (b BBox) Height() float64 {
	return b.MaxY - b.MinY
}

// Bound converts b to an orb.Bound.
func (b BBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.MinX, b.MinY},
		Max: orb.Point{b.MaxX, b.MaxY},
	}
}

// FromBound converts an orb.Bound to a BBox.
func FromBound(bound orb.Bound) BBox {
	return BBox{
		MinX: bound.Min.X(),
		MinY: bound.Min.Y(),
		MaxX: bound.Max.X(),
		MaxY: bound.Max.Y(),
	}
}

// String returns the box as "minx,miny,maxx,maxy".
func (b BBox) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", b.MinX, b.MinY, b.MaxX, b.MaxY)
}
