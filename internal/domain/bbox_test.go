package domain

import (
	"math"
	"testing"
)

func TestBBoxIsValid(t *testing.T) {
	tests := []struct {
		name string
		box  BBox
		want bool
	}{
		{"regular", NewBBox(0, 0, 10, 10), true},
		{"zero width", NewBBox(5, 0, 5, 10), true},
		{"point", PointBBox(1, 1), true},
		{"inverted x", NewBBox(10, 0, 0, 10), false},
		{"inverted y", NewBBox(0, 10, 10, 0), false},
		{"nan", NewBBox(math.NaN(), 0, 1, 1), false},
		{"inf", NewBBox(0, 0, math.Inf(1), 1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.box.IsValid(); got != tt.want {
				t.Errorf("IsValid() = %v, want %v", got, tt.want)
			}
			if (tt.box.Validate() == nil) != tt.want {
				t.Errorf("Validate() disagrees with IsValid()")
			}
		})
	}
}

func TestBBoxContainsIsClosed(t *testing.T) {
	b := NewBBox(0, 0, 10, 10)

	tests := []struct {
		name string
		x, y float64
		want bool
	}{
		{"inside", 5, 5, true},
		{"min corner", 0, 0, true},
		{"max corner", 10, 10, true},
		{"right edge", 10, 3, true},
		{"just outside", 10.0000001, 3, false},
		{"below", 5, -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.Contains(tt.x, tt.y); got != tt.want {
				t.Errorf("Contains(%v, %v) = %v, want %v", tt.x, tt.y, got, tt.want)
			}
		})
	}
}

func TestBBoxIntersects(t *testing.T) {
	a := NewBBox(0, 0, 10, 10)

	tests := []struct {
		name string
		b    BBox
		want bool
	}{
		{"overlap", NewBBox(5, 5, 15, 15), true},
		{"touching edge", NewBBox(10, 0, 20, 10), true},
		{"touching corner", NewBBox(10, 10, 20, 20), true},
		{"contained", NewBBox(2, 2, 3, 3), true},
		{"point inside", PointBBox(7, 7), true},
		{"disjoint", NewBBox(11, 11, 20, 20), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Intersects(tt.b); got != tt.want {
				t.Errorf("Intersects() = %v, want %v", got, tt.want)
			}
			if got := tt.b.Intersects(a); got != tt.want {
				t.Errorf("Intersects() is not symmetric")
			}
		})
	}
}

func TestBBoxUnionAndBound(t *testing.T) {
	u := NewBBox(0, 0, 10, 10).Union(NewBBox(5, -5, 15, 8))
	want := NewBBox(0, -5, 15, 10)
	if u != want {
		t.Errorf("Union() = %+v, want %+v", u, want)
	}
	if u.Width() != 15 || u.Height() != 15 {
		t.Errorf("unexpected dimensions %v x %v", u.Width(), u.Height())
	}

	if back := FromBound(u.Bound()); back != u {
		t.Errorf("FromBound(Bound()) = %+v, want %+v", back, u)
	}
}
