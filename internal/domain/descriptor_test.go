package domain

import (
	"testing"
)

func TestRasterDescriptorValidate(t *testing.T) {
	valid := RasterDescriptor{
		ID:          0,
		Path:        "/data/dem/tile_a.asc",
		FeatureType: FeatureElevation,
		Bounds:      NewBBox(0, 0, 10, 10),
		CRS:         "EPSG:32633",
	}

	tests := []struct {
		name    string
		mutate  func(d *RasterDescriptor)
		wantErr bool
	}{
		{"valid", func(_ *RasterDescriptor) {}, false},
		{"empty crs allowed", func(d *RasterDescriptor) { d.CRS = "" }, false},
		{"negative id", func(d *RasterDescriptor) { d.ID = -1 }, true},
		{"empty path", func(d *RasterDescriptor) { d.Path = "" }, true},
		{"empty type", func(d *RasterDescriptor) { d.FeatureType = "" }, true},
		{"inverted bounds", func(d *RasterDescriptor) { d.Bounds = NewBBox(10, 0, 0, 10) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			if err := d.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if valid.Name() != "tile_a.asc" {
		t.Errorf("Name() = %q", valid.Name())
	}
}

func TestSourcePatternValidate(t *testing.T) {
	tests := []struct {
		name    string
		src     SourcePattern
		wantErr bool
	}{
		{"valid", SourcePattern{FeatureType: FeatureSlope, Directory: "/data/slope", Pattern: "*.asc"}, false},
		{"missing type", SourcePattern{Directory: "/data", Pattern: "*.asc"}, true},
		{"missing directory", SourcePattern{FeatureType: FeatureSlope, Pattern: "*.asc"}, true},
		{"empty pattern", SourcePattern{FeatureType: FeatureSlope, Directory: "/data"}, true},
		{"malformed pattern", SourcePattern{FeatureType: FeatureSlope, Directory: "/data", Pattern: "[a-"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.src.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := []IndexEntry{
		{ID: 0, Bounds: NewBBox(0, 0, 10, 10)},
		{ID: 1, Bounds: NewBBox(5, 5, 15, 15)},
	}
	reordered := []IndexEntry{a[1], a[0]}

	if Fingerprint(a) != Fingerprint(reordered) {
		t.Error("fingerprint should not depend on entry order")
	}

	changed := []IndexEntry{a[0], {ID: 1, Bounds: NewBBox(5, 5, 15, 16)}}
	if Fingerprint(a) == Fingerprint(changed) {
		t.Error("fingerprint should change when a bbox changes")
	}

	if Fingerprint(nil) == Fingerprint(a) {
		t.Error("empty fingerprint should differ from a populated one")
	}
}

func TestDescriptorEntries(t *testing.T) {
	descs := []RasterDescriptor{
		{ID: 0, Path: "a", FeatureType: FeatureElevation, Bounds: NewBBox(0, 0, 1, 1)},
		{ID: 1, Path: "b", FeatureType: FeatureSlope, Bounds: NewBBox(1, 1, 2, 2)},
	}
	entries := DescriptorEntries(descs)
	if len(entries) != 2 || entries[1].ID != 1 || entries[1].Bounds != descs[1].Bounds {
		t.Errorf("DescriptorEntries() = %+v", entries)
	}
}
