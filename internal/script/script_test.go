package script

import (
	"testing"
)

func TestHash(t *testing.T) {
	a := New("cube([10, 10, 10]);")
	b := New("cube([10, 10, 10]);")
	c := New("cube([10, 10, 11]);")

	if a.Hash() != b.Hash() {
		t.Error("identical scripts must hash identically")
	}
	if a.Hash() == c.Hash() {
		t.Error("different scripts must hash differently")
	}
	if len(a.Hash()) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a.Hash()))
	}
}

func TestIsEmpty(t *testing.T) {
	if !New("").IsEmpty() {
		t.Error("empty script should be empty")
	}
	if !New("  \n\t ").IsEmpty() {
		t.Error("whitespace-only script should be empty")
	}
	if New("sphere(r=5);").IsEmpty() {
		t.Error("non-empty script reported empty")
	}
}

func TestLibraries(t *testing.T) {
	s := New(`use <threads.scad>
include <gears/spur.scad>
use <threads.scad>
sphere(r = 5);
// use <commented.scad> in a comment is ignored
`)

	libs := s.Libraries()
	if len(libs) != 2 {
		t.Fatalf("expected 2 unique libraries, got %d: %v", len(libs), libs)
	}
	if libs[0] != "threads.scad" || libs[1] != "gears/spur.scad" {
		t.Errorf("unexpected libraries: %v", libs)
	}
}

func TestExtractSymbols(t *testing.T) {
	s := New(`radius = 10;
height = 40;
wall = 2.5;
offset = -3;
radius = 12;
derived = radius * 2;
sphere(r = radius);
`)

	symbols := ExtractSymbols(s)

	tests := []struct {
		name     string
		expected float64
	}{
		{"radius", 12}, // last assignment wins
		{"height", 40},
		{"wall", 2.5},
		{"offset", -3},
	}
	for _, test := range tests {
		got, ok := symbols.Lookup(test.name)
		if !ok {
			t.Errorf("symbol %s not extracted", test.name)
			continue
		}
		if got != test.expected {
			t.Errorf("symbol %s = %v, expected %v", test.name, got, test.expected)
		}
	}

	// Non-literal assignments are not symbols
	if _, ok := symbols.Lookup("derived"); ok {
		t.Error("expression assignment must not produce a symbol")
	}
}

func TestSymbolTableMerge(t *testing.T) {
	base := SymbolTable{"radius": 10, "height": 40}
	merged := base.Merge(map[string]float64{"radius": 25, "extra": 1})

	if v, _ := merged.Lookup("radius"); v != 25 {
		t.Errorf("override should win: radius = %v", v)
	}
	if v, _ := merged.Lookup("height"); v != 40 {
		t.Errorf("untouched symbol changed: height = %v", v)
	}
	if v, _ := merged.Lookup("extra"); v != 1 {
		t.Errorf("new override missing: extra = %v", v)
	}
	// Merge must not mutate the receiver
	if v, _ := base.Lookup("radius"); v != 10 {
		t.Errorf("Merge mutated the base table: radius = %v", v)
	}
}
