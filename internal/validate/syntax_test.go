package validate

import "testing"

func TestExtrudeHeightExpr(t *testing.T) {
	tests := []struct {
		args     string
		expected string
		found    bool
	}{
		{"height = 20", "20", true},
		{"height = h * 2, center = true", "h * 2", true},
		{"center = true, height = 20", "20", true},
		{"20, center = true", "20", true},
		{"center = true", "", false},
		{"", "", false},
	}

	for _, test := range tests {
		got, found := extrudeHeightExpr(test.args)
		if found != test.found || got != test.expected {
			t.Errorf("extrudeHeightExpr(%q) = (%q, %v), expected (%q, %v)",
				test.args, got, found, test.expected, test.found)
		}
	}
}

func TestHullMembersDefaultPlacement(t *testing.T) {
	members := hullMembers("sphere(r = 5); translate([1, 2, 3]) sphere(6);")
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[0].translate != "[0, 0, 0]" {
		t.Errorf("bare sphere must default to the origin, got %q", members[0].translate)
	}
	if members[1].translate != "[1, 2, 3]" || members[1].radius != "6" {
		t.Errorf("unexpected member: %+v", members[1])
	}
}

func TestNamedBlocksNested(t *testing.T) {
	text := `difference() {
    cube([10, 10, 10]);
    difference() {
        sphere(r = 3);
    }
}`
	bodies := namedBlocks(text, "difference")
	if len(bodies) != 2 {
		t.Fatalf("nested blocks must be reported individually, got %d", len(bodies))
	}
}

func TestPolygonPointCountNested(t *testing.T) {
	text := "polygon(points = [[0, 0], [10, 0], [10, 10], [0, 10]]);"
	loc := polygonPointsPattern.FindAllStringIndex(text, -1)
	if len(loc) != 1 {
		t.Fatalf("expected one polygon match, got %d", len(loc))
	}
	if points := polygonPointCount(text, loc[0][1]); points != 4 {
		t.Errorf("expected 4 points, got %d", points)
	}
}
