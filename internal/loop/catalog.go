package loop

import (
	"fmt"

	"scadloop/internal/script"
)

// Catalog is the deterministic fallback: a small fixed set of
// parameterized template generators, each producing a script that passes
// the safety validator by construction. When regeneration cannot produce a
// valid script within the attempt budget, a template terminates the job
// successfully.
type Catalog struct{}

// NewCatalog creates the template catalog
func NewCatalog() *Catalog {
	return &Catalog{}
}

// Select picks a template by coarse keyword match against the user's
// description and applies its size hints.
func (c *Catalog) Select(description string) script.Script {
	return c.Generate(ClassifyDescription(description), ExtractSizeHints(description))
}

// Generate renders the template for a category with the given hints. All
// dimensions are clamped into ranges the validator accepts, which is what
// makes the safety guarantee self-consistent.
func (c *Catalog) Generate(category TemplateCategory, hints SizeHints) script.Script {
	switch category {
	case TemplateCylinder:
		return cylinderTemplate(hints)
	case TemplateSphere:
		return sphereTemplate(hints)
	case TemplateContainer:
		return containerTemplate(hints)
	case TemplateOrganic:
		return organicTemplate(hints)
	default:
		return boxTemplate(hints)
	}
}

// Categories lists every catalog entry
func (c *Catalog) Categories() []TemplateCategory {
	return []TemplateCategory{
		TemplateBox,
		TemplateCylinder,
		TemplateSphere,
		TemplateContainer,
		TemplateOrganic,
	}
}

// clampDim bounds a hinted dimension, substituting fallback for a missing
// hint. Upper bounds sit inside the validator's parameter limits.
func clampDim(hint, fallback, min, max float64) float64 {
	v := hint
	if v == 0 {
		v = fallback
	}
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v
}

func boxTemplate(hints SizeHints) script.Script {
	width := clampDim(hints.Width, 40, 5, 200)
	depth := clampDim(hints.Depth, 30, 5, 200)
	height := clampDim(hints.Height, 20, 5, 200)
	return script.New(fmt.Sprintf(`width = %g;
depth = %g;
height = %g;

cube([width, depth, height]);
`, width, depth, height))
}

func cylinderTemplate(hints SizeHints) script.Script {
	radius := clampDim(hints.Radius, 15, 2, 80)
	height := clampDim(hints.Height, 40, 5, 200)
	return script.New(fmt.Sprintf(`radius = %g;
height = %g;

cylinder(h = height, r = radius);
`, radius, height))
}

func sphereTemplate(hints SizeHints) script.Script {
	radius := clampDim(hints.Radius, 20, 2, 80)
	return script.New(fmt.Sprintf(`radius = %g;

sphere(r = radius);
`, radius))
}

func containerTemplate(hints SizeHints) script.Script {
	radius := clampDim(hints.Radius, 30, 8, 80)
	height := clampDim(hints.Height, 60, 10, 200)
	// Wall stays well below the radius so the cavity is always real.
	wall := 2.0
	return script.New(fmt.Sprintf(`radius = %g;
height = %g;
wall = %g;

difference() {
    cylinder(h = height, r = radius);
    translate([0, 0, wall])
        cylinder(h = height, r = radius - wall);
}
`, radius, height, wall))
}

func organicTemplate(hints SizeHints) script.Script {
	base := clampDim(hints.Radius, 20, 5, 60)
	lobe := base * 0.7
	// Lobe spacing stays above the validator's risk factor times the
	// combined radii, so the hull can never trip the overlap check.
	offset := 1.6 * (base + lobe)
	return script.New(fmt.Sprintf(`base_radius = %g;
lobe_radius = %g;
lobe_offset = %g;

hull() {
    sphere(r = base_radius);
    translate([0, 0, lobe_offset])
        sphere(r = lobe_radius);
}
`, base, lobe, offset))
}
