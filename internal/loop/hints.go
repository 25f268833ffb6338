package loop

import (
	"regexp"
	"strconv"
	"strings"
)

// SizeHints are the coarse dimensions pulled out of a user description,
// used to parameterize the fallback templates. Zero means no hint.
type SizeHints struct {
	Width  float64
	Depth  float64
	Height float64
	Radius float64
}

// Dimension mentions like "40mm tall", "width 25", "radius of 10".
var sizeHintPatterns = map[string]*regexp.Regexp{
	"width":  regexp.MustCompile(`(?i)(?:(\d+(?:\.\d+)?)\s*(?:mm\s*)?(?:wide|width)|width\s*(?:of\s*)?(\d+(?:\.\d+)?))`),
	"depth":  regexp.MustCompile(`(?i)(?:(\d+(?:\.\d+)?)\s*(?:mm\s*)?(?:deep|depth)|depth\s*(?:of\s*)?(\d+(?:\.\d+)?))`),
	"height": regexp.MustCompile(`(?i)(?:(\d+(?:\.\d+)?)\s*(?:mm\s*)?(?:tall|high|height)|height\s*(?:of\s*)?(\d+(?:\.\d+)?))`),
	"radius": regexp.MustCompile(`(?i)(?:(\d+(?:\.\d+)?)\s*(?:mm\s*)?radius|radius\s*(?:of\s*)?(\d+(?:\.\d+)?))`),
}

// ExtractSizeHints scans a free-text description for dimension mentions
func ExtractSizeHints(description string) SizeHints {
	hints := SizeHints{}
	for name, pattern := range sizeHintPatterns {
		m := pattern.FindStringSubmatch(description)
		if m == nil {
			continue
		}
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		switch name {
		case "width":
			hints.Width = value
		case "depth":
			hints.Depth = value
		case "height":
			hints.Height = value
		case "radius":
			hints.Radius = value
		}
	}
	return hints
}

// TemplateCategory is one entry of the fallback catalog.
type TemplateCategory string

const (
	TemplateBox       TemplateCategory = "box"
	TemplateCylinder  TemplateCategory = "cylinder"
	TemplateSphere    TemplateCategory = "sphere"
	TemplateContainer TemplateCategory = "container"
	TemplateOrganic   TemplateCategory = "organic"
)

// Keyword tables for coarse category matching, checked in order: container
// words are the most specific and win over the shape words they often
// appear next to.
var categoryKeywords = []struct {
	category TemplateCategory
	words    []string
}{
	{TemplateContainer, []string{"container", "cup", "vase", "bowl", "holder", "pot", "bin", "jar"}},
	{TemplateOrganic, []string{"organic", "blob", "smooth", "rounded", "pebble", "egg"}},
	{TemplateSphere, []string{"sphere", "ball", "orb", "globe", "marble"}},
	{TemplateCylinder, []string{"cylinder", "tube", "rod", "pipe", "disc", "peg", "column"}},
	{TemplateBox, []string{"box", "cube", "block", "plate", "slab", "brick", "tray"}},
}

// ClassifyDescription maps a user description to a template category.
// Unmatched descriptions fall back to the box, the least surprising shape.
func ClassifyDescription(description string) TemplateCategory {
	lower := strings.ToLower(description)
	for _, entry := range categoryKeywords {
		for _, word := range entry.words {
			if strings.Contains(lower, word) {
				return entry.category
			}
		}
	}
	return TemplateBox
}
