package validate

import (
	"regexp"
	"strings"
)

// Regex over source text is the fast pre-filter layer. Anything that needs
// an actual number goes through the restricted evaluator afterwards, so an
// algebraically disguised value cannot slip past a purely textual check.

var (
	hullCallPattern      = regexp.MustCompile(`\bhull\s*\(`)
	primitiveCallPattern = regexp.MustCompile(`\b(?:sphere|cylinder|cube)\s*\(`)
	scaleCallPattern     = regexp.MustCompile(`\bscale\s*\(`)
	booleanCallPattern   = regexp.MustCompile(`\b(?:union|difference|intersection)\s*\(`)

	blockOpenerPattern = regexp.MustCompile(`\b(hull|difference|rotate)\s*\(([^)]*)\)\s*\{`)

	// A hull member: optional translate placement followed by a sphere.
	hullMemberPattern = regexp.MustCompile(`(?:translate\s*\(\s*(\[[^\]]*\])\s*\)\s*)?sphere\s*\(\s*(?:r\s*=\s*)?([^);]+)\)`)

	// Scale vector with whatever trails it, so a governed sphere is visible
	// to the ratio check.
	scaleVectorPattern = regexp.MustCompile(`\bscale\s*\(\s*(\[[^\]]*\])\s*\)\s*(sphere\s*\(\s*(?:r\s*=\s*)?([^);]+)\))?`)

	cylinderCallPattern = regexp.MustCompile(`\bcylinder\s*\(([^)]*)\)`)
	centeredFlagPattern = regexp.MustCompile(`\bcenter\s*=\s*true\b`)
	namedArgPattern     = regexp.MustCompile(`\b(h|r|d)\s*=\s*([^,)]+)`)

	rotateExtrudePattern  = regexp.MustCompile(`\brotate\s*\([^)]*\)\s*\{?\s*linear_extrude\s*\(([^)]*)\)`)
	extrudePolygonPattern = regexp.MustCompile(`\blinear_extrude\s*\(([^)]*)\)\s*\{?\s*polygon\b`)
	extrudeCallPattern    = regexp.MustCompile(`\blinear_extrude\s*\(([^)]*)\)`)
	heightArgPattern      = regexp.MustCompile(`\bheight\s*=\s*([^,)]+)`)
	polygonPointsPattern  = regexp.MustCompile(`\bpolygon\s*\(\s*(?:points\s*=\s*)?\[`)
)

// extrudeHeightExpr pulls the height expression out of a linear_extrude
// argument list: a named height argument wins, otherwise a first
// positional argument that is not itself named.
func extrudeHeightExpr(args string) (string, bool) {
	if m := heightArgPattern.FindStringSubmatch(args); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	first := args
	if idx := strings.IndexByte(args, ','); idx >= 0 {
		first = args[:idx]
	}
	first = strings.TrimSpace(first)
	if first == "" || strings.Contains(first, "=") {
		return "", false
	}
	return first, true
}

func countCalls(text string, pattern *regexp.Regexp) int {
	return len(pattern.FindAllStringIndex(text, -1))
}

// blockBody extracts the brace-delimited body starting at openBrace, which
// must index a '{' in text. Returns the body without the outer braces and
// false when braces never balance.
func blockBody(text string, openBrace int) (string, bool) {
	depth := 0
	for i := openBrace; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[openBrace+1 : i], true
			}
		}
	}
	return "", false
}

// namedBlocks returns the body of every `name(...) { ... }` block for the
// given operation name. Nested blocks of the same name are reported
// individually because the outer body contains them verbatim.
func namedBlocks(text, name string) []string {
	var bodies []string
	for _, loc := range blockOpenerPattern.FindAllStringSubmatchIndex(text, -1) {
		if text[loc[2]:loc[3]] != name {
			continue
		}
		openBrace := loc[1] - 1
		body, ok := blockBody(text, openBrace)
		if !ok {
			continue
		}
		bodies = append(bodies, body)
	}
	return bodies
}

// hullMember is one primitive found inside a hull block, still in source
// form. Placement defaults to the origin when no translate wraps it.
type hullMember struct {
	translate string
	radius    string
}

func hullMembers(body string) []hullMember {
	var members []hullMember
	for _, m := range hullMemberPattern.FindAllStringSubmatch(body, -1) {
		member := hullMember{
			translate: strings.TrimSpace(m[1]),
			radius:    strings.TrimSpace(m[2]),
		}
		if member.translate == "" {
			member.translate = "[0, 0, 0]"
		}
		members = append(members, member)
	}
	return members
}

// scaleUse is one scale call in source form, with the radius expression of
// a directly governed sphere when one follows the call.
type scaleUse struct {
	vector       string
	sphereRadius string
}

func scaleUses(text string) []scaleUse {
	var uses []scaleUse
	for _, m := range scaleVectorPattern.FindAllStringSubmatch(text, -1) {
		uses = append(uses, scaleUse{
			vector:       m[1],
			sphereRadius: strings.TrimSpace(m[3]),
		})
	}
	return uses
}

// centeredCylinders returns the raw argument lists of centered cylinder
// calls found in body.
func centeredCylinders(body string) []string {
	var args []string
	for _, m := range cylinderCallPattern.FindAllStringSubmatch(body, -1) {
		if centeredFlagPattern.MatchString(m[1]) {
			args = append(args, m[1])
		}
	}
	return args
}

// polygonPointCount counts the point literals of the polygon call starting
// at the given match location of polygonPointsPattern.
func polygonPointCount(text string, matchEnd int) int {
	// matchEnd indexes just past the opening '[' of the points vector.
	depth := 1
	points := 0
	for i := matchEnd; i < len(text) && depth > 0; i++ {
		switch text[i] {
		case '[':
			if depth == 1 {
				points++
			}
			depth++
		case ']':
			depth--
		}
	}
	return points
}
