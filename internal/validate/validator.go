package validate

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"scadloop/internal/script"
)

// Validator runs the ordered safety checks over a generated script before
// it is allowed anywhere near the compiler sandbox. It is pure: no I/O, no
// side effects, deterministic for a given script and limits.
//
// Checks run cheapest and most certain first, and the first match wins, so
// a script already known to crash the compiler never wastes a sandbox
// invocation on the later, more expensive checks.
type Validator struct {
	limits Limits
}

// New creates a validator with the given limits
func New(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// NewDefault creates a validator with the tuned default limits
func NewDefault() *Validator {
	return New(DefaultLimits())
}

// Check validates a script using only its own top-level parameter
// assignments as the symbol table. Returns nil when the script is safe.
func (v *Validator) Check(s script.Script) *Violation {
	return v.CheckBound(s, nil)
}

// CheckBound validates a script with caller-bound parameters layered over
// the script's own defaults. Returns nil when the script is safe.
func (v *Validator) CheckBound(s script.Script, params map[string]float64) *Violation {
	text := s.Text()
	symbols := script.ExtractSymbols(s).Merge(params)

	checks := []func(string, script.SymbolTable) *Violation{
		v.checkComplexity,
		v.checkHullOverlap,
		v.checkDifferenceCutters,
		v.checkScaleRatio,
		v.checkScaleExpression,
		v.checkParameterBounds,
		v.checkExtrudePatterns,
	}
	for _, check := range checks {
		if violation := check(text, symbols); violation != nil {
			return violation
		}
	}
	return nil
}

// checkComplexity enforces raw operation-count limits via syntactic
// counting. The scale limit only applies when a hull is present: scale
// stacks are harmless on their own but multiply hull evaluation cost.
func (v *Validator) checkComplexity(text string, _ script.SymbolTable) *Violation {
	hulls := countCalls(text, hullCallPattern)
	if hulls > v.limits.MaxHullCalls {
		return &Violation{
			Category: CategoryComplexity,
			Message:  fmt.Sprintf("script uses %d hull operations, maximum is %d", hulls, v.limits.MaxHullCalls),
			SuggestedFixes: []string{
				"merge adjacent hull groups into a single hull",
				"replace decorative hulls with plain union",
			},
		}
	}
	if primitives := countCalls(text, primitiveCallPattern); primitives > v.limits.MaxPrimitiveCalls {
		return &Violation{
			Category: CategoryComplexity,
			Message:  fmt.Sprintf("script uses %d primitives, maximum is %d", primitives, v.limits.MaxPrimitiveCalls),
			SuggestedFixes: []string{
				"reduce the number of spheres, cylinders and cubes",
				"express repeated detail with fewer, larger primitives",
			},
		}
	}
	if hulls > 0 {
		if scales := countCalls(text, scaleCallPattern); scales > v.limits.MaxScaleCallsWithHull {
			return &Violation{
				Category: CategoryComplexity,
				Message:  fmt.Sprintf("script combines %d scale operations with hull, maximum is %d", scales, v.limits.MaxScaleCallsWithHull),
				SuggestedFixes: []string{
					"size primitives directly instead of scaling them inside hulls",
				},
			}
		}
	}
	if booleans := countCalls(text, booleanCallPattern); booleans > v.limits.MaxBooleanCalls {
		return &Violation{
			Category: CategoryComplexity,
			Message:  fmt.Sprintf("script uses %d boolean operations, maximum is %d", booleans, v.limits.MaxBooleanCalls),
			SuggestedFixes: []string{
				"flatten nested union/difference/intersection chains",
			},
		}
	}
	return nil
}

// checkHullOverlap flags primitives grouped under a hull whose centers sit
// closer than their summed radii allow. Placement and size expressions go
// through the restricted evaluator; a pair that cannot be resolved is
// skipped, never rejected, because the validator must not guess.
func (v *Validator) checkHullOverlap(text string, symbols script.SymbolTable) *Violation {
	for _, body := range namedBlocks(text, "hull") {
		members := hullMembers(body)

		type placed struct {
			center [3]float64
			radius float64
		}
		var resolved []placed
		for _, m := range members {
			center, err := script.EvalTriple(m.translate, symbols)
			if err != nil {
				continue
			}
			radius, err := script.Eval(m.radius, symbols)
			if err != nil {
				continue
			}
			resolved = append(resolved, placed{center: center, radius: radius})
		}

		for i := 0; i < len(resolved); i++ {
			for j := i + 1; j < len(resolved); j++ {
				a, b := resolved[i], resolved[j]
				dist := distance(a.center, b.center)
				combined := a.radius + b.radius
				if combined <= 0 {
					continue
				}
				if dist < v.limits.CrashOverlapFactor*combined {
					return &Violation{
						Category: CategoryHullOverlap,
						Message: fmt.Sprintf("hull primitives overlap: center distance %.2f is below the combined radius %.2f, which crashes the compiler",
							dist, combined),
						SuggestedFixes: []string{
							"move the primitives apart or shrink their radii",
							"replace the hull with a union if the shapes are meant to merge",
						},
					}
				}
				if dist < v.limits.RiskOverlapFactor*combined {
					return &Violation{
						Category: CategoryHullOverlap,
						Message: fmt.Sprintf("hull primitives are nearly coincident: center distance %.2f is below %.1fx the combined radius %.2f and risks a compiler fault",
							dist, v.limits.RiskOverlapFactor, combined),
						SuggestedFixes: []string{
							"increase the spacing between hulled primitives",
						},
					}
				}
			}
		}
	}
	return nil
}

// checkDifferenceCutters bounds centered cylinder cutters used inside a
// boolean subtraction. Oversized or non-positive cutters are a known
// non-manifold trigger.
func (v *Validator) checkDifferenceCutters(text string, symbols script.SymbolTable) *Violation {
	for _, body := range namedBlocks(text, "difference") {
		for _, args := range centeredCylinders(body) {
			for _, m := range namedArgPattern.FindAllStringSubmatch(args, -1) {
				name, expr := m[1], strings.TrimSpace(m[2])
				value, err := script.Eval(expr, symbols)
				if err != nil {
					continue
				}
				if value <= 0 {
					return &Violation{
						Category: CategoryParameterBounds,
						Message:  fmt.Sprintf("centered cutter cylinder has non-positive %s=%.2f", name, value),
						SuggestedFixes: []string{
							"give the cutter strictly positive dimensions",
						},
					}
				}
				var limit float64
				switch name {
				case "h":
					limit = v.limits.MaxCutterHeight
				case "d":
					limit = v.limits.MaxCutterDiameter
				case "r":
					limit = v.limits.MaxCutterRadius
				}
				if value > limit {
					return &Violation{
						Category: CategoryParameterBounds,
						Message:  fmt.Sprintf("centered cutter cylinder %s=%.2f exceeds the safe maximum of %.0f", name, value, limit),
						SuggestedFixes: []string{
							"shrink the cutter to slightly larger than the material it removes",
						},
					}
				}
			}
		}
	}
	return nil
}

// checkScaleRatio rejects degenerate scale vectors. A division token
// anywhere in the vector is the single most reliable crash predictor and
// is rejected before any evaluation is attempted.
func (v *Validator) checkScaleRatio(text string, symbols script.SymbolTable) *Violation {
	for _, use := range scaleUses(text) {
		if strings.Contains(use.vector, "/") {
			return &Violation{
				Category: CategoryScaleRatio,
				Message:  fmt.Sprintf("scale vector %s contains a division, which is rejected unconditionally", use.vector),
				SuggestedFixes: []string{
					"precompute the ratio as a top-level parameter and use the literal value",
				},
			}
		}

		components, err := script.EvalTriple(use.vector, symbols)
		if err != nil {
			continue
		}
		minC, maxC := components[0], components[0]
		for _, c := range components[1:] {
			minC = math.Min(minC, c)
			maxC = math.Max(maxC, c)
		}
		if minC > 0 && maxC/minC > v.limits.MaxScaleRatio {
			return &Violation{
				Category: CategoryScaleRatio,
				Message:  fmt.Sprintf("scale vector %s has a %.1f:1 component ratio, maximum is %.0f:1", use.vector, maxC/minC, v.limits.MaxScaleRatio),
				SuggestedFixes: []string{
					"use a more uniform scale and size the primitive directly",
				},
			}
		}
		if minC < v.limits.MinScaleComponent {
			return &Violation{
				Category: CategoryScaleRatio,
				Message:  fmt.Sprintf("scale vector %s has a component below the %.1f minimum", use.vector, v.limits.MinScaleComponent),
				SuggestedFixes: []string{
					"shrink the primitive instead of scaling it down",
				},
			}
		}
		if use.sphereRadius != "" {
			radius, err := script.Eval(use.sphereRadius, symbols)
			if err == nil && radius > v.limits.LargeSphereRadius && maxC > v.limits.MaxLargeSphereScale {
				return &Violation{
					Category: CategoryScaleRatio,
					Message:  fmt.Sprintf("sphere of radius %.1f scaled by %.2f exceeds the safe envelope for large primitives", radius, maxC),
					SuggestedFixes: []string{
						"bake the scale into the sphere radius",
					},
				}
			}
		}
	}
	return nil
}

// checkScaleExpression rejects scale vectors whose expressions are too
// complex to verify, a proxy for the arithmetic the compiler mishandles.
func (v *Validator) checkScaleExpression(text string, _ script.SymbolTable) *Violation {
	for _, use := range scaleUses(text) {
		parts, err := script.SplitVector(use.vector)
		if err != nil {
			continue
		}
		operators := 0
		for _, part := range parts {
			operators += script.CountOperators(part)
		}
		if operators > v.limits.MaxScaleExprOperators {
			return &Violation{
				Category: CategoryParameterExpression,
				Message:  fmt.Sprintf("scale vector %s contains %d arithmetic operators, maximum is %d", use.vector, operators, v.limits.MaxScaleExprOperators),
				SuggestedFixes: []string{
					"precompute the scale components as top-level parameters",
				},
			}
		}
	}
	return nil
}

// checkParameterBounds flags dimension-like parameters outside safe
// ranges. Names are classified by case-insensitive substring.
func (v *Validator) checkParameterBounds(_ string, symbols script.SymbolTable) *Violation {
	names := make([]string, 0, len(symbols))
	for name := range symbols {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := symbols[name]
		lower := strings.ToLower(name)

		radiusLike := strings.Contains(lower, "radius")
		diameterLike := strings.Contains(lower, "diameter")
		lengthLike := strings.Contains(lower, "height") ||
			strings.Contains(lower, "width") ||
			strings.Contains(lower, "length")
		if !radiusLike && !diameterLike && !lengthLike {
			continue
		}

		if value < 0 {
			return &Violation{
				Category: CategoryParameterBounds,
				Message:  fmt.Sprintf("dimension parameter %s is negative (%.2f)", name, value),
				SuggestedFixes: []string{
					"use a positive value and express direction through translate/rotate",
				},
			}
		}
		switch {
		case radiusLike && value > v.limits.MaxRadiusParam:
			return &Violation{
				Category: CategoryParameterBounds,
				Message:  fmt.Sprintf("radius parameter %s=%.1f exceeds the safe maximum of %.0f", name, value, v.limits.MaxRadiusParam),
				SuggestedFixes: []string{
					fmt.Sprintf("keep radii at or below %.0f", v.limits.MaxRadiusParam),
				},
			}
		case diameterLike && value > v.limits.MaxDiameterParam:
			return &Violation{
				Category: CategoryParameterBounds,
				Message:  fmt.Sprintf("diameter parameter %s=%.1f exceeds the safe maximum of %.0f", name, value, v.limits.MaxDiameterParam),
				SuggestedFixes: []string{
					fmt.Sprintf("keep diameters at or below %.0f", v.limits.MaxDiameterParam),
				},
			}
		case lengthLike && value > v.limits.MaxLengthParam:
			return &Violation{
				Category: CategoryParameterBounds,
				Message:  fmt.Sprintf("dimension parameter %s=%.1f exceeds the safe maximum of %.0f", name, value, v.limits.MaxLengthParam),
				SuggestedFixes: []string{
					fmt.Sprintf("keep heights, widths and lengths at or below %.0f", v.limits.MaxLengthParam),
				},
			}
		}
	}
	return nil
}

// checkExtrudePatterns detects extrusion/rotation combinations known to
// produce non-manifold geometry, plus oversized extrusions and polygons.
func (v *Validator) checkExtrudePatterns(text string, symbols script.SymbolTable) *Violation {
	for _, m := range rotateExtrudePattern.FindAllStringSubmatch(text, -1) {
		if centeredFlagPattern.MatchString(m[1]) {
			return &Violation{
				Category: CategoryExtrudePattern,
				Message:  "rotation wrapping a centered extrusion produces non-manifold geometry",
				SuggestedFixes: []string{
					"drop center=true from the extrusion and translate it into place after rotating",
				},
			}
		}
	}
	for _, m := range extrudePolygonPattern.FindAllStringSubmatch(text, -1) {
		if centeredFlagPattern.MatchString(m[1]) {
			return &Violation{
				Category: CategoryExtrudePattern,
				Message:  "centered extrusion directly wrapping a polygon produces non-manifold geometry",
				SuggestedFixes: []string{
					"extrude without center=true, then translate by half the height",
				},
			}
		}
	}
	for _, m := range extrudeCallPattern.FindAllStringSubmatch(text, -1) {
		expr, ok := extrudeHeightExpr(m[1])
		if !ok {
			continue
		}
		height, err := script.Eval(expr, symbols)
		if err != nil {
			continue
		}
		if v.limits.MaxExtrudeHeight.Exceeded(height) {
			return &Violation{
				Category: CategoryExtrudePattern,
				Message:  fmt.Sprintf("extrusion height %.1f exceeds the safe maximum of %.0f", height, float64(v.limits.MaxExtrudeHeight)),
				SuggestedFixes: []string{
					"stack shorter extrusions or reduce the height",
				},
			}
		}
	}
	for _, loc := range polygonPointsPattern.FindAllStringIndex(text, -1) {
		if points := polygonPointCount(text, loc[1]); points > v.limits.MaxPolygonPoints {
			return &Violation{
				Category: CategoryExtrudePattern,
				Message:  fmt.Sprintf("polygon with %d points exceeds the safe maximum of %d", points, v.limits.MaxPolygonPoints),
				SuggestedFixes: []string{
					"simplify the outline to at most 12 points",
				},
			}
		}
	}
	return nil
}

func distance(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
