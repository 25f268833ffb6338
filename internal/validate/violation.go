package validate

// Category identifies which safety check rejected a script. The categories
// mirror the compiler fault modes the validator exists to keep out of the
// sandbox.
type Category string

const (
	// CategoryComplexity covers raw operation-count limits.
	CategoryComplexity Category = "complexity"

	// CategoryHullOverlap covers overlapping or near-coincident primitives
	// grouped under a hull operation.
	CategoryHullOverlap Category = "hull_overlap"

	// CategoryScaleRatio covers degenerate non-uniform scale vectors,
	// including any division inside a scale vector.
	CategoryScaleRatio Category = "scale_ratio"

	// CategoryParameterExpression covers scale vectors whose expressions are
	// too complex to verify.
	CategoryParameterExpression Category = "parameter_expression"

	// CategoryParameterBounds covers dimension parameters and difference
	// cutters outside safe ranges.
	CategoryParameterBounds Category = "parameter_bounds"

	// CategoryExtrudePattern covers extrusion/rotation combinations known to
	// produce non-manifold geometry.
	CategoryExtrudePattern Category = "extrude_pattern"
)

// Violation is the single structured diagnostic a failed validation
// produces. The validator is fail-fast: a script carries at most one.
type Violation struct {
	Category       Category `json:"category"`
	Message        string   `json:"message"`
	SuggestedFixes []string `json:"suggested_fixes,omitempty"`
}

func (v *Violation) Error() string {
	return string(v.Category) + ": " + v.Message
}

// DiagnosticLines renders the violation as the line set handed to the
// regeneration collaborator.
func (v *Violation) DiagnosticLines() []string {
	lines := []string{v.Message}
	lines = append(lines, v.SuggestedFixes...)
	return lines
}
