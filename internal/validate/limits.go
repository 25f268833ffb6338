package validate

// Limits holds every threshold the safety checks consult. The defaults are
// tuned against one specific compiler build's observed fault modes, not
// geometric truths, so deployments can re-tune them without touching check
// logic.
type Limits struct {
	// Complexity counts.
	MaxHullCalls          int
	MaxPrimitiveCalls     int
	MaxScaleCallsWithHull int
	MaxBooleanCalls       int

	// Hull overlap. Distances are compared against these multiples of the
	// summed radii of each primitive pair.
	CrashOverlapFactor float64
	RiskOverlapFactor  float64

	// Difference cutters with the centered flag set.
	MaxCutterHeight   float64
	MaxCutterDiameter float64
	MaxCutterRadius   float64

	// Scale vectors.
	MaxScaleRatio          float64
	MinScaleComponent      float64
	LargeSphereRadius      float64
	MaxLargeSphereScale    float64
	MaxScaleExprOperators  int

	// Dimension parameter bounds.
	MaxRadiusParam   float64
	MaxDiameterParam float64
	MaxLengthParam   float64

	// Extrusions.
	MaxExtrudeHeight Limit
	MaxPolygonPoints int
}

// Limit is a float threshold that can be disabled by setting it negative.
type Limit float64

// Exceeded reports whether value crosses the limit. A negative limit never
// triggers.
func (l Limit) Exceeded(value float64) bool {
	return l >= 0 && value > float64(l)
}

// DefaultLimits returns the thresholds tuned against the embedded
// compiler's known crash patterns.
func DefaultLimits() Limits {
	return Limits{
		MaxHullCalls:          6,
		MaxPrimitiveCalls:     30,
		MaxScaleCallsWithHull: 10,
		MaxBooleanCalls:       10,

		CrashOverlapFactor: 1.0,
		RiskOverlapFactor:  1.5,

		MaxCutterHeight:   100,
		MaxCutterDiameter: 200,
		MaxCutterRadius:   100,

		MaxScaleRatio:         5,
		MinScaleComponent:     0.7,
		LargeSphereRadius:     50,
		MaxLargeSphereScale:   1.5,
		MaxScaleExprOperators: 2,

		MaxRadiusParam:   80,
		MaxDiameterParam: 160,
		MaxLengthParam:   200,

		MaxExtrudeHeight: 200,
		MaxPolygonPoints: 12,
	}
}
