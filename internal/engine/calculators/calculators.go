// Package calculators implements the physics-derived scoring functions.
// Every calculator is a pure, total function from a run context to a
// bounded score: it never panics on validated input, performs no I/O, and
// is safe to run concurrently.
package calculators

import (
	"math"

	"github.com/kerfworks/kerfgate/internal/model"
)

// Result is a single calculator's output. Score is in [0, 100]; a higher
// score means a safer parameter combination on that dimension.
type Result struct {
	Score    float64
	Warning  string
	Metadata map[string]any
}

// Calculator scores one physical risk dimension of a run context.
type Calculator interface {
	Name() string
	Evaluate(rc model.RunContext) Result
}

// SawBundle returns the calculators for saw-style cuts, in report order.
func SawBundle() []Calculator {
	return []Calculator{
		BiteLoad{},
		RimSpeed{},
		HeatIndex{},
		Kickback{},
		Deflection{},
	}
}

// MillBundle returns the calculators for milling cuts, in report order.
func MillBundle() []Calculator {
	return []Calculator{
		Chipload{},
		Engagement{},
		Stepover{},
	}
}

// clamp01 bounds v to [0, 1].
func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// clampScore bounds v to the [0, 100] score range.
func clampScore(v float64) float64 {
	return math.Min(100, math.Max(0, v))
}

// rimSpeedMS returns the peripheral tool velocity in m/s.
func rimSpeedMS(diameterMM, rpm float64) float64 {
	return math.Pi * diameterMM * rpm / 60000
}

// feedPerTooth returns the material removed per cutting edge per
// revolution in mm. edges is tooth count for saws, flute count for mills.
func feedPerTooth(feedMMMin, rpm float64, edges int) float64 {
	if rpm <= 0 || edges <= 0 {
		return 0
	}
	return feedMMMin / (rpm * float64(edges))
}

// bandDeviation returns the relative distance of v outside [lo, hi],
// or 0 when v is inside the band.
func bandDeviation(v, lo, hi float64) float64 {
	switch {
	case lo > 0 && v < lo:
		return (lo - v) / lo
	case hi > 0 && v > hi:
		return (v - hi) / hi
	}
	return 0
}
