package calculators

import (
	"fmt"
	"math"

	"github.com/kerfworks/kerfgate/internal/model"
)

// Chipload scores feed per flute against the material's chipload band.
// The same band drives saw bite scoring; only the edge count differs.
type Chipload struct{}

func (Chipload) Name() string { return "chipload" }

func (Chipload) Evaluate(rc model.RunContext) Result {
	fpt := feedPerTooth(rc.Mill.FeedRateMMMin, rc.Mill.RPM, rc.Tool.FluteCount)
	lo, hi := rc.Material.ChiploadMinMM, rc.Material.ChiploadMaxMM
	meta := map[string]any{
		"chipload_mm": fpt,
		"band_min_mm": lo,
		"band_max_mm": hi,
	}

	switch {
	case fpt < lo:
		return Result{
			Score:    clampScore(100 * fpt / lo),
			Warning:  fmt.Sprintf("chipload %.3f mm below band %.3f-%.3f, cutter will rub and overheat", fpt, lo, hi),
			Metadata: meta,
		}
	case fpt > hi:
		return Result{
			Score:    clampScore(100 * (1 - (fpt-hi)/hi)),
			Warning:  fmt.Sprintf("chipload %.3f mm above band %.3f-%.3f, cutter overload or breakage", fpt, lo, hi),
			Metadata: meta,
		}
	}
	return Result{Score: 100, Metadata: meta}
}

// Engagement scores how much of the cutter is buried in material: the
// radial engagement angle from the stepover, plus an axial term when the
// per-pass depth exceeds one cutter diameter.
type Engagement struct{}

func (Engagement) Name() string { return "engagement" }

func (Engagement) Evaluate(rc model.RunContext) Result {
	d := rc.Tool.DiameterMM
	radial := math.Min(rc.Mill.StepoverMM/d, 1)
	axial := rc.Geometry.DepthOfCutMM / d
	angleDeg := math.Acos(1-2*radial) * 180 / math.Pi

	score := 100.0
	if radial > 0.4 {
		score -= (radial - 0.4) / 0.6 * 60
	}
	if axial > 1 {
		score -= (axial - 1) * 40
	}

	r := Result{
		Score: clampScore(score),
		Metadata: map[string]any{
			"radial_ratio":         radial,
			"axial_ratio":          axial,
			"engagement_angle_deg": angleDeg,
		},
	}
	if r.Score < 60 {
		r.Warning = fmt.Sprintf("cutter engagement too aggressive (%.0f° radial, %.1fx diameter axial)", angleDeg, axial)
	}
	return r
}

// Stepover scores pass spacing. Passes wider than the cutter leave uncut
// ribs between them; anything up to 60% of diameter clears cleanly.
type Stepover struct{}

func (Stepover) Name() string { return "stepover" }

func (Stepover) Evaluate(rc model.RunContext) Result {
	ratio := rc.Mill.StepoverMM / rc.Tool.DiameterMM
	meta := map[string]any{"stepover_ratio": ratio}

	switch {
	case ratio >= 1:
		return Result{
			Score:    10,
			Warning:  fmt.Sprintf("stepover %.1f mm meets or exceeds cutter diameter, passes leave uncut ribs", rc.Mill.StepoverMM),
			Metadata: meta,
		}
	case ratio > 0.6:
		return Result{
			Score:    clampScore(100 - (ratio-0.6)/0.4*80),
			Warning:  fmt.Sprintf("stepover at %.0f%% of diameter leaves a heavy finish load", ratio*100),
			Metadata: meta,
		}
	}
	return Result{Score: 100, Metadata: meta}
}
