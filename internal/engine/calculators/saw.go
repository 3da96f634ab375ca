package calculators

import (
	"fmt"
	"math"
	"strings"

	"github.com/kerfworks/kerfgate/internal/model"
)

// BiteLoad scores the material bite per tooth against the material's
// optimal feed-per-tooth band. The ephemeral feed correction is applied
// before scoring so a measured over-feed shows up as a higher bite.
type BiteLoad struct{}

func (BiteLoad) Name() string { return "bite_load" }

func (BiteLoad) Evaluate(rc model.RunContext) Result {
	fpt := feedPerTooth(rc.Saw.FeedRateMMMin, rc.Saw.RPM, rc.Tool.ToothCount)
	fpt *= rc.Saw.FeedCorrection

	lo, hi := rc.Material.ChiploadMinMM, rc.Material.ChiploadMaxMM
	meta := map[string]any{
		"feed_per_tooth_mm": fpt,
		"band_min_mm":       lo,
		"band_max_mm":       hi,
	}

	switch {
	case fpt < lo:
		return Result{
			Score:    clampScore(100 * fpt / lo),
			Warning:  fmt.Sprintf("bite %.3f mm/tooth below optimal band %.3f-%.3f, expect rubbing and burn marks", fpt, lo, hi),
			Metadata: meta,
		}
	case fpt > hi:
		return Result{
			Score:    clampScore(100 * (1 - (fpt-hi)/hi)),
			Warning:  fmt.Sprintf("bite %.3f mm/tooth above optimal band %.3f-%.3f, tooth overload", fpt, lo, hi),
			Metadata: meta,
		}
	}
	return Result{Score: 100, Metadata: meta}
}

// RimSpeed scores the blade's peripheral velocity against the material's
// rim speed envelope. Overspeed decays faster than underspeed: running a
// blade past its rated rim speed is a burst hazard, not a finish problem.
type RimSpeed struct{}

func (RimSpeed) Name() string { return "rim_speed" }

func (RimSpeed) Evaluate(rc model.RunContext) Result {
	v := rimSpeedMS(rc.Tool.DiameterMM, rc.Saw.RPM)
	lo, hi := rc.Material.RimSpeedMinMS, rc.Material.RimSpeedMaxMS
	meta := map[string]any{
		"rim_speed_ms":    v,
		"envelope_min_ms": lo,
		"envelope_max_ms": hi,
	}

	switch {
	case lo > 0 && v < lo:
		return Result{
			Score:    clampScore(100 * v / lo),
			Warning:  fmt.Sprintf("rim speed %.1f m/s below efficient envelope %.0f-%.0f m/s", v, lo, hi),
			Metadata: meta,
		}
	case hi > 0 && v > hi:
		return Result{
			Score:    clampScore(100 * (1 - (v-hi)/(0.5*hi))),
			Warning:  fmt.Sprintf("rim speed %.1f m/s exceeds safe envelope %.0f-%.0f m/s", v, lo, hi),
			Metadata: meta,
		}
	}
	return Result{Score: 100, Metadata: meta}
}

// HeatIndex estimates burn risk from how far rim speed and bite sit
// outside their envelopes, discounted by dust extraction. A cut that is
// in-band on both dimensions generates no heat penalty regardless of
// extraction.
type HeatIndex struct{}

func (HeatIndex) Name() string { return "heat_index" }

func (HeatIndex) Evaluate(rc model.RunContext) Result {
	v := rimSpeedMS(rc.Tool.DiameterMM, rc.Saw.RPM)
	fpt := feedPerTooth(rc.Saw.FeedRateMMMin, rc.Saw.RPM, rc.Tool.ToothCount) * rc.Saw.FeedCorrection

	devRim := clamp01(bandDeviation(v, rc.Material.RimSpeedMinMS, rc.Material.RimSpeedMaxMS))
	devBite := clamp01(bandDeviation(fpt, rc.Material.ChiploadMinMM, rc.Material.ChiploadMaxMM))

	load := clamp01(devRim+devBite) * (1 - 0.35*rc.Machine.DustExtraction)
	r := Result{
		Score: clampScore(100 * (1 - load)),
		Metadata: map[string]any{
			"rim_deviation":   devRim,
			"bite_deviation":  devBite,
			"dust_extraction": rc.Machine.DustExtraction,
		},
	}
	if load > 0.4 {
		r.Warning = "elevated heat load, expect scorching or resin buildup"
	}
	return r
}

// Kickback scoring starts from a safe 100 and subtracts a fixed penalty
// per recognized risk factor. Factors are independent; penalties stack.
const (
	penaltyRipCut      = 15
	penaltyExposure    = 20
	penaltyExtremeFeed = 25
	penaltyBevel       = 15
	penaltyThinStock   = 15
)

// Kickback scores binding and ejection risk for saw cuts.
type Kickback struct{}

func (Kickback) Name() string { return "kickback" }

func (Kickback) Evaluate(rc model.RunContext) Result {
	fpt := feedPerTooth(rc.Saw.FeedRateMMMin, rc.Saw.RPM, rc.Tool.ToothCount) * rc.Saw.FeedCorrection

	var penalty float64
	var factors []string
	if rc.Saw.RipCut {
		penalty += penaltyRipCut
		factors = append(factors, "rip cut along grain")
	}
	if rc.Saw.BladeExposureMM > rc.Geometry.DepthOfCutMM+10 {
		penalty += penaltyExposure
		factors = append(factors, "blade exposure exceeds depth of cut by more than 10 mm")
	}
	if fpt > rc.Material.ChiploadMaxMM {
		penalty += penaltyExtremeFeed
		factors = append(factors, "feed per tooth above material band")
	}
	if rc.Saw.BevelDeg != 0 {
		penalty += penaltyBevel
		factors = append(factors, "beveled cut")
	}
	if t := rc.Geometry.StockThicknessMM; t > 0 && t < 6 {
		penalty += penaltyThinStock
		factors = append(factors, "thin stock under 6 mm")
	}

	r := Result{
		Score:    clampScore(100 - penalty),
		Metadata: map[string]any{"factors": factors},
	}
	if len(factors) > 0 {
		r.Warning = "kickback risk factors: " + strings.Join(factors, "; ")
	}
	return r
}

// Deflection scores blade flex from plate slenderness (diameter to kerf)
// and cut depth relative to blade diameter.
type Deflection struct{}

func (Deflection) Name() string { return "deflection" }

func (Deflection) Evaluate(rc model.RunContext) Result {
	if rc.Tool.KerfMM <= 0 {
		return Result{
			Score:   20,
			Warning: "kerf unknown, assuming worst-case plate stiffness",
		}
	}

	slenderness := rc.Tool.DiameterMM / rc.Tool.KerfMM
	depthRatio := rc.Geometry.DepthOfCutMM / rc.Tool.DiameterMM

	var defl float64
	if slenderness > 80 {
		defl += clamp01((slenderness - 80) / 80)
	}
	if depthRatio > 0.3 {
		defl += clamp01((depthRatio - 0.3) / 0.3)
	}

	r := Result{
		Score: clampScore(100 * (1 - math.Min(defl, 1))),
		Metadata: map[string]any{
			"slenderness": slenderness,
			"depth_ratio": depthRatio,
		},
	}
	if defl > 0.3 {
		r.Warning = "blade deflection risk, expect wander and tapered kerf walls"
	}
	return r
}
