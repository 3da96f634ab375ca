package model

import (
	"fmt"
)

// Mode selects which calculator bundle applies to a run context.
// It is a closed enum: every switch over Mode must handle all values
// and reject anything else as invalid input.
type Mode string

const (
	ModeSaw  Mode = "saw"
	ModeMill Mode = "mill"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSaw, ModeMill:
		return true
	}
	return false
}

// Feed correction bounds for the session-only live feed override.
// The correction is ephemeral: it applies to a single evaluation and is
// never persisted into weights or presets.
const (
	FeedCorrectionMin = 0.80
	FeedCorrectionMax = 1.25
)

// RunContext is the immutable input to a feasibility evaluation:
// geometry, tool, material, and machine parameters plus the mode
// discriminator and its mode-specific payload. Exactly one of Saw or
// Mill is set, matching Mode.
type RunContext struct {
	Mode     Mode     `json:"mode"`
	Geometry Geometry `json:"geometry"`
	Tool     Tool     `json:"tool"`
	Material Material `json:"material"`
	Machine  Machine  `json:"machine"`

	Saw  *SawParams  `json:"saw,omitempty"`
	Mill *MillParams `json:"mill,omitempty"`
}

// Geometry describes the cut or pocket being produced. All dimensions in mm.
type Geometry struct {
	PocketWidthMM    float64 `json:"pocket_width_mm"`
	PocketLengthMM   float64 `json:"pocket_length_mm"`
	PocketDepthMM    float64 `json:"pocket_depth_mm"`
	DepthOfCutMM     float64 `json:"depth_of_cut_mm"` // per-pass depth
	StockThicknessMM float64 `json:"stock_thickness_mm"`
}

// Tool describes the cutting tool. ToothCount applies to saw blades,
// FluteCount to end mills; the inactive field is zero.
type Tool struct {
	ID         string  `json:"id"`
	DiameterMM float64 `json:"diameter_mm"`
	KerfMM     float64 `json:"kerf_mm"`
	ToothCount int     `json:"tooth_count,omitempty"`
	FluteCount int     `json:"flute_count,omitempty"`
}

// HardnessClass buckets materials into broad machinability classes.
type HardnessClass string

const (
	HardnessSoftwood HardnessClass = "softwood"
	HardnessHardwood HardnessClass = "hardwood"
	HardnessSheet    HardnessClass = "sheet" // plywood, MDF
)

// Material carries the material-specific safe envelopes the calculators
// score against: the optimal feed-per-tooth band and the rim speed envelope.
type Material struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Hardness      HardnessClass `json:"hardness"`
	ChiploadMinMM float64       `json:"chipload_min_mm"`
	ChiploadMaxMM float64       `json:"chipload_max_mm"`
	RimSpeedMinMS float64       `json:"rim_speed_min_ms"`
	RimSpeedMaxMS float64       `json:"rim_speed_max_ms"`
}

// Machine describes the machine's operating envelope.
// DustExtraction is an efficiency factor in [0, 1]; 0 means none.
type Machine struct {
	ID             string  `json:"id"`
	MinRPM         float64 `json:"min_rpm"`
	MaxRPM         float64 `json:"max_rpm"`
	MaxFeedMMMin   float64 `json:"max_feed_mm_min"`
	DustExtraction float64 `json:"dust_extraction"`
}

// SawParams is the saw-mode payload.
type SawParams struct {
	RPM             float64 `json:"rpm"`
	FeedRateMMMin   float64 `json:"feed_rate_mm_min"`
	BevelDeg        float64 `json:"bevel_deg"`
	BladeExposureMM float64 `json:"blade_exposure_mm"`
	RipCut          bool    `json:"rip_cut"`

	// FeedCorrection is a session-only live correction factor measured at
	// the machine. Clamped to [FeedCorrectionMin, FeedCorrectionMax] during
	// normalization; zero means unset (treated as 1.0).
	FeedCorrection float64 `json:"feed_correction,omitempty"`
}

// MillParams is the mill-mode payload.
type MillParams struct {
	RPM           float64 `json:"rpm"`
	FeedRateMMMin float64 `json:"feed_rate_mm_min"`
	StepoverMM    float64 `json:"stepover_mm"`
}

// Normalize clamps the ephemeral feed correction into its allowed band.
// Called once when a context is submitted; calculators then read the
// corrected value without further checks.
func (c *RunContext) Normalize() {
	if c.Saw == nil {
		return
	}
	switch fc := c.Saw.FeedCorrection; {
	case fc == 0:
		c.Saw.FeedCorrection = 1.0
	case fc < FeedCorrectionMin:
		c.Saw.FeedCorrection = FeedCorrectionMin
	case fc > FeedCorrectionMax:
		c.Saw.FeedCorrection = FeedCorrectionMax
	}
}

// Validate rejects malformed contexts before they reach the calculators.
// Validation fails closed: a context that cannot be fully validated is
// never evaluated, so it can never default to a passing score.
func (c RunContext) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("mode must be one of %q, %q (got %q)", ModeSaw, ModeMill, c.Mode)
	}

	g := c.Geometry
	if g.PocketWidthMM <= 0 {
		return fmt.Errorf("geometry: pocket_width_mm must be positive (got %g)", g.PocketWidthMM)
	}
	if g.PocketLengthMM <= 0 {
		return fmt.Errorf("geometry: pocket_length_mm must be positive (got %g)", g.PocketLengthMM)
	}
	if g.PocketDepthMM <= 0 {
		return fmt.Errorf("geometry: pocket_depth_mm must be positive (got %g)", g.PocketDepthMM)
	}
	if g.DepthOfCutMM <= 0 {
		return fmt.Errorf("geometry: depth_of_cut_mm must be positive (got %g)", g.DepthOfCutMM)
	}
	if g.DepthOfCutMM > g.PocketDepthMM {
		return fmt.Errorf("geometry: depth_of_cut_mm %g exceeds pocket_depth_mm %g", g.DepthOfCutMM, g.PocketDepthMM)
	}
	if g.StockThicknessMM < 0 {
		return fmt.Errorf("geometry: stock_thickness_mm must not be negative (got %g)", g.StockThicknessMM)
	}

	if c.Tool.DiameterMM <= 0 {
		return fmt.Errorf("tool: diameter_mm must be positive (got %g)", c.Tool.DiameterMM)
	}
	if c.Tool.KerfMM < 0 {
		return fmt.Errorf("tool: kerf_mm must not be negative (got %g)", c.Tool.KerfMM)
	}

	if c.Material.ChiploadMinMM < 0 || c.Material.ChiploadMaxMM < c.Material.ChiploadMinMM {
		return fmt.Errorf("material: chipload band [%g, %g] is invalid",
			c.Material.ChiploadMinMM, c.Material.ChiploadMaxMM)
	}
	if c.Material.RimSpeedMinMS < 0 || c.Material.RimSpeedMaxMS < c.Material.RimSpeedMinMS {
		return fmt.Errorf("material: rim speed envelope [%g, %g] is invalid",
			c.Material.RimSpeedMinMS, c.Material.RimSpeedMaxMS)
	}

	if c.Machine.MaxRPM <= 0 {
		return fmt.Errorf("machine: max_rpm must be positive (got %g)", c.Machine.MaxRPM)
	}
	if c.Machine.DustExtraction < 0 || c.Machine.DustExtraction > 1 {
		return fmt.Errorf("machine: dust_extraction must be in [0, 1] (got %g)", c.Machine.DustExtraction)
	}

	switch c.Mode {
	case ModeSaw:
		if c.Saw == nil {
			return fmt.Errorf("mode %q requires the saw parameter block", ModeSaw)
		}
		if c.Mill != nil {
			return fmt.Errorf("mode %q must not carry a mill parameter block", ModeSaw)
		}
		if c.Tool.ToothCount <= 0 {
			return fmt.Errorf("tool: tooth_count must be positive for saw mode (got %d)", c.Tool.ToothCount)
		}
		return c.Saw.validate(c.Machine)
	case ModeMill:
		if c.Mill == nil {
			return fmt.Errorf("mode %q requires the mill parameter block", ModeMill)
		}
		if c.Saw != nil {
			return fmt.Errorf("mode %q must not carry a saw parameter block", ModeMill)
		}
		if c.Tool.FluteCount <= 0 {
			return fmt.Errorf("tool: flute_count must be positive for mill mode (got %d)", c.Tool.FluteCount)
		}
		return c.Mill.validate(c.Machine)
	}
	return fmt.Errorf("unhandled mode %q", c.Mode)
}

func (p SawParams) validate(m Machine) error {
	if p.RPM <= 0 {
		return fmt.Errorf("saw: rpm must be positive (got %g)", p.RPM)
	}
	if m.MaxRPM > 0 && p.RPM > m.MaxRPM {
		return fmt.Errorf("saw: rpm %g exceeds machine max %g", p.RPM, m.MaxRPM)
	}
	if p.FeedRateMMMin <= 0 {
		return fmt.Errorf("saw: feed_rate_mm_min must be positive (got %g)", p.FeedRateMMMin)
	}
	if m.MaxFeedMMMin > 0 && p.FeedRateMMMin > m.MaxFeedMMMin {
		return fmt.Errorf("saw: feed rate %g exceeds machine max %g", p.FeedRateMMMin, m.MaxFeedMMMin)
	}
	if p.BevelDeg < 0 || p.BevelDeg > 60 {
		return fmt.Errorf("saw: bevel_deg must be in [0, 60] (got %g)", p.BevelDeg)
	}
	if p.BladeExposureMM < 0 {
		return fmt.Errorf("saw: blade_exposure_mm must not be negative (got %g)", p.BladeExposureMM)
	}
	return nil
}

func (p MillParams) validate(m Machine) error {
	if p.RPM <= 0 {
		return fmt.Errorf("mill: rpm must be positive (got %g)", p.RPM)
	}
	if m.MaxRPM > 0 && p.RPM > m.MaxRPM {
		return fmt.Errorf("mill: rpm %g exceeds machine max %g", p.RPM, m.MaxRPM)
	}
	if p.FeedRateMMMin <= 0 {
		return fmt.Errorf("mill: feed_rate_mm_min must be positive (got %g)", p.FeedRateMMMin)
	}
	if m.MaxFeedMMMin > 0 && p.FeedRateMMMin > m.MaxFeedMMMin {
		return fmt.Errorf("mill: feed rate %g exceeds machine max %g", p.FeedRateMMMin, m.MaxFeedMMMin)
	}
	if p.StepoverMM <= 0 {
		return fmt.Errorf("mill: stepover_mm must be positive (got %g)", p.StepoverMM)
	}
	return nil
}
