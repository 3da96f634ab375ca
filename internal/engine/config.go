package engine

import (
	"fmt"

	"github.com/kerfworks/kerfgate/internal/model"
)

// Default bucket thresholds. Aggregate >= GreenThreshold is GREEN,
// >= YellowThreshold is YELLOW, anything below is RED.
const (
	DefaultGreenThreshold  = 80
	DefaultYellowThreshold = 50
)

// Config carries the weights and thresholds for one evaluation. Callers
// construct it (usually via DefaultConfig) and pass it in explicitly;
// there is no process-global configuration.
type Config struct {
	GreenThreshold  float64
	YellowThreshold float64

	// Weights maps calculator name to bundle weight, per mode. Weights
	// need not sum to 1; aggregation normalizes by the weight total.
	Weights map[model.Mode]map[string]float64
}

// DefaultConfig returns the standard weighting.
func DefaultConfig() Config {
	return Config{
		GreenThreshold:  DefaultGreenThreshold,
		YellowThreshold: DefaultYellowThreshold,
		Weights: map[model.Mode]map[string]float64{
			model.ModeSaw: {
				"bite_load":  0.25,
				"heat_index": 0.20,
				"rim_speed":  0.20,
				"kickback":   0.20,
				"deflection": 0.15,
			},
			model.ModeMill: {
				"chipload":   0.40,
				"engagement": 0.35,
				"stepover":   0.25,
			},
		},
	}
}

// Validate checks thresholds and that every bundle calculator has a
// positive weight. A config that fails validation never evaluates.
func (c Config) Validate() error {
	if c.GreenThreshold <= c.YellowThreshold {
		return fmt.Errorf("engine: green threshold %g must exceed yellow threshold %g",
			c.GreenThreshold, c.YellowThreshold)
	}
	if c.YellowThreshold <= 0 || c.GreenThreshold > 100 {
		return fmt.Errorf("engine: thresholds [%g, %g] must lie in (0, 100]",
			c.YellowThreshold, c.GreenThreshold)
	}
	for mode, names := range bundleNames() {
		weights := c.Weights[mode]
		if weights == nil {
			return fmt.Errorf("engine: no weights configured for mode %q", mode)
		}
		for _, name := range names {
			if weights[name] <= 0 {
				return fmt.Errorf("engine: calculator %q (mode %q) needs a positive weight", name, mode)
			}
		}
	}
	return nil
}

// bucketFor maps an aggregate score to its risk bucket.
func (c Config) bucketFor(score float64) model.RiskBucket {
	switch {
	case score >= c.GreenThreshold:
		return model.BucketGreen
	case score >= c.YellowThreshold:
		return model.BucketYellow
	}
	return model.BucketRed
}
