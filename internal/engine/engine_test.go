package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerfworks/kerfgate/internal/engine/calculators"
	"github.com/kerfworks/kerfgate/internal/model"
)

// conservativeSawCut is a shallow pocket pass in softwood with everything
// inside its envelope: 50x50 pocket, 3 mm per pass, tracksaw feed well
// within the chipload band.
func conservativeSawCut() model.RunContext {
	return model.RunContext{
		Mode: model.ModeSaw,
		Geometry: model.Geometry{
			PocketWidthMM:    50,
			PocketLengthMM:   50,
			PocketDepthMM:    9,
			DepthOfCutMM:     3,
			StockThicknessMM: 18,
		},
		Tool: model.Tool{ID: "saw-160-24", DiameterMM: 160, KerfMM: 2.2, ToothCount: 24},
		Material: model.Material{
			ID: "pine", Hardness: model.HardnessSoftwood,
			ChiploadMinMM: 0.04, ChiploadMaxMM: 0.12,
			RimSpeedMinMS: 40, RimSpeedMaxMS: 80,
		},
		Machine: model.Machine{
			ID: "tracksaw-1200", MinRPM: 2000, MaxRPM: 5500,
			MaxFeedMMMin: 8000, DustExtraction: 0.8,
		},
		Saw: &model.SawParams{RPM: 5000, FeedRateMMMin: 6000, BladeExposureMM: 5},
	}
}

// undersizedMillCut buries a 3 mm single-flute cutter 15 mm deep in oak
// at double the band chipload: every mill calculator flags it.
func undersizedMillCut() model.RunContext {
	return model.RunContext{
		Mode: model.ModeMill,
		Geometry: model.Geometry{
			PocketWidthMM:    30,
			PocketLengthMM:   60,
			PocketDepthMM:    15,
			DepthOfCutMM:     15,
			StockThicknessMM: 20,
		},
		Tool: model.Tool{ID: "mill-3-1", DiameterMM: 3, KerfMM: 3, FluteCount: 1},
		Material: model.Material{
			ID: "oak", Hardness: model.HardnessHardwood,
			ChiploadMinMM: 0.03, ChiploadMaxMM: 0.10,
			RimSpeedMinMS: 40, RimSpeedMaxMS: 75,
		},
		Machine: model.Machine{
			ID: "cnc-hobby-6040", MinRPM: 8000, MaxRPM: 24000,
			MaxFeedMMMin: 3000, DustExtraction: 0.5,
		},
		Mill: &model.MillParams{RPM: 12000, FeedRateMMMin: 2400, StepoverMM: 2.4},
	}
}

// deepPocketMillCut is a sound feed and stepover but a full-depth 15 mm
// pass on a 6 mm cutter: risky, not hopeless.
func deepPocketMillCut() model.RunContext {
	rc := undersizedMillCut()
	rc.Tool = model.Tool{ID: "mill-6-2", DiameterMM: 6, KerfMM: 6, FluteCount: 2}
	rc.Material = model.Material{
		ID: "pine", Hardness: model.HardnessSoftwood,
		ChiploadMinMM: 0.04, ChiploadMaxMM: 0.12,
		RimSpeedMinMS: 40, RimSpeedMaxMS: 80,
	}
	rc.Mill = &model.MillParams{RPM: 18000, FeedRateMMMin: 2160, StepoverMM: 2.4}
	return rc
}

func TestEvaluateConservativeSawCutIsGreen(t *testing.T) {
	report, err := New(nil).Evaluate(DefaultConfig(), conservativeSawCut())
	require.NoError(t, err)

	assert.Equal(t, model.BucketGreen, report.Bucket)
	assert.InDelta(t, 100, report.AggregateScore, 0.01)
	assert.Empty(t, report.Warnings)
	assert.Len(t, report.Results, 5)
}

func TestEvaluateUndersizedMillCutIsRed(t *testing.T) {
	report, err := New(nil).Evaluate(DefaultConfig(), undersizedMillCut())
	require.NoError(t, err)

	assert.Equal(t, model.BucketRed, report.Bucket)
	assert.Less(t, report.AggregateScore, DefaultYellowThreshold+0.0)
	assert.NotEmpty(t, report.Warnings)
	assert.Len(t, report.Results, 3)
}

func TestEvaluateDeepPocketMillCutIsYellow(t *testing.T) {
	report, err := New(nil).Evaluate(DefaultConfig(), deepPocketMillCut())
	require.NoError(t, err)

	assert.Equal(t, model.BucketYellow, report.Bucket)
	assert.GreaterOrEqual(t, report.AggregateScore, DefaultYellowThreshold+0.0)
	assert.Less(t, report.AggregateScore, DefaultGreenThreshold+0.0)
}

// A context that is safer on every dimension must never score a worse
// bucket. Halving the per-pass depth of the yellow fixture is strictly
// safer and lands GREEN.
func TestEvaluateMonotonicity(t *testing.T) {
	risky := deepPocketMillCut()
	safer := deepPocketMillCut()
	safer.Geometry.DepthOfCutMM = 6

	riskyReport, err := New(nil).Evaluate(DefaultConfig(), risky)
	require.NoError(t, err)
	saferReport, err := New(nil).Evaluate(DefaultConfig(), safer)
	require.NoError(t, err)

	require.Len(t, saferReport.Results, len(riskyReport.Results))
	for i, res := range saferReport.Results {
		assert.GreaterOrEqual(t, res.Score, riskyReport.Results[i].Score,
			"calculator %s regressed on a safer context", res.Name)
	}
	assert.GreaterOrEqual(t, saferReport.AggregateScore, riskyReport.AggregateScore)
	assert.False(t, saferReport.Bucket.Worse(riskyReport.Bucket))
	assert.Equal(t, model.BucketGreen, saferReport.Bucket)
}

func TestEvaluateRejectsInvalidContext(t *testing.T) {
	rc := conservativeSawCut()
	rc.Geometry.PocketWidthMM = 0

	_, err := New(nil).Evaluate(DefaultConfig(), rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pocket_width_mm")
}

func TestEvaluateRejectsUnknownMode(t *testing.T) {
	rc := conservativeSawCut()
	rc.Mode = model.Mode("laser")

	_, err := New(nil).Evaluate(DefaultConfig(), rc)
	require.Error(t, err)
}

func TestEvaluateRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	delete(cfg.Weights[model.ModeSaw], "kickback")

	_, err := New(nil).Evaluate(cfg, conservativeSawCut())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kickback")
}

func TestEvaluateDoesNotMutateCallerContext(t *testing.T) {
	rc := conservativeSawCut()
	rc.Saw.FeedCorrection = 9.5

	_, err := New(nil).Evaluate(DefaultConfig(), rc)
	require.NoError(t, err)

	// The clamp to FeedCorrectionMax happens on the engine's copy only.
	assert.Equal(t, 9.5, rc.Saw.FeedCorrection)
}

// Results run concurrently but report in bundle order, so repeated
// evaluations of the same context are comparable index by index.
func TestEvaluateResultOrderIsStable(t *testing.T) {
	bundle, err := bundleFor(model.ModeSaw)
	require.NoError(t, err)

	e := New(nil)
	for run := 0; run < 20; run++ {
		report, err := e.Evaluate(DefaultConfig(), conservativeSawCut())
		require.NoError(t, err)
		require.Len(t, report.Results, len(bundle))
		for i, calc := range bundle {
			assert.Equal(t, calc.Name(), report.Results[i].Name)
		}
	}
}

type panicCalc struct{}

func (panicCalc) Name() string { return "panic" }
func (panicCalc) Evaluate(model.RunContext) calculators.Result {
	panic("boom")
}

func TestRunConvertsPanicToConservativeScore(t *testing.T) {
	res := New(nil).run(panicCalc{}, conservativeSawCut())
	assert.Equal(t, float64(conservativeScore), res.Score)
	assert.Contains(t, res.Warning, "scored conservatively")
}
