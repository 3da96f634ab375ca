package calculators

import (
	"math"
	"strings"
	"testing"

	"github.com/kerfworks/kerfgate/internal/model"
)

func sawContext() model.RunContext {
	return model.RunContext{
		Mode: model.ModeSaw,
		Geometry: model.Geometry{
			PocketWidthMM:    50,
			PocketLengthMM:   50,
			PocketDepthMM:    9,
			DepthOfCutMM:     3,
			StockThicknessMM: 18,
		},
		Tool: model.Tool{
			ID:         "saw-160-24",
			DiameterMM: 160,
			KerfMM:     2.2,
			ToothCount: 24,
		},
		Material: model.Material{
			ID:            "pine",
			Hardness:      model.HardnessSoftwood,
			ChiploadMinMM: 0.04,
			ChiploadMaxMM: 0.12,
			RimSpeedMinMS: 40,
			RimSpeedMaxMS: 80,
		},
		Machine: model.Machine{
			ID:             "tracksaw-1200",
			MinRPM:         2000,
			MaxRPM:         5500,
			MaxFeedMMMin:   8000,
			DustExtraction: 0.8,
		},
		Saw: &model.SawParams{
			RPM:             5000,
			FeedRateMMMin:   6000,
			BladeExposureMM: 5,
			FeedCorrection:  1.0,
		},
	}
}

func TestBiteLoadInBand(t *testing.T) {
	rc := sawContext()
	res := BiteLoad{}.Evaluate(rc)
	if res.Score != 100 {
		t.Fatalf("in-band bite score = %g, want 100", res.Score)
	}
	if res.Warning != "" {
		t.Fatalf("unexpected warning: %q", res.Warning)
	}
}

func TestBiteLoadBelowBand(t *testing.T) {
	rc := sawContext()
	rc.Saw.FeedRateMMMin = 2400 // 0.02 mm/tooth, half the band minimum

	res := BiteLoad{}.Evaluate(rc)
	if math.Abs(res.Score-50) > 0.01 {
		t.Fatalf("below-band bite score = %g, want 50", res.Score)
	}
	if !strings.Contains(res.Warning, "below optimal band") {
		t.Fatalf("warning = %q, want rubbing warning", res.Warning)
	}
}

func TestBiteLoadAboveBandDecaysToZero(t *testing.T) {
	rc := sawContext()
	rc.Saw.RPM = 2083
	rc.Saw.FeedRateMMMin = 8000 // 0.16 mm/tooth, a third past the band max

	res := BiteLoad{}.Evaluate(rc)
	if res.Score >= 70 || res.Score <= 0 {
		t.Fatalf("above-band bite score = %g, want decayed but nonzero", res.Score)
	}

	rc.Saw.RPM = 2000
	rc.Saw.FeedRateMMMin = 8000
	rc.Saw.FeedCorrection = 1.25
	harder := BiteLoad{}.Evaluate(rc)
	if harder.Score >= res.Score {
		t.Fatalf("heavier bite scored %g, not below %g", harder.Score, res.Score)
	}
}

func TestBiteLoadAppliesFeedCorrection(t *testing.T) {
	rc := sawContext()
	rc.Saw.FeedRateMMMin = 4800 // 0.04 mm/tooth, exactly at band minimum
	if got := (BiteLoad{}).Evaluate(rc).Score; got != 100 {
		t.Fatalf("uncorrected score = %g, want 100", got)
	}

	rc.Saw.FeedCorrection = 0.80 // measured slower feed drops below band
	res := BiteLoad{}.Evaluate(rc)
	if res.Score >= 100 {
		t.Fatalf("corrected score = %g, want below 100", res.Score)
	}
}

func TestRimSpeedInEnvelope(t *testing.T) {
	rc := sawContext() // 41.9 m/s against 40-80
	res := RimSpeed{}.Evaluate(rc)
	if res.Score != 100 {
		t.Fatalf("in-envelope rim score = %g, want 100", res.Score)
	}
}

func TestRimSpeedOverspeedDecaysFasterThanUnderspeed(t *testing.T) {
	under := sawContext()
	under.Saw.RPM = 3820 // ~32 m/s, 20% under the floor
	underRes := RimSpeed{}.Evaluate(under)

	over := sawContext()
	over.Tool.DiameterMM = 216
	over.Tool.KerfMM = 2.8
	over.Saw.RPM = 5500 // ~62 m/s against a tightened 40-52 envelope, 20% over
	over.Material.RimSpeedMaxMS = 52
	overRes := RimSpeed{}.Evaluate(over)

	if underRes.Score <= overRes.Score {
		t.Fatalf("underspeed %g should outscore overspeed %g", underRes.Score, overRes.Score)
	}
	if !strings.Contains(overRes.Warning, "exceeds safe envelope") {
		t.Fatalf("overspeed warning = %q", overRes.Warning)
	}
}

func TestHeatIndexCleanCut(t *testing.T) {
	res := HeatIndex{}.Evaluate(sawContext())
	if res.Score != 100 {
		t.Fatalf("in-band heat score = %g, want 100", res.Score)
	}
}

func TestHeatIndexDustExtractionDiscount(t *testing.T) {
	rc := sawContext()
	rc.Saw.FeedRateMMMin = 2400 // rubbing-range bite
	withDust := HeatIndex{}.Evaluate(rc)

	rc.Machine.DustExtraction = 0
	without := HeatIndex{}.Evaluate(rc)

	if withDust.Score <= without.Score {
		t.Fatalf("extraction should lift heat score: with=%g without=%g",
			withDust.Score, without.Score)
	}
}

func TestKickbackNoFactors(t *testing.T) {
	res := Kickback{}.Evaluate(sawContext())
	if res.Score != 100 || res.Warning != "" {
		t.Fatalf("clean cut kickback = (%g, %q), want (100, empty)", res.Score, res.Warning)
	}
}

func TestKickbackPenaltiesStack(t *testing.T) {
	rc := sawContext()
	rc.Saw.RipCut = true
	rc.Saw.BevelDeg = 45
	rc.Saw.BladeExposureMM = 40
	rc.Geometry.StockThicknessMM = 4

	res := Kickback{}.Evaluate(rc)
	want := 100.0 - penaltyRipCut - penaltyBevel - penaltyExposure - penaltyThinStock
	if res.Score != want {
		t.Fatalf("stacked kickback score = %g, want %g", res.Score, want)
	}
	for _, factor := range []string{"rip cut", "beveled", "exposure", "thin stock"} {
		if !strings.Contains(res.Warning, factor) {
			t.Fatalf("warning %q missing factor %q", res.Warning, factor)
		}
	}
}

func TestDeflectionUnknownKerfScoresConservatively(t *testing.T) {
	rc := sawContext()
	rc.Tool.KerfMM = 0
	res := Deflection{}.Evaluate(rc)
	if res.Score != 20 {
		t.Fatalf("unknown-kerf score = %g, want conservative 20", res.Score)
	}
	if res.Warning == "" {
		t.Fatal("unknown kerf must warn")
	}
}

func TestDeflectionDeepCutOnSlenderBlade(t *testing.T) {
	rc := sawContext()
	rc.Tool.DiameterMM = 250
	rc.Tool.KerfMM = 1.8 // slenderness ~139
	rc.Geometry.PocketDepthMM = 100
	rc.Geometry.DepthOfCutMM = 100 // 0.4 diameters deep

	res := Deflection{}.Evaluate(rc)
	if res.Score >= 60 {
		t.Fatalf("slender deep cut scored %g, want under 60", res.Score)
	}
	if res.Warning == "" {
		t.Fatal("deflection risk must warn")
	}
}
