// Package toolpath turns an approved run context into a machine-readable
// manifest. Generation is deterministic: the same context and report
// always serialize to identical bytes, so the artifact store can
// deduplicate by content hash.
package toolpath

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/kerfworks/kerfgate/internal/model"
)

// ManifestVersion is bumped whenever the manifest schema changes shape.
const ManifestVersion = 1

// Generator produces a manifest payload for an approved session.
type Generator interface {
	Generate(ctx context.Context, rc model.RunContext, reportID uuid.UUID) ([]byte, error)
}

// Manifest is the canonical toolpath output. Field order is fixed; the
// struct must not grow non-deterministic fields (timestamps, random ids).
type Manifest struct {
	Version      int        `json:"version"`
	ReportID     uuid.UUID  `json:"report_id"`
	Mode         model.Mode `json:"mode"`
	ToolID       string     `json:"tool_id"`
	MaterialID   string     `json:"material_id"`
	PassCount    int        `json:"pass_count"`
	Passes       []Pass     `json:"passes"`
	TotalPathMM  float64    `json:"total_path_mm"`
	EstimatedMin float64    `json:"estimated_min"`
}

// Pass is one depth increment of the pocket.
type Pass struct {
	Index         int     `json:"index"`
	TargetDepthMM float64 `json:"target_depth_mm"`
	RPM           float64 `json:"rpm"`
	FeedRateMMMin float64 `json:"feed_rate_mm_min"`
	PathMM        float64 `json:"path_mm"`
}

// Reference is the built-in generator: straight parallel passes, one
// depth increment at a time, no ramping or trochoidal strategies.
type Reference struct{}

// Generate builds the manifest. Pass depths step by the context's depth
// of cut; the final pass lands exactly on the pocket floor.
func (Reference) Generate(ctx context.Context, rc model.RunContext, reportID uuid.UUID) ([]byte, error) {
	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("toolpath: invalid context: %w", err)
	}
	if rc.Mode == model.ModeSaw && rc.Tool.KerfMM <= 0 {
		return nil, fmt.Errorf("toolpath: saw passes need a positive kerf")
	}

	g := rc.Geometry
	passCount := int(math.Ceil(g.PocketDepthMM / g.DepthOfCutMM))
	rpm, feed := cuttingParams(rc)

	passes := make([]Pass, passCount)
	for i := range passes {
		depth := math.Min(float64(i+1)*g.DepthOfCutMM, g.PocketDepthMM)
		passes[i] = Pass{
			Index:         i,
			TargetDepthMM: round3(depth),
			RPM:           rpm,
			FeedRateMMMin: feed,
			PathMM:        round3(passPathMM(rc)),
		}
	}

	var totalPath float64
	for _, p := range passes {
		totalPath += p.PathMM
	}

	m := Manifest{
		Version:      ManifestVersion,
		ReportID:     reportID,
		Mode:         rc.Mode,
		ToolID:       rc.Tool.ID,
		MaterialID:   rc.Material.ID,
		PassCount:    passCount,
		Passes:       passes,
		TotalPathMM:  round3(totalPath),
		EstimatedMin: round3(totalPath / feed),
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("toolpath: encode manifest: %w", err)
	}
	return payload, nil
}

// cuttingParams extracts rpm and feed from the active mode payload.
func cuttingParams(rc model.RunContext) (rpm, feed float64) {
	switch rc.Mode {
	case model.ModeSaw:
		return rc.Saw.RPM, rc.Saw.FeedRateMMMin
	case model.ModeMill:
		return rc.Mill.RPM, rc.Mill.FeedRateMMMin
	}
	return 0, 0
}

// passPathMM estimates the cutting distance of one pass. Saw passes run
// the pocket length once per kerf width; mill passes raster the pocket
// at the configured stepover.
func passPathMM(rc model.RunContext) float64 {
	g := rc.Geometry
	switch rc.Mode {
	case model.ModeSaw:
		lanes := math.Ceil(g.PocketWidthMM / rc.Tool.KerfMM)
		return lanes * g.PocketLengthMM
	case model.ModeMill:
		rows := math.Ceil(g.PocketWidthMM / rc.Mill.StepoverMM)
		return rows * g.PocketLengthMM
	}
	return 0
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
