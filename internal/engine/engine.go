// Package engine runs calculator bundles over validated run contexts and
// assembles feasibility reports. The engine itself holds no mutable state;
// weights and thresholds arrive with each evaluation.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kerfworks/kerfgate/internal/engine/calculators"
	"github.com/kerfworks/kerfgate/internal/model"
)

// conservativeScore is what a calculator contributes when it fails
// internally. Failures degrade toward RED, never toward a pass.
const conservativeScore = 20

// Engine evaluates run contexts. Safe for concurrent use.
type Engine struct {
	logger *slog.Logger
}

// New creates an engine. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// bundleFor returns the calculator bundle for a mode. The switch is
// exhaustive over model.Mode; an unknown mode is a caller bug surfaced
// as an error, not a default bundle.
func bundleFor(mode model.Mode) ([]calculators.Calculator, error) {
	switch mode {
	case model.ModeSaw:
		return calculators.SawBundle(), nil
	case model.ModeMill:
		return calculators.MillBundle(), nil
	}
	return nil, fmt.Errorf("engine: no calculator bundle for mode %q", mode)
}

// bundleNames lists calculator names per mode, for config validation.
func bundleNames() map[model.Mode][]string {
	out := make(map[model.Mode][]string, 2)
	for _, mode := range []model.Mode{model.ModeSaw, model.ModeMill} {
		bundle, err := bundleFor(mode)
		if err != nil {
			continue
		}
		names := make([]string, len(bundle))
		for i, c := range bundle {
			names[i] = c.Name()
		}
		out[mode] = names
	}
	return out
}

// Evaluate normalizes and validates the context, runs the mode's bundle,
// and returns the assembled report. The context is taken by value; the
// caller's copy is never mutated.
func (e *Engine) Evaluate(cfg Config, rc model.RunContext) (model.FeasibilityReport, error) {
	if err := cfg.Validate(); err != nil {
		return model.FeasibilityReport{}, err
	}
	if rc.Saw != nil {
		saw := *rc.Saw
		rc.Saw = &saw
	}
	if rc.Mill != nil {
		mill := *rc.Mill
		rc.Mill = &mill
	}
	rc.Normalize()
	if err := rc.Validate(); err != nil {
		return model.FeasibilityReport{}, fmt.Errorf("engine: invalid context: %w", err)
	}

	bundle, err := bundleFor(rc.Mode)
	if err != nil {
		return model.FeasibilityReport{}, err
	}
	weights := cfg.Weights[rc.Mode]

	// Calculators are independent reads over the same context copy, so
	// the bundle fans out. Each result lands at its bundle index; report
	// ordering stays fixed regardless of which goroutine finishes first.
	results := make([]model.CalculatorResult, len(bundle))
	var eg errgroup.Group
	for i, calc := range bundle {
		eg.Go(func() error {
			res := e.run(calc, rc)
			results[i] = model.CalculatorResult{
				Name:     calc.Name(),
				Score:    res.Score,
				Weight:   weights[calc.Name()],
				Warning:  res.Warning,
				Metadata: res.Metadata,
			}
			return nil
		})
	}
	// run never returns an error; panics are converted to conservative
	// scores inside the goroutine.
	_ = eg.Wait()

	var warnings []string
	var weighted, total float64
	for _, r := range results {
		if r.Warning != "" {
			warnings = append(warnings, r.Warning)
		}
		weighted += r.Score * r.Weight
		total += r.Weight
	}

	aggregate := weighted / total
	report := model.FeasibilityReport{
		ID:             uuid.New(),
		Mode:           rc.Mode,
		Results:        results,
		AggregateScore: aggregate,
		Bucket:         cfg.bucketFor(aggregate),
		Warnings:       warnings,
		CreatedAt:      time.Now().UTC(),
	}

	e.logger.Debug("evaluated run context",
		"mode", rc.Mode,
		"aggregate", report.AggregateScore,
		"bucket", report.Bucket,
		"warnings", len(warnings))
	return report, nil
}

// run executes one calculator, converting a panic into the conservative
// floor score. A misbehaving calculator must not fail the evaluation
// open or take the bundle down with it.
func (e *Engine) run(calc calculators.Calculator, rc model.RunContext) (res calculators.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("calculator panicked",
				"calculator", calc.Name(),
				"panic", fmt.Sprint(r))
			res = calculators.Result{
				Score:   conservativeScore,
				Warning: fmt.Sprintf("%s: internal failure, scored conservatively", calc.Name()),
			}
		}
	}()
	return calc.Evaluate(rc)
}
