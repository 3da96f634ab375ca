package model

import (
	"time"

	"github.com/google/uuid"
)

// RiskBucket is the three-valued classification of an aggregate score.
type RiskBucket string

const (
	BucketGreen  RiskBucket = "GREEN"  // proceed
	BucketYellow RiskBucket = "YELLOW" // proceed with acknowledged warning
	BucketRed    RiskBucket = "RED"    // blocked pending override
)

// Worse reports whether b is a worse classification than other.
// Ordering: GREEN < YELLOW < RED.
func (b RiskBucket) Worse(other RiskBucket) bool {
	return b.rank() > other.rank()
}

func (b RiskBucket) rank() int {
	switch b {
	case BucketGreen:
		return 0
	case BucketYellow:
		return 1
	case BucketRed:
		return 2
	}
	return 3
}

// CalculatorResult is one calculator's contribution to a report.
// Produced fresh per evaluation; never mutated afterwards.
type CalculatorResult struct {
	Name     string         `json:"name"`
	Score    float64        `json:"score"`  // 0–100
	Weight   float64        `json:"weight"` // bundle weight at evaluation time
	Warning  string         `json:"warning,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FeasibilityReport is an immutable snapshot of one evaluation: the ordered
// per-calculator results, the weighted aggregate, the bucket, and the
// surfaced warnings. A re-evaluation produces a new report, never an edit.
type FeasibilityReport struct {
	ID             uuid.UUID          `json:"id"`
	SessionID      *uuid.UUID         `json:"session_id,omitempty"` // nil for stateless evaluations
	Mode           Mode               `json:"mode"`
	Results        []CalculatorResult `json:"results"`
	AggregateScore float64            `json:"aggregate_score"` // 0–100
	Bucket         RiskBucket         `json:"risk_bucket"`
	Warnings       []string           `json:"warnings,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}
