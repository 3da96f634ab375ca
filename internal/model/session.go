package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionState is the closed enum of workflow states. Transition logic
// lives in the workflow package; adding a state here without updating the
// transition table there is caught by its exhaustiveness test.
type SessionState string

const (
	StateDraft                  SessionState = "DRAFT"
	StateContextReady           SessionState = "CONTEXT_READY"
	StateFeasibilityRequested   SessionState = "FEASIBILITY_REQUESTED"
	StateFeasibilityReady       SessionState = "FEASIBILITY_READY"
	StateApproved               SessionState = "APPROVED"
	StateRejected               SessionState = "REJECTED"
	StateDesignRevisionRequired SessionState = "DESIGN_REVISION_REQUIRED"
	StateToolpathsRequested     SessionState = "TOOLPATHS_REQUESTED"
	StateToolpathsReady         SessionState = "TOOLPATHS_READY"
	StateToolpathsFailed        SessionState = "TOOLPATHS_FAILED"
	StateArchived               SessionState = "ARCHIVED"
)

// AllSessionStates lists every state, in lifecycle order.
// The workflow transition-table test ranges over this.
var AllSessionStates = []SessionState{
	StateDraft,
	StateContextReady,
	StateFeasibilityRequested,
	StateFeasibilityReady,
	StateApproved,
	StateRejected,
	StateDesignRevisionRequired,
	StateToolpathsRequested,
	StateToolpathsReady,
	StateToolpathsFailed,
	StateArchived,
}

// Terminal reports whether no further transitions are accepted from s.
func (s SessionState) Terminal() bool {
	return s == StateRejected || s == StateArchived
}

// Valid reports whether s is a known state.
func (s SessionState) Valid() bool {
	for _, known := range AllSessionStates {
		if s == known {
			return true
		}
	}
	return false
}

// ParseSessionState converts a wire string into a SessionState.
func ParseSessionState(raw string) (SessionState, error) {
	s := SessionState(strings.ToUpper(raw))
	if !s.Valid() {
		return "", fmt.Errorf("unknown session state %q", raw)
	}
	return s, nil
}

// TransitionRecord is one entry in a session's append-only history.
type TransitionRecord struct {
	From   SessionState `json:"from"`
	To     SessionState `json:"to"`
	Actor  string       `json:"actor"`
	Reason string       `json:"reason,omitempty"`
	At     time.Time    `json:"at"`
}

// Override is an attributed, reasoned human decision to proceed despite a
// blocking bucket. Once attached to a decision point it is permanent.
type Override struct {
	ID               uuid.UUID `json:"id"`
	SessionID        uuid.UUID `json:"session_id"`
	ReportID         uuid.UUID `json:"report_id"` // the decision point
	Reason           string    `json:"reason"`
	RiskAcknowledged bool      `json:"risk_acknowledged"`
	Actor            string    `json:"actor"`
	CreatedAt        time.Time `json:"created_at"`
}

// Validate checks override preconditions shared by YELLOW and RED gating.
func (o Override) Validate() error {
	if strings.TrimSpace(o.Reason) == "" {
		return fmt.Errorf("override: reason must not be empty")
	}
	if !o.RiskAcknowledged {
		return fmt.Errorf("override: risk_acknowledged must be true")
	}
	if o.Actor == "" {
		return fmt.Errorf("override: actor must not be empty")
	}
	return nil
}

// WorkflowSession owns one design's lifecycle from draft to export.
// Version implements optimistic concurrency: every mutation carries the
// version it read, and the storage layer rejects stale writes.
type WorkflowSession struct {
	ID        uuid.UUID          `json:"id"`
	State     SessionState       `json:"state"`
	Version   int64              `json:"version"`
	Context   RunContext         `json:"context"`
	Report    *FeasibilityReport `json:"report,omitempty"`   // latest; nil until computed
	Override  *Override          `json:"override,omitempty"` // latest; nil if none
	History   []TransitionRecord `json:"history"`
	CreatedBy string             `json:"created_by"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}
