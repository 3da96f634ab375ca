package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeOverrideRequired = "OVERRIDE_REQUIRED"
	ErrCodeIntegrityFault   = "INTEGRITY_FAULT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// EvaluateRequest is the request body for POST /v1/feasibility and
// POST /v1/sessions/{id}/context. Preset IDs, when given, are resolved
// against the registries before validation; inline blocks win over presets.
type EvaluateRequest struct {
	Context    RunContext `json:"context"`
	MaterialID string     `json:"material_id,omitempty"`
	ToolID     string     `json:"tool_id,omitempty"`
	MachineID  string     `json:"machine_id,omitempty"`
}

// CreateSessionRequest is the request body for POST /v1/sessions.
type CreateSessionRequest struct {
	Context    RunContext `json:"context"`
	MaterialID string     `json:"material_id,omitempty"`
	ToolID     string     `json:"tool_id,omitempty"`
	MachineID  string     `json:"machine_id,omitempty"`
}

// TransitionRequest is the request body for POST /v1/sessions/{id}/transition.
type TransitionRequest struct {
	TargetState string           `json:"target_state"`
	Reason      string           `json:"reason,omitempty"`
	Override    *OverrideRequest `json:"override,omitempty"`
}

// OverrideRequest carries a human override in a transition call.
type OverrideRequest struct {
	Reason           string `json:"reason"`
	RiskAcknowledged bool   `json:"risk_acknowledged"`
}

// ToolpathResponse is the response for POST /v1/sessions/{id}/toolpaths.
// Exactly one of ArtifactHash or Pending is meaningful.
type ToolpathResponse struct {
	ArtifactHash string       `json:"artifact_hash,omitempty"`
	Pending      bool         `json:"pending,omitempty"`
	State        SessionState `json:"state"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	OperatorID string `json:"operator_id"`
	APIKey     string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateOperatorRequest is the request body for POST /v1/operators.
type CreateOperatorRequest struct {
	OperatorID string       `json:"operator_id"`
	Name       string       `json:"name"`
	Role       OperatorRole `json:"role"`
	APIKey     string       `json:"api_key"`
}

// SessionFilter narrows GET /v1/sessions.
type SessionFilter struct {
	State  *SessionState `json:"state,omitempty"`
	Bucket *RiskBucket   `json:"bucket,omitempty"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Sweeper string `json:"sweeper,omitempty"`
	Uptime  int64  `json:"uptime_seconds"`
}

// SessionResponse trims a session for list endpoints.
type SessionResponse struct {
	ID        uuid.UUID    `json:"id"`
	State     SessionState `json:"state"`
	Bucket    *RiskBucket  `json:"risk_bucket,omitempty"`
	CreatedBy string       `json:"created_by"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
