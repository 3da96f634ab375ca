package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kerfworks/kerfgate/internal/model"
	"github.com/kerfworks/kerfgate/internal/storage"
)

// resolveContext applies preset lookups to an inline context and validates
// the result. Inline values win over presets.
func (h *Handlers) resolveContext(rc model.RunContext, materialID, toolID, machineID string) (model.RunContext, error) {
	if err := h.presets.Resolve(&rc, materialID, toolID, machineID); err != nil {
		return model.RunContext{}, err
	}
	rc.Normalize()
	if err := rc.Validate(); err != nil {
		return model.RunContext{}, err
	}
	return rc, nil
}

// HandleEvaluate handles POST /v1/feasibility: a stateless scoring pass
// that never touches a session.
func (h *Handlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req model.EvaluateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	rc, err := h.resolveContext(req.Context, req.MaterialID, req.ToolID, req.MachineID)
	if err != nil {
		h.writeValidationError(w, r, err)
		return
	}

	report, err := h.workflowSvc.Evaluate(r.Context(), rc)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleCreateSession handles POST /v1/sessions.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	rc, err := h.resolveContext(req.Context, req.MaterialID, req.ToolID, req.MachineID)
	if err != nil {
		h.writeValidationError(w, r, err)
		return
	}

	idem, proceed := h.beginIdempotent(w, r, claims.OperatorID, "POST:/v1/sessions", req)
	if !proceed {
		return
	}

	session, err := h.workflowSvc.CreateSession(r.Context(), rc, claims.OperatorID)
	if err != nil {
		h.clearIdempotent(r, claims.OperatorID, idem)
		h.writeServiceError(w, r, err)
		return
	}

	h.completeIdempotentBestEffort(r, claims.OperatorID, idem, http.StatusCreated, session)
	writeJSON(w, r, http.StatusCreated, session)
}

// HandleListSessions handles GET /v1/sessions with optional state and
// bucket filters.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := model.SessionFilter{
		Limit:  queryLimit(r, 50),
		Offset: queryOffset(r),
	}
	if raw := r.URL.Query().Get("state"); raw != "" {
		state, err := model.ParseSessionState(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		filter.State = &state
	}
	if raw := r.URL.Query().Get("bucket"); raw != "" {
		bucket := model.RiskBucket(strings.ToUpper(raw))
		switch bucket {
		case model.BucketGreen, model.BucketYellow, model.BucketRed:
			filter.Bucket = &bucket
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unknown bucket %q", raw))
			return
		}
	}

	sessions, total, err := h.workflowSvc.ListSessions(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := make([]model.SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		item := model.SessionResponse{
			ID:        s.ID,
			State:     s.State,
			CreatedBy: s.CreatedBy,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		}
		if s.Report != nil {
			b := s.Report.Bucket
			item.Bucket = &b
		}
		resp = append(resp, item)
	}
	writeList(w, r, resp, total, filter.Limit, filter.Offset, len(resp))
}

// HandleGetSession handles GET /v1/sessions/{session_id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	session, err := h.workflowSvc.GetSession(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, session)
}

// HandleSubmitContext handles PUT /v1/sessions/{session_id}/context:
// design resubmission, opening a fresh report cycle.
func (h *Handlers) HandleSubmitContext(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.EvaluateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	rc, err := h.resolveContext(req.Context, req.MaterialID, req.ToolID, req.MachineID)
	if err != nil {
		h.writeValidationError(w, r, err)
		return
	}

	session, err := h.workflowSvc.SubmitContext(r.Context(), id, rc, claims.OperatorID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, session)
}

// HandleRequestFeasibility handles POST /v1/sessions/{session_id}/feasibility.
func (h *Handlers) HandleRequestFeasibility(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	session, err := h.workflowSvc.RequestFeasibility(r.Context(), id, claims.OperatorID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, session)
}

// HandleTransition handles POST /v1/sessions/{session_id}/transition.
// Transitions carrying an override require supervisor or above.
func (h *Handlers) HandleTransition(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.TransitionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	target, err := model.ParseSessionState(req.TargetState)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if req.Override != nil && !model.RoleAtLeast(claims.Role, model.RoleSupervisor) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "overrides require supervisor role or above")
		return
	}

	session, err := h.workflowSvc.Transition(r.Context(), id, target, claims.OperatorID, req.Reason, req.Override)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, session)
}

// HandleRequestToolpaths handles POST /v1/sessions/{session_id}/toolpaths.
func (h *Handlers) HandleRequestToolpaths(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	endpoint := fmt.Sprintf("POST:/v1/sessions/%s/toolpaths", id)
	idem, proceed := h.beginIdempotent(w, r, claims.OperatorID, endpoint, id)
	if !proceed {
		return
	}

	resp, err := h.workflowSvc.RequestToolpaths(r.Context(), id, claims.OperatorID)
	if err != nil {
		h.clearIdempotent(r, claims.OperatorID, idem)
		h.writeServiceError(w, r, err)
		return
	}

	h.completeIdempotentBestEffort(r, claims.OperatorID, idem, http.StatusOK, resp)
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListOverrides handles GET /v1/sessions/{session_id}/overrides.
func (h *Handlers) HandleListOverrides(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	overrides, err := h.workflowSvc.ListOverrides(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, overrides)
}

// HandleGetArtifact handles GET /v1/artifacts/{content_hash}. The store
// re-verifies the hash on read, so a corrupted payload surfaces as an
// integrity fault rather than reaching a machine.
func (h *Handlers) HandleGetArtifact(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("content_hash")
	if hash == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "content_hash is required")
		return
	}

	a, err := h.artifacts.Get(r.Context(), hash)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// writeValidationError maps context resolution and validation failures.
func (h *Handlers) writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
}

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("session_id")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session_id: %s", raw)
	}
	return id, nil
}

// --- Idempotency-Key support ---

type idemHandle struct {
	key      string
	endpoint string
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotent checks, replays, or reserves an Idempotency-Key.
// Returns (nil, true) when no key is present or the store has no
// idempotency support; the caller proceeds normally.
func (h *Handlers) beginIdempotent(w http.ResponseWriter, r *http.Request, operatorID, endpoint string, payload any) (*idemHandle, bool) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" || h.idem == nil {
		return nil, true
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}

	lookup, err := h.idem.BeginIdempotency(r.Context(), operatorID, endpoint, key, hash)
	switch {
	case err == nil:
		if lookup.Completed {
			var replay any
			if len(lookup.ResponseData) > 0 {
				if uErr := json.Unmarshal(lookup.ResponseData, &replay); uErr != nil {
					h.writeInternalError(w, r, "failed to unmarshal idempotent replay payload", uErr)
					return nil, false
				}
			}
			status := lookup.StatusCode
			if status == 0 {
				status = http.StatusOK
			}
			writeJSON(w, r, status, replay)
			return nil, false
		}
		return &idemHandle{key: key, endpoint: endpoint}, true
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
		return nil, false
	default:
		h.writeInternalError(w, r, "idempotency lookup failed", err)
		return nil, false
	}
}

// completeIdempotentBestEffort finalizes a reserved key without failing
// the already-committed mutation response path.
func (h *Handlers) completeIdempotentBestEffort(r *http.Request, operatorID string, idem *idemHandle, statusCode int, data any) {
	if idem == nil {
		return
	}
	if err := h.idem.CompleteIdempotency(r.Context(), operatorID, idem.endpoint, idem.key, statusCode, data); err != nil {
		h.logger.Error("failed to finalize idempotency record",
			"error", err,
			"endpoint", idem.endpoint,
			"operator_id", operatorID,
			"request_id", RequestIDFromContext(r.Context()))
	}
}

// clearIdempotent removes an in-progress reservation after a failed
// mutation so the client can retry.
func (h *Handlers) clearIdempotent(r *http.Request, operatorID string, idem *idemHandle) {
	if idem == nil {
		return
	}
	if err := h.idem.ClearInProgressIdempotency(r.Context(), operatorID, idem.endpoint, idem.key); err != nil {
		h.logger.Error("failed to clear idempotency record",
			"error", err,
			"endpoint", idem.endpoint,
			"operator_id", operatorID)
	}
}
