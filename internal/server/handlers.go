package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kerfworks/kerfgate/internal/artifact"
	"github.com/kerfworks/kerfgate/internal/auth"
	"github.com/kerfworks/kerfgate/internal/ledger"
	"github.com/kerfworks/kerfgate/internal/model"
	"github.com/kerfworks/kerfgate/internal/presets"
	"github.com/kerfworks/kerfgate/internal/storage"
	"github.com/kerfworks/kerfgate/internal/workflow"
)

// Store is the persistence surface handlers need directly. Both the
// Postgres and the SQLite backends satisfy it; everything session-shaped
// goes through the workflow service instead.
type Store interface {
	Ping(ctx context.Context) error
	GetOperator(ctx context.Context, operatorID string) (model.Operator, error)
	CreateOperator(ctx context.Context, op model.Operator) (model.Operator, error)
	CountOperators(ctx context.Context) (int, error)
}

// IdempotencyStore is the optional replay surface for mutating endpoints.
// Only the Postgres backend provides it; nil disables the Idempotency-Key
// header.
type IdempotencyStore interface {
	BeginIdempotency(ctx context.Context, operatorID, endpoint, key, requestHash string) (storage.IdempotencyLookup, error)
	CompleteIdempotency(ctx context.Context, operatorID, endpoint, key string, statusCode int, responseData any) error
	ClearInProgressIdempotency(ctx context.Context, operatorID, endpoint, key string) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	idem                IdempotencyStore
	workflowSvc         *workflow.Service
	artifacts           *artifact.Store
	presets             *presets.Registry
	jwtMgr              *auth.JWTManager
	sweeper             *workflow.Sweeper
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	storeKind           string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Idem, Sweeper.
type HandlersDeps struct {
	Store               Store
	Idem                IdempotencyStore
	WorkflowSvc         *workflow.Service
	Artifacts           *artifact.Store
	Presets             *presets.Registry
	JWTMgr              *auth.JWTManager
	Sweeper             *workflow.Sweeper
	Logger              *slog.Logger
	Version             string
	StoreKind           string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		idem:                d.Idem,
		workflowSvc:         d.WorkflowSvc,
		artifacts:           d.Artifacts,
		presets:             d.Presets,
		jwtMgr:              d.JWTMgr,
		sweeper:             d.Sweeper,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		storeKind:           d.StoreKind,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.OperatorID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "operator_id and api_key are required")
		return
	}

	op, err := h.store.GetOperator(r.Context(), req.OperatorID)
	if err != nil {
		// Burn the same hash cost as a real verification so timing does
		// not reveal whether the operator_id exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, op.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(op)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleCreateOperator handles POST /v1/operators (admin-only).
func (h *Handlers) HandleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var req model.CreateOperatorRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateOperatorID(req.OperatorID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if model.RoleRank(req.Role) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unknown role %q", req.Role))
		return
	}
	if len(req.APIKey) < 16 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key must be at least 16 characters")
		return
	}

	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	op, err := h.store.CreateOperator(r.Context(), model.Operator{
		OperatorID: req.OperatorID,
		Name:       req.Name,
		Role:       req.Role,
		APIKeyHash: hash,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "operator_id already exists")
			return
		}
		h.writeInternalError(w, r, "failed to create operator", err)
		return
	}

	h.logger.Info("operator created",
		"operator_id", op.OperatorID,
		"role", op.Role,
		"request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusCreated, op)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:  status,
		Version: h.version,
		Store:   h.storeKind,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	if h.sweeper != nil {
		if last := h.sweeper.LastRun(); !last.IsZero() {
			resp.Sweeper = "last run " + last.UTC().Format(time.RFC3339)
		} else {
			resp.Sweeper = "pending first run"
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// SeedAdmin creates the initial admin operator if the table is empty.
func (h *Handlers) SeedAdmin(ctx context.Context, adminOperatorID, adminAPIKey string) error {
	count, err := h.store.CountOperators(ctx)
	if err != nil {
		return fmt.Errorf("seed admin: count operators: %w", err)
	}
	if count > 0 {
		h.logger.Info("operators table not empty, skipping admin seed")
		return nil
	}
	if adminAPIKey == "" {
		return fmt.Errorf("seed admin: KERFGATE_ADMIN_API_KEY is empty and no operators exist; set it to bootstrap initial admin access")
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	_, err = h.store.CreateOperator(ctx, model.Operator{
		OperatorID: adminOperatorID,
		Name:       "System Admin",
		Role:       model.RoleAdmin,
		APIKeyHash: hash,
	})
	if err != nil {
		return fmt.Errorf("seed admin: create operator: %w", err)
	}

	h.logger.Info("seeded initial admin operator", "operator_id", adminOperatorID)
	return nil
}

// writeInternalError logs the underlying error and responds with a
// generic 500 so internals never leak to clients.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
}

// writeServiceError maps workflow and storage errors onto API error codes.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid workflow.InvalidTransitionError
	var unknownPreset presets.ErrUnknownPreset
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.As(err, &invalid):
		writeError(w, r, http.StatusConflict, model.ErrCodeInvalidState, invalid.Error())
	case errors.Is(err, workflow.ErrOverrideRequired):
		writeError(w, r, http.StatusConflict, model.ErrCodeOverrideRequired, err.Error())
	case errors.Is(err, workflow.ErrNoReport):
		writeError(w, r, http.StatusConflict, model.ErrCodeInvalidState, err.Error())
	case errors.Is(err, ledger.ErrOverrideExists):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, storage.ErrVersionConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "session was modified concurrently, retry with fresh state")
	case errors.Is(err, artifact.ErrIntegrityFault):
		h.logger.Error("artifact integrity fault",
			"error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeIntegrityFault, "artifact integrity fault")
	case errors.As(err, &unknownPreset):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, unknownPreset.Error())
	default:
		h.writeInternalError(w, r, "request failed", err)
	}
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 500

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params, clamped to
// [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryOffset returns a non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	return offset
}
