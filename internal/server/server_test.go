package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerfworks/kerfgate/internal/artifact"
	"github.com/kerfworks/kerfgate/internal/auth"
	"github.com/kerfworks/kerfgate/internal/engine"
	"github.com/kerfworks/kerfgate/internal/ledger"
	"github.com/kerfworks/kerfgate/internal/model"
	"github.com/kerfworks/kerfgate/internal/presets"
	"github.com/kerfworks/kerfgate/internal/server"
	"github.com/kerfworks/kerfgate/internal/storage/sqlite"
	"github.com/kerfworks/kerfgate/internal/toolpath"
	"github.com/kerfworks/kerfgate/internal/workflow"
)

// testEnv runs the full HTTP stack against the embedded SQLite backend,
// so handler tests exercise real storage without external services.
type testEnv struct {
	ts     *httptest.Server
	db     *sqlite.DB
	jwtMgr *auth.JWTManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "kerfgate.db"), logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	reg, err := presets.Default()
	require.NoError(t, err)

	arts := artifact.NewStore(db, logger)
	svc, err := workflow.NewService(workflow.Params{
		Store:        db,
		Engine:       engine.New(logger),
		EngineConfig: engine.DefaultConfig(),
		Ledger:       ledger.New(db, logger),
		Artifacts:    arts,
		Generator:    toolpath.Reference{},
		Logger:       logger,
	})
	require.NoError(t, err)

	srv := server.New(server.ServerConfig{
		Handlers: server.HandlersDeps{
			Store:               db,
			WorkflowSvc:         svc,
			Artifacts:           arts,
			Presets:             reg,
			JWTMgr:              jwtMgr,
			Logger:              logger,
			Version:             "test",
			StoreKind:           "sqlite",
			MaxRequestBodyBytes: 1 << 20,
		},
		JWTMgr: jwtMgr,
		Logger: logger,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, db: db, jwtMgr: jwtMgr}
}

// token issues a JWT for a synthetic operator with the given role.
func (e *testEnv) token(t *testing.T, operatorID string, role model.OperatorRole) string {
	t.Helper()
	tok, _, err := e.jwtMgr.IssueToken(model.Operator{
		ID:         uuid.New(),
		OperatorID: operatorID,
		Role:       role,
	})
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Data
}

func decodeError(t *testing.T, resp *http.Response) model.ErrorDetail {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Error model.ErrorDetail `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Error
}

func greenSawRequest() model.CreateSessionRequest {
	return model.CreateSessionRequest{
		Context: model.RunContext{
			Mode: model.ModeSaw,
			Geometry: model.Geometry{
				PocketWidthMM:    50,
				PocketLengthMM:   50,
				PocketDepthMM:    9,
				DepthOfCutMM:     3,
				StockThicknessMM: 18,
			},
			Saw: &model.SawParams{RPM: 5000, FeedRateMMMin: 6000, BladeExposureMM: 5},
		},
		MaterialID: "pine",
		ToolID:     "saw-160-24",
		MachineID:  "tracksaw-1200",
	}
}

func redMillRequest() model.CreateSessionRequest {
	return model.CreateSessionRequest{
		Context: model.RunContext{
			Mode: model.ModeMill,
			Geometry: model.Geometry{
				PocketWidthMM:    30,
				PocketLengthMM:   60,
				PocketDepthMM:    15,
				DepthOfCutMM:     15,
				StockThicknessMM: 20,
			},
			Mill: &model.MillParams{RPM: 12000, FeedRateMMMin: 2400, StepoverMM: 2.4},
		},
		MaterialID: "oak",
		ToolID:     "mill-3-1",
		MachineID:  "cnc-hobby-6040",
	}
}

func TestHealthRequiresNoAuth(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "sqlite", health.Store)
}

func TestMissingTokenRejected(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/v1/sessions", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeError(t, resp).Code)
}

func TestAuthTokenIssuesUsableToken(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	hash, err := auth.HashAPIKey("shop-floor-key-0001")
	require.NoError(t, err)
	_, err = e.db.CreateOperator(ctx, model.Operator{
		OperatorID: "operator.kim",
		Name:       "Kim",
		Role:       model.RoleOperator,
		APIKeyHash: hash,
	})
	require.NoError(t, err)

	resp := e.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
		OperatorID: "operator.kim",
		APIKey:     "shop-floor-key-0001",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokenResp := decodeData[model.AuthTokenResponse](t, resp)
	require.NotEmpty(t, tokenResp.Token)

	resp = e.do(t, http.MethodGet, "/v1/sessions", tokenResp.Token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestAuthTokenWrongKey(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	hash, err := auth.HashAPIKey("shop-floor-key-0001")
	require.NoError(t, err)
	_, err = e.db.CreateOperator(ctx, model.Operator{
		OperatorID: "operator.kim", Name: "Kim", Role: model.RoleOperator, APIKeyHash: hash,
	})
	require.NoError(t, err)

	for _, req := range []model.AuthTokenRequest{
		{OperatorID: "operator.kim", APIKey: "wrong-key"},
		{OperatorID: "nobody", APIKey: "shop-floor-key-0001"},
	} {
		resp := e.do(t, http.MethodPost, "/auth/token", "", req)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestGreenSessionLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "operator.kim", model.RoleOperator)

	resp := e.do(t, http.MethodPost, "/v1/sessions", tok, greenSawRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	session := decodeData[model.WorkflowSession](t, resp)
	require.Equal(t, model.StateContextReady, session.State)

	base := fmt.Sprintf("/v1/sessions/%s", session.ID)

	resp = e.do(t, http.MethodPost, base+"/feasibility", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session = decodeData[model.WorkflowSession](t, resp)
	require.Equal(t, model.StateFeasibilityReady, session.State)
	require.NotNil(t, session.Report)
	assert.Equal(t, model.BucketGreen, session.Report.Bucket)

	resp = e.do(t, http.MethodPost, base+"/transition", tok, model.TransitionRequest{
		TargetState: "APPROVED",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session = decodeData[model.WorkflowSession](t, resp)
	require.Equal(t, model.StateApproved, session.State)

	resp = e.do(t, http.MethodPost, base+"/toolpaths", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	toolpaths := decodeData[model.ToolpathResponse](t, resp)
	require.Equal(t, model.StateToolpathsReady, toolpaths.State)
	require.NotEmpty(t, toolpaths.ArtifactHash)

	resp = e.do(t, http.MethodGet, "/v1/artifacts/"+toolpaths.ArtifactHash, tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	art := decodeData[model.RunArtifact](t, resp)
	assert.Equal(t, toolpaths.ArtifactHash, art.ContentHash)
	assert.True(t, artifact.VerifyHash(art.ContentHash, art.Kind, art.Payload))

	var manifest toolpath.Manifest
	require.NoError(t, json.Unmarshal(art.Payload, &manifest))
	assert.Equal(t, toolpath.ManifestVersion, manifest.Version)
	assert.Equal(t, model.ModeSaw, manifest.Mode)
}

func TestRedSessionRequiresSupervisorOverride(t *testing.T) {
	e := newTestEnv(t)
	opTok := e.token(t, "operator.kim", model.RoleOperator)
	supTok := e.token(t, "supervisor.lee", model.RoleSupervisor)

	resp := e.do(t, http.MethodPost, "/v1/sessions", opTok, redMillRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	session := decodeData[model.WorkflowSession](t, resp)
	base := fmt.Sprintf("/v1/sessions/%s", session.ID)

	resp = e.do(t, http.MethodPost, base+"/feasibility", opTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session = decodeData[model.WorkflowSession](t, resp)
	require.NotNil(t, session.Report)
	require.Equal(t, model.BucketRed, session.Report.Bucket)

	// No override: blocked.
	resp = e.do(t, http.MethodPost, base+"/transition", opTok, model.TransitionRequest{
		TargetState: "APPROVED",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeOverrideRequired, decodeError(t, resp).Code)

	// Operator role cannot carry an override.
	resp = e.do(t, http.MethodPost, base+"/transition", opTok, model.TransitionRequest{
		TargetState: "APPROVED",
		Override:    &model.OverrideRequest{Reason: "tested on scrap", RiskAcknowledged: true},
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, model.ErrCodeForbidden, decodeError(t, resp).Code)

	// Supervisor with acknowledged override passes.
	resp = e.do(t, http.MethodPost, base+"/transition", supTok, model.TransitionRequest{
		TargetState: "APPROVED",
		Override:    &model.OverrideRequest{Reason: "tested on scrap", RiskAcknowledged: true},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session = decodeData[model.WorkflowSession](t, resp)
	assert.Equal(t, model.StateApproved, session.State)
	require.NotNil(t, session.Override)
	assert.Equal(t, "supervisor.lee", session.Override.Actor)

	resp = e.do(t, http.MethodGet, base+"/overrides", opTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	overrides := decodeData[[]model.Override](t, resp)
	assert.Len(t, overrides, 1)
}

func TestViewerCannotCreateSession(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "viewer.ng", model.RoleViewer)

	resp := e.do(t, http.MethodPost, "/v1/sessions", tok, greenSawRequest())
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, model.ErrCodeForbidden, decodeError(t, resp).Code)
}

func TestStatelessEvaluate(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "viewer.ng", model.RoleViewer)

	req := greenSawRequest()
	resp := e.do(t, http.MethodPost, "/v1/feasibility", tok, model.EvaluateRequest{
		Context:    req.Context,
		MaterialID: req.MaterialID,
		ToolID:     req.ToolID,
		MachineID:  req.MachineID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeData[model.FeasibilityReport](t, resp)
	assert.Equal(t, model.BucketGreen, report.Bucket)
	assert.Nil(t, report.SessionID)
}

func TestUnknownPresetRejected(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "operator.kim", model.RoleOperator)

	req := greenSawRequest()
	req.MaterialID = "unobtanium"
	resp := e.do(t, http.MethodPost, "/v1/sessions", tok, req)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	detail := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeInvalidInput, detail.Code)
	assert.Contains(t, detail.Message, "unobtanium")
}

func TestInvalidTransitionReported(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "operator.kim", model.RoleOperator)

	resp := e.do(t, http.MethodPost, "/v1/sessions", tok, greenSawRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	session := decodeData[model.WorkflowSession](t, resp)

	// CONTEXT_READY cannot jump straight to APPROVED.
	resp = e.do(t, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/transition", session.ID), tok,
		model.TransitionRequest{TargetState: "APPROVED"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	detail := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeInvalidState, detail.Code)
	assert.Contains(t, detail.Message, "CONTEXT_READY")
	assert.Contains(t, detail.Message, "APPROVED")
}

func TestCreateOperatorAdminOnly(t *testing.T) {
	e := newTestEnv(t)
	supTok := e.token(t, "supervisor.lee", model.RoleSupervisor)
	adminTok := e.token(t, "admin", model.RoleAdmin)

	body := model.CreateOperatorRequest{
		OperatorID: "operator.new",
		Name:       "New Operator",
		Role:       model.RoleOperator,
		APIKey:     "a-long-enough-api-key",
	}

	resp := e.do(t, http.MethodPost, "/v1/operators", supTok, body)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/v1/operators", adminTok, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeData[model.Operator](t, resp)
	assert.Equal(t, "operator.new", created.OperatorID)

	resp = e.do(t, http.MethodPost, "/v1/operators", adminTok, body)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, decodeError(t, resp).Code)
}

func TestListSessionsFilterByState(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "operator.kim", model.RoleOperator)

	resp := e.do(t, http.MethodPost, "/v1/sessions", tok, greenSawRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeData[model.WorkflowSession](t, resp)

	resp = e.do(t, http.MethodPost, "/v1/sessions", tok, greenSawRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decodeData[model.WorkflowSession](t, resp)

	resp = e.do(t, http.MethodPost, fmt.Sprintf("/v1/sessions/%s/feasibility", second.ID), tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/v1/sessions?state=CONTEXT_READY", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decodeData[[]model.SessionResponse](t, resp)
	require.Len(t, listed, 1)
	assert.Equal(t, first.ID, listed[0].ID)

	resp = e.do(t, http.MethodGet, "/v1/sessions?state=bogus", tok, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGetArtifactNotFound(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "viewer.ng", model.RoleViewer)

	resp := e.do(t, http.MethodGet, "/v1/artifacts/v1:deadbeef", tok, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, decodeError(t, resp).Code)
}

func TestGetSessionUnknownID(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "viewer.ng", model.RoleViewer)

	resp := e.do(t, http.MethodGet, "/v1/sessions/"+uuid.NewString(), tok, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/v1/sessions/not-a-uuid", tok, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestResubmitContextOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	opTok := e.token(t, "operator.kim", model.RoleOperator)
	supTok := e.token(t, "supervisor.lee", model.RoleSupervisor)

	resp := e.do(t, http.MethodPost, "/v1/sessions", opTok, redMillRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	session := decodeData[model.WorkflowSession](t, resp)
	base := fmt.Sprintf("/v1/sessions/%s", session.ID)

	resp = e.do(t, http.MethodPost, base+"/feasibility", opTok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, base+"/transition", supTok, model.TransitionRequest{
		TargetState: "DESIGN_REVISION_REQUIRED",
		Reason:      "cutter too small for depth",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Resubmit a safer design; report and override must reset.
	green := greenSawRequest()
	resp = e.do(t, http.MethodPut, base+"/context", opTok, model.EvaluateRequest{
		Context:    green.Context,
		MaterialID: green.MaterialID,
		ToolID:     green.ToolID,
		MachineID:  green.MachineID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session = decodeData[model.WorkflowSession](t, resp)
	assert.Equal(t, model.StateContextReady, session.State)
	assert.Nil(t, session.Report)
	assert.Nil(t, session.Override)
}
