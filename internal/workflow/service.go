// Package workflow owns the session lifecycle: the transition table, the
// bucket gating at approval, the toolpath request path, and the sweeper
// that fails stale generation requests. All session mutation funnels
// through here; storage only enforces the version precondition.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kerfworks/kerfgate/internal/artifact"
	"github.com/kerfworks/kerfgate/internal/engine"
	"github.com/kerfworks/kerfgate/internal/ledger"
	"github.com/kerfworks/kerfgate/internal/model"
	"github.com/kerfworks/kerfgate/internal/storage"
	"github.com/kerfworks/kerfgate/internal/toolpath"
)

// ErrOverrideRequired is returned when a YELLOW or RED report is taken
// toward APPROVED without an override in the same call.
var ErrOverrideRequired = errors.New("workflow: bucket requires an acknowledged override")

// ErrNoReport is returned when a gated transition runs before any
// feasibility report exists.
var ErrNoReport = errors.New("workflow: session has no feasibility report")

// Store is the session persistence surface. UpdateSession enforces the
// optimistic version precondition and returns storage.ErrVersionConflict
// on a stale write; on success it increments s.Version in place.
type Store interface {
	CreateSession(ctx context.Context, s *model.WorkflowSession) error
	GetSession(ctx context.Context, id uuid.UUID) (model.WorkflowSession, error)
	ListSessions(ctx context.Context, f model.SessionFilter) ([]model.WorkflowSession, int, error)
	UpdateSession(ctx context.Context, s *model.WorkflowSession) error
	ListStaleToolpathRequests(ctx context.Context, olderThan time.Time) ([]model.WorkflowSession, error)
}

// Params wires a Service.
type Params struct {
	Store           Store
	Engine          *engine.Engine
	EngineConfig    engine.Config
	Ledger          *ledger.Ledger
	Artifacts       *artifact.Store
	Generator       toolpath.Generator
	GenerateTimeout time.Duration
	Logger          *slog.Logger
}

// Service executes lifecycle operations against one session at a time.
// Safe for concurrent use; races on the same session resolve through the
// storage version precondition.
type Service struct {
	store           Store
	engine          *engine.Engine
	engineCfg       engine.Config
	ledger          *ledger.Ledger
	artifacts       *artifact.Store
	generator       toolpath.Generator
	generateTimeout time.Duration
	logger          *slog.Logger
}

// NewService validates the wiring and returns a service.
func NewService(p Params) (*Service, error) {
	if p.Store == nil || p.Engine == nil || p.Ledger == nil || p.Artifacts == nil || p.Generator == nil {
		return nil, fmt.Errorf("workflow: store, engine, ledger, artifacts, and generator are required")
	}
	if err := p.EngineConfig.Validate(); err != nil {
		return nil, err
	}
	if p.GenerateTimeout <= 0 {
		p.GenerateTimeout = 2 * time.Minute
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Service{
		store:           p.Store,
		engine:          p.Engine,
		engineCfg:       p.EngineConfig,
		ledger:          p.Ledger,
		artifacts:       p.Artifacts,
		generator:       p.Generator,
		generateTimeout: p.GenerateTimeout,
		logger:          p.Logger,
	}, nil
}

// Evaluate scores a context without touching any session.
func (s *Service) Evaluate(ctx context.Context, rc model.RunContext) (model.FeasibilityReport, error) {
	_ = ctx
	return s.engine.Evaluate(s.engineCfg, rc)
}

// CreateSession opens a session from a submitted design. The session
// lands in CONTEXT_READY with the DRAFT hop recorded in history.
func (s *Service) CreateSession(ctx context.Context, rc model.RunContext, createdBy string) (model.WorkflowSession, error) {
	rc.Normalize()
	if err := rc.Validate(); err != nil {
		return model.WorkflowSession{}, fmt.Errorf("workflow: invalid context: %w", err)
	}

	now := time.Now().UTC()
	session := model.WorkflowSession{
		ID:      uuid.New(),
		State:   model.StateContextReady,
		Version: 1,
		Context: rc,
		History: []model.TransitionRecord{{
			From:   model.StateDraft,
			To:     model.StateContextReady,
			Actor:  createdBy,
			Reason: "design submitted",
			At:     now,
		}},
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, &session); err != nil {
		return model.WorkflowSession{}, fmt.Errorf("workflow: create session: %w", err)
	}

	s.logger.Info("session created",
		"session_id", session.ID,
		"mode", rc.Mode,
		"created_by", createdBy)
	return session, nil
}

// GetSession fetches a session with its full history.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (model.WorkflowSession, error) {
	return s.store.GetSession(ctx, id)
}

// ListSessions lists sessions matching the filter.
func (s *Service) ListSessions(ctx context.Context, f model.SessionFilter) ([]model.WorkflowSession, int, error) {
	return s.store.ListSessions(ctx, f)
}

// ListOverrides returns a session's override ledger.
func (s *Service) ListOverrides(ctx context.Context, sessionID uuid.UUID) ([]model.Override, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.ledger.List(ctx, sessionID)
}

// SubmitContext replaces a session's design, opening a fresh report
// cycle: the previous report and override detach (history keeps them),
// so no earlier override can carry forward to the new report.
func (s *Service) SubmitContext(ctx context.Context, id uuid.UUID, rc model.RunContext, actor string) (model.WorkflowSession, error) {
	rc.Normalize()
	if err := rc.Validate(); err != nil {
		return model.WorkflowSession{}, fmt.Errorf("workflow: invalid context: %w", err)
	}

	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return model.WorkflowSession{}, err
	}
	if err := checkTransition(session.State, model.StateContextReady); err != nil {
		return model.WorkflowSession{}, err
	}

	session.Context = rc
	session.Report = nil
	session.Override = nil
	s.record(&session, model.StateContextReady, actor, "design resubmitted")

	if err := s.store.UpdateSession(ctx, &session); err != nil {
		return model.WorkflowSession{}, fmt.Errorf("workflow: resubmit context: %w", err)
	}
	return session, nil
}

// RequestFeasibility runs the calculator bundle for a session and stores
// the resulting report. Evaluation is synchronous and bounded, so the
// FEASIBILITY_REQUESTED hop and the READY hop land in one update.
func (s *Service) RequestFeasibility(ctx context.Context, id uuid.UUID, actor string) (model.WorkflowSession, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return model.WorkflowSession{}, err
	}
	if err := checkTransition(session.State, model.StateFeasibilityRequested); err != nil {
		return model.WorkflowSession{}, err
	}

	report, err := s.engine.Evaluate(s.engineCfg, session.Context)
	if err != nil {
		return model.WorkflowSession{}, err
	}
	report.SessionID = &session.ID

	s.record(&session, model.StateFeasibilityRequested, actor, "feasibility requested")
	session.Report = &report
	s.record(&session, model.StateFeasibilityReady, actor,
		fmt.Sprintf("scored %.1f (%s)", report.AggregateScore, report.Bucket))

	if err := s.store.UpdateSession(ctx, &session); err != nil {
		return model.WorkflowSession{}, fmt.Errorf("workflow: store report: %w", err)
	}

	s.logger.Info("feasibility computed",
		"session_id", session.ID,
		"report_id", report.ID,
		"aggregate", report.AggregateScore,
		"bucket", report.Bucket)
	return session, nil
}

// Transition moves a session to an explicit target state. The
// FEASIBILITY_READY -> APPROVED edge is gated by the report bucket:
// GREEN passes, YELLOW and RED both demand an override in the same call,
// recorded in the ledger against the report that produced the bucket.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, target model.SessionState, actor, reason string, ov *model.OverrideRequest) (model.WorkflowSession, error) {
	if !target.Valid() {
		return model.WorkflowSession{}, fmt.Errorf("workflow: unknown target state %q", target)
	}

	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return model.WorkflowSession{}, err
	}
	if err := checkTransition(session.State, target); err != nil {
		return model.WorkflowSession{}, err
	}

	if session.State == model.StateFeasibilityReady && target == model.StateApproved {
		if err := s.gateApproval(ctx, &session, actor, ov); err != nil {
			return model.WorkflowSession{}, err
		}
	}

	s.record(&session, target, actor, reason)
	if err := s.store.UpdateSession(ctx, &session); err != nil {
		return model.WorkflowSession{}, fmt.Errorf("workflow: transition to %s: %w", target, err)
	}

	s.logger.Info("session transitioned",
		"session_id", session.ID,
		"state", session.State,
		"actor", actor)
	return session, nil
}

// gateApproval enforces the bucket rule and records the override. The
// session object is only mutated once the ledger append succeeds, so an
// override failure leaves the session in its prior state.
func (s *Service) gateApproval(ctx context.Context, session *model.WorkflowSession, actor string, ov *model.OverrideRequest) error {
	if session.Report == nil {
		return ErrNoReport
	}
	if session.Report.Bucket == model.BucketGreen {
		return nil
	}

	if ov == nil {
		return fmt.Errorf("%w: bucket is %s", ErrOverrideRequired, session.Report.Bucket)
	}
	appended, err := s.ledger.Append(ctx, model.Override{
		SessionID:        session.ID,
		ReportID:         session.Report.ID,
		Reason:           ov.Reason,
		RiskAcknowledged: ov.RiskAcknowledged,
		Actor:            actor,
	})
	if err != nil {
		return err
	}
	session.Override = &appended
	return nil
}

// RequestToolpaths drives APPROVED through generation to TOOLPATHS_READY.
// Re-requesting a session already in TOOLPATHS_READY returns the stored
// artifact handle without invoking the generator again, so idempotence
// never depends on the generator being deterministic. A generation or
// persistence failure lands in TOOLPATHS_FAILED, never silently back in
// APPROVED.
func (s *Service) RequestToolpaths(ctx context.Context, id uuid.UUID, actor string) (model.ToolpathResponse, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return model.ToolpathResponse{}, err
	}

	if session.State == model.StateToolpathsReady {
		if session.Report == nil {
			return model.ToolpathResponse{}, ErrNoReport
		}
		a, err := s.artifacts.ForReport(ctx, session.ID, session.Report.ID)
		if err != nil {
			return model.ToolpathResponse{}, err
		}
		return model.ToolpathResponse{ArtifactHash: a.ContentHash, State: session.State}, nil
	}

	if err := checkTransition(session.State, model.StateToolpathsRequested); err != nil {
		return model.ToolpathResponse{}, err
	}
	if err := s.checkExportable(ctx, &session); err != nil {
		return model.ToolpathResponse{}, err
	}

	// Persist the REQUESTED hop first: a crash during generation leaves
	// the session where the sweeper can find and fail it.
	s.record(&session, model.StateToolpathsRequested, actor, "toolpath generation requested")
	if err := s.store.UpdateSession(ctx, &session); err != nil {
		return model.ToolpathResponse{}, fmt.Errorf("workflow: request toolpaths: %w", err)
	}

	a, err := s.produceArtifact(ctx, &session)
	if err != nil {
		s.record(&session, model.StateToolpathsFailed, actor, trimReason(err))
		if updateErr := s.store.UpdateSession(ctx, &session); updateErr != nil {
			s.logger.Error("failed to record toolpath failure",
				"session_id", session.ID, "error", updateErr)
		}
		return model.ToolpathResponse{State: model.StateToolpathsFailed},
			fmt.Errorf("workflow: toolpath generation: %w", err)
	}

	s.record(&session, model.StateToolpathsReady, actor, "artifact "+a.ContentHash)
	if err := s.store.UpdateSession(ctx, &session); err != nil {
		return model.ToolpathResponse{}, fmt.Errorf("workflow: record toolpaths ready: %w", err)
	}

	s.logger.Info("toolpaths ready",
		"session_id", session.ID,
		"artifact", a.ContentHash)
	return model.ToolpathResponse{ArtifactHash: a.ContentHash, State: session.State}, nil
}

// checkExportable re-verifies the gating invariant at the last gate
// before machine-executable output: GREEN, or an acknowledged override
// on the current report. State alone is not trusted.
func (s *Service) checkExportable(ctx context.Context, session *model.WorkflowSession) error {
	if session.Report == nil {
		return ErrNoReport
	}
	if session.Report.Bucket == model.BucketGreen {
		return nil
	}
	ov, err := s.ledger.Get(ctx, session.ID, session.Report.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: bucket is %s", ErrOverrideRequired, session.Report.Bucket)
	}
	if err != nil {
		return fmt.Errorf("workflow: read override ledger: %w", err)
	}
	if !ov.RiskAcknowledged {
		return fmt.Errorf("%w: override present but risk not acknowledged", ErrOverrideRequired)
	}
	return nil
}

// produceArtifact generates the manifest under the configured timeout
// and persists it content-addressed. Identical regenerations dedupe to
// the same handle.
func (s *Service) produceArtifact(ctx context.Context, session *model.WorkflowSession) (model.RunArtifact, error) {
	if session.Report == nil {
		return model.RunArtifact{}, ErrNoReport
	}

	genCtx, cancel := context.WithTimeout(ctx, s.generateTimeout)
	defer cancel()

	payload, err := s.generator.Generate(genCtx, session.Context, session.Report.ID)
	if err != nil {
		return model.RunArtifact{}, err
	}
	return s.artifacts.Put(ctx, session.ID, session.Report.ID, model.ArtifactToolpathManifest, payload)
}

// FailStaleToolpaths transitions sessions stuck in TOOLPATHS_REQUESTED
// longer than maxAge to TOOLPATHS_FAILED. Version conflicts are skipped;
// whoever won the race has already moved the session on.
func (s *Service) FailStaleToolpaths(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	stale, err := s.store.ListStaleToolpathRequests(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("workflow: list stale toolpath requests: %w", err)
	}

	failed := 0
	for _, session := range stale {
		s.record(&session, model.StateToolpathsFailed, "sweeper",
			fmt.Sprintf("generation exceeded %s", maxAge))
		if err := s.store.UpdateSession(ctx, &session); err != nil {
			s.logger.Warn("sweep skipped session",
				"session_id", session.ID, "error", err)
			continue
		}
		failed++
		s.logger.Info("stale toolpath request failed",
			"session_id", session.ID)
	}
	return failed, nil
}

// record appends a history entry and advances the in-memory state.
func (s *Service) record(session *model.WorkflowSession, to model.SessionState, actor, reason string) {
	now := time.Now().UTC()
	session.History = append(session.History, model.TransitionRecord{
		From:   session.State,
		To:     to,
		Actor:  actor,
		Reason: reason,
		At:     now,
	})
	session.State = to
	session.UpdatedAt = now
}

// trimReason bounds an error message for history storage.
func trimReason(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
