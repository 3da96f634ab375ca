// Package ledger maintains the append-only override record. One override
// may exist per decision point, a (session, report) pair; entries are
// never updated or deleted, and re-evaluating a session opens a new
// decision point rather than carrying an old override forward.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kerfworks/kerfgate/internal/model"
	"github.com/kerfworks/kerfgate/internal/storage"
)

// ErrOverrideExists is returned when a decision point already has an
// override. The existing record stands; callers read it instead.
var ErrOverrideExists = errors.New("ledger: decision point already overridden")

// Repository is the persistence surface the ledger needs. InsertOverride
// returns storage.ErrDuplicate when the (session, report) pair is taken;
// GetOverride returns storage.ErrNotFound when no entry exists.
type Repository interface {
	InsertOverride(ctx context.Context, o model.Override) error
	GetOverride(ctx context.Context, sessionID, reportID uuid.UUID) (model.Override, error)
	ListOverrides(ctx context.Context, sessionID uuid.UUID) ([]model.Override, error)
}

// Ledger appends and reads override records.
type Ledger struct {
	repo   Repository
	logger *slog.Logger
}

// New creates a ledger. A nil logger falls back to slog.Default.
func New(repo Repository, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, logger: logger}
}

// Append records an override for a decision point. The override must
// carry a non-empty reason, an explicit risk acknowledgement, and an
// actor; a second append for the same decision point fails with
// ErrOverrideExists.
func (l *Ledger) Append(ctx context.Context, o model.Override) (model.Override, error) {
	if err := o.Validate(); err != nil {
		return model.Override{}, err
	}
	if o.SessionID == uuid.Nil || o.ReportID == uuid.Nil {
		return model.Override{}, fmt.Errorf("ledger: override must reference a session and a report")
	}

	o.ID = uuid.New()
	o.CreatedAt = time.Now().UTC()

	if err := l.repo.InsertOverride(ctx, o); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return model.Override{}, ErrOverrideExists
		}
		return model.Override{}, fmt.Errorf("ledger: append: %w", err)
	}

	l.logger.Info("override recorded",
		"session_id", o.SessionID,
		"report_id", o.ReportID,
		"actor", o.Actor)
	return o, nil
}

// Get returns the override for a decision point, or storage.ErrNotFound.
func (l *Ledger) Get(ctx context.Context, sessionID, reportID uuid.UUID) (model.Override, error) {
	o, err := l.repo.GetOverride(ctx, sessionID, reportID)
	if err != nil {
		return model.Override{}, fmt.Errorf("ledger: get: %w", err)
	}
	return o, nil
}

// List returns every override recorded for a session, oldest first.
func (l *Ledger) List(ctx context.Context, sessionID uuid.UUID) ([]model.Override, error) {
	out, err := l.repo.ListOverrides(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	return out, nil
}
