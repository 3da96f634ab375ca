package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kerfworks/kerfgate/internal/model"
)

// CreateSession inserts a new session row at its initial version.
func (db *DB) CreateSession(ctx context.Context, s *model.WorkflowSession) error {
	contextJSON, reportJSON, overrideJSON, historyJSON, err := encodeSession(s)
	if err != nil {
		return err
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO sessions (id, state, version, context, report, override, history, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, string(s.State), s.Version, contextJSON, reportJSON, overrideJSON,
		historyJSON, s.CreatedBy, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("storage: create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session with its full history.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (model.WorkflowSession, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, state, version, context, report, override, history, created_by, created_at, updated_at
		 FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkflowSession{}, ErrNotFound
		}
		return model.WorkflowSession{}, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}

// ListSessions returns sessions matching the filter, newest first, with
// the unpaginated total.
func (db *DB) ListSessions(ctx context.Context, f model.SessionFilter) ([]model.WorkflowSession, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := `WHERE ($1::text IS NULL OR state = $1)
	            AND ($2::text IS NULL OR report->>'risk_bucket' = $2)`
	var stateArg, bucketArg *string
	if f.State != nil {
		v := string(*f.State)
		stateArg = &v
	}
	if f.Bucket != nil {
		v := string(*f.Bucket)
		bucketArg = &v
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions `+where, stateArg, bucketArg,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count sessions: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, state, version, context, report, override, history, created_by, created_at, updated_at
		 FROM sessions `+where+`
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`,
		stateArg, bucketArg, limit, f.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// UpdateSession writes a session guarded by its version: the UPDATE only
// matches when the stored version equals the version the caller read.
// On success the in-memory version is incremented to match the row.
func (db *DB) UpdateSession(ctx context.Context, s *model.WorkflowSession) error {
	contextJSON, reportJSON, overrideJSON, historyJSON, err := encodeSession(s)
	if err != nil {
		return err
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE sessions
		 SET state = $2, version = version + 1, context = $3, report = $4,
		     override = $5, history = $6, updated_at = $7
		 WHERE id = $1 AND version = $8`,
		s.ID, string(s.State), contextJSON, reportJSON, overrideJSON,
		historyJSON, s.UpdatedAt, s.Version,
	)
	if err != nil {
		return fmt.Errorf("storage: update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a stale version.
		var exists bool
		if err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, s.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("storage: update session: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	s.Version++
	return nil
}

// ListStaleToolpathRequests returns sessions stuck in TOOLPATHS_REQUESTED
// since before olderThan.
func (db *DB) ListStaleToolpathRequests(ctx context.Context, olderThan time.Time) ([]model.WorkflowSession, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, state, version, context, report, override, history, created_by, created_at, updated_at
		 FROM sessions
		 WHERE state = $1 AND updated_at < $2
		 ORDER BY updated_at ASC`,
		string(model.StateToolpathsRequested), olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stale toolpath requests: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func encodeSession(s *model.WorkflowSession) (contextJSON, reportJSON, overrideJSON, historyJSON []byte, err error) {
	if contextJSON, err = json.Marshal(s.Context); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage: encode context: %w", err)
	}
	if s.Report != nil {
		if reportJSON, err = json.Marshal(s.Report); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("storage: encode report: %w", err)
		}
	}
	if s.Override != nil {
		if overrideJSON, err = json.Marshal(s.Override); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("storage: encode override: %w", err)
		}
	}
	if historyJSON, err = json.Marshal(s.History); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("storage: encode history: %w", err)
	}
	return contextJSON, reportJSON, overrideJSON, historyJSON, nil
}

func scanSession(row pgx.Row) (model.WorkflowSession, error) {
	var (
		s                                              model.WorkflowSession
		state                                          string
		contextJSON, reportJSON, overrideJSON, history []byte
	)
	if err := row.Scan(
		&s.ID, &state, &s.Version, &contextJSON, &reportJSON, &overrideJSON,
		&history, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return model.WorkflowSession{}, err
	}

	s.State = model.SessionState(state)
	if err := json.Unmarshal(contextJSON, &s.Context); err != nil {
		return model.WorkflowSession{}, fmt.Errorf("decode context: %w", err)
	}
	if len(reportJSON) > 0 {
		s.Report = &model.FeasibilityReport{}
		if err := json.Unmarshal(reportJSON, s.Report); err != nil {
			return model.WorkflowSession{}, fmt.Errorf("decode report: %w", err)
		}
	}
	if len(overrideJSON) > 0 {
		s.Override = &model.Override{}
		if err := json.Unmarshal(overrideJSON, s.Override); err != nil {
			return model.WorkflowSession{}, fmt.Errorf("decode override: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &s.History); err != nil {
			return model.WorkflowSession{}, fmt.Errorf("decode history: %w", err)
		}
	}
	return s, nil
}
