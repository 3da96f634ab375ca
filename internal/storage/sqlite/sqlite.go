// Package sqlite is the embedded storage backend for single-machine
// deployments: same store contract as the Postgres layer, backed by a
// local file through the pure-Go sqlite driver. Selected with
// KERFGATE_STORE=sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/kerfworks/kerfgate/internal/model"
	"github.com/kerfworks/kerfgate/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    state       TEXT NOT NULL,
    version     INTEGER NOT NULL,
    context     TEXT NOT NULL,
    report      TEXT,
    override    TEXT,
    history     TEXT NOT NULL DEFAULT '[]',
    created_by  TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions (state);

CREATE TABLE IF NOT EXISTS overrides (
    id                 TEXT PRIMARY KEY,
    session_id         TEXT NOT NULL,
    report_id          TEXT NOT NULL,
    reason             TEXT NOT NULL,
    risk_acknowledged  INTEGER NOT NULL,
    actor              TEXT NOT NULL,
    created_at         TEXT NOT NULL,
    UNIQUE (session_id, report_id)
);

CREATE TABLE IF NOT EXISTS artifacts (
    content_hash  TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL,
    report_id     TEXT NOT NULL,
    kind          TEXT NOT NULL,
    payload       BLOB NOT NULL,
    created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS operators (
    id            TEXT PRIMARY KEY,
    operator_id   TEXT NOT NULL UNIQUE,
    name          TEXT NOT NULL,
    role          TEXT NOT NULL,
    api_key_hash  TEXT NOT NULL,
    created_at    TEXT NOT NULL
);
`

// DB wraps a database/sql handle over a local sqlite file.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" works for tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// Single writer; the workflow serializes per session anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: pragmas: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &DB{db: db, logger: logger}, nil
}

// Ping checks the handle.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the handle.
func (d *DB) Close() {
	if err := d.db.Close(); err != nil {
		d.logger.Warn("sqlite: close", "error", err)
	}
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// CreateSession inserts a new session row at its initial version.
func (d *DB) CreateSession(ctx context.Context, s *model.WorkflowSession) error {
	contextJSON, reportJSON, overrideJSON, historyJSON, err := encodeSession(s)
	if err != nil {
		return err
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO sessions (id, state, version, context, report, override, history, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), string(s.State), s.Version, contextJSON, reportJSON,
		overrideJSON, historyJSON, s.CreatedBy, encodeTime(s.CreatedAt), encodeTime(s.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("sqlite: create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session with its full history.
func (d *DB) GetSession(ctx context.Context, id uuid.UUID) (model.WorkflowSession, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, state, version, context, report, override, history, created_by, created_at, updated_at
		 FROM sessions WHERE id = ?`, id.String())
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.WorkflowSession{}, storage.ErrNotFound
		}
		return model.WorkflowSession{}, fmt.Errorf("sqlite: get session: %w", err)
	}
	return s, nil
}

// ListSessions returns sessions matching the filter, newest first.
// Bucket filtering happens in Go; the embedded backend keeps SQL simple.
func (d *DB) ListSessions(ctx context.Context, f model.SessionFilter) ([]model.WorkflowSession, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, state, version, context, report, override, history, created_by, created_at, updated_at
		 FROM sessions
		 WHERE (? = '' OR state = ?)
		 ORDER BY created_at DESC`,
		stateArg(f), stateArg(f),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	defer rows.Close()

	var all []model.WorkflowSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan session: %w", err)
		}
		if f.Bucket != nil && (s.Report == nil || s.Report.Bucket != *f.Bucket) {
			continue
		}
		all = append(all, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + limit
	if end > total {
		end = total
	}
	return all[f.Offset:end], total, nil
}

func stateArg(f model.SessionFilter) string {
	if f.State == nil {
		return ""
	}
	return string(*f.State)
}

// UpdateSession writes a session guarded by its version.
func (d *DB) UpdateSession(ctx context.Context, s *model.WorkflowSession) error {
	contextJSON, reportJSON, overrideJSON, historyJSON, err := encodeSession(s)
	if err != nil {
		return err
	}

	res, err := d.db.ExecContext(ctx,
		`UPDATE sessions
		 SET state = ?, version = version + 1, context = ?, report = ?,
		     override = ?, history = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(s.State), contextJSON, reportJSON, overrideJSON, historyJSON,
		encodeTime(s.UpdatedAt), s.ID.String(), s.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update session: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := d.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = ?)`, s.ID.String(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("sqlite: update session: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}
		return storage.ErrVersionConflict
	}
	s.Version++
	return nil
}

// ListStaleToolpathRequests returns sessions stuck in TOOLPATHS_REQUESTED
// since before olderThan.
func (d *DB) ListStaleToolpathRequests(ctx context.Context, olderThan time.Time) ([]model.WorkflowSession, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, state, version, context, report, override, history, created_by, created_at, updated_at
		 FROM sessions
		 WHERE state = ? AND updated_at < ?
		 ORDER BY updated_at ASC`,
		string(model.StateToolpathsRequested), encodeTime(olderThan),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stale toolpath requests: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertOverride appends an override row; second insert for the same
// decision point is storage.ErrDuplicate.
func (d *DB) InsertOverride(ctx context.Context, o model.Override) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO overrides (id, session_id, report_id, reason, risk_acknowledged, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID.String(), o.SessionID.String(), o.ReportID.String(),
		o.Reason, o.RiskAcknowledged, o.Actor, encodeTime(o.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("sqlite: insert override: %w", err)
	}
	return nil
}

// GetOverride retrieves the override for one decision point.
func (d *DB) GetOverride(ctx context.Context, sessionID, reportID uuid.UUID) (model.Override, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, session_id, report_id, reason, risk_acknowledged, actor, created_at
		 FROM overrides WHERE session_id = ? AND report_id = ?`,
		sessionID.String(), reportID.String())
	o, err := scanOverride(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Override{}, storage.ErrNotFound
		}
		return model.Override{}, fmt.Errorf("sqlite: get override: %w", err)
	}
	return o, nil
}

// ListOverrides returns a session's overrides, oldest first.
func (d *DB) ListOverrides(ctx context.Context, sessionID uuid.UUID) ([]model.Override, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, session_id, report_id, reason, risk_acknowledged, actor, created_at
		 FROM overrides WHERE session_id = ?
		 ORDER BY created_at ASC`,
		sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list overrides: %w", err)
	}
	defer rows.Close()

	var out []model.Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan override: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertArtifact persists a write-once artifact row.
func (d *DB) InsertArtifact(ctx context.Context, a model.RunArtifact) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO artifacts (content_hash, session_id, report_id, kind, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ContentHash, a.SessionID.String(), a.ReportID.String(),
		string(a.Kind), a.Payload, encodeTime(a.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("sqlite: insert artifact: %w", err)
	}
	return nil
}

// GetArtifact retrieves an artifact by content hash.
func (d *DB) GetArtifact(ctx context.Context, contentHash string) (model.RunArtifact, error) {
	var (
		a                   model.RunArtifact
		sessionID, reportID string
		kind, createdAt     string
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT content_hash, session_id, report_id, kind, payload, created_at
		 FROM artifacts WHERE content_hash = ?`, contentHash,
	).Scan(&a.ContentHash, &sessionID, &reportID, &kind, &a.Payload, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunArtifact{}, storage.ErrNotFound
		}
		return model.RunArtifact{}, fmt.Errorf("sqlite: get artifact: %w", err)
	}

	if a.SessionID, err = uuid.Parse(sessionID); err != nil {
		return model.RunArtifact{}, fmt.Errorf("sqlite: parse session id: %w", err)
	}
	if a.ReportID, err = uuid.Parse(reportID); err != nil {
		return model.RunArtifact{}, fmt.Errorf("sqlite: parse report id: %w", err)
	}
	a.Kind = model.ArtifactKind(kind)
	if a.CreatedAt, err = decodeTime(createdAt); err != nil {
		return model.RunArtifact{}, fmt.Errorf("sqlite: parse created_at: %w", err)
	}
	return a, nil
}

// GetArtifactForReport retrieves the artifact generated for one decision
// point. The newest row wins if the schema ever admits more than one.
func (d *DB) GetArtifactForReport(ctx context.Context, sessionID, reportID uuid.UUID) (model.RunArtifact, error) {
	var hash string
	err := d.db.QueryRowContext(ctx,
		`SELECT content_hash FROM artifacts
		 WHERE session_id = ? AND report_id = ?
		 ORDER BY created_at DESC LIMIT 1`,
		sessionID.String(), reportID.String(),
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunArtifact{}, storage.ErrNotFound
		}
		return model.RunArtifact{}, fmt.Errorf("sqlite: get artifact for report: %w", err)
	}
	return d.GetArtifact(ctx, hash)
}

// CreateOperator inserts an operator.
func (d *DB) CreateOperator(ctx context.Context, op model.Operator) (model.Operator, error) {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO operators (id, operator_id, name, role, api_key_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		op.ID.String(), op.OperatorID, op.Name, string(op.Role), op.APIKeyHash, encodeTime(op.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Operator{}, storage.ErrDuplicate
		}
		return model.Operator{}, fmt.Errorf("sqlite: create operator: %w", err)
	}
	return op, nil
}

// GetOperator retrieves an operator by operator_id.
func (d *DB) GetOperator(ctx context.Context, operatorID string) (model.Operator, error) {
	var (
		op           model.Operator
		id, role, ts string
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT id, operator_id, name, role, api_key_hash, created_at
		 FROM operators WHERE operator_id = ?`, operatorID,
	).Scan(&id, &op.OperatorID, &op.Name, &role, &op.APIKeyHash, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Operator{}, storage.ErrNotFound
		}
		return model.Operator{}, fmt.Errorf("sqlite: get operator: %w", err)
	}

	if op.ID, err = uuid.Parse(id); err != nil {
		return model.Operator{}, fmt.Errorf("sqlite: parse operator id: %w", err)
	}
	op.Role = model.OperatorRole(role)
	if op.CreatedAt, err = decodeTime(ts); err != nil {
		return model.Operator{}, fmt.Errorf("sqlite: parse created_at: %w", err)
	}
	return op, nil
}

// CountOperators returns the number of registered operators.
func (d *DB) CountOperators(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operators`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count operators: %w", err)
	}
	return n, nil
}

func encodeSession(s *model.WorkflowSession) (contextJSON, reportJSON, overrideJSON, historyJSON []byte, err error) {
	if contextJSON, err = json.Marshal(s.Context); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("sqlite: encode context: %w", err)
	}
	if s.Report != nil {
		if reportJSON, err = json.Marshal(s.Report); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("sqlite: encode report: %w", err)
		}
	}
	if s.Override != nil {
		if overrideJSON, err = json.Marshal(s.Override); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("sqlite: encode override: %w", err)
		}
	}
	if historyJSON, err = json.Marshal(s.History); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("sqlite: encode history: %w", err)
	}
	return contextJSON, reportJSON, overrideJSON, historyJSON, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (model.WorkflowSession, error) {
	var (
		s                      model.WorkflowSession
		id, state              string
		contextJSON, history   []byte
		reportJSON, overrideJS []byte
		createdAt, updatedAt   string
	)
	if err := row.Scan(
		&id, &state, &s.Version, &contextJSON, &reportJSON, &overrideJS,
		&history, &s.CreatedBy, &createdAt, &updatedAt,
	); err != nil {
		return model.WorkflowSession{}, err
	}

	var err error
	if s.ID, err = uuid.Parse(id); err != nil {
		return model.WorkflowSession{}, fmt.Errorf("parse id: %w", err)
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
	if len(overrideJS) > 0 {
		s.Override = &model.Override{}
		if err := json.Unmarshal(overrideJS, s.Override); err != nil {
			return model.WorkflowSession{}, fmt.Errorf("decode override: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &s.History); err != nil {
			return model.WorkflowSession{}, fmt.Errorf("decode history: %w", err)
		}
	}
	if s.CreatedAt, err = decodeTime(createdAt); err != nil {
		return model.WorkflowSession{}, fmt.Errorf("parse created_at: %w", err)
	}
	if s.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return model.WorkflowSession{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return s, nil
}

func scanOverride(row scannable) (model.Override, error) {
	var (
		o                           model.Override
		id, sessionID, reportID, ts string
	)
	if err := row.Scan(&id, &sessionID, &reportID, &o.Reason, &o.RiskAcknowledged, &o.Actor, &ts); err != nil {
		return model.Override{}, err
	}

	var err error
	if o.ID, err = uuid.Parse(id); err != nil {
		return model.Override{}, fmt.Errorf("parse id: %w", err)
	}
	if o.SessionID, err = uuid.Parse(sessionID); err != nil {
		return model.Override{}, fmt.Errorf("parse session id: %w", err)
	}
	if o.ReportID, err = uuid.Parse(reportID); err != nil {
		return model.Override{}, fmt.Errorf("parse report id: %w", err)
	}
	if o.CreatedAt, err = decodeTime(ts); err != nil {
		return model.Override{}, fmt.Errorf("parse created_at: %w", err)
	}
	return o, nil
}
