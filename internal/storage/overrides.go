package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kerfworks/kerfgate/internal/model"
)

// InsertOverride appends an override row. The (session_id, report_id)
// unique constraint makes a second override for the same decision point
// an ErrDuplicate; there is no update or delete path for this table.
func (db *DB) InsertOverride(ctx context.Context, o model.Override) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO overrides (id, session_id, report_id, reason, risk_acknowledged, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.SessionID, o.ReportID, o.Reason, o.RiskAcknowledged, o.Actor, o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("storage: insert override: %w", err)
	}
	return nil
}

// GetOverride retrieves the override for one decision point.
func (db *DB) GetOverride(ctx context.Context, sessionID, reportID uuid.UUID) (model.Override, error) {
	var o model.Override
	err := db.pool.QueryRow(ctx,
		`SELECT id, session_id, report_id, reason, risk_acknowledged, actor, created_at
		 FROM overrides WHERE session_id = $1 AND report_id = $2`,
		sessionID, reportID,
	).Scan(&o.ID, &o.SessionID, &o.ReportID, &o.Reason, &o.RiskAcknowledged, &o.Actor, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Override{}, ErrNotFound
		}
		return model.Override{}, fmt.Errorf("storage: get override: %w", err)
	}
	return o, nil
}

// ListOverrides returns a session's overrides, oldest first.
func (db *DB) ListOverrides(ctx context.Context, sessionID uuid.UUID) ([]model.Override, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, report_id, reason, risk_acknowledged, actor, created_at
		 FROM overrides WHERE session_id = $1
		 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list overrides: %w", err)
	}
	defer rows.Close()

	var out []model.Override
	for rows.Next() {
		var o model.Override
		if err := rows.Scan(&o.ID, &o.SessionID, &o.ReportID, &o.Reason,
			&o.RiskAcknowledged, &o.Actor, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan override: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
