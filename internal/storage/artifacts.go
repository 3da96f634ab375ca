package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kerfworks/kerfgate/internal/model"
)

// InsertArtifact persists a write-once artifact row. A content hash that
// already exists surfaces as ErrDuplicate; the artifact store decides
// whether that is idempotent success or an integrity fault.
func (db *DB) InsertArtifact(ctx context.Context, a model.RunArtifact) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO artifacts (content_hash, session_id, report_id, kind, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ContentHash, a.SessionID, a.ReportID, string(a.Kind), a.Payload, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("storage: insert artifact: %w", err)
	}
	return nil
}

// GetArtifact retrieves an artifact by content hash.
func (db *DB) GetArtifact(ctx context.Context, contentHash string) (model.RunArtifact, error) {
	var (
		a    model.RunArtifact
		kind string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT content_hash, session_id, report_id, kind, payload, created_at
		 FROM artifacts WHERE content_hash = $1`, contentHash,
	).Scan(&a.ContentHash, &a.SessionID, &a.ReportID, &kind, &a.Payload, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunArtifact{}, ErrNotFound
		}
		return model.RunArtifact{}, fmt.Errorf("storage: get artifact: %w", err)
	}
	a.Kind = model.ArtifactKind(kind)
	return a, nil
}

// GetArtifactForReport retrieves the artifact generated for one decision
// point. The newest row wins if the schema ever admits more than one.
func (db *DB) GetArtifactForReport(ctx context.Context, sessionID, reportID uuid.UUID) (model.RunArtifact, error) {
	var (
		a    model.RunArtifact
		kind string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT content_hash, session_id, report_id, kind, payload, created_at
		 FROM artifacts WHERE session_id = $1 AND report_id = $2
		 ORDER BY created_at DESC LIMIT 1`, sessionID, reportID,
	).Scan(&a.ContentHash, &a.SessionID, &a.ReportID, &kind, &a.Payload, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunArtifact{}, ErrNotFound
		}
		return model.RunArtifact{}, fmt.Errorf("storage: get artifact for report: %w", err)
	}
	a.Kind = model.ArtifactKind(kind)
	return a, nil
}
