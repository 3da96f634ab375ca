package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kerfworks/kerfgate/internal/model"
)

// CreateOperator inserts an operator. The operator_id is unique.
func (db *DB) CreateOperator(ctx context.Context, op model.Operator) (model.Operator, error) {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO operators (id, operator_id, name, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		op.ID, op.OperatorID, op.Name, string(op.Role), op.APIKeyHash, op.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Operator{}, ErrDuplicate
		}
		return model.Operator{}, fmt.Errorf("storage: create operator: %w", err)
	}
	return op, nil
}

// GetOperator retrieves an operator by its stable operator_id.
func (db *DB) GetOperator(ctx context.Context, operatorID string) (model.Operator, error) {
	var (
		op   model.Operator
		role string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, operator_id, name, role, api_key_hash, created_at
		 FROM operators WHERE operator_id = $1`, operatorID,
	).Scan(&op.ID, &op.OperatorID, &op.Name, &role, &op.APIKeyHash, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Operator{}, ErrNotFound
		}
		return model.Operator{}, fmt.Errorf("storage: get operator: %w", err)
	}
	op.Role = model.OperatorRole(role)
	return op, nil
}

// CountOperators returns the number of registered operators. Used by the
// admin seeding path to decide whether a first admin is needed.
func (db *DB) CountOperators(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM operators`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count operators: %w", err)
	}
	return n, nil
}
