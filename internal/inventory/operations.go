package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cochaviz/slicenet/internal/models"
)

// RecordOperation stores op, assigning an id when it has none.
func (s *Store) RecordOperation(ctx context.Context, op models.Operation) (models.Operation, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO operations (id, kind, slice_id, status, total, succeeded, skipped, failed, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Kind, op.SliceID, string(op.Status),
		op.Summary.Total, op.Summary.Succeeded, op.Summary.Skipped, op.Summary.Failed,
		op.Error, op.StartedAt, op.FinishedAt)
	if err != nil {
		if isConstraintViolation(err) {
			return models.Operation{}, fmt.Errorf("operation %s: %w", op.ID, ErrDuplicate)
		}
		return models.Operation{}, fmt.Errorf("failed to record operation: %w", err)
	}
	return op, nil
}

// ListOperations returns the newest operations first. An empty sliceID lists
// every slice; limit <= 0 means no limit.
func (s *Store) ListOperations(ctx context.Context, sliceID string, limit int) ([]models.Operation, error) {
	query := `SELECT id, kind, slice_id, status, total, succeeded, skipped, failed, error, started_at, finished_at FROM operations`
	var args []any
	if sliceID != "" {
		query += ` WHERE slice_id = ?`
		args = append(args, sliceID)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []models.Operation
	for rows.Next() {
		var op models.Operation
		var status string
		if err := rows.Scan(&op.ID, &op.Kind, &op.SliceID, &status,
			&op.Summary.Total, &op.Summary.Succeeded, &op.Summary.Skipped, &op.Summary.Failed,
			&op.Error, &op.StartedAt, &op.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Status = models.OperationStatus(status)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
