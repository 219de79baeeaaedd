package store

import (
	"context"
	"fmt"

	"github.com/sweeney/floodgate/internal/model"
)

// LogOperation appends an audit entry.
func (s *Store) LogOperation(ctx context.Context, op model.Operation) error {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operation_log (run_id, category, action, target, result, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.RunID, op.Category, op.Action, op.Target, op.Result, op.Detail, op.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("log operation %s/%s: %w", op.Category, op.Action, err)
	}
	return nil
}

// Operations returns the audit entries of one run in insertion order.
func (s *Store) Operations(ctx context.Context, runID string) ([]model.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, category, action, target, result, detail, created_at
		FROM operation_log WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("operations for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []model.Operation
	for rows.Next() {
		var op model.Operation
		if err := rows.Scan(&op.RunID, &op.Category, &op.Action, &op.Target, &op.Result, &op.Detail, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
