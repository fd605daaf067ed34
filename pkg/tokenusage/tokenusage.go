// Package tokenusage is an append-only log of LLM token consumption per
// user (spec.md §3). Out of scope for cost accounting per spec.md §1, but
// the table and a narrow recorder are kept since the data model names it
// explicitly. Grounded on shared/auth/audit.py's log_token_usage.
package tokenusage

import (
	"context"
	"fmt"
	"time"

	"github.com/gpudevservers/resctl/internal/db"
)

// Record is one append-only token usage entry.
type Record struct {
	UsageID      int64
	UserID       string
	Model        string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      *float64
	RequestID    string
	CreatedAt    time.Time
}

// Store appends to the token_usage table.
type Store struct {
	db db.DBTX
}

// NewStore builds a Store over any DBTX (pool or transaction).
func NewStore(conn db.DBTX) *Store {
	return &Store{db: conn}
}

// Record inserts one usage entry, returning its assigned usage_id.
func (s *Store) Record(ctx context.Context, r Record) (int64, error) {
	total := r.InputTokens + r.OutputTokens

	var usageID int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO token_usage (user_id, model, input_tokens, output_tokens, total_tokens, cost_usd, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING usage_id
	`, r.UserID, r.Model, r.InputTokens, r.OutputTokens, total, r.CostUSD, r.RequestID).Scan(&usageID)
	if err != nil {
		return 0, fmt.Errorf("recording token usage for user %s: %w", r.UserID, err)
	}
	return usageID, nil
}

// ForUser returns usage records for a user created since the given time,
// newest first, matching get_user_token_usage's default window query shape.
func (s *Store) ForUser(ctx context.Context, userID string, since time.Time, limit int) ([]Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT usage_id, user_id, model, input_tokens, output_tokens, total_tokens, cost_usd, request_id, created_at
		FROM token_usage
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("listing token usage for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var requestID *string
		if err := rows.Scan(&r.UsageID, &r.UserID, &r.Model, &r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.CostUSD, &requestID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning token usage record: %w", err)
		}
		if requestID != nil {
			r.RequestID = *requestID
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
