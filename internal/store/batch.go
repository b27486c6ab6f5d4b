package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// UpsertBatchStatus writes st. Nil timestamps keep their stored value.
func (s *Store) UpsertBatchStatus(ctx context.Context, st BatchStatus) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO batch_status (list_id, status, message, last_run_at, last_synced_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (list_id) DO UPDATE SET
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			last_run_at = coalesce(EXCLUDED.last_run_at, batch_status.last_run_at),
			last_synced_at = coalesce(EXCLUDED.last_synced_at, batch_status.last_synced_at),
			updated_at = now()`,
		st.ListID, st.Status, st.Message, st.LastRunAt, st.LastSyncedAt,
	)
	if err != nil {
		return persistErr("upsert batch status", err)
	}
	return nil
}

func (s *Store) GetBatchStatus(ctx context.Context, listID string) (*BatchStatus, error) {
	var st BatchStatus
	err := s.db.QueryRow(ctx, `
		SELECT list_id, status, message, last_run_at, last_synced_at, updated_at
		FROM batch_status WHERE list_id = $1`, listID,
	).Scan(&st.ListID, &st.Status, &st.Message, &st.LastRunAt, &st.LastSyncedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch status %s: %w", listID, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get batch status", err)
	}
	return &st, nil
}

func (s *Store) ListBatchStatuses(ctx context.Context) ([]BatchStatus, error) {
	rows, err := s.db.Query(ctx, `
		SELECT list_id, status, message, last_run_at, last_synced_at, updated_at
		FROM batch_status ORDER BY list_id`)
	if err != nil {
		return nil, persistErr("list batch statuses", err)
	}
	defer rows.Close()

	var out []BatchStatus
	for rows.Next() {
		var st BatchStatus
		if err := rows.Scan(&st.ListID, &st.Status, &st.Message, &st.LastRunAt, &st.LastSyncedAt, &st.UpdatedAt); err != nil {
			return nil, persistErr("scan batch status", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
