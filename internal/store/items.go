package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TrackItems records items of a worklist. Items already tracked keep
// their local status; only content and position are refreshed. It returns
// how many items were new.
func (s *Store) TrackItems(ctx context.Context, listID string, items []Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			INSERT INTO worklist_items (id, list_id, content, status, position, checked)
			VALUES ($1, $2, $3, 'pending', $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content,
				position = EXCLUDED.position,
				updated_at = now()
			RETURNING (xmax = 0)`,
			it.ID, listID, it.Content, it.Position, it.Checked)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	added := 0
	for range items {
		var inserted bool
		if err := br.QueryRow().Scan(&inserted); err != nil {
			return added, persistErr("track items", err)
		}
		if inserted {
			added++
		}
	}
	return added, nil
}

// PendingItems returns up to limit pending items in list order. A zero
// limit returns all of them.
func (s *Store) PendingItems(ctx context.Context, listID string, limit int) ([]Item, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, list_id, content, status, position, checked, updated_at
		FROM worklist_items
		WHERE list_id = $1 AND status = 'pending'
		ORDER BY position ASC, id ASC
		LIMIT NULLIF($2, 0)`, listID, limit)
	if err != nil {
		return nil, persistErr("pending items", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		var status string
		if err := rows.Scan(&it.ID, &it.ListID, &it.Content, &status, &it.Position, &it.Checked, &it.UpdatedAt); err != nil {
			return nil, persistErr("scan item", err)
		}
		it.Status = ItemStatus(status)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) SetItemStatus(ctx context.Context, itemID string, status ItemStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE worklist_items
		SET status = $2, checked = ($2 = 'done'), updated_at = now()
		WHERE id = $1`, itemID, string(status))
	if err != nil {
		return persistErr("set item status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, itemID string) (*Item, error) {
	var it Item
	var status string
	err := s.db.QueryRow(ctx, `
		SELECT id, list_id, content, status, position, checked, updated_at
		FROM worklist_items WHERE id = $1`, itemID,
	).Scan(&it.ID, &it.ListID, &it.Content, &status, &it.Position, &it.Checked, &it.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get item", err)
	}
	it.Status = ItemStatus(status)
	return &it, nil
}
