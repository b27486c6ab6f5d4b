// Package worklist reads pending items from an external to-do list and
// writes results back to it.
package worklist

import "context"

// Item is one entry of an external list.
type Item struct {
	ID       string `json:"id"`
	ListID   string `json:"list_id"`
	Content  string `json:"content"`
	Checked  bool   `json:"checked"`
	Position int    `json:"position"`
}

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Note is the completion message attached under an item.
type Note struct {
	Title string
	Body  string
	URL   string
}

// Source is an external worklist.
type Source interface {
	// ListPending returns the unchecked items of listID in list order.
	ListPending(ctx context.Context, listID string) ([]Item, error)
	UpdateItemStatus(ctx context.Context, itemID string, status Status) error
	AppendNote(ctx context.Context, itemID string, note Note) error
}
