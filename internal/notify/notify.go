// Package notify announces finished worklist items on chat platforms.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notice describes one processed worklist item.
type Notice struct {
	ListID string    `json:"list_id"`
	ItemID string    `json:"item_id"`
	RunID  string    `json:"run_id,omitempty"`
	Title  string    `json:"title"`
	Status string    `json:"status"`
	Body   string    `json:"body"`
	At     time.Time `json:"at"`
}

// Text renders the notice as a plain chat message.
func (n Notice) Text() string {
	return fmt.Sprintf("[%s] %s\n%s", n.Status, n.Title, n.Body)
}

// Notifier delivers notices to one platform.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, n Notice) error
}

// Record tracks a sent notice for history.
type Record struct {
	Notice  Notice    `json:"notice"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
	Failed  []string  `json:"failed,omitempty"`
}

// Broadcaster fans notices out to every registered notifier.
type Broadcaster struct {
	mu        sync.Mutex
	notifiers []Notifier
	history   []Record
	limit     int
	logger    *zap.Logger
}

// NewBroadcaster creates a broadcaster keeping the last 100 records.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{limit: 100, logger: logger}
}

func (b *Broadcaster) Register(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifiers = append(b.notifiers, n)
	b.logger.Info("Notifier registered", zap.String("platform", n.Platform()))
}

// Notify sends n everywhere. Failing platforms do not stop the others;
// their errors are joined.
func (b *Broadcaster) Notify(ctx context.Context, n Notice) error {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	b.mu.Lock()
	notifiers := append([]Notifier(nil), b.notifiers...)
	b.mu.Unlock()
	if len(notifiers) == 0 {
		return nil
	}

	rec := Record{Notice: n, SentAt: time.Now()}
	var errs []error
	for _, nt := range notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			b.logger.Warn("notify failed", zap.String("platform", nt.Platform()), zap.Error(err))
			rec.Failed = append(rec.Failed, nt.Platform())
			errs = append(errs, fmt.Errorf("%s: %w", nt.Platform(), err))
			continue
		}
		rec.Targets = append(rec.Targets, nt.Platform())
	}

	b.mu.Lock()
	b.history = append(b.history, rec)
	if len(b.history) > b.limit {
		b.history = b.history[len(b.history)-b.limit:]
	}
	b.mu.Unlock()
	return errors.Join(errs...)
}

// History returns up to limit of the most recent records.
func (b *Broadcaster) History(limit int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	return append([]Record(nil), b.history[len(b.history)-limit:]...)
}
