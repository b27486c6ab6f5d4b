package batch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-crew/internal/notify"
	"github.com/nidhogg/nuka-crew/internal/orchestrator"
	"github.com/nidhogg/nuka-crew/internal/store"
	"github.com/nidhogg/nuka-crew/internal/team"
	"github.com/nidhogg/nuka-crew/internal/worklist"
)

// noteSummaryLimit caps the summary written back to the worklist. The
// full text stays in the run log.
const noteSummaryLimit = 200

// CycleReport describes one cycle over a list.
type CycleReport struct {
	ListID    string        `json:"list_id"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	Synced    int           `json:"synced"`
	NewItems  int           `json:"new_items"`
	Items     []ItemReport  `json:"items"`
}

// ItemReport is the outcome of one processed item.
type ItemReport struct {
	ItemID    string           `json:"item_id"`
	Content   string           `json:"content"`
	RunID     string           `json:"run_id,omitempty"`
	Status    store.ItemStatus `json:"status"`
	RunStatus store.RunStatus  `json:"run_status,omitempty"`
	Summary   string           `json:"summary,omitempty"`
	Error     string           `json:"error,omitempty"`
	// Unpersisted is set when a write-back failed after one retry.
	Unpersisted bool `json:"unpersisted,omitempty"`
}

// RunCycle syncs listID and processes up to BatchSize pending items one
// after another. A cycle that finds another one in progress returns
// ErrCycleInProgress without doing anything.
func (s *Scheduler) RunCycle(ctx context.Context, listID string) (*CycleReport, error) {
	key := globalKey
	if s.opts.PerList {
		key = listID
	}
	release, ok, err := s.lock.TryAcquire(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Info("cycle skipped, another cycle is running", zap.String("list", listID))
		return nil, ErrCycleInProgress
	}
	defer release()

	report := &CycleReport{ListID: listID, StartedAt: time.Now()}
	s.logger.Info("batch cycle", zap.String("list", listID))

	if err := s.sync(ctx, listID, report); err != nil {
		s.failCycle(ctx, listID, err)
		return report, fmt.Errorf("sync list %s: %w", listID, err)
	}
	syncedAt := time.Now()

	items, err := s.store.PendingItems(ctx, listID, s.opts.BatchSize)
	if err != nil {
		s.failCycle(ctx, listID, err)
		return report, fmt.Errorf("select pending items: %w", err)
	}
	if len(items) == 0 {
		s.logger.Info("no pending items", zap.String("list", listID))
	}

	for i, it := range items {
		if ctx.Err() != nil {
			break
		}
		s.logger.Info("processing item",
			zap.String("list", listID),
			zap.String("item", it.ID),
			zap.Int("index", i+1),
			zap.Int("of", len(items)))
		report.Items = append(report.Items, s.processItem(ctx, it))
	}

	s.finishCycle(ctx, listID, len(report.Items), syncedAt)
	report.Elapsed = time.Since(report.StartedAt)
	return report, nil
}

// finishCycle records the cycle outcome. A batch stopped while the cycle
// ran stays completed.
func (s *Scheduler) finishCycle(ctx context.Context, listID string, processed int, syncedAt time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	// Stop cancels the interval job's context; the outcome is still written.
	ctx = context.WithoutCancel(ctx)
	status := StatusRunning
	if !s.isRunning(listID) {
		status = StatusIdle
		prev, err := s.store.GetBatchStatus(ctx, listID)
		if err == nil && prev.Status == StatusCompleted {
			status = StatusCompleted
		}
	}
	now := time.Now()
	if err := s.persistStatus(ctx, store.BatchStatus{
		ListID:       listID,
		Status:       status,
		Message:      fmt.Sprintf("processed %d item(s)", processed),
		LastRunAt:    &now,
		LastSyncedAt: &syncedAt,
	}); err != nil {
		s.logger.Error("persist cycle status", zap.String("list", listID), zap.Error(err))
	}
}

// sync copies the pending entries of the external list into local
// tracking. Already tracked items are not duplicated.
func (s *Scheduler) sync(ctx context.Context, listID string, report *CycleReport) error {
	pending, err := s.source.ListPending(ctx, listID)
	if err != nil {
		return err
	}
	items := make([]store.Item, len(pending))
	for i, p := range pending {
		items[i] = store.Item{
			ID:       p.ID,
			ListID:   listID,
			Content:  p.Content,
			Status:   store.ItemPending,
			Position: p.Position,
			Checked:  p.Checked,
		}
	}
	added, err := s.store.TrackItems(ctx, listID, items)
	if err != nil {
		return err
	}
	report.Synced = len(items)
	report.NewItems = added
	return nil
}

func (s *Scheduler) failCycle(ctx context.Context, listID string, cause error) {
	s.logger.Error("batch cycle failed", zap.String("list", listID), zap.Error(cause))
	now := time.Now()
	if err := s.persistStatus(ctx, store.BatchStatus{
		ListID:    listID,
		Status:    StatusFailed,
		Message:   fmt.Sprintf("cycle failed: %v", cause),
		LastRunAt: &now,
	}); err != nil {
		s.logger.Error("persist cycle failure", zap.String("list", listID), zap.Error(err))
	}
}

// target returns the dispatch target and whether it is a single team.
func (s *Scheduler) target() (string, bool) {
	if s.opts.Workflow != "" {
		return s.opts.Workflow, false
	}
	return s.opts.Team, true
}

func (s *Scheduler) validateTarget() error {
	name, single := s.target()
	if single {
		if !s.exec.HasTeam(name) {
			return fmt.Errorf("%w: %s", team.ErrUnknownTeam, name)
		}
		return nil
	}
	if !s.exec.HasWorkflow(name) {
		return fmt.Errorf("%w: %s", team.ErrUnknownWorkflow, name)
	}
	return nil
}

// processItem runs one item end to end. Failures are recorded on the
// item and never returned.
func (s *Scheduler) processItem(ctx context.Context, it store.Item) ItemReport {
	rep := ItemReport{ItemID: it.ID, Content: it.Content}
	log := s.logger.With(zap.String("item", it.ID))

	if err := s.validateTarget(); err != nil {
		log.Error("dispatch target", zap.Error(err))
		rep.Status = store.ItemFailed
		rep.Error = err.Error()
		s.writeItemStatus(ctx, it.ID, store.ItemFailed, &rep)
		return rep
	}

	s.writeItemStatus(ctx, it.ID, store.ItemRunning, &rep)

	name, single := s.target()
	var run *store.Run
	err := retryOnce(func() (err error) {
		run, err = s.store.CreateRun(ctx, name, it.Content, "")
		return err
	})
	if err != nil {
		log.Error("create run", zap.Error(err))
		rep.Unpersisted = true
	} else {
		rep.RunID = run.ID
	}

	runCtx := ctx
	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}
	var res *orchestrator.ExecutionResult
	if single {
		res, err = s.exec.ExecuteTeam(runCtx, name, it.Content, rep.RunID)
	} else {
		res, err = s.exec.ExecuteWorkflow(runCtx, name, it.Content, rep.RunID)
	}

	rep.RunStatus, rep.Status = outcome(ctx, res, err)
	switch {
	case err != nil:
		rep.Error = err.Error()
		rep.Summary = "processing failed: " + err.Error()
	case !res.Success:
		rep.Error = joinErrors(res.Errors)
		rep.Summary = res.Summary
		if rep.Summary == "" {
			rep.Summary = "processing failed: " + rep.Error
		}
	default:
		rep.Summary = res.Summary
	}
	if res != nil && res.Unpersisted {
		rep.Unpersisted = true
	}

	// Write-back uses a context that outlives a cancelled cycle so the
	// item never stays running.
	wctx := context.WithoutCancel(ctx)
	note := worklist.Note{
		Title: it.Content + " result:",
		Body:  truncate(rep.Summary, noteSummaryLimit),
	}
	if err := retryOnce(func() error { return s.source.AppendNote(wctx, it.ID, note) }); err != nil {
		log.Warn("append completion note", zap.Error(err))
		rep.Unpersisted = true
	}
	s.writeItemStatus(wctx, it.ID, rep.Status, &rep)
	if rep.RunID != "" {
		if err := retryOnce(func() error { return s.store.FinishRun(wctx, rep.RunID, rep.RunStatus) }); err != nil {
			log.Error("finish run", zap.Error(err))
			rep.Unpersisted = true
		}
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(wctx, notify.Notice{
			ListID: it.ListID,
			ItemID: it.ID,
			RunID:  rep.RunID,
			Title:  it.Content,
			Status: string(rep.Status),
			Body:   truncate(rep.Summary, noteSummaryLimit),
		}); err != nil {
			log.Warn("notify", zap.Error(err))
		}
	}

	log.Info("item processed",
		zap.String("status", string(rep.Status)),
		zap.String("run", rep.RunID),
		zap.String("run_status", string(rep.RunStatus)),
		zap.Bool("unpersisted", rep.Unpersisted))
	return rep
}

// writeItemStatus mirrors status locally and remotely.
func (s *Scheduler) writeItemStatus(ctx context.Context, itemID string, status store.ItemStatus, rep *ItemReport) {
	if err := retryOnce(func() error { return s.store.SetItemStatus(ctx, itemID, status) }); err != nil {
		s.logger.Error("set item status", zap.String("item", itemID), zap.Error(err))
		rep.Unpersisted = true
	}
	if err := retryOnce(func() error {
		return s.source.UpdateItemStatus(ctx, itemID, worklist.Status(status))
	}); err != nil {
		s.logger.Warn("update remote item status", zap.String("item", itemID), zap.Error(err))
		rep.Unpersisted = true
	}
}

// outcome maps an execution to run and item statuses. cycleCtx is the
// cycle's own context: its cancellation means the run was cancelled
// rather than timed out.
func outcome(cycleCtx context.Context, res *orchestrator.ExecutionResult, err error) (store.RunStatus, store.ItemStatus) {
	switch {
	case err == nil && res != nil && res.Success:
		return store.RunCompleted, store.ItemDone
	case cycleCtx.Err() != nil:
		return store.RunCancelled, store.ItemFailed
	case orchestrator.IsTimeout(err) || (res != nil && res.TimedOut):
		return store.RunTimeout, store.ItemFailed
	default:
		return store.RunError, store.ItemFailed
	}
}

func joinErrors(errs map[string]string) string {
	out := ""
	for _, name := range sortedKeys(errs) {
		if out != "" {
			out += "; "
		}
		out += name + ": " + errs[name]
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
