//go:build integration

package store

import (
	"context"
	"testing"

	"github.com/nidhogg/nuka-crew/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPGStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, testutil.StartPostgres(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Migrate(ctx, "../../migrations"))
	// A second pass skips recorded migrations.
	require.NoError(t, s.Migrate(ctx, "../../migrations"))

	var n int
	require.NoError(t, s.db.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&n))
	require.Equal(t, 1, n)
	return s
}

func TestStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newPGStore(t)

	run, err := s.CreateRun(ctx, "analysis", "task", "gpt")
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, run.ID, "user", "user", "task"))
	require.NoError(t, s.AppendMessage(ctx, run.ID, "analyst", "assistant", "answer"))
	require.NoError(t, s.FinishRun(ctx, run.ID, RunCompleted))
	assert.ErrorIs(t, s.FinishRun(ctx, run.ID, RunError), ErrRunFinished)
	assert.ErrorIs(t, s.FinishRun(ctx, "00000000-0000-0000-0000-000000000000", RunError), ErrNotFound)

	msgs, err := s.ListMessages(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "answer", msgs[1].Content)

	runs, err := s.ListRuns(ctx, RunFilter{Team: "analysis"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunCompleted, runs[0].Status)

	st, err := s.TeamStats(ctx, "analysis")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalRuns)
	assert.Equal(t, 1, st.CompletedRuns)
	assert.Equal(t, 2, st.TotalMessages)
}

func TestStoreItemsAndBatchStatus(t *testing.T) {
	ctx := context.Background()
	s := newPGStore(t)

	items := []Item{{ID: "b1", Content: "first", Position: 0}, {ID: "b2", Content: "second", Position: 1}}
	added, err := s.TrackItems(ctx, "list", items)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	require.NoError(t, s.SetItemStatus(ctx, "b1", ItemDone))
	added, err = s.TrackItems(ctx, "list", items)
	require.NoError(t, err)
	assert.Zero(t, added)

	pending, err := s.PendingItems(ctx, "list", 5)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b2", pending[0].ID)

	now := testNow()
	require.NoError(t, s.UpsertBatchStatus(ctx, BatchStatus{ListID: "list", Status: "running", LastRunAt: &now}))
	require.NoError(t, s.UpsertBatchStatus(ctx, BatchStatus{ListID: "list", Status: "completed"}))
	st, err := s.GetBatchStatus(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, "completed", st.Status)
	assert.NotNil(t, st.LastRunAt)
}
