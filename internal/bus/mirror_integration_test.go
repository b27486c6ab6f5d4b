//go:build integration

package bus

import (
	"context"
	"testing"

	"github.com/nidhogg/nuka-crew/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisMirrorRoundTrip(t *testing.T) {
	url := testutil.StartRedis(t)
	m, err := NewRedisMirror(url, 100, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	b := New(zap.NewNop())
	b.SetMirror(m)
	b.Start()
	for _, task := range []string{"one", "two", "three"} {
		require.NoError(t, b.Publish(context.Background(), NewTaskRequest("tester", "analysis", "c-"+task, task)))
	}
	require.NoError(t, b.Stop(context.Background()))

	msgs, err := m.Recent(context.Background(), "analysis", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", msgs[0].Task.Task)
	assert.Equal(t, "two", msgs[1].Task.Task)
	assert.Equal(t, "c-three", msgs[0].CorrelationID)
}
