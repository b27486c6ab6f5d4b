package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func request(to, task string) TeamMessage {
	return NewTaskRequest("tester", to, "", task)
}

func TestPublishPreservesTopicOrder(t *testing.T) {
	b := New(zap.NewNop())
	var mu sync.Mutex
	var got []string
	b.Subscribe("a", func(_ context.Context, msg TeamMessage) {
		mu.Lock()
		got = append(got, msg.Task.Task)
		mu.Unlock()
	})

	// Queued before Start.
	for i := 0; i < 50; i++ {
		require.NoError(t, b.Publish(context.Background(), request("a", fmt.Sprint(i))))
	}
	b.Start()
	require.NoError(t, b.Stop(context.Background()))

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, fmt.Sprint(i), v)
	}
}

func TestSlowTopicDoesNotBlockOthers(t *testing.T) {
	b := New(zap.NewNop())
	release := make(chan struct{})
	fast := make(chan struct{})
	b.Subscribe("slow", func(context.Context, TeamMessage) { <-release })
	b.Subscribe("fast", func(context.Context, TeamMessage) { close(fast) })
	b.Start()

	require.NoError(t, b.Publish(context.Background(), request("slow", "x")))
	require.NoError(t, b.Publish(context.Background(), request("fast", "y")))

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast topic blocked by slow handler")
	}
	close(release)
	require.NoError(t, b.Stop(context.Background()))
}

func TestStopDrainsInFlightAndReplies(t *testing.T) {
	b := New(zap.NewNop())
	replies := make(chan TeamMessage, 1)
	b.Subscribe("worker", func(ctx context.Context, msg TeamMessage) {
		time.Sleep(50 * time.Millisecond)
		// Replies published while draining are still delivered.
		_ = b.Publish(ctx, NewTaskResult(msg, ResultPayload{Result: "done"}))
	})
	b.Subscribe("tester", func(_ context.Context, msg TeamMessage) { replies <- msg })
	b.Start()

	require.NoError(t, b.Publish(context.Background(), request("worker", "job")))
	require.NoError(t, b.Stop(context.Background()))

	select {
	case msg := <-replies:
		assert.Equal(t, TypeTaskResult, msg.Type)
		assert.Equal(t, "done", msg.Result.Result)
	default:
		t.Fatal("reply not delivered before Stop returned")
	}
	assert.Zero(t, b.Pending())

	err := b.Publish(context.Background(), request("worker", "late"))
	assert.ErrorIs(t, err, ErrBusStopped)
}

func TestStopHonoursContext(t *testing.T) {
	b := New(zap.NewNop())
	b.Subscribe("stuck", func(ctx context.Context, _ TeamMessage) { <-ctx.Done() })
	b.Start()
	require.NoError(t, b.Publish(context.Background(), request("stuck", "x")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Stop(ctx), context.DeadlineExceeded)
}

func TestStopAfterTimeoutWaitsForDrain(t *testing.T) {
	b := New(zap.NewNop())
	release := make(chan struct{})
	b.Subscribe("stuck", func(context.Context, TeamMessage) { <-release })
	b.Start()
	require.NoError(t, b.Publish(context.Background(), request("stuck", "x")))

	short := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		return b.Stop(ctx)
	}
	require.ErrorIs(t, short(), context.DeadlineExceeded)
	// The drain is still blocked, so a second Stop must not report success.
	require.ErrorIs(t, short(), context.DeadlineExceeded)

	close(release)
	require.NoError(t, b.Stop(context.Background()))
	assert.ErrorIs(t, b.Publish(context.Background(), request("stuck", "y")), ErrBusStopped)
}

func TestBroadcastReachesEveryOtherTopic(t *testing.T) {
	b := New(zap.NewNop())
	var mu sync.Mutex
	seen := map[string]int{}
	for _, name := range []string{"a", "b", "tester"} {
		name := name
		b.Subscribe(name, func(context.Context, TeamMessage) {
			mu.Lock()
			seen[name]++
			mu.Unlock()
		})
	}
	b.Start()

	require.NoError(t, b.Publish(context.Background(), TeamMessage{
		Type: TypeStatusUpdate, Sender: "tester", Recipient: Broadcast,
		Status: &TeamStatus{Team: "tester", State: StateIdle},
	}))
	require.NoError(t, b.Stop(context.Background()))

	assert.Equal(t, map[string]int{"a": 1, "b": 1}, seen)
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := New(zap.NewNop())
	var calls int
	var mu sync.Mutex
	b.Subscribe("a", func(_ context.Context, msg TeamMessage) {
		mu.Lock()
		calls++
		mu.Unlock()
		if msg.Task.Task == "bad" {
			panic("boom")
		}
	})
	b.Start()
	require.NoError(t, b.Publish(context.Background(), request("a", "bad")))
	require.NoError(t, b.Publish(context.Background(), request("a", "good")))
	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestUnsubscribe(t *testing.T) {
	b := New(zap.NewNop())
	var calls int
	unsub := b.Subscribe("a", func(context.Context, TeamMessage) { calls++ })
	unsub()
	b.Start()
	require.NoError(t, b.Publish(context.Background(), request("a", "x")))
	require.NoError(t, b.Stop(context.Background()))
	assert.Zero(t, calls)
}

type recordingMirror struct {
	mu   sync.Mutex
	msgs []TeamMessage
}

func (m *recordingMirror) Mirror(_ context.Context, msg TeamMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func TestMirrorSeesEveryPublish(t *testing.T) {
	b := New(zap.NewNop())
	m := &recordingMirror{}
	b.SetMirror(m)
	b.Start()
	require.NoError(t, b.Publish(context.Background(), request("a", "x")))
	require.NoError(t, b.Stop(context.Background()))

	require.Len(t, m.msgs, 1)
	assert.NotEmpty(t, m.msgs[0].ID)
	assert.False(t, m.msgs[0].Timestamp.IsZero())
}

func TestValidate(t *testing.T) {
	ok := request("a", "x")
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Result = &ResultPayload{}
	assert.Error(t, bad.Validate())

	mismatch := TeamMessage{Type: TypeTaskResult, Recipient: "a", Task: &TaskPayload{}}
	assert.Error(t, mismatch.Validate())

	noRecipient := NewTaskRequest("x", "", "", "t")
	assert.Error(t, noRecipient.Validate())

	assert.Error(t, New(zap.NewNop()).Publish(context.Background(), mismatch))
}

func TestStatusBoard(t *testing.T) {
	sb := NewStatusBoard()
	sb.Register("b")
	sb.Register("a")
	sb.Set(TeamStatus{Team: "a", State: StateRunning, CurrentTask: "t"})
	sb.Register("a")

	st, ok := sb.Get("a")
	require.True(t, ok)
	assert.Equal(t, StateRunning, st.State)

	all := sb.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Team)
	assert.Equal(t, StateIdle, all[1].State)

	snap := sb.Snapshot("a", "ghost")
	assert.Len(t, snap, 1)
}
