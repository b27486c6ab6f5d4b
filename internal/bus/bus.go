package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrBusStopped = errors.New("message bus stopped")

// Handler receives messages for a topic. Handlers of one topic run one
// message at a time, in publish order.
type Handler func(ctx context.Context, msg TeamMessage)

// Mirror receives a copy of every published envelope.
type Mirror interface {
	Mirror(ctx context.Context, msg TeamMessage) error
}

type subscription struct {
	id      uint64
	handler Handler
}

type topic struct {
	name    string
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []TeamMessage
	subs    []subscription
	closing bool
}

func newTopic(name string) *topic {
	t := &topic{name: name}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// MessageBus is an in-process pub/sub bus with per-topic FIFO delivery.
type MessageBus struct {
	logger *zap.Logger
	mirror Mirror

	mu       sync.Mutex
	idle     *sync.Cond
	topics   map[string]*topic
	pending  int
	nextID   uint64
	started  bool
	stopped  bool
	// drained is closed once a Stop has flushed every topic.
	drained chan struct{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped bus. Messages published before Start are queued.
func New(logger *zap.Logger) *MessageBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &MessageBus{
		logger: logger,
		topics: make(map[string]*topic),
		ctx:    ctx,
		cancel: cancel,
	}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// SetMirror installs m. Call before Start.
func (b *MessageBus) SetMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Start launches one delivery goroutine per topic.
func (b *MessageBus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.stopped {
		return
	}
	b.started = true
	for _, t := range b.topics {
		b.startTopic(t)
	}
	b.logger.Info("Message bus started", zap.Int("topics", len(b.topics)))
}

func (b *MessageBus) startTopic(t *topic) {
	b.wg.Add(1)
	go b.run(t)
}

// topicLocked returns the named topic, creating it. b.mu must be held.
func (b *MessageBus) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = newTopic(name)
		b.topics[name] = t
		if b.started && !b.stopped {
			b.startTopic(t)
		}
	}
	return t
}

// Subscribe registers handler on topic and returns its cancel func.
func (b *MessageBus) Subscribe(name string, handler Handler) func() {
	b.mu.Lock()
	t := b.topicLocked(name)
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	t.mu.Lock()
	t.subs = append(t.subs, subscription{id: id, handler: handler})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish queues msg for its recipient topic, or every topic on Broadcast.
func (b *MessageBus) Publish(ctx context.Context, msg TeamMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrBusStopped
	}
	var targets []*topic
	if msg.Recipient == Broadcast {
		for name, t := range b.topics {
			if name != msg.Sender {
				targets = append(targets, t)
			}
		}
	} else {
		targets = []*topic{b.topicLocked(msg.Recipient)}
	}
	b.pending += len(targets)
	mirror := b.mirror
	b.mu.Unlock()

	for _, t := range targets {
		t.mu.Lock()
		t.queue = append(t.queue, msg)
		t.cond.Signal()
		t.mu.Unlock()
	}

	if mirror != nil {
		if err := mirror.Mirror(ctx, msg); err != nil {
			b.logger.Warn("bus mirror failed", zap.String("id", msg.ID), zap.Error(err))
		}
	}

	b.logger.Debug("published message",
		zap.String("type", string(msg.Type)),
		zap.String("from", msg.Sender),
		zap.String("to", msg.Recipient),
		zap.String("correlation_id", msg.CorrelationID))
	return nil
}

func (b *MessageBus) run(t *topic) {
	defer b.wg.Done()
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closing {
			t.cond.Wait()
		}
		if len(t.queue) == 0 {
			t.mu.Unlock()
			return
		}
		msg := t.queue[0]
		t.queue[0] = TeamMessage{}
		t.queue = t.queue[1:]
		subs := append([]subscription(nil), t.subs...)
		t.mu.Unlock()

		for _, s := range subs {
			b.deliver(t.name, s.handler, msg)
		}

		b.mu.Lock()
		b.pending--
		if b.pending == 0 {
			b.idle.Broadcast()
		}
		b.mu.Unlock()
	}
}

func (b *MessageBus) deliver(topic string, h Handler, msg TeamMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panic",
				zap.String("topic", topic),
				zap.String("id", msg.ID),
				zap.Any("panic", r))
		}
	}()
	h(b.ctx, msg)
}

// Stop waits until every queued and in-flight delivery has finished, then
// rejects further publishes. Handlers may still publish while the bus
// drains. If ctx expires first, handler contexts are cancelled. A later
// Stop waits on the same drain.
func (b *MessageBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.drained != nil {
		drained := b.drained
		b.mu.Unlock()
		return b.awaitDrain(ctx, drained)
	}
	drained := make(chan struct{})
	b.drained = drained
	if !b.started {
		b.started = true
		for _, t := range b.topics {
			b.startTopic(t)
		}
	}
	b.mu.Unlock()

	go func() {
		b.mu.Lock()
		for b.pending > 0 {
			b.idle.Wait()
		}
		b.stopped = true
		topics := make([]*topic, 0, len(b.topics))
		for _, t := range b.topics {
			topics = append(topics, t)
		}
		b.mu.Unlock()

		for _, t := range topics {
			t.mu.Lock()
			t.closing = true
			t.cond.Broadcast()
			t.mu.Unlock()
		}
		b.wg.Wait()
		close(drained)
	}()

	err := b.awaitDrain(ctx, drained)
	if err == nil {
		b.logger.Info("Message bus stopped")
	}
	return err
}

func (b *MessageBus) awaitDrain(ctx context.Context, drained <-chan struct{}) error {
	select {
	case <-drained:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return fmt.Errorf("stop message bus: %w", ctx.Err())
	}
}

// Pending returns the number of deliveries not yet completed.
func (b *MessageBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}
