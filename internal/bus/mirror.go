package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "crew:bus:"

// RedisMirror copies bus envelopes into one Redis stream per recipient so
// traffic can be inspected from outside the process.
type RedisMirror struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRedisMirror connects to redisURL.
func NewRedisMirror(redisURL string, maxLen int64, logger *zap.Logger) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisMirrorFromClient(rdb, maxLen, logger), nil
}

// NewRedisMirrorFromClient wraps an existing client.
func NewRedisMirrorFromClient(rdb *redis.Client, maxLen int64, logger *zap.Logger) *RedisMirror {
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisMirror{rdb: rdb, maxLen: maxLen, logger: logger}
}

// Mirror appends msg to its recipient's stream.
func (m *RedisMirror) Mirror(ctx context.Context, msg TeamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	stream := streamPrefix + msg.Recipient
	err = m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("mirror to %s: %w", stream, err)
	}
	return nil
}

// Recent returns up to n of the newest envelopes sent to topic, newest first.
func (m *RedisMirror) Recent(ctx context.Context, topic string, n int64) ([]TeamMessage, error) {
	if n <= 0 {
		n = 20
	}
	stream := streamPrefix + topic
	entries, err := m.rdb.XRevRangeN(ctx, stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}

	out := make([]TeamMessage, 0, len(entries))
	for _, e := range entries {
		data, ok := e.Values["data"].(string)
		if !ok {
			continue
		}
		var msg TeamMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			m.logger.Warn("skip malformed mirrored message", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Close closes the Redis client.
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
