package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Slack posts notices to one channel.
type Slack struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlack creates a Slack notifier. Extra options are passed to the client.
func NewSlack(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *Slack {
	return &Slack{
		client:  slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (s *Slack) Platform() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, n Notice) error {
	_, ts, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(n.Text(), false),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	s.logger.Debug("slack notice sent", zap.String("channel", s.channel), zap.String("ts", ts))
	return nil
}
