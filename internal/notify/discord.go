package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// discordLimit is the maximum message length Discord accepts.
const discordLimit = 2000

// Discord posts notices to one channel over the REST API.
type Discord struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscord creates a Discord notifier. No gateway connection is opened.
func NewDiscord(token, channelID string, logger *zap.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, channelID: channelID, logger: logger}, nil
}

func (d *Discord) Platform() string { return "discord" }

func (d *Discord) Notify(ctx context.Context, n Notice) error {
	text := n.Text()
	if r := []rune(text); len(r) > discordLimit {
		text = string(r[:discordLimit-3]) + "..."
	}
	msg, err := d.session.ChannelMessageSend(d.channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	d.logger.Debug("discord notice sent", zap.String("channel", d.channelID), zap.String("id", msg.ID))
	return nil
}
