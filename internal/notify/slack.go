// ABOUTME: Slack notifier on slack-go

package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackConfig holds the bot token and agent channels.
type SlackConfig struct {
	BotToken       string
	Channels       map[string]string // agent id -> channel id
	DefaultChannel string
	APIURL         string // optional, for tests and proxies
}

// SlackNotifier posts summaries to a Slack channel per agent.
type SlackNotifier struct {
	client         *slack.Client
	channels       map[string]string
	defaultChannel string
}

// NewSlackNotifier creates a Slack client.
func NewSlackNotifier(cfg SlackConfig) *SlackNotifier {
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &SlackNotifier{
		client:         slack.New(cfg.BotToken, opts...),
		channels:       cfg.Channels,
		defaultChannel: cfg.DefaultChannel,
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, agentID, text string) error {
	channel, err := destination(n.channels, n.defaultChannel, agentID)
	if err != nil {
		return err
	}
	if _, _, err := n.client.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("sending slack notification: %w", err)
	}
	return nil
}
