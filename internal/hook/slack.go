package hook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

// SlackConfig selects how ops alerts reach Slack: an incoming webhook URL,
// or a bot token posting into Channel.
type SlackConfig struct {
	WebhookURL string
	BotToken   string
	Channel    string
	// APIURL overrides the Web API root (tests).
	APIURL string
}

// Alerter reports dispatch failures to an ops channel.
type Alerter interface {
	DispatchFailed(ctx context.Context, m *protocol.Message, cause error) error
}

// NopAlerter drops alerts.
type NopAlerter struct{}

func (NopAlerter) DispatchFailed(context.Context, *protocol.Message, error) error { return nil }

// Slack posts alerts to Slack.
type Slack struct {
	config SlackConfig
	api    *slack.Client
	logger *slog.Logger
}

var _ Alerter = (*Slack)(nil)

// NewSlack creates a Slack alerter.
func NewSlack(cfg SlackConfig, logger *slog.Logger) (*Slack, error) {
	if cfg.WebhookURL == "" && (cfg.BotToken == "" || cfg.Channel == "") {
		return nil, fmt.Errorf("hook: slack needs webhook_url or bot_token and channel")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Slack{config: cfg, logger: logger.With("component", "slack")}
	if cfg.BotToken != "" {
		var opts []slack.Option
		if cfg.APIURL != "" {
			opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
		}
		s.api = slack.New(cfg.BotToken, opts...)
	}
	return s, nil
}

func (s *Slack) DispatchFailed(ctx context.Context, m *protocol.Message, cause error) error {
	text := fmt.Sprintf(":warning: outbound message `%s` failed on channel `%s`", m.ID, m.ChannelID)
	attachment := slack.Attachment{
		Color: "danger",
		Fields: []slack.AttachmentField{
			{Title: "Ticket", Value: m.TicketID, Short: true},
			{Title: "Attempts", Value: fmt.Sprint(m.SendAttempts + 1), Short: true},
			{Title: "Error", Value: cause.Error()},
		},
	}

	if s.config.WebhookURL != "" {
		err := slack.PostWebhookContext(ctx, s.config.WebhookURL, &slack.WebhookMessage{
			Text:        text,
			Attachments: []slack.Attachment{attachment},
		})
		if err != nil {
			return fmt.Errorf("hook: slack webhook: %w", err)
		}
		return nil
	}

	_, _, err := s.api.PostMessageContext(ctx, s.config.Channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionAttachments(attachment),
	)
	if err != nil {
		return fmt.Errorf("hook: slack post: %w", err)
	}
	return nil
}
