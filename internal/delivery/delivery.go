// Package delivery pushes generated messages to the chat surface.
package delivery

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/companionkit/engage/internal/slackio"
)

// SlackDeliverer sends messages through the Slack Web API. The target is the
// DM channel ID recorded when the user last wrote.
type SlackDeliverer struct {
	api    slackio.BotAPI
	logger zerolog.Logger
}

// NewSlackDeliverer wraps a Slack client.
func NewSlackDeliverer(api slackio.BotAPI, logger zerolog.Logger) *SlackDeliverer {
	return &SlackDeliverer{
		api:    api,
		logger: logger.With().Str("component", "delivery").Logger(),
	}
}

// Deliver posts the text to the target channel.
func (d *SlackDeliverer) Deliver(ctx context.Context, target, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := d.api.PostMessage(target, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("post message to %s: %w", target, err)
	}
	d.logger.Debug().Str("target", target).Int("chars", len(text)).Msg("message posted")
	return nil
}
