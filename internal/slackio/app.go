// Package slackio connects the agent to Slack over Socket Mode and filters
// inbound events down to qualifying user messages.
package slackio

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

// BotAPI abstracts the Slack API client for testing.
type BotAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	AuthTest() (*slack.AuthTestResponse, error)
}

// App is the Slack connection using Socket Mode.
type App struct {
	api        *slack.Client
	socket     *socketmode.Client
	logger     zerolog.Logger
	handler    *Handler
	selfUserID string
}

// NewApp creates the Slack app and resolves the bot's own user ID so the
// handler can drop self-echoes. The handler is attached later with
// SetHandler, after the downstream pipeline exists.
func NewApp(botToken, appToken string, logger zerolog.Logger) (*App, error) {
	api := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)

	auth, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack auth test: %w", err)
	}

	return &App{
		api:        api,
		socket:     socketmode.New(api),
		logger:     logger.With().Str("component", "slack").Logger(),
		selfUserID: auth.UserID,
	}, nil
}

// API returns the underlying client for outbound delivery.
func (a *App) API() *slack.Client { return a.api }

// SetHandler attaches the event handler. Must be called before Run.
func (a *App) SetHandler(h *Handler) {
	h.socket = a.socket
	h.selfUserID = a.selfUserID
	a.handler = h
}

// Run starts the Socket Mode event loop. Blocks until context is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.handler == nil {
		return fmt.Errorf("slackio: no handler attached")
	}
	a.logger.Info().Str("bot_user_id", a.selfUserID).Msg("starting Slack Socket Mode connection")

	go func() {
		for evt := range a.socket.Events {
			a.handler.HandleEvent(ctx, evt)
		}
	}()

	if err := a.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("socket mode error: %w", err)
	}
	return nil
}
