package slackio

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/companionkit/engage/internal/llm"
	"github.com/companionkit/engage/internal/messenger"
)

// systemMarkers open messages that are instructions to the agent rather than
// conversation; they never count as user activity.
var systemMarkers = []string{"[system]", "[admin]", "[instruction]"}

// InboundSink receives qualifying user messages. The engagement engine
// implements this.
type InboundSink interface {
	HandleInbound(userID, conversationID, target string)
}

// Handler filters Socket Mode events down to qualifying direct messages.
type Handler struct {
	socket     *socketmode.Client
	sink       InboundSink
	history    *messenger.History
	selfUserID string
	logger     zerolog.Logger
}

// NewHandler creates an event handler feeding the given sink.
func NewHandler(sink InboundSink, history *messenger.History, logger zerolog.Logger) *Handler {
	return &Handler{
		sink:    sink,
		history: history,
		logger:  logger.With().Str("component", "slack.handler").Logger(),
	}
}

// HandleEvent routes Socket Mode events.
func (h *Handler) HandleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		h.handleEventsAPI(ctx, evt)
	default:
		h.logger.Debug().Str("type", string(evt.Type)).Msg("unhandled event type")
	}
}

func (h *Handler) handleEventsAPI(ctx context.Context, evt socketmode.Event) {
	// Slack requires the ack within 3 seconds
	if h.socket != nil && evt.Request != nil {
		h.socket.Ack(*evt.Request)
	}

	eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		h.logger.Warn().Str("type", string(evt.Type)).Msg("failed to cast events_api data")
		return
	}
	if eventsAPIEvent.Type != slackevents.CallbackEvent {
		return
	}

	ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		h.logger.Debug().Str("inner_type", eventsAPIEvent.InnerEvent.Type).Msg("unhandled callback event type")
		return
	}
	if !h.Qualifies(ev) {
		return
	}

	h.logger.Info().
		Str("user", ev.User).
		Str("channel", ev.Channel).
		Msg("qualifying message received")

	if h.history != nil {
		h.history.Append(ev.Channel, llm.Message{Role: llm.RoleUser, Content: ev.Text})
	}
	h.sink.HandleInbound(ev.User, ev.Channel, ev.Channel)
}

// Qualifies reports whether the message counts as user activity: a direct
// message with text, not an edit or deletion, not the bot's own echo, and not
// a system-instruction marker.
func (h *Handler) Qualifies(ev *slackevents.MessageEvent) bool {
	if ev.User == "" || ev.SubType != "" {
		return false
	}
	if ev.ChannelType != "im" {
		return false
	}
	if ev.User == h.selfUserID || ev.BotID != "" {
		return false
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, marker := range systemMarkers {
		if strings.HasPrefix(lower, marker) {
			return false
		}
	}
	return true
}
