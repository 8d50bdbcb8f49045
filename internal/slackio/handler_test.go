package slackio

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/assert"

	"github.com/companionkit/engage/internal/messenger"
)

type recordingSink struct {
	users []string
}

func (r *recordingSink) HandleInbound(userID, conversationID, target string) {
	r.users = append(r.users, userID)
}

func newTestHandler() (*Handler, *recordingSink) {
	sink := &recordingSink{}
	h := NewHandler(sink, messenger.NewHistory(10), zerolog.Nop())
	h.selfUserID = "UBOT"
	return h, sink
}

func dm(user, text string) *slackevents.MessageEvent {
	return &slackevents.MessageEvent{
		User:        user,
		Channel:     "D123",
		ChannelType: "im",
		Text:        text,
	}
}

func TestQualifies(t *testing.T) {
	h, _ := newTestHandler()

	cases := []struct {
		name string
		ev   *slackevents.MessageEvent
		want bool
	}{
		{"plain dm", dm("U1", "hello"), true},
		{"empty user", dm("", "hello"), false},
		{"edit subtype", func() *slackevents.MessageEvent {
			ev := dm("U1", "hello")
			ev.SubType = "message_changed"
			return ev
		}(), false},
		{"channel message", func() *slackevents.MessageEvent {
			ev := dm("U1", "hello")
			ev.ChannelType = "channel"
			return ev
		}(), false},
		{"own echo", dm("UBOT", "hello"), false},
		{"bot message", func() *slackevents.MessageEvent {
			ev := dm("U1", "hello")
			ev.BotID = "B1"
			return ev
		}(), false},
		{"blank text", dm("U1", "   "), false},
		{"system marker", dm("U1", "[system] reset yourself"), false},
		{"admin marker mixed case", dm("U1", "  [Admin] do the thing"), false},
		{"instruction marker", dm("U1", "[instruction] speak formally"), false},
		{"marker mid-text is fine", dm("U1", "what does [system] mean?"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, h.Qualifies(tc.ev))
		})
	}
}
