// Package messenger turns a proactive trigger into a delivered message: it
// assembles the generation prompt from the persona, the time of day, the day
// plan, and any festival context, calls the language model, delivers the
// result, and records it in the conversation history.
package messenger

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/companionkit/engage/internal/clock"
	"github.com/companionkit/engage/internal/dayplan"
	"github.com/companionkit/engage/internal/festival"
	"github.com/companionkit/engage/internal/llm"
	"github.com/companionkit/engage/internal/persona"
	"github.com/companionkit/engage/internal/retry"
	"github.com/companionkit/engage/internal/timeperiod"
)

// Deliverer pushes generated text to the chat surface.
type Deliverer interface {
	Deliver(ctx context.Context, target, text string) error
}

// Sender is the send entry point the proactive features call. Messenger
// implements it; tests substitute recording fakes.
type Sender interface {
	Send(ctx context.Context, req Request) error
}

// Kind classifies a proactive send; greetings keep their own prompt even on
// festival days, everything else is overridden by the festival prompt.
type Kind int

const (
	KindNudge Kind = iota
	KindGreeting
	KindShare
)

// Request describes one proactive send.
type Request struct {
	UserID         string
	ConversationID string
	Target         string
	Prompt         string   // instruction for the model, from the caller's prompt bank
	Kind           Kind
	ExtraContext   []string // additional context lines (weather, etc.)
}

// Messenger generates and delivers proactive messages.
type Messenger struct {
	clk       clock.Clock
	provider  llm.Provider
	deliverer Deliverer
	persona   persona.Persona
	planner   *dayplan.Planner    // nil disables day-plan context
	detector  *festival.Detector  // nil disables festival override
	history   *History
	logger    zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New constructs a messenger. planner and detector may be nil.
func New(clk clock.Clock, provider llm.Provider, deliverer Deliverer, p persona.Persona,
	planner *dayplan.Planner, detector *festival.Detector, rng *rand.Rand, logger zerolog.Logger) *Messenger {
	return &Messenger{
		clk:       clk,
		provider:  provider,
		deliverer: deliverer,
		persona:   p,
		planner:   planner,
		detector:  detector,
		history:   NewHistory(defaultHistoryLimit),
		logger:    logger.With().Str("component", "messenger").Logger(),
		rng:       rng,
	}
}

// History exposes the conversation history, for inbound recording.
func (m *Messenger) History() *History { return m.history }

// Send generates the message text and delivers it. The escalation commit is
// the caller's responsibility; Send only reports whether delivery succeeded.
func (m *Messenger) Send(ctx context.Context, req Request) error {
	prompt := req.Prompt
	now := m.clk.Now()

	if req.Kind != KindGreeting && m.detector != nil {
		if f, ok := m.detector.On(now); ok {
			m.mu.Lock()
			fp := f.Prompt(m.rng)
			m.mu.Unlock()
			if fp != "" {
				prompt = fp
				m.logger.Debug().Str("festival", f.Name).Str("user_id", req.UserID).Msg("festival prompt override")
			}
		}
	}

	system := m.systemPrompt(now, req.ExtraContext)

	msgs := m.history.Context(req.ConversationID)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompt})

	var text string
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		resp, err := m.provider.Complete(ctx, llm.CompletionRequest{
			Messages:     msgs,
			SystemPrompt: system,
			MaxTokens:    512,
		})
		if err != nil {
			return err
		}
		text = strings.TrimSpace(resp.Text)
		return nil
	})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	if text == "" {
		return fmt.Errorf("generate: empty completion")
	}

	if err := m.deliverer.Deliver(ctx, req.Target, text); err != nil {
		return fmt.Errorf("deliver: %w", err)
	}

	m.history.Append(req.ConversationID, llm.Message{Role: llm.RoleAssistant, Content: text})
	m.logger.Info().
		Str("user_id", req.UserID).
		Int("kind", int(req.Kind)).
		Int("chars", len(text)).
		Msg("proactive message delivered")
	return nil
}

func (m *Messenger) systemPrompt(t time.Time, extra []string) string {
	period := timeperiod.Of(t)

	var b strings.Builder
	b.WriteString(m.persona.SystemPrompt)
	fmt.Fprintf(&b, "\nIt is %s, %s.", t.Format("Monday 15:04"), period.Label())
	if m.planner != nil {
		fmt.Fprintf(&b, " You are currently %s.", m.planner.EntryFor(period, t))
	}
	for _, line := range extra {
		if line != "" {
			b.WriteString("\n")
			b.WriteString(line)
		}
	}
	return b.String()
}
