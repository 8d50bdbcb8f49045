package messenger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionkit/engage/internal/clock"
	"github.com/companionkit/engage/internal/festival"
	"github.com/companionkit/engage/internal/llm"
	"github.com/companionkit/engage/internal/persona"
)

type scriptedProvider struct {
	mu    sync.Mutex
	text  string
	err   error
	calls []llm.CompletionRequest
}

func (p *scriptedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{Text: p.text}, nil
}

func (p *scriptedProvider) ModelID() string { return "scripted" }

func (p *scriptedProvider) lastCall(t *testing.T) llm.CompletionRequest {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.calls)
	return p.calls[len(p.calls)-1]
}

type recordedDelivery struct {
	target string
	text   string
}

type fakeDeliverer struct {
	mu        sync.Mutex
	err       error
	delivered []recordedDelivery
}

func (d *fakeDeliverer) Deliver(ctx context.Context, target, text string) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	d.delivered = append(d.delivered, recordedDelivery{target: target, text: text})
	d.mu.Unlock()
	return nil
}

func testPersona() persona.Persona {
	return persona.Persona{
		Name:         "Mika",
		SystemPrompt: "You are Mika, a cheerful companion.",
	}
}

func newMessenger(provider *scriptedProvider, deliverer *fakeDeliverer, detector *festival.Detector) *Messenger {
	clk := clock.NewFake(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))
	return New(clk, provider, deliverer, testPersona(), nil, detector, rand.New(rand.NewSource(1)), zerolog.Nop())
}

func TestSendGeneratesDeliversAndRecords(t *testing.T) {
	provider := &scriptedProvider{text: "  hey, thinking of you!  "}
	deliverer := &fakeDeliverer{}
	m := newMessenger(provider, deliverer, nil)

	err := m.Send(context.Background(), Request{
		UserID:         "u1",
		ConversationID: "D1",
		Target:         "D1",
		Prompt:         "Check in on the user.",
		Kind:           KindNudge,
	})
	require.NoError(t, err)

	require.Len(t, deliverer.delivered, 1)
	assert.Equal(t, "D1", deliverer.delivered[0].target)
	assert.Equal(t, "hey, thinking of you!", deliverer.delivered[0].text)

	// The assistant turn lands in history.
	turns := m.History().Context("D1")
	assert.Equal(t, 0, len(turns), "leading assistant turn is not usable context")
	assert.Equal(t, 1, m.History().Len("D1"))

	call := provider.lastCall(t)
	assert.Contains(t, call.SystemPrompt, "You are Mika")
	assert.Contains(t, call.SystemPrompt, "Monday 15:00")
	require.NotEmpty(t, call.Messages)
	assert.Equal(t, "Check in on the user.", call.Messages[len(call.Messages)-1].Content)
}

func TestSendIncludesHistoryAndExtraContext(t *testing.T) {
	provider := &scriptedProvider{text: "reply"}
	deliverer := &fakeDeliverer{}
	m := newMessenger(provider, deliverer, nil)
	m.History().Append("D1", llm.Message{Role: llm.RoleUser, Content: "hello there"})

	err := m.Send(context.Background(), Request{
		UserID:         "u1",
		ConversationID: "D1",
		Target:         "D1",
		Prompt:         "Respond warmly.",
		Kind:           KindGreeting,
		ExtraContext:   []string{"The weather in town is sunny, 21 degrees."},
	})
	require.NoError(t, err)

	call := provider.lastCall(t)
	require.Len(t, call.Messages, 2)
	assert.Equal(t, "hello there", call.Messages[0].Content)
	assert.Contains(t, call.SystemPrompt, "sunny, 21 degrees")
}

func TestFestivalOverridesNudgePromptButNotGreeting(t *testing.T) {
	detector := festival.NewDetector()
	provider := &scriptedProvider{text: "festive reply"}
	deliverer := &fakeDeliverer{}

	clk := clock.NewFake(time.Date(2026, 12, 25, 10, 0, 0, 0, time.UTC))
	m := New(clk, provider, deliverer, testPersona(), nil, detector, rand.New(rand.NewSource(1)), zerolog.Nop())

	require.NoError(t, m.Send(context.Background(), Request{
		UserID: "u1", ConversationID: "D1", Target: "D1",
		Prompt: "ordinary nudge prompt", Kind: KindNudge,
	}))
	nudgeCall := provider.lastCall(t)
	assert.NotEqual(t, "ordinary nudge prompt", nudgeCall.Messages[len(nudgeCall.Messages)-1].Content,
		"festival prompt replaces the nudge prompt")

	require.NoError(t, m.Send(context.Background(), Request{
		UserID: "u1", ConversationID: "D2", Target: "D2",
		Prompt: "morning greeting prompt", Kind: KindGreeting,
	}))
	greetCall := provider.lastCall(t)
	assert.Equal(t, "morning greeting prompt", greetCall.Messages[len(greetCall.Messages)-1].Content)
}

func TestSendFailsOnEmptyCompletion(t *testing.T) {
	provider := &scriptedProvider{text: "   "}
	deliverer := &fakeDeliverer{}
	m := newMessenger(provider, deliverer, nil)

	err := m.Send(context.Background(), Request{UserID: "u1", ConversationID: "D1", Target: "D1", Prompt: "p"})
	require.Error(t, err)
	assert.Empty(t, deliverer.delivered)
}

func TestSendDeliveryFailureNotRecorded(t *testing.T) {
	provider := &scriptedProvider{text: "hello"}
	deliverer := &fakeDeliverer{err: errors.New("channel gone")}
	m := newMessenger(provider, deliverer, nil)

	err := m.Send(context.Background(), Request{UserID: "u1", ConversationID: "D1", Target: "D1", Prompt: "p"})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "deliver:"))
	assert.Equal(t, 0, m.History().Len("D1"), "failed delivery leaves no assistant turn")
}

func TestHistoryBoundedWindow(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Append("c", llm.Message{Role: llm.RoleUser, Content: strings.Repeat("x", i+1)})
	}
	assert.Equal(t, 3, h.Len("c"))
	turns := h.Context("c")
	require.Len(t, turns, 3)
	assert.Equal(t, "xxx", turns[0].Content, "oldest turns dropped first")
}

func TestHistoryEvictsIdleConversations(t *testing.T) {
	h := NewHistory(5)
	for i := 0; i < maxConversationsKept+1; i++ {
		h.Append(fmt.Sprintf("c%d", i), llm.Message{Role: llm.RoleUser, Content: "hi"})
	}
	assert.Equal(t, 0, h.Len("c0"), "least recently used conversation evicted")
	assert.Equal(t, 1, h.Len(fmt.Sprintf("c%d", maxConversationsKept)))
}

func TestHistoryContextSkipsLeadingAssistantTurns(t *testing.T) {
	h := NewHistory(10)
	h.Append("c", llm.Message{Role: llm.RoleAssistant, Content: "a1"})
	h.Append("c", llm.Message{Role: llm.RoleAssistant, Content: "a2"})
	h.Append("c", llm.Message{Role: llm.RoleUser, Content: "u1"})
	h.Append("c", llm.Message{Role: llm.RoleAssistant, Content: "a3"})

	turns := h.Context("c")
	require.Len(t, turns, 2)
	assert.Equal(t, llm.RoleUser, turns[0].Role)
	assert.Equal(t, "u1", turns[0].Content)
}
