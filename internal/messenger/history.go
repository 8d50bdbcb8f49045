package messenger

import (
	"sync"

	"github.com/companionkit/engage/internal/llm"
	"github.com/companionkit/engage/lru"
)

const (
	defaultHistoryLimit  = 20
	maxConversationsKept = 256
)

// History keeps a bounded per-conversation message window used as generation
// context. Oldest turns are dropped first; conversations idle the longest are
// evicted wholesale once the conversation cap is reached.
type History struct {
	limit int

	mu    sync.Mutex
	turns *lru.Cache[string, []llm.Message]
}

// NewHistory creates a history keeping at most limit turns per conversation.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &History{
		limit: limit,
		turns: lru.New[string, []llm.Message](maxConversationsKept),
	}
}

// Append records one turn.
func (h *History) Append(conversationID string, msg llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	existing, _ := h.turns.Get(conversationID)
	turns := append(existing, msg)
	if len(turns) > h.limit {
		turns = turns[len(turns)-h.limit:]
	}
	h.turns.Put(conversationID, turns)
}

// Context returns a copy of the conversation's turns, oldest first. The
// Anthropic API requires the first message to be a user turn, so any leading
// assistant turns are skipped.
func (h *History) Context(conversationID string) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	turns, _ := h.turns.Get(conversationID)
	start := 0
	for start < len(turns) && turns[start].Role != llm.RoleUser {
		start++
	}
	out := make([]llm.Message, len(turns)-start)
	copy(out, turns[start:])
	return out
}

// Len reports the stored turn count for a conversation.
func (h *History) Len(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	turns, _ := h.turns.Peek(conversationID)
	return len(turns)
}
