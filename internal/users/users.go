// Package users holds the activity tracking and user-selection logic shared
// by the proactive features: which users are currently monitored, which are
// eligible for a broadcast-style send, and how a random subset is drawn.
package users

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Record describes one tracked user-conversation pair. Presence in the
// tracker means the user is eligible for future inactivity evaluation.
type Record struct {
	ConversationID string    `json:"conversation_id"`
	Target         string    `json:"target"` // opaque delivery routing handle
	LastActiveAt   time.Time `json:"last_active_at"`
}

// Candidate pairs a user ID with its record for selection pipelines.
type Candidate struct {
	ID     string
	Record Record
}

// Whitelist is the static allow-list configuration. When disabled it allows
// everyone.
type Whitelist struct {
	Enabled bool
	IDs     map[string]struct{}
}

// NewWhitelist builds a Whitelist from a flat ID list.
func NewWhitelist(enabled bool, ids []string) Whitelist {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return Whitelist{Enabled: enabled, IDs: set}
}

// Allows reports whether the user passes the whitelist rule.
func (w Whitelist) Allows(id string) bool {
	if !w.Enabled {
		return true
	}
	_, ok := w.IDs[id]
	return ok
}

// Tracker is the set of users currently monitored for inactivity. All
// mutation funnels through Touch and Remove; the poller and the fired send
// actions are the only writers.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]Record)}
}

// Touch inserts or refreshes the record for a user.
func (t *Tracker) Touch(id string, rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[id] = rec
}

// Remove deletes the user from the tracked set, returning the removed record.
// The check-and-delete is atomic so two concurrent schedulers cannot both
// claim the same inactivity episode.
func (t *Tracker) Remove(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if ok {
		delete(t.records, id)
	}
	return rec, ok
}

// Get returns the record for a user, if tracked.
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[id]
	return rec, ok
}

// Len reports the number of tracked users.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Snapshot returns a copy of the tracked set.
func (t *Tracker) Snapshot() map[string]Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Record, len(t.records))
	for id, rec := range t.records {
		out[id] = rec
	}
	return out
}

// Replace swaps the entire tracked set, used at persistence load time.
func (t *Tracker) Replace(records map[string]Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]Record, len(records))
	for id, rec := range records {
		t.records[id] = rec
	}
}

// Eligible filters tracked users down to those not excluded and passing the
// whitelist. Results are ordered by ID so callers and tests see a stable
// sequence.
func Eligible(tracked map[string]Record, excluded map[string]struct{}, wl Whitelist) []Candidate {
	out := make([]Candidate, 0, len(tracked))
	for id, rec := range tracked {
		if _, skip := excluded[id]; skip {
			continue
		}
		if !wl.Allows(id) {
			continue
		}
		out = append(out, Candidate{ID: id, Record: rec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sample draws max(minCount, floor(len*ratio)) candidates uniformly at random
// without replacement, capped at len(candidates). An empty input yields an
// empty result. The random source is injected so tests can assert exact
// selections.
func Sample(candidates []Candidate, ratio float64, minCount int, rng *rand.Rand) []Candidate {
	if len(candidates) == 0 {
		return nil
	}
	n := int(float64(len(candidates)) * ratio)
	if n < minCount {
		n = minCount
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	picked := rng.Perm(len(candidates))[:n]
	out := make([]Candidate, 0, n)
	for _, i := range picked {
		out = append(out, candidates[i])
	}
	return out
}
