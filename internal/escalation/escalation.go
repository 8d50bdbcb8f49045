// Package escalation implements the per-user nudge counter state machine.
// Each unanswered proactive message advances a user's consecutive count and
// shifts the tone of the next one; a qualifying reply resets the count to
// zero. Once a user reaches the configured cap no further nudges are allowed
// until reset.
package escalation

import (
	"errors"
	"sync"
	"time"
)

// ErrCapped is returned by Next when the user has exhausted the allowed
// consecutive nudges.
var ErrCapped = errors.New("escalation: consecutive nudge cap reached")

// Phase is the tone bucket a nudge count maps to. The message text itself is
// generated externally; callers only use the phase to pick a prompt bank.
type Phase int

const (
	// PhaseMissing is the first contact: warm, missing the user.
	PhaseMissing Phase = iota + 1
	// PhaseLetdown admits mild disappointment but stays friendly.
	PhaseLetdown
	// PhaseRespectful acknowledges the silence, still respectful.
	PhaseRespectful
	// PhaseFinal steps back and promises not to keep pestering.
	PhaseFinal
)

// PhaseForCount maps a consecutive count (1-based) and the configured cap to
// a tone phase. The last allowed nudge is always PhaseFinal.
func PhaseForCount(count, cap int) Phase {
	switch {
	case count >= cap:
		return PhaseFinal
	case count == 1:
		return PhaseMissing
	case count == 2:
		return PhaseLetdown
	default:
		return PhaseRespectful
	}
}

// Meta records details of the last committed nudge for a user.
type Meta struct {
	Count  int       `json:"count"`
	Period string    `json:"period"`
	At     time.Time `json:"at"`
}

// Machine tracks consecutive nudge counts for all users. Entries are created
// lazily on the first nudge and persist at zero indefinitely once created.
type Machine struct {
	cap int

	mu     sync.Mutex
	counts map[string]int
	last   map[string]Meta
}

// NewMachine creates a machine with the given consecutive-nudge cap.
func NewMachine(cap int) *Machine {
	if cap <= 0 {
		cap = 3
	}
	return &Machine{
		cap:    cap,
		counts: make(map[string]int),
		last:   make(map[string]Meta),
	}
}

// Cap returns the configured maximum consecutive nudges.
func (m *Machine) Cap() int { return m.cap }

// Next authorizes the user's next nudge without committing it. It returns
// the count the nudge would carry (1-based) and whether that nudge is the
// final one before the cap. ErrCapped is returned when the next count would
// exceed the cap.
func (m *Machine) Next(userID string) (count int, capReached bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.counts[userID] + 1
	if next > m.cap {
		return 0, true, ErrCapped
	}
	return next, next == m.cap, nil
}

// Commit records a delivered nudge. It only succeeds when the machine state
// is unchanged since the matching Next call, i.e. current+1 == count; a reply
// that reset the counter in between makes the commit a stale no-op. This is
// what keeps an in-flight nudge from overwriting a reply-triggered reset.
func (m *Machine) Commit(userID string, count int, period string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts[userID]+1 != count {
		return false
	}
	m.counts[userID] = count
	m.last[userID] = Meta{Count: count, Period: period, At: at}
	return true
}

// Reset unconditionally returns the user to count zero. Idempotent. It also
// clears the last-nudge metadata used for phase selection so a user who
// replies and goes silent again is evaluated fresh.
func (m *Machine) Reset(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[userID] = 0
	if meta, ok := m.last[userID]; ok {
		meta.Count = 0
		m.last[userID] = meta
	}
}

// Count returns the user's current consecutive count.
func (m *Machine) Count(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[userID]
}

// Capped reports whether the user is at the cap.
func (m *Machine) Capped(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[userID] >= m.cap
}

// Export returns copies of the counter and metadata maps for persistence.
func (m *Machine) Export() (counts map[string]int, last map[string]Meta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts = make(map[string]int, len(m.counts))
	for k, v := range m.counts {
		counts[k] = v
	}
	last = make(map[string]Meta, len(m.last))
	for k, v := range m.last {
		last[k] = v
	}
	return counts, last
}

// Restore replaces the machine state wholesale, used at persistence load.
// Counts above the cap are clamped so a cap lowered between runs cannot
// leave users beyond it.
func (m *Machine) Restore(counts map[string]int, last map[string]Meta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = make(map[string]int, len(counts))
	for k, v := range counts {
		if v < 0 {
			v = 0
		}
		if v > m.cap {
			v = m.cap
		}
		m.counts[k] = v
	}
	m.last = make(map[string]Meta, len(last))
	for k, v := range last {
		m.last[k] = v
	}
}
