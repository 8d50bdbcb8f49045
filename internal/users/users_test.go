package users

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhitelistDisabledAllowsEveryone(t *testing.T) {
	wl := NewWhitelist(false, nil)
	assert.True(t, wl.Allows("anyone"))
}

func TestWhitelistEnabledFilters(t *testing.T) {
	wl := NewWhitelist(true, []string{"u1", "u2"})
	assert.True(t, wl.Allows("u1"))
	assert.False(t, wl.Allows("u3"))
}

func TestTrackerRemoveIsAtomic(t *testing.T) {
	tr := NewTracker()
	tr.Touch("u1", Record{ConversationID: "c1", LastActiveAt: time.Now()})

	rec, ok := tr.Remove("u1")
	require.True(t, ok)
	assert.Equal(t, "c1", rec.ConversationID)

	_, ok = tr.Remove("u1")
	assert.False(t, ok, "second remove must not claim the same record")
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerSnapshotIsCopy(t *testing.T) {
	tr := NewTracker()
	tr.Touch("u1", Record{ConversationID: "c1"})
	snap := tr.Snapshot()
	delete(snap, "u1")
	_, ok := tr.Get("u1")
	assert.True(t, ok)
}

func TestEligibleAppliesExclusionAndWhitelist(t *testing.T) {
	tracked := map[string]Record{
		"u1": {ConversationID: "c1"},
		"u2": {ConversationID: "c2"},
		"u3": {ConversationID: "c3"},
		"日本語ユーザー": {ConversationID: "c4"},
	}
	excluded := map[string]struct{}{"u2": {}}
	wl := NewWhitelist(true, []string{"u1", "u2", "日本語ユーザー"})

	got := Eligible(tracked, excluded, wl)
	require.Len(t, got, 2)
	// Ordered by ID: "u1" sorts before the non-ASCII ID.
	assert.Equal(t, "u1", got[0].ID)
	assert.Equal(t, "日本語ユーザー", got[1].ID)
}

func TestSampleSizeFormula(t *testing.T) {
	candidates := make([]Candidate, 10)
	for i := range candidates {
		candidates[i] = Candidate{ID: string(rune('a' + i))}
	}

	rng := rand.New(rand.NewSource(42))
	got := Sample(candidates, 0.4, 1, rng)
	assert.Len(t, got, 4, "max(1, floor(10*0.4))")

	seen := make(map[string]struct{})
	for _, c := range got {
		_, dup := seen[c.ID]
		assert.False(t, dup, "no duplicates")
		seen[c.ID] = struct{}{}
	}
}

func TestSampleMinCountWins(t *testing.T) {
	candidates := []Candidate{{ID: "a"}, {ID: "b"}}
	got := Sample(candidates, 0.1, 1, rand.New(rand.NewSource(1)))
	assert.Len(t, got, 1)
}

func TestSampleCappedAtCandidates(t *testing.T) {
	candidates := []Candidate{{ID: "a"}, {ID: "b"}}
	got := Sample(candidates, 0.5, 10, rand.New(rand.NewSource(1)))
	assert.Len(t, got, 2)
}

func TestSampleEmptyInput(t *testing.T) {
	assert.Empty(t, Sample(nil, 0.4, 1, rand.New(rand.NewSource(1))))
}

func TestSampleDeterministicWithSeededSource(t *testing.T) {
	candidates := make([]Candidate, 5)
	for i := range candidates {
		candidates[i] = Candidate{ID: string(rune('a' + i))}
	}
	a := Sample(candidates, 0.4, 1, rand.New(rand.NewSource(9)))
	b := Sample(candidates, 0.4, 1, rand.New(rand.NewSource(9)))
	assert.Equal(t, a, b)
}
