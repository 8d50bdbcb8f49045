package engage

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionkit/engage/internal/clock"
	"github.com/companionkit/engage/internal/escalation"
	"github.com/companionkit/engage/internal/messenger"
	"github.com/companionkit/engage/internal/metrics"
	"github.com/companionkit/engage/internal/tasks"
	"github.com/companionkit/engage/internal/timeperiod"
	"github.com/companionkit/engage/internal/users"
)

type fakeSender struct {
	mu     sync.Mutex
	fail   error
	sent   []messenger.Request
	onSend func(req messenger.Request)
}

func (f *fakeSender) Send(ctx context.Context, req messenger.Request) error {
	f.mu.Lock()
	hook := f.onSend
	fail := f.fail
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if fail != nil {
		return fail
	}
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	clk     *clock.Fake
	tracker *users.Tracker
	esc     *escalation.Machine
	reg     *tasks.Registry
	sender  *fakeSender
	engine  *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	// A mid-afternoon instant, well inside default active hours.
	clk := clock.NewFake(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))
	tracker := users.NewTracker()
	esc := escalation.NewMachine(3)
	reg := tasks.NewRegistry(clk, rand.New(rand.NewSource(1)), zerolog.Nop())
	sender := &fakeSender{}
	engine := New(cfg, clk, tracker, esc, reg, sender, metrics.New(), rand.New(rand.NewSource(2)), zerolog.Nop())
	t.Cleanup(func() {
		reg.CancelAll()
		reg.Wait()
	})
	return &fixture{clk: clk, tracker: tracker, esc: esc, reg: reg, sender: sender, engine: engine}
}

func (f *fixture) trackInactive(id string, inactiveFor time.Duration) {
	f.tracker.Touch(id, users.Record{
		ConversationID: "conv_" + id,
		Target:         "chan_" + id,
		LastActiveAt:   f.clk.Now().Add(-inactiveFor),
	})
}

func TestTickSchedulesPastThresholdExactlyOnce(t *testing.T) {
	fx := newFixture(t, Config{
		InactiveThreshold: 7200 * time.Second,
		MaxResponseDelay:  time.Hour,
	})
	fx.trackInactive("u1", 7201*time.Second)

	fx.engine.Tick(context.Background())
	assert.Equal(t, 0, fx.tracker.Len(), "user removed when nudge scheduled")
	assert.Equal(t, 1, fx.reg.Len())

	fx.engine.Tick(context.Background())
	assert.Equal(t, 1, fx.reg.Len(), "second tick must not double-schedule")
}

func TestTickSkipsUserUnderThreshold(t *testing.T) {
	fx := newFixture(t, Config{InactiveThreshold: 2 * time.Hour, MaxResponseDelay: time.Hour})
	fx.trackInactive("u1", time.Hour)

	fx.engine.Tick(context.Background())
	assert.Equal(t, 1, fx.tracker.Len())
	assert.Equal(t, 0, fx.reg.Len())
}

func TestTickSkipsOutsideActiveHours(t *testing.T) {
	fx := newFixture(t, Config{
		InactiveThreshold: time.Hour,
		ActiveHours:       timeperiod.Window{Enabled: true, StartHour: 8, EndHour: 23},
	})
	fx.clk.Advance(9 * time.Hour) // 15:00 -> 00:00 next day
	fx.trackInactive("u1", 2*time.Hour)

	fx.engine.Tick(context.Background())
	assert.Equal(t, 1, fx.tracker.Len(), "no state mutated outside the window")
	assert.Equal(t, 0, fx.reg.Len())
}

func TestTickSkipsNonWhitelisted(t *testing.T) {
	fx := newFixture(t, Config{
		InactiveThreshold: time.Hour,
		Whitelist:         users.NewWhitelist(true, []string{"vip"}),
	})
	fx.trackInactive("u1", 2*time.Hour)
	fx.trackInactive("vip", 2*time.Hour)

	fx.engine.Tick(context.Background())
	_, stillTracked := fx.tracker.Get("u1")
	assert.True(t, stillTracked)
	_, vipTracked := fx.tracker.Get("vip")
	assert.False(t, vipTracked, "whitelisted user scheduled")
}

func TestNudgeDeliveryAdvancesAndReArms(t *testing.T) {
	fx := newFixture(t, Config{InactiveThreshold: time.Hour, MaxResponseDelay: 0})
	fx.trackInactive("u1", 2*time.Hour)

	fx.engine.Tick(context.Background())
	fx.reg.Wait()

	assert.Equal(t, 1, fx.sender.count())
	assert.Equal(t, 1, fx.esc.Count("u1"))
	rec, ok := fx.tracker.Get("u1")
	require.True(t, ok, "user re-enters monitoring after a delivered nudge")
	assert.Equal(t, fx.clk.Now(), rec.LastActiveAt)
	assert.Equal(t, []string{"u1"}, fx.engine.Awaiting())
}

func TestFailedSendDoesNotAdvanceEscalation(t *testing.T) {
	fx := newFixture(t, Config{InactiveThreshold: time.Hour, MaxResponseDelay: 0})
	fx.sender.fail = errors.New("generation unavailable")
	fx.trackInactive("u1", 2*time.Hour)

	fx.engine.Tick(context.Background())
	fx.reg.Wait()

	assert.Equal(t, 0, fx.esc.Count("u1"), "failed delivery must not charge an escalation step")
	rec, ok := fx.tracker.Get("u1")
	require.True(t, ok, "user re-inserted so a later tick retries")
	assert.Equal(t, fx.clk.Now().Add(-2*time.Hour), rec.LastActiveAt)
	assert.Empty(t, fx.engine.Awaiting())
}

func TestCapStopsMonitoringUntilReply(t *testing.T) {
	fx := newFixture(t, Config{InactiveThreshold: time.Hour, MaxResponseDelay: 0})

	for i := 0; i < 3; i++ {
		fx.trackInactive("u1", 2*time.Hour)
		fx.engine.Tick(context.Background())
		fx.reg.Wait()
	}

	assert.Equal(t, 3, fx.esc.Count("u1"))
	assert.True(t, fx.esc.Capped("u1"))
	_, tracked := fx.tracker.Get("u1")
	assert.False(t, tracked, "capped user leaves monitoring")
	assert.Equal(t, 3, fx.sender.count())

	// Even if re-tracked somehow, a capped user is never scheduled.
	fx.trackInactive("u1", 5*time.Hour)
	fx.engine.Tick(context.Background())
	fx.reg.Wait()
	assert.Equal(t, 3, fx.sender.count())

	fx.engine.HandleInbound("u1", "conv_u1", "chan_u1")
	assert.Equal(t, 0, fx.esc.Count("u1"))
	fx.clk.Advance(2 * time.Hour)
	fx.engine.Tick(context.Background())
	fx.reg.Wait()
	assert.Equal(t, 4, fx.sender.count(), "reply re-opens nudging")
}

func TestReplyBeforeFireCancelsPendingNudge(t *testing.T) {
	fx := newFixture(t, Config{InactiveThreshold: time.Hour, MaxResponseDelay: time.Hour})
	fx.trackInactive("u1", 2*time.Hour)

	fx.engine.Tick(context.Background())
	require.Equal(t, 1, fx.reg.Len())

	fx.engine.HandleInbound("u1", "conv_u1", "chan_u1")
	fx.reg.Wait()

	assert.Equal(t, 0, fx.sender.count(), "cancelled nudge must not send")
	assert.Equal(t, 0, fx.esc.Count("u1"))
	rec, ok := fx.tracker.Get("u1")
	require.True(t, ok)
	assert.Equal(t, fx.clk.Now(), rec.LastActiveAt)
}

func TestReplyDuringSendYieldsStaleCommit(t *testing.T) {
	fx := newFixture(t, Config{InactiveThreshold: time.Hour, MaxResponseDelay: 0})
	fx.trackInactive("u1", 2*time.Hour)

	fx.sender.onSend = func(req messenger.Request) {
		// The reply lands while the send is in flight.
		fx.engine.HandleInbound("u1", req.ConversationID, req.Target)
	}

	fx.engine.Tick(context.Background())
	fx.reg.Wait()

	assert.Equal(t, 0, fx.esc.Count("u1"), "reset must win over the in-flight commit")
	_, tracked := fx.tracker.Get("u1")
	assert.True(t, tracked)
	assert.Empty(t, fx.engine.Awaiting())
}

func TestAwaitingRoundTrip(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.engine.RestoreAwaiting([]string{"b", "a"})
	assert.Equal(t, []string{"a", "b"}, fx.engine.Awaiting())
}
