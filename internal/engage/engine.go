// Package engage implements the inactivity nudge engine: a fixed-tick poller
// that scans tracked activity records, gates on active hours, whitelist, and
// the escalation cap, and schedules jittered nudge sends through the task
// registry. Inbound qualifying messages reset escalation synchronously before
// the poller can observe the user again.
package engage

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/companionkit/engage/internal/clock"
	"github.com/companionkit/engage/internal/escalation"
	"github.com/companionkit/engage/internal/messenger"
	"github.com/companionkit/engage/internal/metrics"
	"github.com/companionkit/engage/internal/tasks"
	"github.com/companionkit/engage/internal/timeperiod"
	"github.com/companionkit/engage/internal/users"
)

// Config holds the engine's timing and gating knobs.
type Config struct {
	TickInterval      time.Duration
	InactiveThreshold time.Duration
	MaxResponseDelay  time.Duration
	ActiveHours       timeperiod.Window
	Whitelist         users.Whitelist
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.InactiveThreshold <= 0 {
		c.InactiveThreshold = 2 * time.Hour
	}
	if c.MaxResponseDelay < 0 {
		c.MaxResponseDelay = 0
	}
}

// Engine drives proactive inactivity nudges.
type Engine struct {
	cfg      Config
	clk      clock.Clock
	tracker  *users.Tracker
	esc      *escalation.Machine
	registry *tasks.Registry
	msgr     messenger.Sender
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu            sync.Mutex
	rng           *rand.Rand
	pendingNudges map[string]string   // user ID -> task ID of scheduled nudge
	awaiting      map[string]struct{} // users with an undelivered-reply nudge outstanding
}

// New constructs the engine. All collaborators are injected; the engine owns
// no goroutines until Run is called.
func New(cfg Config, clk clock.Clock, tracker *users.Tracker, esc *escalation.Machine,
	registry *tasks.Registry, msgr messenger.Sender, m *metrics.Metrics,
	rng *rand.Rand, logger zerolog.Logger) *Engine {
	cfg.applyDefaults()
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		cfg:           cfg,
		clk:           clk,
		tracker:       tracker,
		esc:           esc,
		registry:      registry,
		msgr:          msgr,
		metrics:       m,
		logger:        logger.With().Str("component", "engage").Logger(),
		rng:           rng,
		pendingNudges: make(map[string]string),
		awaiting:      make(map[string]struct{}),
	}
}

// Run executes the poller loop until ctx is cancelled. A panicking tick is
// logged and the loop continues; only cancellation ends it.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info().
		Dur("tick", e.cfg.TickInterval).
		Dur("threshold", e.cfg.InactiveThreshold).
		Msg("inactivity poller started")
	for {
		if err := e.clk.Sleep(ctx, e.cfg.TickInterval); err != nil {
			e.logger.Info().Msg("inactivity poller stopped")
			return
		}
		e.safeTick(ctx)
	}
}

func (e *Engine) safeTick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error().Interface("panic", rec).Msg("poller tick panicked")
			e.metrics.RecordTick("nudge", "panic")
		}
	}()
	e.Tick(ctx)
}

// Tick runs one poller evaluation. Exported so tests can drive the engine
// without the loop.
func (e *Engine) Tick(ctx context.Context) {
	now := e.clk.Now()
	e.metrics.TrackedUsers.Set(float64(e.tracker.Len()))
	e.metrics.PendingTasks.Set(float64(e.registry.Len()))

	if !e.cfg.ActiveHours.Contains(now) {
		e.metrics.RecordTick("nudge", "outside_window")
		return
	}

	scheduled := 0
	for id, rec := range e.tracker.Snapshot() {
		if !e.cfg.Whitelist.Allows(id) {
			continue
		}
		if e.esc.Capped(id) {
			continue
		}
		if now.Sub(rec.LastActiveAt) < e.cfg.InactiveThreshold {
			continue
		}
		if e.scheduleNudge(ctx, id, now) {
			scheduled++
		}
	}

	if scheduled > 0 {
		e.logger.Debug().Int("scheduled", scheduled).Msg("tick scheduled nudges")
	}
	e.metrics.RecordTick("nudge", "ok")
}

// scheduleNudge claims the user's inactivity episode and schedules the send.
// The tracker removal is the claim: a concurrent tick for the same user loses
// the Remove race and schedules nothing.
func (e *Engine) scheduleNudge(ctx context.Context, id string, now time.Time) bool {
	rec, ok := e.tracker.Remove(id)
	if !ok {
		return false
	}

	taskID := fmt.Sprintf("nudge_%s_%d", id, now.Unix())
	action := func(taskCtx context.Context) error {
		return e.fireNudge(taskCtx, id, rec)
	}
	if _, err := e.registry.Schedule(taskID, action, 0, &tasks.Jitter{Min: 0, Max: e.cfg.MaxResponseDelay}); err != nil {
		// Scheduling failed, put the user back so a later tick retries.
		e.tracker.Touch(id, rec)
		e.logger.Error().Err(err).Str("user_id", id).Msg("nudge scheduling failed")
		return false
	}
	e.metrics.RecordTask("scheduled")

	e.mu.Lock()
	e.pendingNudges[id] = taskID
	e.mu.Unlock()

	e.logger.Info().
		Str("user_id", id).
		Str("task_id", taskID).
		Dur("inactive_for", now.Sub(rec.LastActiveAt)).
		Msg("nudge scheduled")
	return true
}

func (e *Engine) fireNudge(ctx context.Context, id string, rec users.Record) error {
	defer e.clearPending(id)

	// Conditions may have shifted during the jittered delay.
	if !e.cfg.Whitelist.Allows(id) {
		e.logger.Debug().Str("user_id", id).Msg("nudge dropped, user left whitelist")
		return nil
	}

	count, capReached, err := e.esc.Next(id)
	if err != nil {
		e.metrics.RecordNudge("none", "capped")
		return nil
	}

	now := e.clk.Now()
	phase := escalation.PhaseForCount(count, e.esc.Cap())
	prompt := e.nudgePrompt(phase)
	period := timeperiod.Of(now)

	sendErr := e.msgr.Send(ctx, messenger.Request{
		UserID:         id,
		ConversationID: rec.ConversationID,
		Target:         rec.Target,
		Prompt:         prompt,
		Kind:           messenger.KindNudge,
	})
	if sendErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The counter is only committed after delivery, so a failed send does
		// not charge the user an escalation step. Re-insert the record with
		// its original timestamp so the next tick retries.
		e.tracker.Touch(id, rec)
		e.metrics.RecordNudge(phaseLabel(phase), "send_failed")
		e.metrics.RecordGenerationError("nudge")
		return fmt.Errorf("nudge send: %w", sendErr)
	}

	if !e.esc.Commit(id, count, string(period), now) {
		// The user replied while the send was in flight and reset won. Their
		// inbound handling already re-inserted the activity record.
		e.metrics.RecordNudge(phaseLabel(phase), "stale_commit")
		e.logger.Info().Str("user_id", id).Msg("nudge commit superseded by reply")
		return nil
	}

	e.mu.Lock()
	e.awaiting[id] = struct{}{}
	e.mu.Unlock()

	e.metrics.RecordNudge(phaseLabel(phase), "sent")

	if capReached {
		e.logger.Info().Str("user_id", id).Int("count", count).Msg("nudge cap reached, monitoring paused")
		return nil
	}

	// Re-enter monitoring: the nudge itself becomes the new activity baseline.
	e.tracker.Touch(id, users.Record{
		ConversationID: rec.ConversationID,
		Target:         rec.Target,
		LastActiveAt:   now,
	})
	e.logger.Info().Str("user_id", id).Int("count", count).Msg("nudge delivered, monitoring re-armed")
	return nil
}

func (e *Engine) clearPending(id string) {
	e.mu.Lock()
	delete(e.pendingNudges, id)
	e.mu.Unlock()
}

// HandleInbound processes a qualifying user message. The escalation reset is
// synchronous: by the time this returns, the poller cannot observe stale
// escalation state for the user.
func (e *Engine) HandleInbound(id, conversationID, target string) {
	now := e.clk.Now()

	e.esc.Reset(id)

	e.mu.Lock()
	taskID, pending := e.pendingNudges[id]
	delete(e.pendingNudges, id)
	delete(e.awaiting, id)
	e.mu.Unlock()

	if pending {
		if e.registry.Cancel(taskID) {
			e.metrics.RecordTask("cancelled")
			e.logger.Info().Str("user_id", id).Str("task_id", taskID).Msg("pending nudge cancelled by reply")
		}
	}

	e.tracker.Touch(id, users.Record{
		ConversationID: conversationID,
		Target:         target,
		LastActiveAt:   now,
	})
	e.logger.Debug().Str("user_id", id).Msg("activity refreshed")
}

// Awaiting returns the sorted set of users with an outstanding unanswered
// nudge, for persistence.
func (e *Engine) Awaiting() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.awaiting))
	for id := range e.awaiting {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RestoreAwaiting reinstalls the awaiting-reply set at load time.
func (e *Engine) RestoreAwaiting(ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.awaiting = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		e.awaiting[id] = struct{}{}
	}
}

func phaseLabel(p escalation.Phase) string {
	switch p {
	case escalation.PhaseMissing:
		return "missing"
	case escalation.PhaseLetdown:
		return "letdown"
	case escalation.PhaseRespectful:
		return "respectful"
	case escalation.PhaseFinal:
		return "final"
	default:
		return "none"
	}
}
