// Package dailyshare sends spontaneous "daily life" messages: short shares
// about what the persona is doing, flavored by the time of day. A per-user
// cooldown keeps shares apart; it is checked when a share is selected and
// again when the deferred send fires, since the user may have received one in
// between.
package dailyshare

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/companionkit/engage/internal/clock"
	"github.com/companionkit/engage/internal/messenger"
	"github.com/companionkit/engage/internal/metrics"
	"github.com/companionkit/engage/internal/tasks"
	"github.com/companionkit/engage/internal/timeperiod"
	"github.com/companionkit/engage/internal/users"
)

var sharePrompts = map[timeperiod.Period][]string{
	timeperiod.Morning: {
		"Share a small morning moment: what you are having for breakfast or how waking up went.",
		"Tell the user about the morning light or your plans for the day, casually.",
	},
	timeperiod.Forenoon: {
		"Share something from your morning work or errands, like chatting with a friend.",
		"Mention a small thing that happened this morning and ask about their morning.",
	},
	timeperiod.Lunch: {
		"Share what you are eating for lunch and ask if they have eaten.",
	},
	timeperiod.Afternoon: {
		"Share an afternoon moment: a coffee break, something you read, a thought you had.",
		"Mention the afternoon slump and something keeping you going.",
	},
	timeperiod.Dinner: {
		"Share what you are making or having for dinner.",
	},
	timeperiod.Evening: {
		"Share how you are spending the evening: a show, music, a walk.",
		"Mention something cozy about tonight and ask about their evening.",
	},
	timeperiod.LateNight: {
		"Share a quiet late-night thought, keeping it soft and brief.",
	},
}

// Config holds the share cadence knobs.
type Config struct {
	Enabled      bool
	TickInterval time.Duration
	MinInterval  time.Duration // cooldown between shares to the same user
	Probability  float64       // per-tick chance an off-cooldown user gets a share
	JitterMax    time.Duration
	ActiveHours  timeperiod.Window
	Whitelist    users.Whitelist
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 180 * time.Minute
	}
	if c.Probability <= 0 || c.Probability > 1 {
		c.Probability = 0.01
	}
	if c.JitterMax <= 0 {
		c.JitterMax = 2 * time.Minute
	}
}

// Service runs the share loop.
type Service struct {
	cfg      Config
	clk      clock.Clock
	tracker  *users.Tracker
	registry *tasks.Registry
	msgr     messenger.Sender
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu         sync.Mutex
	rng        *rand.Rand
	lastShared map[string]time.Time
}

// New constructs the share service.
func New(cfg Config, clk clock.Clock, tracker *users.Tracker, registry *tasks.Registry,
	msgr messenger.Sender, m *metrics.Metrics, rng *rand.Rand, logger zerolog.Logger) *Service {
	cfg.applyDefaults()
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Service{
		cfg:        cfg,
		clk:        clk,
		tracker:    tracker,
		registry:   registry,
		msgr:       msgr,
		metrics:    m,
		logger:     logger.With().Str("component", "dailyshare").Logger(),
		rng:        rng,
		lastShared: make(map[string]time.Time),
	}
}

// Run ticks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("daily shares disabled")
		return
	}
	s.logger.Info().Dur("min_interval", s.cfg.MinInterval).Msg("share loop started")
	for {
		if err := s.clk.Sleep(ctx, s.cfg.TickInterval); err != nil {
			s.logger.Info().Msg("share loop stopped")
			return
		}
		s.Tick(ctx)
	}
}

// Tick evaluates one share round. Exported for tests.
func (s *Service) Tick(ctx context.Context) {
	now := s.clk.Now()
	if !s.cfg.ActiveHours.Contains(now) {
		s.metrics.RecordTick("share", "outside_window")
		return
	}

	for _, c := range users.Eligible(s.tracker.Snapshot(), nil, s.cfg.Whitelist) {
		if !s.offCooldown(c.ID, now) {
			continue
		}
		if !s.roll() {
			continue
		}
		s.schedule(ctx, c, now)
	}
	s.metrics.RecordTick("share", "ok")
}

func (s *Service) offCooldown(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastShared[id]
	return !ok || now.Sub(last) >= s.cfg.MinInterval
}

func (s *Service) roll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.cfg.Probability
}

func (s *Service) schedule(ctx context.Context, c users.Candidate, now time.Time) {
	taskID := fmt.Sprintf("share_%s_%d", c.ID, now.Unix())
	action := func(taskCtx context.Context) error {
		return s.fire(taskCtx, c)
	}
	if _, err := s.registry.Schedule(taskID, action, 0, &tasks.Jitter{Min: 0, Max: s.cfg.JitterMax}); err != nil {
		s.logger.Error().Err(err).Str("user_id", c.ID).Msg("share scheduling failed")
		return
	}
	s.metrics.RecordTask("scheduled")
	s.logger.Info().Str("user_id", c.ID).Str("task_id", taskID).Msg("share scheduled")
}

func (s *Service) fire(ctx context.Context, c users.Candidate) error {
	now := s.clk.Now()
	// Re-check: another share may have landed during the jittered delay.
	if !s.offCooldown(c.ID, now) {
		s.metrics.RecordShare("cooldown_race")
		return nil
	}

	period := timeperiod.Of(now)
	err := s.msgr.Send(ctx, messenger.Request{
		UserID:         c.ID,
		ConversationID: c.Record.ConversationID,
		Target:         c.Record.Target,
		Prompt:         s.prompt(period),
		Kind:           messenger.KindShare,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.RecordShare("send_failed")
		s.metrics.RecordGenerationError("share")
		return fmt.Errorf("share send: %w", err)
	}

	s.mu.Lock()
	s.lastShared[c.ID] = now
	s.mu.Unlock()
	s.metrics.RecordShare("sent")
	return nil
}

func (s *Service) prompt(period timeperiod.Period) string {
	bank := sharePrompts[period]
	if len(bank) == 0 {
		bank = sharePrompts[timeperiod.Afternoon]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return bank[s.rng.Intn(len(bank))]
}

// Export returns a copy of the cooldown map for persistence.
func (s *Service) Export() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.lastShared))
	for id, t := range s.lastShared {
		out[id] = t
	}
	return out
}

// Restore replaces the cooldown map at load time.
func (s *Service) Restore(last map[string]time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastShared = make(map[string]time.Time, len(last))
	for id, t := range last {
		s.lastShared[id] = t
	}
}
