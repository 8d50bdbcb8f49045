// Package greetings sends morning and night greetings to a sampled subset of
// tracked users. Each greeting kind has a daily window starting at its
// configured time; a restart inside the catch-up window still greets users
// that were missed. Per-day sent-sets prevent double greetings and reset at
// date rollover.
package greetings

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/companionkit/engage/internal/clock"
	"github.com/companionkit/engage/internal/festival"
	"github.com/companionkit/engage/internal/messenger"
	"github.com/companionkit/engage/internal/metrics"
	"github.com/companionkit/engage/internal/tasks"
	"github.com/companionkit/engage/internal/users"
	"github.com/companionkit/engage/internal/weather"
)

// Kind selects the greeting window and prompt bank.
type Kind string

const (
	Morning Kind = "morning"
	Night   Kind = "night"
)

var morningPrompts = []string{
	"It is morning. Send the user a bright good-morning message and wish them a good day.",
	"A new day is starting. Greet the user warmly and mention something you are looking forward to today.",
	"Send a gentle good-morning, ask if they slept well.",
}

var nightPrompts = []string{
	"It is late evening. Wish the user a good night and tell them to rest well.",
	"The day is ending. Send a cozy good-night message and mention you enjoyed the day.",
	"Send a soft good-night, hoping they have sweet dreams.",
}

// Config holds the greeting schedule and sampling knobs.
type Config struct {
	Enabled        bool
	MorningHour    int
	MorningMinute  int
	NightHour      int
	NightMinute    int
	CatchUpWindow  time.Duration // how long after the window opens a greeting may still go out
	SelectionRatio float64
	MinSelected    int
	JitterMin      time.Duration
	JitterMax      time.Duration
	TickInterval   time.Duration
	Whitelist      users.Whitelist
}

func (c *Config) applyDefaults() {
	if c.CatchUpWindow <= 0 {
		c.CatchUpWindow = 2 * time.Hour
	}
	if c.SelectionRatio <= 0 {
		c.SelectionRatio = 0.4
	}
	if c.MinSelected <= 0 {
		c.MinSelected = 1
	}
	if c.JitterMin <= 0 {
		c.JitterMin = time.Minute
	}
	if c.JitterMax < c.JitterMin {
		c.JitterMax = 40 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
}

// Service runs the greeting loops.
type Service struct {
	cfg      Config
	clk      clock.Clock
	tracker  *users.Tracker
	registry *tasks.Registry
	msgr     messenger.Sender
	wx       *weather.Client    // nil disables weather context
	detector *festival.Detector // nil disables festival context
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	day  string
	sent map[Kind]map[string]struct{}
}

// New constructs the greeting service. wx and detector may be nil.
func New(cfg Config, clk clock.Clock, tracker *users.Tracker, registry *tasks.Registry,
	msgr messenger.Sender, wx *weather.Client, detector *festival.Detector,
	m *metrics.Metrics, rng *rand.Rand, logger zerolog.Logger) *Service {
	cfg.applyDefaults()
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Service{
		cfg:      cfg,
		clk:      clk,
		tracker:  tracker,
		registry: registry,
		msgr:     msgr,
		wx:       wx,
		detector: detector,
		metrics:  m,
		logger:   logger.With().Str("component", "greetings").Logger(),
		rng:      rng,
		sent:     map[Kind]map[string]struct{}{Morning: {}, Night: {}},
	}
}

// Run ticks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("greetings disabled")
		return
	}
	s.logger.Info().
		Int("morning_hour", s.cfg.MorningHour).
		Int("night_hour", s.cfg.NightHour).
		Msg("greeting loop started")
	for {
		if err := s.clk.Sleep(ctx, s.cfg.TickInterval); err != nil {
			s.logger.Info().Msg("greeting loop stopped")
			return
		}
		s.Tick(ctx)
	}
}

// Tick evaluates both greeting windows once. Exported for tests.
func (s *Service) Tick(ctx context.Context) {
	now := s.clk.Now()
	s.rollover(now)

	if s.inWindow(now, s.cfg.MorningHour, s.cfg.MorningMinute) {
		s.dispatch(ctx, Morning, now)
	}
	if s.inWindow(now, s.cfg.NightHour, s.cfg.NightMinute) {
		s.dispatch(ctx, Night, now)
	}
	s.metrics.RecordTick("greetings", "ok")
}

func (s *Service) rollover(now time.Time) {
	key := now.Format("2006-01-02")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.day != key {
		s.day = key
		s.sent = map[Kind]map[string]struct{}{Morning: {}, Night: {}}
	}
}

func (s *Service) inWindow(now time.Time, hour, minute int) bool {
	open := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	return !now.Before(open) && now.Before(open.Add(s.cfg.CatchUpWindow))
}

func (s *Service) dispatch(ctx context.Context, kind Kind, now time.Time) {
	s.mu.Lock()
	already := make(map[string]struct{}, len(s.sent[kind]))
	for id := range s.sent[kind] {
		already[id] = struct{}{}
	}
	s.mu.Unlock()

	candidates := users.Eligible(s.tracker.Snapshot(), already, s.cfg.Whitelist)
	if len(candidates) == 0 {
		return
	}

	s.mu.Lock()
	picked := users.Sample(candidates, s.cfg.SelectionRatio, s.cfg.MinSelected, s.rng)
	// Users not picked today are marked too: a greeting window samples the
	// population once, it does not retry the remainder every tick.
	for _, c := range candidates {
		s.sent[kind][c.ID] = struct{}{}
	}
	s.mu.Unlock()

	for _, c := range picked {
		c := c
		taskID := fmt.Sprintf("greeting_%s_%s_%d", kind, c.ID, now.Unix())
		action := func(taskCtx context.Context) error {
			return s.fire(taskCtx, kind, c)
		}
		jitter := &tasks.Jitter{Min: s.cfg.JitterMin, Max: s.cfg.JitterMax}
		if _, err := s.registry.Schedule(taskID, action, 0, jitter); err != nil {
			s.logger.Error().Err(err).Str("user_id", c.ID).Msg("greeting scheduling failed")
			continue
		}
		s.metrics.RecordTask("scheduled")
	}
	s.logger.Info().
		Str("kind", string(kind)).
		Int("candidates", len(candidates)).
		Int("picked", len(picked)).
		Msg("greetings scheduled")
}

func (s *Service) fire(ctx context.Context, kind Kind, c users.Candidate) error {
	var extra []string
	if kind == Morning && s.wx != nil {
		if report, err := s.wx.Now(ctx); err == nil {
			extra = append(extra, report.Describe())
		}
	}
	if s.detector != nil {
		if f, ok := s.detector.On(s.clk.Now()); ok {
			extra = append(extra, fmt.Sprintf("Today is %s; weave that into the greeting.", f.Name))
		}
	}

	err := s.msgr.Send(ctx, messenger.Request{
		UserID:         c.ID,
		ConversationID: c.Record.ConversationID,
		Target:         c.Record.Target,
		Prompt:         s.prompt(kind),
		Kind:           messenger.KindGreeting,
		ExtraContext:   extra,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.RecordGreeting(string(kind), "send_failed")
		s.metrics.RecordGenerationError("greeting")
		return fmt.Errorf("greeting send: %w", err)
	}
	s.metrics.RecordGreeting(string(kind), "sent")
	return nil
}

func (s *Service) prompt(kind Kind) string {
	bank := morningPrompts
	if kind == Night {
		bank = nightPrompts
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return bank[s.rng.Intn(len(bank))]
}

// Export returns the persistence view: the current day key and the sorted
// sent-sets.
func (s *Service) Export() (day string, sent map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent = make(map[string][]string, len(s.sent))
	for kind, set := range s.sent {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		sent[string(kind)] = ids
	}
	return s.day, sent
}

// Restore reinstalls persisted sent-sets. A day key that no longer matches
// today is ignored; rollover would discard it on the first tick anyway.
func (s *Service) Restore(day string, sent map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.day = day
	s.sent = map[Kind]map[string]struct{}{Morning: {}, Night: {}}
	for kind, ids := range sent {
		k := Kind(kind)
		if _, ok := s.sent[k]; !ok {
			continue
		}
		for _, id := range ids {
			s.sent[k][id] = struct{}{}
		}
	}
}
