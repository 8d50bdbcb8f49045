// Package dayplan maintains the persona's plan for the current day: one short
// activity description per time period, generated by the language model once
// per day and injected into outgoing prompt context so proactive messages stay
// consistent with what the persona is "doing".
package dayplan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/companionkit/engage/internal/clock"
	"github.com/companionkit/engage/internal/llm"
	"github.com/companionkit/engage/internal/retry"
	"github.com/companionkit/engage/internal/timeperiod"
)

// Plan is one day's schedule: an activity per time period.
type Plan struct {
	Date    string            `json:"date"` // YYYY-MM-DD
	Entries map[string]string `json:"entries"`
}

// defaultEntries fills any period the model left out.
var defaultEntries = map[timeperiod.Period]string{
	timeperiod.Morning:   "just woke up, having a slow start to the day",
	timeperiod.Forenoon:  "working through the morning's tasks",
	timeperiod.Lunch:     "taking a lunch break",
	timeperiod.Afternoon: "busy with the afternoon's work",
	timeperiod.Dinner:    "making dinner",
	timeperiod.Evening:   "relaxing at home",
	timeperiod.LateNight: "winding down before sleep",
}

// Planner generates and serves the daily plan.
type Planner struct {
	clk      clock.Clock
	provider llm.Provider
	persona  string // persona description used in the generation prompt
	genHour  int
	genMin   int
	logger   zerolog.Logger

	mu   sync.RWMutex
	plan Plan
}

// NewPlanner constructs a planner that regenerates at genHour:genMin daily.
func NewPlanner(clk clock.Clock, provider llm.Provider, personaDesc string, genHour, genMin int, logger zerolog.Logger) *Planner {
	return &Planner{
		clk:      clk,
		provider: provider,
		persona:  personaDesc,
		genHour:  genHour,
		genMin:   genMin,
		logger:   logger.With().Str("component", "dayplan").Logger(),
	}
}

// EntryFor returns the plan entry for the given period. A stale or absent
// plan falls back to the period's default activity.
func (p *Planner) EntryFor(period timeperiod.Period, now time.Time) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.plan.Date == now.Format("2006-01-02") {
		if entry, ok := p.plan.Entries[string(period)]; ok && entry != "" {
			return entry
		}
	}
	return defaultEntries[period]
}

// Current returns a copy of the held plan for persistence and diagnostics.
func (p *Planner) Current() Plan {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := Plan{Date: p.plan.Date, Entries: make(map[string]string, len(p.plan.Entries))}
	for k, v := range p.plan.Entries {
		cp.Entries[k] = v
	}
	return cp
}

// Restore installs a previously persisted plan.
func (p *Planner) Restore(plan Plan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if plan.Entries == nil {
		plan.Entries = make(map[string]string)
	}
	p.plan = plan
}

// Run regenerates the plan at the configured time each day until ctx ends.
// A missing plan for today (fresh start or restart after the generation time)
// is generated immediately.
func (p *Planner) Run(ctx context.Context) {
	p.logger.Info().Int("hour", p.genHour).Int("minute", p.genMin).Msg("day plan loop started")
	for {
		now := p.clk.Now()
		if p.Current().Date != now.Format("2006-01-02") {
			p.generate(ctx, now)
		}
		if err := p.clk.Sleep(ctx, p.untilNextGeneration(p.clk.Now())); err != nil {
			p.logger.Info().Msg("day plan loop stopped")
			return
		}
		p.generate(ctx, p.clk.Now())
	}
}

func (p *Planner) untilNextGeneration(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), p.genHour, p.genMin, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

func (p *Planner) generate(ctx context.Context, now time.Time) {
	prompt := buildPrompt(p.persona, now)
	var text string
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		resp, err := p.provider.Complete(ctx, llm.CompletionRequest{
			Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt}},
			MaxTokens: 512,
		})
		if err != nil {
			return err
		}
		text = resp.Text
		return nil
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("day plan generation failed, keeping defaults")
		p.install(Plan{Date: now.Format("2006-01-02"), Entries: map[string]string{}})
		return
	}

	entries := ParseEntries(text)
	p.install(Plan{Date: now.Format("2006-01-02"), Entries: entries})
	p.logger.Info().Int("entries", len(entries)).Msg("day plan generated")
}

func (p *Planner) install(plan Plan) {
	p.mu.Lock()
	p.plan = plan
	p.mu.Unlock()
}

func buildPrompt(personaDesc string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. Today is %s.\n", personaDesc, now.Format("Monday, January 2"))
	b.WriteString("Write your plan for today as a JSON object with exactly these keys: ")
	for i, period := range timeperiod.All {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(string(period))
	}
	b.WriteString(".\nEach value is one short sentence describing what you are doing in that period. ")
	b.WriteString("Reply with only the JSON object, no other text.")
	return b.String()
}

// ParseEntries extracts the plan object from model output. The model does not
// always return bare JSON, so the outermost brace pair is carved out first;
// anything unparseable yields an empty map and EntryFor falls back to
// defaults.
func ParseEntries(text string) map[string]string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return map[string]string{}
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return map[string]string{}
	}
	entries := make(map[string]string, len(timeperiod.All))
	for _, period := range timeperiod.All {
		if v, ok := raw[string(period)]; ok && strings.TrimSpace(v) != "" {
			entries[string(period)] = strings.TrimSpace(v)
		}
	}
	return entries
}
