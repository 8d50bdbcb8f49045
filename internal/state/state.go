// Package state persists the engine's time-valued state as a single JSON
// document: activity records, escalation counters, the awaiting-reply set,
// share cooldowns, greeting sent-sets, and the day plan. Timestamps are
// RFC3339 strings; one that fails to parse on load is replaced with "now",
// which under-counts inactivity rather than over-counting it, and logged.
// Saves go through a temp file and rename so a crash mid-write leaves the
// previous document intact.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/companionkit/engage/internal/clock"
	"github.com/companionkit/engage/internal/dailyshare"
	"github.com/companionkit/engage/internal/dayplan"
	"github.com/companionkit/engage/internal/engage"
	"github.com/companionkit/engage/internal/escalation"
	"github.com/companionkit/engage/internal/greetings"
	"github.com/companionkit/engage/internal/metrics"
	"github.com/companionkit/engage/internal/users"
)

// Document is the on-disk layout. Sets serialize as sorted lists.
type Document struct {
	SavedAt       string                     `json:"saved_at"`
	Users         map[string]UserEntry       `json:"users"`
	Escalation    map[string]EscalationEntry `json:"escalation"`
	AwaitingReply []string                   `json:"awaiting_reply"`
	ShareLastAt   map[string]string          `json:"share_last_at"`
	Greetings     GreetingsEntry             `json:"greetings"`
	DayPlan       dayplan.Plan               `json:"day_plan"`
}

// UserEntry is one persisted activity record.
type UserEntry struct {
	ConversationID string `json:"conversation_id"`
	Target         string `json:"target"`
	LastActiveAt   string `json:"last_active_at"`
}

// EscalationEntry is one persisted escalation counter.
type EscalationEntry struct {
	Count  int    `json:"count"`
	Period string `json:"period"`
	At     string `json:"at"`
}

// GreetingsEntry is the persisted greeting day state.
type GreetingsEntry struct {
	Day  string              `json:"day"`
	Sent map[string][]string `json:"sent"`
}

// Store loads and saves the bound components' state.
type Store struct {
	path    string
	clk     clock.Clock
	logger  zerolog.Logger
	metrics *metrics.Metrics

	tracker *users.Tracker
	esc     *escalation.Machine
	engine  *engage.Engine
	shares  *dailyshare.Service
	greets  *greetings.Service
	planner *dayplan.Planner
}

// New binds a store to its components. shares, greets, and planner may be nil
// when the corresponding feature is disabled.
func New(path string, clk clock.Clock, tracker *users.Tracker, esc *escalation.Machine,
	engine *engage.Engine, shares *dailyshare.Service, greets *greetings.Service,
	planner *dayplan.Planner, m *metrics.Metrics, logger zerolog.Logger) *Store {
	return &Store{
		path:    path,
		clk:     clk,
		logger:  logger.With().Str("component", "state").Logger(),
		metrics: m,
		tracker: tracker,
		esc:     esc,
		engine:  engine,
		shares:  shares,
		greets:  greets,
		planner: planner,
	}
}

// Load reads the document and installs it wholesale. A missing file is a
// clean first start, not an error.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info().Str("path", s.path).Msg("no state file, starting fresh")
			return nil
		}
		return fmt.Errorf("read state: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse state: %w", err)
	}
	s.install(doc)
	s.logger.Info().
		Str("path", s.path).
		Int("users", len(doc.Users)).
		Int("escalation", len(doc.Escalation)).
		Msg("state loaded")
	return nil
}

func (s *Store) install(doc Document) {
	records := make(map[string]users.Record, len(doc.Users))
	for id, e := range doc.Users {
		records[id] = users.Record{
			ConversationID: e.ConversationID,
			Target:         e.Target,
			LastActiveAt:   s.parseTime(e.LastActiveAt, "last_active_at", id),
		}
	}
	s.tracker.Replace(records)

	counts := make(map[string]int, len(doc.Escalation))
	last := make(map[string]escalation.Meta, len(doc.Escalation))
	for id, e := range doc.Escalation {
		counts[id] = e.Count
		last[id] = escalation.Meta{
			Count:  e.Count,
			Period: e.Period,
			At:     s.parseTime(e.At, "escalation.at", id),
		}
	}
	s.esc.Restore(counts, last)

	s.engine.RestoreAwaiting(doc.AwaitingReply)

	if s.shares != nil {
		lastShared := make(map[string]time.Time, len(doc.ShareLastAt))
		for id, raw := range doc.ShareLastAt {
			lastShared[id] = s.parseTime(raw, "share_last_at", id)
		}
		s.shares.Restore(lastShared)
	}
	if s.greets != nil {
		s.greets.Restore(doc.Greetings.Day, doc.Greetings.Sent)
	}
	if s.planner != nil {
		s.planner.Restore(doc.DayPlan)
	}
}

// parseTime falls back to "now" on malformed input, never dropping the entry.
func (s *Store) parseTime(raw, field, id string) time.Time {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		now := s.clk.Now()
		s.logger.Warn().
			Str("field", field).
			Str("id", id).
			Str("value", raw).
			Msg("unparseable timestamp, substituting current time")
		return now
	}
	return t
}

// Snapshot assembles the current document.
func (s *Store) Snapshot() Document {
	doc := Document{
		SavedAt:     s.clk.Now().Format(time.RFC3339),
		Users:       make(map[string]UserEntry),
		Escalation:  make(map[string]EscalationEntry),
		ShareLastAt: make(map[string]string),
	}

	for id, rec := range s.tracker.Snapshot() {
		doc.Users[id] = UserEntry{
			ConversationID: rec.ConversationID,
			Target:         rec.Target,
			LastActiveAt:   rec.LastActiveAt.Format(time.RFC3339),
		}
	}

	counts, last := s.esc.Export()
	for id, count := range counts {
		entry := EscalationEntry{Count: count}
		if meta, ok := last[id]; ok {
			entry.Period = meta.Period
			if !meta.At.IsZero() {
				entry.At = meta.At.Format(time.RFC3339)
			}
		}
		doc.Escalation[id] = entry
	}

	doc.AwaitingReply = s.engine.Awaiting()

	if s.shares != nil {
		for id, t := range s.shares.Export() {
			doc.ShareLastAt[id] = t.Format(time.RFC3339)
		}
	}
	if s.greets != nil {
		doc.Greetings.Day, doc.Greetings.Sent = s.greets.Export()
	}
	if s.planner != nil {
		doc.DayPlan = s.planner.Current()
	}
	sort.Strings(doc.AwaitingReply)
	return doc
}

// Save writes the document atomically.
func (s *Store) Save() error {
	doc := s.Snapshot()
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.metrics.RecordStateSave("marshal_error")
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		s.metrics.RecordStateSave("io_error")
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		s.metrics.RecordStateSave("io_error")
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		s.metrics.RecordStateSave("io_error")
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		s.metrics.RecordStateSave("io_error")
		return fmt.Errorf("rename state: %w", err)
	}
	s.metrics.RecordStateSave("ok")
	s.logger.Debug().Str("path", s.path).Int("bytes", len(raw)).Msg("state saved")
	return nil
}

// RunPeriodic saves on the given interval until ctx ends, then saves once
// more on the way out.
func (s *Store) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.logger.Info().Dur("interval", interval).Msg("periodic save loop started")
	for {
		if err := s.clk.Sleep(ctx, interval); err != nil {
			if err := s.Save(); err != nil {
				s.logger.Error().Err(err).Msg("final state save failed")
			}
			s.logger.Info().Msg("periodic save loop stopped")
			return
		}
		if err := s.Save(); err != nil {
			s.logger.Error().Err(err).Msg("periodic state save failed")
		}
	}
}
