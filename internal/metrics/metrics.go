// Package metrics provides Prometheus metrics for the engagement agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	NudgesTotal       *prometheus.CounterVec
	GreetingsTotal    *prometheus.CounterVec
	SharesTotal       *prometheus.CounterVec
	PollerTicksTotal  *prometheus.CounterVec
	TasksTotal        *prometheus.CounterVec
	GenerationErrors  *prometheus.CounterVec
	StateSavesTotal   *prometheus.CounterVec
	TrackedUsers      prometheus.Gauge
	PendingTasks      prometheus.Gauge
	LLMTokensTotal    *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		NudgesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engage_nudges_total",
				Help: "Total inactivity nudges by tone phase and outcome.",
			},
			[]string{"phase", "outcome"},
		),
		GreetingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engage_greetings_total",
				Help: "Total daily greetings by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		SharesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engage_shares_total",
				Help: "Total daily-life shares by outcome.",
			},
			[]string{"outcome"},
		),
		PollerTicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engage_poller_ticks_total",
				Help: "Poller tick evaluations by loop and result.",
			},
			[]string{"loop", "result"},
		),
		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engage_tasks_total",
				Help: "Delayed task lifecycle events by event type.",
			},
			[]string{"event"},
		),
		GenerationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engage_generation_errors_total",
				Help: "Language model generation failures by feature.",
			},
			[]string{"feature"},
		),
		StateSavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engage_state_saves_total",
				Help: "Persistence save attempts by outcome.",
			},
			[]string{"outcome"},
		),
		TrackedUsers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engage_tracked_users",
				Help: "Users currently monitored for inactivity.",
			},
		),
		PendingTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engage_pending_tasks",
				Help: "Delayed tasks currently scheduled.",
			},
		),
		LLMTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engage_llm_tokens_total",
				Help: "Language model token usage by direction.",
			},
			[]string{"direction"},
		),
		registry: reg,
	}

	reg.MustRegister(m.NudgesTotal)
	reg.MustRegister(m.GreetingsTotal)
	reg.MustRegister(m.SharesTotal)
	reg.MustRegister(m.PollerTicksTotal)
	reg.MustRegister(m.TasksTotal)
	reg.MustRegister(m.GenerationErrors)
	reg.MustRegister(m.StateSavesTotal)
	reg.MustRegister(m.TrackedUsers)
	reg.MustRegister(m.PendingTasks)
	reg.MustRegister(m.LLMTokensTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordNudge increments the nudge counter.
func (m *Metrics) RecordNudge(phase, outcome string) {
	m.NudgesTotal.WithLabelValues(phase, outcome).Inc()
}

// RecordGreeting increments the greeting counter.
func (m *Metrics) RecordGreeting(kind, outcome string) {
	m.GreetingsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordShare increments the share counter.
func (m *Metrics) RecordShare(outcome string) {
	m.SharesTotal.WithLabelValues(outcome).Inc()
}

// RecordTick increments the poller tick counter.
func (m *Metrics) RecordTick(loop, result string) {
	m.PollerTicksTotal.WithLabelValues(loop, result).Inc()
}

// RecordTask increments the task lifecycle counter.
func (m *Metrics) RecordTask(event string) {
	m.TasksTotal.WithLabelValues(event).Inc()
}

// RecordGenerationError increments the generation failure counter.
func (m *Metrics) RecordGenerationError(feature string) {
	m.GenerationErrors.WithLabelValues(feature).Inc()
}

// RecordStateSave increments the persistence save counter.
func (m *Metrics) RecordStateSave(outcome string) {
	m.StateSavesTotal.WithLabelValues(outcome).Inc()
}

// AddTokens records language model token usage.
func (m *Metrics) AddTokens(direction string, n int) {
	m.LLMTokensTotal.WithLabelValues(direction).Add(float64(n))
}
