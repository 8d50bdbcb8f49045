// Package tasks implements a named registry of one-shot delayed actions.
// Each scheduled action runs in its own goroutine after a fixed or jittered
// delay, observes cancellation at its delay and at any context-aware call it
// makes, and is removed from the registry exactly once — on completion,
// failure, or cancellation.
package tasks

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/companionkit/engage/internal/clock"
)

// Action is the deferred work unit. It must honour ctx cancellation at its
// suspend points; a cancelled action must not perform its side effect.
type Action func(ctx context.Context) error

// Jitter describes a uniformly random delay range. Min may equal Max.
type Jitter struct {
	Min time.Duration
	Max time.Duration
}

// Info is a read-only view of a pending task, used by the diagnostic surface.
type Info struct {
	ID     string    `json:"id"`
	FireAt time.Time `json:"fire_at"`
}

// Registry schedules, tracks, and cancels named delayed actions.
type Registry struct {
	clk    clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	pending map[string]*pendingTask
	wg      sync.WaitGroup
}

type pendingTask struct {
	id     string
	fireAt time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// Handle lets a caller await the completion (or cancellation unwinding) of a
// scheduled task.
type Handle struct {
	done <-chan struct{}
}

// Done is closed once the task goroutine has fully exited and the registry
// entry has been removed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// NewRegistry creates an empty registry. The rng seeds jitter computation and
// is injectable so tests can pin delays.
func NewRegistry(clk clock.Clock, rng *rand.Rand, logger zerolog.Logger) *Registry {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Registry{
		clk:     clk,
		logger:  logger.With().Str("component", "tasks").Logger(),
		rng:     rng,
		pending: make(map[string]*pendingTask),
	}
}

// Schedule arranges for action to run once after delay. If jitter is non-nil
// the effective delay is drawn uniformly from [jitter.Min, jitter.Max] and
// delay is ignored. Task IDs are composed by callers from the action kind,
// the subject, and the issue time, which makes collisions impossible by
// construction; a duplicate ID is therefore rejected outright.
func (r *Registry) Schedule(id string, action Action, delay time.Duration, jitter *Jitter) (*Handle, error) {
	r.mu.Lock()
	if _, exists := r.pending[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("tasks: duplicate task id %q", id)
	}

	effective := delay
	if jitter != nil {
		effective = jitter.Min
		if span := jitter.Max - jitter.Min; span > 0 {
			effective += time.Duration(r.rng.Int63n(int64(span) + 1))
		}
	}
	if effective < 0 {
		effective = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &pendingTask{
		id:     id,
		fireAt: r.clk.Now().Add(effective),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.pending[id] = t
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Debug().
		Str("task_id", id).
		Dur("delay", effective).
		Time("fire_at", t.fireAt).
		Msg("task scheduled")

	go r.run(ctx, t, action, effective)

	return &Handle{done: t.done}, nil
}

func (r *Registry) run(ctx context.Context, t *pendingTask, action Action, delay time.Duration) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("task_id", t.id).Interface("panic", rec).Msg("task panicked")
		}
		r.remove(t.id)
		close(t.done)
		r.wg.Done()
	}()

	if err := r.clk.Sleep(ctx, delay); err != nil {
		r.logger.Debug().Str("task_id", t.id).Msg("task cancelled before firing")
		return
	}

	if err := action(ctx); err != nil {
		if ctx.Err() != nil {
			r.logger.Debug().Str("task_id", t.id).Msg("task cancelled mid-flight")
			return
		}
		r.logger.Error().Err(err).Str("task_id", t.id).Msg("task failed")
	}
}

// Cancel requests cancellation of the named task. Returns false for unknown
// or already-finished IDs. Cancellation is cooperative: the task may still be
// unwinding when Cancel returns; await the Handle for synchronous certainty.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	t, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	r.logger.Debug().Str("task_id", id).Msg("task cancel requested")
	return true
}

// CancelAll requests cancellation of every pending task.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	ts := make([]*pendingTask, 0, len(r.pending))
	for _, t := range r.pending {
		ts = append(ts, t)
	}
	r.mu.Unlock()
	for _, t := range ts {
		t.cancel()
	}
	if len(ts) > 0 {
		r.logger.Info().Int("count", len(ts)).Msg("all pending tasks cancelled")
	}
}

// Wait blocks until every task goroutine has exited. Call after CancelAll
// during shutdown.
func (r *Registry) Wait() { r.wg.Wait() }

// Len reports the number of pending tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Snapshot returns the pending tasks ordered by ID.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.pending))
	for _, t := range r.pending {
		out = append(out, Info{ID: t.id, FireAt: t.fireAt})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}
