package tasks

import (
	"context"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionkit/engage/internal/clock"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := NewRegistry(fake, rand.New(rand.NewSource(1)), zerolog.Nop())
	return reg, fake
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not finish")
	}
}

func TestScheduleFiresAfterDelay(t *testing.T) {
	reg, fake := newTestRegistry(t)
	var fired atomic.Int32

	h, err := reg.Schedule("nudge_u1_100", func(ctx context.Context) error {
		fired.Add(1)
		return nil
	}, 10*time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	require.Eventually(t, func() bool { return fake.Sleepers() == 1 }, time.Second, time.Millisecond)
	fake.Advance(10 * time.Second)
	waitDone(t, h)

	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 0, reg.Len(), "entry removed after completion")
}

func TestCancelBeforeFirePreventsAction(t *testing.T) {
	reg, fake := newTestRegistry(t)
	var fired atomic.Int32

	h, err := reg.Schedule("share_u1_100", func(ctx context.Context) error {
		fired.Add(1)
		return nil
	}, time.Minute, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fake.Sleepers() == 1 }, time.Second, time.Millisecond)

	assert.True(t, reg.Cancel("share_u1_100"))
	waitDone(t, h)

	assert.Equal(t, int32(0), fired.Load(), "cancelled action must not run")
	assert.Equal(t, 0, reg.Len())
	assert.False(t, reg.Cancel("share_u1_100"), "second cancel is a no-op")
}

func TestCancelUnknownIDReturnsFalse(t *testing.T) {
	reg, _ := newTestRegistry(t)
	assert.False(t, reg.Cancel("never_scheduled"))
}

func TestDuplicateIDRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)
	noop := func(ctx context.Context) error { return nil }

	_, err := reg.Schedule("dup", noop, time.Minute, nil)
	require.NoError(t, err)
	_, err = reg.Schedule("dup", noop, time.Minute, nil)
	assert.Error(t, err)
	reg.CancelAll()
	reg.Wait()
}

func TestPanickingTaskDoesNotAffectOthers(t *testing.T) {
	reg, fake := newTestRegistry(t)
	var fired atomic.Int32

	h1, err := reg.Schedule("boom", func(ctx context.Context) error {
		panic("boom")
	}, time.Second, nil)
	require.NoError(t, err)
	h2, err := reg.Schedule("fine", func(ctx context.Context) error {
		fired.Add(1)
		return nil
	}, time.Second, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fake.Sleepers() == 2 }, time.Second, time.Millisecond)
	fake.Advance(time.Second)
	waitDone(t, h1)
	waitDone(t, h2)

	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 0, reg.Len())
}

func TestJitterStaysInRange(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := NewRegistry(fake, rand.New(rand.NewSource(7)), zerolog.Nop())

	for i := 0; i < 20; i++ {
		id := "jit_" + string(rune('a'+i))
		_, err := reg.Schedule(id, func(ctx context.Context) error { return nil }, 0,
			&Jitter{Min: time.Minute, Max: 5 * time.Minute})
		require.NoError(t, err)
	}

	now := fake.Now()
	for _, info := range reg.Snapshot() {
		delay := info.FireAt.Sub(now)
		assert.GreaterOrEqual(t, delay, time.Minute)
		assert.LessOrEqual(t, delay, 5*time.Minute)
	}
	reg.CancelAll()
	reg.Wait()
}

func TestCancelAllAndWait(t *testing.T) {
	reg, fake := newTestRegistry(t)
	var fired atomic.Int32

	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.Schedule(id, func(ctx context.Context) error {
			fired.Add(1)
			return nil
		}, time.Hour, nil)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return fake.Sleepers() == 3 }, time.Second, time.Millisecond)

	reg.CancelAll()
	reg.Wait()

	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 0, reg.Len())
}

func TestSnapshotOrderedByID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	noop := func(ctx context.Context) error { return nil }
	for _, id := range []string{"c", "a", "b"} {
		_, err := reg.Schedule(id, noop, time.Hour, nil)
		require.NoError(t, err)
	}
	infos := reg.Snapshot()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, "b", infos[1].ID)
	assert.Equal(t, "c", infos[2].ID)
	reg.CancelAll()
	reg.Wait()
}
