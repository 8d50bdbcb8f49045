package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceReleasesSleeper(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	done := make(chan error, 1)
	go func() {
		done <- fake.Sleep(context.Background(), 10*time.Second)
	}()

	require.Eventually(t, func() bool { return fake.Sleepers() == 1 }, time.Second, time.Millisecond)

	fake.Advance(5 * time.Second)
	select {
	case <-done:
		t.Fatal("sleeper released before its deadline")
	case <-time.After(20 * time.Millisecond):
	}

	fake.Advance(5 * time.Second)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sleeper not released at deadline")
	}
	assert.Equal(t, start.Add(10*time.Second), fake.Now())
}

func TestFakeSleepObservesCancellation(t *testing.T) {
	fake := NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- fake.Sleep(ctx, time.Hour)
	}()
	require.Eventually(t, func() bool { return fake.Sleepers() == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled sleep did not return")
	}
}

func TestFakeZeroDurationReturnsImmediately(t *testing.T) {
	fake := NewFake(time.Now())
	assert.NoError(t, fake.Sleep(context.Background(), 0))
}

func TestRealClockSleepCancelled(t *testing.T) {
	clk := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, clk.Sleep(ctx, time.Hour), context.Canceled)
}
