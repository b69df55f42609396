package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeTimerFiresOnAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fc := NewFake(start)

	timer := fc.NewTimer(100 * time.Millisecond)

	fc.Advance(50 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired before its deadline")
	default:
	}

	fc.Advance(50 * time.Millisecond)
	select {
	case at := <-timer.C():
		assert.Equal(t, start.Add(100*time.Millisecond), at)
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeTickerFiresEachInterval(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	ticker := fc.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		fc.Advance(10 * time.Millisecond)
		select {
		case <-ticker.C():
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
}

func TestFakeTimerStopAndReset(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	timer := fc.NewTimer(10 * time.Millisecond)

	assert.True(t, timer.Stop())
	fc.Advance(20 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}

	assert.False(t, timer.Reset(10*time.Millisecond))
	fc.Advance(10 * time.Millisecond)
	select {
	case <-timer.C():
	default:
		t.Fatal("reset timer did not fire")
	}
}

func TestFakeSleep(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))

	done := make(chan error, 1)
	go func() {
		done <- fc.Sleep(context.Background(), 50*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return fc.WaiterCount() == 1 },
		time.Second, time.Millisecond)
	fc.Advance(50 * time.Millisecond)
	require.NoError(t, <-done)
}

func TestFakeSleepCancelled(t *testing.T) {
	fc := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fc.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFakeNow(t *testing.T) {
	start := time.Unix(1000, 0)
	fc := NewFake(start)
	assert.Equal(t, start, fc.Now())

	fc.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), fc.Now())
}
