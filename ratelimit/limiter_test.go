package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterReserveConsumeRelease(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 10})
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "0xaaa", 5))

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Consume("0xaaa"))
	}
	require.ErrorIs(t, l.Consume("0xaaa"), ErrConsumeExceedsLimit)

	consumed, limit, queueLen := l.Stats()
	require.Equal(t, 5, consumed)
	require.Equal(t, 10, limit)
	require.Zero(t, queueLen)

	require.NoError(t, l.Release("0xaaa"))
	require.ErrorIs(t, l.Consume("0xaaa"), ErrReservationNotHeld)
}

func TestLimiterDoubleReserveRejected(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 10})
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "0xaaa", 2))
	require.ErrorIs(t, l.Reserve(ctx, "0xaaa", 2), ErrAlreadyReserved)
}

func TestLimiterQueuesWhenFull(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 5})
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "0xaaa", 5))

	granted := make(chan error, 1)
	go func() {
		granted <- l.Reserve(ctx, "0xbbb", 3)
	}()

	// The second fetch must wait until capacity frees up.
	select {
	case err := <-granted:
		t.Fatalf("reservation granted while at capacity: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, l.Release("0xaaa"))

	select {
	case err := <-granted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued reservation was not granted after release")
	}
}

func TestLimiterReserveCancelledWhileQueued(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 2})

	require.NoError(t, l.Reserve(context.Background(), "0xaaa", 2))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Reserve(ctx, "0xbbb", 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, _, queueLen := l.Stats()
	require.Zero(t, queueLen)
}

func TestLimiterExtendWithinCapacity(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 10})
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "0xaaa", 3))
	require.NoError(t, l.Extend(ctx, "0xaaa", 4))

	for i := 0; i < 7; i++ {
		require.NoError(t, l.Consume("0xaaa"))
	}
	require.ErrorIs(t, l.Consume("0xaaa"), ErrConsumeExceedsLimit)
}

func TestLimiterExtendUnknownFetch(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 10})
	require.ErrorIs(t, l.Extend(context.Background(), "0xaaa", 1), ErrReservationNotHeld)
}

func TestLimiterWindowResetRestoresCapacity(t *testing.T) {
	l := NewLimiter(Config{
		RequestsPerMinute: 2,
		WindowDuration:    50 * time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "0xaaa", 2))
	require.NoError(t, l.Consume("0xaaa"))
	require.NoError(t, l.Consume("0xaaa"))
	require.NoError(t, l.Release("0xaaa"))

	time.Sleep(60 * time.Millisecond)

	consumed, _, _ := l.Stats()
	require.Zero(t, consumed)
	require.NoError(t, l.Reserve(ctx, "0xbbb", 2))
}
