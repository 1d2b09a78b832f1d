package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrInvalidFetchID       = errors.New("invalid fetch ID")
	ErrReservationNotHeld   = errors.New("reservation not held by this fetch")
	ErrAlreadyReserved      = errors.New("fetch already has an active reservation")
	ErrInsufficientCapacity = errors.New("insufficient capacity for reservation")
	ErrConsumeExceedsLimit  = errors.New("consume would exceed reserved slots")
)

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerMinute int
	WindowDuration    time.Duration // Defaults to 60 seconds if zero
	Logger            *slog.Logger
}

// Limiter is a fixed-window request budget with per-fetch reservations. A
// backfill reserves the number of info requests it expects to issue up front
// so concurrent backfills cannot collectively blow the exchange limit, then
// consumes one slot per page. Waiters queue FIFO until capacity frees up.
type Limiter struct {
	mu sync.Mutex

	limit  int
	window time.Duration
	logger *slog.Logger

	windowStart time.Time
	consumed    int

	reservations map[string]*reservation
	waitQueue    []waiter
}

type reservation struct {
	fetchID       string
	slotsReserved int
	slotsConsumed int
	createdAt     time.Time
}

type waiter struct {
	fetchID        string
	requestedSlots int
	createdAt      time.Time
	ready          chan struct{}
}

// NewLimiter creates a limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Limiter{
		limit:        cfg.RequestsPerMinute,
		window:       cfg.WindowDuration,
		logger:       cfg.Logger.WithGroup("ratelimit"),
		windowStart:  time.Now(),
		reservations: make(map[string]*reservation),
	}
}

// Reserve requests count slots for a fetch. Blocks until granted or the
// context is cancelled.
func (l *Limiter) Reserve(ctx context.Context, fetchID string, count int) error {
	if fetchID == "" {
		return ErrInvalidFetchID
	}
	if count <= 0 {
		return fmt.Errorf("reservation count must be positive: %d", count)
	}

	l.mu.Lock()

	if _, exists := l.reservations[fetchID]; exists {
		l.mu.Unlock()
		return ErrAlreadyReserved
	}

	l.resetWindowIfNeeded()
	if l.consumed+l.totalReserved()+count <= l.limit {
		l.reservations[fetchID] = &reservation{
			fetchID:       fetchID,
			slotsReserved: count,
			createdAt:     time.Now(),
		}
		l.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	l.waitQueue = append(l.waitQueue, waiter{
		fetchID:        fetchID,
		requestedSlots: count,
		createdAt:      time.Now(),
		ready:          ready,
	})
	l.logger.Debug("reservation queued",
		slog.String("fetch_id", fetchID),
		slog.Int("requested_slots", count),
		slog.Int("window_consumed", l.consumed),
		slog.Int("window_limit", l.limit),
	)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.removeFromQueue(fetchID)
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Consume marks one slot as used. Call immediately before each request.
func (l *Limiter) Consume(fetchID string) error {
	if fetchID == "" {
		return ErrInvalidFetchID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	res, exists := l.reservations[fetchID]
	if !exists {
		return ErrReservationNotHeld
	}
	if res.slotsConsumed >= res.slotsReserved {
		return ErrConsumeExceedsLimit
	}

	l.resetWindowIfNeeded()
	l.consumed++
	res.slotsConsumed++
	return nil
}

// Extend requests additional slots beyond the current reservation, for
// backfills that turn out to need more pages than estimated. Waits at most
// one window reset for capacity.
func (l *Limiter) Extend(ctx context.Context, fetchID string, additional int) error {
	if fetchID == "" {
		return ErrInvalidFetchID
	}
	if additional <= 0 {
		return nil
	}

	l.mu.Lock()
	res, exists := l.reservations[fetchID]
	if !exists {
		l.mu.Unlock()
		return ErrReservationNotHeld
	}

	grant := func() bool {
		l.resetWindowIfNeeded()
		others := l.totalReserved() - res.slotsReserved
		if l.consumed+others+res.slotsReserved+additional <= l.limit {
			res.slotsReserved += additional
			return true
		}
		return false
	}

	if grant() {
		l.mu.Unlock()
		return nil
	}
	nextWindow := l.windowStart.Add(l.window)
	l.mu.Unlock()

	timer := time.NewTimer(time.Until(nextWindow))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if grant() {
		return nil
	}
	return ErrInsufficientCapacity
}

// Release frees the reservation and wakes any waiters the freed capacity can
// now satisfy.
func (l *Limiter) Release(fetchID string) error {
	if fetchID == "" {
		return ErrInvalidFetchID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	res, exists := l.reservations[fetchID]
	if !exists {
		return ErrReservationNotHeld
	}

	l.logger.Debug("reservation released",
		slog.String("fetch_id", fetchID),
		slog.Duration("held", time.Since(res.createdAt)),
		slog.Int("slots_reserved", res.slotsReserved),
		slog.Int("slots_consumed", res.slotsConsumed),
	)

	delete(l.reservations, fetchID)
	l.tryGrantWaiting()
	return nil
}

// Stats returns current window usage, for monitoring and tests.
func (l *Limiter) Stats() (consumed, limit, queueLen int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetWindowIfNeeded()
	return l.consumed, l.limit, len(l.waitQueue)
}

// resetWindowIfNeeded resets the window if we passed the boundary. Must be
// called with the lock held.
func (l *Limiter) resetWindowIfNeeded() {
	now := time.Now()
	if now.Sub(l.windowStart) < l.window {
		return
	}

	l.logger.Debug("window reset",
		slog.Int("previous_window_consumed", l.consumed),
		slog.Int("window_limit", l.limit),
		slog.Int("queue_length", len(l.waitQueue)),
	)

	l.windowStart = now
	l.consumed = 0
	l.tryGrantWaiting()
}

// tryGrantWaiting grants queued reservations in FIFO order while capacity
// allows. Must be called with the lock held.
func (l *Limiter) tryGrantWaiting() {
	for len(l.waitQueue) > 0 {
		next := l.waitQueue[0]
		if l.consumed+l.totalReserved()+next.requestedSlots > l.limit {
			return
		}

		l.reservations[next.fetchID] = &reservation{
			fetchID:       next.fetchID,
			slotsReserved: next.requestedSlots,
			createdAt:     time.Now(),
		}
		l.logger.Debug("reservation granted from queue",
			slog.String("fetch_id", next.fetchID),
			slog.Int("slots_reserved", next.requestedSlots),
			slog.Duration("waited", time.Since(next.createdAt)),
		)
		l.waitQueue = l.waitQueue[1:]
		close(next.ready)
	}
}

func (l *Limiter) totalReserved() int {
	total := 0
	for _, res := range l.reservations {
		total += res.slotsReserved
	}
	return total
}

func (l *Limiter) removeFromQueue(fetchID string) {
	for i, w := range l.waitQueue {
		if w.fetchID == fetchID {
			l.waitQueue = append(l.waitQueue[:i], l.waitQueue[i+1:]...)
			return
		}
	}
}
