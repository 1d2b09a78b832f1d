package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Gate paces callers that share an upstream rate limit. Wait blocks until the
// next call may proceed; Cooldown pushes the next slot out after the upstream
// signalled throttling. Implementations must be safe for concurrent use.
type Gate interface {
	Wait(ctx context.Context) error
	Cooldown(d time.Duration)
}

const defaultGateSpacing = 250 * time.Millisecond

// NewGate returns a Gate that enforces a minimum spacing between operations.
// A non-positive spacing falls back to a sensible default.
func NewGate(minSpacing time.Duration) Gate {
	if minSpacing <= 0 {
		minSpacing = defaultGateSpacing
	}
	return &gate{
		minSpacing: minSpacing,
		next:       time.Now(),
	}
}

type gate struct {
	mu         sync.Mutex
	minSpacing time.Duration
	next       time.Time
}

func (g *gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		wait := time.Until(g.next)
		if wait <= 0 {
			g.next = time.Now().Add(g.minSpacing)
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return ctx.Err()
		}
	}
}

func (g *gate) Cooldown(d time.Duration) {
	if d <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	next := time.Now().Add(d)
	if next.After(g.next) {
		g.next = next
	}
}
