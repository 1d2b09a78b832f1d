package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/traderank/traderank/hl"
	"github.com/traderank/traderank/ledger"
)

var (
	// ErrCollectorFailed is surfaced through Err once reconnection attempts
	// are exhausted. Fills collected before the failure stay in the ledger.
	ErrCollectorFailed = errors.New("live collector failed")

	// ErrNotCollecting is returned by StopCollecting for a user without an
	// active stream.
	ErrNotCollecting = errors.New("user is not being collected")
)

// CollectorState describes where a user's stream is in its lifecycle.
type CollectorState string

const (
	StateStopped      CollectorState = "stopped"
	StateConnecting   CollectorState = "connecting"
	StateSubscribed   CollectorState = "subscribed"
	StateReconnecting CollectorState = "reconnecting"
	StateFailed       CollectorState = "failed"
)

// DialFunc opens a live fill stream for a user. Production wires
// ExchangeDial; tests inject fakes.
type DialFunc func(ctx context.Context, user string, handler hl.StreamHandler) (io.Closer, error)

// ExchangeDial returns a DialFunc backed by the exchange websocket.
func ExchangeDial(cfg hl.ClientConfig) DialFunc {
	return func(ctx context.Context, user string, handler hl.StreamHandler) (io.Closer, error) {
		return hl.DialUserFills(ctx, cfg, user, handler)
	}
}

// Collector supervises one live userFills stream per user and funnels every
// received fill through the ledger's dedup contract, so running it alongside
// a historical backfill over the same window is safe.
type Collector struct {
	dial   DialFunc
	ledger *ledger.Ledger
	logger *slog.Logger

	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxAttempts int

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	user     string
	cancel   context.CancelFunc
	done     chan struct{}
	inserted atomic.Int64

	// closedMu serializes fill writes against the stop join: handlers insert
	// under the read lock, the run goroutine flips closed under the write
	// lock before done is closed. StopCollecting waits on done, so once it
	// returns no handler can write again.
	closedMu sync.RWMutex
	closed   bool

	mu    sync.Mutex
	state CollectorState
	err   error
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithCollectorLogger overrides the logger used for diagnostics.
func WithCollectorLogger(logger *slog.Logger) CollectorOption {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger.WithGroup("ingest").WithGroup("collector")
		}
	}
}

// WithCollectorBackoff sets the reconnect backoff range. Delays double from
// base and are capped at max.
func WithCollectorBackoff(base, max time.Duration) CollectorOption {
	return func(c *Collector) {
		if base > 0 {
			c.baseBackoff = base
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithCollectorMaxAttempts bounds consecutive failed connection attempts
// before the stream gives up with ErrCollectorFailed.
func WithCollectorMaxAttempts(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// NewCollector constructs a collector inserting into lg.
func NewCollector(dial DialFunc, lg *ledger.Ledger, opts ...CollectorOption) *Collector {
	c := &Collector{
		dial:        dial,
		ledger:      lg,
		logger:      slog.Default().WithGroup("ingest").WithGroup("collector"),
		baseBackoff: time.Second,
		maxBackoff:  30 * time.Second,
		maxAttempts: 5,
		streams:     make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartCollecting begins live collection for a user. Calling it again while
// the user's stream is connecting or subscribed is a no-op; a stopped or
// failed stream is replaced with a fresh one.
func (c *Collector) StartCollecting(ctx context.Context, user string) error {
	user = ledger.NormalizeAddress(user)
	if user == "" {
		return fmt.Errorf("user address is required")
	}

	c.mu.Lock()
	if existing, ok := c.streams[user]; ok {
		switch existing.State() {
		case StateStopped, StateFailed:
			// Replaced below.
		default:
			c.mu.Unlock()
			return nil
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		user:   user,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateConnecting,
	}
	c.streams[user] = s
	c.mu.Unlock()

	c.logger.Info("starting live collection", slog.String("user", user))
	go c.run(runCtx, s)
	return nil
}

// StopCollecting shuts down the user's stream and waits for its goroutine to
// finish. After it returns no further fills will be written for the user.
func (c *Collector) StopCollecting(user string) error {
	user = ledger.NormalizeAddress(user)

	c.mu.Lock()
	s, ok := c.streams[user]
	c.mu.Unlock()
	if !ok {
		return ErrNotCollecting
	}

	s.cancel()
	<-s.done

	c.mu.Lock()
	if c.streams[user] == s {
		delete(c.streams, user)
	}
	c.mu.Unlock()

	c.logger.Info("stopped live collection",
		slog.String("user", user),
		slog.Int64("fills_inserted", s.inserted.Load()),
	)
	return nil
}

// StopAll stops every active stream, waiting for each to finish.
func (c *Collector) StopAll() {
	c.mu.Lock()
	users := make([]string, 0, len(c.streams))
	for user := range c.streams {
		users = append(users, user)
	}
	c.mu.Unlock()

	for _, user := range users {
		_ = c.StopCollecting(user)
	}
}

// State reports the user's stream state; ok is false for unknown users.
func (c *Collector) State(user string) (CollectorState, bool) {
	c.mu.Lock()
	s, ok := c.streams[ledger.NormalizeAddress(user)]
	c.mu.Unlock()
	if !ok {
		return StateStopped, false
	}
	return s.State(), true
}

// Err returns the terminal error for a user's stream, if any. Non-nil only
// after the stream has given up.
func (c *Collector) Err(user string) error {
	c.mu.Lock()
	s, ok := c.streams[ledger.NormalizeAddress(user)]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done exposes the stream's completion channel so callers can watch for
// terminal failure without polling.
func (c *Collector) Done(user string) <-chan struct{} {
	c.mu.Lock()
	s, ok := c.streams[ledger.NormalizeAddress(user)]
	c.mu.Unlock()
	if !ok {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// InsertedCount returns how many new fills the user's stream has written.
func (c *Collector) InsertedCount(user string) int64 {
	c.mu.Lock()
	s, ok := c.streams[ledger.NormalizeAddress(user)]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return s.inserted.Load()
}

func (c *Collector) run(ctx context.Context, s *stream) {
	defer func() {
		s.markClosed()
		close(s.done)
	}()

	attempts := 0
	backoff := c.baseBackoff

	for {
		if ctx.Err() != nil {
			s.setState(StateStopped, nil)
			return
		}

		disconnected := make(chan error, 1)
		conn, err := c.dial(ctx, s.user, c.streamHandler(s, disconnected))
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateStopped, nil)
				return
			}
			attempts++
			if attempts > c.maxAttempts {
				failure := fmt.Errorf("%w: %d connection attempts for %s: %v",
					ErrCollectorFailed, attempts, s.user, err)
				s.setState(StateFailed, failure)
				c.logger.Error("giving up on live collection",
					slog.String("user", s.user),
					slog.Int("attempts", attempts),
					slog.String("error", err.Error()),
				)
				return
			}

			s.setState(StateReconnecting, nil)
			c.logger.Warn("stream connect failed; backing off",
				slog.String("user", s.user),
				slog.Int("attempt", attempts),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)
			if !sleepCtx(ctx, backoff) {
				s.setState(StateStopped, nil)
				return
			}
			backoff = minDuration(backoff*2, c.maxBackoff)
			continue
		}

		s.setState(StateSubscribed, nil)
		attempts = 0
		backoff = c.baseBackoff
		c.logger.Info("subscribed to live fills", slog.String("user", s.user))

		select {
		case <-ctx.Done():
			_ = conn.Close()
			s.setState(StateStopped, nil)
			return
		case streamErr := <-disconnected:
			_ = conn.Close()
			s.setState(StateReconnecting, nil)
			c.logger.Warn("stream disconnected; reconnecting",
				slog.String("user", s.user),
				slog.String("error", streamErr.Error()),
			)
		}
	}
}

func (c *Collector) streamHandler(s *stream, disconnected chan<- error) hl.StreamHandler {
	return func(fills []hl.Fill, isSnapshot bool, err error) {
		if err != nil {
			select {
			case disconnected <- err:
			default:
			}
			return
		}
		s.closedMu.RLock()
		defer s.closedMu.RUnlock()
		if s.closed {
			return
		}

		inserted := 0
		for _, wf := range fills {
			fill, convErr := hl.ToLedgerFill(s.user, ledger.SourceLive, wf)
			if convErr != nil {
				c.logger.Warn("skipping malformed live fill",
					slog.String("user", s.user),
					slog.Int64("tid", wf.Tid),
					slog.String("error", convErr.Error()),
				)
				continue
			}
			if c.ledger.Insert(fill) {
				inserted++
			}
		}
		s.inserted.Add(int64(inserted))

		c.logger.Debug("live fills batch",
			slog.String("user", s.user),
			slog.Int("received", len(fills)),
			slog.Int("inserted", inserted),
			slog.Bool("snapshot", isSnapshot),
		)
	}
}

func (s *stream) markClosed() {
	s.closedMu.Lock()
	s.closed = true
	s.closedMu.Unlock()
}

func (s *stream) State() CollectorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stream) setState(state CollectorState, err error) {
	s.mu.Lock()
	s.state = state
	if err != nil {
		s.err = err
	}
	s.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
