package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/traderank/traderank/hl"
	"github.com/traderank/traderank/ledger"
)

// MaxFillsPerQuery is the total number of records the exchange serves for a
// single time-range query before silently truncating. Hitting it is not an
// error; the result is flagged so callers know the window was not exhausted.
const MaxFillsPerQuery = 10_000

type fillSource interface {
	UserFillsByTime(ctx context.Context, user string, startMs, endMs int64) ([]hl.Fill, error)
}

// Fetcher backfills a user's historical fills into the ledger by walking
// userFillsByTime pages forward through the requested window. Every page is
// inserted before the next request goes out, so a crash mid-backfill loses
// nothing already fetched.
type Fetcher struct {
	source fillSource
	ledger *ledger.Ledger
	logger *slog.Logger

	pageSize   int
	maxFills   int
	maxRetries int
	retryBase  time.Duration
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithFetcherLogger overrides the logger used for diagnostics.
func WithFetcherLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger.WithGroup("ingest").WithGroup("fetcher")
		}
	}
}

// WithFetcherRetries sets the per-page retry budget and the base backoff
// delay, which doubles per attempt.
func WithFetcherRetries(max int, base time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if max > 0 {
			f.maxRetries = max
		}
		if base > 0 {
			f.retryBase = base
		}
	}
}

// WithFetcherPageSize lowers the expected page size. Tests use this together
// with a mock exchange serving small pages.
func WithFetcherPageSize(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.pageSize = n
		}
	}
}

// WithFetcherMaxFills lowers the per-query truncation ceiling, for tests.
func WithFetcherMaxFills(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxFills = n
		}
	}
}

// NewFetcher constructs a fetcher. The source is typically an *hl.InfoClient.
func NewFetcher(source fillSource, lg *ledger.Ledger, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		source:     source,
		ledger:     lg,
		logger:     slog.Default().WithGroup("ingest").WithGroup("fetcher"),
		pageSize:   hl.MaxFillsPerRequest,
		maxFills:   MaxFillsPerQuery,
		maxRetries: 3,
		retryBase:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchResult summarises one backfill run.
type FetchResult struct {
	// Fetched counts records returned by the exchange, duplicates included.
	Fetched int
	// Inserted counts records that were new to the ledger.
	Inserted int
	// Skipped counts malformed records that were logged and dropped.
	Skipped int
	// Pages counts successful page requests.
	Pages int
	// Truncated is set when the exchange's per-query ceiling was reached
	// before the window was exhausted.
	Truncated bool
}

// Fetch walks the window [fromMs, toMs] forward. A toMs of zero leaves the
// range open-ended. Pages advance by the timestamp of the last record seen;
// the boundary record comes back again on the next page and is dropped by
// trade-id dedup.
func (f *Fetcher) Fetch(ctx context.Context, user string, fromMs, toMs int64) (FetchResult, error) {
	user = ledger.NormalizeAddress(user)

	var res FetchResult
	seen := make(map[int64]struct{})
	start := fromMs

	for {
		page, err := f.fetchPage(ctx, user, start, toMs)
		if err != nil {
			return res, fmt.Errorf("fetch fills for %s from %d: %w", user, start, err)
		}
		res.Pages++

		newThisPage := 0
		for _, wf := range page {
			if _, dup := seen[wf.Tid]; dup {
				continue
			}
			seen[wf.Tid] = struct{}{}
			newThisPage++
			res.Fetched++

			fill, convErr := hl.ToLedgerFill(user, ledger.SourceHistorical, wf)
			if convErr != nil {
				res.Skipped++
				f.logger.Warn("skipping malformed fill record",
					slog.String("user", user),
					slog.Int64("tid", wf.Tid),
					slog.String("error", convErr.Error()),
				)
				continue
			}
			if f.ledger.Insert(fill) {
				res.Inserted++
			}
		}

		if len(page) < f.pageSize {
			break
		}
		if newThisPage == 0 {
			// A full page of already-seen records means the window cannot
			// advance: more fills share one millisecond than fit in a page.
			f.logger.Warn("fills page did not advance; stopping",
				slog.String("user", user),
				slog.Int64("start_ms", start),
			)
			break
		}
		if res.Fetched >= f.maxFills {
			res.Truncated = true
			f.logger.Warn("fill query hit source ceiling; results truncated",
				slog.String("user", user),
				slog.Int("fetched", res.Fetched),
				slog.Int64("last_time_ms", page[len(page)-1].Time),
			)
			break
		}

		// Advance to the last record's timestamp. Inclusive on purpose:
		// records sharing that millisecond may have been cut off by the
		// page boundary.
		start = page[len(page)-1].Time
	}

	f.logger.Info("backfill complete",
		slog.String("user", user),
		slog.Int("pages", res.Pages),
		slog.Int("fetched", res.Fetched),
		slog.Int("inserted", res.Inserted),
		slog.Int("skipped", res.Skipped),
		slog.Bool("truncated", res.Truncated),
	)
	return res, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, user string, startMs, toMs int64) ([]hl.Fill, error) {
	var lastErr error
	backoff := f.retryBase

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		page, err := f.source.UserFillsByTime(ctx, user, startMs, toMs)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		level := slog.LevelWarn
		if errors.Is(err, hl.ErrRateLimited) {
			// The client already put the shared gate into cooldown.
			level = slog.LevelDebug
		}
		f.logger.Log(ctx, level, "fills page request failed",
			slog.String("user", user),
			slog.Int64("start_ms", startMs),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}
