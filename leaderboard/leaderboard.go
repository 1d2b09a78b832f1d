// Package leaderboard ranks competition participants over ledger fills.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/traderank/traderank/ledger"
	"github.com/traderank/traderank/pnl"
)

// ErrInvalidQuery reports a request that cannot be ranked as asked. It is
// returned before any per-user computation starts.
var ErrInvalidQuery = errors.New("invalid leaderboard query")

// Metric selects what users are ranked by.
type Metric string

const (
	MetricVolume    Metric = "volume"
	MetricPnl       Metric = "pnl"
	MetricReturnPct Metric = "returnPct"
)

// ParseMetric validates a metric name from config or a query string.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricVolume, MetricPnl, MetricReturnPct:
		return Metric(s), nil
	default:
		return "", fmt.Errorf("%w: unknown metric %q", ErrInvalidQuery, s)
	}
}

// Request describes one ranking run.
type Request struct {
	Users  []string
	Metric Metric
	FromMs int64
	ToMs   int64
	Coin   string

	// BuilderOnly excludes tainted users before ranking.
	BuilderOnly bool

	// MaxStartCapital is the capital base for returnPct. Required, together
	// with FromMs, when that metric is requested.
	MaxStartCapital decimal.Decimal
}

// Entry is one ranked row. Value holds the requested metric; the other
// aggregates ride along for display.
type Entry struct {
	Rank        int             `json:"rank"`
	User        string          `json:"user"`
	Value       decimal.Decimal `json:"value"`
	Volume      decimal.Decimal `json:"volume"`
	RealizedPnl decimal.Decimal `json:"realizedPnl"`
	NetPnl      decimal.Decimal `json:"netPnl"`
	FillCount   int             `json:"fillCount"`
	Tainted     bool            `json:"tainted"`
}

// Result is a ranked board plus the filtering bookkeeping.
type Result struct {
	Metric  Metric  `json:"metric"`
	Entries []Entry `json:"entries"`
	// TotalUsers counts distinct requested users; FilteredUsers counts those
	// that survived the builder-only filter and got ranked.
	TotalUsers    int `json:"totalUsers"`
	FilteredUsers int `json:"filteredUsers"`
}

// TaintChecker decides builder-only eligibility. Taint is a whole-history
// property, independent of the ranking window.
type TaintChecker interface {
	IsTainted(user string) bool
}

// Ranker computes leaderboards from a fill reader.
type Ranker struct {
	fills          pnl.FillReader
	taint          TaintChecker
	logger         *slog.Logger
	maxConcurrency int
}

// RankerOption configures a Ranker.
type RankerOption func(*Ranker)

// WithRankerLogger overrides the logger used for diagnostics.
func WithRankerLogger(logger *slog.Logger) RankerOption {
	return func(r *Ranker) {
		if logger != nil {
			r.logger = logger.WithGroup("leaderboard")
		}
	}
}

// WithRankerConcurrency caps concurrent per-user stat computations.
func WithRankerConcurrency(n int) RankerOption {
	return func(r *Ranker) {
		if n > 0 {
			r.maxConcurrency = n
		}
	}
}

// NewRanker constructs a ranker. The taint checker may be nil when
// builder-only boards are never requested.
func NewRanker(fills pnl.FillReader, taint TaintChecker, opts ...RankerOption) *Ranker {
	r := &Ranker{
		fills:          fills,
		taint:          taint,
		logger:         slog.Default().WithGroup("leaderboard"),
		maxConcurrency: 8,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rank computes the board. Validation failures return ErrInvalidQuery before
// any user is touched.
func (r *Ranker) Rank(ctx context.Context, req Request) (Result, error) {
	if _, err := ParseMetric(string(req.Metric)); err != nil {
		return Result{}, err
	}
	if req.Metric == MetricReturnPct {
		if req.FromMs <= 0 {
			return Result{}, fmt.Errorf("%w: returnPct requires a window start", ErrInvalidQuery)
		}
		if !req.MaxStartCapital.IsPositive() {
			return Result{}, fmt.Errorf("%w: returnPct requires a positive max start capital", ErrInvalidQuery)
		}
	}
	if req.BuilderOnly && r.taint == nil {
		return Result{}, fmt.Errorf("%w: builder-only ranking is not configured", ErrInvalidQuery)
	}

	users := dedupUsers(req.Users)
	res := Result{
		Metric:     req.Metric,
		TotalUsers: len(users),
	}
	if len(users) == 0 {
		res.Entries = []Entry{}
		return res, nil
	}

	start := time.Now()

	stats := make([]Entry, len(users))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrency)
	for i, user := range users {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			summary := pnl.Summarize(r.fills.FillsFor(user, ledger.Query{
				FromMs: req.FromMs,
				ToMs:   req.ToMs,
				Asset:  req.Coin,
			}))

			entry := Entry{
				User:        user,
				Volume:      summary.TotalVolume,
				RealizedPnl: summary.RealizedPnl,
				NetPnl:      summary.NetPnl,
				FillCount:   summary.FillCount,
			}
			entry.Value = metricValue(req, summary)
			if r.taint != nil {
				entry.Tainted = r.taint.IsTainted(user)
			}
			stats[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	entries := make([]Entry, 0, len(stats))
	for _, entry := range stats {
		if req.BuilderOnly && entry.Tainted {
			continue
		}
		entries = append(entries, entry)
	}
	res.FilteredUsers = len(entries)

	sort.Slice(entries, func(i, j int) bool {
		if cmp := entries[i].Value.Cmp(entries[j].Value); cmp != 0 {
			return cmp > 0
		}
		return entries[i].User < entries[j].User
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	res.Entries = entries

	r.logger.Debug("ranked leaderboard",
		slog.String("metric", string(req.Metric)),
		slog.Int("total_users", res.TotalUsers),
		slog.Int("filtered_users", res.FilteredUsers),
		slog.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func metricValue(req Request, summary pnl.Summary) decimal.Decimal {
	switch req.Metric {
	case MetricVolume:
		return summary.TotalVolume
	case MetricPnl:
		return summary.RealizedPnl
	case MetricReturnPct:
		return summary.RealizedPnl.
			Div(req.MaxStartCapital).
			Mul(decimal.NewFromInt(100))
	default:
		return decimal.Zero
	}
}

func dedupUsers(users []string) []string {
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		u = ledger.NormalizeAddress(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
