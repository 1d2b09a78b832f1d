// Package pnl aggregates realized profit and loss over ledger fills. All
// arithmetic is exact decimal; nothing here touches floats.
package pnl

import (
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/traderank/traderank/ledger"
)

// FillReader is the slice of the ledger the engine needs.
type FillReader interface {
	FillsFor(user string, q ledger.Query) []ledger.Fill
}

// Summary aggregates a set of fills. NetPnl is RealizedPnl minus TotalFees;
// TotalVolume is the sum of price times size.
type Summary struct {
	RealizedPnl decimal.Decimal `json:"realizedPnl"`
	TotalFees   decimal.Decimal `json:"totalFees"`
	NetPnl      decimal.Decimal `json:"netPnl"`
	TotalVolume decimal.Decimal `json:"totalVolume"`
	FillCount   int             `json:"fillCount"`

	ByAsset map[string]AssetSummary `json:"byAsset,omitempty"`
}

// AssetSummary is the per-asset breakdown, including the time range of the
// asset's fills within the queried window.
type AssetSummary struct {
	RealizedPnl decimal.Decimal `json:"realizedPnl"`
	TotalFees   decimal.Decimal `json:"totalFees"`
	NetPnl      decimal.Decimal `json:"netPnl"`
	Volume      decimal.Decimal `json:"volume"`
	FillCount   int             `json:"fillCount"`
	FirstFillMs int64           `json:"firstFillMs"`
	LastFillMs  int64           `json:"lastFillMs"`
}

// Engine computes summaries over a fill reader. It holds no state of its own;
// every call reads the ledger fresh.
type Engine struct {
	fills  FillReader
	logger *slog.Logger
}

// NewEngine constructs an engine reading from fills.
func NewEngine(fills FillReader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		fills:  fills,
		logger: logger.WithGroup("pnl"),
	}
}

// Summarize aggregates the user's fills matching the query. An empty result
// set yields a zero summary, not an error.
func (e *Engine) Summarize(user string, q ledger.Query) Summary {
	fills := e.fills.FillsFor(user, q)
	summary := Summarize(fills)

	e.logger.Debug("summarized fills",
		slog.String("user", user),
		slog.Int("fills", summary.FillCount),
		slog.String("net_pnl", summary.NetPnl.String()),
	)
	return summary
}

// Summarize folds fills into a Summary. Decimal addition is exact, so the
// result is identical for any ordering of the same fills.
func Summarize(fills []ledger.Fill) Summary {
	s := Summary{
		ByAsset: make(map[string]AssetSummary),
	}

	for _, f := range fills {
		notional := f.Notional()

		s.RealizedPnl = s.RealizedPnl.Add(f.ClosedPnl)
		s.TotalFees = s.TotalFees.Add(f.Fee)
		s.TotalVolume = s.TotalVolume.Add(notional)
		s.FillCount++

		a := s.ByAsset[f.Asset]
		a.RealizedPnl = a.RealizedPnl.Add(f.ClosedPnl)
		a.TotalFees = a.TotalFees.Add(f.Fee)
		a.Volume = a.Volume.Add(notional)
		a.FillCount++
		if a.FirstFillMs == 0 || f.TimeMs < a.FirstFillMs {
			a.FirstFillMs = f.TimeMs
		}
		if f.TimeMs > a.LastFillMs {
			a.LastFillMs = f.TimeMs
		}
		s.ByAsset[f.Asset] = a
	}

	s.NetPnl = s.RealizedPnl.Sub(s.TotalFees)
	for asset, a := range s.ByAsset {
		a.NetPnl = a.RealizedPnl.Sub(a.TotalFees)
		s.ByAsset[asset] = a
	}
	return s
}

// Assets returns the summary's asset symbols in sorted order, for stable
// rendering.
func (s Summary) Assets() []string {
	out := make([]string, 0, len(s.ByAsset))
	for asset := range s.ByAsset {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}
