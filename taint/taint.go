// Package taint decides whether a user's position-opening flow ever bypassed
// the designated builder. Positions are reconstructed from the full fill
// history per asset; judging a window slice would misread fills that close
// positions opened before the window.
package taint

import (
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/traderank/traderank/ledger"
)

// AttributionSource resolves which of a user's trades the designated builder
// is known to have routed.
type AttributionSource interface {
	AttributedTrades(user string) map[int64]struct{}
}

// FillReader is the slice of the ledger the detector needs. Whole-history
// reads only.
type FillReader interface {
	AllFillsFor(user string) []ledger.Fill
}

// Result summarises a taint analysis over one user's history.
type Result struct {
	Tainted bool
	// TaintedAssets lists assets on which a violation occurred, sorted.
	TaintedAssets []string
	// FirstTaintMs is the timestamp of the earliest violating fill, zero
	// when clean.
	FirstTaintMs int64

	TotalFills      int
	AtRiskFills     int
	AttributedFills int
	ViolationFills  int
}

// Detector evaluates users against a single target builder.
type Detector struct {
	fills       FillReader
	attribution AttributionSource
	builder     string
	logger      *slog.Logger
}

// NewDetector constructs a detector for the target builder address. The
// attribution source may be nil, in which case only attribution carried on
// the fills themselves counts.
func NewDetector(fills FillReader, attribution AttributionSource, builder string, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		fills:       fills,
		attribution: attribution,
		builder:     ledger.NormalizeAddress(builder),
		logger:      logger.WithGroup("taint"),
	}
}

// IsTainted reports whether the user ever opened position risk outside the
// target builder. Once true it stays true for the account's lifetime; a later
// flat position does not reset it.
func (d *Detector) IsTainted(user string) bool {
	return d.Analyze(user).Tainted
}

// Analyze replays the user's full history through the position tracker.
func (d *Detector) Analyze(user string) Result {
	user = ledger.NormalizeAddress(user)

	var attributed map[int64]struct{}
	if d.attribution != nil {
		attributed = d.attribution.AttributedTrades(user)
	}

	res := Analyze(d.fills.AllFillsFor(user), d.builder, attributed)
	if res.Tainted {
		d.logger.Debug("user tainted",
			slog.String("user", user),
			slog.Int64("first_taint_ms", res.FirstTaintMs),
			slog.Int("violations", res.ViolationFills),
		)
	}
	return res
}

// Analyze replays fills in order through per-asset signed positions. A fill
// is at risk when the asset's position was open before it or is open after
// it; an at-risk fill with no builder attribution is a violation. Fills that
// neither start from nor result in an open position (zero-size no-ops) are
// exempt. A fill that flips the position sign is evaluated exactly once,
// covering both the close and the reopen it performs.
func Analyze(fills []ledger.Fill, targetBuilder string, attributed map[int64]struct{}) Result {
	targetBuilder = ledger.NormalizeAddress(targetBuilder)

	res := Result{TotalFills: len(fills)}
	positions := make(map[string]decimal.Decimal)
	taintedAssets := make(map[string]struct{})

	for _, f := range fills {
		before := positions[f.Asset]
		after := before.Add(f.SignedSize())
		positions[f.Asset] = after

		if before.IsZero() && after.IsZero() {
			continue
		}
		res.AtRiskFills++

		if isAttributed(f, targetBuilder, attributed) {
			res.AttributedFills++
			continue
		}

		res.ViolationFills++
		taintedAssets[f.Asset] = struct{}{}
		if !res.Tainted || f.TimeMs < res.FirstTaintMs {
			res.FirstTaintMs = f.TimeMs
		}
		res.Tainted = true
	}

	res.TaintedAssets = make([]string, 0, len(taintedAssets))
	for asset := range taintedAssets {
		res.TaintedAssets = append(res.TaintedAssets, asset)
	}
	sort.Strings(res.TaintedAssets)
	return res
}

func isAttributed(f ledger.Fill, targetBuilder string, attributed map[int64]struct{}) bool {
	if f.BuilderAddress != "" {
		return targetBuilder != "" && ledger.NormalizeAddress(f.BuilderAddress) == targetBuilder
	}
	if attributed == nil {
		return false
	}
	_, ok := attributed[f.TradeID]
	return ok
}
