package taint

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/traderank/traderank/ledger"
)

const builder = "0xbu1lder"

func fill(tid int64, asset string, timeMs int64, side ledger.Side, size string) ledger.Fill {
	sz, err := decimal.NewFromString(size)
	if err != nil {
		panic(err)
	}
	return ledger.Fill{
		TradeID: tid,
		User:    "0xaaa",
		Asset:   asset,
		TimeMs:  timeMs,
		Price:   decimal.NewFromInt(100),
		Size:    sz,
		Side:    side,
	}
}

func attributed(tids ...int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(tids))
	for _, tid := range tids {
		out[tid] = struct{}{}
	}
	return out
}

func TestAnalyzeCleanUser(t *testing.T) {
	fills := []ledger.Fill{
		fill(1, "BTC", 1000, ledger.SideBuy, "1"),  // open long
		fill(2, "BTC", 2000, ledger.SideSell, "1"), // close to flat
	}

	res := Analyze(fills, builder, attributed(1, 2))
	require.False(t, res.Tainted)
	require.Empty(t, res.TaintedAssets)
	require.Zero(t, res.FirstTaintMs)
	require.Equal(t, 2, res.AtRiskFills)
	require.Equal(t, 2, res.AttributedFills)
	require.Zero(t, res.ViolationFills)
}

func TestAnalyzeUnattributedOpenTaints(t *testing.T) {
	fills := []ledger.Fill{
		fill(1, "BTC", 1000, ledger.SideBuy, "1"),
	}

	res := Analyze(fills, builder, nil)
	require.True(t, res.Tainted)
	require.Equal(t, []string{"BTC"}, res.TaintedAssets)
	require.Equal(t, int64(1000), res.FirstTaintMs)
	require.Equal(t, 1, res.ViolationFills)
}

func TestAnalyzeCloseOfOpenPositionIsAtRisk(t *testing.T) {
	// The open goes through the builder but the close does not; the close
	// still touches an open position, so it violates.
	fills := []ledger.Fill{
		fill(1, "BTC", 1000, ledger.SideBuy, "1"),
		fill(2, "BTC", 2000, ledger.SideSell, "1"),
	}

	res := Analyze(fills, builder, attributed(1))
	require.True(t, res.Tainted)
	require.Equal(t, int64(2000), res.FirstTaintMs)
	require.Equal(t, 2, res.AtRiskFills)
	require.Equal(t, 1, res.AttributedFills)
	require.Equal(t, 1, res.ViolationFills)
}

func TestAnalyzeZeroSizeFlatFillExempt(t *testing.T) {
	fills := []ledger.Fill{
		fill(1, "BTC", 1000, ledger.SideBuy, "0"),
	}

	res := Analyze(fills, builder, nil)
	require.False(t, res.Tainted)
	require.Zero(t, res.AtRiskFills)
}

func TestAnalyzeTaintIsLifetime(t *testing.T) {
	fills := []ledger.Fill{
		fill(1, "BTC", 1000, ledger.SideBuy, "1"), // violation
		fill(2, "BTC", 2000, ledger.SideSell, "1"),
		fill(3, "BTC", 3000, ledger.SideBuy, "1"), // later trading fully attributed
		fill(4, "BTC", 4000, ledger.SideSell, "1"),
	}

	res := Analyze(fills, builder, attributed(2, 3, 4))
	require.True(t, res.Tainted)
	require.Equal(t, int64(1000), res.FirstTaintMs)
	require.Equal(t, 1, res.ViolationFills)
}

func TestAnalyzeSignFlipEvaluatedOnce(t *testing.T) {
	// Long 1, then sell 2: closes the long and opens a short in one fill.
	fills := []ledger.Fill{
		fill(1, "BTC", 1000, ledger.SideBuy, "1"),
		fill(2, "BTC", 2000, ledger.SideSell, "2"),
	}

	res := Analyze(fills, builder, attributed(1))
	require.True(t, res.Tainted)
	require.Equal(t, 2, res.AtRiskFills)
	require.Equal(t, 1, res.ViolationFills)
}

func TestAnalyzePerAssetPositions(t *testing.T) {
	// The ETH open is unattributed; BTC stays clean.
	fills := []ledger.Fill{
		fill(1, "BTC", 1000, ledger.SideBuy, "1"),
		fill(2, "ETH", 1500, ledger.SideBuy, "1"),
		fill(3, "BTC", 2000, ledger.SideSell, "1"),
	}

	res := Analyze(fills, builder, attributed(1, 3))
	require.True(t, res.Tainted)
	require.Equal(t, []string{"ETH"}, res.TaintedAssets)
}

func TestAnalyzeFillLevelAttribution(t *testing.T) {
	withBuilder := fill(1, "BTC", 1000, ledger.SideBuy, "1")
	withBuilder.BuilderAddress = builder

	res := Analyze([]ledger.Fill{withBuilder}, builder, nil)
	require.False(t, res.Tainted)
	require.Equal(t, 1, res.AttributedFills)

	wrongBuilder := fill(2, "BTC", 1000, ledger.SideBuy, "1")
	wrongBuilder.BuilderAddress = "0xother"

	res = Analyze([]ledger.Fill{wrongBuilder}, builder, attributed(2))
	require.True(t, res.Tainted, "explicit foreign builder overrides set membership")
}

func TestAnalyzeBuilderCaseInsensitive(t *testing.T) {
	f := fill(1, "BTC", 1000, ledger.SideBuy, "1")
	f.BuilderAddress = "0xBU1LDER"
	// Ledger normalization has not run here; Analyze must still match.
	res := Analyze([]ledger.Fill{f}, "0xBu1lDer", nil)
	require.False(t, res.Tainted)
}

type staticAttribution map[string]map[int64]struct{}

func (s staticAttribution) AttributedTrades(user string) map[int64]struct{} {
	return s[user]
}

func TestDetectorReadsWholeHistory(t *testing.T) {
	lg := ledger.New(nil)
	lg.Insert(fill(1, "BTC", 1000, ledger.SideBuy, "1"))
	lg.Insert(fill(2, "BTC", 2000, ledger.SideSell, "1"))

	src := staticAttribution{"0xaaa": attributed(1, 2)}

	d := NewDetector(lg, src, builder, nil)
	require.False(t, d.IsTainted("0xAAA"))

	// An unattributed open appended later taints the account.
	lg.Insert(fill(3, "BTC", 3000, ledger.SideBuy, "1"))
	require.True(t, d.IsTainted("0xaaa"))

	res := d.Analyze("0xaaa")
	require.Equal(t, 3, res.TotalFills)
	require.Equal(t, int64(3000), res.FirstTaintMs)
}
