package pnl

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/traderank/traderank/ledger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func fill(tid int64, asset string, timeMs int64, px, sz, fee, closedPnl string) ledger.Fill {
	return ledger.Fill{
		TradeID:   tid,
		User:      "0xaaa",
		Asset:     asset,
		TimeMs:    timeMs,
		Price:     dec(px),
		Size:      dec(sz),
		Fee:       dec(fee),
		ClosedPnl: dec(closedPnl),
		Side:      ledger.SideBuy,
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	require.Zero(t, s.FillCount)
	require.True(t, s.RealizedPnl.IsZero())
	require.True(t, s.TotalFees.IsZero())
	require.True(t, s.NetPnl.IsZero())
	require.True(t, s.TotalVolume.IsZero())
	require.Empty(t, s.ByAsset)
}

func TestSummarizeTotals(t *testing.T) {
	fills := []ledger.Fill{
		fill(1, "BTC", 1000, "50000", "0.1", "0.5", "10"),
		fill(2, "BTC", 2000, "51000", "0.2", "1.0", "-3.5"),
		fill(3, "ETH", 3000, "3000", "1", "0.3", "2.25"),
	}

	s := Summarize(fills)
	require.Equal(t, 3, s.FillCount)
	require.Equal(t, "8.75", s.RealizedPnl.String())
	require.Equal(t, "1.8", s.TotalFees.String())
	require.Equal(t, "6.95", s.NetPnl.String())
	// 50000*0.1 + 51000*0.2 + 3000*1 = 5000 + 10200 + 3000
	require.Equal(t, "18200", s.TotalVolume.String())
}

func TestSummarizeByAsset(t *testing.T) {
	fills := []ledger.Fill{
		fill(1, "BTC", 1000, "50000", "0.1", "0.5", "10"),
		fill(2, "ETH", 2000, "3000", "1", "0.3", "1"),
		fill(3, "BTC", 3000, "52000", "0.1", "0.5", "5"),
	}

	s := Summarize(fills)
	require.Len(t, s.ByAsset, 2)
	require.Equal(t, []string{"BTC", "ETH"}, s.Assets())

	btc := s.ByAsset["BTC"]
	require.Equal(t, 2, btc.FillCount)
	require.Equal(t, "15", btc.RealizedPnl.String())
	require.Equal(t, "1", btc.TotalFees.String())
	require.Equal(t, "14", btc.NetPnl.String())
	require.Equal(t, "10200", btc.Volume.String())
	require.Equal(t, int64(1000), btc.FirstFillMs)
	require.Equal(t, int64(3000), btc.LastFillMs)

	eth := s.ByAsset["ETH"]
	require.Equal(t, 1, eth.FillCount)
	require.Equal(t, int64(2000), eth.FirstFillMs)
	require.Equal(t, int64(2000), eth.LastFillMs)
}

func TestSummarizeByAssetSumsToTotals(t *testing.T) {
	fills := []ledger.Fill{
		fill(1, "BTC", 1000, "50000.123", "0.017", "0.033", "10.000001"),
		fill(2, "ETH", 2000, "2999.99", "1.5", "0.31", "-4.75"),
		fill(3, "SOL", 3000, "135.88", "0.23", "0.0021", "0.000009"),
		fill(4, "BTC", 4000, "49999.999", "0.5", "1.25", "-0.1"),
		fill(5, "ETH", 5000, "3100.01", "2", "0.62", "8"),
	}
	s := Summarize(fills)

	var realized, fees, net, volume decimal.Decimal
	count := 0
	for _, a := range s.ByAsset {
		realized = realized.Add(a.RealizedPnl)
		fees = fees.Add(a.TotalFees)
		net = net.Add(a.NetPnl)
		volume = volume.Add(a.Volume)
		count += a.FillCount
	}

	require.True(t, realized.Equal(s.RealizedPnl))
	require.True(t, fees.Equal(s.TotalFees))
	require.True(t, net.Equal(s.NetPnl))
	require.True(t, volume.Equal(s.TotalVolume))
	require.Equal(t, s.FillCount, count)
}

func TestSummarizeExactDecimals(t *testing.T) {
	// 0.1 + 0.2 is exactly 0.3 in decimal arithmetic.
	fills := []ledger.Fill{
		fill(1, "BTC", 1000, "1", "1", "0", "0.1"),
		fill(2, "BTC", 2000, "1", "1", "0", "0.2"),
	}
	s := Summarize(fills)
	require.True(t, s.RealizedPnl.Equal(dec("0.3")))
}

func TestSummarizeOrderIndependent(t *testing.T) {
	fills := []ledger.Fill{
		fill(1, "BTC", 1000, "50000.123", "0.017", "0.033", "10.000001"),
		fill(2, "ETH", 2000, "2999.99", "1.5", "0.31", "-4.75"),
		fill(3, "SOL", 3000, "135.88", "0.23", "0.0021", "0.000009"),
		fill(4, "BTC", 4000, "49999.999", "0.5", "1.25", "-0.1"),
		fill(5, "ETH", 5000, "3100.01", "2", "0.62", "8"),
	}
	want := Summarize(fills)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		shuffled := append([]ledger.Fill(nil), fills...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		got := Summarize(shuffled)
		require.True(t, got.RealizedPnl.Equal(want.RealizedPnl))
		require.True(t, got.NetPnl.Equal(want.NetPnl))
		require.True(t, got.TotalVolume.Equal(want.TotalVolume))
		require.Equal(t, want.FillCount, got.FillCount)
	}
}

func TestEngineQueriesLedger(t *testing.T) {
	lg := ledger.New(nil)
	lg.Insert(fill(1, "BTC", 1000, "50000", "0.1", "0.5", "10"))
	lg.Insert(fill(2, "BTC", 5000, "51000", "0.1", "0.5", "20"))
	lg.Insert(fill(3, "ETH", 2000, "3000", "1", "0.3", "5"))

	e := NewEngine(lg, nil)

	all := e.Summarize("0xaaa", ledger.Query{})
	require.Equal(t, 3, all.FillCount)

	windowed := e.Summarize("0xaaa", ledger.Query{FromMs: 1500, ToMs: 6000})
	require.Equal(t, 2, windowed.FillCount)
	require.Equal(t, "25", windowed.RealizedPnl.String())

	btcOnly := e.Summarize("0xaaa", ledger.Query{Asset: "BTC"})
	require.Equal(t, 2, btcOnly.FillCount)

	nobody := e.Summarize("0xnobody", ledger.Query{})
	require.Zero(t, nobody.FillCount)
	require.True(t, nobody.NetPnl.IsZero())
}
