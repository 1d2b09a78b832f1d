package hl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/traderank/traderank/ledger"
)

func wireFill() Fill {
	return Fill{
		Coin:      "BTC",
		Px:        "50000.5",
		Sz:        "0.25",
		Side:      "B",
		Time:      1700000000000,
		Dir:       "Open Long",
		ClosedPnl: "0.0",
		Hash:      "0xabc",
		Oid:       77,
		Crossed:   true,
		Fee:       "1.25",
		Tid:       12345,
	}
}

func TestToLedgerFill(t *testing.T) {
	got, err := ToLedgerFill("0xAAA", ledger.SourceHistorical, wireFill())
	require.NoError(t, err)

	require.Equal(t, int64(12345), got.TradeID)
	require.Equal(t, int64(77), got.OrderID)
	require.Equal(t, "0xaaa", got.User)
	require.Equal(t, "BTC", got.Asset)
	require.Equal(t, int64(1700000000000), got.TimeMs)
	require.Equal(t, ledger.SideBuy, got.Side)
	require.True(t, got.Crossed)
	require.Equal(t, "Open Long", got.Direction)
	require.Equal(t, ledger.SourceHistorical, got.Source)
	require.Equal(t, "50000.5", got.Price.String())
	require.Equal(t, "0.25", got.Size.String())
	require.Equal(t, "1.25", got.Fee.String())
	require.True(t, got.ClosedPnl.IsZero())
}

func TestToLedgerFillSellSide(t *testing.T) {
	wf := wireFill()
	wf.Side = "A"

	got, err := ToLedgerFill("0xaaa", ledger.SourceLive, wf)
	require.NoError(t, err)
	require.Equal(t, ledger.SideSell, got.Side)
	require.Equal(t, "-0.25", got.SignedSize().String())
}

func TestToLedgerFillMalformed(t *testing.T) {
	cases := map[string]func(*Fill){
		"missing tid":   func(f *Fill) { f.Tid = 0 },
		"missing coin":  func(f *Fill) { f.Coin = "" },
		"bad side":      func(f *Fill) { f.Side = "X" },
		"bad price":     func(f *Fill) { f.Px = "not-a-number" },
		"bad size":      func(f *Fill) { f.Sz = "" },
		"bad fee":       func(f *Fill) { f.Fee = "1.2.3" },
		"bad closedPnl": func(f *Fill) { f.ClosedPnl = "x" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			wf := wireFill()
			mutate(&wf)
			_, err := ToLedgerFill("0xaaa", ledger.SourceHistorical, wf)
			require.Error(t, err)
		})
	}
}
