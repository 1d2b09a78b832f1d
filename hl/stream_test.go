package hl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sonirico/go-hyperliquid"
)

func TestFromWsOrderFill(t *testing.T) {
	builderFee := "0.02"
	f := hyperliquid.WsOrderFill{
		Coin:          "ETH",
		Px:            "3000.5",
		Sz:            "0.25",
		Side:          "B",
		Time:          1700000000000,
		StartPosition: "0",
		Dir:           "Open Long",
		ClosedPnl:     "1.5",
		Hash:          "0xabc",
		Oid:           42,
		Crossed:       true,
		Fee:           "0.1",
		Tid:           7,
		FeeToken:      "USDC",
		BuilderFee:    &builderFee,
	}

	got := fromWsOrderFill(f)
	require.Equal(t, Fill{
		Coin:          "ETH",
		Px:            "3000.5",
		Sz:            "0.25",
		Side:          "B",
		Time:          1700000000000,
		StartPosition: "0",
		Dir:           "Open Long",
		ClosedPnl:     "1.5",
		Hash:          "0xabc",
		Oid:           42,
		Crossed:       true,
		Fee:           "0.1",
		Tid:           7,
		FeeToken:      "USDC",
		BuilderFee:    "0.02",
	}, got)
}

func TestFromWsOrderFillNoBuilderFee(t *testing.T) {
	got := fromWsOrderFill(hyperliquid.WsOrderFill{Coin: "BTC", Tid: 1})
	require.Empty(t, got.BuilderFee)
	require.Equal(t, int64(1), got.Tid)
}
