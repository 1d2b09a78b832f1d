package hl

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/traderank/traderank/ledger"
)

// ToLedgerFill converts a wire fill into the ledger representation. It fails
// on any field that does not parse; callers skip and log such records rather
// than aborting the batch.
func ToLedgerFill(user string, source ledger.Source, wf Fill) (ledger.Fill, error) {
	if wf.Tid == 0 {
		return ledger.Fill{}, fmt.Errorf("fill has no trade id")
	}
	if wf.Coin == "" {
		return ledger.Fill{}, fmt.Errorf("fill %d has no coin", wf.Tid)
	}

	side, err := parseSide(wf.Side)
	if err != nil {
		return ledger.Fill{}, fmt.Errorf("fill %d: %w", wf.Tid, err)
	}

	price, err := decimal.NewFromString(wf.Px)
	if err != nil {
		return ledger.Fill{}, fmt.Errorf("fill %d: parse px %q: %w", wf.Tid, wf.Px, err)
	}
	size, err := decimal.NewFromString(wf.Sz)
	if err != nil {
		return ledger.Fill{}, fmt.Errorf("fill %d: parse sz %q: %w", wf.Tid, wf.Sz, err)
	}
	fee, err := decimal.NewFromString(wf.Fee)
	if err != nil {
		return ledger.Fill{}, fmt.Errorf("fill %d: parse fee %q: %w", wf.Tid, wf.Fee, err)
	}
	closedPnl, err := decimal.NewFromString(wf.ClosedPnl)
	if err != nil {
		return ledger.Fill{}, fmt.Errorf("fill %d: parse closedPnl %q: %w", wf.Tid, wf.ClosedPnl, err)
	}

	return ledger.Fill{
		TradeID:   wf.Tid,
		OrderID:   wf.Oid,
		User:      ledger.NormalizeAddress(user),
		Asset:     wf.Coin,
		TimeMs:    wf.Time,
		Price:     price,
		Size:      size,
		Fee:       fee,
		ClosedPnl: closedPnl,
		Side:      side,
		Crossed:   wf.Crossed,
		Direction: wf.Dir,
		Source:    source,
	}, nil
}

func parseSide(s string) (ledger.Side, error) {
	switch s {
	case "B":
		return ledger.SideBuy, nil
	case "A":
		return ledger.SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}
