package ledger

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Side mirrors the exchange's wire encoding: "B" for bid/buy, "A" for ask/sell.
type Side string

const (
	SideBuy  Side = "B"
	SideSell Side = "A"
)

// IsBuy reports whether the fill increased the signed position.
func (s Side) IsBuy() bool {
	return s == SideBuy
}

// Source records which ingestion path produced a fill.
type Source string

const (
	SourceHistorical Source = "historical"
	SourceLive       Source = "live"
)

// Fill is a single trade execution for a user. Monetary fields are exact
// decimals; the exchange reports them as strings and we keep them lossless.
type Fill struct {
	TradeID int64
	OrderID int64
	User    string
	Asset   string
	TimeMs  int64

	Price     decimal.Decimal
	Size      decimal.Decimal
	Fee       decimal.Decimal
	ClosedPnl decimal.Decimal

	Side      Side
	Crossed   bool
	Direction string

	Source Source

	// BuilderAddress is set when the upstream record carried builder
	// attribution. Empty means unattributed, not "no builder".
	BuilderAddress string
}

// Notional returns price * size.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Size)
}

// SignedSize returns the position delta this fill applied: positive for buys,
// negative for sells.
func (f Fill) SignedSize() decimal.Decimal {
	if f.Side.IsBuy() {
		return f.Size
	}
	return f.Size.Neg()
}

// NetPnl returns closed PnL minus the fee paid on this fill.
func (f Fill) NetPnl() decimal.Decimal {
	return f.ClosedPnl.Sub(f.Fee)
}

// NormalizeAddress lowercases an address so map keys and comparisons are
// consistent regardless of the checksum casing a source used.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
