package hl

import (
	"context"
	"fmt"

	"github.com/sonirico/go-hyperliquid"
)

// StreamHandler receives batches of fills from a userFills subscription. The
// first message after (re)subscribing is a snapshot of recent fills; it is
// flagged so callers can treat it differently if they want to, though ledger
// dedup makes replaying it harmless. A non-nil err signals the subscription
// broke and no further batches will arrive on this stream.
type StreamHandler func(fills []Fill, isSnapshot bool, err error)

// Stream is one live userFills subscription over a dedicated websocket.
type Stream struct {
	ws  *hyperliquid.WebsocketClient
	sub *hyperliquid.Subscription
}

// DialUserFills opens a websocket against the configured network and
// subscribes to fills for user. Each stream owns its connection so closing
// one user's stream never disturbs another's.
func DialUserFills(ctx context.Context, cfg ClientConfig, user string, handler StreamHandler) (*Stream, error) {
	baseURL, err := cfg.ResolveBaseURL()
	if err != nil {
		return nil, err
	}

	ws := hyperliquid.NewWebsocketClient(baseURL)
	if err := ws.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect websocket: %w", err)
	}

	sub, err := ws.OrderFills(
		hyperliquid.OrderFillsSubscriptionParams{User: user},
		func(msg hyperliquid.WsOrderFills, err error) {
			if err != nil {
				handler(nil, false, err)
				return
			}
			fills := make([]Fill, 0, len(msg.Fills))
			for _, f := range msg.Fills {
				fills = append(fills, fromWsOrderFill(f))
			}
			handler(fills, msg.IsSnapshot, nil)
		},
	)
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("subscribe userFills: %w", err)
	}

	return &Stream{ws: ws, sub: sub}, nil
}

// Close tears down the subscription and the underlying websocket.
func (s *Stream) Close() error {
	if s.sub != nil && s.sub.Close != nil {
		s.sub.Close()
	}
	if s.ws != nil {
		return s.ws.Close()
	}
	return nil
}

func fromWsOrderFill(f hyperliquid.WsOrderFill) Fill {
	fill := Fill{
		Coin:          f.Coin,
		Px:            f.Px,
		Sz:            f.Sz,
		Side:          f.Side,
		Time:          f.Time,
		StartPosition: f.StartPosition,
		Dir:           f.Dir,
		ClosedPnl:     f.ClosedPnl,
		Hash:          f.Hash,
		Oid:           f.Oid,
		Crossed:       f.Crossed,
		Fee:           f.Fee,
		Tid:           f.Tid,
		FeeToken:      f.FeeToken,
	}
	if f.BuilderFee != nil {
		fill.BuilderFee = *f.BuilderFee
	}
	return fill
}
