// Package api exposes the read-only HTTP surface: trades, pnl summaries, and
// leaderboards.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/traderank/traderank/leaderboard"
	"github.com/traderank/traderank/ledger"
	"github.com/traderank/traderank/pnl"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// FillSource abstracts the ledger reads the API surfaces.
type FillSource interface {
	FillsFor(user string, q ledger.Query) []ledger.Fill
}

// PnlSource computes summaries on demand.
type PnlSource interface {
	Summarize(user string, q ledger.Query) pnl.Summary
}

// Ranker computes leaderboards on demand.
type Ranker interface {
	Rank(ctx context.Context, req leaderboard.Request) (leaderboard.Result, error)
}

// Handler serves the v1 endpoints.
type Handler struct {
	fills  FillSource
	pnl    PnlSource
	ranker Ranker
	logger *slog.Logger

	// participants is the configured competition roster, used when a
	// leaderboard request does not name users explicitly.
	participants []string
}

// HandlerOption configures optional Handler dependencies.
type HandlerOption func(*Handler)

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger.WithGroup("api")
		}
	}
}

// WithParticipants sets the default leaderboard roster.
func WithParticipants(users []string) HandlerOption {
	return func(h *Handler) {
		h.participants = users
	}
}

// NewHandler wires the API surface together.
func NewHandler(fills FillSource, pnlSource PnlSource, ranker Ranker, opts ...HandlerOption) *Handler {
	h := &Handler{
		fills:  fills,
		pnl:    pnlSource,
		ranker: ranker,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default().WithGroup("api")
	}
	return h
}

// Routes returns the handler's mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/trades", h.handleTrades)
	mux.HandleFunc("GET /v1/pnl", h.handlePnl)
	mux.HandleFunc("GET /v1/leaderboard", h.handleLeaderboard)
	mux.HandleFunc("GET /v1/healthz", h.handleHealth)
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

// fillView is the wire shape of a fill. Decimals render as strings, exactly
// as the exchange reports them.
type fillView struct {
	TradeID   int64           `json:"tid"`
	OrderID   int64           `json:"oid"`
	Asset     string          `json:"coin"`
	TimeMs    int64           `json:"time"`
	Price     decimal.Decimal `json:"px"`
	Size      decimal.Decimal `json:"sz"`
	Fee       decimal.Decimal `json:"fee"`
	ClosedPnl decimal.Decimal `json:"closedPnl"`
	Side      string          `json:"side"`
	Crossed   bool            `json:"crossed"`
	Direction string          `json:"dir,omitempty"`
	Source    string          `json:"source"`
}

type tradesResponse struct {
	User    string     `json:"user"`
	Fills   []fillView `json:"fills"`
	Total   int        `json:"total"`
	HasMore bool       `json:"hasMore"`
}

func (h *Handler) handleTrades(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		h.writeError(w, http.StatusBadRequest, "user is required")
		return
	}

	q, err := windowQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, offset, err := pageParams(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fills := h.fills.FillsFor(user, q)
	total := len(fills)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	resp := tradesResponse{
		User:    ledger.NormalizeAddress(user),
		Fills:   make([]fillView, 0, end-offset),
		Total:   total,
		HasMore: end < total,
	}
	for _, f := range fills[offset:end] {
		resp.Fills = append(resp.Fills, fillView{
			TradeID:   f.TradeID,
			OrderID:   f.OrderID,
			Asset:     f.Asset,
			TimeMs:    f.TimeMs,
			Price:     f.Price,
			Size:      f.Size,
			Fee:       f.Fee,
			ClosedPnl: f.ClosedPnl,
			Side:      string(f.Side),
			Crossed:   f.Crossed,
			Direction: f.Direction,
			Source:    string(f.Source),
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type pnlResponse struct {
	User string `json:"user"`
	pnl.Summary
}

func (h *Handler) handlePnl(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		h.writeError(w, http.StatusBadRequest, "user is required")
		return
	}

	q, err := windowQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, pnlResponse{
		User:    ledger.NormalizeAddress(user),
		Summary: h.pnl.Summarize(user, q),
	})
}

func (h *Handler) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	req := leaderboard.Request{
		Users:  h.participants,
		Metric: leaderboard.MetricVolume,
		Coin:   r.URL.Query().Get("coin"),
	}
	if raw := r.URL.Query().Get("users"); raw != "" {
		req.Users = nil
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				req.Users = append(req.Users, part)
			}
		}
	}
	if m := r.URL.Query().Get("metric"); m != "" {
		metric, err := leaderboard.ParseMetric(m)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Metric = metric
	}

	var err error
	if req.FromMs, err = int64Param(r, "from"); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ToMs, err = int64Param(r, "to"); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BuilderOnly, err = boolParam(r, "builderOnly"); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if raw := r.URL.Query().Get("maxStartCapital"); raw != "" {
		req.MaxStartCapital, err = decimal.NewFromString(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid maxStartCapital")
			return
		}
	}

	start := time.Now()
	res, err := h.ranker.Rank(r.Context(), req)
	if err != nil {
		if errors.Is(err, leaderboard.ErrInvalidQuery) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("leaderboard ranking failed", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "ranking failed")
		return
	}

	h.logger.Debug("served leaderboard",
		slog.String("metric", string(res.Metric)),
		slog.Int("entries", len(res.Entries)),
		slog.Duration("elapsed", time.Since(start)),
	)
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encoding response", slog.String("error", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func windowQuery(r *http.Request) (ledger.Query, error) {
	var q ledger.Query
	var err error
	if q.FromMs, err = int64Param(r, "from"); err != nil {
		return ledger.Query{}, err
	}
	if q.ToMs, err = int64Param(r, "to"); err != nil {
		return ledger.Query{}, err
	}
	q.Asset = r.URL.Query().Get("asset")
	if raw := r.URL.Query().Get("assets"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				q.Assets = append(q.Assets, part)
			}
		}
	}
	return q, nil
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("invalid offset")
		}
	}
	return limit, offset, nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New("invalid " + name)
	}
	return v, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New("invalid " + name)
	}
	return v, nil
}
