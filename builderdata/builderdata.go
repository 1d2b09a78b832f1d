// Package builderdata downloads the exchange's daily builder fill archives.
// Each day is one lz4-compressed CSV per builder; days with no activity are
// simply absent upstream.
package builderdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/shopspring/decimal"

	"github.com/traderank/traderank/ledger"
)

// DefaultBaseURL serves the mainnet archives.
const DefaultBaseURL = "https://stats-data.hyperliquid.xyz/Mainnet"

// Record is one row of a builder fill archive.
type Record struct {
	TimeMs           int64
	User             string
	Coin             string
	IsBuy            bool
	Price            decimal.Decimal
	Size             decimal.Decimal
	Crossed          bool
	SpecialTradeType string
	Tif              string
	IsTrigger        bool
	Counterparty     string
	ClosedPnl        decimal.Decimal
	TwapID           string
	BuilderFee       decimal.Decimal
}

// Client fetches archives for a single builder address.
type Client struct {
	httpClient *http.Client
	baseURL    string
	builder    string
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the archive host, primarily for tests.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClientLogger overrides the logger used for diagnostics.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.WithGroup("builderdata")
		}
	}
}

// NewClient constructs a client for the builder's archives. The builder
// address is normalized to lowercase, matching the upstream path scheme.
func NewClient(builder string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    DefaultBaseURL,
		builder:    ledger.NormalizeAddress(builder),
		logger:     slog.Default().WithGroup("builderdata"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FillsForDay fetches one day's archive. A missing archive (403 or 404, the
// upstream serves both for absent days) yields an empty slice, not an error.
func (c *Client) FillsForDay(ctx context.Context, day time.Time) ([]Record, error) {
	url := fmt.Sprintf("%s/builder_fills/%s/%s.csv.lz4",
		c.baseURL, c.builder, day.UTC().Format("20060102"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building archive request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching builder archive: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusNotFound:
		c.logger.Debug("no builder archive for day",
			slog.String("day", day.UTC().Format("2006-01-02")),
			slog.Int("status", resp.StatusCode),
		)
		return nil, nil
	default:
		return nil, fmt.Errorf("builder archive returned status %d", resp.StatusCode)
	}

	records, err := parseArchive(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing builder archive for %s: %w", day.UTC().Format("2006-01-02"), err)
	}

	c.logger.Debug("fetched builder archive",
		slog.String("day", day.UTC().Format("2006-01-02")),
		slog.Int("records", len(records)),
	)
	return records, nil
}

// FillsForRange fetches every UTC day from from through to inclusive and
// returns the combined records sorted by time. Missing days are skipped.
func (c *Client) FillsForRange(ctx context.Context, from, to time.Time) ([]Record, error) {
	from = from.UTC().Truncate(24 * time.Hour)
	to = to.UTC().Truncate(24 * time.Hour)
	if to.Before(from) {
		return nil, errors.New("range end precedes range start")
	}

	var out []Record
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		records, err := c.FillsForDay(ctx, day)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TimeMs < out[j].TimeMs })
	return out, nil
}

func parseArchive(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(lz4.NewReader(r))
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"time", "user", "coin", "side", "px", "sz"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("archive missing column %q", required)
		}
	}

	var records []Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}

		rec, err := parseRow(row, cols)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(records)+2, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRow(row []string, cols map[string]int) (Record, error) {
	field := func(name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return row[idx]
	}

	ts, err := time.Parse(time.RFC3339, field("time"))
	if err != nil {
		return Record{}, fmt.Errorf("parsing time: %w", err)
	}

	var isBuy bool
	switch side := field("side"); side {
	case "Bid":
		isBuy = true
	case "Ask":
		isBuy = false
	default:
		return Record{}, fmt.Errorf("unknown side %q", side)
	}

	px, err := decimal.NewFromString(field("px"))
	if err != nil {
		return Record{}, fmt.Errorf("parsing px: %w", err)
	}
	sz, err := decimal.NewFromString(field("sz"))
	if err != nil {
		return Record{}, fmt.Errorf("parsing sz: %w", err)
	}

	rec := Record{
		TimeMs:           ts.UnixMilli(),
		User:             ledger.NormalizeAddress(field("user")),
		Coin:             strings.ToUpper(field("coin")),
		IsBuy:            isBuy,
		Price:            px,
		Size:             sz,
		SpecialTradeType: field("special_trade_type"),
		Tif:              field("tif"),
		Counterparty:     field("counterparty"),
		TwapID:           field("twap_id"),
	}

	if v := field("crossed"); v != "" {
		rec.Crossed, err = strconv.ParseBool(v)
		if err != nil {
			return Record{}, fmt.Errorf("parsing crossed: %w", err)
		}
	}
	if v := field("is_trigger"); v != "" {
		rec.IsTrigger, err = strconv.ParseBool(v)
		if err != nil {
			return Record{}, fmt.Errorf("parsing is_trigger: %w", err)
		}
	}
	if v := field("closed_pnl"); v != "" {
		rec.ClosedPnl, err = decimal.NewFromString(v)
		if err != nil {
			return Record{}, fmt.Errorf("parsing closed_pnl: %w", err)
		}
	}
	if v := field("builder_fee"); v != "" {
		rec.BuilderFee, err = decimal.NewFromString(v)
		if err != nil {
			return Record{}, fmt.Errorf("parsing builder_fee: %w", err)
		}
	}
	return rec, nil
}
