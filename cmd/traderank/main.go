package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/traderank/traderank/builderdata"
	"github.com/traderank/traderank/cmd/traderank/internal/config"
	"github.com/traderank/traderank/hl"
	"github.com/traderank/traderank/ingest"
	"github.com/traderank/traderank/internal/api"
	"github.com/traderank/traderank/internal/origin"
	"github.com/traderank/traderank/leaderboard"
	"github.com/traderank/traderank/ledger"
	tlog "github.com/traderank/traderank/log"
	"github.com/traderank/traderank/pnl"
	"github.com/traderank/traderank/ratelimit"
	"github.com/traderank/traderank/taint"
)

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func main() {
	// A local .env is optional; flags and real env vars win over it.
	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	fs := config.NewConfigFlagSet(&cfg)

	if err := fs.Parse(os.Args[1:]); err != nil {
		fatal("parsing flags failed", err)
	}
	if err := config.ApplyEnvDefaults(fs, &cfg); err != nil {
		fatal("invalid parameters", err)
	}
	if err := config.ValidateConfig(&cfg); err != nil {
		fatal("invalid configuration", err)
	}

	handler, logCloser, err := config.GetLogHandler(cfg)
	if err != nil {
		fatal("logging init failed", err)
	}
	defer logCloser.Close()

	logger := slog.New(handler)
	slog.SetDefault(logger)
	log.SetOutput(slog.NewLogLogger(logger.Handler(), slog.LevelDebug).Writer())

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	appCtx = tlog.ContextWithLogger(appCtx, logger)

	lg := ledger.New(logger)

	gate := ratelimit.NewGate(cfg.RequestSpacing)
	info, err := hl.NewInfoClient(cfg.Hyperliquid, hl.WithGate(gate), hl.WithInfoLogger(logger))
	if err != nil {
		fatal("info client init failed", err)
	}
	fetcher := ingest.NewFetcher(info, lg, ingest.WithFetcherLogger(logger))
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.RequestsPerMinute,
		Logger:            logger,
	})

	if err := backfill(appCtx, &cfg, fetcher, limiter); err != nil {
		fatal("backfill failed", err)
	}

	var attribution *builderdata.AttributionSet
	if cfg.Builder != "" {
		attribution = builderdata.NewAttributionSet()
		if err := loadBuilderData(appCtx, &cfg, lg, attribution); err != nil {
			fatal("loading builder archives failed", err)
		}
	}

	detector := taint.NewDetector(lg, attributionOrNil(attribution), cfg.Builder, logger)
	engine := pnl.NewEngine(lg, logger)
	ranker := leaderboard.NewRanker(lg, detector,
		leaderboard.WithRankerLogger(logger),
		leaderboard.WithRankerConcurrency(cfg.FetchWorkers),
	)

	if cfg.PrintLeaderboard {
		if err := printLeaderboard(appCtx, &cfg, ranker); err != nil {
			fatal("printing leaderboard failed", err)
		}
		return
	}

	var collector *ingest.Collector
	if cfg.Live {
		collector = ingest.NewCollector(ingest.ExchangeDial(cfg.Hyperliquid), lg,
			ingest.WithCollectorLogger(logger))
		for _, user := range cfg.Users {
			if err := collector.StartCollecting(appCtx, user); err != nil {
				fatal("starting live collection failed", err)
			}
		}
		defer collector.StopAll()
	}

	apiHandler := api.NewHandler(lg, engine, ranker,
		api.WithLogger(logger),
		api.WithParticipants(cfg.Users),
	)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: origin.BuildAllowedOrigins(cfg.HTTPListen, cfg.PublicOrigin),
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	srv := &http.Server{
		Addr:    cfg.HTTPListen,
		Handler: corsMiddleware.Handler(apiHandler.Routes()),
	}

	srvErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErrCh <- err
		}
	}()

	select {
	case err := <-srvErrCh:
		fatal("HTTP server failed", err)
	case <-appCtx.Done():
		logger.Info("shutting down")
	}

	if err := drainHTTPServer(srv, srvErrCh); err != nil {
		logger.Error("HTTP shutdown failed", slog.String("error", err.Error()))
	}
}

// backfill pulls each user's historical fills, fanning out across workers.
// Every worker reserves a request allowance up front so the fan-out cannot
// blow through the per-minute budget.
func backfill(ctx context.Context, cfg *config.AppConfig, fetcher *ingest.Fetcher, limiter *ratelimit.Limiter) error {
	logger := tlog.LoggerFromContext(ctx)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.FetchWorkers)
	for _, user := range cfg.Users {
		g.Go(func() error {
			// One page per 2000 fills; reserve enough for a full query.
			const estimatedPages = ingest.MaxFillsPerQuery/hl.MaxFillsPerRequest + 1
			if err := limiter.Reserve(gctx, user, estimatedPages); err != nil {
				return fmt.Errorf("reserving request budget for %s: %w", user, err)
			}
			defer limiter.Release(user)

			res, err := fetcher.Fetch(gctx, user, cfg.FromMs, cfg.ToMs)
			if err != nil {
				return fmt.Errorf("backfilling %s: %w", user, err)
			}
			for i := 0; i < res.Pages; i++ {
				if err := limiter.Consume(user); err != nil {
					break
				}
			}
			logger.Info("backfilled user",
				slog.String("user", user),
				slog.Int("fetched", res.Fetched),
				slog.Int("inserted", res.Inserted),
				slog.Int("pages", res.Pages),
				slog.Bool("truncated", res.Truncated),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("backfill complete",
		slog.Int("users", len(cfg.Users)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// loadBuilderData fetches the builder's daily archives covering the
// competition window and matches them against every participant's fills.
func loadBuilderData(ctx context.Context, cfg *config.AppConfig, lg *ledger.Ledger, attribution *builderdata.AttributionSet) error {
	logger := tlog.LoggerFromContext(ctx)
	client := builderdata.NewClient(cfg.Builder,
		builderdata.WithBaseURL(cfg.BuilderDataURL),
		builderdata.WithClientLogger(logger),
	)

	from := time.UnixMilli(cfg.FromMs).UTC()
	if cfg.FromMs == 0 {
		from = earliestFill(lg, cfg.Users)
	}
	to := time.Now().UTC()
	if cfg.ToMs != 0 {
		to = time.UnixMilli(cfg.ToMs).UTC()
	}

	records, err := client.FillsForRange(ctx, from, to)
	if err != nil {
		return err
	}

	matched := 0
	for _, user := range cfg.Users {
		matched += attribution.Match(records, lg.AllFillsFor(user))
	}
	logger.Info("matched builder archives",
		slog.Int("records", len(records)),
		slog.Int("matched_fills", matched),
	)
	return nil
}

func earliestFill(lg *ledger.Ledger, users []string) time.Time {
	earliest := time.Now().UTC()
	for _, user := range users {
		fills := lg.AllFillsFor(user)
		if len(fills) == 0 {
			continue
		}
		if t := time.UnixMilli(fills[0].TimeMs).UTC(); t.Before(earliest) {
			earliest = t
		}
	}
	return earliest
}

func printLeaderboard(ctx context.Context, cfg *config.AppConfig, ranker *leaderboard.Ranker) error {
	req := leaderboard.Request{
		Users:       cfg.Users,
		Metric:      leaderboard.Metric(cfg.Metric),
		FromMs:      cfg.FromMs,
		ToMs:        cfg.ToMs,
		BuilderOnly: cfg.BuilderOnly,
	}
	if cfg.MaxStartCapital != "" {
		capital, err := decimal.NewFromString(cfg.MaxStartCapital)
		if err != nil {
			return err
		}
		req.MaxStartCapital = capital
	}

	res, err := ranker.Rank(ctx, req)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Rank", "User", string(res.Metric), "Volume", "Net PnL", "Fills")
	for _, e := range res.Entries {
		table.Append(
			fmt.Sprintf("%d", e.Rank),
			e.User,
			e.Value.String(),
			e.Volume.String(),
			e.NetPnl.String(),
			fmt.Sprintf("%d", e.FillCount),
		)
	}
	table.Render()

	fmt.Printf("ranked %d of %d users\n", res.FilteredUsers, res.TotalUsers)
	return nil
}

// attributionOrNil avoids handing the detector a typed nil interface.
func attributionOrNil(set *builderdata.AttributionSet) taint.AttributionSource {
	if set == nil {
		return nil
	}
	return set
}

func drainHTTPServer(srv *http.Server, errCh <-chan error) error {
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
