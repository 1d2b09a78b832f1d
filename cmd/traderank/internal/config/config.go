package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/traderank/traderank/builderdata"
	"github.com/traderank/traderank/hl"
	"github.com/traderank/traderank/leaderboard"
	"github.com/traderank/traderank/log"
)

type AppConfig struct {
	Hyperliquid hl.ClientConfig

	Users   []string
	Builder string

	FromMs          int64
	ToMs            int64
	Metric          string
	MaxStartCapital string
	BuilderOnly     bool

	Live           bool
	BuilderDataURL string

	RequestSpacing    time.Duration
	RequestsPerMinute int
	FetchWorkers      int

	HTTPListen   string
	PublicOrigin string
	LogLevel     string
	LogJSON      bool
	LogFile      string
	LogGroups    []string

	PrintLeaderboard bool
}

func DefaultConfig() AppConfig {
	return AppConfig{
		Hyperliquid:       hl.ClientConfig{Network: hl.NetworkMainnet},
		Metric:            string(leaderboard.MetricVolume),
		Live:              true,
		BuilderDataURL:    builderdata.DefaultBaseURL,
		RequestSpacing:    250 * time.Millisecond,
		RequestsPerMinute: 1200,
		FetchWorkers:      4,
		HTTPListen:        ":8080",
		LogLevel:          "info",
		LogJSON:           false,
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("traderank", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar((*string)(&cfg.Hyperliquid.Network), "network", string(cfg.Hyperliquid.Network), "Hyperliquid network, mainnet or testnet (env: TRADERANK_NETWORK)")
	fs.StringVar(&cfg.Hyperliquid.BaseURL, "hyperliquid-api-url", cfg.Hyperliquid.BaseURL, "Hyperliquid API base URL, overrides network (env: HYPERLIQUID_API_URL)")

	fs.StringSliceVar(&cfg.Users, "users", cfg.Users, "Competition participant addresses (env: TRADERANK_USERS)")
	fs.StringVar(&cfg.Builder, "builder", cfg.Builder, "Designated builder address (env: TRADERANK_BUILDER)")

	fs.Int64Var(&cfg.FromMs, "from-ms", cfg.FromMs, "Competition window start, epoch ms (env: TRADERANK_FROM_MS)")
	fs.Int64Var(&cfg.ToMs, "to-ms", cfg.ToMs, "Competition window end, epoch ms, 0 for open-ended (env: TRADERANK_TO_MS)")
	fs.StringVar(&cfg.Metric, "metric", cfg.Metric, "Default leaderboard metric: volume, pnl, or returnPct (env: TRADERANK_METRIC)")
	fs.StringVar(&cfg.MaxStartCapital, "max-start-capital", cfg.MaxStartCapital, "Capital base for returnPct rankings (env: TRADERANK_MAX_START_CAPITAL)")
	fs.BoolVar(&cfg.BuilderOnly, "builder-only", cfg.BuilderOnly, "Exclude tainted users from the default leaderboard (env: TRADERANK_BUILDER_ONLY)")

	fs.BoolVar(&cfg.Live, "live", cfg.Live, "Keep live fill streams open after the backfill (env: TRADERANK_LIVE)")
	fs.StringVar(&cfg.BuilderDataURL, "builder-data-url", cfg.BuilderDataURL, "Builder fill archive base URL (env: TRADERANK_BUILDER_DATA_URL)")

	fs.DurationVar(&cfg.RequestSpacing, "request-spacing", cfg.RequestSpacing, "Minimum spacing between info requests (env: TRADERANK_REQUEST_SPACING)")
	fs.IntVar(&cfg.RequestsPerMinute, "requests-per-minute", cfg.RequestsPerMinute, "Info request budget per minute (env: TRADERANK_REQUESTS_PER_MINUTE)")
	fs.IntVar(&cfg.FetchWorkers, "fetch-workers", cfg.FetchWorkers, "Concurrent backfill workers (env: TRADERANK_FETCH_WORKERS)")

	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "HTTP listen address (env: TRADERANK_HTTP_LISTEN)")
	fs.StringVar(&cfg.PublicOrigin, "public-origin", cfg.PublicOrigin, "Public origins allowed by CORS, comma separated (env: TRADERANK_PUBLIC_ORIGIN)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: TRADERANK_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "Emit logs as JSON (env: TRADERANK_LOG_JSON)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Mirror logs to this file (env: TRADERANK_LOG_FILE)")
	fs.StringSliceVar(&cfg.LogGroups, "log-groups", cfg.LogGroups, "Only emit logs from these groups (env: TRADERANK_LOG_GROUPS)")

	fs.BoolVar(&cfg.PrintLeaderboard, "print-leaderboard", cfg.PrintLeaderboard, "Backfill, print the leaderboard, and exit")

	return fs
}

// ApplyEnvDefaults inspects flags that were left at their zero value and pulls from env.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	flagSet := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { flagSet[f.Name] = struct{}{} })

	setString := func(name, envKey string, target *string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			*target = v
		}
	}
	setStringSlice := func(name, envKey string, target *[]string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			var parts []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					parts = append(parts, part)
				}
			}
			*target = parts
		}
	}
	setInt := func(name, envKey string, target *int) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*target = parsed
			}
		}
	}
	setInt64 := func(name, envKey string, target *int64) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				*target = parsed
			}
		}
	}
	setBool := func(name, envKey string, target *bool) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*target = parsed
			}
		}
	}
	setDuration := func(name, envKey string, target *time.Duration) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := time.ParseDuration(v); err == nil {
				*target = parsed
			}
		}
	}

	var network string
	setString("network", "TRADERANK_NETWORK", &network)
	if network != "" {
		cfg.Hyperliquid.Network = hl.Network(network)
	}
	setString("hyperliquid-api-url", "HYPERLIQUID_API_URL", &cfg.Hyperliquid.BaseURL)

	setStringSlice("users", "TRADERANK_USERS", &cfg.Users)
	setString("builder", "TRADERANK_BUILDER", &cfg.Builder)

	setInt64("from-ms", "TRADERANK_FROM_MS", &cfg.FromMs)
	setInt64("to-ms", "TRADERANK_TO_MS", &cfg.ToMs)
	setString("metric", "TRADERANK_METRIC", &cfg.Metric)
	setString("max-start-capital", "TRADERANK_MAX_START_CAPITAL", &cfg.MaxStartCapital)
	setBool("builder-only", "TRADERANK_BUILDER_ONLY", &cfg.BuilderOnly)

	setBool("live", "TRADERANK_LIVE", &cfg.Live)
	setString("builder-data-url", "TRADERANK_BUILDER_DATA_URL", &cfg.BuilderDataURL)

	setDuration("request-spacing", "TRADERANK_REQUEST_SPACING", &cfg.RequestSpacing)
	setInt("requests-per-minute", "TRADERANK_REQUESTS_PER_MINUTE", &cfg.RequestsPerMinute)
	setInt("fetch-workers", "TRADERANK_FETCH_WORKERS", &cfg.FetchWorkers)

	setString("http-listen", "TRADERANK_HTTP_LISTEN", &cfg.HTTPListen)
	setString("public-origin", "TRADERANK_PUBLIC_ORIGIN", &cfg.PublicOrigin)
	setString("log-level", "TRADERANK_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "TRADERANK_LOG_JSON", &cfg.LogJSON)
	setString("log-file", "TRADERANK_LOG_FILE", &cfg.LogFile)
	setStringSlice("log-groups", "TRADERANK_LOG_GROUPS", &cfg.LogGroups)

	return nil
}

func ValidateConfig(cfg *AppConfig) error {
	if len(cfg.Users) == 0 {
		return fmt.Errorf("missing required config: users")
	}
	for i, user := range cfg.Users {
		if !common.IsHexAddress(user) {
			return fmt.Errorf("invalid user address %q", user)
		}
		cfg.Users[i] = strings.ToLower(strings.TrimSpace(user))
	}
	if cfg.Builder != "" {
		if !common.IsHexAddress(cfg.Builder) {
			return fmt.Errorf("invalid builder address %q", cfg.Builder)
		}
		cfg.Builder = strings.ToLower(strings.TrimSpace(cfg.Builder))
	}
	if cfg.BuilderOnly && cfg.Builder == "" {
		return fmt.Errorf("builder-only requires a builder address")
	}
	if _, err := leaderboard.ParseMetric(cfg.Metric); err != nil {
		return fmt.Errorf("invalid metric %q", cfg.Metric)
	}
	if cfg.MaxStartCapital != "" {
		if _, err := decimal.NewFromString(cfg.MaxStartCapital); err != nil {
			return fmt.Errorf("invalid max-start-capital %q", cfg.MaxStartCapital)
		}
	}
	if _, err := cfg.Hyperliquid.ResolveBaseURL(); err != nil {
		return err
	}
	if cfg.FetchWorkers <= 0 {
		return fmt.Errorf("fetch-workers must be positive")
	}
	if cfg.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests-per-minute must be positive")
	}
	if cfg.ToMs != 0 && cfg.ToMs <= cfg.FromMs {
		return fmt.Errorf("to-ms must be after from-ms")
	}
	return nil
}

// GetLogHandler builds the root handler from the logging config. The returned
// closer owns the optional file sink.
func GetLogHandler(cfg AppConfig) (slog.Handler, io.Closer, error) {
	return log.NewHandler(log.HandlerConfig{
		Level:    cfg.LogLevel,
		JSON:     cfg.LogJSON,
		FilePath: cfg.LogFile,
		Groups:   cfg.LogGroups,
	})
}
