package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// HandlerConfig describes the process-wide logging setup.
type HandlerConfig struct {
	// Level is a slog level name ("debug", "info", "warn", "error"). Empty
	// or unknown values fall back to info.
	Level string
	// JSON selects JSON output over text.
	JSON bool
	// Output receives log records; defaults to stderr.
	Output io.Writer
	// FilePath, when set, mirrors records to an append-only file.
	FilePath string
	// Groups limits output to the named slog groups. Empty means all.
	Groups []string
}

// NewHandler builds the root slog handler. The returned closer owns the file
// sink when one is configured and is a no-op otherwise.
func NewHandler(cfg HandlerConfig) (slog.Handler, io.Closer, error) {
	level := slog.LevelInfo
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level = slog.LevelInfo
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	build := func(w io.Writer) slog.Handler {
		if cfg.JSON {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	}

	handler := build(out)
	closer := io.Closer(nopCloser{})

	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		// The file sink is always JSON so it stays machine-readable.
		handler = NewMultiHandler(handler, slog.NewJSONHandler(f, opts))
		closer = f
	}

	return NewGroupFilterHandler(handler, cfg.Groups), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
