// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmittmann/tint"
)

// Formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config selects the log level and output format.
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// NoColor disables ANSI colors in text output.
	NoColor bool `mapstructure:"no_color"`
}

// Setup installs a logger built from cfg as the slog default and returns it.
func Setup(cfg Config) (*slog.Logger, error) {
	return setup(os.Stderr, cfg)
}

func setup(w io.Writer, cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case FormatJSON:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{
			AddSource:   true,
			Level:       level,
			ReplaceAttr: baseSource,
		})
	case "", FormatText:
		h = tint.NewHandler(w, &tint.Options{
			AddSource:   true,
			Level:       level,
			ReplaceAttr: baseSource,
			NoColor:     cfg.NoColor,
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	logger.Debug("debug messages are enabled.")
	return logger, nil
}

// ParseLevel parses debug, info, warn or error. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

func baseSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.SourceKey {
		if source, ok := a.Value.Any().(*slog.Source); ok {
			source.File = filepath.Base(source.File)
		}
	}
	return a
}
