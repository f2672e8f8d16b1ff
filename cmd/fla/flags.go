package main

import (
	"log/slog"
	"os"
	"runtime"

	"github.com/urfave/cli/v3"

	"github.com/Tgmmmmmmmm/flash-linear-attention/internal/logger"
	"github.com/Tgmmmmmmmm/flash-linear-attention/pkg/gla"
)

var (
	tier     string
	chunkLen int64
	workers  int64

	logLevel  string
	logFormat string
	debug     bool
)

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "tier",
			Usage:       "tile preset (balanced, compact, wide)",
			Value:       "balanced",
			Destination: &tier,
		},
		&cli.Int64Flag{
			Name:        "chunk-len",
			Aliases:     []string{"chunk_len"},
			Usage:       "chunk length override (0 keeps the tier preset)",
			Destination: &chunkLen,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"w"},
			Usage:       "worker goroutines (0 sizes from GOMAXPROCS)",
			Destination: &workers,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// setupLogger builds the command logger from the logging flags after the
// config file merge.
func setupLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	default:
		return logger.Pretty(os.Stderr, level)
	}
}

// engineConfig resolves the shared tuning flags plus a mode name into an
// engine configuration.
func engineConfig(mode string) (gla.Config, error) {
	m, err := gla.ParseMode(mode)
	if err != nil {
		return gla.Config{}, err
	}
	t, err := gla.ParseTier(tier)
	if err != nil {
		return gla.Config{}, err
	}
	return gla.Config{
		Mode:     m,
		Tier:     t,
		ChunkLen: int(chunkLen),
		Workers:  int(workers),
	}, nil
}

// resolvedWorkers mirrors the engine's worker default for display.
func resolvedWorkers() int {
	if workers > 0 {
		return int(workers)
	}
	return runtime.GOMAXPROCS(0)
}
