package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/karst-ml/karst/internal/logger"
)

var (
	modelPath     string
	tokenizerPath string
	deviceName    string
	logLevel      string
	logFormat     string
	debug         bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to llama2 checkpoint (.bin)",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Aliases:     []string{"tok"},
			Usage:       "path to tokenizer.bin",
			Destination: &tokenizerPath,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "compute device (cpu, cuda)",
			Value:       "cpu",
			Destination: &deviceName,
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

func buildLogger() logger.Logger {
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
