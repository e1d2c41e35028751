package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	gocontainer "github.com/criyle/go-sandbox/container"
	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v3"
)

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func setupLogger(level, format string) {
	lvl := parseLevel(level)
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		h = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.DateTime})
	}
	slog.SetDefault(slog.New(h))
}

func main() {
	// the container sandbox starts this binary again as the init process of each environment
	if err := gocontainer.Init(); err != nil {
		panic(err)
	}

	app := &cli.Command{
		Name:   "rankode-exec",
		Usage:  "build and run untrusted C, C++, Java and Python programs",
		Action: serve,
		Commands: []*cli.Command{
			serveCommand(),
			runCommand(),
			doctorCommand(),
		},
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
