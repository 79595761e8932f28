package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/fingerspell/internal/config"
	"github.com/loqalabs/fingerspell/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		logFile     string
		showVersion bool
		terminalUI  bool
	)

	flag.StringVar(&configPath, "config", "fingerspell.yaml", "Path to configuration file")
	flag.StringVar(&logFile, "log-file", "", "Write logs to this file instead of stdout")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&terminalUI, "tui", false, "Run the terminal composer")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var out io.Writer = os.Stdout
	switch {
	case logFile != "":
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	case terminalUI:
		// The terminal UI owns stdout.
		out = io.Discard
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	var opts []runtime.Option
	if terminalUI {
		opts = append(opts, runtime.WithTerminalUI())
	}
	rt := runtime.New(cfg, logger, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		if terminalUI {
			fmt.Fprintln(os.Stderr, err)
		}
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
