// Command bookie runs a single bookie server process: it loads a TOML
// configuration file, starts the storage engine, and blocks until an
// interrupt or terminate signal asks it to shut down cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bookie/bookie"
	"bookie/config"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the bookie TOML configuration file (required)")
	genConfig := flag.Bool("generate-config", false, "Write a sample configuration file to -config and exit")
	debug := flag.Bool("debug", false, "Enable debug logging regardless of the config file's log_level")
	flag.Parse()

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config argument is required")
		flag.Usage()
		os.Exit(1)
	}

	if *genConfig {
		if err := config.WriteSample(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write sample config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Sample configuration written to %s\n", configPath)
		return
	}

	fc, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(fc); err != nil {
		fmt.Fprintf(os.Stderr, "Error in config: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch fc.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := config.ToOptions(fc)
	metadata := bookie.NewInMemoryMetadataClient()

	b, err := bookie.Start(opts, metadata, logger)
	if err != nil {
		logger.Error("failed to start bookie", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("bookie started", "bookie_id", opts.BookieID, "listen_addr", fc.ListenAddr)
	<-ctx.Done()

	logger.Info("shutting down")
	b.Shutdown()
}
