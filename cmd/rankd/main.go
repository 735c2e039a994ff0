package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/rankflux/internal/app"
	"github.com/sheerbytes/rankflux/internal/config"
	"github.com/sheerbytes/rankflux/internal/logging"
	"github.com/sheerbytes/rankflux/internal/tasks"
	"github.com/sheerbytes/rankflux/internal/termio"
)

const serverVersion = "v0.1.0"

func main() {
	termio.Init()
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	defer termio.Flush(2 * time.Second)
	if hasHelpFlag(args) {
		printServerUsage()
		return 0
	}
	if hasVersionFlag(args) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		return 0
	}

	fs := flag.NewFlagSet("rankd", flag.ContinueOnError)
	fs.SetOutput(termio.Stderr())
	flags, err := config.ParseFlags(fs, args)
	if err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		// The configuration is reread on every restart.
		cfg, err := config.Load(flags.ConfigPath)
		if err == nil {
			err = cfg.Apply(flags)
		}
		if err != nil {
			fmt.Fprintf(termio.Stderr(), "invalid configuration: %v\n", err)
			return 1
		}
		logger := logging.NewWithOptions(logging.Options{
			App:        "rankd",
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})

		node, err := app.NewFromConfig(cfg, logger, app.Extras{Business: echoBusiness(logger)})
		if err != nil {
			logger.Error("failed to build node", "error", err)
			return 1
		}
		logger.Info("starting node", "host_id", cfg.HostID, "version", serverVersion, "listen", len(cfg.Listen))
		serveErr := node.Serve(ctx)
		restart := node.RestartRequested()
		if err := node.Close(); err != nil {
			logger.Warn("failed to close node", "error", err)
		}

		switch {
		case errors.Is(serveErr, app.ErrShutdown) && restart:
			logger.Info("restarting node on partner request")
			continue
		case errors.Is(serveErr, app.ErrShutdown):
			logger.Info("node stopped on partner request")
			return 0
		case serveErr != nil && ctx.Err() == nil:
			logger.Error("node failed", "error", serveErr)
			return 1
		default:
			logger.Info("node stopped")
			return 0
		}
	}
}

// echoBusiness answers a business request with its own payload.
func echoBusiness(logger *slog.Logger) tasks.BusinessFunc {
	return func(_ context.Context, host string, payload []byte) ([]byte, error) {
		logger.Info("business request", "partner", host, "bytes", len(payload))
		return payload, nil
	}
}

func printServerUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: rankd [flags]")
	fmt.Fprintln(termio.Stderr(), "flags:")
	fmt.Fprintln(termio.Stderr(), "  -config FILE         YAML configuration (default $RANKFLUX_CONFIG, ./rankflux.yaml)")
	fmt.Fprintln(termio.Stderr(), "  -host-id ID          override host_id")
	fmt.Fprintln(termio.Stderr(), "  -listen [kind://]ADDR listen endpoint, repeatable (tcp, quic, ws)")
	fmt.Fprintln(termio.Stderr(), "  -log-level LEVEL     debug, info, warn, error")
	fmt.Fprintln(termio.Stderr(), "every setting can also be set as RANKFLUX_<SECTION>_<KEY>, e.g. RANKFLUX_LOG_LEVEL=debug")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
