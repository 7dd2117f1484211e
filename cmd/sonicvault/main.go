// Command sonicvault manages the offline cache of a media server client:
// it downloads tracks, resolves playback URLs and cleans up storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sonicvault/sonicvault-go/internal/config"
)

const version = "1.0.0"

const usage = `Usage: sonicvault [flags] <command> [args]

Commands:
  download <track-id>...   cache tracks (use --auto for automatic downloads)
  resolve <track-id>       print the URL a player should use
  list                     list cached tracks
  summary                  show device and cache usage
  suggest                  show cleanup suggestions
  clean <stale|large|missing>
                           apply one cleanup suggestion
  delete <track-id>...     delete cached tracks
  clear                    delete every cached track
  limit [n]                show or set the automatic download limit
  health                   print a health report

Flags:
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("sonicvault", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}

	configPath := flags.String("config", "", "settings file (default: data directory)")
	metricsAddr := flags.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	auto := flags.Bool("auto", false, "mark downloads as automatic")
	jsonOut := flags.Bool("json", false, "print machine readable output")

	flags.String("server-url", "", "media server base URL")
	flags.String("token", "", "media server access token")
	flags.String("user-id", "", "media server user id")
	flags.String("document-dir", "", "directory for cached files")
	flags.Int("max-concurrent", 1, "maximum simultaneous downloads")
	flags.String("quality", "medium", "quality tier: low, medium, high, original")
	flags.Int("bandwidth-limit", 0, "combined download limit in KiB/s (0 = unlimited)")
	flags.Int("transfer-timeout", 600, "per-download timeout in seconds")
	flags.String("cache-backend", "sqlite", "offline record store: sqlite, bolt, memory")
	flags.String("cache-path", "", "offline record store location")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-output", "file", "log output: file, console, both")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	cfg, err := config.LoadWithFlags(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	a, err := newApp(cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		return 1
	}
	defer a.Close()
	a.json = *jsonOut
	a.auto = *auto

	if *metricsAddr != "" {
		srv := serveMetrics(*metricsAddr, a.logger)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.runCommand(ctx, flags.Arg(0), flags.Args()[1:]); err != nil {
		a.logger.Error("Command failed", zap.String("command", flags.Arg(0)), zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			flags.Usage()
			return 2
		}
		return 1
	}
	return 0
}

func serveMetrics(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("Metrics server listening", zap.String("addr", addr))
	return srv
}
