// Command audiocap captures audio from a local device and streams it, with
// reconciled presentation timestamps, to a file or to websocket clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/audiocap/internal/app"
	"github.com/MrWong99/audiocap/internal/capture"
	"github.com/MrWong99/audiocap/internal/config"
	"github.com/MrWong99/audiocap/internal/observe"
	"github.com/MrWong99/audiocap/pkg/audio"
	"github.com/MrWong99/audiocap/pkg/audio/miniaudio"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults apply when empty)")
	listDevices := flag.Bool("list-devices", false, "print the capture devices of the configured driver and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "audiocap: %v\n", err)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := newLogger(level)
	slog.SetDefault(logger)

	// ── Driver registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDrivers(reg)

	if *listDevices {
		return printDevices(reg, cfg.Capture)
	}

	slog.Info("audiocap starting",
		"version", version,
		"config", *configPath,
		"driver", cfg.Capture.Driver,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Driver:         cfg.Capture.Driver,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	opts := []app.Option{
		app.WithRegistry(reg),
		app.WithMetrics(tel.Metrics),
		app.WithLogger(logger),
		app.WithRoute("GET "+cfg.Telemetry.MetricsPath, tel.Handler()),
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, func(diff config.ConfigDiff, _ *config.Config) {
			if diff.LogLevelChanged {
				level.Set(slogLevel(diff.NewLogLevel))
				slog.Info("log level changed", "level", diff.NewLogLevel)
			}
			if len(diff.RestartRequired) > 0 {
				slog.Warn("config sections changed that need a restart", "sections", diff.RestartRequired)
			}
		}, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		opts = append(opts, app.WithWatcher(watcher))
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	// Stdout may carry the audio stream, so the summary goes to stderr.
	printStartupSummary(os.Stderr, cfg)

	application, err := app.New(cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		var fgErr *capture.ForegroundError
		if errors.As(err, &fgErr) {
			fmt.Fprintln(os.Stderr, "audiocap: "+fgErr.Guidance())
		}
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Driver wiring ─────────────────────────────────────────────────────────────

func registerBuiltinDrivers(reg *config.Registry) {
	reg.RegisterDriver("miniaudio", func(c config.CaptureConfig) (audio.Driver, error) {
		return miniaudio.New(
			miniaudio.WithDevice(c.Device),
			miniaudio.WithLoopback(c.Loopback),
			miniaudio.WithPeriod(c.PeriodMS),
			miniaudio.WithLogger(slog.Default()),
		)
	})
}

// deviceLister is implemented by drivers that can enumerate their devices.
type deviceLister interface {
	Devices() ([]string, error)
}

func printDevices(reg *config.Registry, c config.CaptureConfig) int {
	d, err := reg.CreateDriver(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audiocap: %v\n", err)
		return 1
	}
	if cl, ok := d.(io.Closer); ok {
		defer cl.Close()
	}
	lister, ok := d.(deviceLister)
	if !ok {
		fmt.Fprintf(os.Stderr, "audiocap: driver %q cannot list devices\n", c.Driver)
		return 1
	}
	names, err := lister.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "audiocap: %v\n", err)
		return 1
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        audiocap: startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Driver", cfg.Capture.Driver)
	printRow(w, "Device", orDefault(cfg.Capture.Device, "(system default)"))
	printRow(w, "Format", cfg.Capture.Format().String())
	printRow(w, "Foreground", string(cfg.Capture.ForegroundWorkaround))
	printRow(w, "Output", fmt.Sprintf("%s / %s", cfg.Output.Kind, cfg.Output.Codec))
	if cfg.Output.Kind == config.OutputFile {
		printRow(w, "Path", cfg.Output.Path)
	}
	printRow(w, "Listen addr", orDefault(cfg.Server.ListenAddr, "(disabled)"))
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, key, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", key, value)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
