// Command audiobot is the desktop voice client: it listens on the local
// microphone, splits speech into turns, talks to the assistant backend and
// plays spoken replies. A local HTTP/websocket server exposes the controls.
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

	"github.com/MrWong99/audiobot/internal/app"
	"github.com/MrWong99/audiobot/internal/backend"
	"github.com/MrWong99/audiobot/internal/config"
	"github.com/MrWong99/audiobot/internal/observe"
	"github.com/MrWong99/audiobot/internal/resilience"
	"github.com/MrWong99/audiobot/pkg/audio/host"
	"github.com/MrWong99/audiobot/pkg/provider/stt"
	"github.com/MrWong99/audiobot/pkg/provider/stt/whisper"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "audiobot: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "audiobot: config file %q not found, pass -config to point at one\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "audiobot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("audiobot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"backend", cfg.Backend.BaseURL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Transcriber ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerTranscribers(reg, cfg)

	opts := []app.Option{app.WithLevelVar(level)}
	if cfg.Telemetry.MetricsEnabled() {
		opts = append(opts, app.WithMetricsHandler(provider.Handler()))
	}
	transcriber, err := buildTranscriber(cfg, reg)
	if err != nil {
		slog.Error("failed to build transcriber", "err", err)
		return 1
	}
	if transcriber != nil {
		opts = append(opts, app.WithTranscriber(transcriber))
	}

	// ── Application ───────────────────────────────────────────────────────────
	speakers := host.New(host.WithOutputRate(cfg.Audio.OutputRate))
	application, err := app.New(cfg, speakers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	if *watch {
		if err := application.Watch(*configPath); err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		}
	}

	slog.Info("ready, press Ctrl+C to shut down", "url", controlURL(cfg))

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Transcriber wiring ───────────────────────────────────────────────────────

// registerTranscribers wires the built-in speech-to-text services into reg.
func registerTranscribers(reg *config.Registry, cfg *config.Config) {
	reg.RegisterTranscriber("backend", func(entry config.TranscriberEntry) (stt.Transcriber, error) {
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = cfg.Backend.BaseURL
		}
		return backend.New(baseURL,
			backend.WithAPIKey(cfg.Backend.APIKey),
			backend.WithTimeout(cfg.Backend.Timeout),
			backend.WithMetrics(observe.DefaultMetrics()),
		)
	})

	reg.RegisterTranscriber("whisper", func(entry config.TranscriberEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	for _, name := range reg.Transcribers() {
		slog.Debug("registered transcriber", "name", name)
	}
}

// buildTranscriber returns nil when the plain backend upload is configured,
// so the application reuses its own backend client. Otherwise it builds the
// primary and wraps it with the configured fallbacks.
func buildTranscriber(cfg *config.Config, reg *config.Registry) (stt.Transcriber, error) {
	tc := cfg.Transcriber
	if tc.Name == config.DefaultTranscriber && tc.BaseURL == "" && len(tc.Fallbacks) == 0 {
		return nil, nil
	}

	primary, err := reg.CreateTranscriber(tc.TranscriberEntry)
	if err != nil {
		return nil, err
	}
	slog.Info("transcriber created", "name", tc.Name)
	if len(tc.Fallbacks) == 0 {
		return primary, nil
	}

	breaker := resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Backend.Breaker.MaxFailures,
		ResetTimeout: cfg.Backend.Breaker.ResetTimeout,
	}
	group := resilience.NewTranscriberFallback(primary, tc.Name, resilience.FallbackConfig{CircuitBreaker: breaker})
	for _, entry := range tc.Fallbacks {
		t, err := reg.CreateTranscriber(entry)
		if errors.Is(err, config.ErrTranscriberNotRegistered) {
			slog.Warn("unknown fallback transcriber, skipping", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, err
		}
		group.AddFallback(entry.Name, t)
		slog.Info("fallback transcriber added", "name", entry.Name)
	}
	return group, nil
}

func controlURL(cfg *config.Config) string {
	scheme := "http"
	if cfg.Server.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + cfg.Server.ListenAddr
}
