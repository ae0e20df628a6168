// Package app wires the audiobot subsystems into a running voice client.
//
// The App owns the full lifecycle: New creates and connects the state store,
// chat log, backend client, turn detector, device manager and control
// server; Run serves the control surface and watches the config file; and
// Shutdown releases the audio devices and stops background work.
//
// For testing, inject doubles via functional options (WithTranscriber,
// WithClock, etc.) and pass a mock audio backend to New.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/audiobot/internal/backend"
	"github.com/MrWong99/audiobot/internal/chatlog"
	"github.com/MrWong99/audiobot/internal/clock"
	"github.com/MrWong99/audiobot/internal/config"
	"github.com/MrWong99/audiobot/internal/device"
	"github.com/MrWong99/audiobot/internal/health"
	"github.com/MrWong99/audiobot/internal/observe"
	"github.com/MrWong99/audiobot/internal/resilience"
	"github.com/MrWong99/audiobot/internal/server"
	"github.com/MrWong99/audiobot/internal/state"
	"github.com/MrWong99/audiobot/internal/turn"
	"github.com/MrWong99/audiobot/pkg/audio"
	"github.com/MrWong99/audiobot/pkg/provider/stt"
)

// ErrClosed is returned by commands issued after Shutdown.
var ErrClosed = errors.New("app: shut down")

// conversationQueue bounds the number of user messages waiting for a reply.
const conversationQueue = 8

// App owns all subsystem lifetimes and orchestrates the conversation loop.
type App struct {
	cfg *config.Config

	store    *state.Store
	chat     *chatlog.Log
	backend  *backend.Client
	detector *turn.Detector
	devices  *device.Manager
	srv      *server.Server
	watcher  *config.Watcher

	transcriber    stt.Transcriber
	clk            clock.Clock
	metrics        *observe.Metrics
	metricsHandler http.Handler
	levelVar       *slog.LevelVar
	httpClient     *http.Client

	// mu guards the hot-reloadable settings below.
	mu         sync.Mutex
	voices     []string
	wakePhrase string

	// voiceMu serialises SetVoice so a failed update reverts to the voice
	// that was active before it.
	voiceMu sync.Mutex

	baseCtx    context.Context
	cancelBase context.CancelFunc
	queue      chan chatlog.Message
	workerDone chan struct{}

	unsubscribe []func()
	stopOnce    sync.Once
}

var _ server.Controller = (*App)(nil)

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTranscriber replaces the backend upload as the speech-to-text service.
func WithTranscriber(t stt.Transcriber) Option {
	return func(a *App) { a.transcriber = t }
}

// WithClock replaces the wall clock used by the detector and device manager.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clk = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics on the control server.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithHTTPClient sets the HTTP client used for backend calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *App) { a.httpClient = hc }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. audioBackend provides
// the microphone and speaker. New starts the conversation worker; call
// Shutdown to release it.
func New(cfg *config.Config, audioBackend audio.Backend, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if audioBackend == nil {
		return nil, errors.New("app: audio backend must not be nil")
	}
	a := &App{
		cfg:        cfg,
		clk:        clock.Wall{},
		voices:     slices.Clone(cfg.Speech.Voices),
		wakePhrase: cfg.Wake.Phrase,
		queue:      make(chan chatlog.Message, conversationQueue),
		workerDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.baseCtx, a.cancelBase = context.WithCancel(context.Background())

	// ── 1. State and chat ────────────────────────────────────────────────
	a.store = state.NewStore(cfg.InitialState())
	a.chat = chatlog.New(cfg.Chat.MaxMessages, a.onChatUpdate)

	// ── 2. Backend ───────────────────────────────────────────────────────
	if err := a.initBackend(); err != nil {
		a.cancelBase()
		return nil, err
	}

	// ── 3. Turn detector ─────────────────────────────────────────────────
	det, err := turn.New(a.store, a.transcriber,
		turn.WithConfig(cfg.DetectorConfig()),
		turn.WithClock(a.clk),
		turn.WithMetrics(a.metrics),
		turn.WithTranscriptHandler(a.onTranscript),
		turn.WithBaseContext(a.baseCtx),
	)
	if err != nil {
		a.cancelBase()
		return nil, fmt.Errorf("app: init detector: %w", err)
	}
	a.detector = det

	// ── 4. Devices ───────────────────────────────────────────────────────
	a.devices = device.New(audioBackend, a.store,
		device.WithConfig(cfg.DeviceConfig()),
		device.WithClock(a.clk),
		device.WithMetrics(a.metrics),
		device.WithResumeHook(a.detector.Reset),
	)

	// ── 5. Control server ────────────────────────────────────────────────
	srvOpts := []server.Option{
		server.WithAddr(cfg.Server.ListenAddr),
		server.WithMetrics(a.metrics),
		server.WithHealth(health.New(a.healthCheckers())),
		server.WithOriginPatterns("localhost:*", "127.0.0.1:*"),
	}
	if tls := cfg.Server.TLS; tls != nil {
		srvOpts = append(srvOpts, server.WithTLS(tls.CertFile, tls.KeyFile))
	}
	if a.metricsHandler != nil && cfg.Telemetry.MetricsEnabled() {
		srvOpts = append(srvOpts, server.WithMetricsHandler(a.metricsHandler))
	}
	a.srv = server.New(a, srvOpts...)

	// ── 6. Subscriptions ─────────────────────────────────────────────────
	a.unsubscribe = append(a.unsubscribe,
		a.store.Subscribe(a.srv),
		a.store.Subscribe(a.phaseRecorder()),
	)

	go a.converseLoop()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initBackend() error {
	bc := a.cfg.Backend
	opts := []backend.Option{
		backend.WithAPIKey(bc.APIKey),
		backend.WithTimeout(bc.Timeout),
		backend.WithMetrics(a.metrics),
		backend.WithCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "backend",
			MaxFailures:  bc.Breaker.MaxFailures,
			ResetTimeout: bc.Breaker.ResetTimeout,
		}),
	}
	if a.httpClient != nil {
		opts = append(opts, backend.WithHTTPClient(a.httpClient))
	}
	client, err := backend.New(bc.BaseURL, opts...)
	if err != nil {
		return fmt.Errorf("app: init backend: %w", err)
	}
	a.backend = client
	if a.transcriber == nil {
		a.transcriber = client
	}
	return nil
}

// healthCheckers reports backend reachability as optional (the client still
// records and plays without it) and a failed audio device as fatal.
func (a *App) healthCheckers() []health.Checker {
	return []health.Checker{
		{
			Name:     "backend",
			Check:    func(ctx context.Context) error { return a.backend.Health(ctx) },
			Optional: true,
		},
		{
			Name: "audio",
			Check: func(context.Context) error {
				if a.store.Get().Phase == state.PhaseError {
					return errors.New("audio device failed to initialise")
				}
				return nil
			},
		},
	}
}

// phaseRecorder counts phase transitions. Store notifications are
// serialised, so last needs no lock.
func (a *App) phaseRecorder() state.Subscriber {
	last := a.store.Get().Phase
	return state.SubscriberFunc(func(s state.State) {
		if s.Phase == last {
			return
		}
		last = s.Phase
		a.metrics.RecordPhase(context.Background(), string(s.Phase))
		slog.Debug("phase changed", "phase", s.Phase)
	})
}

func (a *App) onChatUpdate(msgs []chatlog.Message) {
	// The server is built after the chat log; updates only happen once New
	// has returned.
	if a.srv != nil {
		a.srv.PublishMessages(msgs)
	}
}

// Handler returns the HTTP handler of the control server.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Store returns the application state store.
func (a *App) Store() *state.Store { return a.store }

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Watch starts following the config file at path once Run is called.
// Hot-reloadable settings are applied on change; the rest are logged as
// requiring a restart.
func (a *App) Watch(path string, opts ...config.WatcherOption) error {
	w, err := config.NewWatcher(path, a.ApplyConfig, opts...)
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.watcher = w
	return nil
}

// Run serves the control surface and watches the config file until ctx is
// cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.srv.Run(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"backend", a.backend.BaseURL(),
		"wake_phrase", a.cfg.Wake.Phrase != "",
	)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Shutdown stops recording and playback, aborts in-flight uploads and backend
// calls, and releases the audio devices. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if a.watcher != nil {
			a.watcher.Stop()
		}
		a.cancelBase()

		var errs []error
		if err := a.devices.Cleanup(ctx); err != nil {
			errs = append(errs, err)
		}

		select {
		case <-a.workerDone:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded waiting for conversation worker")
			errs = append(errs, ctx.Err())
		}

		uploads := make(chan struct{})
		go func() {
			a.detector.Wait()
			close(uploads)
		}()
		select {
		case <-uploads:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded waiting for uploads")
		}

		for _, unsub := range a.unsubscribe {
			unsub()
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoicesChanged {
		a.mu.Lock()
		a.voices = slices.Clone(new.Speech.Voices)
		a.mu.Unlock()
	}
	if d.VoiceChanged {
		ctx, cancel := context.WithTimeout(a.baseCtx, new.Backend.Timeout)
		if err := a.SetVoice(ctx, d.NewVoice); err != nil {
			slog.Warn("failed to apply configured voice", "voice", d.NewVoice, "err", err)
		}
		cancel()
	}
	if d.SpeechChanged {
		a.SetSpeechEnabled(d.NewSpeechEnabled)
	}
	if d.TurnChanged {
		if err := a.detector.SetConfig(new.DetectorConfig()); err != nil {
			slog.Warn("failed to apply turn config", "err", err)
		}
	}
	if d.WakeChanged {
		a.mu.Lock()
		a.wakePhrase = d.NewWakePhrase
		a.mu.Unlock()
		a.store.SetWakeWordDetected(false)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
	slog.Info("config reloaded")
}
