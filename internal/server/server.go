// Package server exposes the local control surface of the voice client: a
// small REST API, a websocket that streams state and chat updates to the UI,
// health probes and the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/audiobot/internal/backend"
	"github.com/MrWong99/audiobot/internal/chatlog"
	"github.com/MrWong99/audiobot/internal/device"
	"github.com/MrWong99/audiobot/internal/health"
	"github.com/MrWong99/audiobot/internal/observe"
	"github.com/MrWong99/audiobot/internal/state"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultShutdownTimeout   = 5 * time.Second

	// maxBodySize caps JSON request bodies. Prompts are the largest payload.
	maxBodySize int64 = 1 << 20
)

// Controller is the command surface driven by the API. It is implemented by
// the application controller.
type Controller interface {
	State() state.State
	Messages() []chatlog.Message
	ClearMessages()

	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	StopPlayback()

	SendChat(ctx context.Context, text string) error

	Voices() []string
	SetVoice(ctx context.Context, voice string) error
	SetSpeechEnabled(enabled bool)
	SetWakeWordDetected(detected bool)

	Profiles(ctx context.Context) ([]backend.Profile, error)
	Prompt(ctx context.Context, profileID string) (string, error)
	SavePrompt(ctx context.Context, profileID, text string) error
}

// Option is a functional option for [New].
type Option func(*Server)

// WithAddr sets the listen address used by [Server.Run].
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithTLS serves HTTPS using the given PEM files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithOriginPatterns allows cross-origin websocket connections from hosts
// matching the given patterns, e.g. "localhost:*".
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = append(s.originPatterns, patterns...) }
}

// WithSendQueue sets how many outgoing websocket messages may be buffered per
// client before the client is dropped. Defaults to 16.
func WithSendQueue(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.sendQueue = n
		}
	}
}

// Server serves the control API. Register it as a [state.Subscriber] and
// forward chat log updates to [Server.PublishMessages] so websocket clients
// see every change.
type Server struct {
	ctrl           Controller
	addr           string
	certFile       string
	keyFile        string
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	originPatterns []string
	sendQueue      int

	handler http.Handler

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

var _ state.Subscriber = (*Server)(nil)

// New creates a Server for ctrl.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:      ctrl,
		sendQueue: 16,
		clients:   make(map[string]*client),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler, wrapped in the observability middleware.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("DELETE /api/messages", s.handleClearMessages)
	mux.HandleFunc("POST /api/listen", s.handleStartListening)
	mux.HandleFunc("DELETE /api/listen", s.handleStopListening)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/voices", s.handleVoices)
	mux.HandleFunc("PUT /api/voice", s.handleSetVoice)
	mux.HandleFunc("PUT /api/speech", s.handleSetSpeech)
	mux.HandleFunc("PUT /api/wakeword", s.handleSetWakeWord)
	mux.HandleFunc("DELETE /api/playback", s.handleStopPlayback)
	mux.HandleFunc("GET /api/profiles", s.handleProfiles)
	mux.HandleFunc("GET /api/profiles/{id}/prompt", s.handleGetPrompt)
	mux.HandleFunc("PUT /api/profiles/{id}/prompt", s.handleSavePrompt)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return observe.Middleware(s.metrics)(mux)
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %q: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully and disconnects all websocket clients. It returns nil after a
// clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" {
			err = srv.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	slog.Info("control server listening", "addr", ln.Addr().String(), "tls", s.certFile != "")

	select {
	case err := <-errCh:
		s.closeClients()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	s.closeClients()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	<-errCh
	return nil
}

// ── REST handlers ─────────────────────────────────────────────────────────

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

func (s *Server) handleMessages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Messages())
}

func (s *Server) handleClearMessages(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.ClearMessages()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartListening(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StartListening(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

func (s *Server) handleStopListening(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StopListening(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

type chatRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeStatus(w, http.StatusBadRequest, "content must not be empty")
		return
	}
	if err := s.ctrl.SendChat(r.Context(), req.Content); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type voicesResponse struct {
	Current string   `json:"current"`
	Voices  []string `json:"voices"`
}

func (s *Server) handleVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, voicesResponse{
		Current: s.ctrl.State().Voice,
		Voices:  s.ctrl.Voices(),
	})
}

type voiceRequest struct {
	Voice string `json:"voice"`
}

func (s *Server) handleSetVoice(w http.ResponseWriter, r *http.Request) {
	var req voiceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !slices.Contains(s.ctrl.Voices(), req.Voice) {
		writeStatus(w, http.StatusBadRequest, fmt.Sprintf("unknown voice %q", req.Voice))
		return
	}
	if err := s.ctrl.SetVoice(r.Context(), req.Voice); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

type speechRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSetSpeech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeStatus(w, http.StatusBadRequest, "enabled is required")
		return
	}
	s.ctrl.SetSpeechEnabled(*req.Enabled)
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

type wakeWordRequest struct {
	Detected *bool `json:"detected"`
}

func (s *Server) handleSetWakeWord(w http.ResponseWriter, r *http.Request) {
	var req wakeWordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Detected == nil {
		writeStatus(w, http.StatusBadRequest, "detected is required")
		return
	}
	s.ctrl.SetWakeWordDetected(*req.Detected)
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

func (s *Server) handleStopPlayback(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.StopPlayback()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.ctrl.Profiles(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if profiles == nil {
		profiles = []backend.Profile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

type promptBody struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	text, err := s.ctrl.Prompt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, promptBody{Prompt: text})
}

func (s *Server) handleSavePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptBody
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.ctrl.SavePrompt(r.Context(), r.PathValue("id"), req.Prompt); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── helpers ───────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	var (
		initErr *device.InitError
		beErr   *backend.Error
	)
	switch {
	case errors.Is(err, device.ErrPlaybackActive):
		return http.StatusConflict
	case errors.Is(err, backend.ErrUnavailable), errors.As(err, &initErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &beErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	observe.Logger(r.Context()).Warn("api request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", code,
		"err", err,
	)
	writeStatus(w, code, err.Error())
}

func writeStatus(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeStatus(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
