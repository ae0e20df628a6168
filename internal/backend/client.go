// Package backend is the HTTP client for the conversation backend.
//
// The backend transcribes uploaded utterances, answers chat messages,
// synthesizes replies to audio, and stores the per-profile system prompts.
// Every call goes through one circuit breaker per [Client], is traced, and is
// recorded in the backend metrics. Failures are reported as [*Error]; errors
// that mean the backend could not be reached at all also match
// [ErrUnavailable].
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/audiobot/internal/chatlog"
	"github.com/MrWong99/audiobot/internal/observe"
	"github.com/MrWong99/audiobot/internal/resilience"
	"github.com/MrWong99/audiobot/pkg/provider/stt"
)

// RequestIDHeader carries a fresh id on every request so failures can be
// matched against backend logs.
const RequestIDHeader = "X-Request-Id"

const (
	defaultTimeout = 30 * time.Second

	// defaultMaxAudioBytes bounds a synthesized reply.
	defaultMaxAudioBytes = 64 << 20

	// maxErrorBody is how much of an error response is kept in [Error].
	maxErrorBody = 512

	userAgent = "audiobot"
)

// ErrUnavailable is matched by errors that mean the backend could not be
// reached: transport failures and an open circuit breaker.
var ErrUnavailable = errors.New("backend: unavailable")

// ErrAudioTooLarge is wrapped by the [Error] returned when a synthesized
// reply exceeds the configured size limit.
var ErrAudioTooLarge = errors.New("backend: audio response too large")

// Error describes a failed backend call.
type Error struct {
	// Op is the client operation, e.g. "transcribe" or "chat".
	Op string

	// Status is the HTTP status code, or 0 when no response was received.
	Status int

	Err error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend: %s: HTTP %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("backend: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Reply is the backend's answer to a chat message. It is also the request
// body of [Client.Synthesize].
type Reply struct {
	Role      string `json:"role,omitempty"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// replyTimeLayouts are the timestamp encodings the backend has been seen to
// produce. The zone-less form is assumed to be UTC.
var replyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Time parses Timestamp. It returns the zero time when the backend sent none
// or an unknown format.
func (r Reply) Time() time.Time {
	for _, layout := range replyTimeLayouts {
		if t, err := time.Parse(layout, r.Timestamp); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Message converts the reply into an assistant chat log entry.
func (r Reply) Message() chatlog.Message {
	return chatlog.NewMessage(chatlog.RoleAssistant, r.Content, r.Time())
}

// Profile is one selectable backend persona.
type Profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Option is a functional option for [New].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Defaults to a client with a 30 s
// timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithMaxAudioBytes caps the size of a synthesized reply. Larger replies
// fail with [ErrAudioTooLarge] instead of being truncated.
func WithMaxAudioBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAudio = n
		}
	}
}

// WithCircuitBreaker tunes the breaker guarding all calls.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Client) { c.breakerCfg = cfg }
}

// Client talks to one backend instance. It is safe for concurrent use.
type Client struct {
	baseURL    string
	http       *http.Client
	apiKey     string
	metrics    *observe.Metrics
	breakerCfg resilience.CircuitBreakerConfig
	breaker    *resilience.CircuitBreaker
	maxAudio   int64
	prop       propagation.TextMapPropagator
}

var _ stt.Transcriber = (*Client)(nil)

// New creates a Client for the backend at baseURL (e.g.
// "http://localhost:8000").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("backend: base URL must not be empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend: invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: defaultTimeout},
		prop:     propagation.TraceContext{},
		maxAudio: defaultMaxAudioBytes,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	cfg := c.breakerCfg
	if cfg.Name == "" {
		cfg.Name = "backend"
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = isServerFailure
	}
	c.breaker = resilience.NewCircuitBreaker(cfg)
	return c, nil
}

// BaseURL returns the normalised backend address.
func (c *Client) BaseURL() string { return c.baseURL }

// BreakerState reports the state of the client's circuit breaker.
func (c *Client) BreakerState() resilience.State { return c.breaker.State() }

// isServerFailure keeps client errors (4xx) and cancellations from tripping
// the breaker.
func isServerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var be *Error
	if errors.As(err, &be) && be.Status >= 400 && be.Status < 500 {
		return false
	}
	return true
}

// Transcribe uploads wav as multipart field "file" to /process-audio and
// returns the transcription.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", &Error{Op: "transcribe", Err: stt.ErrEmptyAudio}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="recording.wav"`)
	h.Set("Content-Type", "audio/wav")
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", &Error{Op: "transcribe", Err: err}
	}
	if _, err := part.Write(wav); err != nil {
		return "", &Error{Op: "transcribe", Err: err}
	}
	if err := mw.Close(); err != nil {
		return "", &Error{Op: "transcribe", Err: err}
	}

	var out struct {
		Transcription string `json:"transcription"`
	}
	err = c.call(ctx, "transcribe", http.MethodPost, "/process-audio",
		&body, mw.FormDataContentType(), decodeJSON(&out),
		attribute.Int("audio.bytes", len(wav)))
	return out.Transcription, err
}

// Chat posts msg to /chat and returns the backend's reply.
func (c *Client) Chat(ctx context.Context, msg chatlog.Message) (Reply, error) {
	var reply Reply
	err := c.callJSON(ctx, "chat", http.MethodPost, "/chat", msg, decodeJSON(&reply))
	if err == nil && reply.Role == "" {
		reply.Role = string(chatlog.RoleAssistant)
	}
	return reply, err
}

// Synthesize posts reply to /text2speech and returns the raw audio bytes.
func (c *Client) Synthesize(ctx context.Context, reply Reply) ([]byte, error) {
	if reply.Role == "" {
		reply.Role = string(chatlog.RoleAssistant)
	}
	var audio []byte
	err := c.callJSON(ctx, "synthesize", http.MethodPost, "/text2speech", reply,
		func(resp *http.Response) error {
			var err error
			audio, err = io.ReadAll(io.LimitReader(resp.Body, c.maxAudio+1))
			if err != nil {
				return err
			}
			if int64(len(audio)) > c.maxAudio {
				audio = nil
				return fmt.Errorf("%w: limit is %d bytes", ErrAudioTooLarge, c.maxAudio)
			}
			return nil
		})
	if err == nil && len(audio) == 0 {
		err = &Error{Op: "synthesize", Err: errors.New("empty audio response")}
	}
	return audio, err
}

// SetVoice selects the synthesis voice via /speechconfig.
func (c *Client) SetVoice(ctx context.Context, voice string) error {
	body := struct {
		VoiceName string `json:"voice_name"`
	}{voice}
	return c.callJSON(ctx, "set_voice", http.MethodPost, "/speechconfig", body, discard)
}

// ProfileNames lists the available profiles.
func (c *Client) ProfileNames(ctx context.Context) ([]Profile, error) {
	var profiles []Profile
	err := c.call(ctx, "profile_names", http.MethodGet, "/profile_names", nil, "", decodeJSON(&profiles))
	return profiles, err
}

// Prompt returns the system prompt of profileID, or "" when the profile has
// none.
func (c *Client) Prompt(ctx context.Context, profileID string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := c.call(ctx, "get_prompt", http.MethodGet, "/prompts/"+url.PathEscape(profileID), nil, "", decodeJSON(&out))
	var be *Error
	if errors.As(err, &be) && be.Status == http.StatusNotFound {
		return "", nil
	}
	return out.Text, err
}

// SavePrompt stores text as the system prompt of profileID.
func (c *Client) SavePrompt(ctx context.Context, profileID, text string) error {
	body := struct {
		Text      string `json:"text"`
		ProfileID string `json:"profile_id"`
	}{text, profileID}
	return c.callJSON(ctx, "save_prompt", http.MethodPost, "/prompts/", body, discard)
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Value string `json:"value"`
	}
	if err := c.call(ctx, "health", http.MethodGet, "/health", nil, "", decodeJSON(&out)); err != nil {
		return err
	}
	if out.Value != "ok" {
		return &Error{Op: "health", Err: fmt.Errorf("reported %q", out.Value)}
	}
	return nil
}

// ─── transport ───────────────────────────────────────────────────────────────

func decodeJSON(v any) func(*http.Response) error {
	return func(resp *http.Response) error {
		return json.NewDecoder(resp.Body).Decode(v)
	}
}

func discard(resp *http.Response) error {
	_, err := io.Copy(io.Discard, resp.Body)
	return err
}

func (c *Client) callJSON(ctx context.Context, op, method, path string, in any, accept func(*http.Response) error) error {
	data, err := json.Marshal(in)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("encode request: %w", err)}
	}
	return c.call(ctx, op, method, path, bytes.NewReader(data), "application/json", accept)
}

// call performs one request through the breaker. accept reads a 2xx
// response body.
func (c *Client) call(ctx context.Context, op, method, path string, body io.Reader, contentType string,
	accept func(*http.Response) error, attrs ...attribute.KeyValue) error {
	requestID := uuid.NewString()
	ctx, span := observe.StartSpan(ctx, "backend."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs,
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
			attribute.String("http.request.id", requestID))...),
	)
	start := time.Now()

	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set(RequestIDHeader, requestID)
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		c.prop.Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return &Error{Op: op, Err: ctx.Err()}
			}
			return &Error{Op: op, Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			msg := strings.TrimSpace(string(snippet))
			if msg == "" {
				msg = http.StatusText(resp.StatusCode)
			}
			return &Error{Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
		}
		if err := accept(resp); err != nil {
			return &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = &Error{Op: op, Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
	} else if err != nil {
		var be *Error
		if !errors.As(err, &be) {
			err = &Error{Op: op, Err: err}
		}
	}

	status := "ok"
	if err != nil {
		status = "error"
		c.metrics.RecordBackendError(ctx, op, errorKind(err))
		observe.Logger(ctx).Debug("backend request failed", "op", op, "request_id", requestID, "err", err)
	}
	c.metrics.RecordBackendRequest(ctx, op, status, time.Since(start))
	observe.EndSpan(span, err)
	return err
}

// errorKind classifies err for the backend error counter.
func errorKind(err error) string {
	var be *Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.As(err, &be) && be.Status != 0 && be.Status < 300:
		return "decode"
	case errors.As(err, &be) && be.Status != 0:
		return "status"
	default:
		return "other"
	}
}
