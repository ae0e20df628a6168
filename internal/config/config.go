// Package config provides the configuration schema, loader, file watcher and
// transcriber registry of the audiobot voice client.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/audiobot/internal/device"
	"github.com/MrWong99/audiobot/internal/state"
	"github.com/MrWong99/audiobot/internal/turn"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = "127.0.0.1:8090"
	DefaultBackendURL     = "http://localhost:8000"
	DefaultBackendTimeout = 30 * time.Second
	DefaultTranscriber    = "backend"
	DefaultChatMessages   = 200
	DefaultServiceName    = "audiobot"
	DefaultOutputRate     = 24000
)

// DefaultVoices is the voice catalogue offered when speech.voices is empty.
var DefaultVoices = []string{
	"en-US-JennyMultilingualNeural",
	"en-US-AriaNeural",
	"en-US-DavisNeural",
	"en-US-GuyNeural",
	"en-US-JaneNeural",
	"en-US-JasonNeural",
	"en-US-NancyNeural",
	"en-US-TonyNeural",
	"en-CA-ClaraNeural",
	"en-CA-LiamNeural",
	"en-GB-SoniaNeural",
	"en-GB-RyanNeural",
	"en-GB-LibbyNeural",
	"en-AU-NatashaNeural",
	"en-AU-WilliamNeural",
	"fr-FR-DeniseNeural",
	"fr-FR-HenriNeural",
}

// Config is the root configuration, usually loaded with [Load].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Backend     BackendConfig     `yaml:"backend"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Audio       AudioConfig       `yaml:"audio"`
	Turn        TurnConfig        `yaml:"turn"`
	Speech      SpeechConfig      `yaml:"speech"`
	Chat        ChatConfig        `yaml:"chat"`
	Wake        WakeConfig        `yaml:"wake"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds the local control server settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds PEM certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// BackendConfig points at the assistant backend.
type BackendConfig struct {
	// BaseURL is the backend root, e.g. "http://localhost:8000".
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as a bearer token. AUDIOBOT_BACKEND_API_KEY overrides it.
	APIKey string `yaml:"api_key"`

	// Timeout bounds every backend request.
	Timeout time.Duration `yaml:"timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of a remote service.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// TranscriberConfig selects the speech-to-text service for finished turns.
type TranscriberConfig struct {
	TranscriberEntry `yaml:",inline"`

	// Fallbacks are tried in order when the primary fails.
	Fallbacks []TranscriberEntry `yaml:"fallbacks"`
}

// TranscriberEntry names one transcriber implementation registered in the
// [Registry].
type TranscriberEntry struct {
	// Name is "backend" or "whisper".
	Name string `yaml:"name"`

	// BaseURL is the server root. The backend transcriber defaults to
	// backend.base_url.
	BaseURL string `yaml:"base_url"`

	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

// AudioConfig configures the local sound devices.
type AudioConfig struct {
	// InputDevice selects a microphone by name. Empty uses the default.
	InputDevice string `yaml:"input_device"`

	SampleRate int `yaml:"sample_rate"`
	FrameSize  int `yaml:"frame_size"`
	QueueDepth int `yaml:"queue_depth"`

	// OutputRate is the speaker sample rate; clips are resampled to it.
	OutputRate int `yaml:"output_rate"`

	// ResumeDelay is the pause between the end of playback and the
	// automatic restart of recording.
	ResumeDelay time.Duration `yaml:"resume_delay"`
}

// TurnConfig tunes speech turn detection. Every field is hot-reloadable.
type TurnConfig struct {
	SilenceThreshold  float64       `yaml:"silence_threshold"`
	MinSpeechDuration time.Duration `yaml:"min_speech_duration"`
	PauseDuration     time.Duration `yaml:"pause_duration"`
	MinAudioDuration  time.Duration `yaml:"min_audio_duration"`
	// MaxUtterance forces an utterance that never pauses to be uploaded.
	// Zero keeps the limit off.
	MaxUtterance      time.Duration `yaml:"max_utterance"`
	UploadTimeout     time.Duration `yaml:"upload_timeout"`
}

// SpeechConfig controls synthesized replies.
type SpeechConfig struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`

	Voice  string   `yaml:"voice"`
	Voices []string `yaml:"voices"`
}

// SpeechEnabled reports the effective speech toggle.
func (s SpeechConfig) SpeechEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ChatConfig bounds the local chat history.
type ChatConfig struct {
	MaxMessages int `yaml:"max_messages"`
}

// WakeConfig enables wake-phrase gating of transcripts.
type WakeConfig struct {
	// Phrase must be heard before transcripts are forwarded to the backend.
	// Empty disables gating.
	Phrase string `yaml:"phrase"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// Metrics exposes /metrics. Defaults to true.
	Metrics *bool `yaml:"metrics"`
}

// MetricsEnabled reports the effective metrics toggle.
func (t TelemetryConfig) MetricsEnabled() bool {
	return t.Metrics == nil || *t.Metrics
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = DefaultBackendURL
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = DefaultBackendTimeout
	}
	if cfg.Backend.Breaker.MaxFailures == 0 {
		cfg.Backend.Breaker.MaxFailures = 5
	}
	if cfg.Backend.Breaker.ResetTimeout == 0 {
		cfg.Backend.Breaker.ResetTimeout = 30 * time.Second
	}
	if cfg.Transcriber.Name == "" {
		cfg.Transcriber.Name = DefaultTranscriber
	}

	dev := device.DefaultConfig()
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = dev.Input.SampleRate
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = dev.FrameSize
	}
	if cfg.Audio.QueueDepth == 0 {
		cfg.Audio.QueueDepth = dev.QueueDepth
	}
	if cfg.Audio.OutputRate == 0 {
		cfg.Audio.OutputRate = DefaultOutputRate
	}
	if cfg.Audio.ResumeDelay == 0 {
		cfg.Audio.ResumeDelay = dev.ResumeDelay
	}

	td := turn.DefaultConfig()
	if cfg.Turn.SilenceThreshold == 0 {
		cfg.Turn.SilenceThreshold = td.SilenceThreshold
	}
	if cfg.Turn.MinSpeechDuration == 0 {
		cfg.Turn.MinSpeechDuration = td.MinSpeechDuration
	}
	if cfg.Turn.PauseDuration == 0 {
		cfg.Turn.PauseDuration = td.PauseDuration
	}
	if cfg.Turn.MinAudioDuration == 0 {
		cfg.Turn.MinAudioDuration = td.MinAudioDuration
	}
	if cfg.Turn.UploadTimeout == 0 {
		cfg.Turn.UploadTimeout = td.UploadTimeout
	}

	if cfg.Speech.Voice == "" {
		cfg.Speech.Voice = state.DefaultVoice
	}
	if len(cfg.Speech.Voices) == 0 {
		cfg.Speech.Voices = append([]string(nil), DefaultVoices...)
	}
	if cfg.Chat.MaxMessages == 0 {
		cfg.Chat.MaxMessages = DefaultChatMessages
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// DetectorConfig converts the turn section for [turn.Detector].
func (c *Config) DetectorConfig() turn.Config {
	return turn.Config{
		SilenceThreshold:     c.Turn.SilenceThreshold,
		MinSpeechDuration:    c.Turn.MinSpeechDuration,
		PauseDuration:        c.Turn.PauseDuration,
		MinAudioDuration:     c.Turn.MinAudioDuration,
		MaxUtteranceDuration: c.Turn.MaxUtterance,
		UploadTimeout:        c.Turn.UploadTimeout,
		SampleRate:           c.Audio.SampleRate,
	}
}

// DeviceConfig converts the audio section for [device.Manager].
func (c *Config) DeviceConfig() device.Config {
	dev := device.DefaultConfig()
	dev.Input.SampleRate = c.Audio.SampleRate
	dev.Input.Device = c.Audio.InputDevice
	dev.Input.BufferSize = c.Audio.FrameSize
	dev.FrameSize = c.Audio.FrameSize
	dev.QueueDepth = c.Audio.QueueDepth
	dev.ResumeDelay = c.Audio.ResumeDelay
	return dev
}

// InitialState returns the application state at startup.
func (c *Config) InitialState() state.State {
	s := state.Default()
	s.Voice = c.Speech.Voice
	s.SpeechEnabled = c.Speech.SpeechEnabled()
	return s
}
