package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvBackendAPIKey = "AUDIOBOT_BACKEND_API_KEY"
	EnvBackendURL    = "AUDIOBOT_BACKEND_URL"
	EnvListenAddr    = "AUDIOBOT_LISTEN_ADDR"
	EnvLogLevel      = "AUDIOBOT_LOG_LEVEL"
)

// ValidTranscriberNames lists the transcriber implementations shipped with
// the client. Unknown names only produce a warning.
var ValidTranscriberNames = []string{"backend", "whisper"}

const maxSampleRate = 192000

// LoadEnv loads KEY=VALUE pairs from the given dotenv files into the process
// environment. Missing files are skipped; variables already set win.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env %q: %w", p, err)
		}
		slog.Debug("config: loaded env file", "path", p)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment overrides applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any AUDIOBOT_* variables that are set.
func ApplyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(EnvBackendAPIKey); ok {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv(EnvBackendURL); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if err := validateURL(cfg.Backend.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("backend.base_url: %w", err))
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, errors.New("backend.timeout must not be negative"))
	}
	if cfg.Backend.Breaker.MaxFailures < 0 || cfg.Backend.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("backend.breaker values must not be negative"))
	}

	entries := append([]TranscriberEntry{cfg.Transcriber.TranscriberEntry}, cfg.Transcriber.Fallbacks...)
	for i, e := range entries {
		prefix := "transcriber"
		if i > 0 {
			prefix = fmt.Sprintf("transcriber.fallbacks[%d]", i-1)
		}
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if !slices.Contains(ValidTranscriberNames, e.Name) {
			slog.Warn("unknown transcriber name; it must be registered at startup",
				"name", e.Name,
				"known", ValidTranscriberNames,
			)
		}
		if e.Name == "whisper" && e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for whisper", prefix))
		}
		if e.BaseURL != "" {
			if err := validateURL(e.BaseURL); err != nil {
				errs = append(errs, fmt.Errorf("%s.base_url: %w", prefix, err))
			}
		}
	}

	if cfg.Audio.SampleRate <= 0 || cfg.Audio.SampleRate > maxSampleRate {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range (0, %d]", cfg.Audio.SampleRate, maxSampleRate))
	}
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	if cfg.Audio.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("audio.queue_depth %d must be positive", cfg.Audio.QueueDepth))
	}
	if cfg.Audio.OutputRate <= 0 || cfg.Audio.OutputRate > maxSampleRate {
		errs = append(errs, fmt.Errorf("audio.output_rate %d is out of range (0, %d]", cfg.Audio.OutputRate, maxSampleRate))
	}
	if cfg.Audio.ResumeDelay < 0 {
		errs = append(errs, errors.New("audio.resume_delay must not be negative"))
	}

	if err := cfg.DetectorConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	if cfg.Speech.Voice != "" && len(cfg.Speech.Voices) > 0 && !slices.Contains(cfg.Speech.Voices, cfg.Speech.Voice) {
		slog.Warn("speech.voice is not in speech.voices", "voice", cfg.Speech.Voice)
	}
	if cfg.Chat.MaxMessages < 0 {
		errs = append(errs, fmt.Errorf("chat.max_messages %d must not be negative", cfg.Chat.MaxMessages))
	}

	return errors.Join(errs...)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is missing")
	}
	return nil
}
