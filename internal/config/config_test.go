package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/audiobot/internal/config"
	"github.com/MrWong99/audiobot/internal/state"
	"github.com/MrWong99/audiobot/pkg/provider/stt"
)

const validYAML = `
server:
  listen_addr: "127.0.0.1:9000"
  log_level: debug
backend:
  base_url: "http://assistant.local:8000"
  timeout: 10s
  breaker:
    max_failures: 3
    reset_timeout: 1m
transcriber:
  name: backend
  fallbacks:
    - name: whisper
      base_url: "http://localhost:8080"
      language: en
audio:
  input_device: "USB Microphone"
  frame_size: 2048
  resume_delay: 750ms
turn:
  silence_threshold: 0.02
  pause_duration: 2s
speech:
  enabled: false
  voice: en-GB-SoniaNeural
wake:
  phrase: "hey computer"
`

func load(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg := load(t, validYAML)

	if cfg.Server.ListenAddr != "127.0.0.1:9000" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Backend.Timeout != 10*time.Second || cfg.Backend.Breaker.ResetTimeout != time.Minute {
		t.Errorf("backend = %+v", cfg.Backend)
	}
	if cfg.Transcriber.Name != "backend" || len(cfg.Transcriber.Fallbacks) != 1 {
		t.Fatalf("transcriber = %+v", cfg.Transcriber)
	}
	if fb := cfg.Transcriber.Fallbacks[0]; fb.Name != "whisper" || fb.Language != "en" {
		t.Errorf("fallback = %+v", fb)
	}
	if cfg.Speech.SpeechEnabled() {
		t.Error("speech.enabled: false was ignored")
	}
	if cfg.Wake.Phrase != "hey computer" {
		t.Errorf("wake phrase = %q", cfg.Wake.Phrase)
	}

	det := cfg.DetectorConfig()
	if det.SilenceThreshold != 0.02 || det.PauseDuration != 2*time.Second {
		t.Errorf("detector config = %+v", det)
	}
	if det.MinAudioDuration != time.Second {
		t.Errorf("MinAudioDuration = %v, want default 1s", det.MinAudioDuration)
	}

	dev := cfg.DeviceConfig()
	if dev.FrameSize != 2048 || dev.ResumeDelay != 750*time.Millisecond || dev.Input.Device != "USB Microphone" {
		t.Errorf("device config = %+v", dev)
	}
	if !dev.Input.EchoCancellation || !dev.Input.NoiseSuppression || !dev.Input.AutoGainControl {
		t.Error("device config lost input processing flags")
	}

	st := cfg.InitialState()
	if st.Voice != "en-GB-SoniaNeural" || st.SpeechEnabled || st.Phase != state.PhaseIdle {
		t.Errorf("initial state = %+v", st)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg := load(t, "")

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Backend.BaseURL != config.DefaultBackendURL {
		t.Errorf("BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Transcriber.Name != "backend" {
		t.Errorf("transcriber = %q", cfg.Transcriber.Name)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("SampleRate = %d", cfg.Audio.SampleRate)
	}
	if cfg.Speech.Voice != state.DefaultVoice || !cfg.Speech.SpeechEnabled() {
		t.Errorf("speech = %+v", cfg.Speech)
	}
	if len(cfg.Speech.Voices) != len(config.DefaultVoices) {
		t.Errorf("voices = %d, want %d", len(cfg.Speech.Voices), len(config.DefaultVoices))
	}
	if cfg.Chat.MaxMessages != config.DefaultChatMessages {
		t.Errorf("MaxMessages = %d", cfg.Chat.MaxMessages)
	}
	if !cfg.Telemetry.MetricsEnabled() {
		t.Error("metrics disabled by default")
	}
}

func TestLoadFromReader_MaxUtteranceOptIn(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
		want time.Duration
	}{
		{"unset stays off", "", 0},
		{"explicit zero stays off", "turn:\n  max_utterance: 0s\n", 0},
		{"explicit limit kept", "turn:\n  max_utterance: 45s\n", 45 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := load(t, tt.doc)
			if cfg.Turn.MaxUtterance != tt.want {
				t.Errorf("Turn.MaxUtterance = %v, want %v", cfg.Turn.MaxUtterance, tt.want)
			}
			if got := cfg.DetectorConfig().MaxUtteranceDuration; got != tt.want {
				t.Errorf("MaxUtteranceDuration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: x\n"))
	if err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"defaults", func(*config.Config) {}, ""},
		{"log level", func(c *config.Config) { c.Server.LogLevel = "loud" }, "server.log_level"},
		{"half tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "a.pem"} }, "server.tls"},
		{"backend scheme", func(c *config.Config) { c.Backend.BaseURL = "ftp://x" }, "backend.base_url"},
		{"backend host", func(c *config.Config) { c.Backend.BaseURL = "http://" }, "backend.base_url"},
		{"negative timeout", func(c *config.Config) { c.Backend.Timeout = -time.Second }, "backend.timeout"},
		{"whisper without url", func(c *config.Config) { c.Transcriber.Name = "whisper" }, "transcriber.base_url"},
		{"fallback without name", func(c *config.Config) {
			c.Transcriber.Fallbacks = []config.TranscriberEntry{{BaseURL: "http://x"}}
		}, "transcriber.fallbacks[0].name"},
		{"sample rate", func(c *config.Config) { c.Audio.SampleRate = 1_000_000 }, "audio.sample_rate"},
		{"frame size", func(c *config.Config) { c.Audio.FrameSize = -1 }, "audio.frame_size"},
		{"threshold", func(c *config.Config) { c.Turn.SilenceThreshold = 2 }, "silence threshold"},
		{"chat", func(c *config.Config) { c.Chat.MaxMessages = -3 }, "chat.max_messages"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			tc.mutate(cfg)
			err := config.Validate(cfg)
			switch {
			case tc.wantErr == "" && err != nil:
				t.Errorf("Validate() = %v, want nil", err)
			case tc.wantErr != "" && err == nil:
				t.Errorf("Validate() = nil, want error containing %q", tc.wantErr)
			case tc.wantErr != "" && !strings.Contains(err.Error(), tc.wantErr):
				t.Errorf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_ReportsEveryError(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.LogLevel = "loud"
	cfg.Audio.QueueDepth = -1
	cfg.Chat.MaxMessages = -1

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "audio.queue_depth", "chat.max_messages"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadFromReader_EnvOverrides(t *testing.T) {
	t.Setenv(config.EnvBackendAPIKey, "secret-from-env")
	t.Setenv(config.EnvBackendURL, "https://backend.example.com")
	t.Setenv(config.EnvLogLevel, "warn")

	cfg := load(t, "backend:\n  api_key: from-file\n")

	if cfg.Backend.APIKey != "secret-from-env" {
		t.Errorf("APIKey = %q, want env value", cfg.Backend.APIKey)
	}
	if cfg.Backend.BaseURL != "https://backend.example.com" {
		t.Errorf("BaseURL = %q", cfg.Backend.BaseURL)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("LogLevel = %q", cfg.Server.LogLevel)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	writeFile(t, envPath, config.EnvBackendAPIKey+"=dotenv-key\n")
	t.Setenv(config.EnvBackendAPIKey, "")
	os.Unsetenv(config.EnvBackendAPIKey)

	if err := config.LoadEnv(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := os.Getenv(config.EnvBackendAPIKey); got != "dotenv-key" {
		t.Errorf("%s = %q, want dotenv-key", config.EnvBackendAPIKey, got)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	_, err := reg.CreateTranscriber(config.TranscriberEntry{Name: "whisper"})
	if !errors.Is(err, config.ErrTranscriberNotRegistered) {
		t.Fatalf("err = %v, want ErrTranscriberNotRegistered", err)
	}

	var got config.TranscriberEntry
	reg.RegisterTranscriber("whisper", func(e config.TranscriberEntry) (stt.Transcriber, error) {
		got = e
		return stt.TranscriberFunc(nil), nil
	})
	reg.RegisterTranscriber("broken", func(config.TranscriberEntry) (stt.Transcriber, error) {
		return nil, errors.New("bad url")
	})

	entry := config.TranscriberEntry{Name: "whisper", BaseURL: "http://localhost:8080", Language: "de"}
	if _, err := reg.CreateTranscriber(entry); err != nil {
		t.Fatalf("CreateTranscriber: %v", err)
	}
	if got != entry {
		t.Errorf("factory got %+v, want %+v", got, entry)
	}
	if _, err := reg.CreateTranscriber(config.TranscriberEntry{Name: "broken"}); err == nil || !strings.Contains(err.Error(), "bad url") {
		t.Errorf("factory error not propagated: %v", err)
	}
	if names := reg.Transcribers(); len(names) != 2 || names[0] != "broken" || names[1] != "whisper" {
		t.Errorf("Transcribers() = %v", names)
	}
}
