package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/audiobot/internal/config"
	"github.com/MrWong99/audiobot/internal/state"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	if d := config.Diff(cfg, cfg); !d.Empty() {
		t.Errorf("Diff of identical configs = %+v", d)
	}
}

func TestDiff_HotReloadableFields(t *testing.T) {
	t.Parallel()
	off := false
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "voice",
			mutate: func(c *config.Config) { c.Speech.Voice = "en-US-GuyNeural" },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.VoiceChanged || d.NewVoice != "en-US-GuyNeural" {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "voices",
			mutate: func(c *config.Config) { c.Speech.Voices = []string{state.DefaultVoice} },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.VoicesChanged {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "speech toggle",
			mutate: func(c *config.Config) { c.Speech.Enabled = &off },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.SpeechChanged || d.NewSpeechEnabled {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "turn",
			mutate: func(c *config.Config) { c.Turn.SilenceThreshold = 0.05 },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.TurnChanged {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "wake phrase",
			mutate: func(c *config.Config) { c.Wake.Phrase = "hello bot" },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.WakeChanged || d.NewWakePhrase != "hello bot" {
					t.Errorf("diff = %+v", d)
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := config.Default(), config.Default()
			tc.mutate(new)
			d := config.Diff(old, new)
			tc.check(t, d)
			if len(d.RestartRequired) != 0 {
				t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := config.Default(), config.Default()
	new.Server.ListenAddr = ":9999"
	new.Backend.BaseURL = "http://other:8000"
	new.Audio.FrameSize = 1024
	new.Transcriber.Fallbacks = []config.TranscriberEntry{{Name: "whisper", BaseURL: "http://w"}}

	d := config.Diff(old, new)
	want := []string{"server", "backend", "transcriber", "audio"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.Empty() {
		t.Error("Empty() = true")
	}
}

func TestDiff_TLS(t *testing.T) {
	t.Parallel()
	old, new := config.Default(), config.Default()
	new.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
	if d := config.Diff(old, new); !slices.Contains(d.RestartRequired, "server") {
		t.Errorf("TLS change not flagged: %+v", d)
	}
	old.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
	if d := config.Diff(old, new); !d.Empty() {
		t.Errorf("equal TLS flagged: %+v", d)
	}
}
