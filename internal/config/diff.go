package config

import "slices"

// ConfigDiff describes what changed between two configs. Hot-reloadable
// fields are reported individually; everything else that changed is listed
// in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceChanged bool
	NewVoice     string

	VoicesChanged bool

	SpeechChanged    bool
	NewSpeechEnabled bool

	// TurnChanged is set when any turn detection parameter changed.
	TurnChanged bool

	WakeChanged   bool
	NewWakePhrase string

	// RestartRequired names the sections that changed but are only read at
	// startup.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && !d.VoicesChanged &&
		!d.SpeechChanged && !d.TurnChanged && !d.WakeChanged &&
		len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Speech.Voice != new.Speech.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Speech.Voice
	}
	if !slices.Equal(old.Speech.Voices, new.Speech.Voices) {
		d.VoicesChanged = true
	}
	if old.Speech.SpeechEnabled() != new.Speech.SpeechEnabled() {
		d.SpeechChanged = true
		d.NewSpeechEnabled = new.Speech.SpeechEnabled()
	}
	if old.Turn != new.Turn {
		d.TurnChanged = true
	}
	if old.Wake != new.Wake {
		d.WakeChanged = true
		d.NewWakePhrase = new.Wake.Phrase
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Backend != new.Backend {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Transcriber.TranscriberEntry != new.Transcriber.TranscriberEntry ||
		!slices.Equal(old.Transcriber.Fallbacks, new.Transcriber.Fallbacks) {
		d.RestartRequired = append(d.RestartRequired, "transcriber")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Chat != new.Chat {
		d.RestartRequired = append(d.RestartRequired, "chat")
	}
	if old.Telemetry.ServiceName != new.Telemetry.ServiceName ||
		old.Telemetry.MetricsEnabled() != new.Telemetry.MetricsEnabled() {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
