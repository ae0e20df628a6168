package turn

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/audiobot/pkg/audio"
)

// Default detection parameters.
const (
	DefaultSilenceThreshold  = 0.01
	DefaultMinSpeechDuration = 500 * time.Millisecond
	DefaultPauseDuration     = 1500 * time.Millisecond
	DefaultMinAudioDuration  = 1000 * time.Millisecond
	DefaultUploadTimeout     = 30 * time.Second
)

// Config holds the tunable parameters of a [Detector].
type Config struct {
	// SilenceThreshold is the RMS level above which a frame counts as speech.
	SilenceThreshold float64

	// MinSpeechDuration is how long speech must have lasted before silence
	// may move the detector from speaking to paused.
	MinSpeechDuration time.Duration

	// PauseDuration is the silence that finalizes a paused utterance.
	PauseDuration time.Duration

	// MinAudioDuration is the shortest utterance that is uploaded. Shorter
	// utterances are discarded.
	MinAudioDuration time.Duration

	// MaxUtteranceDuration forces finalization of an utterance that never
	// pauses. Zero, the default, disables the limit so an utterance only
	// ends on a qualifying pause or an explicit stop.
	MaxUtteranceDuration time.Duration

	// UploadTimeout bounds one transcription request.
	UploadTimeout time.Duration

	// SampleRate of the incoming frames and of the uploaded WAV.
	SampleRate int
}

// DefaultConfig returns the stock detection parameters.
func DefaultConfig() Config {
	return Config{
		SilenceThreshold:  DefaultSilenceThreshold,
		MinSpeechDuration: DefaultMinSpeechDuration,
		PauseDuration:     DefaultPauseDuration,
		MinAudioDuration:  DefaultMinAudioDuration,
		UploadTimeout:     DefaultUploadTimeout,
		SampleRate:        audio.DefaultSampleRate,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.SilenceThreshold <= 0 || c.SilenceThreshold >= 1 {
		errs = append(errs, fmt.Errorf("turn: silence threshold %v must be in (0, 1)", c.SilenceThreshold))
	}
	if c.MinSpeechDuration < 0 {
		errs = append(errs, errors.New("turn: min speech duration must not be negative"))
	}
	if c.PauseDuration <= 0 {
		errs = append(errs, errors.New("turn: pause duration must be positive"))
	}
	if c.MinAudioDuration < 0 {
		errs = append(errs, errors.New("turn: min audio duration must not be negative"))
	}
	if c.MaxUtteranceDuration < 0 {
		errs = append(errs, errors.New("turn: max utterance duration must not be negative"))
	}
	if c.MaxUtteranceDuration > 0 && c.MaxUtteranceDuration < c.MinAudioDuration {
		errs = append(errs, fmt.Errorf("turn: max utterance duration %s is shorter than min audio duration %s",
			c.MaxUtteranceDuration, c.MinAudioDuration))
	}
	if c.UploadTimeout < 0 {
		errs = append(errs, errors.New("turn: upload timeout must not be negative"))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("turn: sample rate %d must be positive", c.SampleRate))
	}
	return errors.Join(errs...)
}
