package device

import (
	"errors"
	"fmt"
)

var (
	// ErrPlaybackActive is returned by [Manager.StartRecording] while a clip
	// is playing. Recording and playback never overlap.
	ErrPlaybackActive = errors.New("device: playback is active")

	// ErrNoAudio is returned by [Manager.StartPlayback] for a nil or empty clip.
	ErrNoAudio = errors.New("device: no audio to play")

	// ErrNoHandler is returned by [Manager.StartRecording] when onFrame is nil.
	ErrNoHandler = errors.New("device: frame handler is nil")
)

// InitError reports that the audio system or the microphone could not be
// acquired. The manager publishes the error phase and does not retry.
type InitError struct {
	// Op is the step that failed: "open" or "open input".
	Op  string
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("device: %s: %v", e.Op, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// PlaybackError reports a clip that could not be started or failed while
// rendering.
type PlaybackError struct {
	Err error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("device: playback: %v", e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }
