// Package audio defines the audio building blocks shared by the voice client:
// frames and clips, the real-time capture stage, WAV encoding, clip decoding
// and the device backend abstraction.
//
// The backend abstraction is deliberately narrow:
//
//   - [Backend]: acquires the host audio system and opens streams.
//   - [InputStream]: a running microphone stream feeding a [ProcessFunc].
//   - [Playback]: a single clip being played on the output device.
//
// Host implementations live in audio/host; audio/mock provides a scriptable
// backend for tests.
package audio

import "context"

// ProcessFunc is the real-time input callback. channels holds one slice of
// float samples per input channel. Implementations must not block and should
// return true to keep the stream running.
type ProcessFunc func(channels [][]float32) bool

// InputConstraints are the requested microphone properties. Backends apply
// the ones they support and ignore the rest.
type InputConstraints struct {
	// SampleRate is the requested capture rate in Hz.
	SampleRate int

	// BufferSize is the preferred number of frames per callback. Zero lets
	// the backend choose.
	BufferSize int

	// Device names a specific input device. Empty selects the default.
	Device string

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// InputStream is a running microphone stream.
type InputStream interface {
	// Stop halts the stream and releases the device. Once Stop returns the
	// ProcessFunc is never called again. Calling Stop more than once is safe.
	Stop() error
}

// Playback is a clip being rendered on the output device.
type Playback interface {
	// Started is closed once audio is actually being rendered.
	Started() <-chan struct{}

	// Done is closed when playback ends, either naturally, because of an
	// error or because Stop was called.
	Done() <-chan struct{}

	// Err reports the playback failure, if any. Only meaningful after Done is
	// closed; an early Stop is not an error.
	Err() error

	// Stop ends playback early. Calling Stop more than once is safe.
	Stop()
}

// Backend is the host audio system. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Open acquires the audio subsystem. It is idempotent.
	Open(ctx context.Context) error

	// OpenInput starts a microphone stream delivering samples to fn.
	OpenInput(ctx context.Context, c InputConstraints, fn ProcessFunc) (InputStream, error)

	// Play starts rendering clip and returns immediately.
	Play(ctx context.Context, clip *Clip) (Playback, error)

	// Close releases the audio subsystem. Open may be called again afterwards.
	Close() error
}
