// Package host implements [audio.Backend] on the local sound system.
//
// Microphone capture goes through PortAudio; playback goes through the beep
// speaker, which owns a single output stream for the whole process. Only one
// clip plays at a time.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/audiobot/pkg/audio"
)

const (
	defaultOutputRate    = 24000
	defaultSpeakerBuffer = 100 * time.Millisecond
)

var _ audio.Backend = (*Backend)(nil)

// Option configures a [Backend].
type Option func(*Backend)

// WithOutputRate sets the speaker sample rate. Clips at other rates are
// resampled. Defaults to 24 kHz.
func WithOutputRate(hz int) Option {
	return func(b *Backend) {
		if hz > 0 {
			b.outputRate = hz
		}
	}
}

// WithSpeakerBuffer sets the speaker buffer length. Defaults to 100 ms.
func WithSpeakerBuffer(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.speakerBuffer = d
		}
	}
}

// Backend is the PortAudio + beep implementation of [audio.Backend].
type Backend struct {
	outputRate    int
	speakerBuffer time.Duration
	conv          *audio.ClipConverter

	mu           sync.Mutex
	opened       bool
	speakerReady bool
}

// New returns an unopened backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		outputRate:    defaultOutputRate,
		speakerBuffer: defaultSpeakerBuffer,
	}
	for _, o := range opts {
		o(b)
	}
	b.conv = &audio.ClipConverter{TargetRate: b.outputRate}
	return b
}

// Open initialises PortAudio. Calling Open on an open backend is a no-op.
func (b *Backend) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("host: open: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("host: initialise portaudio: %w", err)
	}
	b.opened = true
	return nil
}

// OpenInput opens a mono PortAudio input stream at the requested rate and
// starts it. PortAudio has no echo cancellation, noise suppression or gain
// control, so those constraints are logged and otherwise ignored.
func (b *Backend) OpenInput(ctx context.Context, c audio.InputConstraints, fn audio.ProcessFunc) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("host: open input: %w", err)
	}
	b.mu.Lock()
	opened := b.opened
	b.mu.Unlock()
	if !opened {
		return nil, errors.New("host: open input: backend not opened")
	}

	dev, err := findInputDevice(c.Device)
	if err != nil {
		return nil, fmt.Errorf("host: open input: %w", err)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.Output.Device = nil
	params.Output.Channels = 0
	if c.SampleRate > 0 {
		params.SampleRate = float64(c.SampleRate)
	}
	if c.BufferSize > 0 {
		params.FramesPerBuffer = c.BufferSize
	}

	stream, err := portaudio.OpenStream(params, func(in []float32) {
		fn([][]float32{in})
	})
	if err != nil {
		return nil, fmt.Errorf("host: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("host: start input stream: %w", err)
	}

	slog.Debug("host: input stream started",
		"device", dev.Name,
		"sample_rate", params.SampleRate,
		"frames_per_buffer", params.FramesPerBuffer,
		"echo_cancellation", c.EchoCancellation,
		"noise_suppression", c.NoiseSuppression,
		"auto_gain_control", c.AutoGainControl,
	)
	return &inputStream{stream: stream}, nil
}

// findInputDevice returns the input device whose name contains name, or the
// default input device when name is empty or not found.
func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name != "" {
		devices, err := portaudio.Devices()
		if err == nil {
			for _, d := range devices {
				if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) {
					return d, nil
				}
			}
		}
		slog.Warn("host: input device not found, using default", "device", name)
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("no input device: %w", err)
	}
	return dev, nil
}

// Play starts rendering clip on the speaker. The speaker is initialised on
// first use.
func (b *Backend) Play(ctx context.Context, clip *audio.Clip) (audio.Playback, error) {
	if clip.Empty() {
		return nil, errors.New("host: play: empty clip")
	}
	if err := b.initSpeaker(); err != nil {
		return nil, err
	}

	clip = b.conv.Convert(clip)
	p := &playback{
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	src := &clipStreamer{samples: clip.Samples}

	speaker.Play(beep.Seq(src, beep.Callback(func() { p.finish(src.Err()) })))
	close(p.started)

	go p.cancelOn(ctx)
	return p, nil
}

func (b *Backend) initSpeaker() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.speakerReady {
		return nil
	}
	sr := beep.SampleRate(b.outputRate)
	if err := speaker.Init(sr, sr.N(b.speakerBuffer)); err != nil {
		return fmt.Errorf("host: init speaker: %w", err)
	}
	b.speakerReady = true
	return nil
}

// Close stops the speaker and terminates PortAudio.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.speakerReady {
		speaker.Clear()
		speaker.Close()
		b.speakerReady = false
	}
	if !b.opened {
		return nil
	}
	b.opened = false
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("host: terminate portaudio: %w", err)
	}
	return nil
}

// inputStream wraps a running PortAudio stream.
type inputStream struct {
	stream *portaudio.Stream
	once   sync.Once
	err    error
}

// Stop stops and closes the stream. PortAudio waits for an in-flight
// callback to return before Stop completes.
func (s *inputStream) Stop() error {
	s.once.Do(func() {
		if err := s.stream.Stop(); err != nil {
			s.err = fmt.Errorf("host: stop input stream: %w", err)
		}
		if err := s.stream.Close(); err != nil && s.err == nil {
			s.err = fmt.Errorf("host: close input stream: %w", err)
		}
	})
	return s.err
}

// playback tracks a clip queued on the speaker.
type playback struct {
	started chan struct{}
	done    chan struct{}
	once    sync.Once

	mu  sync.Mutex
	err error
}

func (p *playback) Started() <-chan struct{} { return p.started }
func (p *playback) Done() <-chan struct{}    { return p.done }

func (p *playback) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop clears the speaker. Only one clip plays at a time, so clearing the
// whole mixer is equivalent to stopping this clip.
func (p *playback) Stop() { p.abort(nil) }

// cancelOn aborts the playback with ctx's error once ctx ends, so a
// cancelled clip is never reported as having played to completion.
func (p *playback) cancelOn(ctx context.Context) {
	select {
	case <-ctx.Done():
		p.abort(ctx.Err())
	case <-p.done:
	}
}

func (p *playback) abort(err error) {
	select {
	case <-p.done:
		return
	default:
	}
	speaker.Clear()
	p.finish(err)
}

func (p *playback) finish(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// clipStreamer streams mono samples as duplicated stereo frames.
type clipStreamer struct {
	samples []float32
	pos     int
}

func (s *clipStreamer) Stream(frames [][2]float64) (int, bool) {
	if s.pos >= len(s.samples) {
		return 0, false
	}
	n := audio.Upmix(frames, s.samples[s.pos:])
	s.pos += n
	return n, true
}

func (s *clipStreamer) Err() error { return nil }
