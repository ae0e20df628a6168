// Package mock provides a scriptable in-memory [audio.Backend] for unit tests.
//
// Tests drive the microphone by pushing samples through the open input stream
// and drive playback by finishing or failing the clips handed to Play. Every
// call is recorded so that tests can assert on arguments and counts.
//
// Typical usage:
//
//	b := &mock.Backend{AutoStart: true}
//	stream, _ := b.OpenInput(ctx, audio.InputConstraints{}, stage.Process)
//	b.Push(make([]float32, 4096))
//	pb, _ := b.Play(ctx, clip)
//	b.LastPlayback().Finish(nil)
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/audiobot/pkg/audio"
)

// ErrNoInput is returned by [Backend.Push] when no input stream is open.
var ErrNoInput = errors.New("mock: no open input stream")

// Backend is a mock implementation of [audio.Backend].
// Set the exported error fields before use; inspect the call records after.
type Backend struct {
	mu sync.Mutex

	// AutoStart closes Started on every new playback immediately.
	AutoStart bool

	// OpenErr is returned by Open.
	OpenErr error

	// OpenInputErr is returned by OpenInput.
	OpenInputErr error

	// PlayErr is returned by Play.
	PlayErr error

	// CloseErr is returned by Close.
	CloseErr error

	// OpenCalls counts calls to Open.
	OpenCalls int

	// CloseCalls counts calls to Close.
	CloseCalls int

	// InputCalls records the constraints of every OpenInput call.
	InputCalls []audio.InputConstraints

	// PlayCalls records the clip of every Play call.
	PlayCalls []*audio.Clip

	inputs    []*InputStream
	playbacks []*Playback
}

var _ audio.Backend = (*Backend)(nil)

// Open records the call and returns OpenErr.
func (b *Backend) Open(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenCalls++
	return b.OpenErr
}

// OpenInput records the call and returns a new [InputStream] bound to fn.
func (b *Backend) OpenInput(_ context.Context, c audio.InputConstraints, fn audio.ProcessFunc) (audio.InputStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.InputCalls = append(b.InputCalls, c)
	if b.OpenInputErr != nil {
		return nil, b.OpenInputErr
	}
	s := &InputStream{fn: fn}
	b.inputs = append(b.inputs, s)
	return s, nil
}

// Play records the call and returns a new pending [Playback].
func (b *Backend) Play(_ context.Context, clip *audio.Clip) (audio.Playback, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PlayCalls = append(b.PlayCalls, clip)
	if b.PlayErr != nil {
		return nil, b.PlayErr
	}
	p := NewPlayback()
	if b.AutoStart {
		p.Start()
	}
	b.playbacks = append(b.playbacks, p)
	return p, nil
}

// Close records the call and returns CloseErr.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CloseCalls++
	return b.CloseErr
}

// Input returns the most recently opened input stream, or nil.
func (b *Backend) Input() *InputStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.inputs) == 0 {
		return nil
	}
	return b.inputs[len(b.inputs)-1]
}

// Inputs returns every input stream opened so far, oldest first.
func (b *Backend) Inputs() []*InputStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*InputStream, len(b.inputs))
	copy(out, b.inputs)
	return out
}

// Plays returns the clips passed to Play so far, oldest first.
func (b *Backend) Plays() []*audio.Clip {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*audio.Clip, len(b.PlayCalls))
	copy(out, b.PlayCalls)
	return out
}

// LastPlayback returns the most recent playback, or nil.
func (b *Backend) LastPlayback() *Playback {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.playbacks) == 0 {
		return nil
	}
	return b.playbacks[len(b.playbacks)-1]
}

// Push feeds one mono callback's worth of samples into the latest input
// stream. It reports false when the stream is stopped.
func (b *Backend) Push(samples []float32) (bool, error) {
	s := b.Input()
	if s == nil {
		return false, ErrNoInput
	}
	return s.Push([][]float32{samples}), nil
}

// InputStream is a mock [audio.InputStream].
type InputStream struct {
	mu        sync.Mutex
	fn        audio.ProcessFunc
	stopped   bool
	stopCalls int
}

// Push invokes the bound ProcessFunc unless the stream is stopped. It holds
// the stream lock while doing so, which mirrors a device callback racing
// with Stop.
func (s *InputStream) Push(channels [][]float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	return s.fn(channels)
}

// Stop marks the stream stopped.
func (s *InputStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.stopCalls++
	return nil
}

// Stopped reports whether Stop was called.
func (s *InputStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// StopCalls returns how many times Stop was called.
func (s *InputStream) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

// Playback is a mock [audio.Playback] controlled by the test.
type Playback struct {
	started   chan struct{}
	done      chan struct{}
	startOnce sync.Once
	doneOnce  sync.Once
	mu        sync.Mutex
	err       error
	stopCalls int
}

var _ audio.Playback = (*Playback)(nil)

// NewPlayback returns a pending playback.
func NewPlayback() *Playback {
	return &Playback{
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start signals that rendering began.
func (p *Playback) Start() {
	p.startOnce.Do(func() { close(p.started) })
}

// Finish ends playback with err. A nil err is a natural end.
func (p *Playback) Finish(err error) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Started implements [audio.Playback].
func (p *Playback) Started() <-chan struct{} { return p.started }

// Done implements [audio.Playback].
func (p *Playback) Done() <-chan struct{} { return p.done }

// Err implements [audio.Playback].
func (p *Playback) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop ends playback without error.
func (p *Playback) Stop() {
	p.mu.Lock()
	p.stopCalls++
	p.mu.Unlock()
	p.Finish(nil)
}

// StopCalls returns how many times Stop was called.
func (p *Playback) StopCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCalls
}
