// Package device arbitrates the microphone and the speaker.
//
// A [Manager] owns at most one recording session and at most one playback at
// a time and never lets them overlap: starting playback stops recording
// first, and recording cannot start while a clip is playing. When playback
// that interrupted a recording ends naturally, the manager re-opens the
// microphone with the last frame handler after a short delay, unless the
// user stopped recording or playback in the meantime.
//
// Every transition is published to the shared [state.Store].
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/audiobot/internal/clock"
	"github.com/MrWong99/audiobot/internal/observe"
	"github.com/MrWong99/audiobot/internal/state"
	"github.com/MrWong99/audiobot/pkg/audio"
)

// DefaultResumeDelay is the gap between the end of playback and the
// automatic restart of recording.
const DefaultResumeDelay = 500 * time.Millisecond

// Playback outcomes reported to the playbacks counter.
const (
	playbackCompleted = "completed"
	playbackFailed    = "failed"
	playbackStopped   = "stopped"
)

// FrameHandler receives captured frames in arrival order on the manager's
// pump goroutine. It must not call back into the [Manager].
type FrameHandler func(audio.AudioFrame)

// Config holds the device settings.
type Config struct {
	// Input are the microphone constraints passed to the backend.
	Input audio.InputConstraints

	// FrameSize is the number of samples per captured frame.
	FrameSize int

	// QueueDepth bounds the frames buffered between the device callback and
	// the frame handler.
	QueueDepth int

	// ResumeDelay is how long to wait after playback before recording
	// resumes. Zero selects [DefaultResumeDelay].
	ResumeDelay time.Duration
}

// DefaultConfig returns 16 kHz capture with echo cancellation, noise
// suppression and automatic gain enabled.
func DefaultConfig() Config {
	return Config{
		Input: audio.InputConstraints{
			SampleRate:       audio.DefaultSampleRate,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		FrameSize:   audio.DefaultFrameSize,
		QueueDepth:  audio.DefaultQueueDepth,
		ResumeDelay: DefaultResumeDelay,
	}
}

// Status is a point-in-time view of the devices.
type Status struct {
	Initialized bool
	Recording   bool
	Playing     bool

	// ResumePending is true while an automatic restart of recording is
	// scheduled.
	ResumePending bool

	// DroppedFrames counts frames lost by the current recording session.
	DroppedFrames uint64
}

// Option configures a [Manager].
type Option func(*Manager)

// WithConfig replaces [DefaultConfig].
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithClock replaces the wall clock used for the resume delay and frame
// timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clk = c
		}
	}
}

// WithMetrics sets the instruments used for dropped frames and playbacks.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) {
		if met != nil {
			m.metrics = met
		}
	}
}

// WithResumeHook registers fn to run right before recording resumes after
// playback. The application uses it to reset turn detection.
func WithResumeHook(fn func()) Option {
	return func(m *Manager) { m.onResume = fn }
}

// Manager arbitrates exclusive access to the audio devices. All methods are
// safe for concurrent use.
type Manager struct {
	backend  audio.Backend
	store    *state.Store
	clk      clock.Clock
	metrics  *observe.Metrics
	cfg      Config
	onResume func()

	mu          sync.Mutex
	initialized bool
	rec         *recording
	play        *playing

	// handler is the frame handler of the last user-started recording. It
	// is cleared on every user stop and doubles as the flag that suppresses
	// the next automatic resume.
	handler FrameHandler
	resume  *clock.Task
}

type recording struct {
	stream  audio.InputStream
	stage   *audio.CaptureStage
	handler FrameHandler
	live    atomic.Bool
	done    chan struct{}
}

type playing struct {
	pb audio.Playback

	// resume is set when a recording was interrupted by this playback.
	resume bool
}

// New returns a manager driving backend and publishing to store.
func New(backend audio.Backend, store *state.Store, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		store:   store,
		clk:     clock.Wall{},
		metrics: observe.DefaultMetrics(),
		cfg:     DefaultConfig(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.cfg.ResumeDelay <= 0 {
		m.cfg.ResumeDelay = DefaultResumeDelay
	}
	return m
}

// InitializeRecording acquires the audio system. It is idempotent. On
// failure the error phase is published and an [*InitError] returned.
func (m *Manager) InitializeRecording(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initLocked(ctx)
}

func (m *Manager) initLocked(ctx context.Context) error {
	if m.initialized {
		return nil
	}
	if err := m.backend.Open(ctx); err != nil {
		slog.Error("device: failed to initialize audio", "err", err)
		m.store.SetPhase(state.PhaseError)
		return &InitError{Op: "open", Err: err}
	}
	m.initialized = true
	m.store.SetRecordingInitialized(true)
	slog.Info("device: audio initialized")
	return nil
}

// StartRecording opens the microphone and delivers frames to onFrame until
// recording stops. It fails with [ErrPlaybackActive], without side effects,
// while a clip is playing. Starting while already recording is a no-op.
func (m *Manager) StartRecording(ctx context.Context, onFrame FrameHandler) error {
	if onFrame == nil {
		return ErrNoHandler
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startRecordingLocked(ctx, onFrame)
}

func (m *Manager) startRecordingLocked(ctx context.Context, onFrame FrameHandler) error {
	if m.play != nil {
		return ErrPlaybackActive
	}
	if m.rec != nil {
		return nil
	}
	if err := m.initLocked(ctx); err != nil {
		return err
	}

	stage := audio.NewCaptureStage(m.cfg.FrameSize, m.cfg.QueueDepth, audio.WithCaptureClock(m.clk.Now))
	stream, err := m.backend.OpenInput(ctx, m.cfg.Input, stage.Process)
	if err != nil {
		stage.Close()
		slog.Error("device: failed to open microphone", "err", err)
		m.store.SetPhase(state.PhaseError)
		return &InitError{Op: "open input", Err: err}
	}

	r := &recording{
		stream:  stream,
		stage:   stage,
		handler: onFrame,
		done:    make(chan struct{}),
	}
	r.live.Store(true)
	m.rec = r
	m.handler = onFrame
	m.resume.Cancel()
	m.resume = nil
	go m.pump(r)

	m.store.Set(state.Update{
		Recording: state.Ptr(true),
		Phase:     state.Ptr(state.PhaseListening),
		Devices:   &state.DeviceUpdate{DevicesBusy: state.Ptr(true)},
	})
	slog.Info("device: recording started", "sample_rate", m.cfg.Input.SampleRate, "frame_size", stage.FrameSize())
	return nil
}

// pump forwards frames from the capture stage to the session handler. It
// exits once the stage queue is closed and drained.
func (m *Manager) pump(r *recording) {
	defer close(r.done)
	var reported uint64
	report := func() {
		if d := r.stage.Dropped(); d > reported {
			m.metrics.DroppedFrames.Add(context.Background(), int64(d-reported))
			reported = d
		}
	}
	for f := range r.stage.Frames() {
		if r.live.Load() {
			r.handler(f)
		}
		report()
	}
	report()
}

// StopRecording stops the microphone. Recording=false is published before
// the device is torn down. It also cancels any pending automatic resume.
// Once StopRecording returns no further frame is delivered. Calling it while
// nothing records is a no-op.
func (m *Manager) StopRecording() error {
	m.mu.Lock()
	m.handler = nil
	m.cancelResumeLocked()
	done := m.stopRecordingLocked()
	m.mu.Unlock()

	if done != nil {
		<-done
		slog.Info("device: recording stopped")
	}
	return nil
}

// stopRecordingLocked tears down the current session and returns a channel
// closed once its pump has exited, or nil when nothing was recording.
func (m *Manager) stopRecordingLocked() <-chan struct{} {
	r := m.rec
	if r == nil {
		return nil
	}
	m.rec = nil
	r.live.Store(false)
	m.store.SetRecording(false)

	if err := r.stream.Stop(); err != nil {
		slog.Warn("device: failed to stop input stream", "err", err)
	}
	r.stage.Close()

	if m.play == nil {
		m.store.Set(state.Update{
			Phase:   state.Ptr(state.PhaseIdle),
			Devices: &state.DeviceUpdate{DevicesBusy: state.Ptr(false)},
		})
	}
	return r.done
}

// StartPlayback plays clip, stopping any current playback and recording
// first. It returns once the backend accepted the clip; completion is
// handled in the background. If recording was active it resumes after
// playback ends naturally.
func (m *Manager) StartPlayback(ctx context.Context, clip *audio.Clip) error {
	if clip.Empty() {
		return ErrNoAudio
	}

	m.mu.Lock()
	resume := m.rec != nil || m.resume != nil
	if m.play != nil {
		resume = resume || m.play.resume
		m.stopPlaybackLocked()
	}
	m.cancelResumeLocked()
	done := m.stopRecordingLocked()

	pb, err := m.backend.Play(ctx, clip)
	if err != nil {
		m.mu.Unlock()
		m.metrics.RecordPlayback(ctx, playbackFailed)
		perr := &PlaybackError{Err: err}
		slog.Error("device: failed to start playback", "err", perr)
		if done != nil {
			<-done
		}
		return perr
	}

	p := &playing{pb: pb, resume: resume}
	m.play = p
	m.store.SetDeviceStatus(state.DeviceUpdate{
		PlaybackActive: state.Ptr(true),
		DevicesBusy:    state.Ptr(true),
	})
	m.mu.Unlock()

	if done != nil {
		<-done
	}
	go m.watch(p)
	slog.Debug("device: playback started", "duration", clip.Duration(), "resume", resume)
	return nil
}

// watch follows one playback to its end.
func (m *Manager) watch(p *playing) {
	select {
	case <-p.pb.Started():
		m.mu.Lock()
		if m.play == p {
			m.store.SetPhase(state.PhasePlayback)
		}
		m.mu.Unlock()
	case <-p.pb.Done():
	}
	<-p.pb.Done()
	err := p.pb.Err()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.play != p {
		// Stopped or replaced; whoever did that already cleaned up.
		return
	}
	m.play = nil
	m.publishPlaybackEndedLocked()

	if err != nil {
		m.metrics.RecordPlayback(context.Background(), playbackFailed)
		slog.Error("device: playback failed", "err", &PlaybackError{Err: err})
		return
	}
	m.metrics.RecordPlayback(context.Background(), playbackCompleted)
	if p.resume && m.handler != nil {
		m.resume = clock.Schedule(m.clk, m.cfg.ResumeDelay, m.resumeRecording)
	}
}

// resumeRecording restarts recording after playback unless the user
// intervened.
func (m *Manager) resumeRecording(t *clock.Task) {
	m.mu.Lock()
	if m.resume != t || t.Cancelled() {
		m.mu.Unlock()
		return
	}
	if m.handler == nil || m.rec != nil || m.play != nil {
		m.resume = nil
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.onResume != nil {
		m.onResume()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resume != t || t.Cancelled() {
		return
	}
	m.resume = nil
	if m.handler == nil || m.rec != nil || m.play != nil {
		return
	}
	if err := m.startRecordingLocked(context.Background(), m.handler); err != nil {
		slog.Error("device: failed to resume recording after playback", "err", err)
		return
	}
	slog.Info("device: recording resumed after playback")
}

// StopPlayback ends the current clip early. A manual stop also suppresses
// the automatic resume of recording.
func (m *Manager) StopPlayback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = nil
	m.cancelResumeLocked()
	m.stopPlaybackLocked()
}

func (m *Manager) stopPlaybackLocked() {
	p := m.play
	if p == nil {
		return
	}
	m.play = nil
	p.pb.Stop()
	m.metrics.RecordPlayback(context.Background(), playbackStopped)
	m.publishPlaybackEndedLocked()
	slog.Info("device: playback stopped")
}

// publishPlaybackEndedLocked releases the output device in the store and
// falls back to idle unless recording is active.
func (m *Manager) publishPlaybackEndedLocked() {
	recording := m.rec != nil
	u := state.Update{
		Devices: &state.DeviceUpdate{
			PlaybackActive: state.Ptr(false),
			DevicesBusy:    state.Ptr(recording),
		},
	}
	if !recording {
		u.Phase = state.Ptr(state.PhaseIdle)
	}
	m.store.Set(u)
}

func (m *Manager) cancelResumeLocked() {
	m.resume.Cancel()
	m.resume = nil
}

// Cleanup stops recording and playback and releases the audio system. It is
// idempotent. It waits for the frame pump to exit unless ctx ends first.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	m.handler = nil
	m.cancelResumeLocked()
	done := m.stopRecordingLocked()
	m.stopPlaybackLocked()

	var err error
	if m.initialized {
		m.initialized = false
		if cerr := m.backend.Close(); cerr != nil {
			err = fmt.Errorf("device: close: %w", cerr)
		}
		m.store.SetRecordingInitialized(false)
	}
	m.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		}
	}
	return err
}

// IsRecording reports whether a recording session is active.
func (m *Manager) IsRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec != nil
}

// IsPlaying reports whether a clip is playing.
func (m *Manager) IsPlaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.play != nil
}

// IsBusy reports whether either device is in use.
func (m *Manager) IsBusy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec != nil || m.play != nil
}

// Status returns a snapshot of the device state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		Initialized:   m.initialized,
		Recording:     m.rec != nil,
		Playing:       m.play != nil,
		ResumePending: m.resume != nil,
	}
	if m.rec != nil {
		s.DroppedFrames = m.rec.stage.Dropped()
	}
	return s
}
