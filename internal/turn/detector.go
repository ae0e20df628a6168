// Package turn segments a stream of captured audio frames into spoken turns.
//
// A [Detector] classifies every frame as speech or silence by its RMS level
// and drives the listening → speaking → paused → processing cycle through the
// shared [state.Store]. A pause longer than [Config.PauseDuration] finalizes
// the turn: the buffered audio is encoded as a 16 kHz mono WAV, uploaded to an
// [stt.Transcriber], and the resulting text handed to the transcript handler.
//
// Frames must be delivered from a single goroutine in arrival order. The
// pause timer and uploads run on their own goroutines; all detector state is
// guarded by one mutex and the upload itself happens outside of it.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/audiobot/internal/clock"
	"github.com/MrWong99/audiobot/internal/observe"
	"github.com/MrWong99/audiobot/internal/state"
	"github.com/MrWong99/audiobot/pkg/audio"
	"github.com/MrWong99/audiobot/pkg/provider/stt"
)

// ErrorPlaceholder is delivered as transcript text when the upload fails.
const ErrorPlaceholder = "Error: Could not process audio"

// UploadError reports a failed transcription of a finalized turn. The
// detector recovers from it by delivering [ErrorPlaceholder].
type UploadError struct {
	// Duration is the length of the utterance that failed to upload.
	Duration time.Duration
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("turn: upload %s utterance: %v", e.Duration.Round(time.Millisecond), e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Transcript is the outcome of one finalized turn.
type Transcript struct {
	// Text is the recognised text, or [ErrorPlaceholder] when Err is set.
	Text string

	// Err is a *UploadError when the upload failed.
	Err error

	// Duration is the wall-clock length of the turn, from the first speech
	// frame until finalization.
	Duration time.Duration

	// Audio is the length of the uploaded audio.
	Audio time.Duration

	// At is the finalization time.
	At time.Time
}

// TranscriptHandler receives the outcome of every uploaded turn. It runs on
// the upload goroutine before the detector returns to listening, so it
// should hand long work off to another goroutine.
type TranscriptHandler func(ctx context.Context, t Transcript)

// Option is a functional option for [New].
type Option func(*Detector)

// WithConfig replaces [DefaultConfig].
func WithConfig(cfg Config) Option {
	return func(d *Detector) { d.cfg = cfg }
}

// WithClock replaces the wall clock. Used by tests.
func WithClock(c clock.Clock) Option {
	return func(d *Detector) {
		if c != nil {
			d.clk = c
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Detector) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithTranscriptHandler sets the callback that receives uploaded turns.
func WithTranscriptHandler(h TranscriptHandler) Option {
	return func(d *Detector) { d.onTranscript = h }
}

// WithBaseContext sets the context used for uploads started by the pause
// timer. Cancelling it aborts in-flight uploads. Defaults to
// context.Background().
func WithBaseContext(ctx context.Context) Option {
	return func(d *Detector) {
		if ctx != nil {
			d.baseCtx = ctx
		}
	}
}

// Detector is the speech turn state machine.
type Detector struct {
	store        *state.Store
	transcriber  stt.Transcriber
	clk          clock.Clock
	metrics      *observe.Metrics
	onTranscript TranscriptHandler
	baseCtx      context.Context

	mu          sync.Mutex
	cfg         Config
	frames      []audio.AudioFrame
	speechEnd   int // len(frames) right after the last speech frame
	speechStart time.Time
	pause       *clock.Task

	uploads sync.WaitGroup
}

// job is a detached utterance ready for upload.
type job struct {
	frames   []audio.AudioFrame
	duration time.Duration
	at       time.Time
	rate     int
	timeout  time.Duration
}

// New creates a Detector that publishes phases to store and uploads turns to
// transcriber.
func New(store *state.Store, transcriber stt.Transcriber, opts ...Option) (*Detector, error) {
	if store == nil {
		return nil, errors.New("turn: store must not be nil")
	}
	if transcriber == nil {
		return nil, errors.New("turn: transcriber must not be nil")
	}
	d := &Detector{
		store:       store,
		transcriber: transcriber,
		clk:         clock.Wall{},
		cfg:         DefaultConfig(),
		baseCtx:     context.Background(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	if err := d.cfg.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Config returns the active configuration.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// SetConfig replaces the configuration for subsequent frames. An armed pause
// timer keeps its original deadline.
func (d *Detector) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	return nil
}

// HandleFrame feeds one captured frame into the state machine. Frames that
// arrive outside listening, speaking or paused are ignored.
func (d *Detector) HandleFrame(frame audio.AudioFrame) {
	d.mu.Lock()
	j := d.handleLocked(frame)
	d.mu.Unlock()
	d.start(j)
}

func (d *Detector) handleLocked(frame audio.AudioFrame) *job {
	speech := frame.RMS > d.cfg.SilenceThreshold
	now := d.clk.Now()

	// Phase changes are compare-and-set against the phase read here, so a
	// concurrent stop or playback that moved the store elsewhere wins.
	phase := d.store.Get().Phase
	switch phase {
	case state.PhaseListening, state.PhasePaused:
		if !speech {
			if phase == state.PhasePaused {
				d.frames = append(d.frames, frame)
			}
			return nil
		}
		if !d.store.CompareAndSetPhase(phase, state.PhaseSpeaking) {
			return nil
		}
		phase = state.PhaseSpeaking
		if d.speechStart.IsZero() {
			d.speechStart = now
		}
		d.pause.Cancel()
		d.pause = nil
		d.frames = append(d.frames, frame)
		d.speechEnd = len(d.frames)

	case state.PhaseSpeaking:
		if d.speechStart.IsZero() {
			d.speechStart = now
		}
		d.frames = append(d.frames, frame)
		if speech {
			d.speechEnd = len(d.frames)
			break
		}
		if now.Sub(d.speechStart) > d.cfg.MinSpeechDuration &&
			d.store.CompareAndSetPhase(state.PhaseSpeaking, state.PhasePaused) {
			phase = state.PhasePaused
			d.pause = clock.Schedule(d.clk, d.cfg.PauseDuration, d.onPauseElapsed)
		}

	default:
		return nil
	}

	if limit := d.cfg.MaxUtteranceDuration; limit > 0 && now.Sub(d.speechStart) >= limit {
		slog.Debug("turn: utterance reached maximum duration", "max", limit)
		return d.finalizeLocked(now, phase)
	}
	return nil
}

// onPauseElapsed runs when the pause timer fires. If the phase left paused
// in the meantime (playback took over the devices) the turn is dropped.
func (d *Detector) onPauseElapsed(t *clock.Task) {
	d.mu.Lock()
	if d.pause != t || t.Cancelled() {
		d.mu.Unlock()
		return
	}
	d.pause = nil
	if d.store.Get().Phase != state.PhasePaused {
		d.resetLocked()
		d.mu.Unlock()
		return
	}
	j := d.finalizeLocked(d.clk.Now(), state.PhasePaused)
	d.mu.Unlock()
	d.start(j)
}

// finalizeLocked detaches the buffered utterance and resets the buffer. It
// returns nil when there is nothing worth uploading, in which case the phase
// goes straight back to listening or idle. A non-empty from only lets the
// phase change if the store is still in from; otherwise the turn is dropped.
func (d *Detector) finalizeLocked(now time.Time, from state.Phase) *job {
	var duration time.Duration
	if !d.speechStart.IsZero() {
		duration = now.Sub(d.speechStart)
	}
	frames := d.frames[:d.speechEnd]
	hadSpeech := !d.speechStart.IsZero() && len(frames) > 0
	d.resetLocked()

	if !hadSpeech {
		return nil
	}
	if duration < d.cfg.MinAudioDuration {
		slog.Debug("turn: discarding short utterance",
			"duration", duration, "min", d.cfg.MinAudioDuration)
		d.metrics.RecordTurn(context.Background(), observe.OutcomeDiscarded, duration)
		d.movePhase(from, d.restingPhase())
		return nil
	}

	if !d.movePhase(from, state.PhaseProcessing) {
		return nil
	}
	return &job{
		frames:   frames,
		duration: duration,
		at:       now,
		rate:     d.cfg.SampleRate,
		timeout:  d.cfg.UploadTimeout,
	}
}

func (d *Detector) resetLocked() {
	d.pause.Cancel()
	d.pause = nil
	d.frames = nil
	d.speechEnd = 0
	d.speechStart = time.Time{}
}

// movePhase sets the phase, guarded by from unless from is empty.
func (d *Detector) movePhase(from, to state.Phase) bool {
	if from == "" {
		d.store.SetPhase(to)
		return true
	}
	return d.store.CompareAndSetPhase(from, to)
}

// restingPhase is where the detector goes after a turn.
func (d *Detector) restingPhase() state.Phase {
	if d.store.Get().Recording {
		return state.PhaseListening
	}
	return state.PhaseIdle
}

// start uploads j on its own goroutine.
func (d *Detector) start(j *job) {
	if j == nil {
		return
	}
	d.uploads.Add(1)
	go func() {
		defer d.uploads.Done()
		d.upload(d.baseCtx, j)
	}()
}

// upload encodes, transcribes and delivers one turn, then returns the phase
// to listening or idle unless something else has moved it meanwhile.
func (d *Detector) upload(ctx context.Context, j *job) {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	ctx, span := observe.StartSpan(ctx, "turn.upload")

	samples := audio.MergeFrames(j.frames)
	wav := audio.EncodeWAV(samples, j.rate)
	t := Transcript{
		Duration: j.duration,
		Audio:    audio.SamplesDuration(len(samples), j.rate),
		At:       j.at,
	}

	start := time.Now()
	text, err := d.transcriber.Transcribe(ctx, wav)
	d.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		uerr := &UploadError{Duration: j.duration, Err: err}
		observe.Logger(ctx).Error("turn: transcription failed", "err", uerr)
		t.Text, t.Err = ErrorPlaceholder, uerr
		d.metrics.RecordTurn(ctx, observe.OutcomeFailed, j.duration)
	} else {
		t.Text = text
		observe.Logger(ctx).Debug("turn: transcribed",
			"duration", j.duration, "audio", t.Audio, "chars", len(text))
		d.metrics.RecordTurn(ctx, observe.OutcomeTranscribed, j.duration)
	}
	observe.EndSpan(span, err)

	if d.onTranscript != nil {
		d.onTranscript(ctx, t)
	}

	d.store.CompareAndSetPhase(state.PhaseProcessing, d.restingPhase())
}

// Flush finalizes the buffered utterance immediately, skipping the pause
// wait, and blocks until its upload finished. It is the explicit stop path;
// the buffer is reset whether or not anything is uploaded.
func (d *Detector) Flush(ctx context.Context) {
	d.mu.Lock()
	j := d.finalizeLocked(d.clk.Now(), "")
	d.mu.Unlock()
	if j == nil {
		return
	}
	d.uploads.Add(1)
	defer d.uploads.Done()
	d.upload(ctx, j)
}

// Reset drops the buffered utterance and any armed pause timer without
// uploading. The phase is left untouched.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.resetLocked()
	d.mu.Unlock()
}

// Wait blocks until all in-flight uploads have returned.
func (d *Detector) Wait() {
	d.uploads.Wait()
}
