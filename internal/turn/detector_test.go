package turn_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/audiobot/internal/clock"
	"github.com/MrWong99/audiobot/internal/observe"
	"github.com/MrWong99/audiobot/internal/state"
	"github.com/MrWong99/audiobot/internal/turn"
	"github.com/MrWong99/audiobot/pkg/audio"
	"github.com/MrWong99/audiobot/pkg/provider/stt/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

const (
	frameDur  = 100 * time.Millisecond
	frameSize = audio.DefaultSampleRate / 10
	speechRMS = 0.02
	quietRMS  = 0.001
)

type harness struct {
	det         *turn.Detector
	store       *state.Store
	clock       *clock.Manual
	tr          *mock.Transcriber
	transcripts chan turn.Transcript
}

func newHarness(t *testing.T, tr *mock.Transcriber, opts ...turn.Option) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		store:       state.NewStore(state.Default()),
		clock:       clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		tr:          tr,
		transcripts: make(chan turn.Transcript, 64),
	}
	h.store.Set(state.Update{
		Phase:     state.Ptr(state.PhaseListening),
		Recording: state.Ptr(true),
	})

	all := append([]turn.Option{
		turn.WithClock(h.clock),
		turn.WithMetrics(metrics),
		turn.WithTranscriptHandler(func(_ context.Context, tr turn.Transcript) {
			h.transcripts <- tr
		}),
	}, opts...)
	h.det, err = turn.New(h.store, tr, all...)
	if err != nil {
		t.Fatalf("turn.New: %v", err)
	}
	t.Cleanup(h.det.Wait)
	return h
}

func frame(rms float64) audio.AudioFrame {
	samples := make([]float32, frameSize)
	for i := range samples {
		samples[i] = float32(rms)
	}
	return audio.AudioFrame{Samples: samples, RMS: rms}
}

// feed delivers d worth of 100 ms frames at the given level, advancing the
// clock before each frame.
func (h *harness) feed(rms float64, d time.Duration) {
	for range int(d / frameDur) {
		h.clock.Advance(frameDur)
		h.det.HandleFrame(frame(rms))
	}
}

func (h *harness) phase() state.Phase { return h.store.Get().Phase }

func (h *harness) transcript(t *testing.T) turn.Transcript {
	t.Helper()
	select {
	case tr := <-h.transcripts:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
		return turn.Transcript{}
	}
}

func wavSamples(wav []byte) int {
	return (len(wav) - 44) / 2
}

// ─── scenarios ───────────────────────────────────────────────────────────────

func TestDetector_SingleUtteranceFinalizesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Transcriber{Text: "hello there"})

	h.feed(speechRMS, 600*time.Millisecond)
	if h.phase() != state.PhaseSpeaking {
		t.Fatalf("phase after speech = %s, want speaking", h.phase())
	}
	h.feed(quietRMS, 1600*time.Millisecond)

	got := h.transcript(t)
	h.det.Wait()

	if got.Text != "hello there" || got.Err != nil {
		t.Errorf("transcript = %+v, want text without error", got)
	}
	if got.Audio != 600*time.Millisecond {
		t.Errorf("uploaded audio = %s, want 600ms", got.Audio)
	}
	calls := h.tr.Calls()
	if len(calls) != 1 {
		t.Fatalf("transcribe calls = %d, want 1", len(calls))
	}
	if n := wavSamples(calls[0].WAV); n != 6*frameSize {
		t.Errorf("uploaded samples = %d, want %d", n, 6*frameSize)
	}
	if h.phase() != state.PhaseListening {
		t.Errorf("final phase = %s, want listening", h.phase())
	}
}

func TestDetector_ShortPauseDoesNotSplitTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Transcriber{Text: "one turn"})

	h.feed(speechRMS, 1200*time.Millisecond)
	h.feed(quietRMS, 200*time.Millisecond)
	if h.phase() != state.PhasePaused {
		t.Fatalf("phase after short silence = %s, want paused", h.phase())
	}
	h.feed(speechRMS, 1200*time.Millisecond)
	h.feed(quietRMS, 1600*time.Millisecond)

	got := h.transcript(t)
	h.det.Wait()

	if len(h.tr.Calls()) != 1 {
		t.Fatalf("transcribe calls = %d, want 1", len(h.tr.Calls()))
	}
	if got.Audio != 2600*time.Millisecond {
		t.Errorf("uploaded audio = %s, want 2.6s", got.Audio)
	}
	if h.clock.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", h.clock.Pending())
	}
}

func TestDetector_SilenceBlipWhileSpeakingStaysSpeaking(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Transcriber{})

	h.feed(speechRMS, 300*time.Millisecond)
	h.feed(quietRMS, 100*time.Millisecond)

	if h.phase() != state.PhaseSpeaking {
		t.Errorf("phase = %s, want speaking", h.phase())
	}
	if h.clock.Pending() != 0 {
		t.Errorf("pause timer armed before min speech duration elapsed")
	}
}

func TestDetector_SpeechWhilePausedCancelsTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Transcriber{Text: "never"})

	h.feed(speechRMS, 600*time.Millisecond)
	h.feed(quietRMS, 200*time.Millisecond)
	if h.clock.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", h.clock.Pending())
	}
	h.feed(speechRMS, 100*time.Millisecond)
	if h.phase() != state.PhaseSpeaking {
		t.Fatalf("phase = %s, want speaking", h.phase())
	}

	// Well past the original deadline with no further frames.
	h.clock.Advance(5 * time.Second)
	h.det.Wait()

	if n := len(h.tr.Calls()); n != 0 {
		t.Errorf("cancelled timer finalized: %d transcribe calls", n)
	}
	if h.phase() != state.PhaseSpeaking {
		t.Errorf("phase = %s, want speaking", h.phase())
	}
}

func TestDetector_UploadFailureDeliversPlaceholder(t *testing.T) {
	t.Parallel()
	backendErr := errors.New("connection refused")
	h := newHarness(t, &mock.Transcriber{Err: backendErr})

	h.feed(speechRMS, 1000*time.Millisecond)
	h.feed(quietRMS, 1600*time.Millisecond)

	got := h.transcript(t)
	h.det.Wait()

	if got.Text != turn.ErrorPlaceholder {
		t.Errorf("text = %q, want placeholder", got.Text)
	}
	var uerr *turn.UploadError
	if !errors.As(got.Err, &uerr) {
		t.Fatalf("err = %v, want *UploadError", got.Err)
	}
	if !errors.Is(got.Err, backendErr) {
		t.Errorf("UploadError does not wrap the backend error")
	}
	if h.phase() != state.PhaseListening {
		t.Errorf("phase = %s, want listening after failed upload", h.phase())
	}
}

func TestDetector_EndsIdleWhenRecordingStopped(t *testing.T) {
	t.Parallel()
	tr := &mock.Transcriber{Text: "late", Block: make(chan struct{})}
	h := newHarness(t, tr)

	h.feed(speechRMS, 1000*time.Millisecond)
	h.feed(quietRMS, 1600*time.Millisecond)
	if h.phase() != state.PhaseProcessing {
		t.Fatalf("phase = %s, want processing", h.phase())
	}

	h.store.SetRecording(false)
	close(tr.Block)
	h.transcript(t)
	h.det.Wait()

	if h.phase() != state.PhaseIdle {
		t.Errorf("phase = %s, want idle", h.phase())
	}
}

func TestDetector_FramesIgnoredWhileProcessing(t *testing.T) {
	t.Parallel()
	tr := &mock.Transcriber{Text: "first", Block: make(chan struct{})}
	h := newHarness(t, tr)

	h.feed(speechRMS, 1000*time.Millisecond)
	h.feed(quietRMS, 1600*time.Millisecond)
	h.feed(speechRMS, 2000*time.Millisecond)

	if h.phase() != state.PhaseProcessing {
		t.Errorf("phase = %s, want processing", h.phase())
	}
	close(tr.Block)
	h.transcript(t)
	h.det.Wait()

	// Nothing was buffered during processing, so a flush uploads nothing.
	h.det.Flush(context.Background())
	if n := len(tr.Calls()); n != 1 {
		t.Errorf("transcribe calls = %d, want 1", n)
	}
}

func TestDetector_IgnoresFramesOutsideActivePhases(t *testing.T) {
	t.Parallel()

	for _, p := range []state.Phase{state.PhaseIdle, state.PhasePlayback, state.PhaseError} {
		t.Run(string(p), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, &mock.Transcriber{})
			h.store.SetPhase(p)

			h.feed(speechRMS, 2*time.Second)
			h.det.Flush(context.Background())

			if h.phase() != p {
				t.Errorf("phase = %s, want %s", h.phase(), p)
			}
			if n := len(h.tr.Calls()); n != 0 {
				t.Errorf("transcribe calls = %d, want 0", n)
			}
		})
	}
}

func TestDetector_TimerAfterPlaybackTakeoverDropsTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Transcriber{Text: "dropped"})

	h.feed(speechRMS, 1000*time.Millisecond)
	h.feed(quietRMS, 100*time.Millisecond)
	h.store.SetPhase(state.PhasePlayback)
	h.clock.Advance(2 * time.Second)
	h.det.Wait()

	if n := len(h.tr.Calls()); n != 0 {
		t.Errorf("transcribe calls = %d, want 0", n)
	}
	if h.phase() != state.PhasePlayback {
		t.Errorf("phase = %s, want playback untouched", h.phase())
	}
}

func TestDetector_ConcurrentStopWinsOverFrames(t *testing.T) {
	t.Parallel()
	for i := range 20 {
		h := newHarness(t, &mock.Transcriber{Text: "never uploaded"})

		var fed atomic.Int64
		quit := make(chan struct{})
		finished := make(chan struct{})
		go func() {
			defer close(finished)
			for n := 0; ; n++ {
				select {
				case <-quit:
					return
				default:
				}
				// Six speech frames then two quiet ones, so the detector keeps
				// moving between speaking and paused.
				rms := speechRMS
				if n%8 >= 6 {
					rms = quietRMS
				}
				h.clock.Advance(frameDur)
				h.det.HandleFrame(frame(rms))
				fed.Add(1)
			}
		}()
		waitFed := func(n int64) {
			deadline := time.Now().Add(2 * time.Second)
			for fed.Load() < n {
				if time.Now().After(deadline) {
					t.Fatalf("feeder stalled at %d frames", fed.Load())
				}
				time.Sleep(10 * time.Microsecond)
			}
		}

		waitFed(int64(i % 8))
		h.store.Set(state.Update{
			Recording: state.Ptr(false),
			Phase:     state.Ptr(state.PhaseIdle),
		})
		waitFed(fed.Load() + 16)
		close(quit)
		<-finished
		h.det.Wait()

		if got := h.phase(); got != state.PhaseIdle {
			t.Fatalf("iteration %d: phase = %s after stop, want idle", i, got)
		}
	}
}

// ─── flush and reset ─────────────────────────────────────────────────────────

func TestDetector_FlushUploadsImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Transcriber{Text: "flushed"})

	h.feed(speechRMS, 1200*time.Millisecond)
	h.feed(quietRMS, 200*time.Millisecond)
	h.det.Flush(context.Background())

	got := h.transcript(t)
	if got.Text != "flushed" {
		t.Errorf("text = %q", got.Text)
	}
	if got.Audio != 1200*time.Millisecond {
		t.Errorf("uploaded audio = %s, want trailing silence trimmed to 1.2s", got.Audio)
	}

	h.clock.Advance(3 * time.Second)
	h.det.Wait()
	if n := len(h.tr.Calls()); n != 1 {
		t.Errorf("transcribe calls = %d, want 1 (pause timer must be cancelled)", n)
	}
}

func TestDetector_FlushDiscardsShortUtterance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Transcriber{Text: "too short"})

	h.feed(speechRMS, 300*time.Millisecond)
	h.det.Flush(context.Background())

	if n := len(h.tr.Calls()); n != 0 {
		t.Errorf("transcribe calls = %d, want 0", n)
	}
	if h.phase() != state.PhaseListening {
		t.Errorf("phase = %s, want listening", h.phase())
	}
}

func TestDetector_FlushAfterStopEndsIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Transcriber{Text: "bye"})

	h.feed(speechRMS, 1500*time.Millisecond)
	h.store.Set(state.Update{Recording: state.Ptr(false), Phase: state.Ptr(state.PhaseIdle)})
	h.det.Flush(context.Background())

	if got := h.transcript(t); got.Text != "bye" {
		t.Errorf("text = %q", got.Text)
	}
	if h.phase() != state.PhaseIdle {
		t.Errorf("phase = %s, want idle", h.phase())
	}
}

func TestDetector_ResetDropsBufferAndTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Transcriber{Text: "x"})

	h.feed(speechRMS, 1200*time.Millisecond)
	h.feed(quietRMS, 200*time.Millisecond)
	h.det.Reset()

	if h.clock.Pending() != 0 {
		t.Errorf("pending timers after Reset = %d", h.clock.Pending())
	}
	h.det.Flush(context.Background())
	if n := len(h.tr.Calls()); n != 0 {
		t.Errorf("transcribe calls = %d, want 0", n)
	}
}

func TestDetector_MaxUtteranceForcesFinalize(t *testing.T) {
	t.Parallel()
	cfg := turn.DefaultConfig()
	cfg.MaxUtteranceDuration = 2 * time.Second
	h := newHarness(t, &mock.Transcriber{Text: "monologue"}, turn.WithConfig(cfg))

	h.feed(speechRMS, 2500*time.Millisecond)
	h.transcript(t)
	h.det.Wait()

	if n := len(h.tr.Calls()); n != 1 {
		t.Errorf("transcribe calls = %d, want 1", n)
	}
}

func TestDetector_LongSpeechUploadsOnceWithDefaults(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Transcriber{Text: "a very long story"})

	h.feed(speechRMS, 32*time.Second)
	if h.phase() != state.PhaseSpeaking {
		t.Fatalf("phase after 32s of speech = %s, want speaking", h.phase())
	}
	if n := len(h.tr.Calls()); n != 0 {
		t.Fatalf("transcribe calls mid-speech = %d, want 0", n)
	}
	h.feed(quietRMS, 1600*time.Millisecond)

	got := h.transcript(t)
	h.det.Wait()

	if got.Audio != 32*time.Second {
		t.Errorf("uploaded audio = %s, want 32s", got.Audio)
	}
	calls := h.tr.Calls()
	if len(calls) != 1 {
		t.Fatalf("transcribe calls = %d, want 1", len(calls))
	}
	if n := wavSamples(calls[0].WAV); n != 320*frameSize {
		t.Errorf("uploaded samples = %d, want %d", n, 320*frameSize)
	}
}

func TestDetector_SetConfigAppliesToNextFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &mock.Transcriber{})

	cfg := turn.DefaultConfig()
	cfg.SilenceThreshold = 0.05
	if err := h.det.SetConfig(cfg); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	h.feed(speechRMS, 500*time.Millisecond)
	if h.phase() != state.PhaseListening {
		t.Errorf("phase = %s, want listening (0.02 is below the new threshold)", h.phase())
	}

	cfg.SilenceThreshold = 0
	if err := h.det.SetConfig(cfg); err == nil {
		t.Error("SetConfig accepted an invalid threshold")
	}
	if got := h.det.Config().SilenceThreshold; got != 0.05 {
		t.Errorf("threshold after rejected update = %v, want 0.05", got)
	}
}

// ─── properties ──────────────────────────────────────────────────────────────

func TestDetector_NeverFinalizesShortUtterances(t *testing.T) {
	t.Parallel()

	for seed := range uint64(20) {
		h := newHarness(t, &mock.Transcriber{Text: "x"})
		rng := rand.New(rand.NewPCG(seed, 7))

		for range 300 {
			if rng.IntN(3) == 0 {
				h.feed(speechRMS, frameDur)
			} else {
				h.feed(quietRMS, frameDur)
			}
			if rng.IntN(40) == 0 {
				h.det.Flush(context.Background())
			}
		}
		h.det.Flush(context.Background())
		h.det.Wait()

		close(h.transcripts)
		for tr := range h.transcripts {
			if tr.Duration < turn.DefaultMinAudioDuration {
				t.Errorf("seed %d: finalized %s utterance", seed, tr.Duration)
			}
		}
	}
}

// ─── construction ────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	store := state.NewStore(state.Default())
	tr := &mock.Transcriber{}

	if _, err := turn.New(nil, tr); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := turn.New(store, nil); err == nil {
		t.Error("expected error for nil transcriber")
	}
	bad := turn.DefaultConfig()
	bad.PauseDuration = 0
	if _, err := turn.New(store, tr, turn.WithConfig(bad)); err == nil {
		t.Error("expected error for zero pause duration")
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*turn.Config)
		wantErr bool
	}{
		{"defaults", func(*turn.Config) {}, false},
		{"threshold zero", func(c *turn.Config) { c.SilenceThreshold = 0 }, true},
		{"threshold one", func(c *turn.Config) { c.SilenceThreshold = 1 }, true},
		{"negative min speech", func(c *turn.Config) { c.MinSpeechDuration = -1 }, true},
		{"zero pause", func(c *turn.Config) { c.PauseDuration = 0 }, true},
		{"max below min audio", func(c *turn.Config) { c.MaxUtteranceDuration = 500 * time.Millisecond }, true},
		{"max disabled", func(c *turn.Config) { c.MaxUtteranceDuration = 0 }, false},
		{"zero sample rate", func(c *turn.Config) { c.SampleRate = 0 }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := turn.DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
