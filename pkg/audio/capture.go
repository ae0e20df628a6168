package audio

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultFrameSize is the number of samples per emitted frame
	// (256 ms at 16 kHz).
	DefaultFrameSize = 4096

	// DefaultQueueDepth is the number of frames buffered between the
	// real-time callback and the consumer before frames are dropped.
	DefaultQueueDepth = 32
)

// CaptureStage chunks the raw sample stream delivered by a device callback
// into fixed-size [AudioFrame] values and hands them to a consumer over a
// bounded queue.
//
// Process is meant to be called from a real-time audio thread: it never
// blocks, never returns false, and never lets a panic escape. When the
// consumer falls behind, frames are dropped and counted instead of stalling
// the device.
//
// Process must be called from a single goroutine at a time. Frames and
// Dropped are safe for concurrent use.
type CaptureStage struct {
	frameSize int
	now       func() time.Time

	// buf is only touched by the producer.
	buf []float32
	n   int

	frames    chan AudioFrame
	dropped   atomic.Uint64
	emitted   atomic.Uint64
	closeOnce sync.Once
}

// CaptureOption configures a [CaptureStage].
type CaptureOption func(*CaptureStage)

// WithCaptureClock overrides the clock used to timestamp frames.
func WithCaptureClock(now func() time.Time) CaptureOption {
	return func(c *CaptureStage) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCaptureStage returns a stage that emits frames of frameSize samples into
// a queue holding up to queueDepth frames. Non-positive values select
// [DefaultFrameSize] and [DefaultQueueDepth].
func NewCaptureStage(frameSize, queueDepth int, opts ...CaptureOption) *CaptureStage {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	c := &CaptureStage{
		frameSize: frameSize,
		now:       time.Now,
		buf:       make([]float32, frameSize),
		frames:    make(chan AudioFrame, queueDepth),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// FrameSize returns the number of samples per emitted frame.
func (c *CaptureStage) FrameSize() int { return c.frameSize }

// Process consumes one device callback worth of audio. Only the first channel
// is used. Complete frames are emitted; leftover samples wait for the next
// call. A missing or empty channel is a no-op.
//
// The return value is the "keep processing" signal expected by callback
// driven audio APIs and is always true.
func (c *CaptureStage) Process(channels [][]float32) (cont bool) {
	cont = true
	defer func() {
		if r := recover(); r != nil {
			c.dropped.Add(1)
			slog.Warn("audio capture: recovered from panic in process callback", "panic", r)
		}
	}()

	if len(channels) == 0 || len(channels[0]) == 0 {
		return
	}

	in := channels[0]
	for len(in) > 0 {
		k := copy(c.buf[c.n:], in)
		c.n += k
		in = in[k:]
		if c.n == c.frameSize {
			c.emit()
			c.n = 0
		}
	}
	return
}

// emit copies the filled buffer into a new frame and offers it to the queue.
func (c *CaptureStage) emit() {
	samples := make([]float32, c.frameSize)
	copy(samples, c.buf)
	frame := AudioFrame{
		Samples:   samples,
		RMS:       RMS(samples),
		Timestamp: c.now(),
	}
	select {
	case c.frames <- frame:
		c.emitted.Add(1)
	default:
		c.dropped.Add(1)
	}
}

// Frames returns the queue of emitted frames. It is closed by [CaptureStage.Close].
func (c *CaptureStage) Frames() <-chan AudioFrame { return c.frames }

// Dropped returns the number of frames lost to a full queue or a recovered
// panic.
func (c *CaptureStage) Dropped() uint64 { return c.dropped.Load() }

// Emitted returns the number of frames successfully queued.
func (c *CaptureStage) Emitted() uint64 { return c.emitted.Load() }

// Reset discards any partially accumulated samples. Call it only while the
// producer is stopped.
func (c *CaptureStage) Reset() {
	c.n = 0
}

// Close closes the frame queue. The producer must already be stopped; any
// later Process call is absorbed as a dropped frame. Calling Close more than
// once is safe.
func (c *CaptureStage) Close() {
	c.closeOnce.Do(func() {
		close(c.frames)
	})
}
